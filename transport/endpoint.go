// Package transport implements the reliable, in-order byte-stream transport
// that rides atop a connectionless net.PacketConn substrate: a Go-Back-N
// sender with cumulative acknowledgments and a single retransmission timer,
// paired with a receiver that reorders arriving segments into an in-order
// delivery stream. Data and a single reliable control message share one
// sequence space, distinguished on the wire by flag bits.
package transport

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dkendall/relaynet/ilist"
	"github.com/dkendall/relaynet/metrics"
	"github.com/dkendall/relaynet/packet"
	"github.com/dkendall/relaynet/sleep"
)

const (
	// DefaultMSS is the maximum payload bytes per data segment.
	DefaultMSS = 1200

	// DefaultWindow is the maximum number of in-flight segments.
	DefaultWindow = 5

	// DefaultTimerInterval is the fixed retransmission timer period.
	DefaultTimerInterval = 450 * time.Millisecond

	// protocolVersion is the only wire version relaynet speaks.
	protocolVersion = 1
)

const (
	wakerRetransmit = iota
	wakerClose
)

// DeliveryFunc receives reassembled, in-order bytes as they become
// available, along with the header of the segment that carried them. hdr is
// nil when the bytes are a raw, unframed datagram surfaced via debug
// passthrough.
type DeliveryFunc func(hdr *packet.Header, payload []byte)

type deliveryEntry struct {
	ilist.Entry
	fn DeliveryFunc
}

type unackedSegment struct {
	ilist.Entry
	offset  uint32
	encoded []byte
	sentAt  time.Time
	// dataLen is the number of sendBuffer bytes this segment carries, or 0
	// for a control segment. Cumulative acks cover both kinds of segment
	// over the same sequence space, but only dataLen bytes of sendBuffer
	// may be trimmed once this segment is acked.
	dataLen int
}

type pendingRecv struct {
	hdr     packet.Header
	payload []byte
}

// Endpoint is one side of a reliable byte-stream connection to a single
// latched peer address. It owns its send/receive state exclusively; the
// only externally synchronized entry points are HandlePacket (fed by
// whoever owns the socket read loop — a Listener or a dialed Client) and
// the Send/SendControl/RegisterDelivery/Close API.
type Endpoint struct {
	conn    net.PacketConn
	connID  uint32
	mss     int
	window  int
	timerInterval time.Duration
	debugPassthrough bool
	metrics *metrics.Transport
	log     *logrus.Entry

	mu     sync.Mutex
	peer   net.Addr
	closed bool

	// sender state
	sendBuffer []byte
	// dataOffset is how many leading bytes of sendBuffer have already been
	// transmitted at least once. It is sendBuffer's own cursor, kept
	// independent of nextSeq so interleaved control segments (which consume
	// sequence numbers but no sendBuffer bytes) never desync the two.
	dataOffset    int
	sendBase      uint32
	nextSeq       uint32
	controlQueue  [][]byte
	unacked       map[uint32]*unackedSegment
	unackedList   ilist.List
	dupAckCounter int
	lastAck       uint32
	timerArmed    bool
	timer         *time.Timer

	// receiver state
	expectedSeq uint32
	recvBuffer  map[uint32]pendingRecv

	deliveryList ilist.List

	timerWaker sleep.Waker
	closeWaker sleep.Waker
	sleeper    sleep.Sleeper
	doneCh     chan struct{}
}

// New creates an Endpoint bound to conn with the given connection id. The
// endpoint does not own conn's lifecycle; whoever owns the socket (a
// Listener demultiplexing several peers, or a dialed Client) is responsible
// for feeding it datagrams via HandlePacket and for closing conn.
func New(conn net.PacketConn, connID uint32, opts ...Option) *Endpoint {
	e := &Endpoint{
		conn:          conn,
		connID:        connID,
		mss:           DefaultMSS,
		window:        DefaultWindow,
		timerInterval: DefaultTimerInterval,
		log:           logrus.NewEntry(logrus.StandardLogger()),
		unacked:       make(map[uint32]*unackedSegment),
		recvBuffer:    make(map[uint32]pendingRecv),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.sleeper.AddWaker(&e.timerWaker, wakerRetransmit)
	e.sleeper.AddWaker(&e.closeWaker, wakerClose)
	if e.metrics != nil {
		e.metrics.IncActiveEndpoints()
	}
	go e.loop()
	return e
}

// loop is the endpoint's single background goroutine: it exists solely to
// turn asserted wakers (the retransmission timer, shutdown) into calls back
// into the mutex-guarded state. Datagram arrival is handled synchronously
// by HandlePacket on the caller's own goroutine, mirroring how a
// single-threaded cooperative scheduler would interleave the same events.
func (e *Endpoint) loop() {
	for {
		id, _ := e.sleeper.Fetch(true)
		switch id {
		case wakerRetransmit:
			e.onTimerFired()
		case wakerClose:
			e.sleeper.Done()
			close(e.doneCh)
			return
		}
	}
}

// Peer returns the endpoint's latched peer address, or nil if no datagram
// has arrived yet and none was set at construction.
func (e *Endpoint) Peer() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer
}

// Send appends b to the outbound data stream and transmits as much of it as
// the send window currently allows.
func (e *Endpoint) Send(b []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.sendBuffer = append(e.sendBuffer, b...)
	e.trySendLocked()
}

// SendControl reliably transmits a single control-flagged segment. b must
// fit within MSS; SendControl does not split it. Control segments share the
// data stream's sequence space and jump the data queue, so a command line
// is never held up behind buffered file data.
func (e *Endpoint) SendControl(b []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.controlQueue = append(e.controlQueue, append([]byte(nil), b...))
	e.trySendLocked()
}

// RegisterDelivery appends fn to the callback FIFO. Only the head of the
// FIFO receives deliveries; ClearDelivery removes every entry at once, so
// there is no way to drop only the head.
func (e *Endpoint) RegisterDelivery(fn DeliveryFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deliveryList.PushBack(&deliveryEntry{fn: fn})
}

// ClearDelivery empties the callback FIFO.
func (e *Endpoint) ClearDelivery() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deliveryList.Reset()
}

// Close shuts down the endpoint's background timer loop. It does not close
// the underlying conn, which the owning Listener or Client is responsible
// for.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.cancelTimerLocked()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.DecActiveEndpoints()
	}
	e.closeWaker.Assert()
	<-e.doneCh
}

// HandlePacket feeds one received datagram into the endpoint. The caller
// (a Listener's read loop, or a Client's) owns the single goroutine that
// calls this; relaynet never calls it concurrently with itself for the same
// endpoint.
func (e *Endpoint) HandlePacket(data []byte, from net.Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.peer == nil {
		e.peer = from
	}

	h, payload, err := packet.Decode(data)
	if err != nil {
		if e.metrics != nil {
			e.metrics.IncMalformed()
		}
		if e.debugPassthrough {
			e.deliverLocked(nil, data)
		}
		return
	}

	if h.IsAck() {
		e.handleAckLocked(h)
		return
	}
	e.handleDataLocked(h, payload)
}

func (e *Endpoint) handleAckLocked(h packet.Header) {
	a := h.Ack
	if a == e.lastAck {
		e.dupAckCounter++
	} else {
		e.lastAck = a
		e.dupAckCounter = 0
	}

	ackedDataBytes := 0
	for it := e.unackedList.Front(); it != nil; {
		seg := it.(*unackedSegment)
		next := it.Next()
		if seg.offset < a {
			if e.metrics != nil {
				e.metrics.ObserveRTT(time.Since(seg.sentAt).Seconds())
			}
			ackedDataBytes += seg.dataLen
			e.unackedList.Remove(seg)
			delete(e.unacked, seg.offset)
		}
		it = next
	}

	if e.dupAckCounter >= 3 {
		if front := e.unackedList.Front(); front != nil {
			seg := front.(*unackedSegment)
			seg.sentAt = time.Now()
			e.writeLocked(seg.encoded)
			if e.metrics != nil {
				e.metrics.IncFastRetransmit()
			}
		}
		e.dupAckCounter = 0
	}

	if ackedDataBytes > len(e.sendBuffer) {
		ackedDataBytes = len(e.sendBuffer)
	}
	e.sendBuffer = e.sendBuffer[ackedDataBytes:]
	e.dataOffset -= ackedDataBytes

	if a > e.sendBase {
		e.sendBase = a
	}

	if e.sendBase == e.nextSeq {
		e.cancelTimerLocked()
	} else {
		e.armTimerLocked()
	}
	e.trySendLocked()
}

func (e *Endpoint) handleDataLocked(h packet.Header, payload []byte) {
	s := h.Seq
	if s < e.expectedSeq {
		if e.metrics != nil {
			e.metrics.IncDuplicate()
		}
		e.sendAckLocked()
		return
	}

	stored := make([]byte, len(payload))
	copy(stored, payload)
	e.recvBuffer[s] = pendingRecv{hdr: h, payload: stored}

	for {
		pr, ok := e.recvBuffer[e.expectedSeq]
		if !ok {
			break
		}
		delete(e.recvBuffer, e.expectedSeq)
		e.deliverLocked(&pr.hdr, pr.payload)
		if e.metrics != nil {
			e.metrics.AddBytesReceived(len(pr.payload))
		}
		e.expectedSeq += uint32(len(pr.payload))
	}

	e.sendAckLocked()
}

func (e *Endpoint) deliverLocked(hdr *packet.Header, payload []byte) {
	front := e.deliveryList.Front()
	if front == nil {
		return
	}
	entry := front.(*deliveryEntry)
	if entry.fn != nil {
		entry.fn(hdr, payload)
	}
}

// trySendLocked transmits buffered control and data segments while the
// window permits, preferring control segments so an application command
// line is never stuck behind queued file data.
func (e *Endpoint) trySendLocked() {
	for len(e.unacked) < e.window {
		if len(e.controlQueue) > 0 {
			payload := e.controlQueue[0]
			e.controlQueue = e.controlQueue[1:]
			e.transmitLocked(payload, packet.FlagCmd, 0)
			continue
		}

		if e.dataOffset >= len(e.sendBuffer) {
			return
		}
		end := e.dataOffset + e.mss
		if end > len(e.sendBuffer) {
			end = len(e.sendBuffer)
		}
		n := end - e.dataOffset
		e.transmitLocked(e.sendBuffer[e.dataOffset:end], packet.FlagData, n)
		e.dataOffset += n
	}
}

// transmitLocked sends payload as one segment. dataLen is the number of
// sendBuffer bytes it carries (0 for control segments), recorded on the
// unacked entry so handleAckLocked knows how much of sendBuffer a later ack
// may trim.
func (e *Endpoint) transmitLocked(payload []byte, flags uint8, dataLen int) {
	seq := e.nextSeq
	encoded := packet.Encode(protocolVersion, flags, e.connID, seq, e.expectedSeq, uint16(e.window), payload)

	seg := &unackedSegment{offset: seq, encoded: encoded, sentAt: time.Now(), dataLen: dataLen}
	e.unacked[seq] = seg
	e.unackedList.PushBack(seg)
	e.nextSeq += uint32(len(payload))

	e.writeLocked(encoded)
	if e.metrics != nil {
		e.metrics.AddBytesSent(len(payload))
	}
	e.armTimerLocked()
}

func (e *Endpoint) sendAckLocked() {
	encoded := packet.Encode(protocolVersion, packet.FlagAck, e.connID, e.nextSeq, e.expectedSeq, uint16(e.window), nil)
	e.writeLocked(encoded)
}

func (e *Endpoint) writeLocked(b []byte) {
	if e.peer == nil {
		return
	}
	if _, err := e.conn.WriteTo(b, e.peer); err != nil {
		e.log.WithError(err).Debug("transport: write failed")
	}
}

func (e *Endpoint) armTimerLocked() {
	if e.timerArmed {
		return
	}
	e.timerArmed = true
	w := &e.timerWaker
	e.timer = time.AfterFunc(e.timerInterval, w.Assert)
}

func (e *Endpoint) cancelTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timerArmed = false
}

// onTimerFired runs on the endpoint's loop goroutine when the
// retransmission timer expires: every still-unacknowledged segment is
// resent in ascending offset order and the timer is re-armed if anything
// remains outstanding.
func (e *Endpoint) onTimerFired() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.timerArmed = false
	if e.unackedList.Empty() {
		return
	}

	n := 0
	for it := e.unackedList.Front(); it != nil; it = it.Next() {
		seg := it.(*unackedSegment)
		seg.sentAt = time.Now()
		e.writeLocked(seg.encoded)
		n++
	}
	if e.metrics != nil {
		e.metrics.AddRetransmissions(n)
	}
	e.armTimerLocked()
}
