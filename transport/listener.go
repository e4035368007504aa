package transport

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// NewPeerFunc creates the Endpoint (and any session state) for a
// newly-observed source address. It is called at most once per address
// while that address stays in the Listener's table; after Remove, the next
// datagram from the address calls it again.
type NewPeerFunc func(addr net.Addr) *Endpoint

// Listener demultiplexes inbound datagrams on a single shared
// net.PacketConn by source address, handing each address its own Endpoint.
// This is the hardened, multi-client alternative to the bare first-address
// latching an Endpoint does on its own: a server binds one Listener to its
// UDP socket and gets one reliable stream per client for free.
type Listener struct {
	conn    net.PacketConn
	newPeer NewPeerFunc
	log     *logrus.Entry

	mu    sync.Mutex
	peers map[string]*Endpoint
}

// NewListener wraps conn, calling newPeer the first time a given source
// address is observed.
func NewListener(conn net.PacketConn, newPeer NewPeerFunc) *Listener {
	return &Listener{
		conn:    conn,
		newPeer: newPeer,
		log:     logrus.NewEntry(logrus.StandardLogger()),
		peers:   make(map[string]*Endpoint),
	}
}

// Serve reads datagrams from conn until it errors (typically because conn
// was closed), dispatching each to its peer's Endpoint. It is meant to run
// on its own goroutine; closing conn is the way to make it return.
func (l *Listener) Serve() error {
	buf := make([]byte, 65535)
	for {
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			return err
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		ep := l.peerFor(addr)
		ep.HandlePacket(datagram, addr)
	}
}

func (l *Listener) peerFor(addr net.Addr) *Endpoint {
	key := addr.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if ep, ok := l.peers[key]; ok {
		return ep
	}
	ep := l.newPeer(addr)
	l.peers[key] = ep
	l.log.WithField("peer", key).Info("transport: new client session")
	return ep
}

// Peers returns a snapshot of the currently known peer endpoints, keyed by
// address string.
func (l *Listener) Peers() map[string]*Endpoint {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]*Endpoint, len(l.peers))
	for k, v := range l.peers {
		out[k] = v
	}
	return out
}

// Remove drops addr's endpoint from the listener's table, e.g. once a
// session's owner decides the client is gone for good. It does not close
// the endpoint.
func (l *Listener) Remove(addr net.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.peers, addr.String())
}
