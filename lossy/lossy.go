// Package lossy provides a thin outbound net.PacketConn filter that drops
// and delays datagrams with configured probability and jitter. It exists
// purely as a test and profile-driven affordance: it preserves datagram
// boundaries and never duplicates, reorders within a single scheduled
// datagram, or corrupts bytes.
package lossy

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/dkendall/relaynet/tmutex"
)

// Profile names a loss/delay configuration, e.g. one loaded from config's
// named loss profiles.
type Profile struct {
	// LossRate is the per-datagram drop probability, in [0, 1].
	LossRate float64

	// MaxDelay bounds the uniform random delivery delay applied to
	// datagrams that aren't dropped; the actual delay is drawn from
	// [0, MaxDelay].
	MaxDelay time.Duration
}

// Conn wraps a net.PacketConn's WriteTo, applying Profile to every
// outbound datagram. Reads pass straight through to the wrapped conn.
type Conn struct {
	net.PacketConn

	profile Profile
	rand    *rand.Rand
	mu      tmutex.Mutex // guards rand, shared by concurrent WriteTo callers

	wg sync.WaitGroup
}

// New wraps conn, applying profile to every datagram written through the
// returned Conn.
func New(conn net.PacketConn, profile Profile) *Conn {
	c := &Conn{
		PacketConn: conn,
		profile:    profile,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.mu.Init()
	return c
}

// WriteTo drops the datagram with probability profile.LossRate; otherwise
// it schedules delivery of exactly these bytes, unmodified and undivided,
// after a uniform random delay in [0, profile.MaxDelay]. It reports the
// full length as written regardless of whether the datagram is later
// dropped, matching the fire-and-forget nature of UDP.
func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	drop := c.rand.Float64() < c.profile.LossRate
	var delay time.Duration
	if !drop && c.profile.MaxDelay > 0 {
		delay = time.Duration(c.rand.Int63n(int64(c.profile.MaxDelay) + 1))
	}
	c.mu.Unlock()

	if drop {
		return len(b), nil
	}

	payload := make([]byte, len(b))
	copy(payload, b)

	if delay == 0 {
		_, err := c.PacketConn.WriteTo(payload, addr)
		return len(b), err
	}

	c.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer c.wg.Done()
		c.PacketConn.WriteTo(payload, addr)
	})
	return len(b), nil
}

// Close closes the wrapped conn. Deliveries already scheduled before Close
// is called are still attempted; Close does not wait for them.
func (c *Conn) Close() error {
	return c.PacketConn.Close()
}

// Wait blocks until every scheduled delayed delivery has been attempted.
// Intended for deterministic shutdown in tests.
func (c *Conn) Wait() {
	c.wg.Wait()
}
