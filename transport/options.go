package transport

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dkendall/relaynet/metrics"
)

// Option configures an Endpoint at construction time.
type Option func(*Endpoint)

// WithMSS overrides DefaultMSS.
func WithMSS(mss int) Option {
	return func(e *Endpoint) { e.mss = mss }
}

// WithWindow overrides DefaultWindow.
func WithWindow(segments int) Option {
	return func(e *Endpoint) { e.window = segments }
}

// WithTimerInterval overrides DefaultTimerInterval.
func WithTimerInterval(d time.Duration) Option {
	return func(e *Endpoint) { e.timerInterval = d }
}

// WithMetrics wires a *metrics.Transport into the endpoint's data path.
func WithMetrics(m *metrics.Transport) Option {
	return func(e *Endpoint) { e.metrics = m }
}

// WithLogger overrides the endpoint's logger.
func WithLogger(log *logrus.Entry) Option {
	return func(e *Endpoint) { e.log = log }
}

// WithPeer pre-latches the peer address instead of waiting for the first
// inbound datagram to set it. Useful for a dialed client, which knows its
// server's address up front and may need to send before it receives.
func WithPeer(addr net.Addr) Option {
	return func(e *Endpoint) { e.peer = addr }
}

// WithDebugPassthrough enables surfacing datagrams that fail to decode as
// relaynet packets to the delivery callback as raw bytes with a nil header,
// instead of silently dropping them. Intended for mixed-traffic testing
// only; production endpoints should leave this off.
func WithDebugPassthrough() Option {
	return func(e *Endpoint) { e.debugPassthrough = true }
}
