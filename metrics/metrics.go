// Package metrics exposes relaynet's transport and application counters as
// Prometheus collectors, in the style of the pack's exporter packages: a
// small struct of pre-registered metrics plus an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transport holds the counters and histograms the reliable transport updates
// on the data path. A nil *Transport is valid everywhere it's consulted:
// every method is a no-op on a nil receiver so instrumentation can be
// omitted without guarding every call site.
type Transport struct {
	BytesSent          prometheus.Counter
	BytesReceived      prometheus.Counter
	Retransmissions    prometheus.Counter
	FastRetransmits    prometheus.Counter
	DuplicateSegments  prometheus.Counter
	MalformedPackets   prometheus.Counter
	CRCMismatches      prometheus.Counter
	RoundTripLatency   prometheus.Histogram
	ActiveEndpoints    prometheus.Gauge
}

// NewTransport registers a fresh set of transport metrics against reg. Pass
// prometheus.DefaultRegisterer for process-global metrics.
func NewTransport(reg prometheus.Registerer) *Transport {
	factory := promauto.With(reg)
	return &Transport{
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaynet_transport_bytes_sent_total",
			Help: "Total payload bytes handed to the datagram socket.",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaynet_transport_bytes_received_total",
			Help: "Total in-order payload bytes delivered to callbacks.",
		}),
		Retransmissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaynet_transport_retransmissions_total",
			Help: "Segments retransmitted by the retransmission timer.",
		}),
		FastRetransmits: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaynet_transport_fast_retransmits_total",
			Help: "Segments retransmitted on triple duplicate ACK.",
		}),
		DuplicateSegments: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaynet_transport_duplicate_segments_total",
			Help: "Received segments below the expected sequence offset.",
		}),
		MalformedPackets: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaynet_transport_malformed_packets_total",
			Help: "Datagrams dropped for failing header or checksum validation.",
		}),
		CRCMismatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaynet_framing_crc_mismatches_total",
			Help: "Application data frames dropped for a CRC mismatch.",
		}),
		RoundTripLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaynet_transport_rtt_seconds",
			Help:    "Observed round-trip time between segment send and its acknowledgment.",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveEndpoints: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relaynet_transport_active_endpoints",
			Help: "Number of currently live per-peer endpoints.",
		}),
	}
}

func (t *Transport) addBytesSent(n int) {
	if t == nil {
		return
	}
	t.BytesSent.Add(float64(n))
}

func (t *Transport) addBytesReceived(n int) {
	if t == nil {
		return
	}
	t.BytesReceived.Add(float64(n))
}

func (t *Transport) addRetransmissions(n int) {
	if t == nil || n == 0 {
		return
	}
	t.Retransmissions.Add(float64(n))
}

func (t *Transport) incFastRetransmit() {
	if t == nil {
		return
	}
	t.FastRetransmits.Inc()
}

func (t *Transport) incDuplicate() {
	if t == nil {
		return
	}
	t.DuplicateSegments.Inc()
}

func (t *Transport) incMalformed() {
	if t == nil {
		return
	}
	t.MalformedPackets.Inc()
}

func (t *Transport) incCRCMismatch() {
	if t == nil {
		return
	}
	t.CRCMismatches.Inc()
}

func (t *Transport) observeRTT(seconds float64) {
	if t == nil {
		return
	}
	t.RoundTripLatency.Observe(seconds)
}

func (t *Transport) incActiveEndpoints() {
	if t == nil {
		return
	}
	t.ActiveEndpoints.Inc()
}

func (t *Transport) decActiveEndpoints() {
	if t == nil {
		return
	}
	t.ActiveEndpoints.Dec()
}

// AddBytesSent records n bytes handed to the datagram socket.
func (t *Transport) AddBytesSent(n int) { t.addBytesSent(n) }

// AddBytesReceived records n in-order payload bytes delivered to callbacks.
func (t *Transport) AddBytesReceived(n int) { t.addBytesReceived(n) }

// AddRetransmissions records n segments retransmitted by the timer.
func (t *Transport) AddRetransmissions(n int) { t.addRetransmissions(n) }

// IncFastRetransmit records one triple-dup-ACK retransmission.
func (t *Transport) IncFastRetransmit() { t.incFastRetransmit() }

// IncDuplicate records one segment received below the expected offset.
func (t *Transport) IncDuplicate() { t.incDuplicate() }

// IncMalformed records one datagram dropped for failing validation.
func (t *Transport) IncMalformed() { t.incMalformed() }

// IncCRCMismatch records one application frame dropped for a CRC mismatch.
func (t *Transport) IncCRCMismatch() { t.incCRCMismatch() }

// ObserveRTT records one round-trip latency sample, in seconds.
func (t *Transport) ObserveRTT(seconds float64) { t.observeRTT(seconds) }

// IncActiveEndpoints records one endpoint becoming live.
func (t *Transport) IncActiveEndpoints() { t.incActiveEndpoints() }

// DecActiveEndpoints records one endpoint shutting down.
func (t *Transport) DecActiveEndpoints() { t.decActiveEndpoints() }

// Handler returns the HTTP handler to mount at the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
