// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the transport.
//
// When defining new operations or metrics, these are helpful values to track:
//   - things coming into or out of the system: products, packets, requests.
//   - the success or error status of any of the above.
//   - the distribution of processing latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MulticastPackets counts DATA/BOF/EOF packets put on the multicast
	// channel by the sender, labeled by packet kind.
	MulticastPackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fmtp_multicast_packets_total",
			Help: "Packets multicast by the sender.",
		}, []string{"kind"})

	// MulticastBytes counts payload octets multicast by the sender.
	MulticastBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fmtp_multicast_bytes_total",
			Help: "Payload bytes multicast by the sender.",
		})

	// RetransPackets counts RETRANS_DATA packets sent on back-channels.
	RetransPackets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fmtp_retrans_packets_total",
			Help: "Retransmission data packets sent over TCP.",
		})

	// RetransBytes counts payload octets retransmitted on back-channels.
	RetransBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fmtp_retrans_bytes_total",
			Help: "Payload bytes retransmitted over TCP.",
		})

	// ConnectedReceivers tracks the sender's live back-channel
	// connection count.
	ConnectedReceivers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fmtp_connected_receivers",
			Help: "Currently connected back-channel receivers.",
		})

	// ProductOutcomes counts terminal product states, labeled completed
	// or timeout, on the sender.
	ProductOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fmtp_product_outcomes_total",
			Help: "Terminal product states observed by the sender.",
		}, []string{"outcome"})

	// RecvPackets counts packets processed by the receiver, labeled by
	// path (multicast, retrans) — dropped packets from the synthetic loss
	// injector are not included.
	RecvPackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fmtp_recv_packets_total",
			Help: "Packets accepted by the receiver.",
		}, []string{"path"})

	// RecvBytes counts payload octets written by the receiver, by path.
	RecvBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fmtp_recv_bytes_total",
			Help: "Payload bytes written by the receiver.",
		}, []string{"path"})

	// GapRequests counts retransmission requests enqueued by the
	// receiver's gap detector.
	GapRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fmtp_gap_requests_total",
			Help: "Retransmission requests generated by gap detection.",
		})

	// ProductsReceived counts terminal receiver product states, labeled
	// completed, missed, or discarded.
	ProductsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fmtp_products_received_total",
			Help: "Terminal product states observed by the receiver.",
		}, []string{"outcome"})

	// ProductDuration tracks begin-to-terminal latency per product on
	// the receiver.
	ProductDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "fmtp_product_duration_seconds",
			Help: "Product begin-to-terminal latency distribution (seconds).",
			Buckets: []float64{
				0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
				0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100,
			},
		})

	// RetransPercent tracks the per-product retransmitted-packet share.
	RetransPercent = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fmtp_retrans_percent_histogram",
			Help:    "Per-product retransmission percentage distribution.",
			Buckets: prometheus.LinearBuckets(0, 5, 21),
		})

	// ErrorCount measures the number of errors.
	// Example usage:
	//    metrics.ErrorCount.WithLabelValues("malformed_header").Inc()
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fmtp_error_total",
			Help: "The total number of errors encountered.",
		}, []string{"type"})
)

// init() prints a log message to let the user know that the package has
// been loaded and the metrics registered. The metrics are auto-registered,
// which means they are registered as soon as this package is loaded, and
// the exact time this occurs (and whether this occurs at all in a given
// context) can be opaque.
func init() {
	log.Println("Prometheus metrics in fmtp.metrics are registered.")
}
