package frame

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buffersSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remoting_frame_buffers_sent_total",
			Help: "Number of framed buffers written to the transport",
		},
	)

	buffersReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remoting_frame_buffers_received_total",
			Help: "Number of framed buffers read from the transport",
		},
	)

	// protocolErrors counts malformed headers, out-of-order segments and
	// unparseable message bodies. A non-zero rate indicates a broken or
	// hostile peer.
	protocolErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remoting_frame_protocol_errors_total",
			Help: "Number of framing protocol violations observed",
		},
	)
)
