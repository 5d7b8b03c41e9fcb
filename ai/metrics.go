package ai

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var streamParseDrops = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chat_stream_parse_drops_total",
	Help: "Number of malformed stream records dropped",
})
