package i2pbind

import "github.com/go-i2p/sockpool/lib/metrics"

var (
	DatagramsSent = metrics.NewCounter(
		"sockpool_i2pbind_datagrams_sent_total",
		"Total tunnel datagrams sent over I2P",
	)
	DatagramsReceived = metrics.NewCounter(
		"sockpool_i2pbind_datagrams_received_total",
		"Total tunnel datagrams received over I2P",
	)
	DatagramsDropped = metrics.NewCounter(
		"sockpool_i2pbind_datagrams_dropped_total",
		"Total tunnel datagrams dropped as oversized or unaddressable",
	)
)
