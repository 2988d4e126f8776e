package status

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cnic"

var (
	regionFillDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "region", "fill_ratio"),
		"Fraction of the buffer region holding packet slots",
		[]string{"region", "role"}, nil,
	)
	regionBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "region", "bytes_written"),
		"Bytes of packet slots written to the buffer region",
		[]string{"region", "role"}, nil,
	)
	txPacketsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tx", "packets_total"),
		"Packets sent by the current transmit session",
		nil, nil,
	)
	txBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tx", "bytes_total"),
		"Payload bytes sent by the current transmit session",
		nil, nil,
	)
	txRunningDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tx", "running"),
		"1 while the packet controller is sending",
		nil, nil,
	)
	rxPacketsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "rx", "packets_total"),
		"Packets stored by the current receive session",
		nil, nil,
	)
	rxBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "rx", "bytes_total"),
		"Payload bytes stored by the current receive session",
		nil, nil,
	)
	rxFilteredDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "rx", "filtered_total"),
		"Arrivals rejected by the receive size filter",
		nil, nil,
	)
	rxStateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "rx", "session_state"),
		"1 for the state the receive session is in",
		[]string{"state"}, nil,
	)
	linkUpDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "link_up"),
		"1 when the ethernet link is locked",
		nil, nil,
	)
	deviceErrorDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "device_error"),
		"1 when the last snapshot could not read the device",
		nil, nil,
	)
)

// Collector exports reporter snapshots as prometheus metrics.
type Collector struct {
	reporter *Reporter
}

func NewCollector(r *Reporter) *Collector {
	return &Collector{reporter: r}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		regionFillDesc, regionBytesDesc,
		txPacketsDesc, txBytesDesc, txRunningDesc,
		rxPacketsDesc, rxBytesDesc, rxFilteredDesc, rxStateDesc,
		linkUpDesc, deviceErrorDesc,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.reporter.Snapshot()

	for _, r := range snap.Regions {
		id := strconv.Itoa(r.ID)
		ch <- prometheus.MustNewConstMetric(regionFillDesc, prometheus.GaugeValue, r.FillFraction, id, r.Role.String())
		ch <- prometheus.MustNewConstMetric(regionBytesDesc, prometheus.GaugeValue, float64(r.BytesWritten), id, r.Role.String())
	}

	ch <- prometheus.MustNewConstMetric(txPacketsDesc, prometheus.CounterValue, float64(snap.Transmit.PacketsSent))
	ch <- prometheus.MustNewConstMetric(txBytesDesc, prometheus.CounterValue, float64(snap.Transmit.BytesSent))
	ch <- prometheus.MustNewConstMetric(txRunningDesc, prometheus.GaugeValue, boolFloat(snap.Transmit.Running))

	ch <- prometheus.MustNewConstMetric(rxPacketsDesc, prometheus.CounterValue, float64(snap.Receive.PacketsReceived))
	ch <- prometheus.MustNewConstMetric(rxBytesDesc, prometheus.CounterValue, float64(snap.Receive.BytesReceived))
	ch <- prometheus.MustNewConstMetric(rxFilteredDesc, prometheus.CounterValue, float64(snap.Receive.Filtered))
	ch <- prometheus.MustNewConstMetric(rxStateDesc, prometheus.GaugeValue, 1, snap.Receive.State.String())

	ch <- prometheus.MustNewConstMetric(linkUpDesc, prometheus.GaugeValue, boolFloat(snap.LinkUp))
	ch <- prometheus.MustNewConstMetric(deviceErrorDesc, prometheus.GaugeValue, boolFloat(snap.DeviceError != ""))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
