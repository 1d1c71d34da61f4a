package cci

import (
	"sync/atomic"

	"github.com/opencci/gocci/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks process-wide counters for one CCI process: send/recv
// volume, retransmissions, acknowledgements, RNR events, keepalive
// timeouts, and RMA traffic. It implements transport.Observer directly,
// so the progress engine records to it with no adapter, and
// prometheus.Collector, so it can be registered with a process-wide
// registry the way a long-running CCI service would export it.
type Metrics struct {
	SendBytes   atomic.Uint64
	SendOK      atomic.Uint64
	SendFailed  atomic.Uint64
	RecvBytes   atomic.Uint64
	RecvCount   atomic.Uint64
	Retransmits atomic.Uint64
	AckCount    atomic.Uint64
	SelAckCount atomic.Uint64
	RNRCount    atomic.Uint64
	Keepalives  atomic.Uint64
	RMABytes    atomic.Uint64
	RMAWrites   atomic.Uint64
	RMAReads    atomic.Uint64
}

// NewMetrics creates a zeroed metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) ObserveSend(bytes uint64, status string) {
	m.SendBytes.Add(bytes)
	if status == string(StatusSuccess) {
		m.SendOK.Add(1)
	} else {
		m.SendFailed.Add(1)
	}
}

func (m *Metrics) ObserveRecv(bytes uint64) {
	m.RecvBytes.Add(bytes)
	m.RecvCount.Add(1)
}

func (m *Metrics) ObserveRetransmit() {
	m.Retransmits.Add(1)
}

func (m *Metrics) ObserveAck(selective bool) {
	m.AckCount.Add(1)
	if selective {
		m.SelAckCount.Add(1)
	}
}

func (m *Metrics) ObserveRNR() {
	m.RNRCount.Add(1)
}

func (m *Metrics) ObserveKeepaliveTimeout() {
	m.Keepalives.Add(1)
}

func (m *Metrics) ObserveRMA(bytes uint64, op string) {
	m.RMABytes.Add(bytes)
	switch op {
	case "write":
		m.RMAWrites.Add(1)
	case "read":
		m.RMAReads.Add(1)
	}
}

var _ transport.Observer = (*Metrics)(nil)

// Snapshot is a point-in-time copy of Metrics' counters.
type Snapshot struct {
	SendBytes   uint64
	SendOK      uint64
	SendFailed  uint64
	RecvBytes   uint64
	RecvCount   uint64
	Retransmits uint64
	AckCount    uint64
	SelAckCount uint64
	RNRCount    uint64
	Keepalives  uint64
	RMABytes    uint64
	RMAWrites   uint64
	RMAReads    uint64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		SendBytes:   m.SendBytes.Load(),
		SendOK:      m.SendOK.Load(),
		SendFailed:  m.SendFailed.Load(),
		RecvBytes:   m.RecvBytes.Load(),
		RecvCount:   m.RecvCount.Load(),
		Retransmits: m.Retransmits.Load(),
		AckCount:    m.AckCount.Load(),
		SelAckCount: m.SelAckCount.Load(),
		RNRCount:    m.RNRCount.Load(),
		Keepalives:  m.Keepalives.Load(),
		RMABytes:    m.RMABytes.Load(),
		RMAWrites:   m.RMAWrites.Load(),
		RMAReads:    m.RMAReads.Load(),
	}
}

var (
	descSendBytes   = prometheus.NewDesc("cci_send_bytes_total", "Total bytes submitted to send/sendv.", nil, nil)
	descSendOK      = prometheus.NewDesc("cci_send_success_total", "Sends that completed successfully.", nil, nil)
	descSendFailed  = prometheus.NewDesc("cci_send_failed_total", "Sends that completed with a non-success status.", nil, nil)
	descRecvBytes   = prometheus.NewDesc("cci_recv_bytes_total", "Total bytes delivered via RECV events.", nil, nil)
	descRecvCount   = prometheus.NewDesc("cci_recv_total", "Total RECV events delivered.", nil, nil)
	descRetransmits = prometheus.NewDesc("cci_retransmits_total", "Reliable-send retransmissions.", nil, nil)
	descAck         = prometheus.NewDesc("cci_ack_total", "ACK packets processed.", nil, nil)
	descSelAck      = prometheus.NewDesc("cci_selective_ack_total", "ACK packets carrying a non-empty selective bitmap.", nil, nil)
	descRNR         = prometheus.NewDesc("cci_rnr_total", "Receiver-not-ready NACKs observed.", nil, nil)
	descKeepalive   = prometheus.NewDesc("cci_keepalive_timeout_total", "Connections that timed out on keepalive.", nil, nil)
	descRMABytes    = prometheus.NewDesc("cci_rma_bytes_total", "Total bytes moved by RMA operations.", nil, nil)
	descRMAWrites   = prometheus.NewDesc("cci_rma_writes_total", "RMA write operations issued.", nil, nil)
	descRMAReads    = prometheus.NewDesc("cci_rma_reads_total", "RMA read operations issued.", nil, nil)
)

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- descSendBytes
	ch <- descSendOK
	ch <- descSendFailed
	ch <- descRecvBytes
	ch <- descRecvCount
	ch <- descRetransmits
	ch <- descAck
	ch <- descSelAck
	ch <- descRNR
	ch <- descKeepalive
	ch <- descRMABytes
	ch <- descRMAWrites
	ch <- descRMAReads
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	snap := m.Snapshot()
	ch <- prometheus.MustNewConstMetric(descSendBytes, prometheus.CounterValue, float64(snap.SendBytes))
	ch <- prometheus.MustNewConstMetric(descSendOK, prometheus.CounterValue, float64(snap.SendOK))
	ch <- prometheus.MustNewConstMetric(descSendFailed, prometheus.CounterValue, float64(snap.SendFailed))
	ch <- prometheus.MustNewConstMetric(descRecvBytes, prometheus.CounterValue, float64(snap.RecvBytes))
	ch <- prometheus.MustNewConstMetric(descRecvCount, prometheus.CounterValue, float64(snap.RecvCount))
	ch <- prometheus.MustNewConstMetric(descRetransmits, prometheus.CounterValue, float64(snap.Retransmits))
	ch <- prometheus.MustNewConstMetric(descAck, prometheus.CounterValue, float64(snap.AckCount))
	ch <- prometheus.MustNewConstMetric(descSelAck, prometheus.CounterValue, float64(snap.SelAckCount))
	ch <- prometheus.MustNewConstMetric(descRNR, prometheus.CounterValue, float64(snap.RNRCount))
	ch <- prometheus.MustNewConstMetric(descKeepalive, prometheus.CounterValue, float64(snap.Keepalives))
	ch <- prometheus.MustNewConstMetric(descRMABytes, prometheus.CounterValue, float64(snap.RMABytes))
	ch <- prometheus.MustNewConstMetric(descRMAWrites, prometheus.CounterValue, float64(snap.RMAWrites))
	ch <- prometheus.MustNewConstMetric(descRMAReads, prometheus.CounterValue, float64(snap.RMAReads))
}

var _ prometheus.Collector = (*Metrics)(nil)
