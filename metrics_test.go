package cci

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsObserveSend(t *testing.T) {
	m := NewMetrics()
	m.ObserveSend(1024, string(StatusSuccess))
	m.ObserveSend(512, string(StatusTimedOut))

	snap := m.Snapshot()
	assert.Equal(t, uint64(1536), snap.SendBytes)
	assert.Equal(t, uint64(1), snap.SendOK)
	assert.Equal(t, uint64(1), snap.SendFailed)
}

func TestMetricsObserveRecv(t *testing.T) {
	m := NewMetrics()
	m.ObserveRecv(100)
	m.ObserveRecv(200)

	snap := m.Snapshot()
	assert.Equal(t, uint64(300), snap.RecvBytes)
	assert.Equal(t, uint64(2), snap.RecvCount)
}

func TestMetricsObserveAck(t *testing.T) {
	m := NewMetrics()
	m.ObserveAck(false)
	m.ObserveAck(true)

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.AckCount)
	assert.Equal(t, uint64(1), snap.SelAckCount)
}

func TestMetricsObserveRMA(t *testing.T) {
	m := NewMetrics()
	m.ObserveRMA(4096, "write")
	m.ObserveRMA(2048, "read")

	snap := m.Snapshot()
	assert.Equal(t, uint64(6144), snap.RMABytes)
	assert.Equal(t, uint64(1), snap.RMAWrites)
	assert.Equal(t, uint64(1), snap.RMAReads)
}

func TestMetricsObserveMisc(t *testing.T) {
	m := NewMetrics()
	m.ObserveRetransmit()
	m.ObserveRetransmit()
	m.ObserveRNR()
	m.ObserveKeepaliveTimeout()

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.Retransmits)
	assert.Equal(t, uint64(1), snap.RNRCount)
	assert.Equal(t, uint64(1), snap.Keepalives)
}

func TestMetricsCollectorLint(t *testing.T) {
	m := NewMetrics()
	m.ObserveSend(10, string(StatusSuccess))
	m.ObserveRecv(10)

	problems, err := testutil.CollectAndLint(m)
	assert.NoError(t, err)
	assert.Empty(t, problems)
}

func TestMetricsCollectorGather(t *testing.T) {
	m := NewMetrics()
	m.ObserveSend(10, string(StatusSuccess))

	count := testutil.CollectAndCount(m)
	assert.Equal(t, 13, count)
}
