package metrics

import (
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.Counter.GetValue()
}

func TestRecordOperation(t *testing.T) {
	operationsTotal.Reset()
	RecordOperation("insert", "session")
	RecordOperation("insert", "session")
	RecordOperation("erase", "relay")

	assert.Equal(t, 2.0, counterValue(t, operationsTotal.WithLabelValues("insert", "session")))
	assert.Equal(t, 1.0, counterValue(t, operationsTotal.WithLabelValues("erase", "relay")))
}

func TestRecordFlush(t *testing.T) {
	flushTotal.Reset()
	RecordFlush(nil, 3*time.Millisecond)
	RecordFlush(errors.New("disk full"), time.Millisecond)

	assert.Equal(t, 1.0, counterValue(t, flushTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, counterValue(t, flushTotal.WithLabelValues("failed")))
}

func TestSessionsGauge(t *testing.T) {
	sessions.Set(0)
	SessionOpened()
	SessionOpened()
	SessionClosed()

	m := &dto.Metric{}
	require.NoError(t, sessions.Write(m))
	assert.Equal(t, 1.0, m.Gauge.GetValue())
}
