package meter_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotarouter"
	"github.com/ineyio/quotarouter/meter"
)

type recordingMeter struct {
	attempts   []quotarouter.AttemptEvent
	dispatches []quotarouter.DispatchRecord
}

func (m *recordingMeter) OnAttempt(e quotarouter.AttemptEvent) { m.attempts = append(m.attempts, e) }
func (m *recordingMeter) OnDispatch(r quotarouter.DispatchRecord) {
	m.dispatches = append(m.dispatches, r)
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recordingMeter{}, &recordingMeter{}
	m := meter.Multi{a, b, &meter.NoopMeter{}}

	m.OnAttempt(quotarouter.AttemptEvent{ProviderID: "p1", Result: quotarouter.AttemptSuccess})
	m.OnDispatch(quotarouter.DispatchRecord{ProviderID: "p1", Success: true})

	for _, r := range []*recordingMeter{a, b} {
		assert.Len(t, r.attempts, 1)
		assert.Len(t, r.dispatches, 1)
	}
}

func TestLogMeter(t *testing.T) {
	var buf bytes.Buffer
	m := meter.NewLogMeter(zerolog.New(&buf))

	m.OnDispatch(quotarouter.DispatchRecord{ID: "d1", ProviderID: "p1", Success: true, Attempts: 1})
	m.OnDispatch(quotarouter.DispatchRecord{ID: "d2", Success: false, Reason: "all_providers_exhausted"})
	m.OnAttempt(quotarouter.AttemptEvent{
		DispatchID: "d3",
		ProviderID: "p2",
		Result:     quotarouter.AttemptTransient,
		Error:      errors.New("boom"),
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"message":"dispatch"`)
	assert.Contains(t, lines[0], `"provider":"p1"`)
	assert.Contains(t, lines[1], `"reason":"all_providers_exhausted"`)
	assert.Contains(t, lines[2], `"level":"warn"`)
	assert.Contains(t, lines[2], `"error":"boom"`)
}

func TestPrometheusMeter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := meter.NewPrometheusMeter(reg)

	m.OnAttempt(quotarouter.AttemptEvent{ProviderID: "p1", Result: quotarouter.AttemptTransient})
	m.OnAttempt(quotarouter.AttemptEvent{ProviderID: "p2", Result: quotarouter.AttemptSuccess})
	m.OnDispatch(quotarouter.DispatchRecord{ProviderID: "p2", Success: true, Latency: 20 * time.Millisecond})
	m.OnDispatch(quotarouter.DispatchRecord{Success: false, Reason: "all_providers_exhausted"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("p1", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("p2", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchTotal.WithLabelValues("p2", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchTotal.WithLabelValues("", "all_providers_exhausted")))
}

func TestUsageCollector(t *testing.T) {
	until := time.Now().Add(time.Minute)
	stats := func(context.Context) ([]quotarouter.ProviderStats, error) {
		return []quotarouter.ProviderStats{
			{
				Descriptor: quotarouter.ProviderDescriptor{ID: "p1"},
				Usage: quotarouter.UsageSnapshot{
					ProviderID: "p1", MinuteCount: 3, MinuteLimit: 10, DayCount: 7, DayLimit: 100,
				},
				CooldownUntil: &until,
			},
		}, nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(meter.NewUsageCollector(stats))

	expected := `
# HELP quotarouter_quota_usage Requests charged in the current window
# TYPE quotarouter_quota_usage gauge
quotarouter_quota_usage{provider="p1",window="day"} 7
quotarouter_quota_usage{provider="p1",window="minute"} 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "quotarouter_quota_usage"))

	n, err := testutil.GatherAndCount(reg, "quotarouter_provider_cooling")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
