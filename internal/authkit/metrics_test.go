package authkit

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestCounterMetricsSnapshot(t *testing.T) {
	t.Parallel()
	recorder := NewCounterMetrics()
	recorder.Increment(metricRefreshRotated)
	recorder.Increment(metricRefreshRotated)
	recorder.Increment(metricSsoBegun)

	snapshot := recorder.Snapshot()
	require.Equal(t, map[string]int64{metricRefreshRotated: 2, metricSsoBegun: 1}, snapshot)

	snapshot[metricSsoBegun] = 10
	require.EqualValues(t, 1, recorder.Count(metricSsoBegun))
}

func TestPrometheusMetricsExportsEvents(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	recorder, err := NewPrometheusMetrics(registry)
	require.NoError(t, err)

	recorder.Increment(metricAccessIssued)
	recorder.Increment(metricAccessIssued)
	recorder.Increment(metricRefreshReuseDetected)

	families, err := registry.Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, family := range families {
		if family.GetName() != "meetauth_auth_events_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "event" {
					counts[label.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}
	require.Equal(t, map[string]float64{metricAccessIssued: 2, metricRefreshReuseDetected: 1}, counts)

	_, err = NewPrometheusMetrics(registry)
	require.Error(t, err, "registering twice fails")
}

func TestMetricsAddCountsInOneStep(t *testing.T) {
	t.Parallel()
	counters := NewCounterMetrics()
	counters.Add(metricRetentionPurged, 5)
	counters.Add(metricRetentionPurged, 0)
	counters.Add(metricRetentionPurged, -3)
	require.EqualValues(t, 5, counters.Count(metricRetentionPurged))

	registry := prometheus.NewRegistry()
	recorder, err := NewPrometheusMetrics(registry)
	require.NoError(t, err)
	recorder.Add(metricRetentionPurged, 7)
	recorder.Add(metricRetentionPurged, 0)

	families, err := registry.Gather()
	require.NoError(t, err)
	var purged float64
	for _, family := range families {
		if family.GetName() != "meetauth_auth_events_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "event" && label.GetValue() == metricRetentionPurged {
					purged = metric.GetCounter().GetValue()
				}
			}
		}
	}
	require.Equal(t, float64(7), purged)

	nopMetrics{}.Add(metricRetentionPurged, 3)
}

func TestErrorCodeAndStatus(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		err    error
		code   string
		status int
	}{
		{err: ErrUnauthorized, code: "auth.unauthorized", status: 401},
		{err: ErrExpired, code: "auth.expired", status: 401},
		{err: ErrBlacklisted, code: "auth.blacklisted", status: 401},
		{err: ErrMalformed, code: "auth.malformed", status: 401},
		{err: ErrCodeMismatch, code: "auth.code_mismatch", status: 401},
		{err: ErrNotFound, code: "auth.not_found", status: 404},
		{err: ErrAlreadyUsed, code: "auth.already_used", status: 409},
		{err: ErrStoreUnavailable, code: "auth.store_unavailable", status: 503},
		{err: ErrNonceNotFound, code: "auth.unauthorized", status: 401},
		{err: errors.New("boom"), code: "auth.internal", status: 500},
	}
	for _, testCase := range testCases {
		require.Equal(t, testCase.code, ErrorCode(testCase.err))
		require.Equal(t, testCase.status, StatusForError(testCase.err))
	}
}
