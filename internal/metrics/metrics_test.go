package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccount_NilSafe(t *testing.T) {
	var a *Account
	a.SetConnections(1)
	a.IncEvents("stream-up")
	a.SetBalance("123", 10)

	var m *Metrics
	assert.Nil(t, m.Account("x"))
}

func TestAccount_Labels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	alice := m.Account("alice")
	bob := m.Account("bob")

	alice.IncEvents("claim-available")
	alice.IncEvents("claim-available")
	bob.IncEvents("claim-available")
	alice.SetTopics(7)

	assert.InDelta(t, 2, gathered(t, reg, "pointsminer_events_total", "alice"), 0)
	assert.InDelta(t, 1, gathered(t, reg, "pointsminer_events_total", "bob"), 0)
	assert.InDelta(t, 7, gathered(t, reg, "pointsminer_pubsub_topics", "alice"), 0)
}

// gathered returns the value of the series of name labelled with account.
func gathered(t *testing.T, reg *prometheus.Registry, name, account string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() != "account" || lp.GetValue() != account {
					continue
				}
				if c := metric.GetCounter(); c != nil {
					return c.GetValue()
				}
				return metric.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("series %s{account=%q} not found", name, account)
	return 0
}

func TestServer_MetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Account("alice").IncReconnects()

	srv := NewServer(":0", "/metrics", reg, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"accounts": 1}, nil
	})

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "pointsminer_pubsub_reconnects_total"))

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["accounts"])
}

func TestServer_Unhealthy(t *testing.T) {
	srv := NewServer(":0", "", prometheus.NewRegistry(), func(ctx context.Context) (map[string]any, error) {
		return nil, errors.New("no connections")
	})

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no connections")
}
