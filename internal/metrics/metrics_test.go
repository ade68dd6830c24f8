// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.SendsTotal.WithLabelValues(OutcomeSuccess).Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.SendsTotal.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SendsTotal.WithLabelValues(OutcomeSuccess)))
}

func TestObserveStore(t *testing.T) {
	m := New()
	m.ObserveStore("add_message", nil)
	m.ObserveStore("add_message", errors.New("boom"))
	m.ObserveStore("add_message", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreOperationsTotal.WithLabelValues("add_message", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOperationsTotal.WithLabelValues("add_message", "error")))

	var nilMetrics *Metrics
	nilMetrics.ObserveStore("noop", nil)
}

func TestHandler_ServesText(t *testing.T) {
	m := New()
	m.StoreCorruptionTotal.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rigchat_store_corruption_total 1")
}
