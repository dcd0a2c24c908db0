package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Inbound("group", OutcomePosted)
	m.Inbound("group", OutcomePosted)
	m.Inbound("course-platform", OutcomeSuppressed)
	m.Delivery("telegram", "sent")
	m.Draft("accepted")
	m.RouteLatency(40 * time.Millisecond)
	m.MappingLost()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.inbound.WithLabelValues("group", OutcomePosted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mapping))

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "tghub_inbound_messages_total")
	assert.Contains(t, string(body), "tghub_drafts_total")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Inbound("group", OutcomePosted)
		m.Delivery("slack", "failed")
		m.Draft("ignored")
		m.RouteLatency(time.Second)
		m.MappingLost()
	})
}
