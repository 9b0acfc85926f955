package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordMutation("create_router", nil)
		m.RecordPush("add", errors.New("unreachable"))
		m.SetQueueDepth(3)
		m.RecordScale("scale_out_cpu", 0)
		m.SetLayerAverage(0, "cpu_idle", 40)
		m.SetDecisionState("sampling", []string{"sampling"})
		m.ObserveRequest("/routers", 200, 0.01)
	})
}

func TestRecorders(t *testing.T) {
	m := New()
	m.RecordPush("add", nil)
	m.RecordPush("add", errors.New("unreachable"))
	m.RecordPush("add", errors.New("unreachable"))
	m.SetDecisionState("sampling", []string{"waiting_for_ready", "sampling"})
	m.SetQueueDepth(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)
	assert.Contains(t, out, `icnaas_device_pushes_total{result="success",verb="add"} 1`)
	assert.Contains(t, out, `icnaas_device_pushes_total{result="error",verb="add"} 2`)
	assert.Contains(t, out, `icnaas_decision_state{state="sampling"} 1`)
	assert.Contains(t, out, `icnaas_decision_state{state="waiting_for_ready"} 0`)
	assert.Contains(t, out, "icnaas_device_push_queue_depth 2")
}
