package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icnaas/pkg/deployer"
	"icnaas/pkg/monitor"
	"icnaas/pkg/orchestrator"
	"icnaas/pkg/rules"
)

func TestLifecycleAPI(t *testing.T) {
	cfg := orchestrator.DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.DeployTimeout = time.Second
	dep := deployer.NewMemory(2)
	exec := orchestrator.NewExecution(cfg, dep)
	dcfg := orchestrator.DefaultDecisionConfig()
	dcfg.PollInterval = time.Millisecond
	dcfg.ConnectDelay = time.Millisecond
	dec := orchestrator.NewDecision(exec, rules.NewEngine(rules.DefaultConfig()), monitor.NewStatic().Connector(), dcfg)
	orch := orchestrator.New(exec, dec, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = orch.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := httptest.NewServer(NewLifecycleHandler(orch, nil, zerolog.Nop()))
	defer srv.Close()
	s := &server{Server: srv}

	code, _ := s.do(t, http.MethodPut, LifecyclePath, nil)
	assert.Equal(t, http.StatusNotFound, code, "nothing deployed yet")

	code, body := s.do(t, http.MethodPost, LifecyclePath, map[string]any{
		"attributes": map[string]string{orchestrator.AttrMaaS: "10.9.9.9"},
	})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "create", field[string](t, body, "operation"))

	var rep orchestrator.Report
	require.Eventually(t, func() bool {
		code, body := s.do(t, http.MethodGet, LifecyclePath, nil)
		if code != http.StatusOK {
			return false
		}
		raw, _ := json.Marshal(body)
		rep = orchestrator.Report{}
		_ = json.Unmarshal(raw, &rep)
		return rep.Ready && rep.Operation != nil && !rep.Operation.Running
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, rep.Operation.Error)
	assert.Len(t, rep.Routers, 2)
	assert.NotEqual(t, "N/A", rep.StackID)

	code, _ = s.do(t, http.MethodPost, LifecyclePath, nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = s.do(t, http.MethodPut, LifecyclePath, map[string]any{
		"attributes": map[string]string{orchestrator.AttrMobaaS: "http://10.9.9.8:8080"},
	})
	require.Equal(t, http.StatusAccepted, code)
	orch.Wait()

	code, _ = s.do(t, http.MethodDelete, LifecyclePath, nil)
	require.Equal(t, http.StatusAccepted, code)
	orch.Wait()
	assert.Empty(t, dep.Stacks())

	code, body = s.do(t, http.MethodGet, LifecyclePath, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Unknown", field[string](t, body, "state"))
}
