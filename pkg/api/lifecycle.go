package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"icnaas/pkg/metrics"
	"icnaas/pkg/orchestrator"
)

// LifecyclePath is where the orchestrator exposes its service instance.
const LifecyclePath = "/orchestrator"

type lifecycleAPI struct {
	orch *orchestrator.Orchestrator
	log  zerolog.Logger
}

// attributesRequest carries the endpoint attributes of a lifecycle call.
type attributesRequest struct {
	Attributes map[string]string `json:"attributes"`
}

// NewLifecycleHandler returns the HTTP handler of the orchestrator.
func NewLifecycleHandler(o *orchestrator.Orchestrator, m *metrics.Metrics, log zerolog.Logger) http.Handler {
	a := &lifecycleAPI{orch: o, log: log}
	r := newRouter(log, m)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post(LifecyclePath, a.create)
	r.Get(LifecyclePath, a.state)
	r.Put(LifecyclePath, a.update)
	r.Delete(LifecyclePath, a.dispose)
	return r
}

// attributes reads an optional body.
func (a *lifecycleAPI) attributes(r *http.Request) (map[string]string, error) {
	var req attributesRequest
	if err := decode(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			return nil, nil
		}
		return nil, err
	}
	return req.Attributes, nil
}

func (a *lifecycleAPI) accepted(w http.ResponseWriter, r *http.Request, op string, err error) {
	if err != nil {
		writeError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"operation": op})
}

func (a *lifecycleAPI) create(w http.ResponseWriter, r *http.Request) {
	attrs, err := a.attributes(r)
	if err != nil {
		writeError(w, r, a.log, err)
		return
	}
	a.accepted(w, r, "create", a.orch.Create(attrs))
}

func (a *lifecycleAPI) update(w http.ResponseWriter, r *http.Request) {
	attrs, err := a.attributes(r)
	if err != nil {
		writeError(w, r, a.log, err)
		return
	}
	a.accepted(w, r, "update", a.orch.Update(attrs))
}

func (a *lifecycleAPI) dispose(w http.ResponseWriter, r *http.Request) {
	a.accepted(w, r, "dispose", a.orch.Dispose())
}

func (a *lifecycleAPI) state(w http.ResponseWriter, r *http.Request) {
	rep, err := a.orch.Report(r.Context())
	if err != nil {
		writeError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
