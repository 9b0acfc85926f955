package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"icnaas/pkg/metrics"
	"icnaas/pkg/model"
	"icnaas/pkg/store"
	"icnaas/pkg/topology"
)

// PushLister reads the device push journal.
type PushLister interface {
	List(ctx context.Context, host string, limit int) ([]model.PushRecord, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ManagerDeps wires the topology manager API. Pushes, Pending, Events and
// Metrics are optional.
type ManagerDeps struct {
	Topology *topology.Manager
	Store    Pinger
	Pushes   PushLister
	Pending  func() int
	Events   *EventHub
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
}

type managerAPI struct {
	ManagerDeps
}

// NewManagerHandler returns the HTTP handler of the topology manager.
func NewManagerHandler(d ManagerDeps) http.Handler {
	a := &managerAPI{d}
	r := newRouter(d.Log, d.Metrics)
	r.Get("/availability", a.availability)
	r.Get("/healthz", a.healthz)

	r.Route(BasePath, func(r chi.Router) {
		r.Get("/routers", a.listRouters)
		r.Post("/routers", a.createRouter)
		r.Get("/routers/cell/{cellID}", a.routersByCell)
		r.Get("/routers/{ip}", a.getRouter)
		r.Put("/routers/{ip}", a.updateRouter)
		r.Delete("/routers/{ip}", a.deleteRouter)

		r.Get("/prefixes", a.listPrefixes)
		r.Post("/prefixes", a.createPrefix)
		r.Get("/prefixes/{id}", a.getPrefix)
		r.Put("/prefixes/{id}", a.updatePrefix)
		r.Delete("/prefixes/{id}", a.deletePrefix)

		r.Get("/routes", a.listRoutes)
		r.Get("/routes/{id}", a.getRoute)

		r.Get("/endpoints/client", a.clientEndpoints)
		r.Get("/endpoints/server", a.serverEndpoints)

		r.Get("/topology", a.topologyView)
		if d.Pushes != nil {
			r.Get("/pushes", a.listPushes)
		}
		if d.Events != nil {
			r.Handle("/events", d.Events)
		}
	})
	return r
}

type routerView struct {
	URI string `json:"uri"`
	model.Router
}

type prefixView struct {
	URI string `json:"uri"`
	model.Prefix
}

type routeView struct {
	URI string `json:"uri"`
	model.RouteEntry
}

// routerRequest is the body of router POST and PUT. "ip" is accepted for
// public_ip.
type routerRequest struct {
	PublicIP *string  `json:"public_ip" validate:"omitempty,min=1"`
	IP       *string  `json:"ip" validate:"omitempty,min=1"`
	Hostname *string  `json:"hostname" validate:"omitempty,min=1"`
	CoordX   *float64 `json:"coord_x"`
	CoordY   *float64 `json:"coord_y"`
	Layer    *int     `json:"layer" validate:"required,min=0,max=100"`
	CellID   *int     `json:"cell_id" validate:"required,min=0"`
}

func (q *routerRequest) publicIP() *string {
	if q.PublicIP != nil {
		return q.PublicIP
	}
	return q.IP
}

type prefixRequest struct {
	URL       *string `json:"url" validate:"omitempty,min=1"`
	Balancing *int    `json:"balancing" validate:"required,min=0"`
}

func (a *managerAPI) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, a.Log, err)
}

func (a *managerAPI) availability(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"result": true})
}

func (a *managerAPI) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "topology": a.Topology.Name()}
	if a.Pending != nil {
		body["pending_pushes"] = a.Pending()
	}
	if a.Store != nil {
		if err := a.Store.Ping(r.Context()); err != nil {
			body["status"] = "unavailable"
			body["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *managerAPI) routerViews(r *http.Request, routers []model.Router) []routerView {
	out := make([]routerView, len(routers))
	for i, rt := range routers {
		out[i] = routerView{URI: absURL(r, BasePath+"/routers/"+rt.PublicIP), Router: rt}
	}
	return out
}

func (a *managerAPI) writeRouters(w http.ResponseWriter, r *http.Request, routers []model.Router, err error) {
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routers": a.routerViews(r, routers)})
}

func (a *managerAPI) listRouters(w http.ResponseWriter, r *http.Request) {
	routers, err := a.Topology.Routers(r.Context())
	a.writeRouters(w, r, routers, err)
}

func (a *managerAPI) routersByCell(w http.ResponseWriter, r *http.Request) {
	cell, err := strconv.Atoi(chi.URLParam(r, "cellID"))
	if err != nil {
		a.fail(w, r, fmt.Errorf("%w: cell id must be an integer", errBadRequest))
		return
	}
	routers, err := a.Topology.RoutersByCell(r.Context(), cell)
	a.writeRouters(w, r, routers, err)
}

func (a *managerAPI) clientEndpoints(w http.ResponseWriter, r *http.Request) {
	routers, err := a.Topology.ClientEndpoints(r.Context())
	a.writeRouters(w, r, routers, err)
}

func (a *managerAPI) serverEndpoints(w http.ResponseWriter, r *http.Request) {
	routers, err := a.Topology.ServerEndpoints(r.Context())
	a.writeRouters(w, r, routers, err)
}

func (a *managerAPI) getRouter(w http.ResponseWriter, r *http.Request) {
	rt, err := a.Topology.Router(r.Context(), chi.URLParam(r, "ip"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"router": rt})
}

func (a *managerAPI) createRouter(w http.ResponseWriter, r *http.Request) {
	var req routerRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	ip := req.publicIP()
	if ip == nil {
		a.fail(w, r, fmt.Errorf("%w: public_ip is required", errBadRequest))
		return
	}
	if req.Hostname == nil {
		a.fail(w, r, fmt.Errorf("%w: hostname is required", errBadRequest))
		return
	}
	rt := model.Router{
		PublicIP: *ip,
		Hostname: *req.Hostname,
		Layer:    *req.Layer,
		CellID:   *req.CellID,
	}
	// coordinates are kept only as a pair
	if req.CoordX != nil && req.CoordY != nil {
		rt.CoordX, rt.CoordY = req.CoordX, req.CoordY
	}
	created, err := a.Topology.CreateRouter(r.Context(), rt)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"router": created})
}

func (a *managerAPI) updateRouter(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if _, err := a.Topology.Router(r.Context(), ip); err != nil {
		a.fail(w, r, err)
		return
	}
	var req routerRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	upd := topology.RouterUpdate{
		PublicIP: req.publicIP(),
		Hostname: req.Hostname,
		Layer:    req.Layer,
		CellID:   req.CellID,
	}
	if req.CoordX != nil && req.CoordY != nil {
		upd.CoordX, upd.CoordY = req.CoordX, req.CoordY
	}
	updated, err := a.Topology.UpdateRouter(r.Context(), ip, upd)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"router": updated})
}

func (a *managerAPI) deleteRouter(w http.ResponseWriter, r *http.Request) {
	if err := a.Topology.DeleteRouter(r.Context(), chi.URLParam(r, "ip")); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"result": true})
}

// pathID parses a numeric path parameter; an unparsable id names nothing.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", name, chi.URLParam(r, name), store.ErrNotFound)
	}
	return id, nil
}

func (a *managerAPI) listPrefixes(w http.ResponseWriter, r *http.Request) {
	prefixes, err := a.Topology.Prefixes(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]prefixView, len(prefixes))
	for i, p := range prefixes {
		out[i] = prefixView{URI: absURL(r, fmt.Sprintf("%s/prefixes/%d", BasePath, p.ID)), Prefix: p}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prefixes": out})
}

func (a *managerAPI) getPrefix(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	p, err := a.Topology.Prefix(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prefix": p})
}

func (a *managerAPI) createPrefix(w http.ResponseWriter, r *http.Request) {
	var req prefixRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.URL == nil {
		a.fail(w, r, fmt.Errorf("%w: url is required", errBadRequest))
		return
	}
	p, err := a.Topology.CreatePrefix(r.Context(), *req.URL, *req.Balancing)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"prefix": p})
}

func (a *managerAPI) updatePrefix(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	cur, err := a.Topology.Prefix(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var req prefixRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	url := cur.URL
	if req.URL != nil {
		url = *req.URL
	}
	p, err := a.Topology.UpdatePrefix(r.Context(), id, url, *req.Balancing)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prefix": p})
}

func (a *managerAPI) deletePrefix(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.Topology.DeletePrefix(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"result": true})
}

func (a *managerAPI) listRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := a.Topology.Routes(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]routeView, len(routes))
	for i, rt := range routes {
		out[i] = routeView{URI: absURL(r, fmt.Sprintf("%s/routes/%d", BasePath, rt.ID)), RouteEntry: rt}
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": out})
}

func (a *managerAPI) getRoute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	rt, err := a.Topology.Route(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"route": rt})
}

func (a *managerAPI) topologyView(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Topology.Snapshot(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *managerAPI) listPushes(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			a.fail(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = n
	}
	recs, err := a.Pushes.List(r.Context(), r.URL.Query().Get("host"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pushes": recs})
}
