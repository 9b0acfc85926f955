package topology

import (
	"context"
	"fmt"

	"icnaas/pkg/model"
	"icnaas/pkg/store"
)

func (m *Manager) view(ctx context.Context, fn func(store.Tx) error) error {
	return m.store.View(ctx, fn)
}

func (m *Manager) Routers(ctx context.Context) ([]model.Router, error) {
	var out []model.Router
	err := m.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Routers()
		return err
	})
	return out, err
}

func (m *Manager) Router(ctx context.Context, ip string) (model.Router, error) {
	var out model.Router
	err := m.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Router(ip)
		return err
	})
	return out, err
}

func (m *Manager) filterRouters(ctx context.Context, keep func(model.Router) bool) ([]model.Router, error) {
	all, err := m.Routers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Router, 0, len(all))
	for _, r := range all {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// RoutersByCell lists the routers of one cell.
func (m *Manager) RoutersByCell(ctx context.Context, cellID int) ([]model.Router, error) {
	return m.filterRouters(ctx, func(r model.Router) bool { return r.CellID == cellID })
}

// ClientEndpoints lists the routers clients attach to (layer 0).
func (m *Manager) ClientEndpoints(ctx context.Context) ([]model.Router, error) {
	return m.filterRouters(ctx, model.Router.IsClient)
}

// ServerEndpoints lists the caching tiers: every layer above 0 except the content source.
func (m *Manager) ServerEndpoints(ctx context.Context) ([]model.Router, error) {
	return m.filterRouters(ctx, func(r model.Router) bool { return r.Layer >= 1 && !r.IsContentSource() })
}

func (m *Manager) Prefixes(ctx context.Context) ([]model.Prefix, error) {
	var out []model.Prefix
	err := m.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Prefixes()
		return err
	})
	return out, err
}

func (m *Manager) Prefix(ctx context.Context, id int64) (model.Prefix, error) {
	var out model.Prefix
	err := m.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Prefix(id)
		return err
	})
	return out, err
}

// Routes lists every route with its prefix url.
func (m *Manager) Routes(ctx context.Context) ([]model.RouteEntry, error) {
	var out []model.RouteEntry
	err := m.view(ctx, func(tx store.Tx) error {
		routes, err := tx.Routes(store.RouteFilter{})
		if err != nil {
			return err
		}
		urls, err := prefixURLs(tx)
		if err != nil {
			return err
		}
		out = make([]model.RouteEntry, 0, len(routes))
		for _, rt := range routes {
			out = append(out, model.RouteEntry{Route: rt, Prefix: urls[rt.PrefixID]})
		}
		return nil
	})
	return out, err
}

func (m *Manager) Route(ctx context.Context, id int64) (model.RouteEntry, error) {
	var out model.RouteEntry
	err := m.view(ctx, func(tx store.Tx) error {
		rt, err := tx.Route(id)
		if err != nil {
			return err
		}
		p, err := tx.Prefix(rt.PrefixID)
		if err != nil {
			return fmt.Errorf("route %d prefix: %w", id, err)
		}
		out = model.RouteEntry{Route: rt, Prefix: p.URL}
		return nil
	})
	return out, err
}

func prefixURLs(tx store.Tx) (map[int64]string, error) {
	prefixes, err := tx.Prefixes()
	if err != nil {
		return nil, err
	}
	urls := make(map[int64]string, len(prefixes))
	for _, p := range prefixes {
		urls[p.ID] = p.URL
	}
	return urls, nil
}
