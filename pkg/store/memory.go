package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"icnaas/pkg/model"
)

// Memory is an in-process Router Store for dry runs and demos. Update works
// on a copy of the tables that replaces the live copy only when fn succeeds,
// and it enforces the same references as the sqlite schema.
type Memory struct {
	mu   sync.RWMutex
	data memData
}

type memData struct {
	routers    map[string]model.Router
	prefixes   map[int64]model.Prefix
	routes     map[int64]model.Route
	nextPrefix int64
	nextRoute  int64
}

func NewMemory() *Memory {
	return &Memory{data: memData{
		routers:  map[string]model.Router{},
		prefixes: map[int64]model.Prefix{},
		routes:   map[int64]model.Route{},
	}}
}

func (d memData) clone() memData {
	d.routers = maps.Clone(d.routers)
	d.prefixes = maps.Clone(d.prefixes)
	d.routes = maps.Clone(d.routes)
	return d
}

func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{d: m.data.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.data = tx.d
	return nil
}

func (m *Memory) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{d: m.data.clone()})
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

type memTx struct {
	d memData
}

func (t *memTx) Routers() ([]model.Router, error) {
	out := make([]model.Router, 0, len(t.d.routers))
	for _, r := range t.d.routers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Layer != out[j].Layer {
			return out[i].Layer < out[j].Layer
		}
		return out[i].PublicIP < out[j].PublicIP
	})
	return out, nil
}

func (t *memTx) Router(ip string) (model.Router, error) {
	r, ok := t.d.routers[ip]
	if !ok {
		return model.Router{}, fmt.Errorf("router %s: %w", ip, ErrNotFound)
	}
	return r, nil
}

func (t *memTx) InsertRouter(r model.Router) error {
	if _, ok := t.d.routers[r.PublicIP]; ok {
		return fmt.Errorf("router %s: %w", r.PublicIP, ErrConflict)
	}
	t.d.routers[r.PublicIP] = r
	return nil
}

// referenced reports whether a route still points at the router.
func (t *memTx) referenced(ip string) bool {
	for _, rt := range t.d.routes {
		if rt.RouterIP == ip || rt.NextHop == ip {
			return true
		}
	}
	return false
}

func (t *memTx) UpdateRouter(ip string, r model.Router) error {
	if _, ok := t.d.routers[ip]; !ok {
		return fmt.Errorf("router %s: %w", ip, ErrNotFound)
	}
	if r.PublicIP != ip {
		if _, ok := t.d.routers[r.PublicIP]; ok {
			return fmt.Errorf("router %s: %w", r.PublicIP, ErrConflict)
		}
		if t.referenced(ip) {
			return fmt.Errorf("rename router %s: routes reference it: %w", ip, ErrConflict)
		}
		delete(t.d.routers, ip)
	}
	t.d.routers[r.PublicIP] = r
	return nil
}

func (t *memTx) DeleteRouter(ip string) error {
	if _, ok := t.d.routers[ip]; !ok {
		return fmt.Errorf("router %s: %w", ip, ErrNotFound)
	}
	if t.referenced(ip) {
		return fmt.Errorf("delete router %s: routes reference it: %w", ip, ErrConflict)
	}
	delete(t.d.routers, ip)
	return nil
}

func (t *memTx) Prefixes() ([]model.Prefix, error) {
	out := make([]model.Prefix, 0, len(t.d.prefixes))
	for _, p := range t.d.prefixes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) Prefix(id int64) (model.Prefix, error) {
	p, ok := t.d.prefixes[id]
	if !ok {
		return model.Prefix{}, fmt.Errorf("prefix %d: %w", id, ErrNotFound)
	}
	return p, nil
}

func (t *memTx) InsertPrefix(p model.Prefix) (model.Prefix, error) {
	t.d.nextPrefix++
	p.ID = t.d.nextPrefix
	t.d.prefixes[p.ID] = p
	return p, nil
}

func (t *memTx) UpdatePrefix(p model.Prefix) error {
	if _, ok := t.d.prefixes[p.ID]; !ok {
		return fmt.Errorf("prefix %d: %w", p.ID, ErrNotFound)
	}
	t.d.prefixes[p.ID] = p
	return nil
}

func (t *memTx) DeletePrefix(id int64) error {
	if _, ok := t.d.prefixes[id]; !ok {
		return fmt.Errorf("prefix %d: %w", id, ErrNotFound)
	}
	for _, rt := range t.d.routes {
		if rt.PrefixID == id {
			return fmt.Errorf("delete prefix %d: routes reference it: %w", id, ErrConflict)
		}
	}
	delete(t.d.prefixes, id)
	return nil
}

func (t *memTx) Routes(f RouteFilter) ([]model.Route, error) {
	var out []model.Route
	for _, rt := range t.d.routes {
		if (f.RouterIP != "" && rt.RouterIP != f.RouterIP) ||
			(f.NextHop != "" && rt.NextHop != f.NextHop) ||
			(f.PrefixID != 0 && rt.PrefixID != f.PrefixID) {
			continue
		}
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) Route(id int64) (model.Route, error) {
	rt, ok := t.d.routes[id]
	if !ok {
		return model.Route{}, fmt.Errorf("route %d: %w", id, ErrNotFound)
	}
	return rt, nil
}

func (t *memTx) InsertRoute(r model.Route) (model.Route, error) {
	_, okFrom := t.d.routers[r.RouterIP]
	_, okTo := t.d.routers[r.NextHop]
	_, okPrefix := t.d.prefixes[r.PrefixID]
	if !okFrom || !okTo || !okPrefix {
		return model.Route{}, fmt.Errorf("insert route %s->%s: dangling reference: %w", r.RouterIP, r.NextHop, ErrConflict)
	}
	t.d.nextRoute++
	r.ID = t.d.nextRoute
	t.d.routes[r.ID] = r
	return r, nil
}

func (t *memTx) DeleteRoute(id int64) error {
	if _, ok := t.d.routes[id]; !ok {
		return fmt.Errorf("route %d: %w", id, ErrNotFound)
	}
	delete(t.d.routes, id)
	return nil
}
