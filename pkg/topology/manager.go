// Package topology keeps the CCN forwarding topology consistent: every
// router/prefix mutation recomputes the affected routes inside one store
// transaction and schedules the matching device pushes after commit.
package topology

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"icnaas/pkg/device"
	"icnaas/pkg/metrics"
	"icnaas/pkg/model"
	"icnaas/pkg/store"
)

// ErrInvalid marks a rejected request; nothing was mutated.
var ErrInvalid = errors.New("invalid request")

// Pusher receives device ops of a committed mutation, in order. Enqueue must
// not wait on the network.
type Pusher interface {
	Enqueue(ops ...device.Op)
}

// EventSink receives events of committed mutations.
type EventSink interface {
	Publish(ev model.Event)
}

type Manager struct {
	name    string
	store   store.Store
	pusher  Pusher
	locker  Locker
	events  EventSink
	metrics *metrics.Metrics
	log     zerolog.Logger
}

type Option func(*Manager)

func WithLocker(l Locker) Option { return func(m *Manager) { m.locker = l } }

func WithEvents(s EventSink) Option { return func(m *Manager) { m.events = s } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.log = l } }

// New returns the manager of the topology called name.
func New(name string, st store.Store, pusher Pusher, opts ...Option) *Manager {
	m := &Manager{
		name:   name,
		store:  st,
		pusher: pusher,
		locker: NewKeyedMutex(),
		log:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Name() string { return m.name }

// RouterUpdate carries the fields of an UpdateRouter call. Nil identity
// fields keep their stored value; Layer and CellID are required.
type RouterUpdate struct {
	PublicIP *string
	Hostname *string
	CoordX   *float64
	CoordY   *float64
	Layer    *int
	CellID   *int
}

func validateRouter(r model.Router) error {
	switch {
	case strings.TrimSpace(r.PublicIP) == "":
		return fmt.Errorf("%w: public_ip is required", ErrInvalid)
	case strings.TrimSpace(r.Hostname) == "":
		return fmt.Errorf("%w: hostname is required", ErrInvalid)
	case r.Layer < 0 || r.Layer > model.ContentSourceLayer:
		return fmt.Errorf("%w: layer %d out of range 0..%d", ErrInvalid, r.Layer, model.ContentSourceLayer)
	case r.CellID < 0:
		return fmt.Errorf("%w: cell_id must not be negative", ErrInvalid)
	}
	return nil
}

func validatePrefix(url string, balancing int) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("%w: url is required", ErrInvalid)
	}
	if balancing < 0 {
		return fmt.Errorf("%w: balancing must not be negative", ErrInvalid)
	}
	return nil
}

// mutate runs fn in one transaction under the topology lock and hands the
// collected device ops and events on only after commit. The transaction runs
// on the lock's context, so losing the lock rolls it back.
func (m *Manager) mutate(ctx context.Context, op string, fn func(*change) error) (err error) {
	start := time.Now()
	defer func() {
		m.metrics.RecordMutation(op, err)
		ev := m.log.Debug()
		if err != nil {
			ev = m.log.Warn().Err(err)
		}
		ev.Str("op", op).Dur("took", time.Since(start)).Msg("topology mutation")
	}()

	held, unlock, err := m.locker.Lock(ctx, m.name)
	if err != nil {
		return fmt.Errorf("lock topology %s: %w", m.name, err)
	}
	defer unlock()

	var c *change
	err = m.store.Update(held, func(tx store.Tx) error {
		c = &change{topology: m.name, tx: tx, prefixes: make(map[int64]model.Prefix)}
		return fn(c)
	})
	if err != nil {
		if ctx.Err() == nil && held.Err() != nil {
			return fmt.Errorf("lock topology %s: %w", m.name, context.Cause(held))
		}
		return err
	}
	m.pusher.Enqueue(c.ops...)
	if m.events != nil {
		for _, ev := range c.events {
			m.events.Publish(ev)
		}
	}
	return nil
}

// CreateRouter registers r and wires it into the forwarding topology.
func (m *Manager) CreateRouter(ctx context.Context, r model.Router) (model.Router, error) {
	if err := validateRouter(r); err != nil {
		return model.Router{}, err
	}
	err := m.mutate(ctx, "create_router", func(c *change) error {
		if err := c.tx.InsertRouter(r); err != nil {
			return err
		}
		c.emit(model.Event{Type: model.EventRouterCreated, Router: &r})
		return c.attach(r)
	})
	if err != nil {
		return model.Router{}, err
	}
	return r, nil
}

// UpdateRouter re-registers the router ip with new fields. Routing-wise it is
// a delete followed by a create, so renames and layer moves are safe.
func (m *Manager) UpdateRouter(ctx context.Context, ip string, upd RouterUpdate) (model.Router, error) {
	if upd.Layer == nil || upd.CellID == nil {
		return model.Router{}, fmt.Errorf("%w: layer and cell_id are required", ErrInvalid)
	}
	var next model.Router
	err := m.mutate(ctx, "update_router", func(c *change) error {
		old, err := c.tx.Router(ip)
		if err != nil {
			return err
		}
		next = old
		if upd.PublicIP != nil {
			next.PublicIP = *upd.PublicIP
		}
		if upd.Hostname != nil {
			next.Hostname = *upd.Hostname
		}
		if upd.CoordX != nil {
			next.CoordX = upd.CoordX
		}
		if upd.CoordY != nil {
			next.CoordY = upd.CoordY
		}
		next.Layer = *upd.Layer
		next.CellID = *upd.CellID
		if err := validateRouter(next); err != nil {
			return err
		}

		if err := c.collapse(old); err != nil {
			return err
		}
		if err := c.detach(old.PublicIP); err != nil {
			return err
		}
		if err := c.tx.UpdateRouter(ip, next); err != nil {
			return err
		}
		c.emit(model.Event{Type: model.EventRouterUpdated, Router: &next})
		return c.attach(next)
	})
	if err != nil {
		return model.Router{}, err
	}
	return next, nil
}

// DeleteRouter removes the router and every route touching it, bridging its
// layer first when it was the last router there.
func (m *Manager) DeleteRouter(ctx context.Context, ip string) error {
	return m.mutate(ctx, "delete_router", func(c *change) error {
		r, err := c.tx.Router(ip)
		if err != nil {
			return err
		}
		if err := c.collapse(r); err != nil {
			return err
		}
		if err := c.detach(ip); err != nil {
			return err
		}
		if err := c.tx.DeleteRouter(ip); err != nil {
			return err
		}
		c.emit(model.Event{Type: model.EventRouterDeleted, Router: &r})
		return nil
	})
}

func (m *Manager) CreatePrefix(ctx context.Context, url string, balancing int) (model.Prefix, error) {
	if err := validatePrefix(url, balancing); err != nil {
		return model.Prefix{}, err
	}
	var p model.Prefix
	err := m.mutate(ctx, "create_prefix", func(c *change) error {
		var err error
		if p, err = c.tx.InsertPrefix(model.Prefix{URL: url, Balancing: balancing}); err != nil {
			return err
		}
		c.prefixes[p.ID] = p
		c.emit(model.Event{Type: model.EventPrefixCreated, Prefix: &p})
		return c.spread(p)
	})
	if err != nil {
		return model.Prefix{}, err
	}
	return p, nil
}

// UpdatePrefix withdraws the prefix's routes under the old url and rebuilds
// them under the new url and balancing.
func (m *Manager) UpdatePrefix(ctx context.Context, id int64, url string, balancing int) (model.Prefix, error) {
	if err := validatePrefix(url, balancing); err != nil {
		return model.Prefix{}, err
	}
	next := model.Prefix{ID: id, URL: url, Balancing: balancing}
	err := m.mutate(ctx, "update_prefix", func(c *change) error {
		old, err := c.tx.Prefix(id)
		if err != nil {
			return err
		}
		if err := c.withdraw(old); err != nil {
			return err
		}
		if err := c.tx.UpdatePrefix(next); err != nil {
			return err
		}
		c.prefixes[id] = next
		c.emit(model.Event{Type: model.EventPrefixUpdated, Prefix: &next})
		return c.spread(next)
	})
	if err != nil {
		return model.Prefix{}, err
	}
	return next, nil
}

func (m *Manager) DeletePrefix(ctx context.Context, id int64) error {
	return m.mutate(ctx, "delete_prefix", func(c *change) error {
		p, err := c.tx.Prefix(id)
		if err != nil {
			return err
		}
		if err := c.withdraw(p); err != nil {
			return err
		}
		if err := c.tx.DeletePrefix(id); err != nil {
			return err
		}
		c.emit(model.Event{Type: model.EventPrefixDeleted, Prefix: &p})
		return nil
	})
}

// change accumulates the side effects of one mutation.
type change struct {
	topology string
	tx       store.Tx
	prefixes map[int64]model.Prefix
	ops      []device.Op
	events   []model.Event
}

func (c *change) emit(ev model.Event) {
	ev.ID = uuid.NewString()
	ev.Topology = c.topology
	ev.Timestamp = time.Now().UTC()
	c.events = append(c.events, ev)
}

func (c *change) prefix(id int64) (model.Prefix, error) {
	if p, ok := c.prefixes[id]; ok {
		return p, nil
	}
	p, err := c.tx.Prefix(id)
	if err != nil {
		return model.Prefix{}, err
	}
	c.prefixes[id] = p
	return p, nil
}

func (c *change) layout() (layout, error) {
	routers, err := c.tx.Routers()
	if err != nil {
		return layout{}, err
	}
	return newLayout(routers), nil
}

// addRoute stores a route and schedules its push. The strategy flag pushed
// to the device follows the prefix, the stored balancing follows the route.
func (c *change) addRoute(from, to string, p model.Prefix, balancing int) error {
	rt, err := c.tx.InsertRoute(model.Route{RouterIP: from, PrefixID: p.ID, NextHop: to, Balancing: balancing})
	if err != nil {
		return err
	}
	c.ops = append(c.ops, device.AddOp(from, p.URL, to, p.Balancing))
	c.emit(model.Event{Type: model.EventRouteAdded, Route: &rt})
	return nil
}

// removeRoute schedules the unpush of rt under url, then deletes it.
func (c *change) removeRoute(rt model.Route, url string) error {
	c.ops = append(c.ops, device.DeleteOp(rt.RouterIP, url, rt.NextHop))
	if err := c.tx.DeleteRoute(rt.ID); err != nil {
		return err
	}
	c.emit(model.Event{Type: model.EventRouteRemoved, Route: &rt})
	return nil
}

func (c *change) removeRoutes(f store.RouteFilter) error {
	routes, err := c.tx.Routes(f)
	if err != nil {
		return err
	}
	for _, rt := range routes {
		p, err := c.prefix(rt.PrefixID)
		if err != nil {
			return err
		}
		if err := c.removeRoute(rt, p.URL); err != nil {
			return err
		}
	}
	return nil
}

// mesh routes every router of src to every router of dst for each prefix.
func (c *change) mesh(prefixes []model.Prefix, src, dst []model.Router) error {
	for _, p := range prefixes {
		for _, s := range src {
			for _, d := range dst {
				if err := c.addRoute(s.PublicIP, d.PublicIP, p, 0); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// attach wires a freshly stored router into the topology.
func (c *change) attach(r model.Router) error {
	lay, err := c.layout()
	if err != nil {
		return err
	}
	prefixes, err := c.tx.Prefixes()
	if err != nil {
		return err
	}
	for _, p := range prefixes {
		c.prefixes[p.ID] = p
	}

	if !r.IsContentSource() {
		if err := c.routeUp(r, lay, prefixes); err != nil {
			return err
		}
	}
	if r.Layer > 0 {
		if below, ok := lay.below(r.Layer); ok {
			return c.interpose(r, lay, below, prefixes)
		}
	}
	return nil
}

// routeUp gives r its outgoing routes: a copy of a sibling's routes, or a
// mesh to the nearest populated layer above. A router with nothing above
// gets none.
func (c *change) routeUp(r model.Router, lay layout, prefixes []model.Prefix) error {
	above, ok := lay.above(r.Layer)
	if !ok {
		return nil
	}
	if sib, ok := lay.sibling(r.Layer, r.PublicIP); ok {
		routes, err := c.tx.Routes(store.RouteFilter{RouterIP: sib.PublicIP})
		if err != nil {
			return err
		}
		for _, rt := range routes {
			p, err := c.prefix(rt.PrefixID)
			if err != nil {
				return err
			}
			if err := c.addRoute(r.PublicIP, rt.NextHop, p, rt.Balancing); err != nil {
				return err
			}
		}
		return nil
	}
	for _, hop := range lay.at(above) {
		for _, p := range prefixes {
			if err := c.addRoute(r.PublicIP, hop.PublicIP, p, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// interpose makes every router of the layer below r route through r and
// drops their routes that jumped over r's layer.
func (c *change) interpose(r model.Router, lay layout, below int, prefixes []model.Prefix) error {
	lower := lay.at(below)
	if err := c.mesh(prefixes, lower, []model.Router{r}); err != nil {
		return err
	}
	for _, lr := range lower {
		for _, hr := range lay.higher(r.Layer) {
			if err := c.removeRoutes(store.RouteFilter{RouterIP: lr.PublicIP, NextHop: hr.PublicIP}); err != nil {
				return err
			}
		}
	}
	return nil
}

// collapse bridges the layers around r when r is the last router of its
// layer. Must run while r is still stored.
func (c *change) collapse(r model.Router) error {
	lay, err := c.layout()
	if err != nil {
		return err
	}
	if _, ok := lay.sibling(r.Layer, r.PublicIP); ok {
		return nil
	}
	below, okBelow := lay.below(r.Layer)
	above, okAbove := lay.above(r.Layer)
	if !okBelow || !okAbove {
		return nil
	}
	prefixes, err := c.tx.Prefixes()
	if err != nil {
		return err
	}
	return c.mesh(prefixes, lay.at(below), lay.at(above))
}

// detach removes every route to and then every route from ip.
func (c *change) detach(ip string) error {
	if err := c.removeRoutes(store.RouteFilter{NextHop: ip}); err != nil {
		return err
	}
	return c.removeRoutes(store.RouteFilter{RouterIP: ip})
}

// withdraw removes every route of p, unpushing under p's url.
func (c *change) withdraw(p model.Prefix) error {
	routes, err := c.tx.Routes(store.RouteFilter{PrefixID: p.ID})
	if err != nil {
		return err
	}
	for _, rt := range routes {
		if err := c.removeRoute(rt, p.URL); err != nil {
			return err
		}
	}
	return nil
}

// spread routes prefix p. Once any route exists each routing router copies
// the next hops it uses for its first prefix; otherwise consecutive
// populated layers are meshed.
func (c *change) spread(p model.Prefix) error {
	existing, err := c.tx.Routes(store.RouteFilter{})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		owned := make(map[string][]model.Route)
		var order []string
		for _, rt := range existing {
			if _, ok := owned[rt.RouterIP]; !ok {
				order = append(order, rt.RouterIP)
			}
			owned[rt.RouterIP] = append(owned[rt.RouterIP], rt)
		}
		for _, ip := range order {
			routes := owned[ip]
			base := routes[0].PrefixID
			for _, rt := range routes {
				if rt.PrefixID != base {
					continue
				}
				if err := c.addRoute(ip, rt.NextHop, p, rt.Balancing); err != nil {
					return err
				}
			}
		}
		return nil
	}

	lay, err := c.layout()
	if err != nil {
		return err
	}
	for i := 0; i+1 < len(lay.layers); i++ {
		if err := c.mesh([]model.Prefix{p}, lay.at(lay.layers[i]), lay.at(lay.layers[i+1])); err != nil {
			return err
		}
	}
	return nil
}
