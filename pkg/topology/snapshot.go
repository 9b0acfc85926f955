package topology

import (
	"context"
	"fmt"

	"icnaas/pkg/model"
	"icnaas/pkg/store"
)

// Snapshot is a consistent view of the whole topology.
type Snapshot struct {
	Topology   string         `json:"topology"`
	Layers     []LayerView    `json:"layers"`
	Prefixes   []model.Prefix `json:"prefixes"`
	Links      []Link         `json:"links"`
	Violations []string       `json:"violations,omitempty"`
}

type LayerView struct {
	Layer   int            `json:"layer"`
	Routers []model.Router `json:"routers"`
}

// Link is one route as drawn on the status view.
type Link struct {
	Router    string `json:"router"`
	NextHop   string `json:"next_hop"`
	Prefix    string `json:"prefix"`
	Balancing int    `json:"balancing"`
}

func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Topology: m.name}
	var (
		routers []model.Router
		routes  []model.Route
	)
	err := m.view(ctx, func(tx store.Tx) error {
		var err error
		if routers, err = tx.Routers(); err != nil {
			return err
		}
		if snap.Prefixes, err = tx.Prefixes(); err != nil {
			return err
		}
		routes, err = tx.Routes(store.RouteFilter{})
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}

	lay := newLayout(routers)
	for _, l := range lay.layers {
		snap.Layers = append(snap.Layers, LayerView{Layer: l, Routers: lay.at(l)})
	}
	urls := make(map[int64]string, len(snap.Prefixes))
	for _, p := range snap.Prefixes {
		urls[p.ID] = p.URL
	}
	for _, rt := range routes {
		snap.Links = append(snap.Links, Link{Router: rt.RouterIP, NextHop: rt.NextHop, Prefix: urls[rt.PrefixID], Balancing: rt.Balancing})
	}
	snap.Violations = Check(routers, snap.Prefixes, routes)
	return snap, nil
}

// Check lists every way routes break the forwarding rules: dangling
// references, routes leaving the content-source layer, routes that do not
// climb, and routes that skip a populated layer.
func Check(routers []model.Router, prefixes []model.Prefix, routes []model.Route) []string {
	byIP := make(map[string]model.Router, len(routers))
	for _, r := range routers {
		byIP[r.PublicIP] = r
	}
	known := make(map[int64]bool, len(prefixes))
	for _, p := range prefixes {
		known[p.ID] = true
	}
	lay := newLayout(routers)

	var out []string
	for _, rt := range routes {
		from, okFrom := byIP[rt.RouterIP]
		to, okTo := byIP[rt.NextHop]
		switch {
		case !okFrom:
			out = append(out, fmt.Sprintf("route %d: unknown router %s", rt.ID, rt.RouterIP))
		case !okTo:
			out = append(out, fmt.Sprintf("route %d: unknown next hop %s", rt.ID, rt.NextHop))
		case !known[rt.PrefixID]:
			out = append(out, fmt.Sprintf("route %d: unknown prefix %d", rt.ID, rt.PrefixID))
		case from.IsContentSource():
			out = append(out, fmt.Sprintf("route %d: content source %s routes", rt.ID, from.PublicIP))
		case to.Layer <= from.Layer:
			out = append(out, fmt.Sprintf("route %d: %s (layer %d) -> %s (layer %d) does not climb", rt.ID, from.PublicIP, from.Layer, to.PublicIP, to.Layer))
		default:
			if next, _ := lay.above(from.Layer); next != to.Layer {
				out = append(out, fmt.Sprintf("route %d: %s skips layer %d", rt.ID, from.PublicIP, next))
			}
		}
	}
	return out
}
