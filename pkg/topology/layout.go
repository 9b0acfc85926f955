package topology

import (
	"sort"

	"icnaas/pkg/model"
)

// layout indexes routers by layer for the route computations.
type layout struct {
	byLayer map[int][]model.Router
	layers  []int // populated layers, ascending
}

func newLayout(routers []model.Router) layout {
	l := layout{byLayer: make(map[int][]model.Router)}
	for _, r := range routers {
		if _, ok := l.byLayer[r.Layer]; !ok {
			l.layers = append(l.layers, r.Layer)
		}
		l.byLayer[r.Layer] = append(l.byLayer[r.Layer], r)
	}
	sort.Ints(l.layers)
	return l
}

func (l layout) at(layer int) []model.Router {
	return l.byLayer[layer]
}

// above returns the nearest populated layer strictly above layer.
func (l layout) above(layer int) (int, bool) {
	for _, v := range l.layers {
		if v > layer {
			return v, true
		}
	}
	return 0, false
}

// below returns the nearest populated layer strictly below layer.
func (l layout) below(layer int) (int, bool) {
	for i := len(l.layers) - 1; i >= 0; i-- {
		if l.layers[i] < layer {
			return l.layers[i], true
		}
	}
	return 0, false
}

// sibling returns the first router at layer other than ip.
func (l layout) sibling(layer int, ip string) (model.Router, bool) {
	for _, r := range l.byLayer[layer] {
		if r.PublicIP != ip {
			return r, true
		}
	}
	return model.Router{}, false
}

// higher lists every router at a layer strictly above layer.
func (l layout) higher(layer int) []model.Router {
	var out []model.Router
	for _, v := range l.layers {
		if v > layer {
			out = append(out, l.byLayer[v]...)
		}
	}
	return out
}
