package orchestrator

import (
	"fmt"
	"sort"

	"icnaas/pkg/deployer"
	"icnaas/pkg/model"
	"icnaas/pkg/rules"
)

// Unassigned is the address of a router the deployer has not reported yet.
const Unassigned = "unassigned"

// Node is one router of the service instance as the orchestrator sees it.
type Node struct {
	Key         int    `json:"key"`
	PublicIP    string `json:"public_ip"`
	Layer       int    `json:"layer"`
	CellID      int    `json:"cell_id"`
	Provisioned bool   `json:"provisioned"`
	// Registered is set once the router exists in the topology manager.
	Registered bool `json:"registered"`
}

func (n Node) Assigned() bool { return n.PublicIP != "" && n.PublicIP != Unassigned }

// Hostname is the name the router is registered and deployed under.
func (n Node) Hostname() string { return fmt.Sprintf("ccnx-router%d", n.Key) }

// Router converts n for the topology manager.
func (n Node) Router() model.Router {
	return model.Router{PublicIP: n.PublicIP, Hostname: n.Hostname(), Layer: n.Layer, CellID: n.CellID}
}

// Counters is the hysteresis state of one layer.
type Counters struct {
	CPUIn  int `json:"cpu_in"`
	CPUOut int `json:"cpu_out"`
	IntIn  int `json:"int_in"`
	IntOut int `json:"int_out"`
}

func (c *Counters) of(k rules.Kind) *int {
	switch k {
	case rules.ScaleInCPU:
		return &c.CPUIn
	case rules.ScaleOutCPU:
		return &c.CPUOut
	case rules.ScaleInInterests:
		return &c.IntIn
	case rules.ScaleOutInterests:
		return &c.IntOut
	}
	return nil
}

func (c *Counters) reset() { *c = Counters{} }

// Model is the topology of one service instance: routers keyed by a
// monotonically assigned integer plus per-layer hysteresis counters.
// It is not safe for concurrent use; Execution guards it.
type Model struct {
	nodes    map[int]*Node
	counters map[int]*Counters
}

// NewModel builds the initial skeleton: perLayer routers on each of layers
// layers, layer 0 cell ids assigned from firstCell upwards.
func NewModel(layers, perLayer, firstCell int) *Model {
	m := &Model{nodes: map[int]*Node{}, counters: map[int]*Counters{}}
	key, cell := 0, firstCell
	for layer := 0; layer < layers; layer++ {
		m.counters[layer] = &Counters{}
		for i := 0; i < perLayer; i++ {
			key++
			n := &Node{Key: key, PublicIP: Unassigned, Layer: layer}
			if layer == 0 {
				n.CellID = cell
				cell++
			}
			m.nodes[key] = n
		}
	}
	return m
}

// Nodes returns a copy of every router ordered by key.
func (m *Model) Nodes() []Node {
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Layers lists the layers with counters, ascending.
func (m *Model) Layers() []int {
	out := make([]int, 0, len(m.counters))
	for l := range m.counters {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}

func (m *Model) Node(key int) (Node, bool) {
	n, ok := m.nodes[key]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Count is the number of routers at layer.
func (m *Model) Count(layer int) int {
	c := 0
	for _, n := range m.nodes {
		if n.Layer == layer {
			c++
		}
	}
	return c
}

// Counters returns the hysteresis counters of layer.
func (m *Model) Counters(layer int) Counters {
	if c, ok := m.counters[layer]; ok {
		return *c
	}
	return Counters{}
}

func (m *Model) counter(layer int) *Counters {
	c, ok := m.counters[layer]
	if !ok {
		c = &Counters{}
		m.counters[layer] = c
	}
	return c
}

// Add appends a new unassigned router at layer with the next free key. Layer
// 0 routers get a fresh cell id one above the largest in use.
func (m *Model) Add(layer int) Node {
	maxKey, maxCell := 0, 0
	for k, n := range m.nodes {
		maxKey = max(maxKey, k)
		maxCell = max(maxCell, n.CellID)
	}
	n := &Node{Key: maxKey + 1, PublicIP: Unassigned, Layer: layer}
	if layer == 0 {
		n.CellID = maxCell + 1
	}
	m.nodes[n.Key] = n
	m.counter(layer)
	return *n
}

// RemoveLast deletes the router with the largest key at layer.
func (m *Model) RemoveLast(layer int) (Node, bool) {
	last := -1
	for k, n := range m.nodes {
		if n.Layer == layer && k > last {
			last = k
		}
	}
	if last < 0 {
		return Node{}, false
	}
	n := *m.nodes[last]
	delete(m.nodes, last)
	return n, true
}

// SetAddress records the deployed address of key. It reports false for an
// unknown key.
func (m *Model) SetAddress(key int, ip string) bool {
	n, ok := m.nodes[key]
	if !ok {
		return false
	}
	if n.PublicIP != ip {
		n.PublicIP = ip
		n.Registered = false
	}
	return true
}

func (m *Model) markRegistered(key int, ip string) {
	if n, ok := m.nodes[key]; ok && n.PublicIP == ip {
		n.Registered = true
	}
}

func (m *Model) markProvisioned() {
	for _, n := range m.nodes {
		n.Provisioned = true
	}
}

// Specs describes the routers for template rendering.
func (m *Model) Specs() []deployer.RouterSpec {
	nodes := m.Nodes()
	out := make([]deployer.RouterSpec, len(nodes))
	for i, n := range nodes {
		out[i] = deployer.RouterSpec{Key: n.Key, Layer: n.Layer, CellID: n.CellID, Provisioned: n.Provisioned}
	}
	return out
}
