package deployer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Output keys the orchestrator reads back from a stack.
const (
	OutputManagerEndpoint = "mcn.endpoint.icnaas"
	OutputRouterPrefix    = "mcn.ccnx.router"
)

const (
	managerResource = "icnaas_manager"
	routerResource  = "ccnx_router"
)

// RouterKeyFromOutput extracts N from an "mcn.ccnx.router<N>" output key.
func RouterKeyFromOutput(key string) (int, bool) {
	if !strings.HasPrefix(key, OutputRouterPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(key, OutputRouterPrefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// RouterSpec is one router of the topology model as rendered in a template.
type RouterSpec struct {
	Key         int
	Layer       int
	CellID      int
	Provisioned bool
}

type Params struct {
	Routers        []RouterSpec
	Image          string
	Flavor         string
	Network        string
	KeyName        string
	MaaSEndpoint   string
	MobaaSEndpoint string
	Provisioning   bool
}

// Template is the stack document submitted to the deployer.
type Template struct {
	Version     string                `yaml:"heat_template_version"`
	Description string                `yaml:"description"`
	Resources   map[string]Resource   `yaml:"resources"`
	Outputs     map[string]OutputSpec `yaml:"outputs"`
}

type Resource struct {
	Type       string         `yaml:"type"`
	Properties map[string]any `yaml:"properties,omitempty"`
}

type OutputSpec struct {
	Description string `yaml:"description,omitempty"`
	Value       any    `yaml:"value"`
}

func server(p Params, name string, metadata map[string]any) Resource {
	props := map[string]any{
		"name":     name,
		"image":    p.Image,
		"flavor":   p.Flavor,
		"networks": []map[string]string{{"network": p.Network}},
		"metadata": metadata,
	}
	if p.KeyName != "" {
		props["key_name"] = p.KeyName
	}
	return Resource{Type: "OS::Nova::Server", Properties: props}
}

func firstAddress(resource string) map[string]any {
	return map[string]any{"get_attr": []string{resource, "first_address"}}
}

// Render builds the stack template for the manager plus every router of p.
func Render(p Params) ([]byte, error) {
	t := Template{
		Version:     "2013-05-23",
		Description: "ICN as a Service",
		Resources:   map[string]Resource{},
		Outputs:     map[string]OutputSpec{},
	}
	t.Resources[managerResource] = server(p, "icnaas-manager", map[string]any{
		"maas_endpoint": p.MaaSEndpoint,
	})
	t.Outputs[OutputManagerEndpoint] = OutputSpec{Description: "ICN manager address", Value: firstAddress(managerResource)}

	routers := append([]RouterSpec(nil), p.Routers...)
	sort.Slice(routers, func(i, j int) bool { return routers[i].Key < routers[j].Key })
	seen := make(map[int]bool, len(routers))
	for _, r := range routers {
		if seen[r.Key] {
			return nil, fmt.Errorf("duplicate router key %d", r.Key)
		}
		seen[r.Key] = true
		res := fmt.Sprintf("%s%d", routerResource, r.Key)
		t.Resources[res] = server(p, fmt.Sprintf("ccnx-router%d", r.Key), map[string]any{
			"layer":           r.Layer,
			"cell_id":         r.CellID,
			"provision":       p.Provisioning && !r.Provisioned,
			"maas_endpoint":   p.MaaSEndpoint,
			"mobaas_endpoint": p.MobaaSEndpoint,
		})
		t.Outputs[fmt.Sprintf("%s%d", OutputRouterPrefix, r.Key)] = OutputSpec{
			Description: fmt.Sprintf("CCNx router %d address", r.Key),
			Value:       firstAddress(res),
		}
	}
	return yaml.Marshal(t)
}

// Parse reads a template produced by Render.
func Parse(b []byte) (Template, error) {
	var t Template
	if err := yaml.Unmarshal(b, &t); err != nil {
		return Template{}, fmt.Errorf("parse template: %w", err)
	}
	return t, nil
}

// OutputKeys lists the template's outputs in sorted order.
func (t Template) OutputKeys() []string {
	keys := make([]string, 0, len(t.Outputs))
	for k := range t.Outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
