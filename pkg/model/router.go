package model

// ContentSourceLayer is the reserved top tier; routers there never own routes.
const ContentSourceLayer = 100

// Router is a content router registered in the routing topology.
type Router struct {
	PublicIP string   `json:"public_ip"`
	Hostname string   `json:"hostname"`
	CoordX   *float64 `json:"coord_x"`
	CoordY   *float64 `json:"coord_y"`
	Layer    int      `json:"layer"`
	CellID   int      `json:"cell_id"` // radio/geo grouping, only set at layer 0
}

// IsContentSource reports whether the router sits at the content-source tier.
func (r Router) IsContentSource() bool {
	return r.Layer == ContentSourceLayer
}

// IsClient reports whether the router faces clients (layer 0).
func (r Router) IsClient() bool {
	return r.Layer == 0
}
