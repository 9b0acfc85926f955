package model

// Route is a forwarding-table entry: on RouterIP, traffic for PrefixID goes to NextHop.
type Route struct {
	ID        int64  `json:"id"`
	RouterIP  string `json:"router_ip"`
	PrefixID  int64  `json:"prefix_id"`
	NextHop   string `json:"next_hop"`
	Balancing int    `json:"balancing"`
}

// RouteEntry is a route joined with the URL of its prefix.
type RouteEntry struct {
	Route
	Prefix string `json:"prefix"`
}
