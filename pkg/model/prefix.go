package model

// Prefix is a content namespace that must be reachable from every router.
type Prefix struct {
	ID        int64  `json:"id"`
	URL       string `json:"url"`
	Balancing int    `json:"balancing"`
}

// LoadSharing reports whether forwarding for the prefix uses the load-sharing strategy.
func (p Prefix) LoadSharing() bool {
	return p.Balancing > 0
}
