package model

import "time"

// EventType names a committed topology change.
type EventType string

const (
	EventRouterCreated EventType = "router_created"
	EventRouterUpdated EventType = "router_updated"
	EventRouterDeleted EventType = "router_deleted"
	EventPrefixCreated EventType = "prefix_created"
	EventPrefixUpdated EventType = "prefix_updated"
	EventPrefixDeleted EventType = "prefix_deleted"
	EventRouteAdded    EventType = "route_added"
	EventRouteRemoved  EventType = "route_removed"
)

// Event is published to subscribers after a topology mutation commits.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Topology  string    `json:"topology"`
	Router    *Router   `json:"router,omitempty"`
	Prefix    *Prefix   `json:"prefix,omitempty"`
	Route     *Route    `json:"route,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
