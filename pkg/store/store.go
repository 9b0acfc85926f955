package store

import (
	"context"
	"errors"

	"icnaas/pkg/model"
)

var (
	// ErrNotFound is returned when a router, prefix or route does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a router identity is already taken.
	ErrConflict = errors.New("already exists")
)

// RouteFilter narrows a route query. Zero fields match everything.
type RouteFilter struct {
	RouterIP string
	NextHop  string
	PrefixID int64
}

// Tx is the Router Store as seen from inside one transaction. It is bound to
// the context of the transaction that produced it.
type Tx interface {
	// Routers lists routers ordered by layer, then public ip.
	Routers() ([]model.Router, error)
	Router(ip string) (model.Router, error)
	InsertRouter(r model.Router) error
	// UpdateRouter rewrites the row identified by ip; r.PublicIP may differ.
	UpdateRouter(ip string, r model.Router) error
	DeleteRouter(ip string) error

	Prefixes() ([]model.Prefix, error)
	Prefix(id int64) (model.Prefix, error)
	InsertPrefix(p model.Prefix) (model.Prefix, error)
	UpdatePrefix(p model.Prefix) error
	DeletePrefix(id int64) error

	// Routes lists routes matching f ordered by id.
	Routes(f RouteFilter) ([]model.Route, error)
	Route(id int64) (model.Route, error)
	InsertRoute(r model.Route) (model.Route, error)
	DeleteRoute(id int64) error
}

// Store persists routers, prefixes and routes. Every mutation of the routing
// topology happens inside a single Update call.
type Store interface {
	// Update runs fn in a read-write transaction; an error from fn rolls it back.
	Update(ctx context.Context, fn func(Tx) error) error
	// View runs fn in a transaction that is always rolled back.
	View(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
