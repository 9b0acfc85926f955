package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icnaas/pkg/api"
	"icnaas/pkg/device"
	"icnaas/pkg/model"
	"icnaas/pkg/orchestrator"
	"icnaas/pkg/store"
	"icnaas/pkg/topology"
)

var _ orchestrator.Registrar = (*Client)(nil)

type nopPusher struct {
	mu  sync.Mutex
	ops []device.Op
}

func (p *nopPusher) Enqueue(ops ...device.Op) {
	p.mu.Lock()
	p.ops = append(p.ops, ops...)
	p.mu.Unlock()
}

func newClient(t *testing.T) *Client {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "routers.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	mgr := topology.New("test", st, &nopPusher{})
	srv := httptest.NewServer(api.NewManagerHandler(api.ManagerDeps{Topology: mgr, Store: st, Log: zerolog.Nop()}))
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	require.NoError(t, c.Available(ctx))

	_, err := c.CreateRouter(ctx, model.Router{PublicIP: "10.0.0.1", Hostname: "h1", CellID: 200})
	require.NoError(t, err)
	_, err = c.CreateRouter(ctx, model.Router{PublicIP: "10.0.0.2", Hostname: "h2", Layer: 1})
	require.NoError(t, err)
	_, err = c.CreateRouter(ctx, model.Router{PublicIP: "10.0.0.2", Hostname: "h2", Layer: 1})
	assert.ErrorIs(t, err, store.ErrConflict)
	_, err = c.CreateRouter(ctx, model.Router{PublicIP: "10.0.0.3", Layer: 1})
	assert.ErrorIs(t, err, ErrRejected)

	p, err := c.CreatePrefix(ctx, "/video", 0)
	require.NoError(t, err)
	routes, err := c.Routes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "/video", routes[0].Prefix)
	rt, err := c.Route(ctx, routes[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", rt.NextHop)

	cell, err := c.RoutersByCell(ctx, 200)
	require.NoError(t, err)
	require.Len(t, cell, 1)
	clients, err := c.ClientEndpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, clients, 1)
	servers, err := c.ServerEndpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, servers, 1)

	layer := 1
	cellID := 0
	host := "h1b"
	r, err := c.UpdateRouter(ctx, "10.0.0.1", topology.RouterUpdate{Hostname: &host, Layer: &layer, CellID: &cellID})
	require.NoError(t, err)
	assert.Equal(t, "h1b", r.Hostname)

	p, err = c.UpdatePrefix(ctx, p.ID, "/movies", 1)
	require.NoError(t, err)
	assert.Equal(t, "/movies", p.URL)
	got, err := c.Prefix(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	snap, err := c.Topology(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", snap.Topology)

	require.NoError(t, c.DeletePrefix(ctx, p.ID))
	prefixes, err := c.Prefixes(ctx)
	require.NoError(t, err)
	assert.Empty(t, prefixes)

	require.NoError(t, c.DeleteRouter(ctx, "10.0.0.1"))
	_, err = c.Router(ctx, "10.0.0.1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, c.DeleteRouter(ctx, "10.0.0.1"), store.ErrNotFound)

	routers, err := c.Routers(ctx)
	require.NoError(t, err)
	assert.Len(t, routers, 1)

	_, err = c.Pushes(ctx, "", 10)
	assert.ErrorIs(t, err, store.ErrNotFound, "journal not wired on this manager")
}
