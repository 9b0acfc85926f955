// Package storetest holds the behaviour every Router Store implementation must share.
package storetest

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icnaas/pkg/model"
	"icnaas/pkg/store"
)

// Opener returns an empty store; it is called once per subtest.
type Opener func(t *testing.T) store.Store

// Run exercises a Router Store implementation.
func Run(t *testing.T, open Opener) {
	t.Run("RouterCRUD", func(t *testing.T) { testRouterCRUD(t, open(t)) })
	t.Run("DuplicateRouter", func(t *testing.T) { testDuplicateRouter(t, open(t)) })
	t.Run("RenameRouter", func(t *testing.T) { testRenameRouter(t, open(t)) })
	t.Run("UpdateUnchanged", func(t *testing.T) { testUpdateUnchanged(t, open(t)) })
	t.Run("DanglingRoute", func(t *testing.T) { testDanglingRoute(t, open(t)) })
	t.Run("PrefixCRUD", func(t *testing.T) { testPrefixCRUD(t, open(t)) })
	t.Run("RouteFilter", func(t *testing.T) { testRouteFilter(t, open(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, open(t)) })
}

func ptr(f float64) *float64 { return &f }

func testRouterCRUD(t *testing.T, st store.Store) {
	ctx := context.Background()
	edge := model.Router{PublicIP: "10.0.0.2", Hostname: "edge", Layer: 0, CellID: 200, CoordX: ptr(1.5), CoordY: ptr(-2)}
	core := model.Router{PublicIP: "10.0.0.1", Hostname: "core", Layer: 1}

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertRouter(core); err != nil {
			return err
		}
		return tx.InsertRouter(edge)
	}))

	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		all, err := tx.Routers()
		require.NoError(t, err)
		if diff := cmp.Diff([]model.Router{edge, core}, all); diff != "" {
			t.Errorf("routers mismatch (-want +got):\n%s", diff)
		}
		got, err := tx.Router("10.0.0.2")
		require.NoError(t, err)
		assert.Equal(t, edge, got)
		_, err = tx.Router("10.9.9.9")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error { return tx.DeleteRouter("10.0.0.2") }))
	err := st.Update(ctx, func(tx store.Tx) error { return tx.DeleteRouter("10.0.0.2") })
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDuplicateRouter(t *testing.T, st store.Store) {
	ctx := context.Background()
	r := model.Router{PublicIP: "10.0.0.1", Hostname: "a"}
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error { return tx.InsertRouter(r) }))
	err := st.Update(ctx, func(tx store.Tx) error { return tx.InsertRouter(r) })
	assert.ErrorIs(t, err, store.ErrConflict)
}

func testRenameRouter(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertRouter(model.Router{PublicIP: "10.0.0.1", Hostname: "a"}); err != nil {
			return err
		}
		return tx.InsertRouter(model.Router{PublicIP: "10.0.0.2", Hostname: "b"})
	}))

	err := st.Update(ctx, func(tx store.Tx) error {
		return tx.UpdateRouter("10.0.0.1", model.Router{PublicIP: "10.0.0.2", Hostname: "a"})
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		return tx.UpdateRouter("10.0.0.1", model.Router{PublicIP: "10.0.0.3", Hostname: "a2", Layer: 1})
	}))
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		_, err := tx.Router("10.0.0.1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		got, err := tx.Router("10.0.0.3")
		require.NoError(t, err)
		assert.Equal(t, "a2", got.Hostname)
		assert.Equal(t, 1, got.Layer)
		return nil
	}))
}

// Writing back identical fields is an update, not a miss.
func testUpdateUnchanged(t *testing.T, st store.Store) {
	ctx := context.Background()
	r := model.Router{PublicIP: "10.0.0.1", Hostname: "edge", CellID: 200, CoordX: ptr(1), CoordY: ptr(2)}
	var p model.Prefix
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertRouter(r); err != nil {
			return err
		}
		var err error
		p, err = tx.InsertPrefix(model.Prefix{URL: "/video", Balancing: 1})
		return err
	}))

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error { return tx.UpdateRouter(r.PublicIP, r) }))
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error { return tx.UpdatePrefix(p) }))

	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		got, err := tx.Router(r.PublicIP)
		require.NoError(t, err)
		assert.Equal(t, r, got)
		gotPrefix, err := tx.Prefix(p.ID)
		require.NoError(t, err)
		assert.Equal(t, p, gotPrefix)
		return nil
	}))

	err := st.Update(ctx, func(tx store.Tx) error { return tx.UpdateRouter("10.9.9.9", r) })
	assert.ErrorIs(t, err, store.ErrNotFound)
	err = st.Update(ctx, func(tx store.Tx) error { return tx.UpdatePrefix(model.Prefix{ID: p.ID + 100, URL: "/x"}) })
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDanglingRoute(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		return tx.InsertRouter(model.Router{PublicIP: "10.0.0.1", Hostname: "edge"})
	}))
	err := st.Update(ctx, func(tx store.Tx) error {
		_, err := tx.InsertRoute(model.Route{RouterIP: "10.0.0.1", PrefixID: 42, NextHop: "10.0.0.9"})
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func testPrefixCRUD(t *testing.T, st store.Store) {
	ctx := context.Background()
	var first, second model.Prefix
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		var err error
		if first, err = tx.InsertPrefix(model.Prefix{URL: "/video"}); err != nil {
			return err
		}
		second, err = tx.InsertPrefix(model.Prefix{URL: "/news", Balancing: 1})
		return err
	}))
	assert.NotZero(t, first.ID)
	assert.Greater(t, second.ID, first.ID)

	second.URL = "/sports"
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error { return tx.UpdatePrefix(second) }))
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		all, err := tx.Prefixes()
		require.NoError(t, err)
		assert.Equal(t, []model.Prefix{first, second}, all)
		return nil
	}))

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error { return tx.DeletePrefix(first.ID) }))
	err := st.View(ctx, func(tx store.Tx) error {
		_, err := tx.Prefix(first.ID)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRouteFilter(t *testing.T, st store.Store) {
	ctx := context.Background()
	var p model.Prefix
	var routes []model.Route
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		for _, r := range []model.Router{
			{PublicIP: "10.0.0.1", Hostname: "e1"},
			{PublicIP: "10.0.0.2", Hostname: "e2"},
			{PublicIP: "10.0.1.1", Hostname: "c1", Layer: 1},
		} {
			if err := tx.InsertRouter(r); err != nil {
				return err
			}
		}
		var err error
		if p, err = tx.InsertPrefix(model.Prefix{URL: "/video"}); err != nil {
			return err
		}
		for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
			rt, err := tx.InsertRoute(model.Route{RouterIP: ip, PrefixID: p.ID, NextHop: "10.0.1.1"})
			if err != nil {
				return err
			}
			routes = append(routes, rt)
		}
		return nil
	}))

	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		all, err := tx.Routes(store.RouteFilter{})
		require.NoError(t, err)
		assert.Equal(t, routes, all)

		byHop, err := tx.Routes(store.RouteFilter{NextHop: "10.0.1.1"})
		require.NoError(t, err)
		assert.Len(t, byHop, 2)

		own, err := tx.Routes(store.RouteFilter{RouterIP: "10.0.0.2", PrefixID: p.ID})
		require.NoError(t, err)
		assert.Equal(t, []model.Route{routes[1]}, own)

		none, err := tx.Routes(store.RouteFilter{RouterIP: "10.0.1.1"})
		require.NoError(t, err)
		assert.Empty(t, none)

		got, err := tx.Route(routes[0].ID)
		require.NoError(t, err)
		assert.Equal(t, routes[0], got)
		return nil
	}))

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error { return tx.DeleteRoute(routes[0].ID) }))
	err := st.View(ctx, func(tx store.Tx) error {
		_, err := tx.Route(routes[0].ID)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRollback(t *testing.T, st store.Store) {
	ctx := context.Background()
	err := st.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertRouter(model.Router{PublicIP: "10.0.0.1", Hostname: "a"}); err != nil {
			return err
		}
		return tx.InsertRouter(model.Router{PublicIP: "10.0.0.1", Hostname: "a"})
	})
	require.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		all, err := tx.Routers()
		require.NoError(t, err)
		assert.Empty(t, all)
		return nil
	}))
}
