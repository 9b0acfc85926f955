package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icnaas/pkg/model"
	"icnaas/pkg/store"
	"icnaas/pkg/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return store.NewMemory() })
}

func TestMemoryReferences(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertRouter(model.Router{PublicIP: "10.0.0.1", Hostname: "e"}); err != nil {
			return err
		}
		if err := tx.InsertRouter(model.Router{PublicIP: "10.0.1.1", Hostname: "c", Layer: 1}); err != nil {
			return err
		}
		p, err := tx.InsertPrefix(model.Prefix{URL: "/video"})
		if err != nil {
			return err
		}
		_, err = tx.InsertRoute(model.Route{RouterIP: "10.0.0.1", PrefixID: p.ID, NextHop: "10.0.1.1"})
		return err
	}))

	err := st.Update(ctx, func(tx store.Tx) error { return tx.DeleteRouter("10.0.1.1") })
	assert.ErrorIs(t, err, store.ErrConflict)
	err = st.Update(ctx, func(tx store.Tx) error { return tx.DeletePrefix(1) })
	assert.ErrorIs(t, err, store.ErrConflict)
	err = st.Update(ctx, func(tx store.Tx) error {
		return tx.UpdateRouter("10.0.0.1", model.Router{PublicIP: "10.0.0.9", Hostname: "e"})
	})
	assert.ErrorIs(t, err, store.ErrConflict)
	err = st.Update(ctx, func(tx store.Tx) error {
		_, err := tx.InsertRoute(model.Route{RouterIP: "10.0.0.1", PrefixID: 7, NextHop: "10.0.1.1"})
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		routes, err := tx.Routes(store.RouteFilter{})
		require.NoError(t, err)
		assert.Len(t, routes, 1)
		return nil
	}))
}
