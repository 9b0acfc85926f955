package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icnaas/pkg/model"
	"icnaas/pkg/store"
	"icnaas/pkg/store/storetest"
)

func openSQLite(t *testing.T) store.Store {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "routers.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLite(t *testing.T) {
	storetest.Run(t, openSQLite)
}

func TestSQLiteForeignKeys(t *testing.T) {
	st := openSQLite(t)
	ctx := context.Background()

	err := st.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertRouter(model.Router{PublicIP: "10.0.0.1", Hostname: "a"}); err != nil {
			return err
		}
		_, err := tx.InsertRoute(model.Route{RouterIP: "10.0.0.1", PrefixID: 42, NextHop: "10.0.0.9"})
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routers.db")
	ctx := context.Background()

	st, err := store.OpenSQLite(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		return tx.InsertRouter(model.Router{PublicIP: "10.0.0.1", Hostname: "a", CellID: 200})
	}))
	require.NoError(t, st.Close())

	st, err = store.OpenSQLite(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		r, err := tx.Router("10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, 200, r.CellID)
		return nil
	}))
}
