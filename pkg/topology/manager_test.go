package topology

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icnaas/pkg/device"
	"icnaas/pkg/model"
	"icnaas/pkg/store"
)

type recordingPusher struct {
	mu  sync.Mutex
	ops []device.Op
}

func (p *recordingPusher) Enqueue(ops ...device.Op) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, ops...)
}

func (p *recordingPusher) take() []device.Op {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.ops
	p.ops = nil
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *recordingSink) Publish(ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

type env struct {
	mgr    *Manager
	pusher *recordingPusher
	sink   *recordingSink
	ctx    context.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "routers.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	e := &env{pusher: &recordingPusher{}, sink: &recordingSink{}, ctx: context.Background()}
	e.mgr = New("test", st, e.pusher, WithEvents(e.sink))
	return e
}

func (e *env) router(t *testing.T, ip string, layer int) {
	t.Helper()
	_, err := e.mgr.CreateRouter(e.ctx, model.Router{PublicIP: ip, Hostname: "h-" + ip, Layer: layer})
	require.NoError(t, err)
}

func (e *env) prefix(t *testing.T, url string, balancing int) model.Prefix {
	t.Helper()
	p, err := e.mgr.CreatePrefix(e.ctx, url, balancing)
	require.NoError(t, err)
	return p
}

// edge is a route reduced to what the algorithms decide.
type edge struct {
	From, To, Prefix string
	Balancing        int
}

func (e *env) edges(t *testing.T) []edge {
	t.Helper()
	routes, err := e.mgr.Routes(e.ctx)
	require.NoError(t, err)
	out := make([]edge, 0, len(routes))
	for _, r := range routes {
		out = append(out, edge{From: r.RouterIP, To: r.NextHop, Prefix: r.Prefix, Balancing: r.Balancing})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.Prefix < b.Prefix
	})
	return out
}

func (e *env) assertEdges(t *testing.T, want []edge) {
	t.Helper()
	if diff := cmp.Diff(want, e.edges(t)); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}
}

func (e *env) assertConsistent(t *testing.T) {
	t.Helper()
	snap, err := e.mgr.Snapshot(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Violations)
}

func TestFirstPrefixMeshesLayers(t *testing.T) {
	e := newEnv(t)
	e.router(t, "10.0.0.1", 0)
	e.router(t, "10.0.0.2", 1)
	assert.Empty(t, e.edges(t))
	assert.Empty(t, e.pusher.take())

	e.prefix(t, "/video", 0)
	e.assertEdges(t, []edge{{From: "10.0.0.1", To: "10.0.0.2", Prefix: "/video"}})
	assert.Equal(t, []device.Op{device.AddOp("10.0.0.1", "/video", "10.0.0.2", 0)}, e.pusher.take())
}

func TestFirstPrefixMeshesEveryConsecutivePair(t *testing.T) {
	e := newEnv(t)
	e.router(t, "a0", 0)
	e.router(t, "b0", 0)
	e.router(t, "c1", 1)
	e.router(t, "d100", 100)
	e.prefix(t, "/p", 0)

	e.assertEdges(t, []edge{
		{From: "a0", To: "c1", Prefix: "/p"},
		{From: "b0", To: "c1", Prefix: "/p"},
		{From: "c1", To: "d100", Prefix: "/p"},
	})
	e.assertConsistent(t)
}

func TestSiblingClonesRoutes(t *testing.T) {
	e := newEnv(t)
	e.router(t, "A", 1)
	e.router(t, "C", 2)
	e.prefix(t, "/p", 1)
	e.assertEdges(t, []edge{{From: "A", To: "C", Prefix: "/p"}})

	// a second next hop at layer 2 so A owns two routes
	e.router(t, "D", 2)
	e.pusher.take()

	e.router(t, "B", 1)
	e.assertEdges(t, []edge{
		{From: "A", To: "C", Prefix: "/p"},
		{From: "A", To: "D", Prefix: "/p"},
		{From: "B", To: "C", Prefix: "/p"},
		{From: "B", To: "D", Prefix: "/p"},
	})
	ops := e.pusher.take()
	for _, op := range ops {
		assert.Equal(t, "B", op.Host)
		assert.Equal(t, device.VerbAdd, op.Verb)
		assert.Equal(t, 1, op.Balancing, "strategy follows the prefix")
	}
	assert.Len(t, ops, 2)
	e.assertConsistent(t)
}

func TestNewTopLayerTakesOverFromLower(t *testing.T) {
	e := newEnv(t)
	e.router(t, "R0", 0)
	e.router(t, "R2", 2)
	e.prefix(t, "/p", 0)
	e.pusher.take()

	e.router(t, "R1", 1)
	e.assertEdges(t, []edge{
		{From: "R0", To: "R1", Prefix: "/p"},
		{From: "R1", To: "R2", Prefix: "/p"},
	})
	assert.Equal(t, []device.Op{
		device.AddOp("R1", "/p", "R2", 0),
		device.AddOp("R0", "/p", "R1", 0),
		device.DeleteOp("R0", "/p", "R2"),
	}, e.pusher.take())
	e.assertConsistent(t)
}

func TestTopRouterHasNoRoutes(t *testing.T) {
	e := newEnv(t)
	e.router(t, "R0", 0)
	e.prefix(t, "/p", 0)
	e.router(t, "R5", 5)

	e.assertEdges(t, []edge{{From: "R0", To: "R5", Prefix: "/p"}})
	e.assertConsistent(t)
}

func TestContentSourceNeverRoutes(t *testing.T) {
	e := newEnv(t)
	e.router(t, "S1", model.ContentSourceLayer)
	e.router(t, "R0", 0)
	e.prefix(t, "/p", 0)
	e.router(t, "S2", model.ContentSourceLayer)

	e.assertEdges(t, []edge{
		{From: "R0", To: "S1", Prefix: "/p"},
		{From: "R0", To: "S2", Prefix: "/p"},
	})
	e.assertConsistent(t)
}

func TestDeleteCollapsesEmptyLayer(t *testing.T) {
	e := newEnv(t)
	e.router(t, "R0", 0)
	e.router(t, "R1", 1)
	e.router(t, "R2", 2)
	e.prefix(t, "/p", 0)
	e.assertEdges(t, []edge{
		{From: "R0", To: "R1", Prefix: "/p"},
		{From: "R1", To: "R2", Prefix: "/p"},
	})
	e.pusher.take()

	require.NoError(t, e.mgr.DeleteRouter(e.ctx, "R1"))
	e.assertEdges(t, []edge{{From: "R0", To: "R2", Prefix: "/p"}})
	assert.Equal(t, []device.Op{
		device.AddOp("R0", "/p", "R2", 0),
		device.DeleteOp("R0", "/p", "R1"),
		device.DeleteOp("R1", "/p", "R2"),
	}, e.pusher.take())

	_, err := e.mgr.Router(e.ctx, "R1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	e.assertConsistent(t)
}

func TestDeleteWithSiblingKeepsLayer(t *testing.T) {
	e := newEnv(t)
	e.router(t, "R0", 0)
	e.router(t, "A1", 1)
	e.router(t, "B1", 1)
	e.router(t, "R2", 2)
	e.prefix(t, "/p", 0)

	require.NoError(t, e.mgr.DeleteRouter(e.ctx, "A1"))
	e.assertEdges(t, []edge{
		{From: "B1", To: "R2", Prefix: "/p"},
		{From: "R0", To: "B1", Prefix: "/p"},
	})
	e.assertConsistent(t)
}

func TestDeleteUnknownRouter(t *testing.T) {
	e := newEnv(t)
	assert.ErrorIs(t, e.mgr.DeleteRouter(e.ctx, "nope"), store.ErrNotFound)
	assert.Empty(t, e.pusher.take())
}

func TestPrefixClonesExistingNextHops(t *testing.T) {
	e := newEnv(t)
	e.router(t, "R0", 0)
	e.router(t, "A1", 1)
	e.router(t, "B1", 1)
	e.prefix(t, "/a", 0)
	e.pusher.take()

	e.prefix(t, "/b", 1)
	e.assertEdges(t, []edge{
		{From: "R0", To: "A1", Prefix: "/a"},
		{From: "R0", To: "A1", Prefix: "/b"},
		{From: "R0", To: "B1", Prefix: "/a"},
		{From: "R0", To: "B1", Prefix: "/b"},
	})
	ops := e.pusher.take()
	require.Len(t, ops, 2)
	for _, op := range ops {
		assert.Equal(t, "/b", op.Prefix)
		assert.Equal(t, 1, op.Balancing)
	}
}

func TestUpdatePrefixRepushesUnderNewURL(t *testing.T) {
	e := newEnv(t)
	e.router(t, "R0", 0)
	e.router(t, "R1", 1)
	p := e.prefix(t, "/old", 0)
	e.pusher.take()

	got, err := e.mgr.UpdatePrefix(e.ctx, p.ID, "/new", 1)
	require.NoError(t, err)
	assert.Equal(t, model.Prefix{ID: p.ID, URL: "/new", Balancing: 1}, got)

	e.assertEdges(t, []edge{{From: "R0", To: "R1", Prefix: "/new"}})
	assert.Equal(t, []device.Op{
		device.DeleteOp("R0", "/old", "R1"),
		device.AddOp("R0", "/new", "R1", 1),
	}, e.pusher.take())

	_, err = e.mgr.UpdatePrefix(e.ctx, 999, "/x", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeletePrefixUnpushes(t *testing.T) {
	e := newEnv(t)
	e.router(t, "R0", 0)
	e.router(t, "R1", 1)
	p := e.prefix(t, "/p", 0)
	e.pusher.take()

	require.NoError(t, e.mgr.DeletePrefix(e.ctx, p.ID))
	assert.Empty(t, e.edges(t))
	assert.Equal(t, []device.Op{device.DeleteOp("R0", "/p", "R1")}, e.pusher.take())
	assert.ErrorIs(t, e.mgr.DeletePrefix(e.ctx, p.ID), store.ErrNotFound)
}

func TestUpdateRouterRename(t *testing.T) {
	e := newEnv(t)
	e.router(t, "R0", 0)
	e.router(t, "R1", 1)
	e.router(t, "R2", 2)
	e.prefix(t, "/p", 0)

	newIP, layer, cell := "R1b", 1, 0
	got, err := e.mgr.UpdateRouter(e.ctx, "R1", RouterUpdate{PublicIP: &newIP, Layer: &layer, CellID: &cell})
	require.NoError(t, err)
	assert.Equal(t, "R1b", got.PublicIP)
	assert.Equal(t, "h-R1", got.Hostname)

	e.assertEdges(t, []edge{
		{From: "R0", To: "R1b", Prefix: "/p"},
		{From: "R1b", To: "R2", Prefix: "/p"},
	})
	e.assertConsistent(t)
}

func TestUpdateRouterMovesLayer(t *testing.T) {
	e := newEnv(t)
	e.router(t, "R0", 0)
	e.router(t, "R1", 1)
	e.router(t, "R2", 2)
	e.prefix(t, "/p", 0)

	layer, cell := 0, 201
	_, err := e.mgr.UpdateRouter(e.ctx, "R1", RouterUpdate{Layer: &layer, CellID: &cell})
	require.NoError(t, err)
	e.assertEdges(t, []edge{
		{From: "R0", To: "R2", Prefix: "/p"},
		{From: "R1", To: "R2", Prefix: "/p"},
	})
	e.assertConsistent(t)
}

func TestUpdateRouterValidation(t *testing.T) {
	e := newEnv(t)
	e.router(t, "R0", 0)
	e.router(t, "R1", 1)

	_, err := e.mgr.UpdateRouter(e.ctx, "R0", RouterUpdate{})
	assert.ErrorIs(t, err, ErrInvalid)

	layer, cell := 0, 0
	taken := "R1"
	_, err = e.mgr.UpdateRouter(e.ctx, "R0", RouterUpdate{PublicIP: &taken, Layer: &layer, CellID: &cell})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = e.mgr.UpdateRouter(e.ctx, "missing", RouterUpdate{Layer: &layer, CellID: &cell})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, e.pusher.take())
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	for name, r := range map[string]model.Router{
		"no ip":         {Hostname: "h"},
		"no hostname":   {PublicIP: "10.0.0.1"},
		"layer too big": {PublicIP: "10.0.0.1", Hostname: "h", Layer: 101},
		"negative cell": {PublicIP: "10.0.0.1", Hostname: "h", CellID: -1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := e.mgr.CreateRouter(e.ctx, r)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
	_, err := e.mgr.CreatePrefix(e.ctx, "", 0)
	assert.ErrorIs(t, err, ErrInvalid)

	e.router(t, "10.0.0.1", 0)
	_, err = e.mgr.CreateRouter(e.ctx, model.Router{PublicIP: "10.0.0.1", Hostname: "dup"})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestEventsFollowCommit(t *testing.T) {
	e := newEnv(t)
	e.router(t, "R0", 0)
	e.router(t, "R1", 1)
	e.prefix(t, "/p", 0)

	var types []model.EventType
	for _, ev := range e.sink.events {
		assert.Equal(t, "test", ev.Topology)
		assert.NotEmpty(t, ev.ID)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []model.EventType{
		model.EventRouterCreated,
		model.EventRouterCreated,
		model.EventPrefixCreated,
		model.EventRouteAdded,
	}, types)

	e.sink.events = nil
	_, err := e.mgr.CreateRouter(e.ctx, model.Router{PublicIP: "R0", Hostname: "dup"})
	require.Error(t, err)
	assert.Empty(t, e.sink.events)
}

func TestReadAccessors(t *testing.T) {
	e := newEnv(t)
	_, err := e.mgr.CreateRouter(e.ctx, model.Router{PublicIP: "c1", Hostname: "c1", CellID: 200})
	require.NoError(t, err)
	_, err = e.mgr.CreateRouter(e.ctx, model.Router{PublicIP: "c2", Hostname: "c2", CellID: 201})
	require.NoError(t, err)
	e.router(t, "s1", 1)
	e.router(t, "s2", 3)
	e.router(t, "src", 100)
	p := e.prefix(t, "/p", 0)

	ips := func(rs []model.Router, err error) []string {
		require.NoError(t, err)
		var out []string
		for _, r := range rs {
			out = append(out, r.PublicIP)
		}
		return out
	}
	assert.Equal(t, []string{"c1", "c2"}, ips(e.mgr.ClientEndpoints(e.ctx)))
	assert.Equal(t, []string{"s1", "s2"}, ips(e.mgr.ServerEndpoints(e.ctx)))
	assert.Equal(t, []string{"c2"}, ips(e.mgr.RoutersByCell(e.ctx, 201)))

	got, err := e.mgr.Prefix(e.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	routes, err := e.mgr.Routes(e.ctx)
	require.NoError(t, err)
	require.NotEmpty(t, routes)
	rt, err := e.mgr.Route(e.ctx, routes[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "/p", rt.Prefix)
	_, err = e.mgr.Route(e.ctx, 12345)
	assert.ErrorIs(t, err, store.ErrNotFound)

	snap, err := e.mgr.Snapshot(e.ctx)
	require.NoError(t, err)
	require.Len(t, snap.Layers, 4)
	assert.Equal(t, 100, snap.Layers[3].Layer)
	assert.Len(t, snap.Links, len(routes))
	assert.Empty(t, snap.Violations)
}

func TestRandomMutationsKeepRoutesConsistent(t *testing.T) {
	e := newEnv(t)
	rng := rand.New(rand.NewSource(7))
	layers := []int{0, 1, 2, 3, 100}
	var prefixes []int64

	for i := 0; i < 200; i++ {
		ip := string(rune('a' + rng.Intn(12)))
		layer := layers[rng.Intn(len(layers))]
		var err error
		switch rng.Intn(6) {
		case 0, 1:
			_, err = e.mgr.CreateRouter(e.ctx, model.Router{PublicIP: ip, Hostname: ip, Layer: layer})
		case 2:
			err = e.mgr.DeleteRouter(e.ctx, ip)
		case 3:
			cell := 0
			_, err = e.mgr.UpdateRouter(e.ctx, ip, RouterUpdate{Layer: &layer, CellID: &cell})
		case 4:
			var p model.Prefix
			p, err = e.mgr.CreatePrefix(e.ctx, "/p", rng.Intn(2))
			if err == nil {
				prefixes = append(prefixes, p.ID)
			}
		case 5:
			if len(prefixes) > 0 {
				k := rng.Intn(len(prefixes))
				err = e.mgr.DeletePrefix(e.ctx, prefixes[k])
				prefixes = append(prefixes[:k], prefixes[k+1:]...)
			}
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrConflict) {
			t.Fatalf("step %d: %v", i, err)
		}
		snap, err := e.mgr.Snapshot(e.ctx)
		require.NoError(t, err)
		require.Empty(t, snap.Violations, "step %d", i)
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	held, unlock, err := km.Lock(ctx, "a")
	require.NoError(t, err)
	assert.NoError(t, held.Err())

	_, other, err := km.Lock(ctx, "b")
	require.NoError(t, err)
	other()

	short, cancel := context.WithCancel(ctx)
	cancel()
	_, _, err = km.Lock(short, "a")
	assert.ErrorIs(t, err, context.Canceled)

	unlock()
	unlock()
	_, again, err := km.Lock(ctx, "a")
	require.NoError(t, err)
	again()
}

func TestKeyedMutexDropsIdleSlots(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, unlock, err := km.Lock(ctx, string(rune('a'+i%4)))
			if assert.NoError(t, err) {
				unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Empty(t, km.slots)

	_, unlock, err := km.Lock(ctx, "a")
	require.NoError(t, err)
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, _, err = km.Lock(short, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, km.slots, 1)
	unlock()
	assert.Empty(t, km.slots)
}

var errLockGone = errors.New("lock gone")

// lostLocker grants the lock with a context that has already been revoked.
type lostLocker struct{}

func (lostLocker) Lock(ctx context.Context, _ string) (context.Context, func(), error) {
	held, cancel := context.WithCancelCause(ctx)
	cancel(errLockGone)
	return held, func() {}, nil
}

func TestLostLockAbortsMutation(t *testing.T) {
	st := store.NewMemory()
	pusher := &recordingPusher{}
	sink := &recordingSink{}
	mgr := New("test", st, pusher, WithLocker(lostLocker{}), WithEvents(sink))

	_, err := mgr.CreateRouter(context.Background(), model.Router{PublicIP: "10.0.0.1", Hostname: "edge"})
	require.ErrorIs(t, err, errLockGone)
	assert.Empty(t, pusher.take())
	assert.Empty(t, sink.events)

	routers, err := New("test", st, pusher).Routers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, routers)
}

func TestConcurrentMutationsStayConsistent(t *testing.T) {
	e := newEnv(t)
	e.router(t, "base", 0)
	e.prefix(t, "/p", 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ip := string(rune('A' + i))
			_, err := e.mgr.CreateRouter(e.ctx, model.Router{PublicIP: ip, Hostname: ip, Layer: 1 + i%3})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	e.assertConsistent(t)
}
