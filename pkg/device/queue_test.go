package device

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApplier struct {
	mu       sync.Mutex
	applied  map[string][]Op
	failures map[string]int // host -> remaining failures
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{applied: map[string][]Op{}, failures: map[string]int{}}
}

func (f *fakeApplier) Apply(_ context.Context, op Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[op.Host] > 0 {
		f.failures[op.Host]--
		return errors.New("unreachable")
	}
	f.applied[op.Host] = append(f.applied[op.Host], op)
	return nil
}

func (f *fakeApplier) ops(host string) []Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Op(nil), f.applied[host]...)
}

func testQueueConfig() QueueConfig {
	return QueueConfig{Workers: 3, MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func runQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func drain(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
}

func TestQueuePerHostOrder(t *testing.T) {
	app := newFakeApplier()
	q := NewQueue(app, testQueueConfig())
	runQueue(t, q)

	var want []Op
	for i, p := range []string{"/a", "/b", "/c", "/d"} {
		op := AddOp("10.0.0.1", p, "10.0.1.1", 0)
		if i%2 == 1 {
			op = DeleteOp("10.0.0.1", p, "10.0.1.1")
		}
		want = append(want, op)
		q.Enqueue(op, AddOp("10.0.0.2", p, "10.0.1.1", 0))
	}
	drain(t, q)

	got := app.ops("10.0.0.1")
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Prefix, got[i].Prefix)
		assert.Equal(t, want[i].Verb, got[i].Verb)
		assert.NotEmpty(t, got[i].ID)
	}
	assert.Len(t, app.ops("10.0.0.2"), 4)
	assert.Zero(t, q.Pending())
}

func TestQueueRetriesThenJournals(t *testing.T) {
	app := newFakeApplier()
	app.failures["10.0.0.1"] = 2
	app.failures["10.0.0.9"] = 10

	j, err := OpenJournal(context.Background(), filepath.Join(t.TempDir(), "pushes.db"))
	require.NoError(t, err)
	defer j.Close()

	q := NewQueue(app, testQueueConfig(), WithJournal(j))
	runQueue(t, q)

	q.Enqueue(AddOp("10.0.0.1", "/a", "10.0.1.1", 0), AddOp("10.0.0.9", "/a", "10.0.1.1", 0))
	drain(t, q)

	assert.Len(t, app.ops("10.0.0.1"), 1)
	assert.Empty(t, app.ops("10.0.0.9"))

	recs, err := j.List(context.Background(), "10.0.0.9", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "failed", recs[0].Status)
	assert.Equal(t, 3, recs[0].Attempts)
	assert.Contains(t, recs[0].Error, "unreachable")

	recs, err = j.List(context.Background(), "10.0.0.1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "success", recs[0].Status)
	assert.Equal(t, 3, recs[0].Attempts)
}

func TestQueueDrainEmpty(t *testing.T) {
	q := NewQueue(newFakeApplier(), testQueueConfig())
	require.NoError(t, q.Drain(context.Background()))
}

func TestQueueDrainTimesOutWithoutWorkers(t *testing.T) {
	q := NewQueue(newFakeApplier(), testQueueConfig())
	q.Enqueue(AddOp("10.0.0.1", "/a", "10.0.1.1", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Drain(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, q.Pending())
}
