package consul

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockerDefaults(t *testing.T) {
	l, err := NewLocker(Config{Address: "127.0.0.1:8500", Prefix: "x/locks"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "x/locks/default", l.Key("default"))
	assert.Equal(t, 15*time.Second, l.ttl)
}

func TestLockerUnreachable(t *testing.T) {
	l, err := NewLocker(Config{Address: "127.0.0.1:1"}, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = l.Lock(ctx, "default")
	assert.Error(t, err)
}

func TestWatchLostCancelsHeld(t *testing.T) {
	held, cancel := context.WithCancelCause(context.Background())
	lost := make(chan struct{})
	reported := make(chan struct{})
	go watchLost(held, cancel, lost, func() { close(reported) })

	close(lost)
	<-reported
	<-held.Done()
	assert.ErrorIs(t, context.Cause(held), ErrLockLost)
}

func TestWatchLostStopsOnUnlock(t *testing.T) {
	held, cancel := context.WithCancelCause(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchLost(held, cancel, make(chan struct{}), func() { t.Error("lock reported lost after unlock") })
	}()

	cancel(nil)
	<-done
	assert.ErrorIs(t, context.Cause(held), context.Canceled)
}

// Needs a reachable agent named by ICNAAS_TEST_CONSUL_ADDR.
func TestLockerMutualExclusion(t *testing.T) {
	addr := os.Getenv("ICNAAS_TEST_CONSUL_ADDR")
	if addr == "" {
		t.Skip("ICNAAS_TEST_CONSUL_ADDR not set")
	}
	l, err := NewLocker(Config{Address: addr, Prefix: "icnaas-test/locks/"}, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			held, unlock, err := l.Lock(ctx, "mutex")
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, held.Err())
			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			holders--
			mu.Unlock()
			unlock()
			assert.Error(t, held.Err())
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}
