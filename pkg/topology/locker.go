package topology

import (
	"context"
	"sync"
)

// Locker serializes mutations of one named topology.
//
// Lock returns a context that stays live while the lock is held. A Locker
// that can lose the lock underneath its holder, such as a session lock whose
// session expires, cancels that context with the reason so the in-flight
// mutation aborts instead of committing unguarded.
type Locker interface {
	Lock(ctx context.Context, key string) (held context.Context, unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Different keys never contend, and a
// key's slot is dropped once nobody holds or waits for it.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*keySlot
}

type keySlot struct {
	ch   chan struct{}
	refs int // holders and waiters
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*keySlot)}
}

func (k *KeyedMutex) acquire(key string) *keySlot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		s = &keySlot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	return s
}

func (k *KeyedMutex) release(key string, s *keySlot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// Lock never loses the lock, so the returned context is ctx itself.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	s := k.acquire(key)
	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return ctx, func() {
			once.Do(func() {
				<-s.ch
				k.release(key, s)
			})
		}, nil
	case <-ctx.Done():
		k.release(key, s)
		return nil, nil, ctx.Err()
	}
}
