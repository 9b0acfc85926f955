// Package consul provides a topology Locker shared by manager replicas.
package consul

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"
)

// Locker serializes topology mutations across processes with Consul
// session locks, one KV key per topology.
type Locker struct {
	cli    *consulapi.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	log    zerolog.Logger
}

type Config struct {
	Address    string
	Token      string
	Prefix     string        // KV prefix, e.g. "icnaas/locks/"
	SessionTTL time.Duration // lock is lost this long after the holder dies
	WaitTime   time.Duration // how long a single acquire attempt blocks
}

func NewLocker(cfg Config, log zerolog.Logger) (*Locker, error) {
	ccfg := consulapi.DefaultConfig()
	if cfg.Address != "" {
		ccfg.Address = cfg.Address
	}
	if cfg.Token != "" {
		ccfg.Token = cfg.Token
	}
	cli, err := consulapi.NewClient(ccfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "icnaas/locks/"
	}
	if !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if cfg.SessionTTL < 10*time.Second {
		cfg.SessionTTL = 15 * time.Second
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 15 * time.Second
	}
	return &Locker{cli: cli, prefix: cfg.Prefix, ttl: cfg.SessionTTL, wait: cfg.WaitTime, log: log}, nil
}

// Key returns the KV key guarding topology name.
func (l *Locker) Key(name string) string {
	return l.prefix + name
}

// ErrLockLost is the cause attached to a held context whose session lock
// went away, e.g. after the session TTL lapsed during a partition.
var ErrLockLost = errors.New("consul lock lost")

// Lock blocks until the session lock on name is held. The returned context
// is cancelled with ErrLockLost if Consul drops the lock before unlock.
func (l *Locker) Lock(ctx context.Context, name string) (context.Context, func(), error) {
	lk, err := l.cli.LockOpts(&consulapi.LockOptions{
		Key:          l.Key(name),
		SessionName:  "icnaas-topology-" + name,
		SessionTTL:   l.ttl.String(),
		LockWaitTime: l.wait,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("consul lock %s: %w", name, err)
	}

	stop := make(chan struct{})
	acquired := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(stop)
		case <-acquired:
		}
	}()
	lost, err := lk.Lock(stop)
	close(acquired)
	if err != nil {
		return nil, nil, fmt.Errorf("consul lock %s: %w", name, err)
	}
	if lost == nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, errors.New("consul lock " + name + ": not acquired")
	}

	held, cancel := context.WithCancelCause(ctx)
	go watchLost(held, cancel, lost, func() {
		l.log.Warn().Str("topology", name).Msg("consul lock lost while held, aborting mutation")
	})
	return held, func() {
		cancel(nil)
		if err := lk.Unlock(); err != nil && !errors.Is(err, consulapi.ErrLockNotHeld) {
			l.log.Warn().Err(err).Str("topology", name).Msg("consul unlock failed")
		}
	}, nil
}

// watchLost cancels held with ErrLockLost when lost fires first.
func watchLost(held context.Context, cancel context.CancelCauseFunc, lost <-chan struct{}, onLost func()) {
	select {
	case <-lost:
		if held.Err() == nil {
			onLost()
			cancel(ErrLockLost)
		}
	case <-held.Done():
	}
}

// Ping checks that the agent answers.
func (l *Locker) Ping(ctx context.Context) error {
	_, err := l.cli.Agent().Self()
	return err
}
