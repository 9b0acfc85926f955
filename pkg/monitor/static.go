package monitor

import (
	"context"
	"fmt"
	"sync"
)

// Static serves samples set in memory. It backs development setups and tests.
type Static struct {
	mu      sync.RWMutex
	samples map[string]Sample
}

func NewStatic() *Static {
	return &Static{samples: make(map[string]Sample)}
}

// Set replaces the sample of host.
func (s *Static) Set(host string, sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(Sample, len(sample))
	for k, v := range sample {
		cp[k] = v
	}
	s.samples[host] = cp
}

func (s *Static) Forget(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.samples, host)
}

func (s *Static) Sample(_ context.Context, host string, metrics ...Metric) (Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all, ok := s.samples[host]
	if !ok {
		return nil, fmt.Errorf("%s: %w", host, ErrNoData)
	}
	out := make(Sample, len(metrics))
	for _, m := range metrics {
		if v, ok := all[m]; ok {
			out[m] = v
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", host, ErrNoData)
	}
	return out, nil
}

func (s *Static) Close() error { return nil }

// Connector returns s for every endpoint.
func (s *Static) Connector() Connector {
	return func(context.Context, string) (Provider, error) { return s, nil }
}
