// Package monitor reads router metrics from a monitoring backend.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Metric identifies one measurable router property.
type Metric int

const (
	CPUIdle Metric = iota
	CacheSize
	CCNDStatus
	CCNRStatus
	DaemonStatus
	Interests
	RepositorySize
	TotalTraffic
)

var catalogue = []struct {
	name, item string
}{
	CPUIdle:        {"cpu_idle", "system.cpu.util[,idle]"},
	CacheSize:      {"cache_size", "ccnx.cache"},
	CCNDStatus:     {"ccnd_status", "proc.num[ccnd]"},
	CCNRStatus:     {"ccnr_status", "proc.num[ccnr]"},
	DaemonStatus:   {"daemon_status", "net.udp.listen[9695]"},
	Interests:      {"interests", "ccnx.interests"},
	RepositorySize: {"repository_size", "ccnx.repository"},
	TotalTraffic:   {"total_traffic", "net.if.total[eth0]"},
}

// Metrics lists the whole catalogue.
func Metrics() []Metric {
	out := make([]Metric, len(catalogue))
	for i := range catalogue {
		out[i] = Metric(i)
	}
	return out
}

func (m Metric) valid() bool { return m >= 0 && int(m) < len(catalogue) }

// String is the field name used by the backends.
func (m Metric) String() string {
	if !m.valid() {
		return fmt.Sprintf("metric(%d)", int(m))
	}
	return catalogue[m].name
}

// Item is the agent item key the router images report the metric under.
func (m Metric) Item() string {
	if !m.valid() {
		return ""
	}
	return catalogue[m].item
}

// Sample holds the latest value per metric for one router.
type Sample map[Metric]float64

// ErrNoData means the backend has no values for the router.
var ErrNoData = errors.New("no data")

// Provider reads router metrics.
type Provider interface {
	// Sample returns the latest value of each metric the backend knows for
	// host; ErrNoData when it knows none.
	Sample(ctx context.Context, host string, metrics ...Metric) (Sample, error)
	Close() error
}

// Connector opens a Provider for a monitoring endpoint.
type Connector func(ctx context.Context, endpoint string) (Provider, error)

// Connect tries c up to attempts times, delay apart.
func Connect(ctx context.Context, c Connector, endpoint string, attempts int, delay time.Duration) (Provider, error) {
	if attempts <= 0 {
		attempts = 1
	}
	return backoff.Retry(ctx, func() (Provider, error) {
		return c(ctx, endpoint)
	}, backoff.WithBackOff(backoff.NewConstantBackOff(delay)), backoff.WithMaxTries(uint(attempts)))
}
