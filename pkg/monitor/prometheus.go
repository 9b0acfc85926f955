package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
)

// DefaultPromQueries maps metrics to PromQL; %s is replaced by an instance
// regexp matching the router on any port.
var DefaultPromQueries = map[Metric]string{
	CPUIdle:        `100 * avg(rate(node_cpu_seconds_total{mode="idle",instance=~"%s"}[1m]))`,
	CacheSize:      `ccnx_cache_entries{instance=~"%s"}`,
	CCNDStatus:     `ccnx_process_up{process="ccnd",instance=~"%s"}`,
	CCNRStatus:     `ccnx_process_up{process="ccnr",instance=~"%s"}`,
	DaemonStatus:   `ccnx_listen_up{port="9695",instance=~"%s"}`,
	Interests:      `sum(ccnx_interests{instance=~"%s"})`,
	RepositorySize: `ccnx_repository_bytes{instance=~"%s"}`,
	TotalTraffic:   `sum(rate(node_network_receive_bytes_total{device="eth0",instance=~"%[1]s"}[1m]) + rate(node_network_transmit_bytes_total{device="eth0",instance=~"%[1]s"}[1m]))`,
}

type Prometheus struct {
	api     promv1.API
	queries map[Metric]string
	log     zerolog.Logger
}

// PrometheusConnector returns a Connector for Prometheus servers. A bare
// host endpoint gets the default scheme and port.
func PrometheusConnector(queries map[Metric]string, log zerolog.Logger) Connector {
	if queries == nil {
		queries = DefaultPromQueries
	}
	return func(ctx context.Context, endpoint string) (Provider, error) {
		client, err := promapi.NewClient(promapi.Config{Address: endpointURL(endpoint, "9090")})
		if err != nil {
			return nil, fmt.Errorf("prometheus client: %w", err)
		}
		api := promv1.NewAPI(client)
		if _, err := api.Buildinfo(ctx); err != nil {
			return nil, fmt.Errorf("prometheus login %s: %w", endpoint, err)
		}
		return &Prometheus{api: api, queries: queries, log: log}, nil
	}
}

func endpointURL(endpoint, port string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		endpoint = net.JoinHostPort(endpoint, port)
	}
	return "http://" + endpoint
}

func instanceMatcher(host string) string {
	return regexp.QuoteMeta(host) + "(:[0-9]+)?"
}

func (p *Prometheus) Sample(ctx context.Context, host string, metrics ...Metric) (Sample, error) {
	out := make(Sample, len(metrics))
	for _, m := range metrics {
		tmpl, ok := p.queries[m]
		if !ok {
			continue
		}
		v, err := p.query(ctx, fmt.Sprintf(tmpl, instanceMatcher(host)))
		if errors.Is(err, ErrNoData) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sample %s %s: %w", host, m, err)
		}
		out[m] = v
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", host, ErrNoData)
	}
	return out, nil
}

func (p *Prometheus) query(ctx context.Context, q string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	val, warnings, err := p.api.Query(ctx, q, time.Now())
	if err != nil {
		return 0, err
	}
	for _, w := range warnings {
		p.log.Debug().Str("query", q).Str("warning", w).Msg("prometheus warning")
	}
	vec, ok := val.(model.Vector)
	if !ok || len(vec) == 0 {
		return 0, ErrNoData
	}
	return float64(vec[0].Value), nil
}

func (p *Prometheus) Close() error { return nil }
