package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

type InfluxConfig struct {
	Token       string
	Org         string
	Bucket      string
	Measurement string // defaults to "ccnx"
	HostTag     string // defaults to "host"
	Window      string // Flux duration, defaults to "5m"
}

// Influx reads metrics written as fields named after Metric.String().
type Influx struct {
	client influxdb2.Client
	query  api.QueryAPI
	cfg    InfluxConfig
}

func InfluxConnector(cfg InfluxConfig) Connector {
	if cfg.Measurement == "" {
		cfg.Measurement = "ccnx"
	}
	if cfg.HostTag == "" {
		cfg.HostTag = "host"
	}
	if cfg.Window == "" {
		cfg.Window = "5m"
	}
	return func(ctx context.Context, endpoint string) (Provider, error) {
		client := influxdb2.NewClient(endpointURL(endpoint, "8086"), cfg.Token)
		ok, err := client.Ping(ctx)
		if err != nil || !ok {
			client.Close()
			if err == nil {
				err = errors.New("not ready")
			}
			return nil, fmt.Errorf("influx ping %s: %w", endpoint, err)
		}
		return &Influx{client: client, query: client.QueryAPI(cfg.Org), cfg: cfg}, nil
	}
}

func fluxString(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

func (i *Influx) flux(host string, m Metric) string {
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: -%s)
  |> filter(fn: (r) => r._measurement == %s and r.%s == %s and r._field == %s)
  |> last()`, fluxString(i.cfg.Bucket), i.cfg.Window, fluxString(i.cfg.Measurement), i.cfg.HostTag, fluxString(host), fluxString(m.String()))
}

func (i *Influx) Sample(ctx context.Context, host string, metrics ...Metric) (Sample, error) {
	out := make(Sample, len(metrics))
	for _, m := range metrics {
		res, err := i.query.Query(ctx, i.flux(host, m))
		if err != nil {
			return nil, fmt.Errorf("sample %s %s: %w", host, m, err)
		}
		for res.Next() {
			if v, ok := toFloat(res.Record().Value()); ok {
				out[m] = v
			}
		}
		err = res.Err()
		_ = res.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s %s: %w", host, m, err)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", host, ErrNoData)
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func (i *Influx) Close() error {
	i.client.Close()
	return nil
}
