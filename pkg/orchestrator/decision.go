package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"icnaas/pkg/metrics"
	"icnaas/pkg/monitor"
	"icnaas/pkg/rules"
)

// State is the phase the decision loop is in.
type State string

const (
	WaitingForReady        State = "waiting_for_ready"
	WaitingForStableDeploy State = "waiting_for_stable_deploy"
	Sampling               State = "sampling"
	ApplyingScale          State = "applying_scale"
)

var allStates = []string{
	string(WaitingForReady),
	string(WaitingForStableDeploy),
	string(Sampling),
	string(ApplyingScale),
}

// Safeguards is the number of consecutive cycles a directive must be
// observed before it acts.
type Safeguards struct {
	CPUIn  int
	CPUOut int
	IntIn  int
	IntOut int
}

func DefaultSafeguards() Safeguards {
	return Safeguards{CPUIn: 10, CPUOut: 10, IntIn: 5, IntOut: 5}
}

func (s Safeguards) of(k rules.Kind) int {
	switch k {
	case rules.ScaleInCPU:
		return s.CPUIn
	case rules.ScaleOutCPU:
		return s.CPUOut
	case rules.ScaleInInterests:
		return s.IntIn
	case rules.ScaleOutInterests:
		return s.IntOut
	}
	return 0
}

type DecisionConfig struct {
	Safeguards         Safeguards
	MinRoutersPerLayer int
	// PollInterval is the length of one sleep slice between evaluations.
	PollInterval time.Duration
	SleepSlices  int
	// ConnectAttempts bounds monitoring backend logins per settled deployment.
	ConnectAttempts int
	ConnectDelay    time.Duration
}

func DefaultDecisionConfig() DecisionConfig {
	return DecisionConfig{
		Safeguards:         DefaultSafeguards(),
		MinRoutersPerLayer: 1,
		PollInterval:       10 * time.Second,
		SleepSlices:        6,
		ConnectAttempts:    3,
		ConnectDelay:       time.Second,
	}
}

// Decision samples router metrics once the instance is provisioned and grows
// or shrinks its layers.
type Decision struct {
	exec    *Execution
	engine  *rules.Engine
	connect monitor.Connector
	cfg     DecisionConfig
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu       sync.Mutex
	state    State
	provider monitor.Provider
}

type DecisionOption func(*Decision)

func WithDecisionMetrics(m *metrics.Metrics) DecisionOption {
	return func(d *Decision) { d.metrics = m }
}

func WithDecisionLogger(l zerolog.Logger) DecisionOption {
	return func(d *Decision) { d.log = l }
}

func NewDecision(exec *Execution, engine *rules.Engine, connect monitor.Connector, cfg DecisionConfig, opts ...DecisionOption) *Decision {
	d := &Decision{
		exec:    exec,
		engine:  engine,
		connect: connect,
		cfg:     cfg,
		log:     zerolog.Nop(),
		state:   WaitingForReady,
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With().Str("component", "decision").Logger()
	return d
}

func (d *Decision) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Decision) setState(s State) {
	d.mu.Lock()
	changed := d.state != s
	d.state = s
	d.mu.Unlock()
	if changed {
		d.log.Debug().Str("state", string(s)).Msg("decision state")
	}
	d.metrics.SetDecisionState(string(s), allStates)
}

// Run drives the loop until ctx ends.
func (d *Decision) Run(ctx context.Context) error {
	defer d.disconnect()
	for {
		d.setState(WaitingForReady)
		if err := d.exec.Gate().Wait(ctx); err != nil {
			return nil
		}
		d.log.Info().Msg("starting runtime logic")
		for d.exec.StackID() != "" {
			if err := d.round(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, ErrNotDeployed) {
					break
				}
				d.log.Warn().Err(err).Msg("deployment not settled")
				if sleep(ctx, d.cfg.PollInterval) != nil {
					return nil
				}
			}
		}
		d.disconnect()
		// the gate stays open until Dispose resets it
		if d.exec.Gate().Ready() && sleep(ctx, d.cfg.PollInterval) != nil {
			return nil
		}
	}
}

// round waits for a settled deployment, refreshes the model, then evaluates
// until a new template is submitted.
func (d *Decision) round(ctx context.Context) error {
	d.setState(WaitingForStableDeploy)
	if _, err := d.exec.WaitStable(ctx); err != nil {
		return err
	}
	d.exec.clearUpdated()
	if _, err := d.exec.State(ctx); err != nil {
		d.log.Warn().Err(err).Msg("state refresh failed")
	}
	d.reconnect(ctx)

	for !d.exec.Updated() {
		if d.exec.StackID() == "" {
			return ErrNotDeployed
		}
		d.setState(Sampling)
		d.Cycle(ctx)
		for i := 0; i < d.cfg.SleepSlices && !d.exec.Updated(); i++ {
			if err := sleep(ctx, d.cfg.PollInterval); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Decision) reconnect(ctx context.Context) {
	d.disconnect()
	p, err := monitor.Connect(ctx, d.connect, d.exec.MaaSEndpoint(), d.cfg.ConnectAttempts, d.cfg.ConnectDelay)
	if err != nil {
		d.log.Warn().Err(err).Str("endpoint", d.exec.MaaSEndpoint()).Msg("monitoring unavailable, sampling skipped until next update")
		return
	}
	d.mu.Lock()
	d.provider = p
	d.mu.Unlock()
}

func (d *Decision) disconnect() {
	d.mu.Lock()
	p := d.provider
	d.provider = nil
	d.mu.Unlock()
	if p != nil {
		_ = p.Close()
	}
}

// Cycle samples every layer once and applies the resulting directives. It
// reports whether a scale action ran; the first one ends the cycle.
func (d *Decision) Cycle(ctx context.Context) bool {
	d.mu.Lock()
	p := d.provider
	d.mu.Unlock()
	if p == nil {
		return false
	}

	nodes := d.exec.Nodes()
	d.exec.mu.Lock()
	layers := d.exec.model.Layers()
	d.exec.mu.Unlock()

	for _, layer := range layers {
		avg, n := d.average(ctx, p, nodes, layer)
		if n == 0 {
			continue
		}
		d.metrics.SetLayerAverage(layer, monitor.CPUIdle.String(), avg.CPUIdle)
		d.metrics.SetLayerAverage(layer, monitor.Interests.String(), avg.Interests)
		if d.apply(ctx, layer, d.engine.Evaluate(avg)) {
			return true
		}
	}
	return false
}

// average returns the layer means over addressed routers that reported both
// metrics, and how many did.
func (d *Decision) average(ctx context.Context, p monitor.Provider, nodes []Node, layer int) (rules.Averages, int) {
	avg := rules.Averages{Layer: layer}
	n := 0
	for _, node := range nodes {
		if node.Layer != layer || !node.Assigned() {
			continue
		}
		s, err := p.Sample(ctx, node.PublicIP, monitor.CPUIdle, monitor.Interests)
		if err != nil {
			d.log.Debug().Err(err).Str("router", node.PublicIP).Msg("no sample")
			continue
		}
		cpu, okCPU := s[monitor.CPUIdle]
		interests, okInt := s[monitor.Interests]
		if !okCPU || !okInt {
			continue
		}
		avg.CPUIdle += cpu
		avg.Interests += interests
		n++
	}
	if n > 0 {
		avg.CPUIdle /= float64(n)
		avg.Interests /= float64(n)
	}
	return avg, n
}

// step advances the counters for one directive and reports whether it fires.
func step(c *Counters, k rules.Kind, safeguard int) bool {
	*c.of(k.Opposite()) = 0
	own := c.of(k)
	if *own >= safeguard-1 {
		*own = 0
		return true
	}
	*own++
	return false
}

// apply runs the hysteresis of layer over dirs and performs the first
// directive that fires.
func (d *Decision) apply(ctx context.Context, layer int, dirs []rules.Directive) bool {
	e := d.exec
	e.mu.Lock()
	c := e.model.counter(layer)
	if len(dirs) == 0 {
		c.reset()
		e.mu.Unlock()
		return false
	}

	var (
		fired   rules.Directive
		ok      bool
		removed Node
		added   Node
	)
	for _, dir := range dirs {
		if !step(c, dir.Kind, d.cfg.Safeguards.of(dir.Kind)) {
			continue
		}
		if dir.Kind.ScalesOut() {
			added = e.model.Add(layer)
			fired, ok = dir, true
			break
		}
		if e.model.Count(layer) <= d.cfg.MinRoutersPerLayer {
			d.log.Info().Int("layer", layer).Str("directive", dir.Kind.String()).Msg("scale in suppressed at layer minimum")
			continue
		}
		removed, _ = e.model.RemoveLast(layer)
		fired, ok = dir, true
		break
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	d.setState(ApplyingScale)
	d.metrics.RecordScale(fired.Kind.String(), layer)
	if fired.Kind.ScalesOut() {
		d.log.Info().Int("layer", layer).Int("key", added.Key).Int("cell_id", added.CellID).Str("directive", fired.Kind.String()).Msg("scaling out")
	} else {
		d.log.Info().Int("layer", layer).Int("key", removed.Key).Str("router", removed.PublicIP).Str("directive", fired.Kind.String()).Msg("scaling in")
		e.deregister(ctx, removed)
	}
	if err := e.Update(ctx, nil); err != nil {
		d.log.Error().Err(err).Msg("scale update failed")
		return true
	}
	if err := e.Provision(ctx, nil); err != nil {
		d.log.Error().Err(err).Msg("scale provision failed")
		return true
	}
	if _, err := e.State(ctx); err != nil {
		d.log.Warn().Err(err).Msg("state refresh failed")
	}
	return true
}
