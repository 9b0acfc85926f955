// Package orchestrator runs the lifecycle of an ICNaaS service instance and
// the decision loop that scales it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"icnaas/pkg/deployer"
	"icnaas/pkg/model"
	"icnaas/pkg/store"
)

var (
	ErrNotDeployed         = errors.New("service instance not deployed")
	ErrAlreadyDeployed     = errors.New("service instance already deployed")
	ErrDeploymentFailed    = errors.New("deployment failed")
	ErrDeploymentTimeout   = errors.New("deployment did not settle in time")
	errUnknownRouterOutput = errors.New("output for unknown router")
)

// Attribute keys understood by Provision and Update.
const (
	AttrMaaS   = "mcn.endpoint.maas"
	AttrMobaaS = "mcn.endpoint.mobaas"
)

// Registrar is the part of the topology manager the orchestrator drives.
type Registrar interface {
	CreateRouter(ctx context.Context, r model.Router) (model.Router, error)
	DeleteRouter(ctx context.Context, ip string) error
}

// RegistrarFunc returns the Registrar serving the manager at endpoint.
type RegistrarFunc func(endpoint string) Registrar

type Config struct {
	Layers          int
	RoutersPerLayer int
	FirstCellID     int
	// PollInterval spaces deployment status polls.
	PollInterval time.Duration
	// DeployTimeout bounds every wait for a deployment to settle; 0 waits forever.
	DeployTimeout time.Duration
	ManagerPort   int

	Image   string
	Flavor  string
	Network string
	KeyName string
}

func DefaultConfig() Config {
	return Config{
		Layers:          2,
		RoutersPerLayer: 1,
		FirstCellID:     200,
		PollInterval:    10 * time.Second,
		DeployTimeout:   30 * time.Minute,
		ManagerPort:     5000,
		Image:           "ccnx-router",
		Flavor:          "m1.small",
		Network:         "private",
	}
}

// Status is the report of State.
type Status struct {
	State    string            `json:"state"`
	StackID  string            `json:"stack_id"`
	Outputs  []deployer.Output `json:"outputs,omitempty"`
	Endpoint string            `json:"endpoint,omitempty"`
	Routers  []Node            `json:"routers"`
	Ready    bool              `json:"ready"`
}

// Execution owns the topology model of one service instance and walks it
// through design, deploy, provision, update and dispose. mu guards the model
// and the status fields; ops serializes lifecycle operations. Deployment
// waits hold ops but never mu.
type Execution struct {
	cfg        Config
	dep        deployer.Deployer
	registrars RegistrarFunc
	gate       *Gate
	log        zerolog.Logger
	rnd        *rand.Rand

	ops sync.Mutex

	mu       sync.Mutex
	model    *Model
	stackID  string
	endpoint string
	maas     string
	mobaas   string
	updated  bool
}

type ExecOption func(*Execution)

// WithRegistrar makes State register newly addressed routers with the
// topology manager returned by f.
func WithRegistrar(f RegistrarFunc) ExecOption { return func(e *Execution) { e.registrars = f } }

func WithExecLogger(l zerolog.Logger) ExecOption { return func(e *Execution) { e.log = l } }

func NewExecution(cfg Config, dep deployer.Deployer, opts ...ExecOption) *Execution {
	e := &Execution{
		cfg:  cfg,
		dep:  dep,
		gate: NewGate(),
		log:  zerolog.Nop(),
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With().Str("component", "execution").Logger()
	e.model = e.skeleton()
	return e
}

func (e *Execution) skeleton() *Model {
	return NewModel(e.cfg.Layers, e.cfg.RoutersPerLayer, e.cfg.FirstCellID)
}

// Gate is signalled once the instance is provisioned.
func (e *Execution) Gate() *Gate { return e.gate }

func (e *Execution) StackID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stackID
}

// Endpoint is the topology manager address reported by the last State.
func (e *Execution) Endpoint() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endpoint
}

func (e *Execution) MaaSEndpoint() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maas
}

func (e *Execution) Nodes() []Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.Nodes()
}

// Counters returns the hysteresis counters of every layer.
func (e *Execution) Counters() map[int]Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := map[int]Counters{}
	for _, l := range e.model.Layers() {
		out[l] = e.model.Counters(l)
	}
	return out
}

// Updated reports whether a new template was submitted since the decision
// loop last observed a settled deployment.
func (e *Execution) Updated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updated
}

func (e *Execution) clearUpdated() {
	e.mu.Lock()
	e.updated = false
	e.mu.Unlock()
}

// Design resets the model to the initial skeleton.
func (e *Execution) Design() error {
	e.ops.Lock()
	defer e.ops.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stackID != "" {
		return ErrAlreadyDeployed
	}
	e.model = e.skeleton()
	e.log.Info().Int("layers", e.cfg.Layers).Int("per_layer", e.cfg.RoutersPerLayer).Msg("topology designed")
	return nil
}

// Deploy renders the model and submits it. It is a no-op when a stack exists.
func (e *Execution) Deploy(ctx context.Context, attrs map[string]string) error {
	e.ops.Lock()
	defer e.ops.Unlock()

	e.mu.Lock()
	if e.stackID != "" {
		e.mu.Unlock()
		return nil
	}
	e.absorb(attrs)
	tpl, err := e.render(false)
	name := fmt.Sprintf("icnaas_%d", 1000+e.rnd.Intn(9000))
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("deploy: %w", err)
	}

	id, err := e.dep.Deploy(ctx, tpl, name)
	if err != nil {
		return fmt.Errorf("deploy: %w", err)
	}
	e.mu.Lock()
	e.stackID = id
	e.mu.Unlock()
	e.log.Info().Str("stack", id).Str("name", name).Msg("service instance deployed")
	return nil
}

// Provision waits for the deployment, resubmits it with provisioning enabled,
// marks every router provisioned and opens the gate.
func (e *Execution) Provision(ctx context.Context, attrs map[string]string) error {
	e.ops.Lock()
	defer e.ops.Unlock()

	e.mu.Lock()
	e.absorb(attrs)
	e.mu.Unlock()
	if _, err := e.WaitStable(ctx); err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	if err := e.update(ctx, nil, true); err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	e.mu.Lock()
	e.model.markProvisioned()
	e.mu.Unlock()
	e.gate.Signal()
	e.log.Info().Msg("service instance provisioned")
	return nil
}

// Update re-renders the model and resubmits it.
func (e *Execution) Update(ctx context.Context, attrs map[string]string) error {
	e.ops.Lock()
	defer e.ops.Unlock()
	if err := e.update(ctx, attrs, false); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	return nil
}

func (e *Execution) update(ctx context.Context, attrs map[string]string, provisioning bool) error {
	e.mu.Lock()
	e.absorb(attrs)
	tpl, err := e.render(provisioning)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := e.WaitStable(ctx); err != nil {
		if !errors.Is(err, ErrDeploymentFailed) {
			return err
		}
		e.log.Warn().Err(err).Msg("resubmitting over failed deployment")
	}
	id := e.StackID()
	if err := e.dep.Update(ctx, id, tpl); err != nil {
		return err
	}
	e.mu.Lock()
	e.updated = true
	e.mu.Unlock()
	e.log.Info().Str("stack", id).Bool("provisioning", provisioning).Msg("service instance updated")
	return nil
}

// Dispose tears the stack down and resets the instance to its skeleton.
func (e *Execution) Dispose(ctx context.Context) error {
	e.ops.Lock()
	defer e.ops.Unlock()

	id := e.StackID()
	if id != "" {
		if err := e.dep.Dispose(ctx, id); err != nil && !errors.Is(err, deployer.ErrStackNotFound) {
			return fmt.Errorf("dispose: %w", err)
		}
	}
	e.gate.Reset()
	e.mu.Lock()
	e.model = e.skeleton()
	e.stackID = ""
	e.endpoint = ""
	e.maas = ""
	e.updated = false
	e.mu.Unlock()
	e.log.Info().Str("stack", id).Msg("service instance disposed")
	return nil
}

// State refreshes router addresses and the manager endpoint from the stack
// outputs, registers newly addressed routers and reports the deployment.
func (e *Execution) State(ctx context.Context) (Status, error) {
	id := e.StackID()
	if id == "" {
		return Status{State: "Unknown", StackID: "N/A", Routers: e.Nodes()}, nil
	}
	d, err := e.dep.Details(ctx, id)
	if err != nil {
		return Status{}, fmt.Errorf("state: %w", err)
	}

	e.mu.Lock()
	outputs := make([]deployer.Output, 0, len(d.Outputs))
	for _, o := range d.Outputs {
		if err := e.applyOutput(&o); err != nil {
			e.log.Debug().Err(err).Str("output", o.Key).Msg("output ignored")
		}
		outputs = append(outputs, o)
	}
	e.mu.Unlock()

	e.register(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:    d.State,
		StackID:  id,
		Outputs:  outputs,
		Endpoint: e.endpoint,
		Routers:  e.model.Nodes(),
		Ready:    e.gate.Ready(),
	}, nil
}

// WaitStable polls the deployment until it is CREATE_COMPLETE or
// UPDATE_COMPLETE.
func (e *Execution) WaitStable(ctx context.Context) (deployer.Details, error) {
	var deadline time.Time
	if e.cfg.DeployTimeout > 0 {
		deadline = time.Now().Add(e.cfg.DeployTimeout)
	}
	for {
		id := e.StackID()
		if id == "" {
			return deployer.Details{}, ErrNotDeployed
		}
		d, err := e.dep.Details(ctx, id)
		if err != nil {
			return d, fmt.Errorf("stack %s: %w", id, err)
		}
		switch {
		case d.Complete():
			return d, nil
		case d.Failed():
			return d, fmt.Errorf("stack %s is %s: %w", id, d.State, ErrDeploymentFailed)
		case !deadline.IsZero() && time.Now().After(deadline):
			return d, fmt.Errorf("stack %s still %s: %w", id, d.State, ErrDeploymentTimeout)
		}
		if err := sleep(ctx, e.cfg.PollInterval); err != nil {
			return d, err
		}
	}
}

// absorb records endpoint attributes. Callers hold mu.
func (e *Execution) absorb(attrs map[string]string) {
	if v, ok := attrs[AttrMaaS]; ok {
		e.maas = v
	}
	if v, ok := attrs[AttrMobaaS]; ok {
		e.mobaas = hostOnly(v)
	}
}

// render builds the template for the current model. Callers hold mu.
func (e *Execution) render(provisioning bool) ([]byte, error) {
	return deployer.Render(deployer.Params{
		Routers:        e.model.Specs(),
		Image:          e.cfg.Image,
		Flavor:         e.cfg.Flavor,
		Network:        e.cfg.Network,
		KeyName:        e.cfg.KeyName,
		MaaSEndpoint:   e.maas,
		MobaaSEndpoint: e.mobaas,
		Provisioning:   provisioning,
	})
}

// applyOutput folds one stack output into the model. Callers hold mu.
func (e *Execution) applyOutput(o *deployer.Output) error {
	if key, ok := deployer.RouterKeyFromOutput(o.Key); ok {
		if !e.model.SetAddress(key, o.Value) {
			return fmt.Errorf("router %d: %w", key, errUnknownRouterOutput)
		}
		return nil
	}
	if o.Key == deployer.OutputManagerEndpoint {
		e.endpoint = fmt.Sprintf("http://%s:%d", o.Value, e.cfg.ManagerPort)
		o.Value = e.endpoint
	}
	return nil
}

func (e *Execution) registrar() Registrar {
	if e.registrars == nil {
		return nil
	}
	ep := e.Endpoint()
	if ep == "" {
		return nil
	}
	return e.registrars(ep)
}

// register creates every addressed but unregistered router in the topology
// manager. An existing router counts as registered.
func (e *Execution) register(ctx context.Context) {
	reg := e.registrar()
	if reg == nil {
		return
	}
	var pending []Node
	for _, n := range e.Nodes() {
		if n.Assigned() && !n.Registered {
			pending = append(pending, n)
		}
	}
	for _, n := range pending {
		_, err := reg.CreateRouter(ctx, n.Router())
		if err != nil && !errors.Is(err, store.ErrConflict) {
			e.log.Warn().Err(err).Str("router", n.PublicIP).Msg("router registration failed")
			continue
		}
		e.mu.Lock()
		e.model.markRegistered(n.Key, n.PublicIP)
		e.mu.Unlock()
		e.log.Info().Str("router", n.PublicIP).Int("layer", n.Layer).Msg("router registered")
	}
}

// deregister removes n from the topology manager. Routers that never got an
// address are skipped.
func (e *Execution) deregister(ctx context.Context, n Node) {
	if !n.Assigned() {
		return
	}
	reg := e.registrar()
	if reg == nil {
		return
	}
	if err := reg.DeleteRouter(ctx, n.PublicIP); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.log.Warn().Err(err).Str("router", n.PublicIP).Msg("router removal failed")
		return
	}
	e.log.Info().Str("router", n.PublicIP).Int("layer", n.Layer).Msg("router removed")
}

// hostOnly reduces a URL to its host; other values pass through.
func hostOnly(v string) string {
	if !strings.HasPrefix(v, "http") {
		return v
	}
	u, err := url.Parse(v)
	if err != nil || u.Hostname() == "" {
		return v
	}
	return u.Hostname()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
