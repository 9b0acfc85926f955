package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrBusy is returned while another lifecycle operation is running.
var ErrBusy = errors.New("lifecycle operation in progress")

// Operation describes the last lifecycle operation started through the
// Orchestrator.
type Operation struct {
	Name     string    `json:"name"`
	Running  bool      `json:"running"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
}

// Report is the full view served by the lifecycle host.
type Report struct {
	Status
	Decision  State            `json:"decision"`
	Counters  map[int]Counters `json:"counters"`
	Operation *Operation       `json:"operation,omitempty"`
}

// Orchestrator hosts one service instance: lifecycle operations run in the
// background, one at a time, while the decision loop runs alongside.
type Orchestrator struct {
	exec *Execution
	dec  *Decision
	log  zerolog.Logger

	mu   sync.Mutex
	base context.Context
	last *Operation
	wg   sync.WaitGroup
}

func New(exec *Execution, dec *Decision, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		exec: exec,
		dec:  dec,
		log:  log.With().Str("component", "orchestrator").Logger(),
		base: context.Background(),
	}
}

func (o *Orchestrator) Execution() *Execution { return o.exec }

// Run runs the decision loop until ctx ends. Lifecycle operations started
// afterwards are bound to ctx. It waits for running operations before
// returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.base = ctx
	o.mu.Unlock()
	err := o.dec.Run(ctx)
	o.wg.Wait()
	return err
}

// Create designs, deploys and provisions the instance in the background.
func (o *Orchestrator) Create(attrs map[string]string) error {
	if o.exec.StackID() != "" {
		return ErrAlreadyDeployed
	}
	return o.start("create", func(ctx context.Context) error {
		if err := o.exec.Design(); err != nil {
			return err
		}
		if err := o.exec.Deploy(ctx, attrs); err != nil {
			return err
		}
		return o.exec.Provision(ctx, attrs)
	})
}

// Update resubmits the instance with attrs in the background.
func (o *Orchestrator) Update(attrs map[string]string) error {
	if o.exec.StackID() == "" {
		return ErrNotDeployed
	}
	return o.start("update", func(ctx context.Context) error {
		return o.exec.Update(ctx, attrs)
	})
}

// Dispose tears the instance down in the background.
func (o *Orchestrator) Dispose() error {
	if o.exec.StackID() == "" {
		return ErrNotDeployed
	}
	return o.start("dispose", o.exec.Dispose)
}

// Report refreshes and returns the instance state.
func (o *Orchestrator) Report(ctx context.Context) (Report, error) {
	st, err := o.exec.State(ctx)
	if err != nil {
		return Report{}, err
	}
	r := Report{Status: st, Decision: o.dec.State(), Counters: o.exec.Counters()}
	o.mu.Lock()
	if o.last != nil {
		op := *o.last
		r.Operation = &op
	}
	o.mu.Unlock()
	return r, nil
}

// Wait blocks until background operations have finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) start(name string, fn func(context.Context) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last != nil && o.last.Running {
		return ErrBusy
	}
	op := &Operation{Name: name, Running: true, Started: time.Now().UTC()}
	o.last = op
	ctx := o.base
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		err := fn(ctx)
		o.mu.Lock()
		op.Running = false
		op.Finished = time.Now().UTC()
		if err != nil {
			op.Error = err.Error()
		}
		o.mu.Unlock()
		if err != nil {
			o.log.Error().Err(err).Str("operation", name).Msg("lifecycle operation failed")
			return
		}
		o.log.Info().Str("operation", name).Msg("lifecycle operation finished")
	}()
	return nil
}
