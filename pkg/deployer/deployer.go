// Package deployer submits infrastructure templates and reports on the
// resulting stacks.
package deployer

import (
	"context"
	"errors"
	"strings"
)

// Stack states reported by the orchestration service.
const (
	StateCreateInProgress = "CREATE_IN_PROGRESS"
	StateCreateComplete   = "CREATE_COMPLETE"
	StateCreateFailed     = "CREATE_FAILED"
	StateUpdateInProgress = "UPDATE_IN_PROGRESS"
	StateUpdateComplete   = "UPDATE_COMPLETE"
	StateUpdateFailed     = "UPDATE_FAILED"
)

// ErrStackNotFound is returned for an unknown stack id.
var ErrStackNotFound = errors.New("stack not found")

// Output is one stack output.
type Output struct {
	Key   string `json:"output_key"`
	Value string `json:"output_value"`
}

type Details struct {
	State   string   `json:"state"`
	Outputs []Output `json:"outputs"`
}

// Complete reports whether the last create or update finished.
func (d Details) Complete() bool {
	return d.State == StateCreateComplete || d.State == StateUpdateComplete
}

func (d Details) Failed() bool {
	return strings.HasSuffix(d.State, "_FAILED")
}

// Deployer manages stacks built from templates.
type Deployer interface {
	Deploy(ctx context.Context, template []byte, name string) (stackID string, err error)
	Update(ctx context.Context, stackID string, template []byte) error
	Details(ctx context.Context, stackID string) (Details, error)
	Dispose(ctx context.Context, stackID string) error
}
