package device

import (
	"context"

	"github.com/rs/zerolog"
)

// Executor runs one shell command on a router.
type Executor interface {
	Exec(ctx context.Context, host, command string) error
}

// LogExecutor only logs commands. Used in dry-run deployments where no
// router is reachable.
type LogExecutor struct {
	Log zerolog.Logger
}

func (e LogExecutor) Exec(_ context.Context, host, command string) error {
	e.Log.Info().Str("host", host).Str("command", command).Msg("dry-run push")
	return nil
}
