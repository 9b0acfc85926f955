package device

import (
	"context"
	"fmt"
)

// Channel applies forwarding-table changes to routers synchronously.
type Channel struct {
	exec Executor
	cmds CommandSet
}

func NewChannel(exec Executor, cmds CommandSet) *Channel {
	return &Channel{exec: exec, cmds: cmds}
}

// PushAdd installs a forwarding entry on host.
func (c *Channel) PushAdd(ctx context.Context, host, prefix, nextHop string, balancing int) error {
	return c.Apply(ctx, AddOp(host, prefix, nextHop, balancing))
}

// PushDelete removes a forwarding entry from host.
func (c *Channel) PushDelete(ctx context.Context, host, prefix, nextHop string) error {
	return c.Apply(ctx, DeleteOp(host, prefix, nextHop))
}

// Apply runs every command of op; the first failure stops the sequence.
func (c *Channel) Apply(ctx context.Context, op Op) error {
	for _, cmd := range c.cmds.Render(op) {
		if err := c.exec.Exec(ctx, op.Host, cmd); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}
