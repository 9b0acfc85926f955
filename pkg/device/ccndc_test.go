package device

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	cmds := DefaultCommands()
	bin := cmds.Binary

	tests := []struct {
		name string
		op   Op
		want []string
	}{
		{
			name: "add",
			op:   AddOp("10.0.0.1", "/video", "10.0.1.1", 0),
			want: []string{bin + " add /video tcp 10.0.1.1 9695"},
		},
		{
			name: "add with load sharing",
			op:   AddOp("10.0.0.1", "/video", "10.0.1.1", 1),
			want: []string{
				bin + " add /video tcp 10.0.1.1 9695",
				bin + " setstrategy /video loadsharing",
			},
		},
		{
			name: "delete ignores balancing",
			op:   Op{Verb: VerbDelete, Host: "10.0.0.1", Prefix: "/video", NextHop: "10.0.1.1", Balancing: 1},
			want: []string{bin + " del /video tcp 10.0.1.1 9695"},
		},
		{
			name: "unknown verb",
			op:   Op{Verb: "noop"},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cmds.Render(tt.op))
		})
	}
}

type recordingExec struct {
	hosts []string
	cmds  []string
	fail  map[string]error
}

func (r *recordingExec) Exec(_ context.Context, host, command string) error {
	r.hosts = append(r.hosts, host)
	r.cmds = append(r.cmds, command)
	return r.fail[command]
}

func TestChannel(t *testing.T) {
	exec := &recordingExec{}
	ch := NewChannel(exec, CommandSet{Binary: "ccndc", Transport: "tcp", Port: 9695})
	ctx := context.Background()

	require.NoError(t, ch.PushAdd(ctx, "10.0.0.1", "/a", "10.0.1.1", 1))
	require.NoError(t, ch.PushDelete(ctx, "10.0.0.2", "/a", "10.0.1.1"))

	assert.Equal(t, []string{"10.0.0.1", "10.0.0.1", "10.0.0.2"}, exec.hosts)
	assert.Equal(t, []string{
		"ccndc add /a tcp 10.0.1.1 9695",
		"ccndc setstrategy /a loadsharing",
		"ccndc del /a tcp 10.0.1.1 9695",
	}, exec.cmds)
}

func TestChannelStopsOnFailure(t *testing.T) {
	boom := errors.New("connection refused")
	exec := &recordingExec{fail: map[string]error{"ccndc add /a tcp 10.0.1.1 9695": boom}}
	ch := NewChannel(exec, CommandSet{Binary: "ccndc", Transport: "tcp", Port: 9695})

	err := ch.PushAdd(context.Background(), "10.0.0.1", "/a", "10.0.1.1", 1)
	require.ErrorIs(t, err, boom)
	assert.Len(t, exec.cmds, 1)
}

func TestNewSSHExecutorMissingKey(t *testing.T) {
	_, err := NewSSHExecutor(SSHConfig{User: "centos", KeyFile: "/nonexistent/id_rsa"})
	assert.Error(t, err)
}
