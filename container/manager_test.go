package container

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/shopkeep"
)

func TestUnavailableManager(t *testing.T) {
	m := &Manager{execTimeout: DefaultExecTimeout}
	ctx := context.Background()

	_, err := m.CreateNetwork(ctx, "n", nil)
	assert.ErrorIs(t, err, shopkeep.ErrExternal)

	_, err = m.RunContainer(ctx, ContainerSpec{Name: "c", Image: "busybox"})
	assert.ErrorIs(t, err, shopkeep.ErrExternal)

	_, err = m.Exec(ctx, "c", ExecSpec{Cmd: []string{"true"}})
	assert.ErrorIs(t, err, shopkeep.ErrExternal)

	assert.ErrorIs(t, m.RemoveContainer(ctx, "c"), shopkeep.ErrExternal)
	assert.ErrorIs(t, m.RemoveNetwork(ctx, "n"), shopkeep.ErrExternal)
	assert.ErrorIs(t, m.WriteFile(ctx, "c", "/tmp/x", []byte("x"), 0o644), shopkeep.ErrExternal)
	assert.False(t, m.IsAvailable())
	assert.NoError(t, m.Close())
}

func TestWithExecTimeout(t *testing.T) {
	m := &Manager{execTimeout: DefaultExecTimeout}
	WithExecTimeout(30 * time.Second)(m)
	assert.Equal(t, 30*time.Second, m.execTimeout)

	WithExecTimeout(0)(m)
	assert.Equal(t, 30*time.Second, m.execTimeout, "zero keeps the previous timeout")
}

func TestExecResult(t *testing.T) {
	tests := []struct {
		name    string
		res     ExecResult
		ok      bool
		wantErr string
	}{
		{"success", ExecResult{ExitCode: 0, Stdout: "fine"}, true, ""},
		{"exit code uses stderr", ExecResult{ExitCode: 2, Stderr: "boom\n"}, false, "exit code 2: boom"},
		{"exit code falls back to stdout", ExecResult{ExitCode: 1, Stdout: "Error: nope"}, false, "exit code 1: Error: nope"},
		{"timeout", ExecResult{TimedOut: true, Duration: 1500 * time.Millisecond}, false, "timed out after 1.5s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.res.OK())
			err := tt.res.Err()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestExecResultTruncatesLongOutput(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	res := ExecResult{ExitCode: 1, Stderr: string(long)}
	assert.Len(t, res.Err().Error(), len("exit code 1: ")+512)
}

func TestSplitProto(t *testing.T) {
	proto, port := splitProto("80/tcp")
	assert.Equal(t, "tcp", proto)
	assert.Equal(t, "80", port)

	proto, port = splitProto("8080")
	assert.Equal(t, "tcp", proto)
	assert.Equal(t, "8080", port)

	proto, port = splitProto("53/udp")
	assert.Equal(t, "udp", proto)
	assert.Equal(t, "53", port)
}

func TestWithManagedLabel(t *testing.T) {
	in := map[string]string{LabelSite: "demo1"}
	out := withManagedLabel(in)

	assert.Equal(t, "demo1", out[LabelSite])
	assert.Equal(t, ManagedBy, out[LabelManagedBy])
	_, mutated := in[LabelManagedBy]
	assert.False(t, mutated, "input map must not be modified")
	assert.Equal(t, ManagedBy, withManagedLabel(nil)[LabelManagedBy])
}

func TestExternalWrapsKind(t *testing.T) {
	err := external("exec", errors.New("daemon gone"))
	assert.ErrorIs(t, err, shopkeep.ErrExternal)
	assert.Equal(t, "exec: daemon gone", err.Error())
}
