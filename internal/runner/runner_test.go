package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Echo(t *testing.T) {
	out, err := Exec{}.Run(context.Background(), "", "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out)
}

func TestRun_False(t *testing.T) {
	_, err := Exec{}.Run(context.Background(), "", "false")
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1, cerr.ExitCode)
}

func TestRun_CapturesStderr(t *testing.T) {
	_, err := Exec{}.Run(context.Background(), "", "sh", "-c", "echo out; echo oops >&2; exit 3")
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 3, cerr.ExitCode)
	assert.Equal(t, "out\n", cerr.Stdout)
	assert.Equal(t, "oops\n", cerr.Stderr)
	assert.Contains(t, cerr.Error(), "failed with code 3: oops")
}

func TestRun_NoShellInterpretation(t *testing.T) {
	out, err := Exec{}.Run(context.Background(), "", "echo", "$(whoami); rm -rf /")
	require.NoError(t, err)
	assert.Equal(t, "$(whoami); rm -rf /\n", out)
}

func TestRun_WorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), nil, 0o644))

	out, err := Exec{}.Run(context.Background(), dir, "ls")
	require.NoError(t, err)
	assert.Equal(t, "marker\n", out)
}

func TestRun_SpawnError(t *testing.T) {
	_, err := Exec{}.Run(context.Background(), "", "definitely-not-a-real-binary-4f1c")
	var serr *SpawnError
	require.ErrorAs(t, err, &serr)

	var cerr *CommandError
	assert.False(t, errors.As(err, &cerr))
}

func TestRun_EmptyArgv(t *testing.T) {
	_, err := Exec{}.Run(context.Background(), "")
	var serr *SpawnError
	require.ErrorAs(t, err, &serr)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Exec{}.Run(ctx, "", "sleep", "10")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, -1, cerr.ExitCode)
}
