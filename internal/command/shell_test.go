package command_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bisectbot/bisectbot/internal/command"
)

func TestExecute(t *testing.T) {
	t.Run("ZeroExitCode", func(t *testing.T) {
		ctx := context.Background()
		shell := command.NewShellExecutor()

		cmd := command.New("echo", "-n", "a")
		result, err := shell.Execute(ctx, cmd)
		require.NoError(t, err, "failed to run command")

		assert.Equal(t, []string{"echo", "-n", "a"}, result.Cmd)
		assert.Equal(t, []byte("a"), result.Output)
		assert.Equal(t, 0, result.ExitCode)
		assert.False(t, result.TimedOut)
	})

	t.Run("NonzeroExitCode", func(t *testing.T) {
		ctx := context.Background()
		shell := command.NewShellExecutor()

		cmd := command.New("grep", "-y")
		result, err := shell.Execute(ctx, cmd)
		require.NoError(t, err, "failed to run command")

		assert.Equal(t, 2, result.ExitCode)
		assert.Contains(t, string(result.Output), "grep", "stderr lands in the combined output")
	})

	t.Run("SpawnFailure", func(t *testing.T) {
		ctx := context.Background()
		shell := command.NewShellExecutor()

		cmd := command.New("/definitely/not/a/binary")
		_, err := shell.Execute(ctx, cmd)
		assert.Error(t, err)
	})

	t.Run("Timeout", func(t *testing.T) {
		shell := command.NewShellExecutor()

		cmd := command.New("sleep", "10")
		cmd.Timeout = 50 * time.Millisecond
		result, err := shell.Execute(context.Background(), cmd)
		require.NoError(t, err, "a timeout is a result, not an execution failure")

		assert.True(t, result.TimedOut)
		assert.Equal(t, -1, result.ExitCode)
	})

	t.Run("StreamReceivesOutput", func(t *testing.T) {
		ctx := context.Background()
		shell := command.NewShellExecutor()

		var stream bytes.Buffer
		cmd := command.New("echo", "-n", "streamed")
		cmd.Stream = &stream

		result, err := shell.Execute(ctx, cmd)
		require.NoError(t, err)

		assert.Equal(t, "streamed", stream.String())
		assert.Equal(t, []byte("streamed"), result.Output)
	})
}
