package command

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/bisectbot/bisectbot/internal/command")

type Result struct {
	Cmd []string
	// Combined stdout and stderr in production order.
	Output   []byte
	ExitCode int
	TimedOut bool
}

type Command struct {
	Stdin   io.Reader
	Program string
	Args    []string
	// Stream, when set, receives the combined output as it is produced,
	// in addition to the buffered copy on Result.
	Stream io.Writer
	// Timeout bounds the whole invocation. Zero means no bound.
	Timeout time.Duration
}

func New(program string, args ...string) *Command {
	return &Command{
		Program: program,
		Args:    args,
	}
}

type Executor interface {
	Execute(ctx context.Context, cmd *Command) (*Result, error)
}
