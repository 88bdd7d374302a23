package cmds

import (
	"context"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/bisectbot/bisectbot/worker/cmds")

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Worker that claims verification jobs from the broker and runs them",
}

func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
