package cmds

import (
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bisectbot/bisectbot/internal/client"
	"github.com/bisectbot/bisectbot/internal/command"
	"github.com/bisectbot/bisectbot/internal/config"
	"github.com/bisectbot/bisectbot/internal/logger"
	"github.com/bisectbot/bisectbot/internal/poll"
	"github.com/bisectbot/bisectbot/internal/types"
	"github.com/bisectbot/bisectbot/internal/worker"
)

var runOnce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the broker for claimable jobs and run them through the runner",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, span := tracer.Start(cmd.Context(), "runCmd")
		defer span.End()

		cfg, err := config.GetConfig()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to load config")
			return err
		}
		if cfg.Worker == nil {
			err := errors.New("config has no worker section")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if cfg.Logging != nil {
			logger.LogLevel.Set(slog.Level(cfg.Logging.App.Level))
		}

		span.SetAttributes(
			attribute.String("runner.id", cfg.Worker.RunnerID),
			attribute.String("runner.platform", cfg.Worker.Platform),
			attribute.Bool("once", runOnce),
		)

		broker := client.New(cfg.Worker.BrokerURL, cfg.Worker.AuthToken)
		w := worker.New(worker.Config{
			RunnerID:         cfg.Worker.RunnerID,
			Platform:         types.Platform(cfg.Worker.Platform),
			ExecPath:         cfg.Worker.ExecPath,
			JobTimeout:       time.Duration(cfg.Worker.JobTimeoutSecs) * time.Second,
			LogFlushInterval: time.Duration(cfg.Worker.LogFlushMS) * time.Millisecond,
		}, broker, command.NewShellExecutor())

		if runOnce {
			if err := w.Poll(ctx); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "poll failed")
				return err
			}
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "polled once")
			return nil
		}

		loop := poll.New(time.Duration(cfg.Worker.PollIntervalMS)*time.Millisecond, w.Poll)
		if err := loop.Start(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to start poll loop")
			return err
		}

		logger.Logger.InfoContext(ctx, "worker polling",
			"broker", cfg.Worker.BrokerURL,
			"runner", cfg.Worker.RunnerID,
			"platform", cfg.Worker.Platform,
			"intervalMS", cfg.Worker.PollIntervalMS)

		<-ctx.Done()
		logger.Logger.Info("Got shutdown signal!")
		// Let an in-flight job report its result before exiting.
		loop.Stop()

		span.RecordError(nil)
		span.SetStatus(codes.Ok, "worker stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runOnce, "once", false, "perform a single poll and exit")
}
