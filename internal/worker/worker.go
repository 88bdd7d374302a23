// Package worker claims verification jobs from the broker, runs them through
// an external runner process, and reports the outcome back.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bisectbot/bisectbot/internal/client"
	"github.com/bisectbot/bisectbot/internal/command"
	"github.com/bisectbot/bisectbot/internal/logger"
	"github.com/bisectbot/bisectbot/internal/types"
)

var tracer = otel.Tracer("github.com/bisectbot/bisectbot/internal/worker")

// claimCandidates is how deep into the queue head a worker is willing to
// reach. Picking randomly among the oldest few keeps rough FIFO order while
// spreading simultaneous workers across different jobs, so they do not all
// fight over the single oldest one.
const claimCandidates = 3

// Broker is the slice of the broker API the worker uses. *client.Client
// satisfies it; tests substitute a fake.
type Broker interface {
	ListJobs(ctx context.Context, filters map[string]string) ([]types.Job, error)
	GetJob(ctx context.Context, id string) (*types.Job, string, error)
	PatchJob(ctx context.Context, id, etag string, ops []types.PatchOperation) (string, error)
	AppendLog(ctx context.Context, id, text string) error
}

type Config struct {
	// RunnerID identifies this worker in claim markers and results.
	RunnerID string
	// Platform this worker can verify on. Jobs pinned to other platforms
	// are never claimed; unpinned jobs always are.
	Platform types.Platform
	// ExecPath is the runner executable invoked per job.
	ExecPath string
	// JobTimeout bounds one runner invocation.
	JobTimeout time.Duration
	// LogFlushInterval is how often buffered runner output is shipped to
	// the broker's job log.
	LogFlushInterval time.Duration
}

type Worker struct {
	cfg    Config
	broker Broker
	exec   command.Executor
	now    func() time.Time
	pick   func(n int) int
}

type Option func(*Worker)

// WithClock substitutes the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithPicker substitutes the candidate picker, for tests.
func WithPicker(pick func(n int) int) Option {
	return func(w *Worker) { w.pick = pick }
}

func New(cfg Config, broker Broker, exec command.Executor, opts ...Option) *Worker {
	w := &Worker{
		cfg:    cfg,
		broker: broker,
		exec:   exec,
		now:    time.Now,
		pick:   rand.IntN,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Poll performs one claim attempt: list claimable jobs, pick one, claim it,
// run it, report the outcome. Losing a claim race to another worker is a
// normal outcome and returns nil.
func (w *Worker) Poll(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Worker.Poll")
	defer span.End()

	filters := map[string]string{
		"current":  "undefined",
		"last":     "undefined",
		"platform": string(w.cfg.Platform) + ",undefined",
	}
	jobs, err := w.broker.ListJobs(ctx, filters)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list claimable jobs")
		return fmt.Errorf("failed to list claimable jobs: %w", err)
	}
	if len(jobs) == 0 {
		span.AddEvent("no claimable jobs")
		span.SetStatus(codes.Ok, "nothing to do")
		return nil
	}

	candidate := jobs[w.pick(min(len(jobs), claimCandidates))]
	span.SetAttributes(attribute.String("job.id", candidate.ID))

	job, etag, err := w.broker.GetJob(ctx, candidate.ID)
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			span.AddEvent("job vanished before claim")
			span.SetStatus(codes.Ok, "nothing to do")
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch candidate job")
		return fmt.Errorf("failed to fetch candidate job: %w", err)
	}
	if job.Current != nil || job.Last != nil {
		span.AddEvent("job no longer claimable")
		span.SetStatus(codes.Ok, "nothing to do")
		return nil
	}

	etag, err = w.claim(ctx, job.ID, etag)
	if errors.Is(err, client.ErrConflict) {
		span.AddEvent("lost claim race")
		span.SetStatus(codes.Ok, "nothing to do")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to claim job")
		return fmt.Errorf("failed to claim job: %w", err)
	}

	logger.Logger.InfoContext(ctx, "claimed job",
		"jobID", job.ID, "type", job.Type, "runner", w.cfg.RunnerID)

	if err := w.run(ctx, job, etag); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to run job")
		return err
	}

	span.SetStatus(codes.Ok, "successfully ran job")
	return nil
}

func (w *Worker) claim(ctx context.Context, id, etag string) (string, error) {
	value, err := json.Marshal(types.Current{
		Runner:    w.cfg.RunnerID,
		TimeBegun: w.now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode claim: %w", err)
	}
	return w.broker.PatchJob(ctx, id, etag, []types.PatchOperation{
		{Op: types.PatchOpAdd, Path: "/current", Value: value},
	})
}

func runnerCommand(execPath string, job *types.Job) *command.Command {
	switch job.Type {
	case types.JobTypeTest:
		return command.New(execPath, "test", job.Gist, job.Version)
	default:
		return command.New(execPath, "bisect", job.Gist, job.BisectRange[0], job.BisectRange[1])
	}
}

// run executes the claimed job and always reports a terminal result, even
// when the runner could not be started.
func (w *Worker) run(ctx context.Context, job *types.Job, etag string) error {
	ctx, span := tracer.Start(ctx, "Worker.run", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
	))
	defer span.End()

	began := w.now()

	batcher := NewLogBatcher(w.broker, job.ID, w.cfg.LogFlushInterval)
	if err := batcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start log batcher: %w", err)
	}
	defer batcher.Close(ctx)

	cmd := runnerCommand(w.cfg.ExecPath, job)
	cmd.Stream = batcher
	cmd.Timeout = w.cfg.JobTimeout

	var status types.Status
	var errMsg string
	var bisectRange []string

	res, execErr := w.exec.Execute(ctx, cmd)
	if execErr != nil {
		status = types.StatusSystemError
		errMsg = fmt.Sprintf("failed to start runner: %s", execErr)
	} else {
		status, errMsg, bisectRange = classify(res)
	}

	result := types.Result{
		Runner:      w.cfg.RunnerID,
		Status:      status,
		TimeBegun:   began.UnixMilli(),
		TimeEnded:   w.now().UnixMilli(),
		Error:       errMsg,
		BisectRange: bisectRange,
	}

	logger.Logger.InfoContext(ctx, "job finished",
		"jobID", job.ID, "status", result.Status, "error", result.Error)
	span.AddEvent("job finished", trace.WithAttributes(
		attribute.String("status", string(result.Status)),
	))

	if err := w.report(ctx, job.ID, etag, result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to report result")
		return fmt.Errorf("failed to report result: %w", err)
	}

	span.SetStatus(codes.Ok, "successfully reported result")
	return nil
}

// report releases the claim and records the result in one atomic patch,
// retrying with backoff. On a token conflict (a log append from another
// actor, an admin poke) the job is re-read for a fresh token and the same
// operations are retried.
func (w *Worker) report(ctx context.Context, id, etag string, result types.Result) error {
	value, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	ops := []types.PatchOperation{
		{Op: types.PatchOpAdd, Path: "/history/-", Value: value},
		{Op: types.PatchOpAdd, Path: "/last", Value: value},
		{Op: types.PatchOpRemove, Path: "/current"},
	}

	backoff := retry.WithMaxRetries(5, retry.NewFibonacci(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, patchErr := w.broker.PatchJob(ctx, id, etag, ops)
		if patchErr == nil {
			return nil
		}
		if errors.Is(patchErr, client.ErrConflict) {
			_, fresh, getErr := w.broker.GetJob(ctx, id)
			if getErr != nil {
				return retry.RetryableError(getErr)
			}
			etag = fresh
		}
		return retry.RetryableError(patchErr)
	})
}
