package worker

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/bisectbot/bisectbot/internal/logger"
	"github.com/bisectbot/bisectbot/internal/poll"
)

// logAppender is the slice of the broker client the batcher needs.
type logAppender interface {
	AppendLog(ctx context.Context, id, text string) error
}

// LogBatcher collects runner output and ships it to the broker's job log in
// periodic batches, so a chatty runner does not turn every write into an
// HTTP request. Write never blocks on the network.
type LogBatcher struct {
	jobID    string
	appender logAppender
	loop     *poll.Loop

	mu  sync.Mutex
	buf bytes.Buffer
}

func NewLogBatcher(appender logAppender, jobID string, flushInterval time.Duration) *LogBatcher {
	b := &LogBatcher{
		jobID:    jobID,
		appender: appender,
	}
	b.loop = poll.New(flushInterval, b.flush)
	return b
}

// Start begins the periodic flushing. The context bounds every flush request.
func (b *LogBatcher) Start(ctx context.Context) error {
	return b.loop.Start(ctx)
}

// Write buffers p for the next flush. It never fails; delivery problems
// surface in flush instead.
func (b *LogBatcher) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *LogBatcher) flush(ctx context.Context) error {
	b.mu.Lock()
	if b.buf.Len() == 0 {
		b.mu.Unlock()
		return nil
	}
	pending := b.buf.String()
	b.buf.Reset()
	b.mu.Unlock()

	if err := b.appender.AppendLog(ctx, b.jobID, pending); err != nil {
		// Put the batch back so the next flush retries it ahead of
		// whatever accumulated in the meantime.
		b.mu.Lock()
		accumulated := b.buf.String()
		b.buf.Reset()
		b.buf.WriteString(pending)
		b.buf.WriteString(accumulated)
		b.mu.Unlock()
		return err
	}
	return nil
}

// Close stops the periodic flushing and delivers whatever is still buffered.
func (b *LogBatcher) Close(ctx context.Context) {
	b.loop.Stop()
	if err := b.flush(ctx); err != nil {
		logger.Logger.ErrorContext(ctx, "failed to deliver final log batch",
			"jobID", b.jobID, "error", err)
	}
}
