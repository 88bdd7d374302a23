package poll

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bisectbot/bisectbot/internal/logger"
)

var ErrAlreadyRunning = errors.New("poll loop already running")

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopping
)

// Loop invokes a unit of work, waits for the interval to elapse or a stop
// request, and repeats. Invocations never overlap and a stop never lands
// mid-invocation: Stop blocks until the in-flight work (if any) has
// finished and the loop has exited.
//
// A loop whose context is cancelled still needs a Stop call before it can
// be started again.
type Loop struct {
	interval time.Duration
	work     func(context.Context) error

	mu    sync.Mutex
	state state
	stop  chan struct{}
	done  chan struct{}
}

func New(interval time.Duration, work func(context.Context) error) *Loop {
	return &Loop{
		interval: interval,
		work:     work,
	}
}

// Start begins polling in a background goroutine, invoking the work
// immediately and then once per interval. Fails on a loop that is already
// running or still stopping.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != stateIdle {
		return ErrAlreadyRunning
	}
	l.state = stateRunning
	l.stop = make(chan struct{})
	l.done = make(chan struct{})

	go l.run(ctx, l.stop, l.done)
	return nil
}

func (l *Loop) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	for {
		l.invoke(ctx)

		timer := time.NewTimer(l.interval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// invoke shields the loop from the work: an error is logged and the timer
// re-arms, a panic likewise.
func (l *Loop) invoke(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Logger.ErrorContext(ctx, "poll work panicked", "panic", r)
		}
	}()

	if err := l.work(ctx); err != nil {
		logger.Logger.ErrorContext(ctx, "poll work errored", "error", err)
	}
}

// Stop requests a clean exit and waits for it. No-op on an idle loop.
// After Stop returns the loop may be started again; a stop and a
// subsequent start never interleave with an in-flight invocation.
func (l *Loop) Stop() {
	l.mu.Lock()
	switch l.state {
	case stateIdle:
		l.mu.Unlock()
		return
	case stateRunning:
		l.state = stateStopping
		close(l.stop)
	case stateStopping:
	}
	done := l.done
	l.mu.Unlock()

	<-done

	l.mu.Lock()
	l.state = stateIdle
	l.mu.Unlock()
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateRunning
}
