package poll_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bisectbot/bisectbot/internal/poll"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestLoopInvokesRepeatedly(t *testing.T) {
	var count atomic.Int64
	l := poll.New(5*time.Millisecond, func(context.Context) error {
		count.Add(1)
		return nil
	})

	require.NoError(t, l.Start(context.Background()))
	waitFor(t, func() bool { return count.Load() >= 3 })
	l.Stop()

	frozen := count.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, frozen, count.Load(), "no invocations after Stop returned")
}

func TestStartWhileRunning(t *testing.T) {
	l := poll.New(time.Millisecond, func(context.Context) error { return nil })

	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	assert.ErrorIs(t, l.Start(context.Background()), poll.ErrAlreadyRunning)
}

func TestStopOnIdleIsNoop(t *testing.T) {
	l := poll.New(time.Millisecond, func(context.Context) error { return nil })
	l.Stop()
	l.Stop()
}

func TestWorkErrorDoesNotStopLoop(t *testing.T) {
	var count atomic.Int64
	l := poll.New(time.Millisecond, func(context.Context) error {
		count.Add(1)
		return errors.New("tick went sideways")
	})

	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	waitFor(t, func() bool { return count.Load() >= 3 })
}

func TestWorkPanicDoesNotStopLoop(t *testing.T) {
	var count atomic.Int64
	l := poll.New(time.Millisecond, func(context.Context) error {
		count.Add(1)
		panic("tick exploded")
	})

	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	waitFor(t, func() bool { return count.Load() >= 3 })
}

func TestStopWaitsForInflightWork(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool

	l := poll.New(time.Hour, func(context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	require.NoError(t, l.Start(context.Background()))
	<-started
	l.Stop()

	assert.True(t, finished.Load(), "Stop must not return before the in-flight invocation finished")
}

func TestRestartAfterStop(t *testing.T) {
	var count atomic.Int64
	l := poll.New(time.Millisecond, func(context.Context) error {
		count.Add(1)
		return nil
	})

	require.NoError(t, l.Start(context.Background()))
	waitFor(t, func() bool { return count.Load() >= 1 })
	l.Stop()

	before := count.Load()
	require.NoError(t, l.Start(context.Background()), "stopped loop must be startable again")
	waitFor(t, func() bool { return count.Load() > before })
	l.Stop()
}
