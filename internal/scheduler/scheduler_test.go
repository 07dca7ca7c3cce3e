package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/spidermini-crawler/internal/dispatcher"
)

type fakeRunner struct {
	mu     sync.Mutex
	limits []int
	err    error
	panics bool
}

func (r *fakeRunner) RunCycle(_ context.Context, limit int) (dispatcher.CycleResult, error) {
	r.mu.Lock()
	r.limits = append(r.limits, limit)
	r.mu.Unlock()
	if r.panics {
		panic("cycle exploded")
	}
	return dispatcher.CycleResult{Selected: limit}, r.err
}

func (r *fakeRunner) calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.limits...)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, DefaultSpec, 5, zap.NewNop())
	require.Error(t, err)

	_, err = New(&fakeRunner{}, DefaultSpec, 0, zap.NewNop())
	require.Error(t, err)

	_, err = New(&fakeRunner{}, "not a schedule", 5, zap.NewNop())
	require.ErrorContains(t, err, "parse schedule")

	s, err := New(&fakeRunner{}, "", 5, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultSpec, s.spec)

	s, err = New(&fakeRunner{}, "*/5 * * * *", 5, nil)
	require.NoError(t, err)
	s.Stop()
}

func TestTickRunsCycleWithBatchSize(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	s, err := New(runner, DefaultSpec, 5, zap.NewNop())
	require.NoError(t, err)

	s.tick()
	runner.err = errors.New("store down")
	s.tick()

	require.Equal(t, []int{5, 5}, runner.calls())
}

func TestStartFiresCycles(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	s, err := New(runner, "@every 1s", 3, zap.NewNop())
	require.NoError(t, err)

	s.Start()
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool {
		return len(runner.calls()) >= 1
	}, 3*time.Second, 50*time.Millisecond)
	require.Equal(t, 3, runner.calls()[0])
}

func TestPanickingCycleDoesNotStopScheduler(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{panics: true}
	s, err := New(runner, "@every 1s", 1, zap.NewNop())
	require.NoError(t, err)

	s.Start()
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool {
		return len(runner.calls()) >= 2
	}, 4*time.Second, 50*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	s, err := New(&fakeRunner{}, DefaultSpec, 1, zap.NewNop())
	require.NoError(t, err)
	s.Start()
	s.Stop()
	s.Stop()
	require.Error(t, s.ctx.Err())
}
