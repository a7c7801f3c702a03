package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingPurger struct {
	calls  atomic.Int32
	maxAge atomic.Int64
	err    error
}

func (p *countingPurger) PurgeStale(ctx context.Context, olderThan time.Duration) (int, error) {
	p.calls.Add(1)
	p.maxAge.Store(int64(olderThan))
	return 2, p.err
}

func TestSweeper_RunsImmediatelyOnStart(t *testing.T) {
	p := &countingPurger{}
	s, err := New(p, time.Hour, 24*time.Hour, zap.NewNop())
	require.NoError(t, err)

	s.Start()
	t.Cleanup(func() { s.Stop() })

	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(24*time.Hour), p.maxAge.Load())
}

func TestSweeper_SweepReportsCount(t *testing.T) {
	p := &countingPurger{err: errors.New("disk gone")}
	s, err := New(p, time.Hour, time.Hour, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 2, s.Sweep(context.Background()))
}

func TestNew_RejectsNonPositive(t *testing.T) {
	_, err := New(&countingPurger{}, 0, time.Hour, zap.NewNop())
	assert.Error(t, err)
	_, err = New(&countingPurger{}, time.Hour, -time.Second, zap.NewNop())
	assert.Error(t, err)
}
