package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	logger := zaptest.NewLogger(t)
	calls := 0

	got, err := Do(context.Background(), Bounded(time.Millisecond, 5*time.Millisecond, 5), "retrying", logger,
		func(ctx context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("transient")
			}
			return 42, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDo_BoundedExhaustsAndSurfacesLastError(t *testing.T) {
	logger := zaptest.NewLogger(t)
	wantErr := errors.New("persistent failure")

	_, err := Do(context.Background(), Bounded(time.Millisecond, time.Millisecond, 2), "retrying", logger,
		func(ctx context.Context) (int, error) {
			return 0, wantErr
		})

	require.ErrorIs(t, err, wantErr)
}

func TestDo_ContextCancelledWhileWaiting(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, Bounded(10*time.Millisecond, 10*time.Millisecond, 5), "retrying", logger,
		func(ctx context.Context) (int, error) {
			return 0, errors.New("transient")
		})

	require.ErrorIs(t, err, context.Canceled)
}

func TestBoundedPolicy_Doubling(t *testing.T) {
	p := Bounded(time.Second, 4*time.Second, 3)

	d0, ok0 := p.Next(0)
	require.True(t, ok0)
	assert.InDelta(t, float64(time.Second), float64(d0), float64(time.Second)*0.25)

	d1, ok1 := p.Next(1)
	require.True(t, ok1)
	assert.InDelta(t, float64(2*time.Second), float64(d1), float64(2*time.Second)*0.25)

	_, ok3 := p.Next(3)
	assert.False(t, ok3)
}

func TestConstantUnboundedPolicy_NeverExhausts(t *testing.T) {
	p := ConstantUnbounded(time.Second)
	for attempt := 0; attempt < 100; attempt++ {
		_, ok := p.Next(attempt)
		require.True(t, ok)
	}
}
