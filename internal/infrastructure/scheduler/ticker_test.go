package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickerRunsImmediatelyAndRepeats(t *testing.T) {
	t.Parallel()

	ticker := NewTicker(5*time.Millisecond, time.UTC)
	var runs atomic.Int32

	require.NoError(t, ticker.Start(context.Background(), func(time.Time) { runs.Add(1) }))
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)

	require.NoError(t, ticker.Stop(context.Background()))
	stopped := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load())
}

func TestTickerReportsTriggerInLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+3", 3*60*60)
	ticker := NewTicker(time.Hour, loc)
	got := make(chan time.Time, 1)

	require.NoError(t, ticker.Start(context.Background(), func(tr time.Time) { got <- tr }))
	defer ticker.Stop(context.Background())

	select {
	case tr := <-got:
		assert.Equal(t, loc, tr.Location())
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
}

func TestTickerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	ticker := NewTicker(time.Hour, nil)
	require.NoError(t, ticker.Start(ctx, func(time.Time) {}))

	done := ticker.Done()
	require.NotNil(t, done)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop after cancel")
	}
	require.NoError(t, ticker.Stop(context.Background()))
}

func TestTickerStartTwiceAndNilJob(t *testing.T) {
	t.Parallel()

	ticker := NewTicker(time.Hour, nil)
	require.NoError(t, ticker.Start(context.Background(), nil))
	assert.Nil(t, ticker.Done())

	var runs atomic.Int32
	require.NoError(t, ticker.Start(context.Background(), func(time.Time) { runs.Add(1) }))
	first := ticker.Done()
	require.NoError(t, ticker.Start(context.Background(), func(time.Time) { runs.Add(100) }))
	assert.Equal(t, first, ticker.Done())

	require.NoError(t, ticker.Stop(context.Background()))
	require.NoError(t, ticker.Stop(context.Background()))
	assert.Less(t, runs.Load(), int32(100))
}
