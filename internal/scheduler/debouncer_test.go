package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDebouncerCoalescesBurstIntoOneTrailingRun(t *testing.T) {
	const window = 300 * time.Millisecond
	var runs atomic.Int32
	var mu sync.Mutex
	var ranAt time.Time
	debouncer := NewDebouncer(window, func() {
		mu.Lock()
		ranAt = time.Now()
		mu.Unlock()
		runs.Add(1)
	}, nil)
	defer debouncer.Stop()

	var lastTrigger time.Time
	for index := 0; index < 5; index++ {
		lastTrigger = time.Now()
		debouncer.Schedule()
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, debouncer.Pending())

	require.Eventually(t, func() bool {
		return runs.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(window + 100*time.Millisecond)
	require.Equal(t, int32(1), runs.Load())
	require.False(t, debouncer.Pending())

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, ranAt.Sub(lastTrigger), window)
}

func TestDebouncerRunsAgainAfterQuietPeriod(t *testing.T) {
	var runs atomic.Int32
	debouncer := NewDebouncer(20*time.Millisecond, func() {
		runs.Add(1)
	}, nil)
	defer debouncer.Stop()

	debouncer.Schedule()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	debouncer.Schedule()
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDebouncerStopCancelsPendingRun(t *testing.T) {
	var runs atomic.Int32
	debouncer := NewDebouncer(20*time.Millisecond, func() {
		runs.Add(1)
	}, nil)

	debouncer.Schedule()
	debouncer.Stop()
	debouncer.Schedule()
	time.Sleep(80 * time.Millisecond)
	require.Zero(t, runs.Load())
	require.False(t, debouncer.Pending())
}

func TestDebouncerSurvivesPanickingRun(t *testing.T) {
	var runs atomic.Int32
	debouncer := NewDebouncer(10*time.Millisecond, func() {
		if runs.Add(1) == 1 {
			panic("reconcile failed")
		}
	}, nil)
	defer debouncer.Stop()

	debouncer.Schedule()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	debouncer.Schedule()
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}
