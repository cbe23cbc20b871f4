package bundler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type taskCounter struct {
	bundle, fee, sweep atomic.Int32
}

func (c *taskCounter) tasks() SchedulerTasks {
	return SchedulerTasks{
		Bundle:     func() { c.bundle.Add(1) },
		RefreshFee: func() { c.fee.Add(1) },
		Sweep:      func() { c.sweep.Add(1) },
	}
}

var fastIntervals = SchedulerIntervals{
	Bundle:     20 * time.Millisecond,
	RefreshFee: 20 * time.Millisecond,
	Sweep:      time.Second,
}

func TestSchedulerStartStop(t *testing.T) {
	c := &taskCounter{}
	s := NewScheduler(fastIntervals, BundlingModeAuto, c.tasks(), nil)
	assert.Equal(t, SchedulerStopped, s.State())

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	assert.Equal(t, SchedulerRunning, s.State())

	assert.Eventually(t, func() bool { return c.bundle.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return c.fee.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.Equal(t, SchedulerStopped, s.State())

	fired := c.bundle.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, fired, c.bundle.Load())

	// restart builds a fresh gocron scheduler
	require.NoError(t, s.Start())
	assert.Eventually(t, func() bool { return c.bundle.Load() > fired }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestSchedulerManualMode(t *testing.T) {
	c := &taskCounter{}
	s := NewScheduler(fastIntervals, BundlingModeManual, c.tasks(), nil)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })

	assert.Eventually(t, func() bool { return c.fee.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), c.bundle.Load())

	require.NoError(t, s.SetMode(BundlingModeAuto))
	assert.Equal(t, BundlingModeAuto, s.Mode())
	assert.Eventually(t, func() bool { return c.bundle.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.SetMode(BundlingModeManual))
	time.Sleep(50 * time.Millisecond)
	fired := c.bundle.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, fired, c.bundle.Load())
}

func TestSchedulerCyclesDoNotOverlap(t *testing.T) {
	var running, overlaps, runs atomic.Int32
	tasks := SchedulerTasks{
		Bundle: func() {
			if running.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(60 * time.Millisecond)
			running.Add(-1)
			runs.Add(1)
		},
	}

	s := NewScheduler(SchedulerIntervals{Bundle: 10 * time.Millisecond, RefreshFee: time.Second}, BundlingModeAuto, tasks, nil)
	require.NoError(t, s.Start())

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())
	assert.Equal(t, int32(0), overlaps.Load())
}

func TestParseBundlingMode(t *testing.T) {
	tests := []struct {
		in      string
		want    BundlingMode
		wantErr bool
	}{
		{"auto", BundlingModeAuto, false},
		{"manual", BundlingModeManual, false},
		{"", BundlingModeAuto, false},
		{"sometimes", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBundlingMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
