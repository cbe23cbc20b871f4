package bundler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

type SchedulerState string

const (
	SchedulerStopped SchedulerState = "stopped"
	SchedulerRunning SchedulerState = "running"
)

// SchedulerTasks are the periodic jobs. Each one handles and logs its own errors.
type SchedulerTasks struct {
	Bundle     func()
	RefreshFee func()
	Sweep      func()
}

type SchedulerIntervals struct {
	Bundle     time.Duration
	RefreshFee time.Duration
	Sweep      time.Duration
}

// Scheduler drives the fee refresh, batch cycle and expiry sweep on gocron.
// A gocron scheduler cannot be restarted after Shutdown so every Start builds a new one.
type Scheduler struct {
	mu sync.Mutex

	state     SchedulerState
	mode      BundlingMode
	cron      gocron.Scheduler
	bundleJob gocron.Job

	intervals SchedulerIntervals
	tasks     SchedulerTasks
	logger    logger.Logger
}

func NewScheduler(intervals SchedulerIntervals, mode BundlingMode, tasks SchedulerTasks, log logger.Logger) *Scheduler {
	if intervals.Sweep < time.Second {
		intervals.Sweep = time.Second
	}

	return &Scheduler{
		state:     SchedulerStopped,
		mode:      mode,
		intervals: intervals,
		tasks:     tasks,
		logger:    logger.Component(log, "scheduler"),
	}
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SchedulerRunning {
		return nil
	}

	cron, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithStopTimeout(5*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	started := false
	defer func() {
		if !started {
			_ = cron.Shutdown()
		}
	}()

	if s.tasks.RefreshFee != nil {
		_, err = cron.NewJob(
			gocron.DurationJob(s.intervals.RefreshFee),
			gocron.NewTask(s.tasks.RefreshFee),
			gocron.WithName("fee-refresh"),
			gocron.WithStartAt(gocron.WithStartImmediately()),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("cannot schedule fee refresh: %w", err)
		}
	}

	if s.tasks.Sweep != nil {
		_, err = cron.NewJob(
			gocron.DurationJob(s.intervals.Sweep),
			gocron.NewTask(s.tasks.Sweep),
			gocron.WithName("expiry-sweep"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("cannot schedule expiry sweep: %w", err)
		}
	}

	s.cron = cron
	if s.mode == BundlingModeAuto {
		if err := s.addBundleJobLocked(); err != nil {
			s.cron = nil
			return err
		}
	}

	cron.Start()
	started = true
	s.state = SchedulerRunning
	s.logger.Info("scheduler started",
		"mode", s.mode,
		"bundleInterval", s.intervals.Bundle,
		"feeRefreshInterval", s.intervals.RefreshFee,
		"sweepInterval", s.intervals.Sweep)
	return nil
}

// Stop prevents new firings. A cycle already running is left to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SchedulerStopped {
		return nil
	}

	s.state = SchedulerStopped
	cron := s.cron
	s.cron = nil
	s.bundleJob = nil

	if err := cron.Shutdown(); err != nil {
		if errors.Is(err, gocron.ErrStopJobsTimedOut) {
			s.logger.Warn("in flight job still running after scheduler stop")
			return nil
		}
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Scheduler) Mode() BundlingMode {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mode
}

// SetMode switches between timer driven and manual bundling. Fee refresh and
// expiry sweep keep running either way.
func (s *Scheduler) SetMode(mode BundlingMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == s.mode {
		return nil
	}
	s.mode = mode

	if s.state != SchedulerRunning {
		return nil
	}

	switch mode {
	case BundlingModeManual:
		if s.bundleJob != nil {
			if err := s.cron.RemoveJob(s.bundleJob.ID()); err != nil {
				return fmt.Errorf("cannot remove bundle job: %w", err)
			}
			s.bundleJob = nil
		}
	case BundlingModeAuto:
		if err := s.addBundleJobLocked(); err != nil {
			return err
		}
	}

	s.logger.Info("bundling mode changed", "mode", mode)
	return nil
}

func (s *Scheduler) addBundleJobLocked() error {
	if s.tasks.Bundle == nil {
		return nil
	}

	job, err := s.cron.NewJob(
		gocron.DurationJob(s.intervals.Bundle),
		gocron.NewTask(s.tasks.Bundle),
		gocron.WithName("bundle"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("cannot schedule bundle cycle: %w", err)
	}
	s.bundleJob = job
	return nil
}
