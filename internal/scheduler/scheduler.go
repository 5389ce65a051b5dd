// Package scheduler runs the periodic background work: completing due
// deployments, refreshing phase caches, and purging old history.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"proxim8/internal/domain"
	"proxim8/internal/engine"
	"proxim8/internal/repo"
)

const (
	defaultInterval             = time.Minute
	defaultPhaseInterval        = 30 * time.Second
	defaultHousekeepingInterval = time.Hour
	defaultBatch                = 100
)

// ErrBusy is returned when a tick starts while the previous one is running.
var ErrBusy = errors.New("previous tick still running")

type Config struct {
	Interval             time.Duration
	PhaseInterval        time.Duration
	HousekeepingInterval time.Duration
	// Retention is how long terminal deployments are kept; zero disables purging.
	Retention time.Duration
	BatchSize int
}

type Deps struct {
	Engine engine.Engine
	Log    zerolog.Logger
	// Meter defaults to the global otel meter provider.
	Meter metric.Meter
}

type Scheduler struct {
	cfg    Config
	engine engine.Engine
	log    zerolog.Logger

	sweepMu sync.Mutex
	phaseMu sync.Mutex
	houseMu sync.Mutex

	completed metric.Int64Counter
	failed    metric.Int64Counter
	skipped   metric.Int64Counter
	purged    metric.Int64Counter
}

// Report summarizes one sweep tick.
type Report struct {
	Due       int
	Completed int
	// AlreadyDone counts deployments another writer completed first.
	AlreadyDone int
	Failed      int
	Errors      []error
}

func New(cfg Config, deps Deps) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.PhaseInterval <= 0 {
		cfg.PhaseInterval = defaultPhaseInterval
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = defaultHousekeepingInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatch
	}
	s := &Scheduler{cfg: cfg, engine: deps.Engine, log: deps.Log.With().Str("component", "scheduler").Logger()}
	m := deps.Meter
	if m == nil {
		m = otel.Meter("proxim8/scheduler")
	}
	if err := s.initMetrics(m); err != nil {
		s.log.Warn().Err(err).Msg("metrics disabled")
		_ = s.initMetrics(noop.NewMeterProvider().Meter("proxim8/scheduler"))
	}
	return s
}

func (s *Scheduler) initMetrics(m metric.Meter) error {
	var err error
	if s.completed, err = m.Int64Counter("scheduler.deployments.completed",
		metric.WithDescription("Deployments completed by the sweep")); err != nil {
		return fmt.Errorf("creating completed counter: %w", err)
	}
	if s.failed, err = m.Int64Counter("scheduler.deployments.failed",
		metric.WithDescription("Deployment completions that failed during a sweep")); err != nil {
		return fmt.Errorf("creating failed counter: %w", err)
	}
	if s.skipped, err = m.Int64Counter("scheduler.ticks.skipped",
		metric.WithDescription("Ticks skipped because the previous one was still running")); err != nil {
		return fmt.Errorf("creating skipped counter: %w", err)
	}
	if s.purged, err = m.Int64Counter("scheduler.deployments.purged",
		metric.WithDescription("Terminal deployments removed by housekeeping")); err != nil {
		return fmt.Errorf("creating purged counter: %w", err)
	}
	return nil
}

// Sweep completes every due deployment once. The due set is paged by
// (completes_at, id) so deployments that keep failing cannot hold back the
// ones behind them. A failure is logged and recorded in the report.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	if !s.sweepMu.TryLock() {
		s.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("task", "sweep")))
		s.log.Warn().Msg("sweep skipped: previous tick still running")
		return Report{}, ErrBusy
	}
	defer s.sweepMu.Unlock()

	now := s.engine.Clock()
	var (
		rep   Report
		after *repo.DueCursor
	)
	for {
		due, err := s.engine.Repo.FindDueDeployments(ctx, now, after, s.cfg.BatchSize)
		if err != nil {
			return rep, fmt.Errorf("find due deployments: %w", err)
		}
		rep.Due += len(due)
		for _, d := range due {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			s.complete(ctx, d, &rep)
		}
		if len(due) < s.cfg.BatchSize {
			break
		}
		last := due[len(due)-1]
		after = &repo.DueCursor{CompletesAt: last.CompletesAt, ID: last.ID}
	}
	if rep.Due > 0 {
		s.log.Info().Int("due", rep.Due).Int("completed", rep.Completed).Int("failed", rep.Failed).Msg("sweep finished")
	}
	return rep, nil
}

func (s *Scheduler) complete(ctx context.Context, d domain.Deployment, rep *Report) {
	_, applied, err := s.engine.Complete(ctx, d.ID)
	switch {
	case err != nil:
		rep.Failed++
		rep.Errors = append(rep.Errors, fmt.Errorf("deployment %s: %w", d.ID, err))
		s.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("mission_id", d.MissionID)))
		s.log.Error().Err(err).Str("deployment_id", d.ID).Msg("complete deployment failed")
	case applied:
		rep.Completed++
		s.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("mission_id", d.MissionID)))
	default:
		rep.AlreadyDone++
	}
}

// AdvancePhases refreshes revealed narratives and phase indexes.
func (s *Scheduler) AdvancePhases(ctx context.Context) (int, error) {
	if !s.phaseMu.TryLock() {
		s.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("task", "phases")))
		return 0, ErrBusy
	}
	defer s.phaseMu.Unlock()
	n, err := s.engine.AdvancePhases(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("phase refresh incomplete")
	}
	return n, err
}

// Housekeeping purges terminal deployments past the retention window.
func (s *Scheduler) Housekeeping(ctx context.Context) (int64, error) {
	if s.cfg.Retention <= 0 {
		return 0, nil
	}
	if !s.houseMu.TryLock() {
		s.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("task", "housekeeping")))
		return 0, ErrBusy
	}
	defer s.houseMu.Unlock()
	n, err := s.engine.Purge(ctx, s.cfg.Retention)
	if err != nil {
		s.log.Error().Err(err).Msg("purge failed")
		return 0, err
	}
	s.purged.Add(ctx, n)
	return n, nil
}

// Handle controls a running scheduler.
type Handle struct {
	Scheduler *Scheduler
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// Start launches the three periodic tasks. Each runs once immediately and
// then on its own ticker until ctx is cancelled or Stop is called.
func Start(ctx context.Context, cfg Config, deps Deps) *Handle {
	s := New(cfg, deps)
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{Scheduler: s, cancel: cancel}
	h.loop(ctx, "sweep", s.cfg.Interval, func(ctx context.Context) {
		_, _ = s.Sweep(ctx)
	})
	h.loop(ctx, "phases", s.cfg.PhaseInterval, func(ctx context.Context) {
		_, _ = s.AdvancePhases(ctx)
	})
	h.loop(ctx, "housekeeping", s.cfg.HousekeepingInterval, func(ctx context.Context) {
		_, _ = s.Housekeeping(ctx)
	})
	s.log.Info().Dur("interval", s.cfg.Interval).Dur("phase_interval", s.cfg.PhaseInterval).Msg("scheduler started")
	return h
}

func (h *Handle) loop(ctx context.Context, name string, every time.Duration, tick func(context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			tick(ctx)
			select {
			case <-ctx.Done():
				h.Scheduler.log.Debug().Str("task", name).Msg("task stopped")
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop cancels all tasks and waits for in-flight ticks to return.
func (h *Handle) Stop() {
	h.stopOnce.Do(h.cancel)
	h.wg.Wait()
}
