package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/consentflow/internal/clock"
	consentdomain "github.com/smallbiznis/consentflow/internal/consent/domain"
	"github.com/smallbiznis/consentflow/internal/dispatch"
	"github.com/smallbiznis/consentflow/internal/janitor"
	obsmetrics "github.com/smallbiznis/consentflow/internal/observability/metrics"
	"github.com/smallbiznis/consentflow/internal/ratelimit"
	"github.com/smallbiznis/consentflow/internal/reconcile"
	"github.com/smallbiznis/consentflow/internal/registry"
	tokendomain "github.com/smallbiznis/consentflow/internal/token/domain"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	Log          *zap.Logger
	DispatchSvc  *dispatch.Service
	ReconcileSvc *reconcile.Service
	JanitorSvc   *janitor.Service
	Clock        clock.Clock
	Locker       *ratelimit.Locker `optional:"true"`
	Config       Config            `optional:"true"`
}

// Scheduler drives the consent pipelines on a fixed interval. Jobs are
// independent; one job's failure never stops the others in the same cycle.
type Scheduler struct {
	log          *zap.Logger
	cfg          Config
	clock        clock.Clock
	locker       *ratelimit.Locker
	dispatchSvc  *dispatch.Service
	reconcileSvc *reconcile.Service
	janitorSvc   *janitor.Service
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.DispatchSvc == nil || p.ReconcileSvc == nil || p.JanitorSvc == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		clock:        p.Clock,
		locker:       p.Locker,
		dispatchSvc:  p.DispatchSvc,
		reconcileSvc: p.ReconcileSvc,
		janitorSvc:   p.JanitorSvc,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) (consentdomain.RunStats, error),
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	if release, ok := s.acquireJobLock(ctx, name, timeout); !ok {
		return nil
	} else if release != nil {
		defer release()
	}

	log := s.log.With(zap.String("job", name))
	m := obsmetrics.Pipeline()
	m.IncJobRun(name)

	stats, err := fn(ctx)
	m.ObserveJobDuration(name, time.Since(start))

	if len(stats.Messages) > 0 {
		log.Warn("job reported issues", zap.Strings("messages", stats.Messages))
	}
	if stats.SuccessCount > 0 || stats.FailedCount > 0 {
		log.Info("job done",
			zap.Int("success", stats.SuccessCount),
			zap.Int("failed", stats.FailedCount))
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: the next cycle picks the work back up
	// from persisted state.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		m.IncJobTimeout(name)
		m.IncJobError(name, err)
		log.Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}

	m.IncJobErrorType(name, jobErrorType(err))
	return fmt.Errorf("%s: %w", name, err)
}

// jobErrorType folds a job error into the pipeline's error-type labels.
// The generic classifier cannot see the registry and token error types
// without an import cycle, so the mapping lives here.
func jobErrorType(err error) string {
	var rl *tokendomain.RateLimitedError
	if errors.As(err, &rl) {
		return obsmetrics.ErrorTypeRateLimited
	}
	var vErr *registry.ValidationError
	if errors.As(err, &vErr) {
		return obsmetrics.ErrorTypeValidation
	}
	var apiErr *registry.APIError
	if errors.As(err, &apiErr) {
		return obsmetrics.ErrorTypeRegistry
	}
	return obsmetrics.ClassifyError(err)
}

// acquireJobLock takes the cross-process guard when a locker is configured.
// Without one, jobs rely on the store's conditional writes alone.
func (s *Scheduler) acquireJobLock(ctx context.Context, name string, timeout time.Duration) (func(), bool) {
	if s.locker == nil {
		return nil, true
	}
	key := "consentflow:job:" + name
	token, ok, err := s.locker.TryLock(ctx, key, timeout+10*time.Second)
	if err != nil {
		s.log.Warn("job lock unavailable, running unguarded", zap.String("job", name), zap.Error(err))
		return nil, true
	}
	if !ok {
		s.log.Debug("job locked by another process", zap.String("job", name))
		return nil, false
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("job lock release failed", zap.String("job", name), zap.Error(err))
		}
	}, true
}

// RunOnce executes one scheduling cycle: dispatch in the configured mode,
// then reconciliation, then the overdue sweep.
func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"dispatch_single", func(ctx context.Context) error {
			return s.runJob(ctx, "dispatch_single", s.cfg.JobTimeout, func(ctx context.Context) (consentdomain.RunStats, error) {
				return s.dispatchSvc.RunSingle(ctx, s.cfg.SingleLimit)
			})
		}},
		{"dispatch_batch", func(ctx context.Context) error {
			return s.runJob(ctx, "dispatch_batch", s.cfg.JobTimeout, func(ctx context.Context) (consentdomain.RunStats, error) {
				return s.dispatchSvc.RunBatch(ctx, s.cfg.BatchSize, s.cfg.BatchCount, s.cfg.CheckAfter)
			})
		}},
		{"reconcile", func(ctx context.Context) error {
			return s.runJob(ctx, "reconcile", s.cfg.JobTimeout, func(ctx context.Context) (consentdomain.RunStats, error) {
				return s.reconcileSvc.Run(ctx, s.cfg.ReconcileBatches)
			})
		}},
		{"overdue_sweep", func(ctx context.Context) error {
			return s.runJob(ctx, "overdue_sweep", s.cfg.JobTimeout, func(ctx context.Context) (consentdomain.RunStats, error) {
				return s.janitorSvc.Run(ctx)
			})
		}},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, job.Run(parent))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	m := obsmetrics.Pipeline()

	for {
		if lag := time.Since(nextRun); lag > 0 {
			m.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// The dispatch mode picks one submission strategy; the other variant
	// never runs in the same process.
	switch jobName {
	case "dispatch_single":
		if s.cfg.DispatchMode != DispatchModeSingle {
			return false
		}
	case "dispatch_batch":
		if s.cfg.DispatchMode != DispatchModeBatch {
			return false
		}
	}
	// Empty EnabledJobs means all jobs run (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
