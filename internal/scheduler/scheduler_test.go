package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/consentflow/internal/clock"
	consentdomain "github.com/smallbiznis/consentflow/internal/consent/domain"
	obsmetrics "github.com/smallbiznis/consentflow/internal/observability/metrics"
	"github.com/smallbiznis/consentflow/internal/registry"
	tokendomain "github.com/smallbiznis/consentflow/internal/token/domain"
)

func testScheduler(cfg Config) *Scheduler {
	return &Scheduler{
		log:   zap.NewNop(),
		cfg:   cfg.withDefaults(),
		clock: clock.NewFakeClock(time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC)),
	}
}

func TestRunJobTimeoutIsSoft(t *testing.T) {
	s := testScheduler(Config{})

	err := s.runJob(context.Background(), "timeout_job", 5*time.Millisecond, func(ctx context.Context) (consentdomain.RunStats, error) {
		<-ctx.Done()
		return consentdomain.RunStats{}, ctx.Err()
	})
	require.NoError(t, err, "a deadline is retried on the next cycle, not surfaced")
}

func TestRunJobErrorPropagatesWithJobName(t *testing.T) {
	s := testScheduler(Config{})
	boom := errors.New("store unreachable")

	err := s.runJob(context.Background(), "dispatch_batch", time.Second, func(context.Context) (consentdomain.RunStats, error) {
		return consentdomain.RunStats{}, boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "dispatch_batch")
}

func TestDispatchModeSelectsOneVariant(t *testing.T) {
	single := testScheduler(Config{DispatchMode: DispatchModeSingle})
	assert.True(t, single.isJobEnabled("dispatch_single"))
	assert.False(t, single.isJobEnabled("dispatch_batch"))
	assert.True(t, single.isJobEnabled("reconcile"))

	batch := testScheduler(Config{DispatchMode: DispatchModeBatch})
	assert.False(t, batch.isJobEnabled("dispatch_single"))
	assert.True(t, batch.isJobEnabled("dispatch_batch"))
}

func TestEnabledJobsFilter(t *testing.T) {
	s := testScheduler(Config{
		DispatchMode: DispatchModeBatch,
		EnabledJobs:  []string{"RECONCILE", "overdue_sweep"},
	})
	assert.True(t, s.isJobEnabled("reconcile"), "matching is case-insensitive")
	assert.True(t, s.isJobEnabled("overdue_sweep"))
	assert.False(t, s.isJobEnabled("dispatch_batch"))
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, DispatchModeBatch, cfg.DispatchMode)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.JobTimeout)

	custom := Config{DispatchMode: "weird", BatchSize: 10}.withDefaults()
	assert.Equal(t, DispatchModeBatch, custom.DispatchMode, "unknown modes fall back")
	assert.Equal(t, 10, custom.BatchSize)
}

func TestJobErrorTypeClassification(t *testing.T) {
	rl := &tokendomain.RateLimitedError{TenantID: 1, HaltedUntil: time.Now()}
	assert.Equal(t, obsmetrics.ErrorTypeRateLimited, jobErrorType(fmt.Errorf("dispatch_single: %w", rl)))

	vErr := &registry.ValidationError{}
	assert.Equal(t, obsmetrics.ErrorTypeValidation, jobErrorType(fmt.Errorf("dispatch_batch: %w", vErr)))

	apiErr := &registry.APIError{StatusCode: 500}
	assert.Equal(t, obsmetrics.ErrorTypeRegistry, jobErrorType(fmt.Errorf("reconcile: %w", apiErr)))

	assert.Equal(t, obsmetrics.ErrorTypeDeadlineExceeded, jobErrorType(context.DeadlineExceeded))
	assert.Equal(t, obsmetrics.ErrorTypeUnknown, jobErrorType(errors.New("boom")))
}
