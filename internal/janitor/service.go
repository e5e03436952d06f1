package janitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/consentflow/internal/clock"
	"github.com/smallbiznis/consentflow/internal/config"
	consentdomain "github.com/smallbiznis/consentflow/internal/consent/domain"
	"github.com/smallbiznis/consentflow/internal/observability/metrics"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Consents consentdomain.Repository
	Policy   *config.PolicyHolder
	Clock    clock.Clock
	Log      *zap.Logger
}

// Service retires pending records that should never reach the registry:
// duplicates superseded by a newer pending event and records that aged out
// of the freshness window. Both sweeps are bulk idempotent updates.
type Service struct {
	db       *gorm.DB
	consents consentdomain.Repository
	policy   *config.PolicyHolder
	clock    clock.Clock
	log      *zap.Logger
}

func New(p Params) *Service {
	return &Service{
		db:       p.DB,
		consents: p.Consents,
		policy:   p.Policy,
		clock:    p.Clock,
		log:      p.Log.Named("janitor"),
	}
}

// MarkStaleDuplicates retires every pending record that a newer pending
// record for the same (tenant, recipient, recipientType, channel, status)
// supersedes.
func (s *Service) MarkStaleDuplicates(ctx context.Context) (int64, error) {
	n, err := s.consents.MarkStaleDuplicates(ctx, s.db, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("mark stale duplicates: %w", err)
	}
	if n > 0 {
		metrics.Pipeline().AddRecords("janitor", "superseded", int(n))
		s.log.Info("stale duplicates retired", zap.Int64("count", n))
	}
	return n, nil
}

// MarkAgedPending retires pending records created before the policy's age
// window.
func (s *Service) MarkAgedPending(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	maxAge := time.Duration(s.policy.Get().MaxAgeDays) * 24 * time.Hour
	n, err := s.consents.MarkAgedPending(ctx, s.db, now.Add(-maxAge), now)
	if err != nil {
		return 0, fmt.Errorf("mark aged pending: %w", err)
	}
	if n > 0 {
		metrics.Pipeline().AddRecords("janitor", "expired", int(n))
		s.log.Info("aged pending retired", zap.Int64("count", n))
	}
	return n, nil
}

// Run executes both sweeps and reports the combined stats.
func (s *Service) Run(ctx context.Context) (consentdomain.RunStats, error) {
	var stats consentdomain.RunStats

	stale, err := s.MarkStaleDuplicates(ctx)
	if err != nil {
		return stats, err
	}
	aged, err := s.MarkAgedPending(ctx)
	if err != nil {
		return stats, err
	}

	stats.SuccessCount = int(stale + aged)
	if stale > 0 {
		stats.Messages = append(stats.Messages, fmt.Sprintf("superseded: %d", stale))
	}
	if aged > 0 {
		stats.Messages = append(stats.Messages, fmt.Sprintf("expired: %d", aged))
	}
	return stats, nil
}

var Module = fx.Module("janitor",
	fx.Provide(New),
)
