package reconcile

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/smallbiznis/consentflow/internal/clock"
	consentdomain "github.com/smallbiznis/consentflow/internal/consent/domain"
	"github.com/smallbiznis/consentflow/internal/observability/metrics"
	"github.com/smallbiznis/consentflow/internal/registry"
	tenantdomain "github.com/smallbiznis/consentflow/internal/tenant/domain"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Consents consentdomain.Repository
	Tenants  tenantdomain.Repository
	Registry *registry.Client
	Clock    clock.Clock
	Log      *zap.Logger
}

// Service polls the registry for the outcome of submitted batches and maps
// per-index sub-results back onto the source records.
type Service struct {
	db       *gorm.DB
	consents consentdomain.Repository
	tenants  tenantdomain.Repository
	registry *registry.Client
	clock    clock.Clock
	log      *zap.Logger
}

func New(p Params) *Service {
	return &Service{
		db:       p.DB,
		consents: p.Consents,
		tenants:  p.Tenants,
		registry: p.Registry,
		clock:    p.Clock,
		log:      p.Log.Named("reconcile"),
	}
}


// Run resolves up to batchCount due batches. Batches the registry still
// reports as enqueued are left untouched for the next run. Batches are
// independent, so they are polled in parallel and each worker writes only
// its own batch's records.
func (s *Service) Run(ctx context.Context, batchCount int) (consentdomain.RunStats, error) {
	if batchCount <= 0 {
		batchCount = 1
	}
	batches, err := s.consents.GetUnresolvedBatches(ctx, s.db, s.clock.Now(), batchCount)
	if err != nil {
		return consentdomain.RunStats{}, fmt.Errorf("get unresolved batches: %w", err)
	}

	results := make([]consentdomain.RunStats, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, batch := range batches {
		g.Go(func() error {
			results[i] = s.resolveBatch(gctx, batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return consentdomain.RunStats{}, err
	}

	var stats consentdomain.RunStats
	for _, r := range results {
		stats.Merge(r)
	}

	m := metrics.Pipeline()
	m.AddRecords("reconcile", "success", stats.SuccessCount)
	m.AddRecords("reconcile", "failed", stats.FailedCount)

	s.log.Info("reconcile run done",
		zap.Int("batches", len(batches)),
		zap.Int("success", stats.SuccessCount),
		zap.Int("failed", stats.FailedCount))
	return stats, nil
}

func (s *Service) resolveBatch(ctx context.Context, batch *consentdomain.Batch) consentdomain.RunStats {
	var res consentdomain.RunStats

	tenant, err := s.tenants.FindByID(ctx, s.db, batch.TenantID)
	if err != nil {
		res.Messages = append(res.Messages, fmt.Sprintf("batch %d tenant: %v", batch.ID, err))
		return res
	}

	status, err := s.registry.QueryBatchRequest(ctx, tenant, *batch.ExternalRequestID)
	if err != nil {
		res.Messages = append(res.Messages, fmt.Sprintf("batch %d query: %v", batch.ID, err))
		return res
	}
	if status.Enqueued() {
		s.log.Debug("batch still enqueued", zap.Int64("batch_id", int64(batch.ID)))
		return res
	}

	records, err := s.consents.GetBatchRecords(ctx, s.db, batch.ID)
	if err != nil {
		res.Messages = append(res.Messages, fmt.Sprintf("batch %d records: %v", batch.ID, err))
		return res
	}

	// Sub-request indexes are 0-based positions in the submission order,
	// which GetBatchRecords reproduces. Anything out of range is a registry
	// anomaly: logged, never applied.
	var (
		successes []consentdomain.SuccessOutcome
		fails     []consentdomain.FailureOutcome
		mentioned = make(map[int]struct{}, len(status.SubRequests))
	)
	for _, sub := range status.SubRequests {
		if sub.Index < 0 || sub.Index >= len(records) {
			s.log.Warn("sub-request index out of range",
				zap.Int64("batch_id", int64(batch.ID)),
				zap.Int("index", sub.Index),
				zap.Int("records", len(records)))
			metrics.Pipeline().IncRecord("reconcile", "index_out_of_range")
			continue
		}
		mentioned[sub.Index] = struct{}{}
		rec := records[sub.Index]
		if rec.SyncState.Terminal() {
			continue
		}
		switch sub.Status {
		case registry.SubStatusSuccess:
			successes = append(successes, consentdomain.SuccessOutcome{
				RecordID:      rec.ID,
				TransactionID: sub.TransactionID,
				Pulled:        true,
			})
		case registry.SubStatusFailure:
			recErr := consentdomain.RecordError{Code: "registry_failure", Message: "batch sub-request failed"}
			if sub.Error != nil {
				recErr = consentdomain.RecordError{Code: sub.Error.Code, Message: sub.Error.Message}
			}
			fails = append(fails, consentdomain.FailureOutcome{RecordID: rec.ID, Err: recErr})
		default:
			// Anything other than success is a failure for the record;
			// leaving it awaiting on a resolved batch would strand it.
			s.log.Warn("unknown sub-request status",
				zap.Int64("batch_id", int64(batch.ID)),
				zap.Int("index", sub.Index),
				zap.String("status", sub.Status))
			fails = append(fails, consentdomain.FailureOutcome{
				RecordID: rec.ID,
				Err: consentdomain.RecordError{
					Code:    consentdomain.FailUnknownStatus,
					Message: fmt.Sprintf("unrecognized sub-request status %q", sub.Status),
				},
			})
		}
	}

	// Records the response never names are implicitly successful once the
	// batch as a whole is no longer enqueued.
	for i, rec := range records {
		if _, ok := mentioned[i]; ok {
			continue
		}
		if !rec.SyncState.CanTransition(consentdomain.StateSucceeded) {
			continue
		}
		successes = append(successes, consentdomain.SuccessOutcome{RecordID: rec.ID, Pulled: true})
	}

	if err := s.consents.MarkSucceeded(ctx, s.db, successes); err != nil {
		res.Messages = append(res.Messages, fmt.Sprintf("batch %d mark succeeded: %v", batch.ID, err))
		return res
	}
	if err := s.consents.MarkFailed(ctx, s.db, fails); err != nil {
		res.Messages = append(res.Messages, fmt.Sprintf("batch %d mark failed: %v", batch.ID, err))
		return res
	}
	if err := s.consents.ResolveBatch(ctx, s.db, batch.ID, s.clock.Now()); err != nil {
		res.Messages = append(res.Messages, fmt.Sprintf("batch %d resolve: %v", batch.ID, err))
		return res
	}

	res.SuccessCount = len(successes)
	res.FailedCount = len(fails)
	return res
}
