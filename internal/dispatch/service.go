package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/smallbiznis/consentflow/internal/clock"
	"github.com/smallbiznis/consentflow/internal/config"
	consentdomain "github.com/smallbiznis/consentflow/internal/consent/domain"
	"github.com/smallbiznis/consentflow/internal/observability/metrics"
	"github.com/smallbiznis/consentflow/internal/registry"
	tenantdomain "github.com/smallbiznis/consentflow/internal/tenant/domain"
	tokendomain "github.com/smallbiznis/consentflow/internal/token/domain"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Consents consentdomain.Repository
	Tenants  tenantdomain.Repository
	Registry *registry.Client
	Policy   *config.PolicyHolder
	Clock    clock.Clock
	Node     *snowflake.Node
	Log      *zap.Logger
}

// Service pushes pending consent records to the registry, one request per
// record or batched into asynchronous multi-consent submissions.
type Service struct {
	db       *gorm.DB
	consents consentdomain.Repository
	tenants  tenantdomain.Repository
	registry *registry.Client
	policy   *config.PolicyHolder
	clock    clock.Clock
	node     *snowflake.Node
	log      *zap.Logger
}

func New(p Params) *Service {
	return &Service{
		db:       p.DB,
		consents: p.Consents,
		tenants:  p.Tenants,
		registry: p.Registry,
		policy:   p.Policy,
		clock:    p.Clock,
		node:     p.Node,
		log:      p.Log.Named("dispatch"),
	}
}

// tenantResult is a worker's private outcome slice set. Workers never share
// mutable state; results are merged after the group finishes.
type tenantResult struct {
	successes []consentdomain.SuccessOutcome
	fails     []consentdomain.FailureOutcome
	skips     []consentdomain.SkipOutcome
	transient int
	messages  []string
}

// RunSingle submits up to limit pending records one request at a time.
// Per-record business failures are folded into the returned stats; only
// store failures propagate as errors.
func (s *Service) RunSingle(ctx context.Context, limit int) (consentdomain.RunStats, error) {
	records, err := s.consents.GetPending(ctx, s.db, limit)
	if err != nil {
		return consentdomain.RunStats{}, fmt.Errorf("get pending: %w", err)
	}

	order, grouped := groupByTenant(records)
	results := make([]tenantResult, len(order))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, tenantID := range order {
		g.Go(func() error {
			results[i] = s.runTenantSingle(gctx, tenantID, grouped[tenantID])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return consentdomain.RunStats{}, err
	}

	return s.flush(ctx, "dispatch_single", results)
}

func (s *Service) runTenantSingle(ctx context.Context, tenantID snowflake.ID, records []*consentdomain.ConsentRecord) tenantResult {
	var res tenantResult

	tenant := s.loadTenant(ctx, tenantID, &res)
	if tenant == nil {
		return res
	}

	plan, err := s.prepare(ctx, tenant, records, s.clock.Now())
	if err != nil {
		res.messages = append(res.messages, fmt.Sprintf("tenant %d: %v", tenantID, err))
		res.transient += len(records)
		return res
	}
	res.skips = plan.skips
	res.fails = plan.fails

	for _, r := range plan.ready {
		resp, err := s.registry.AddConsent(ctx, tenant, toRequest(r))
		if err == nil {
			res.successes = append(res.successes, consentdomain.SuccessOutcome{
				RecordID:      r.ID,
				TransactionID: resp.TransactionID,
			})
			continue
		}
		if isRateLimited(err) {
			res.messages = append(res.messages, fmt.Sprintf("tenant %d halted: %v", tenantID, err))
			res.transient += remaining(plan.ready, r)
			break
		}
		if recErr, terminal := terminalFailure(err); terminal {
			res.fails = append(res.fails, consentdomain.FailureOutcome{RecordID: r.ID, Err: recErr})
			continue
		}
		// Transient: stays pending, retried on the next scheduled run.
		res.transient++
		res.messages = append(res.messages, fmt.Sprintf("record %d: %v", r.ID, err))
	}
	return res
}

// RunBatch groups pending records per tenant into slices of at most
// batchSize and submits each slice as one asynchronous registry request.
// Accepted batches move their members to AWAITING_QUERY for the
// reconciliation pipeline; a per-item validation rejection marks exactly
// the offending records failed and reassigns the rest to a fresh batch.
func (s *Service) RunBatch(ctx context.Context, batchSize, batchCount int, checkAfter time.Duration) (consentdomain.RunStats, error) {
	sizeCap := s.policy.Get().MaxBatchSize
	if sizeCap > registry.MaxBatchSize {
		sizeCap = registry.MaxBatchSize
	}
	if batchSize <= 0 || batchSize > sizeCap {
		batchSize = sizeCap
	}
	if batchCount <= 0 {
		batchCount = 1
	}

	records, err := s.consents.GetPending(ctx, s.db, batchSize*batchCount)
	if err != nil {
		return consentdomain.RunStats{}, fmt.Errorf("get pending: %w", err)
	}

	order, grouped := groupByTenant(records)
	results := make([]tenantResult, len(order))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, tenantID := range order {
		g.Go(func() error {
			results[i] = s.runTenantBatch(gctx, tenantID, grouped[tenantID], batchSize, checkAfter)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return consentdomain.RunStats{}, err
	}

	return s.flush(ctx, "dispatch_batch", results)
}

func (s *Service) runTenantBatch(ctx context.Context, tenantID snowflake.ID, records []*consentdomain.ConsentRecord, batchSize int, checkAfter time.Duration) tenantResult {
	var res tenantResult

	tenant := s.loadTenant(ctx, tenantID, &res)
	if tenant == nil {
		return res
	}

	now := s.clock.Now()
	plan, err := s.prepare(ctx, tenant, records, now)
	if err != nil {
		res.messages = append(res.messages, fmt.Sprintf("tenant %d: %v", tenantID, err))
		res.transient += len(records)
		return res
	}
	res.skips = plan.skips
	res.fails = plan.fails

	logID := ulid.Make().String()
	for start := 0; start < len(plan.ready); start += batchSize {
		end := min(start+batchSize, len(plan.ready))
		slice := plan.ready[start:end]

		halted, tr := s.submitBatch(ctx, tenant, slice, logID, checkAfter, &res)
		res.transient += tr
		if halted {
			res.transient += len(plan.ready) - end
			break
		}
	}
	return res
}

// submitBatch sends one slice. Returns whether the tenant got halted and how
// many records of the slice stay pending for a later run.
func (s *Service) submitBatch(ctx context.Context, tenant *tenantdomain.Tenant, slice []*consentdomain.ConsentRecord, logID string, checkAfter time.Duration, res *tenantResult) (bool, int) {
	now := s.clock.Now()
	ids := make([]snowflake.ID, len(slice))
	reqs := make([]registry.ConsentRequest, len(slice))
	for i, r := range slice {
		ids[i] = r.ID
		reqs[i] = toRequest(r)
	}

	batch := &consentdomain.Batch{
		ID:         s.node.Generate(),
		TenantID:   tenant.ID,
		LogID:      logID,
		CheckAfter: now.Add(checkAfter),
		CreatedAt:  now,
	}
	if err := s.consents.CreateBatch(ctx, s.db, batch, ids); err != nil {
		res.messages = append(res.messages, fmt.Sprintf("batch create: %v", err))
		return false, len(slice)
	}

	accepted, err := s.registry.AddMultipleConsent(ctx, tenant, reqs)
	if err == nil {
		if err := s.consents.MarkBatchAccepted(ctx, s.db, batch.ID, accepted.RequestID); err != nil {
			res.messages = append(res.messages, fmt.Sprintf("batch %d accept: %v", batch.ID, err))
			return false, len(slice)
		}
		s.log.Info("batch submitted",
			zap.Int64("batch_id", int64(batch.ID)),
			zap.String("request_id", accepted.RequestID),
			zap.String("log_id", logID),
			zap.Int("records", len(slice)))
		return false, 0
	}

	if isRateLimited(err) {
		res.messages = append(res.messages, fmt.Sprintf("tenant %d halted: %v", tenant.ID, err))
		return true, len(slice)
	}

	var vErr *registry.ValidationError
	if errors.As(err, &vErr) {
		return false, s.reorderBatch(ctx, tenant, batch, slice, vErr, res)
	}

	res.messages = append(res.messages, fmt.Sprintf("batch %d: %v", batch.ID, err))
	return false, len(slice)
}

// reorderBatch applies a 422 per-item rejection: the named indices are
// terminal failures, everything else moves to a fresh batch and is retried
// on a later run.
func (s *Service) reorderBatch(ctx context.Context, tenant *tenantdomain.Tenant, batch *consentdomain.Batch, slice []*consentdomain.ConsentRecord, vErr *registry.ValidationError, res *tenantResult) int {
	rejected := make(map[int]registry.ItemError, len(vErr.Items))
	for _, item := range vErr.Items {
		if item.Index < 0 || item.Index >= len(slice) {
			s.log.Warn("validation index out of range",
				zap.Int64("batch_id", int64(batch.ID)), zap.Int("index", item.Index))
			continue
		}
		rejected[item.Index] = item
	}

	var surviving []snowflake.ID
	for i, r := range slice {
		if item, ok := rejected[i]; ok {
			res.fails = append(res.fails, consentdomain.FailureOutcome{
				RecordID: r.ID,
				Err:      consentdomain.RecordError{Code: item.Code, Message: item.Message},
			})
			continue
		}
		surviving = append(surviving, r.ID)
	}

	if len(surviving) > 0 {
		next := &consentdomain.Batch{
			ID:         s.node.Generate(),
			TenantID:   tenant.ID,
			LogID:      batch.LogID,
			CheckAfter: batch.CheckAfter,
			CreatedAt:  s.clock.Now(),
		}
		if err := s.consents.ReassignBatch(ctx, s.db, next, surviving); err != nil {
			res.messages = append(res.messages, fmt.Sprintf("batch %d reorder: %v", batch.ID, err))
		}
	}
	return len(surviving)
}

// loadTenant resolves the tenant or records why its records are left
// untouched this run.
func (s *Service) loadTenant(ctx context.Context, tenantID snowflake.ID, res *tenantResult) *tenantdomain.Tenant {
	tenant, err := s.tenants.FindByID(ctx, s.db, tenantID)
	if err != nil {
		res.messages = append(res.messages, fmt.Sprintf("tenant %d: %v", tenantID, err))
		return nil
	}
	if !tenant.Enabled {
		res.messages = append(res.messages, fmt.Sprintf("tenant %d disabled", tenantID))
		return nil
	}
	return tenant
}

// flush applies all workers' outcomes in one bulk store pass and folds the
// counters into run stats.
func (s *Service) flush(ctx context.Context, pipeline string, results []tenantResult) (consentdomain.RunStats, error) {
	var (
		successes []consentdomain.SuccessOutcome
		fails     []consentdomain.FailureOutcome
		skips     []consentdomain.SkipOutcome
		stats     consentdomain.RunStats
	)
	for _, r := range results {
		successes = append(successes, r.successes...)
		fails = append(fails, r.fails...)
		skips = append(skips, r.skips...)
		stats.FailedCount += r.transient
		stats.Messages = append(stats.Messages, r.messages...)
	}

	if err := s.consents.MarkSucceeded(ctx, s.db, successes); err != nil {
		return stats, fmt.Errorf("mark succeeded: %w", err)
	}
	if err := s.consents.MarkFailed(ctx, s.db, fails); err != nil {
		return stats, fmt.Errorf("mark failed: %w", err)
	}
	if err := s.consents.MarkSkipped(ctx, s.db, skips); err != nil {
		return stats, fmt.Errorf("mark skipped: %w", err)
	}

	stats.SuccessCount = len(successes)
	stats.FailedCount += len(fails)

	m := metrics.Pipeline()
	m.AddRecords(pipeline, "success", len(successes))
	m.AddRecords(pipeline, "failed", len(fails))
	m.AddRecords(pipeline, "skipped", len(skips))
	for _, skip := range skips {
		m.IncSkip(skip.Reason)
	}

	s.log.Info("dispatch run done",
		zap.String("pipeline", pipeline),
		zap.Int("success", stats.SuccessCount),
		zap.Int("failed", stats.FailedCount),
		zap.Int("skipped", len(skips)))
	return stats, nil
}

func groupByTenant(records []*consentdomain.ConsentRecord) ([]snowflake.ID, map[snowflake.ID][]*consentdomain.ConsentRecord) {
	var order []snowflake.ID
	grouped := make(map[snowflake.ID][]*consentdomain.ConsentRecord)
	for _, r := range records {
		if _, ok := grouped[r.TenantID]; !ok {
			order = append(order, r.TenantID)
		}
		grouped[r.TenantID] = append(grouped[r.TenantID], r)
	}
	return order, grouped
}

func toRequest(r *consentdomain.ConsentRecord) registry.ConsentRequest {
	req := registry.ConsentRequest{
		Recipient:     r.Recipient,
		RecipientType: string(r.RecipientType),
		Type:          strings.ToUpper(string(r.ConsentType)),
		Status:        string(r.Status),
		Source:        r.Source,
	}
	if r.ConsentDate != nil {
		req.ConsentDate = r.ConsentDate.UTC().Format(registry.ConsentDateLayout)
	}
	return req
}

func isRateLimited(err error) bool {
	var rl *tokendomain.RateLimitedError
	return errors.As(err, &rl)
}

// terminalFailure classifies a registry rejection that retrying cannot fix.
// Transport errors and 5xx responses are transient and keep the record
// pending.
func terminalFailure(err error) (consentdomain.RecordError, bool) {
	var apiErr *registry.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return consentdomain.RecordError{Code: apiErr.Code, Message: apiErr.Message}, true
	}
	return consentdomain.RecordError{}, false
}

func remaining(ready []*consentdomain.ConsentRecord, from *consentdomain.ConsentRecord) int {
	for i, r := range ready {
		if r == from {
			return len(ready) - i
		}
	}
	return 0
}
