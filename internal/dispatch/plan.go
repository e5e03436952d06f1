package dispatch

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	consentdomain "github.com/smallbiznis/consentflow/internal/consent/domain"
	"github.com/smallbiznis/consentflow/internal/registry"
	tenantdomain "github.com/smallbiznis/consentflow/internal/tenant/domain"
	"github.com/smallbiznis/consentflow/pkg/businessday"
	"github.com/smallbiznis/consentflow/pkg/mask"
)

// phonePattern is the normalized recipient format the registry accepts for
// phone-addressed channels.
var phonePattern = regexp.MustCompile(`^\+905[0-9]{9}$`)

// tenantPlan is the outcome of the pre-network filtering pass for one
// tenant's slice of a run. ready keeps the store's selection order.
type tenantPlan struct {
	tenant *tenantdomain.Tenant
	ready  []*consentdomain.ConsentRecord
	skips  []consentdomain.SkipOutcome
	fails  []consentdomain.FailureOutcome
}

type identityKey struct {
	recipient     string
	recipientType consentdomain.RecipientType
	consentType   consentdomain.ConsentType
	status        consentdomain.ConsentStatus
}

func identityOf(r *consentdomain.ConsentRecord) identityKey {
	return identityKey{r.Recipient, r.RecipientType, r.ConsentType, r.Status}
}

// prepare applies the skip rules in precedence order plus recipient
// validation and in-run deduplication, all before any submit call. The
// registry approval lookup is the only network touch; when it fails the
// approval-based rules are not applied and the records go through, the
// registry re-checks on submission anyway.
func (s *Service) prepare(ctx context.Context, tenant *tenantdomain.Tenant, records []*consentdomain.ConsentRecord, now time.Time) (*tenantPlan, error) {
	plan := &tenantPlan{tenant: tenant}

	// Rule 1: within the run's window, only the newest pending record per
	// (recipient, recipientType, channel, status) reaches the wire.
	newest := make(map[identityKey]*consentdomain.ConsentRecord, len(records))
	for _, r := range records {
		key := identityOf(r)
		cur, ok := newest[key]
		if !ok || r.CreatedAt.After(cur.CreatedAt) || (r.CreatedAt.Equal(cur.CreatedAt) && r.ID > cur.ID) {
			newest[key] = r
		}
	}

	survivors := records[:0:0]
	for _, r := range records {
		if newest[identityOf(r)] != r {
			plan.skips = append(plan.skips, consentdomain.SkipOutcome{RecordID: r.ID, Reason: consentdomain.SkipStalePending})
			continue
		}
		survivors = append(survivors, r)
	}

	approvals, err := s.lookupApprovals(ctx, tenant, survivors)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(survivors))
	for _, r := range survivors {
		// Rules 2 and 3: reconcile against the registry's current view.
		if approvals != nil {
			approved := approvals[queryKeyOf(r)]
			if r.Status.Revocation() && !approved {
				plan.skips = append(plan.skips, consentdomain.SkipOutcome{RecordID: r.ID, Reason: consentdomain.SkipRetNotApproved})
				continue
			}
			if r.Status == consentdomain.StatusOn && approved {
				plan.skips = append(plan.skips, consentdomain.SkipOutcome{RecordID: r.ID, Reason: consentdomain.SkipAlreadyApproved})
				continue
			}
		}

		// Rule 4: business-day freshness window.
		if r.ConsentDate != nil && businessday.Expired(*r.ConsentDate, now, s.policy.Get().MaxAgeDays) {
			plan.skips = append(plan.skips, consentdomain.SkipOutcome{RecordID: r.ID, Reason: consentdomain.SkipOutdatedConsent})
			continue
		}

		if r.ConsentType.PhoneBased() && !phonePattern.MatchString(r.Recipient) {
			s.log.Warn("invalid recipient format",
				zap.Int64("record_id", int64(r.ID)),
				zap.String("recipient", mask.Recipient(r.Recipient)))
			plan.fails = append(plan.fails, consentdomain.FailureOutcome{
				RecordID: r.ID,
				Err:      consentdomain.RecordError{Code: consentdomain.FailInvalidRecipient, Message: "recipient must match +905XXXXXXXXX"},
			})
			continue
		}

		if _, dup := seen[r.DedupKey()]; dup {
			plan.fails = append(plan.fails, consentdomain.FailureOutcome{
				RecordID: r.ID,
				Err:      consentdomain.RecordError{Code: consentdomain.FailDuplicateInBatch, Message: "duplicate consent in submission window"},
			})
			continue
		}
		seen[r.DedupKey()] = struct{}{}

		plan.ready = append(plan.ready, r)
	}
	return plan, nil
}

func queryKeyOf(r *consentdomain.ConsentRecord) string {
	return r.Recipient + "|" + string(r.RecipientType) + "|" + strings.ToUpper(string(r.ConsentType))
}

// lookupApprovals asks the registry which (recipient, recipientType, channel)
// tuples it currently lists as approved. A nil map means the lookup was
// unavailable. A rate-limit halt aborts the tenant's whole run slice.
func (s *Service) lookupApprovals(ctx context.Context, tenant *tenantdomain.Tenant, records []*consentdomain.ConsentRecord) (map[string]bool, error) {
	if len(records) == 0 {
		return map[string]bool{}, nil
	}

	queries := make([]registry.ConsentQuery, 0, len(records))
	queued := make(map[string]struct{}, len(records))
	for _, r := range records {
		key := queryKeyOf(r)
		if _, ok := queued[key]; ok {
			continue
		}
		queued[key] = struct{}{}
		queries = append(queries, registry.ConsentQuery{
			Recipient:     r.Recipient,
			RecipientType: string(r.RecipientType),
			Type:          strings.ToUpper(string(r.ConsentType)),
		})
	}

	approvals := make(map[string]bool, len(queries))
	for start := 0; start < len(queries); start += registry.MaxBatchSize {
		end := min(start+registry.MaxBatchSize, len(queries))
		results, err := s.registry.QueryMultipleConsent(ctx, tenant, queries[start:end])
		if err != nil {
			if isRateLimited(err) {
				return nil, err
			}
			s.log.Warn("approval lookup unavailable, state skip rules not applied",
				zap.Int64("tenant_id", int64(tenant.ID)), zap.Error(err))
			return nil, nil
		}
		for _, res := range results {
			key := res.Recipient + "|" + res.RecipientType + "|" + strings.ToUpper(res.Type)
			approvals[key] = strings.EqualFold(res.Status, string(consentdomain.StatusOn))
		}
	}
	return approvals, nil
}
