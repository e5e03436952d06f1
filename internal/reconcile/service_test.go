package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/smallbiznis/consentflow/internal/clock"
	"github.com/smallbiznis/consentflow/internal/config"
	consentdomain "github.com/smallbiznis/consentflow/internal/consent/domain"
	consentrepo "github.com/smallbiznis/consentflow/internal/consent/repository"
	"github.com/smallbiznis/consentflow/internal/registry"
	tenantrepo "github.com/smallbiznis/consentflow/internal/tenant/repository"
	tokendomain "github.com/smallbiznis/consentflow/internal/token/domain"
)

var testNow = time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC)

type stubTokens struct{}

func (stubTokens) GetToken(context.Context, snowflake.ID, bool) (*tokendomain.Token, error) {
	return &tokendomain.Token{AccessToken: "tok"}, nil
}

func (stubTokens) Halt(context.Context, snowflake.ID, time.Time) error { return nil }

type harness struct {
	svc *Service
	db  *gorm.DB
	seq int64
}

func newHarness(t *testing.T, handler http.Handler) *harness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE tenants (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			iys_code TEXT NOT NULL,
			brand_code TEXT NOT NULL,
			username TEXT NOT NULL,
			password TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE consent_records (
			id INTEGER PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			recipient TEXT NOT NULL,
			recipient_type TEXT NOT NULL,
			consent_type TEXT NOT NULL,
			status TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			consent_date DATETIME,
			sync_state TEXT NOT NULL DEFAULT 'PENDING',
			batch_id INTEGER,
			external_transaction_id TEXT,
			is_pulled BOOLEAN NOT NULL DEFAULT FALSE,
			overdue_reason TEXT NOT NULL DEFAULT '',
			last_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE consent_batches (
			id INTEGER PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			external_request_id TEXT,
			log_id TEXT NOT NULL,
			check_after DATETIME NOT NULL,
			resolved_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`INSERT INTO tenants (id, name, iys_code, brand_code, username, password)
		 VALUES (1, 'Acme', '100001', '200001', 'acme', 'secret')`,
	} {
		require.NoError(t, db.Exec(stmt).Error)
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	clk := clock.NewFakeClock(testNow)
	log := zaptest.NewLogger(t)
	client := registry.New(registry.Params{
		Config: config.Config{Registry: config.RegistryConfig{BaseURL: srv.URL, HTTPTimeout: 5 * time.Second}},
		Tokens: stubTokens{},
		Policy: config.StaticPolicyHolder(config.DefaultPolicyConfig()),
		Clock:  clk,
		Log:    log,
	})

	return &harness{
		svc: &Service{
			db:       db,
			consents: consentrepo.Provide(),
			tenants:  tenantrepo.Provide(),
			registry: client,
			clock:    clk,
			log:      log,
		},
		db: db,
	}
}

// seedBatch creates an accepted batch of n records whose check_after has
// already passed, returning the records in submission order.
func (h *harness) seedBatch(t *testing.T, batchID snowflake.ID, requestID string, n int) []*consentdomain.ConsentRecord {
	t.Helper()
	ctx := context.Background()

	var records []*consentdomain.ConsentRecord
	var ids []snowflake.ID
	for i := 0; i < n; i++ {
		h.seq++
		consented := testNow.Add(time.Duration(i-60) * time.Minute)
		rec := &consentdomain.ConsentRecord{
			ID:            snowflake.ID(h.seq),
			TenantID:      1,
			Recipient:     "+90555111000" + string(rune('0'+i)),
			RecipientType: consentdomain.RecipientIndividual,
			ConsentType:   consentdomain.TypeMessage,
			Status:        consentdomain.StatusOn,
			ConsentDate:   &consented,
			SyncState:     consentdomain.StatePending,
			CreatedAt:     testNow.Add(-2 * time.Hour),
			UpdatedAt:     testNow.Add(-2 * time.Hour),
		}
		require.NoError(t, h.db.Create(rec).Error)
		records = append(records, rec)
		ids = append(ids, rec.ID)
	}

	batch := &consentdomain.Batch{
		ID:         batchID,
		TenantID:   1,
		LogID:      "01HTESTLOG",
		CheckAfter: testNow.Add(-time.Minute),
		CreatedAt:  testNow.Add(-10 * time.Minute),
	}
	require.NoError(t, h.svc.consents.CreateBatch(ctx, h.db, batch, ids))
	require.NoError(t, h.svc.consents.MarkBatchAccepted(ctx, h.db, batch.ID, requestID))
	return records
}

func (h *harness) record(t *testing.T, id snowflake.ID) *consentdomain.ConsentRecord {
	t.Helper()
	rec, err := h.svc.consents.GetRecord(context.Background(), h.db, id)
	require.NoError(t, err)
	return rec
}

func TestRunIndexMappingIsZeroBased(t *testing.T) {
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/consents/100001/queryMultipleConsentRequest/req-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"subRequests":[{"index":2,"status":"failure","error":{"code":"H500","message":"rejected"}}]}`))
	}))
	records := h.seedBatch(t, 900, "req-1", 5)

	stats, err := h.svc.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.SuccessCount)
	assert.Equal(t, 1, stats.FailedCount)

	// Index 2 names the third record in submission order.
	failed := h.record(t, records[2].ID)
	assert.Equal(t, consentdomain.StateFailed, failed.SyncState)
	assert.Contains(t, string(failed.LastError), "H500")

	for _, i := range []int{0, 1, 3, 4} {
		got := h.record(t, records[i].ID)
		assert.Equal(t, consentdomain.StateSucceeded, got.SyncState)
		assert.True(t, got.IsPulled)
	}

	unresolved, err := h.svc.consents.GetUnresolvedBatches(context.Background(), h.db, testNow.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestRunEnqueuedBatchLeftUntouched(t *testing.T) {
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"requestStatus":"enqueue","subRequests":[]}`))
	}))
	records := h.seedBatch(t, 900, "req-1", 2)

	stats, err := h.svc.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, stats.SuccessCount)
	assert.Zero(t, stats.FailedCount)

	for _, rec := range records {
		assert.Equal(t, consentdomain.StateAwaitingQuery, h.record(t, rec.ID).SyncState)
	}
	unresolved, err := h.svc.consents.GetUnresolvedBatches(context.Background(), h.db, testNow.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, unresolved, 1, "still due on the next run")
}

func TestRunSuccessTransactionRecorded(t *testing.T) {
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"subRequests":[{"index":0,"status":"success","transactionId":"tx-77","creationDate":"2024-03-06 09:05:00"}]}`))
	}))
	records := h.seedBatch(t, 900, "req-1", 1)

	stats, err := h.svc.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SuccessCount)

	got := h.record(t, records[0].ID)
	assert.Equal(t, consentdomain.StateSucceeded, got.SyncState)
	require.NotNil(t, got.ExternalTransactionID)
	assert.Equal(t, "tx-77", *got.ExternalTransactionID)
	assert.True(t, got.IsPulled)
}

func TestRunOutOfRangeIndexIgnored(t *testing.T) {
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"subRequests":[{"index":9,"status":"failure","error":{"code":"H500","message":"ghost"}}]}`))
	}))
	records := h.seedBatch(t, 900, "req-1", 2)

	stats, err := h.svc.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.SuccessCount)
	assert.Zero(t, stats.FailedCount)

	for _, rec := range records {
		assert.Equal(t, consentdomain.StateSucceeded, h.record(t, rec.ID).SyncState)
	}
}

func TestRunUnrecognizedSubStatusFailsRecord(t *testing.T) {
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"subRequests":[{"index":0,"status":"retry"}]}`))
	}))
	records := h.seedBatch(t, 900, "req-1", 2)

	stats, err := h.svc.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SuccessCount)
	assert.Equal(t, 1, stats.FailedCount)

	// The record named with a status we cannot interpret must not stay
	// awaiting on a batch that will never be polled again.
	got := h.record(t, records[0].ID)
	assert.Equal(t, consentdomain.StateFailed, got.SyncState)
	assert.Contains(t, string(got.LastError), consentdomain.FailUnknownStatus)

	assert.Equal(t, consentdomain.StateSucceeded, h.record(t, records[1].ID).SyncState)

	unresolved, err := h.svc.consents.GetUnresolvedBatches(context.Background(), h.db, testNow.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestRunQueryFailureKeepsBatch(t *testing.T) {
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	records := h.seedBatch(t, 900, "req-1", 1)

	stats, err := h.svc.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, stats.SuccessCount)
	assert.NotEmpty(t, stats.Messages)

	assert.Equal(t, consentdomain.StateAwaitingQuery, h.record(t, records[0].ID).SyncState)
}
