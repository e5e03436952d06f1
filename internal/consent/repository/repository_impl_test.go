package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/smallbiznis/consentflow/internal/consent/domain"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Exec(`CREATE TABLE consent_records (
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
	)`).Error)

	require.NoError(t, db.Exec(`CREATE TABLE consent_batches (
		id INTEGER PRIMARY KEY,
		tenant_id INTEGER NOT NULL,
		external_request_id TEXT,
		log_id TEXT NOT NULL,
		check_after DATETIME NOT NULL,
		resolved_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`).Error)
	return db
}

var recordSeq int64

func seedRecord(t *testing.T, db *gorm.DB, mutate func(*domain.ConsentRecord)) *domain.ConsentRecord {
	t.Helper()
	recordSeq++
	rec := &domain.ConsentRecord{
		ID:            snowflake.ID(recordSeq),
		TenantID:      1,
		Recipient:     "+905321234567",
		RecipientType: domain.RecipientIndividual,
		ConsentType:   domain.TypeMessage,
		Status:        domain.StatusOn,
		Source:        "HS_WEB",
		SyncState:     domain.StatePending,
		CreatedAt:     time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt:     time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, db.Create(rec).Error)
	return rec
}

func stateOf(t *testing.T, db *gorm.DB, id snowflake.ID) domain.SyncState {
	t.Helper()
	rec, err := Provide().GetRecord(context.Background(), db, id)
	require.NoError(t, err)
	return rec.SyncState
}

func TestGetPendingOrdering(t *testing.T) {
	db := setupDB(t)
	repo := Provide()
	ctx := context.Background()

	late := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	early := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	undated := seedRecord(t, db, nil)
	rLate := seedRecord(t, db, func(r *domain.ConsentRecord) { r.ConsentDate = &late })
	rEarly := seedRecord(t, db, func(r *domain.ConsentRecord) { r.ConsentDate = &early })
	seedRecord(t, db, func(r *domain.ConsentRecord) { r.SyncState = domain.StateSucceeded })

	got, err := repo.GetPending(ctx, db, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, rEarly.ID, got[0].ID)
	require.Equal(t, rLate.ID, got[1].ID)
	require.Equal(t, undated.ID, got[2].ID, "undated records sort last")

	capped, err := repo.GetPending(ctx, db, 2)
	require.NoError(t, err)
	require.Len(t, capped, 2)
}

func TestBatchLifecycle(t *testing.T) {
	db := setupDB(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	r1 := seedRecord(t, db, nil)
	r2 := seedRecord(t, db, nil)

	batch := &domain.Batch{ID: 900, TenantID: 1, LogID: "01HTESTLOG", CheckAfter: now.Add(time.Minute), CreatedAt: now}
	require.NoError(t, repo.CreateBatch(ctx, db, batch, []snowflake.ID{r1.ID, r2.ID}))

	// Not yet accepted: records stay pending, batch invisible to reconciliation.
	require.Equal(t, domain.StatePending, stateOf(t, db, r1.ID))
	unresolved, err := repo.GetUnresolvedBatches(ctx, db, now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, unresolved)

	require.NoError(t, repo.MarkBatchAccepted(ctx, db, batch.ID, "req-abc"))
	require.Equal(t, domain.StateAwaitingQuery, stateOf(t, db, r1.ID))
	require.Equal(t, domain.StateAwaitingQuery, stateOf(t, db, r2.ID))

	unresolved, err = repo.GetUnresolvedBatches(ctx, db, now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	require.Equal(t, "req-abc", *unresolved[0].ExternalRequestID)

	// check_after still in the future when polled too early.
	unresolved, err = repo.GetUnresolvedBatches(ctx, db, now, 10)
	require.NoError(t, err)
	require.Empty(t, unresolved)

	members, err := repo.GetBatchRecords(ctx, db, batch.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, r1.ID, members[0].ID)

	require.NoError(t, repo.ResolveBatch(ctx, db, batch.ID, now.Add(2*time.Minute)))
	unresolved, err = repo.GetUnresolvedBatches(ctx, db, now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, unresolved)
}

func TestReassignBatch(t *testing.T) {
	db := setupDB(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	r1 := seedRecord(t, db, nil)
	r2 := seedRecord(t, db, nil)
	batch := &domain.Batch{ID: 900, TenantID: 1, LogID: "01HTESTLOG", CheckAfter: now, CreatedAt: now}
	require.NoError(t, repo.CreateBatch(ctx, db, batch, []snowflake.ID{r1.ID, r2.ID}))

	next := &domain.Batch{ID: 901, TenantID: 1, LogID: "01HTESTLOG", CheckAfter: now.Add(time.Minute), CreatedAt: now}
	require.NoError(t, repo.ReassignBatch(ctx, db, next, []snowflake.ID{r2.ID}))

	moved, err := repo.GetBatchRecords(ctx, db, next.ID)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	require.Equal(t, r2.ID, moved[0].ID)
	require.Equal(t, domain.StatePending, moved[0].SyncState)

	left, err := repo.GetBatchRecords(ctx, db, batch.ID)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, r1.ID, left[0].ID)
}

func TestOutcomesAreConditional(t *testing.T) {
	db := setupDB(t)
	repo := Provide()
	ctx := context.Background()

	ok := seedRecord(t, db, nil)
	bad := seedRecord(t, db, nil)
	done := seedRecord(t, db, func(r *domain.ConsentRecord) { r.SyncState = domain.StateSucceeded })

	require.NoError(t, repo.MarkSucceeded(ctx, db, []domain.SuccessOutcome{
		{RecordID: ok.ID, TransactionID: "txn-1", Pulled: false},
	}))
	require.NoError(t, repo.MarkFailed(ctx, db, []domain.FailureOutcome{
		{RecordID: bad.ID, Err: domain.RecordError{Code: "H478", Message: "invalid recipient"}},
		{RecordID: done.ID, Err: domain.RecordError{Code: "H478", Message: "must not apply"}},
	}))

	got, err := repo.GetRecord(ctx, db, ok.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateSucceeded, got.SyncState)
	require.Equal(t, "txn-1", *got.ExternalTransactionID)

	require.Equal(t, domain.StateFailed, stateOf(t, db, bad.ID))
	// Terminal records ignore later outcomes.
	require.Equal(t, domain.StateSucceeded, stateOf(t, db, done.ID))
}

func TestMarkSkippedOnlyFromPending(t *testing.T) {
	db := setupDB(t)
	repo := Provide()
	ctx := context.Background()

	pending := seedRecord(t, db, nil)
	awaiting := seedRecord(t, db, func(r *domain.ConsentRecord) { r.SyncState = domain.StateAwaitingQuery })

	require.NoError(t, repo.MarkSkipped(ctx, db, []domain.SkipOutcome{
		{RecordID: pending.ID, Reason: domain.SkipAlreadyApproved},
		{RecordID: awaiting.ID, Reason: domain.SkipAlreadyApproved},
	}))

	got, err := repo.GetRecord(ctx, db, pending.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateOverdue, got.SyncState)
	require.Equal(t, domain.SkipAlreadyApproved, got.OverdueReason)

	require.Equal(t, domain.StateAwaitingQuery, stateOf(t, db, awaiting.ID))
}

func TestMarkStaleDuplicates(t *testing.T) {
	db := setupDB(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	older := seedRecord(t, db, func(r *domain.ConsentRecord) {
		r.CreatedAt = now.Add(-48 * time.Hour)
	})
	newer := seedRecord(t, db, func(r *domain.ConsentRecord) {
		r.CreatedAt = now.Add(-time.Hour)
	})
	otherStatus := seedRecord(t, db, func(r *domain.ConsentRecord) {
		r.Status = domain.StatusRet
		r.CreatedAt = now.Add(-72 * time.Hour)
	})

	n, err := repo.MarkStaleDuplicates(ctx, db, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := repo.GetRecord(ctx, db, older.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateOverdue, got.SyncState)
	require.Equal(t, domain.ReasonSuperseded, got.OverdueReason)

	require.Equal(t, domain.StatePending, stateOf(t, db, newer.ID))
	require.Equal(t, domain.StatePending, stateOf(t, db, otherStatus.ID))

	// Idempotent: a second sweep has nothing left to do.
	n, err = repo.MarkStaleDuplicates(ctx, db, now)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestMarkAgedPending(t *testing.T) {
	db := setupDB(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC)
	cutoff := now.Add(-72 * time.Hour)

	aged := seedRecord(t, db, func(r *domain.ConsentRecord) { r.CreatedAt = cutoff.Add(-time.Minute) })
	fresh := seedRecord(t, db, func(r *domain.ConsentRecord) { r.CreatedAt = cutoff.Add(time.Minute) })
	agedDone := seedRecord(t, db, func(r *domain.ConsentRecord) {
		r.CreatedAt = cutoff.Add(-time.Hour)
		r.SyncState = domain.StateSucceeded
	})

	n, err := repo.MarkAgedPending(ctx, db, cutoff, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := repo.GetRecord(ctx, db, aged.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateOverdue, got.SyncState)
	require.Equal(t, domain.ReasonExpired, got.OverdueReason)

	require.Equal(t, domain.StatePending, stateOf(t, db, fresh.ID))
	require.Equal(t, domain.StateSucceeded, stateOf(t, db, agedDone.ID))
}
