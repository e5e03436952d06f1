package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// SuccessOutcome records a registry-confirmed record.
type SuccessOutcome struct {
	RecordID      snowflake.ID
	TransactionID string
	Pulled        bool
}

// FailureOutcome records a per-record rejection.
type FailureOutcome struct {
	RecordID snowflake.ID
	Err      RecordError
}

// SkipOutcome retires a record that never reached the wire.
type SkipOutcome struct {
	RecordID snowflake.ID
	Reason   string
}

// Repository persists consent records and batches. All state changes are
// conditional on the record's current sync state so that replays and
// concurrent sweeps stay idempotent.
type Repository interface {
	// GetPending returns pending records across all tenants ordered by
	// (consent_date nulls last, id), capped at limit.
	GetPending(ctx context.Context, db *gorm.DB, limit int) ([]*ConsentRecord, error)

	// GetRecord loads one record by id.
	GetRecord(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ConsentRecord, error)

	// Create inserts a new record in PENDING state.
	Create(ctx context.Context, db *gorm.DB, record *ConsentRecord) error

	// CreateBatch inserts the batch row and stamps its id onto the given
	// records, which stay PENDING until the registry accepts the request.
	CreateBatch(ctx context.Context, db *gorm.DB, batch *Batch, recordIDs []snowflake.ID) error

	// MarkBatchAccepted stores the registry request id on the batch and
	// moves its records to AWAITING_QUERY.
	MarkBatchAccepted(ctx context.Context, db *gorm.DB, batchID snowflake.ID, externalRequestID string) error

	// ReassignBatch moves the surviving records of a rejected batch onto a
	// fresh batch row for resubmission.
	ReassignBatch(ctx context.Context, db *gorm.DB, newBatch *Batch, recordIDs []snowflake.ID) error

	// GetUnresolvedBatches returns accepted batches whose check_after has
	// passed and which have not been resolved yet, oldest first.
	GetUnresolvedBatches(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*Batch, error)

	// GetBatchRecords returns a batch's records in submission order, the
	// same (consent_date nulls last, id) order used when the batch was
	// built, so positional sub-request indexes map back correctly.
	GetBatchRecords(ctx context.Context, db *gorm.DB, batchID snowflake.ID) ([]*ConsentRecord, error)

	// ResolveBatch closes a batch once every sub-request reached a final
	// status.
	ResolveBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID, resolvedAt time.Time) error

	// MarkSucceeded, MarkFailed and MarkSkipped apply run outcomes in bulk.
	// Records already in a terminal state are left untouched.
	MarkSucceeded(ctx context.Context, db *gorm.DB, outcomes []SuccessOutcome) error
	MarkFailed(ctx context.Context, db *gorm.DB, outcomes []FailureOutcome) error
	MarkSkipped(ctx context.Context, db *gorm.DB, outcomes []SkipOutcome) error

	// MarkStaleDuplicates retires every pending record superseded by a
	// newer pending record with the same tenant, recipient, recipient
	// type, channel and status. Returns the number of rows changed.
	MarkStaleDuplicates(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)

	// MarkAgedPending retires pending records created before the cutoff.
	MarkAgedPending(ctx context.Context, db *gorm.DB, cutoff, now time.Time) (int64, error)
}
