package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/smallbiznis/consentflow/internal/consent/domain"
)

type repo struct{}

// Provide returns the gorm-backed consent repository.
func Provide() domain.Repository {
	return &repo{}
}

// orderClause keeps paging and batch index mapping deterministic: business
// timestamp ascending, undated records last, id as tie-breaker.
const orderClause = `CASE WHEN consent_date IS NULL THEN 1 ELSE 0 END, consent_date, id`

func (r *repo) GetPending(ctx context.Context, db *gorm.DB, limit int) ([]*domain.ConsentRecord, error) {
	var records []*domain.ConsentRecord
	err := db.WithContext(ctx).
		Raw(`SELECT * FROM consent_records WHERE sync_state = ? ORDER BY `+orderClause+` LIMIT ?`,
			domain.StatePending, limit).
		Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) GetRecord(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.ConsentRecord, error) {
	var records []*domain.ConsentRecord
	err := db.WithContext(ctx).
		Raw(`SELECT * FROM consent_records WHERE id = ?`, id).
		Scan(&records).Error
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, domain.ErrNotFound
	}
	return records[0], nil
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, record *domain.ConsentRecord) error {
	return db.WithContext(ctx).Create(record).Error
}

func (r *repo) CreateBatch(ctx context.Context, db *gorm.DB, batch *domain.Batch, recordIDs []snowflake.ID) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return err
		}
		return tx.Exec(`UPDATE consent_records SET batch_id = ?, updated_at = ? WHERE id IN ? AND sync_state = ?`,
			batch.ID, batch.CreatedAt, recordIDs, domain.StatePending).Error
	})
}

func (r *repo) MarkBatchAccepted(ctx context.Context, db *gorm.DB, batchID snowflake.ID, externalRequestID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`UPDATE consent_batches SET external_request_id = ? WHERE id = ?`,
			externalRequestID, batchID).Error; err != nil {
			return err
		}
		return tx.Exec(`UPDATE consent_records SET sync_state = ? WHERE batch_id = ? AND sync_state = ?`,
			domain.StateAwaitingQuery, batchID, domain.StatePending).Error
	})
}

func (r *repo) ReassignBatch(ctx context.Context, db *gorm.DB, newBatch *domain.Batch, recordIDs []snowflake.ID) error {
	if len(recordIDs) == 0 {
		return nil
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(newBatch).Error; err != nil {
			return err
		}
		return tx.Exec(`UPDATE consent_records SET batch_id = ?, sync_state = ?, updated_at = ? WHERE id IN ? AND sync_state IN ?`,
			newBatch.ID, domain.StatePending, newBatch.CreatedAt, recordIDs,
			[]domain.SyncState{domain.StatePending, domain.StateAwaitingQuery}).Error
	})
}

func (r *repo) GetUnresolvedBatches(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*domain.Batch, error) {
	var batches []*domain.Batch
	err := db.WithContext(ctx).
		Raw(`SELECT * FROM consent_batches
		     WHERE resolved_at IS NULL AND external_request_id IS NOT NULL AND check_after <= ?
		     ORDER BY check_after, id LIMIT ?`, now, limit).
		Scan(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func (r *repo) GetBatchRecords(ctx context.Context, db *gorm.DB, batchID snowflake.ID) ([]*domain.ConsentRecord, error) {
	var records []*domain.ConsentRecord
	err := db.WithContext(ctx).
		Raw(`SELECT * FROM consent_records WHERE batch_id = ? ORDER BY `+orderClause, batchID).
		Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) ResolveBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID, resolvedAt time.Time) error {
	return db.WithContext(ctx).
		Exec(`UPDATE consent_batches SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
			resolvedAt, batchID).Error
}

var nonTerminal = []domain.SyncState{domain.StatePending, domain.StateAwaitingQuery}

func (r *repo) MarkSucceeded(ctx context.Context, db *gorm.DB, outcomes []domain.SuccessOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, o := range outcomes {
			err := tx.Exec(`UPDATE consent_records
			                SET sync_state = ?, external_transaction_id = ?, is_pulled = ?, last_error = NULL, updated_at = ?
			                WHERE id = ? AND sync_state IN ?`,
				domain.StateSucceeded, o.TransactionID, o.Pulled, now, o.RecordID, nonTerminal).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, outcomes []domain.FailureOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, o := range outcomes {
			err := tx.Exec(`UPDATE consent_records
			                SET sync_state = ?, last_error = ?, updated_at = ?
			                WHERE id = ? AND sync_state IN ?`,
				domain.StateFailed, o.Err.JSON(), now, o.RecordID, nonTerminal).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *repo) MarkSkipped(ctx context.Context, db *gorm.DB, outcomes []domain.SkipOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, o := range outcomes {
			err := tx.Exec(`UPDATE consent_records
			                SET sync_state = ?, overdue_reason = ?, updated_at = ?
			                WHERE id = ? AND sync_state = ?`,
				domain.StateOverdue, o.Reason, now, o.RecordID, domain.StatePending).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *repo) MarkStaleDuplicates(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(`
		UPDATE consent_records SET sync_state = ?, overdue_reason = ?, updated_at = ?
		WHERE sync_state = ? AND EXISTS (
			SELECT 1 FROM consent_records newer
			WHERE newer.tenant_id = consent_records.tenant_id
			  AND newer.recipient = consent_records.recipient
			  AND newer.recipient_type = consent_records.recipient_type
			  AND newer.consent_type = consent_records.consent_type
			  AND newer.status = consent_records.status
			  AND newer.sync_state = ?
			  AND (newer.created_at > consent_records.created_at
			       OR (newer.created_at = consent_records.created_at AND newer.id > consent_records.id))
		)`,
		domain.StateOverdue, domain.ReasonSuperseded, now,
		domain.StatePending, domain.StatePending)
	return res.RowsAffected, res.Error
}

func (r *repo) MarkAgedPending(ctx context.Context, db *gorm.DB, cutoff, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(`
		UPDATE consent_records SET sync_state = ?, overdue_reason = ?, updated_at = ?
		WHERE sync_state = ? AND created_at < ?`,
		domain.StateOverdue, domain.ReasonExpired, now,
		domain.StatePending, cutoff)
	return res.RowsAffected, res.Error
}
