package janitor

import (
	"context"
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
)

var testNow = time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *gorm.DB) {
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

	svc := &Service{
		db:       db,
		consents: consentrepo.Provide(),
		policy:   config.StaticPolicyHolder(config.DefaultPolicyConfig()),
		clock:    clock.NewFakeClock(testNow),
		log:      zaptest.NewLogger(t),
	}
	return svc, db
}

var seq int64

func seed(t *testing.T, db *gorm.DB, mutate func(*consentdomain.ConsentRecord)) *consentdomain.ConsentRecord {
	t.Helper()
	seq++
	rec := &consentdomain.ConsentRecord{
		ID:            snowflake.ID(seq),
		TenantID:      1,
		Recipient:     "+905551112233",
		RecipientType: consentdomain.RecipientIndividual,
		ConsentType:   consentdomain.TypeMessage,
		Status:        consentdomain.StatusOn,
		SyncState:     consentdomain.StatePending,
		CreatedAt:     testNow.Add(-time.Hour),
		UpdatedAt:     testNow.Add(-time.Hour),
	}
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, db.Create(rec).Error)
	return rec
}

func stateOf(t *testing.T, db *gorm.DB, id snowflake.ID) consentdomain.SyncState {
	t.Helper()
	rec, err := consentrepo.Provide().GetRecord(context.Background(), db, id)
	require.NoError(t, err)
	return rec.SyncState
}

func TestRunSweepsDuplicatesAndAged(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	superseded := seed(t, db, func(r *consentdomain.ConsentRecord) { r.CreatedAt = testNow.Add(-5 * time.Hour) })
	newest := seed(t, db, nil)
	aged := seed(t, db, func(r *consentdomain.ConsentRecord) {
		r.Recipient = "+905551110001"
		r.CreatedAt = testNow.Add(-4 * 24 * time.Hour)
	})
	fresh := seed(t, db, func(r *consentdomain.ConsentRecord) { r.Recipient = "+905551110002" })

	stats, err := svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.SuccessCount)
	assert.Len(t, stats.Messages, 2)

	assert.Equal(t, consentdomain.StateOverdue, stateOf(t, db, superseded.ID))
	assert.Equal(t, consentdomain.StateOverdue, stateOf(t, db, aged.ID))
	assert.Equal(t, consentdomain.StatePending, stateOf(t, db, newest.ID))
	assert.Equal(t, consentdomain.StatePending, stateOf(t, db, fresh.ID))
}

func TestRunIsIdempotent(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	seed(t, db, func(r *consentdomain.ConsentRecord) { r.CreatedAt = testNow.Add(-5 * time.Hour) })
	seed(t, db, nil)

	first, err := svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.SuccessCount)

	// Overdue is terminal: a second sweep changes nothing.
	second, err := svc.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.SuccessCount)
}

func TestAgedSweepIgnoresTerminalStates(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	done := seed(t, db, func(r *consentdomain.ConsentRecord) {
		r.CreatedAt = testNow.Add(-10 * 24 * time.Hour)
		r.SyncState = consentdomain.StateSucceeded
	})
	awaiting := seed(t, db, func(r *consentdomain.ConsentRecord) {
		r.Recipient = "+905551110001"
		r.CreatedAt = testNow.Add(-10 * 24 * time.Hour)
		r.SyncState = consentdomain.StateAwaitingQuery
	})

	n, err := svc.MarkAgedPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, consentdomain.StateSucceeded, stateOf(t, db, done.ID))
	assert.Equal(t, consentdomain.StateAwaitingQuery, stateOf(t, db, awaiting.ID))
}
