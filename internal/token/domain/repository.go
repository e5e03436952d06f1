package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Get returns the current token for the tenant or nil when none is
	// stored. Implementations may serve a cached copy but never one past
	// its recorded expiry.
	Get(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*Token, error)
	// Save upserts the token and refreshes the cache.
	Save(ctx context.Context, db *gorm.DB, token *Token) error
	// SetHalt records a cool-down window during which no outbound calls
	// are attempted for the tenant.
	SetHalt(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, until time.Time) error
	// AppendAudit appends a lifecycle audit entry.
	AppendAudit(ctx context.Context, db *gorm.DB, entry *AuditEntry) error
}
