package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Service manages the lifetime of a tenant's registry token. Acquisition
// and refresh are serialized per tenant: concurrent callers observing an
// expired token produce exactly one upstream grant.
type Service interface {
	// GetToken returns a usable token for the tenant, acquiring or
	// refreshing as needed. forceReset discards the cached token first.
	// Returns *RateLimitedError while the tenant is halted.
	GetToken(ctx context.Context, tenantID snowflake.ID, forceReset bool) (*Token, error)
	// Halt suppresses outbound calls for the tenant until the given time.
	Halt(ctx context.Context, tenantID snowflake.ID, until time.Time) error
}
