package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Token is the per-tenant OAuth2 credential for the consent registry.
// Validity timestamps are always computed locally from expires_in at
// acquisition time; the registry's own clock is never trusted.
type Token struct {
	TenantID          snowflake.ID `gorm:"primaryKey;column:tenant_id" json:"tenant_id"`
	AccessToken       string       `gorm:"not null" json:"-"`
	RefreshToken      string       `gorm:"not null" json:"-"`
	AccessValidUntil  time.Time    `gorm:"not null" json:"access_valid_until"`
	RefreshValidUntil time.Time    `gorm:"not null" json:"refresh_valid_until"`
	HaltedUntil       *time.Time   `json:"halted_until,omitempty"`
	UpdatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Token) TableName() string { return "registry_tokens" }

// AccessUsable reports whether the access token is still good for at least
// the refresh buffer.
func (t *Token) AccessUsable(now time.Time, buffer time.Duration) bool {
	return t.AccessToken != "" && now.Add(buffer).Before(t.AccessValidUntil)
}

// RefreshUsable reports whether a refresh grant can still be attempted.
func (t *Token) RefreshUsable(now time.Time) bool {
	return t.RefreshToken != "" && now.Before(t.RefreshValidUntil)
}

// Halted reports whether outbound calls for the tenant are suppressed.
func (t *Token) Halted(now time.Time) bool {
	return t.HaltedUntil != nil && now.Before(*t.HaltedUntil)
}

const (
	OperationNew     = "new"
	OperationRefresh = "refresh"
)

// AuditEntry is one row of the token lifecycle audit trail. Token values
// are stored as masked fingerprints only.
type AuditEntry struct {
	ID                 int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID           snowflake.ID `gorm:"not null" json:"tenant_id"`
	Operation          string       `gorm:"not null" json:"operation"`
	AccessFingerprint  string       `gorm:"not null" json:"access_fingerprint"`
	RefreshFingerprint string       `gorm:"not null" json:"refresh_fingerprint"`
	Host               string       `gorm:"not null;default:''" json:"host"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (AuditEntry) TableName() string { return "token_audit" }

// RateLimitedError signals that the tenant is in a registry-imposed halt
// window; no outbound call was or will be made until it passes.
type RateLimitedError struct {
	TenantID    snowflake.ID
	HaltedUntil time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("tenant %d rate limited until %s", e.TenantID, e.HaltedUntil.Format(time.RFC3339))
}

var ErrGrantFailed = errors.New("token_grant_failed")
