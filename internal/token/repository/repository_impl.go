package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/consentflow/internal/token/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type repo struct {
	rdb *redis.Client
	log *zap.Logger
}

// Provide builds the token repository. The redis client is optional; when
// absent every read goes to the database.
func Provide(rdb *redis.Client, log *zap.Logger) domain.Repository {
	return &repo{
		rdb: rdb,
		log: log.Named("token.repository"),
	}
}

func cacheKey(tenantID snowflake.ID) string {
	return fmt.Sprintf("consentflow:token:%d", tenantID)
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*domain.Token, error) {
	if cached := r.fromCache(ctx, tenantID); cached != nil {
		return cached, nil
	}

	var token domain.Token
	err := db.WithContext(ctx).Raw(
		`SELECT tenant_id, access_token, refresh_token, access_valid_until, refresh_valid_until, halted_until, updated_at
		 FROM registry_tokens WHERE tenant_id = ?`,
		tenantID,
	).Scan(&token).Error
	if err != nil {
		return nil, err
	}
	if token.TenantID == 0 {
		return nil, nil
	}
	r.toCache(ctx, &token)
	return &token, nil
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, token *domain.Token) error {
	now := time.Now().UTC()
	token.UpdatedAt = now
	err := db.WithContext(ctx).Exec(
		`INSERT INTO registry_tokens (tenant_id, access_token, refresh_token, access_valid_until, refresh_valid_until, halted_until, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   access_valid_until = excluded.access_valid_until,
		   refresh_valid_until = excluded.refresh_valid_until,
		   halted_until = excluded.halted_until,
		   updated_at = excluded.updated_at`,
		token.TenantID,
		token.AccessToken,
		token.RefreshToken,
		token.AccessValidUntil,
		token.RefreshValidUntil,
		token.HaltedUntil,
		token.UpdatedAt,
	).Error
	if err != nil {
		return err
	}
	r.toCache(ctx, token)
	return nil
}

func (r *repo) SetHalt(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, until time.Time) error {
	err := db.WithContext(ctx).Exec(
		`UPDATE registry_tokens SET halted_until = ?, updated_at = ? WHERE tenant_id = ?`,
		until,
		time.Now().UTC(),
		tenantID,
	).Error
	if err != nil {
		return err
	}
	r.dropCache(ctx, tenantID)
	return nil
}

func (r *repo) AppendAudit(ctx context.Context, db *gorm.DB, entry *domain.AuditEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO token_audit (tenant_id, operation, access_fingerprint, refresh_fingerprint, host, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.TenantID,
		entry.Operation,
		entry.AccessFingerprint,
		entry.RefreshFingerprint,
		entry.Host,
		time.Now().UTC(),
	).Error
}

func (r *repo) fromCache(ctx context.Context, tenantID snowflake.ID) *domain.Token {
	if r.rdb == nil {
		return nil
	}
	raw, err := r.rdb.Get(ctx, cacheKey(tenantID)).Bytes()
	if err != nil {
		return nil
	}
	var token cachedToken
	if err := json.Unmarshal(raw, &token); err != nil {
		r.log.Warn("dropping undecodable cached token", zap.Int64("tenant_id", int64(tenantID)), zap.Error(err))
		r.dropCache(ctx, tenantID)
		return nil
	}
	out := token.toDomain()
	// A cached copy may be stale but must never outlive its own expiry.
	if time.Now().UTC().After(out.RefreshValidUntil) {
		r.dropCache(ctx, tenantID)
		return nil
	}
	return out
}

func (r *repo) toCache(ctx context.Context, token *domain.Token) {
	if r.rdb == nil {
		return
	}
	ttl := time.Until(token.RefreshValidUntil)
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(fromDomain(token))
	if err != nil {
		return
	}
	if err := r.rdb.Set(ctx, cacheKey(token.TenantID), raw, ttl).Err(); err != nil {
		r.log.Warn("token cache write failed", zap.Int64("tenant_id", int64(token.TenantID)), zap.Error(err))
	}
}

func (r *repo) dropCache(ctx context.Context, tenantID snowflake.ID) {
	if r.rdb == nil {
		return
	}
	_ = r.rdb.Del(ctx, cacheKey(tenantID)).Err()
}

// cachedToken is the redis serialization of a token. Kept separate from the
// domain model so gorm tags and cache layout can evolve independently.
type cachedToken struct {
	TenantID          int64      `json:"tenant_id"`
	AccessToken       string     `json:"access_token"`
	RefreshToken      string     `json:"refresh_token"`
	AccessValidUntil  time.Time  `json:"access_valid_until"`
	RefreshValidUntil time.Time  `json:"refresh_valid_until"`
	HaltedUntil       *time.Time `json:"halted_until,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func fromDomain(t *domain.Token) cachedToken {
	return cachedToken{
		TenantID:          int64(t.TenantID),
		AccessToken:       t.AccessToken,
		RefreshToken:      t.RefreshToken,
		AccessValidUntil:  t.AccessValidUntil,
		RefreshValidUntil: t.RefreshValidUntil,
		HaltedUntil:       t.HaltedUntil,
		UpdatedAt:         t.UpdatedAt,
	}
}

func (c cachedToken) toDomain() *domain.Token {
	return &domain.Token{
		TenantID:          snowflake.ID(c.TenantID),
		AccessToken:       c.AccessToken,
		RefreshToken:      c.RefreshToken,
		AccessValidUntil:  c.AccessValidUntil,
		RefreshValidUntil: c.RefreshValidUntil,
		HaltedUntil:       c.HaltedUntil,
		UpdatedAt:         c.UpdatedAt,
	}
}
