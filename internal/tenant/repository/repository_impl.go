package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/consentflow/internal/tenant/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, iys_code, brand_code, username, password, enabled, created_at, updated_at
		 FROM tenants WHERE id = ?`,
		id,
	).Scan(&tenant).Error
	if err != nil {
		return nil, err
	}
	if tenant.ID == 0 {
		return nil, domain.ErrNotFound
	}
	return &tenant, nil
}

func (r *repo) ListEnabled(ctx context.Context, db *gorm.DB) ([]*domain.Tenant, error) {
	var tenants []*domain.Tenant
	err := db.WithContext(ctx).
		Model(&domain.Tenant{}).
		Where("enabled = ?", true).
		Order("id").
		Find(&tenants).Error
	if err != nil {
		return nil, err
	}
	return tenants, nil
}
