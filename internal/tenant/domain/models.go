package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Tenant is a company/brand pairing registered at the consent registry,
// identified there by (iysCode, brandCode).
type Tenant struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Name      string       `gorm:"not null" json:"name"`
	IysCode   string       `gorm:"column:iys_code;not null" json:"iys_code"`
	BrandCode string       `gorm:"not null" json:"brand_code"`
	Username  string       `gorm:"not null" json:"-"`
	Password  string       `gorm:"not null" json:"-"`
	Enabled   bool         `gorm:"not null;default:true" json:"enabled"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Tenant) TableName() string { return "tenants" }

var (
	ErrNotFound = errors.New("tenant_not_found")
	ErrDisabled = errors.New("tenant_disabled")
)
