package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Credential holds provider secrets for one tenant. Rows are written by the
// settings API and read fresh on every resolution so rotation takes effect
// immediately; the engine never caches a resolved credential.
type Credential struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_tenant_provider_name;not null" json:"tenant_id" validate:"required"`
	Provider Provider  `gorm:"type:varchar(16);uniqueIndex:idx_tenant_provider_name;not null" json:"provider" validate:"required,oneof=azure aws gcp"`

	// Name distinguishes multiple settings entries for the same tenant and
	// provider ("default" when unset).
	Name string `gorm:"type:varchar(128);uniqueIndex:idx_tenant_provider_name;not null;default:'default'" json:"name"`

	// Azure service principal.
	ClientID       string `gorm:"type:varchar(128)" json:"client_id,omitempty"`
	ClientSecret   string `gorm:"type:text" json:"-"`
	AzureTenantID  string `gorm:"type:varchar(128)" json:"azure_tenant_id,omitempty"`
	SubscriptionID string `gorm:"type:varchar(128)" json:"subscription_id,omitempty"`

	// AWS access key pair.
	AccessKeyID     string `gorm:"type:varchar(128)" json:"access_key_id,omitempty"`
	SecretAccessKey string `gorm:"type:text" json:"-"`
	Region          string `gorm:"type:varchar(32)" json:"region,omitempty"`

	// GCP service account.
	ServiceAccountJSON string `gorm:"type:text" json:"-"`
	ProjectID          string `gorm:"type:varchar(128)" json:"project_id,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
