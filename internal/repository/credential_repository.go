package repository

import (
	"context"

	"github.com/cloudweave/engine/internal/models"
	appErr "github.com/cloudweave/engine/pkg/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CredentialRepository interface {
	BaseRepository[models.Credential]
	// FindByTenantProvider reads the freshest row scoped to tenant AND
	// provider (AND name when non-empty). There is no cache in front of it.
	FindByTenantProvider(ctx context.Context, tenantID uuid.UUID, provider models.Provider, name string, dest *models.Credential) error
	Upsert(ctx context.Context, cred *models.Credential) error
}

type credentialRepository struct {
	BaseRepository[models.Credential]
	db *gorm.DB
}

func NewCredentialRepository(db *gorm.DB) CredentialRepository {
	return &credentialRepository{BaseRepository: NewBaseRepository[models.Credential](db), db: db}
}

func (r *credentialRepository) FindByTenantProvider(ctx context.Context, tenantID uuid.UUID, provider models.Provider, name string, dest *models.Credential) error {
	q := r.db.WithContext(ctx).Where("tenant_id = ? AND provider = ?", tenantID, provider)
	if name != "" {
		q = q.Where("name = ?", name)
	}
	if err := q.Order("updated_at DESC").First(dest).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "credentials not found for tenant and provider")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get credentials failed")
	}
	return nil
}

func (r *credentialRepository) Upsert(ctx context.Context, cred *models.Credential) error {
	if cred.Name == "" {
		cred.Name = "default"
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "provider"}, {Name: "name"}},
		UpdateAll: true,
	}).Create(cred).Error
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "upsert credentials failed")
	}
	return nil
}
