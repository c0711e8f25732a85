package repository

import (
	"context"
	"time"

	"github.com/cloudweave/engine/internal/models"
	appErr "github.com/cloudweave/engine/pkg/errors"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DeploymentFilter narrows List queries. Zero values mean "no constraint".
type DeploymentFilter struct {
	EnvironmentID  uuid.UUID
	CloudAccountID uuid.UUID
	Status         models.DeploymentStatus
	Limit          int
	Offset         int
}

type DeploymentRepository interface {
	BaseRepository[models.Deployment]
	GetWithResources(ctx context.Context, id uuid.UUID, dest *models.Deployment) error
	ListByTenant(ctx context.Context, tenantID uuid.UUID, f DeploymentFilter) ([]models.Deployment, int64, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.DeploymentStatus, startedAt, completedAt *time.Time) error
	UpdateColumn(ctx context.Context, id uuid.UUID, column string, value any) error
	ReplaceResources(ctx context.Context, id uuid.UUID, resources []models.Resource) error
}

type deploymentRepository struct {
	BaseRepository[models.Deployment]
	db *gorm.DB
}

func NewDeploymentRepository(db *gorm.DB) DeploymentRepository {
	return &deploymentRepository{BaseRepository: NewBaseRepository[models.Deployment](db), db: db}
}

func (r *deploymentRepository) GetWithResources(ctx context.Context, id uuid.UUID, dest *models.Deployment) error {
	err := r.db.WithContext(ctx).
		Preload("Resources", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(dest, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "deployment not found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get deployment failed")
	}
	return nil
}

func (r *deploymentRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, f DeploymentFilter) ([]models.Deployment, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Deployment{}).Where("tenant_id = ?", tenantID)
	if f.EnvironmentID != uuid.Nil {
		q = q.Where("environment_id = ?", f.EnvironmentID)
	}
	if f.CloudAccountID != uuid.Nil {
		q = q.Where("cloud_account_id = ?", f.CloudAccountID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, appErr.Wrap(err, appErr.CodeInternal, "count deployments failed")
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []models.Deployment
	if err := q.Order("created_at DESC").Limit(limit).Offset(f.Offset).Find(&out).Error; err != nil {
		return nil, 0, appErr.Wrap(err, appErr.CodeInternal, "list deployments failed")
	}
	return out, total, nil
}

// UpdateStatus writes the status and, when provided, started_at/completed_at in
// one statement. Timestamp pointers are written only when non-nil so they are
// set at most once per lifecycle.
func (r *deploymentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.DeploymentStatus, startedAt, completedAt *time.Time) error {
	updates := map[string]any{"status": status}
	if startedAt != nil {
		updates["started_at"] = *startedAt
	}
	if completedAt != nil {
		updates["completed_at"] = *completedAt
	}
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update deployment status failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	return nil
}

func (r *deploymentRepository) UpdateColumn(ctx context.Context, id uuid.UUID, column string, value any) error {
	if b, ok := value.([]byte); ok {
		value = datatypes.JSON(b)
	}
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).Where("id = ?", id).Update(column, value)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update deployment column failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	return nil
}

// ReplaceResources swaps the canonical resource set for a deployment in one
// transaction, preserving extractor ordering via the position column.
func (r *deploymentRepository) ReplaceResources(ctx context.Context, id uuid.UUID, resources []models.Resource) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("deployment_id = ?", id).Delete(&models.Resource{}).Error; err != nil {
			return err
		}
		for i := range resources {
			resources[i].DeploymentID = id
			resources[i].Position = i
		}
		if len(resources) == 0 {
			return nil
		}
		return tx.Create(&resources).Error
	})
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "replace deployment resources failed")
	}
	return nil
}
