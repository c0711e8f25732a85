package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DeploymentStatus enumerates the deployment lifecycle states.
type DeploymentStatus string

const (
	StatusPending   DeploymentStatus = "pending"
	StatusRunning   DeploymentStatus = "running"
	StatusCompleted DeploymentStatus = "completed"
	StatusFailed    DeploymentStatus = "failed"
	StatusDeleting  DeploymentStatus = "deleting"
	StatusDeleted   DeploymentStatus = "deleted"
	StatusCanceled  DeploymentStatus = "canceled"
)

// Provider enumerates supported cloud providers.
type Provider string

const (
	ProviderAzure Provider = "azure"
	ProviderAWS   Provider = "aws"
	ProviderGCP   Provider = "gcp"
)

// TemplateType enumerates supported infrastructure-as-code template formats.
type TemplateType string

const (
	TemplateTerraform      TemplateType = "terraform"
	TemplateARM            TemplateType = "arm"
	TemplateCloudFormation TemplateType = "cloudformation"
)

// Deployment represents one provisioning lifecycle of an IaC template against
// a cloud provider. Exactly one of TemplateID, TemplateURL, TemplateCode is
// set; the engine validates the exclusion before any execution starts.
type Deployment struct {
	ID          uuid.UUID        `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name        string           `gorm:"type:varchar(128);not null" json:"name" validate:"required"`
	Description string           `gorm:"type:text" json:"description"`
	Status      DeploymentStatus `gorm:"type:varchar(32);index;not null" json:"status" validate:"required,oneof=pending running completed failed deleting deleted canceled"`

	Provider     Provider     `gorm:"type:varchar(16);index;not null" json:"provider" validate:"required,oneof=azure aws gcp"`
	TemplateType TemplateType `gorm:"type:varchar(32)" json:"template_type" validate:"omitempty,oneof=terraform arm cloudformation"`

	TemplateID   string `gorm:"type:varchar(128)" json:"template_id,omitempty"`
	TemplateURL  string `gorm:"type:text" json:"template_url,omitempty"`
	TemplateCode string `gorm:"type:text" json:"template_code,omitempty"`

	Parameters datatypes.JSON `gorm:"type:jsonb" json:"parameters"`
	Variables  datatypes.JSON `gorm:"type:jsonb" json:"variables"`
	Outputs    datatypes.JSON `gorm:"type:jsonb" json:"outputs"`
	Logs       datatypes.JSON `gorm:"type:jsonb" json:"logs"`

	Resources []Resource `gorm:"foreignKey:DeploymentID" json:"resources"`

	// CloudDeploymentID is the adapter-opaque execution handle: a terraform
	// working directory, a resourceGroup/deploymentName pair, or a stack id.
	CloudDeploymentID string `gorm:"type:text" json:"cloud_deployment_id,omitempty"`

	TenantID       uuid.UUID `gorm:"type:uuid;index;not null" json:"tenant_id" validate:"required"`
	EnvironmentID  uuid.UUID `gorm:"type:uuid;index" json:"environment_id"`
	CloudAccountID uuid.UUID `gorm:"type:uuid;index" json:"cloud_account_id"`
	CreatedBy      uuid.UUID `gorm:"type:uuid" json:"created_by"`

	ErrorMessage string         `gorm:"type:text" json:"error_message,omitempty"`
	ErrorDetails datatypes.JSON `gorm:"type:jsonb" json:"error_details,omitempty"`

	IsDryRun    bool `gorm:"not null;default:false" json:"is_dry_run"`
	AutoApprove bool `gorm:"not null;default:false" json:"auto_approve"`

	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// Terminal reports whether the status permits no further automatic transition.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDeleted, StatusCanceled:
		return true
	}
	return false
}

// Active reports whether a supervisor task may currently own the deployment.
func (s DeploymentStatus) Active() bool {
	switch s {
	case StatusPending, StatusRunning, StatusDeleting:
		return true
	}
	return false
}
