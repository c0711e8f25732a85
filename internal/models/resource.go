package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Resource is the canonical representation of a provisioned cloud object,
// independent of the tool that created it. Records are produced only by the
// extract package, never hand-constructed elsewhere.
type Resource struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	DeploymentID uuid.UUID `gorm:"type:uuid;index;not null" json:"deployment_id"`

	// Position preserves the extraction order within a deployment.
	Position int `gorm:"not null;default:0" json:"position"`

	ResourceID    string         `gorm:"type:text" json:"resource_id"`
	ResourceType  string         `gorm:"type:varchar(128);index;not null" json:"resource_type" validate:"required"`
	ResourceName  string         `gorm:"type:varchar(256)" json:"resource_name"`
	Location      string         `gorm:"type:varchar(64)" json:"location"`
	ResourceGroup string         `gorm:"type:varchar(256)" json:"resource_group"`
	Properties    datatypes.JSON `gorm:"type:jsonb" json:"properties"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
