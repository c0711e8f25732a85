package types

// DeploymentCreateRequest starts a deployment. Exactly one of template_id,
// template_url, template_code must be set; the service enforces the exclusion
// beyond what tags can express.
type DeploymentCreateRequest struct {
	Name        string `json:"name" validate:"required,max=128"`
	Description string `json:"description"`
	Provider    string `json:"provider" validate:"required,oneof=azure aws gcp"`

	// TemplateType may be omitted; the engine detects it from template
	// content and persists the result.
	TemplateType string `json:"template_type" validate:"omitempty,oneof=terraform arm cloudformation"`

	TemplateID   string `json:"template_id"`
	TemplateURL  string `json:"template_url" validate:"omitempty,uri"`
	TemplateCode string `json:"template_code"`

	Parameters map[string]any `json:"parameters"`
	Variables  map[string]any `json:"variables"`

	EnvironmentID  string `json:"environment_id" validate:"omitempty,uuid4"`
	CloudAccountID string `json:"cloud_account_id" validate:"omitempty,uuid4"`

	IsDryRun    bool `json:"is_dry_run"`
	AutoApprove bool `json:"auto_approve"`
}

// DeploymentUpdateRequest re-deploys with new content; omitted fields keep the
// stored values.
type DeploymentUpdateRequest struct {
	TemplateID   string         `json:"template_id"`
	TemplateURL  string         `json:"template_url" validate:"omitempty,uri"`
	TemplateCode string         `json:"template_code"`
	Parameters   map[string]any `json:"parameters"`
	Variables    map[string]any `json:"variables"`
	IsDryRun     bool           `json:"is_dry_run"`
}

// CredentialSetRequest stores a tenant's provider credentials. Provider-
// specific required fields are validated by the service, not by tags, so the
// error can name exactly what is missing.
type CredentialSetRequest struct {
	Provider string `json:"provider" validate:"required,oneof=azure aws gcp"`
	Name     string `json:"name" validate:"omitempty,max=64"`

	ClientID       string `json:"client_id"`
	ClientSecret   string `json:"client_secret"`
	AzureTenantID  string `json:"azure_tenant_id"`
	SubscriptionID string `json:"subscription_id"`

	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Region          string `json:"region"`

	ServiceAccountJSON string `json:"service_account_json"`
	ProjectID          string `json:"project_id"`
}
