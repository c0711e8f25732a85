// Package credential resolves tenant-scoped provider credentials. Every
// resolution re-reads the backing store so rotation takes effect immediately;
// nothing in this package caches a resolved record.
package credential

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudweave/engine/internal/models"
	"github.com/cloudweave/engine/internal/repository"
	appErr "github.com/cloudweave/engine/pkg/errors"
	"github.com/google/uuid"
)

// Resolver looks up and validates credentials for one tenant and provider.
type Resolver interface {
	Resolve(ctx context.Context, tenantID uuid.UUID, provider models.Provider, settingsID string) (*models.Credential, error)
}

type storeResolver struct {
	repo repository.CredentialRepository
}

func NewResolver(repo repository.CredentialRepository) Resolver {
	return &storeResolver{repo: repo}
}

// Resolve queries the store filtered by tenant AND provider (AND settings name
// when given) and validates required fields. The returned record is re-checked
// against the requested tenant: under no circumstance may tenant A receive a
// record belonging to tenant B.
func (r *storeResolver) Resolve(ctx context.Context, tenantID uuid.UUID, provider models.Provider, settingsID string) (*models.Credential, error) {
	if tenantID == uuid.Nil {
		return nil, appErr.New(appErr.CodeInvalid, "tenant id is required")
	}

	var cred models.Credential
	if err := r.repo.FindByTenantProvider(ctx, tenantID, provider, settingsID, &cred); err != nil {
		return nil, err
	}
	if cred.TenantID != tenantID {
		return nil, appErr.New(appErr.CodeInternal, "credential store returned record for wrong tenant")
	}

	if missing := MissingFields(&cred); len(missing) > 0 {
		return nil, appErr.New(appErr.CodeCredential,
			fmt.Sprintf("incomplete %s credentials: missing %s", provider, strings.Join(missing, ", "))).
			WithMeta("missing_fields", missing)
	}
	return &cred, nil
}

// RequiredFields returns the field names a provider's credentials must carry.
func RequiredFields(provider models.Provider) []string {
	switch provider {
	case models.ProviderAzure:
		return []string{"client_id", "client_secret", "azure_tenant_id", "subscription_id"}
	case models.ProviderAWS:
		return []string{"access_key_id", "secret_access_key", "region"}
	case models.ProviderGCP:
		return []string{"service_account_json", "project_id"}
	}
	return nil
}

// MissingFields names exactly the required fields absent from the record.
func MissingFields(cred *models.Credential) []string {
	values := map[string]string{
		"client_id":            cred.ClientID,
		"client_secret":        cred.ClientSecret,
		"azure_tenant_id":      cred.AzureTenantID,
		"subscription_id":      cred.SubscriptionID,
		"access_key_id":        cred.AccessKeyID,
		"secret_access_key":    cred.SecretAccessKey,
		"region":               cred.Region,
		"service_account_json": cred.ServiceAccountJSON,
		"project_id":           cred.ProjectID,
	}
	var missing []string
	for _, f := range RequiredFields(cred.Provider) {
		if strings.TrimSpace(values[f]) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}
