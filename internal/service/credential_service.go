package service

import (
	"context"
	"encoding/json"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudweave/engine/internal/adapter/arm"
	"github.com/cloudweave/engine/internal/credential"
	"github.com/cloudweave/engine/internal/models"
	"github.com/cloudweave/engine/internal/repository"
	appErr "github.com/cloudweave/engine/pkg/errors"
	"github.com/cloudweave/engine/pkg/logger"
)

// SubscriptionLister enumerates Azure subscriptions; the ARM adapter
// implements it.
type SubscriptionLister interface {
	ListSubscriptions(ctx context.Context, cred *models.Credential) ([]arm.Subscription, error)
}

// SubscriptionInfo is a provider-neutral account/subscription/project entry.
type SubscriptionInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	State string `json:"state,omitempty"`
}

// CredentialStatus reports whether a tenant's provider credentials are
// complete without exposing any secret material.
type CredentialStatus struct {
	Provider      models.Provider `json:"provider"`
	Name          string          `json:"name,omitempty"`
	Configured    bool            `json:"configured"`
	MissingFields []string        `json:"missing_fields,omitempty"`
}

// CredentialService manages tenant provider credentials and the account
// listings derived from them.
type CredentialService struct {
	repo  repository.CredentialRepository
	azure SubscriptionLister
}

func NewCredentialService(repo repository.CredentialRepository, azure SubscriptionLister) *CredentialService {
	return &CredentialService{repo: repo, azure: azure}
}

// Set upserts a tenant's credentials for a provider. The write replaces the
// existing record for the same (tenant, provider, name).
func (s *CredentialService) Set(ctx context.Context, cred *models.Credential) (*CredentialStatus, error) {
	if cred.TenantID == uuid.Nil {
		return nil, appErr.New(appErr.CodeInvalid, "tenant id is required")
	}
	switch cred.Provider {
	case models.ProviderAzure, models.ProviderAWS, models.ProviderGCP:
	default:
		return nil, appErr.New(appErr.CodeInvalid, "unsupported provider "+string(cred.Provider))
	}
	if cred.ID == uuid.Nil {
		cred.ID = uuid.New()
	}
	if err := s.repo.Upsert(ctx, cred); err != nil {
		return nil, err
	}
	logger.L().Info("credentials stored",
		zap.String("tenant_id", cred.TenantID.String()),
		zap.String("provider", string(cred.Provider)),
		zap.String("name", cred.Name))
	return s.statusOf(cred), nil
}

// Status reports configuration completeness for a tenant and provider.
func (s *CredentialService) Status(ctx context.Context, tenantID uuid.UUID, provider models.Provider, name string) (*CredentialStatus, error) {
	var cred models.Credential
	if err := s.repo.FindByTenantProvider(ctx, tenantID, provider, name, &cred); err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return &CredentialStatus{
				Provider:      provider,
				Configured:    false,
				MissingFields: credential.RequiredFields(provider),
			}, nil
		}
		return nil, err
	}
	return s.statusOf(&cred), nil
}

// ListSubscriptions enumerates the accounts reachable with the tenant's stored
// credentials: Azure subscriptions, the AWS account behind the access key, or
// the GCP project named by the service account.
func (s *CredentialService) ListSubscriptions(ctx context.Context, tenantID uuid.UUID, provider models.Provider, name string) ([]SubscriptionInfo, error) {
	var cred models.Credential
	if err := s.repo.FindByTenantProvider(ctx, tenantID, provider, name, &cred); err != nil {
		return nil, err
	}
	if missing := credential.MissingFields(&cred); len(missing) > 0 {
		return nil, appErr.New(appErr.CodeCredential, "stored credentials are incomplete").
			WithMeta("missing_fields", missing)
	}

	switch provider {
	case models.ProviderAzure:
		subs, err := s.azure.ListSubscriptions(ctx, &cred)
		if err != nil {
			return nil, err
		}
		out := make([]SubscriptionInfo, 0, len(subs))
		for _, sub := range subs {
			out = append(out, SubscriptionInfo{ID: sub.ID, Name: sub.Name, State: sub.State})
		}
		return out, nil

	case models.ProviderAWS:
		return s.awsAccount(ctx, &cred)

	case models.ProviderGCP:
		return gcpProject(&cred)
	}
	return nil, appErr.New(appErr.CodeInvalid, "unsupported provider "+string(provider))
}

func (s *CredentialService) awsAccount(ctx context.Context, cred *models.Credential) ([]SubscriptionInfo, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cred.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cred.AccessKeyID, cred.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeCredential, "build aws config failed")
	}
	out, err := sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeCredential, "aws identity check failed")
	}
	account := ""
	if out.Account != nil {
		account = *out.Account
	}
	return []SubscriptionInfo{{ID: account, State: "active"}}, nil
}

func gcpProject(cred *models.Credential) ([]SubscriptionInfo, error) {
	projectID := cred.ProjectID
	if projectID == "" {
		var sa struct {
			ProjectID string `json:"project_id"`
		}
		if err := json.Unmarshal([]byte(cred.ServiceAccountJSON), &sa); err != nil {
			return nil, appErr.Wrap(err, appErr.CodeCredential, "parse service account json failed")
		}
		projectID = sa.ProjectID
	}
	if projectID == "" {
		return nil, appErr.New(appErr.CodeCredential, "service account json carries no project id")
	}
	return []SubscriptionInfo{{ID: projectID, State: "active"}}, nil
}

func (s *CredentialService) statusOf(cred *models.Credential) *CredentialStatus {
	missing := credential.MissingFields(cred)
	return &CredentialStatus{
		Provider:      cred.Provider,
		Name:          cred.Name,
		Configured:    len(missing) == 0,
		MissingFields: missing,
	}
}
