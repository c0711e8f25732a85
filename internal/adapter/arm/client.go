package arm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/cloudweave/engine/internal/models"
	appErr "github.com/cloudweave/engine/pkg/errors"
)

// TokenProvider exchanges a tenant's service-principal credential for a
// management-plane access token. A fresh exchange happens per call; tokens are
// not cached so credential rotation is picked up immediately.
type TokenProvider interface {
	Token(ctx context.Context, cred *models.Credential) (string, error)
}

type clientCredentialsTokenProvider struct {
	scope string
}

// NewTokenProvider returns the OAuth2 client-credentials token provider for
// the given management scope (e.g. https://management.azure.com/.default).
func NewTokenProvider(scope string) TokenProvider {
	return &clientCredentialsTokenProvider{scope: scope}
}

func (p *clientCredentialsTokenProvider) Token(ctx context.Context, cred *models.Credential) (string, error) {
	sp, err := azidentity.NewClientSecretCredential(cred.AzureTenantID, cred.ClientID, cred.ClientSecret, nil)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeCredential, "build azure client secret credential failed")
	}
	tok, err := sp.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{p.scope}})
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeCredential, "azure token exchange failed")
	}
	return tok.Token, nil
}

// StaticTokenProvider returns a fixed token; test use only.
type StaticTokenProvider string

func (s StaticTokenProvider) Token(ctx context.Context, cred *models.Credential) (string, error) {
	return string(s), nil
}

// doJSON issues one management REST call and returns the response body.
// Non-2xx responses become tool_failure errors carrying the raw body.
func (a *Adapter) doJSON(ctx context.Context, method, url, token string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, appErr.Wrap(err, appErr.CodeInternal, "marshal arm request failed")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, appErr.Wrap(err, appErr.CodeInternal, "build arm request failed")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, appErr.Wrap(err, appErr.CodeUnavailable, "arm request failed")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, appErr.Wrap(err, appErr.CodeUnavailable, "read arm response failed")
	}
	return resp.StatusCode, raw, nil
}

func (a *Adapter) deploymentURL(subscriptionID, resourceGroup, name string) string {
	return fmt.Sprintf("%s/subscriptions/%s/resourcegroups/%s/providers/Microsoft.Resources/deployments/%s?api-version=%s",
		a.baseURL, subscriptionID, resourceGroup, name, a.apiVersion)
}

func (a *Adapter) validateURL(subscriptionID, resourceGroup, name string) string {
	return fmt.Sprintf("%s/subscriptions/%s/resourcegroups/%s/providers/Microsoft.Resources/deployments/%s/validate?api-version=%s",
		a.baseURL, subscriptionID, resourceGroup, name, a.apiVersion)
}

func (a *Adapter) resourceGroupURL(subscriptionID, resourceGroup string) string {
	return fmt.Sprintf("%s/subscriptions/%s/resourcegroups/%s?api-version=%s",
		a.baseURL, subscriptionID, resourceGroup, a.apiVersion)
}

// Subscription is one entry of the subscriptions listing.
type Subscription struct {
	ID    string `json:"subscriptionId"`
	Name  string `json:"displayName"`
	State string `json:"state"`
}

// ListSubscriptions enumerates the subscriptions visible to the tenant's
// service principal.
func (a *Adapter) ListSubscriptions(ctx context.Context, cred *models.Credential) ([]Subscription, error) {
	token, err := a.tokens.Token(ctx, cred)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/subscriptions?api-version=2020-01-01", a.baseURL)
	status, raw, err := a.doJSON(ctx, http.MethodGet, url, token, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, appErr.New(appErr.CodeToolFailure,
			fmt.Sprintf("list subscriptions returned status %d", status)).
			WithMeta("body", strings.TrimSpace(string(raw)))
	}
	var out struct {
		Value []Subscription `json:"value"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "decode subscriptions failed")
	}
	return out.Value, nil
}
