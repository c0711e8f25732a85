// Package arm deploys Azure Resource Manager templates through the management
// REST API. The create call is fire-and-forget: a terminal result requires
// polling the deployment's provisioningState, which the supervisor drives
// through Status.
package arm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudweave/engine/internal/adapter"
	"github.com/cloudweave/engine/internal/extract"
	"github.com/cloudweave/engine/internal/models"
	appErr "github.com/cloudweave/engine/pkg/errors"
	"github.com/cloudweave/engine/pkg/logger"
	"go.uber.org/zap"
)

const (
	defaultBaseURL    = "https://management.azure.com"
	defaultAPIVersion = "2021-04-01"
)

// Adapter implements the deploy/status/update/destroy contract for ARM
// templates on Azure. The execution handle is "resourceGroup/deploymentName".
type Adapter struct {
	baseURL    string
	apiVersion string
	tokens     TokenProvider
	client     *http.Client
}

// Option mutates adapter construction; used for endpoint and token overrides.
type Option func(*Adapter)

func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

func WithTokenProvider(p TokenProvider) Option {
	return func(a *Adapter) { a.tokens = p }
}

func New(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL:    defaultBaseURL,
		apiVersion: defaultAPIVersion,
		client:     &http.Client{Timeout: 60 * time.Second},
	}
	a.tokens = NewTokenProvider(defaultBaseURL + "/.default")
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ adapter.Interface = (*Adapter)(nil)

// Deploy validates or creates the deployment. Dry runs call the validate
// endpoint and are terminal immediately; real runs return StateRunning plus
// the handle for the supervisor's polling loop.
func (a *Adapter) Deploy(ctx context.Context, req adapter.DeployRequest) (*adapter.DeployResult, error) {
	cred := req.Credential
	token, err := a.tokens.Token(ctx, cred)
	if err != nil {
		return nil, err
	}

	resourceGroup := resourceGroupFor(req)
	name := deploymentNameFor(req)
	handle := resourceGroup + "/" + name

	location, _ := req.Parameters["location"].(string)
	if location == "" {
		location = "eastus"
	}
	if err := a.ensureResourceGroup(ctx, token, cred.SubscriptionID, resourceGroup, location); err != nil {
		return nil, err
	}

	body, err := deploymentBody(req)
	if err != nil {
		return nil, err
	}

	if req.DryRun {
		status, raw, err := a.doJSON(ctx, http.MethodPost, a.validateURL(cred.SubscriptionID, resourceGroup, name), token, body)
		if err != nil {
			return nil, err
		}
		if status < 200 || status >= 300 {
			return failedResult(handle, "arm template validation failed", status, raw), nil
		}
		parsed, err := extract.ParseARMDeployment(raw)
		if err != nil {
			return nil, err
		}
		outputs, resources := extract.FromARMDeployment(parsed)
		return &adapter.DeployResult{
			State:     adapter.StateCompleted,
			Handle:    handle,
			Outputs:   outputs,
			Resources: resources,
			Logs:      []string{fmt.Sprintf("validated deployment %s in resource group %s", name, resourceGroup)},
		}, nil
	}

	status, raw, err := a.doJSON(ctx, http.MethodPut, a.deploymentURL(cred.SubscriptionID, resourceGroup, name), token, body)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return failedResult(handle, "arm deployment create failed", status, raw), nil
	}

	logger.L().Info("arm deployment accepted",
		zap.String("resource_group", resourceGroup), zap.String("deployment", name))
	return &adapter.DeployResult{
		State:  adapter.StateRunning,
		Handle: handle,
		Logs:   []string{fmt.Sprintf("submitted deployment %s to resource group %s", name, resourceGroup)},
	}, nil
}

// Status fetches the deployment and maps provisioningState: Succeeded is
// completed, Failed/Canceled is failed, Running/Accepted (and anything else
// non-terminal) keeps polling. A 404 after a destroy means deleted.
func (a *Adapter) Status(ctx context.Context, handle string, cred *models.Credential) (*adapter.StatusResult, error) {
	resourceGroup, name, err := splitHandle(handle)
	if err != nil {
		return nil, err
	}
	token, err := a.tokens.Token(ctx, cred)
	if err != nil {
		return nil, err
	}

	status, raw, err := a.doJSON(ctx, http.MethodGet, a.deploymentURL(cred.SubscriptionID, resourceGroup, name), token, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return &adapter.StatusResult{State: adapter.StateDeleted}, nil
	}
	if status != http.StatusOK {
		return &adapter.StatusResult{
			State:        adapter.StateFailed,
			ErrorMessage: fmt.Sprintf("arm deployment get returned status %d", status),
			ErrorDetails: map[string]any{"status": status, "body": strings.TrimSpace(string(raw))},
		}, nil
	}

	parsed, err := extract.ParseARMDeployment(raw)
	if err != nil {
		return nil, err
	}
	outputs, resources := extract.FromARMDeployment(parsed)

	res := &adapter.StatusResult{
		Outputs:   outputs,
		Resources: resources,
		Logs:      []string{fmt.Sprintf("provisioningState=%s", parsed.Properties.ProvisioningState)},
	}
	switch parsed.Properties.ProvisioningState {
	case "Succeeded":
		res.State = adapter.StateCompleted
	case "Failed", "Canceled":
		res.State = adapter.StateFailed
		res.ErrorMessage = "arm deployment failed"
		details := map[string]any{"provisioning_state": parsed.Properties.ProvisioningState}
		if len(parsed.Properties.Error) > 0 {
			var e any
			if json.Unmarshal(parsed.Properties.Error, &e) == nil {
				details["error"] = e
			}
		}
		res.ErrorDetails = details
	default:
		// Running, Accepted, and transitional states keep polling.
		res.State = adapter.StateRunning
	}
	return res, nil
}

// Update re-submits the deployment in incremental mode; like Deploy, the call
// is fire-and-forget.
func (a *Adapter) Update(ctx context.Context, handle string, req adapter.DeployRequest) (*adapter.DeployResult, error) {
	resourceGroup, name, err := splitHandle(handle)
	if err != nil {
		return a.Deploy(ctx, req)
	}
	token, err := a.tokens.Token(ctx, req.Credential)
	if err != nil {
		return nil, err
	}
	body, err := deploymentBody(req)
	if err != nil {
		return nil, err
	}
	status, raw, err := a.doJSON(ctx, http.MethodPut, a.deploymentURL(req.Credential.SubscriptionID, resourceGroup, name), token, body)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return failedResult(handle, "arm deployment update failed", status, raw), nil
	}
	return &adapter.DeployResult{
		State:  adapter.StateRunning,
		Handle: handle,
		Logs:   []string{fmt.Sprintf("resubmitted deployment %s to resource group %s", name, resourceGroup)},
	}, nil
}

// Destroy deletes the resource group holding the deployment. Azure accepts the
// delete and finishes asynchronously; the supervisor polls Status until the
// deployment is gone.
func (a *Adapter) Destroy(ctx context.Context, handle string, cred *models.Credential) (*adapter.DestroyResult, error) {
	resourceGroup, _, err := splitHandle(handle)
	if err != nil {
		return nil, err
	}
	token, err := a.tokens.Token(ctx, cred)
	if err != nil {
		return nil, err
	}

	status, raw, err := a.doJSON(ctx, http.MethodDelete, a.resourceGroupURL(cred.SubscriptionID, resourceGroup), token, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return &adapter.DestroyResult{State: adapter.StateDeleted}, nil
	case status >= 200 && status < 300:
		return &adapter.DestroyResult{
			State: adapter.StateRunning,
			Logs:  []string{fmt.Sprintf("delete accepted for resource group %s", resourceGroup)},
		}, nil
	default:
		return &adapter.DestroyResult{
			State:        adapter.StateFailed,
			ErrorMessage: fmt.Sprintf("resource group delete returned status %d", status),
			ErrorDetails: map[string]any{"status": status, "body": strings.TrimSpace(string(raw))},
		}, nil
	}
}

func (a *Adapter) ensureResourceGroup(ctx context.Context, token, subscriptionID, resourceGroup, location string) error {
	status, raw, err := a.doJSON(ctx, http.MethodPut, a.resourceGroupURL(subscriptionID, resourceGroup), token,
		map[string]any{"location": location})
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return appErr.New(appErr.CodeToolFailure,
			fmt.Sprintf("ensure resource group returned status %d", status)).
			WithMeta("body", strings.TrimSpace(string(raw)))
	}
	return nil
}

// deploymentBody builds the deployments API payload: incremental mode, the
// parsed template, and parameters wrapped in {"value": ...} envelopes.
func deploymentBody(req adapter.DeployRequest) (map[string]any, error) {
	var tmpl any
	if err := json.Unmarshal([]byte(req.Template), &tmpl); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "arm template is not valid json")
	}
	params := map[string]any{}
	for k, v := range req.Parameters {
		if k == "resource_group" {
			continue
		}
		params[k] = map[string]any{"value": v}
	}
	return map[string]any{
		"properties": map[string]any{
			"mode":       "Incremental",
			"template":   tmpl,
			"parameters": params,
		},
	}, nil
}

func resourceGroupFor(req adapter.DeployRequest) string {
	if rg, ok := req.Parameters["resource_group"].(string); ok && rg != "" {
		return rg
	}
	if rg, ok := req.Variables["resource_group"].(string); ok && rg != "" {
		return rg
	}
	return "rg-" + req.DeploymentID.String()[:8]
}

func deploymentNameFor(req adapter.DeployRequest) string {
	if req.Name != "" {
		return req.Name + "-" + req.DeploymentID.String()[:8]
	}
	return "deploy-" + req.DeploymentID.String()[:8]
}

func splitHandle(handle string) (resourceGroup, name string, err error) {
	parts := strings.SplitN(handle, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", appErr.New(appErr.CodeInvalid, "malformed arm execution handle")
	}
	return parts[0], parts[1], nil
}

func failedResult(handle, msg string, status int, raw []byte) *adapter.DeployResult {
	return &adapter.DeployResult{
		State:        adapter.StateFailed,
		Handle:       handle,
		ErrorMessage: msg,
		ErrorDetails: map[string]any{"status": status, "body": strings.TrimSpace(string(raw))},
	}
}
