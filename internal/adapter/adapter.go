// Package adapter defines the uniform deploy/status/update/destroy contract
// implemented once per (template type, provider) pairing, plus the registry
// the supervisor selects implementations from.
package adapter

import (
	"context"
	"fmt"

	"github.com/cloudweave/engine/internal/models"
	appErr "github.com/cloudweave/engine/pkg/errors"
	"github.com/google/uuid"
)

// State is the adapter-level view of a remote operation.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDeleted   State = "deleted"
)

// DeployRequest carries everything an adapter needs for one deploy or update.
// Credentials arrive freshly resolved; adapters must not retain them beyond
// the call.
type DeployRequest struct {
	DeploymentID uuid.UUID
	Name         string
	Template     string
	Parameters   map[string]any
	Variables    map[string]any
	Credential   *models.Credential
	DryRun       bool
	AutoApprove  bool
}

// DeployResult is the normalized outcome of a deploy call. Outputs and
// Resources are already canonical (extract package); no provider-native shape
// crosses this boundary. A StateRunning result means the remote operation is
// fire-and-forget and the supervisor must poll Status with Handle.
type DeployResult struct {
	State        State
	Handle       string
	Outputs      map[string]any
	Resources    []models.Resource
	Logs         []string
	ErrorMessage string
	ErrorDetails map[string]any
}

// StatusResult is one observation of an in-flight remote operation.
type StatusResult struct {
	State        State
	Outputs      map[string]any
	Resources    []models.Resource
	Logs         []string
	ErrorMessage string
	ErrorDetails map[string]any
}

// DestroyResult is the outcome of a destroy call. StateRunning means destroy
// progress must be polled via Status.
type DestroyResult struct {
	State        State
	Logs         []string
	ErrorMessage string
	ErrorDetails map[string]any
}

// Interface is the uniform adapter contract. Status and Destroy take the
// credential explicitly because every call re-resolves it; adapters are
// stateless singletons and never hold secrets between calls.
type Interface interface {
	Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error)
	Status(ctx context.Context, handle string, cred *models.Credential) (*StatusResult, error)
	Update(ctx context.Context, handle string, req DeployRequest) (*DeployResult, error)
	Destroy(ctx context.Context, handle string, cred *models.Credential) (*DestroyResult, error)
}

// Registry maps (template type, provider) pairings to adapters.
type Registry struct {
	adapters map[string]Interface
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Interface{}}
}

func key(t models.TemplateType, p models.Provider) string {
	return fmt.Sprintf("%s/%s", t, p)
}

func (r *Registry) Register(t models.TemplateType, p models.Provider, a Interface) {
	r.adapters[key(t, p)] = a
}

// Lookup returns the adapter for the pairing or an invalid error when the
// combination is unsupported (e.g. arm on aws).
func (r *Registry) Lookup(t models.TemplateType, p models.Provider) (Interface, error) {
	a, ok := r.adapters[key(t, p)]
	if !ok {
		return nil, appErr.New(appErr.CodeInvalid,
			fmt.Sprintf("no adapter for template type %q on provider %q", t, p))
	}
	return a, nil
}

// Supported reports whether the pairing has a registered adapter.
func (r *Registry) Supported(t models.TemplateType, p models.Provider) bool {
	_, ok := r.adapters[key(t, p)]
	return ok
}
