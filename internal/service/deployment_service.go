// Package service implements the application-facing operations on deployments
// and credential settings. Services validate, persist, and enqueue; execution
// itself happens in the supervisor.
package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/cloudweave/engine/internal/adapter"
	"github.com/cloudweave/engine/internal/lifecycle"
	"github.com/cloudweave/engine/internal/models"
	"github.com/cloudweave/engine/internal/repository"
	"github.com/cloudweave/engine/internal/supervisor"
	appErr "github.com/cloudweave/engine/pkg/errors"
	"github.com/cloudweave/engine/pkg/logger"
)

// TaskEnqueuer is the queue-producer surface of asynq.Client.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// CreateDeploymentInput carries everything needed to start a deployment.
// Exactly one of TemplateID, TemplateURL, TemplateCode must be set.
type CreateDeploymentInput struct {
	Name           string
	Description    string
	Provider       models.Provider
	TemplateType   models.TemplateType
	TemplateID     string
	TemplateURL    string
	TemplateCode   string
	Parameters     map[string]any
	Variables      map[string]any
	TenantID       uuid.UUID
	EnvironmentID  uuid.UUID
	CloudAccountID uuid.UUID
	CreatedBy      uuid.UUID
	IsDryRun       bool
	AutoApprove    bool
}

// UpdateDeploymentInput carries the fields an update may change. Nil maps mean
// "keep the stored value".
type UpdateDeploymentInput struct {
	TemplateID   string
	TemplateURL  string
	TemplateCode string
	Parameters   map[string]any
	Variables    map[string]any
	IsDryRun     bool
}

// DeploymentService owns the deployment lifecycle outside the worker: create,
// read, update, delete/cancel. It also implements supervisor.Store so status
// writes from the worker share the same lifecycle enforcement.
type DeploymentService struct {
	repo     repository.DeploymentRepository
	queue    TaskEnqueuer
	canceler supervisor.Canceler
	registry *adapter.Registry
	guard    *lifecycle.Guard
}

var _ supervisor.Store = (*DeploymentService)(nil)

func NewDeploymentService(repo repository.DeploymentRepository, queue TaskEnqueuer, canceler supervisor.Canceler, registry *adapter.Registry) *DeploymentService {
	return &DeploymentService{
		repo:     repo,
		queue:    queue,
		canceler: canceler,
		registry: registry,
		guard:    lifecycle.NewGuard(),
	}
}

// Create validates the request, persists the deployment as pending, and
// enqueues provisioning. An enqueue failure marks the deployment failed
// immediately rather than leaving it pending forever.
func (s *DeploymentService) Create(ctx context.Context, in CreateDeploymentInput) (*models.Deployment, error) {
	if err := validateTemplateSource(in.TemplateID, in.TemplateURL, in.TemplateCode); err != nil {
		return nil, err
	}
	// An empty template type defers to detection during execution; the
	// supervisor validates the detected pairing against the registry.
	if in.TemplateType != "" && !s.registry.Supported(in.TemplateType, in.Provider) {
		return nil, appErr.New(appErr.CodeInvalid,
			"template type "+string(in.TemplateType)+" is not supported on provider "+string(in.Provider))
	}
	if in.TenantID == uuid.Nil {
		return nil, appErr.New(appErr.CodeInvalid, "tenant id is required")
	}

	dep := &models.Deployment{
		ID:             uuid.New(),
		Name:           in.Name,
		Description:    in.Description,
		Status:         models.StatusPending,
		Provider:       in.Provider,
		TemplateType:   in.TemplateType,
		TemplateID:     in.TemplateID,
		TemplateURL:    in.TemplateURL,
		TemplateCode:   in.TemplateCode,
		Parameters:     encodeJSONMap(in.Parameters),
		Variables:      encodeJSONMap(in.Variables),
		TenantID:       in.TenantID,
		EnvironmentID:  in.EnvironmentID,
		CloudAccountID: in.CloudAccountID,
		CreatedBy:      in.CreatedBy,
		IsDryRun:       in.IsDryRun,
		AutoApprove:    in.AutoApprove,
	}
	if err := s.repo.Create(ctx, dep); err != nil {
		return nil, err
	}

	if err := s.enqueue(ctx, supervisor.TaskProvision, dep.ID); err != nil {
		// Surface the stuck deployment as failed; there is no worker coming.
		_ = s.SaveError(ctx, dep.ID, "enqueue provisioning task failed", map[string]any{"error": err.Error()})
		_ = s.Transition(ctx, dep.ID, models.StatusFailed)
		return nil, err
	}

	logger.L().Info("deployment created",
		zap.String("deployment_id", dep.ID.String()),
		zap.String("provider", string(dep.Provider)),
		zap.String("template_type", string(dep.TemplateType)),
		zap.Bool("dry_run", dep.IsDryRun))
	return dep, nil
}

// Get returns a deployment with its canonical resource list. Tenant scoping is
// absolute: records belonging to another tenant read as not found.
func (s *DeploymentService) GetForTenant(ctx context.Context, tenantID, id uuid.UUID) (*models.Deployment, error) {
	var dep models.Deployment
	if err := s.repo.GetWithResources(ctx, id, &dep); err != nil {
		return nil, err
	}
	if dep.TenantID != tenantID {
		return nil, appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	return &dep, nil
}

func (s *DeploymentService) List(ctx context.Context, tenantID uuid.UUID, f repository.DeploymentFilter) ([]models.Deployment, int64, error) {
	return s.repo.ListByTenant(ctx, tenantID, f)
}

// Update re-deploys a completed deployment with new template content or
// values. Only completed deployments accept updates; anything in flight or
// torn down is a conflict.
func (s *DeploymentService) Update(ctx context.Context, tenantID, id uuid.UUID, in UpdateDeploymentInput) (*models.Deployment, error) {
	s.guard.Lock(id)
	defer s.guard.Unlock(id)

	dep, err := s.GetForTenant(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if dep.Status != models.StatusCompleted {
		return nil, appErr.New(appErr.CodeConflict,
			"only completed deployments can be updated, current status is "+string(dep.Status))
	}

	sources := 0
	for _, v := range []string{in.TemplateID, in.TemplateURL, in.TemplateCode} {
		if v != "" {
			sources++
		}
	}
	if sources > 1 {
		return nil, appErr.New(appErr.CodeInvalid,
			"at most one of template id, url, or inline code may be provided")
	}
	if sources == 1 {
		dep.TemplateID, dep.TemplateURL, dep.TemplateCode = in.TemplateID, in.TemplateURL, in.TemplateCode
	}
	if in.Parameters != nil {
		dep.Parameters = encodeJSONMap(in.Parameters)
	}
	if in.Variables != nil {
		dep.Variables = encodeJSONMap(in.Variables)
	}
	dep.IsDryRun = in.IsDryRun
	// An update opens a new provisioning cycle: back to pending, prior result
	// fields cleared.
	dep.Status = models.StatusPending
	dep.ErrorMessage = ""
	dep.ErrorDetails = nil
	dep.CompletedAt = nil

	if err := s.repo.Update(ctx, dep); err != nil {
		return nil, err
	}
	if err := s.queueReset(ctx, dep.ID); err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, supervisor.TaskUpdate, dep.ID); err != nil {
		_ = s.SaveError(ctx, dep.ID, "enqueue update task failed", map[string]any{"error": err.Error()})
		_ = s.Transition(ctx, dep.ID, models.StatusFailed)
		return nil, err
	}
	logger.L().Info("deployment update enqueued", zap.String("deployment_id", dep.ID.String()))
	return dep, nil
}

// Delete cancels an active deployment or tears down a finished one. Active
// deployments get a cancel flag the supervisor observes at the next poll
// boundary; completed or failed deployments move to deleting and a destroy
// task is enqueued.
func (s *DeploymentService) Delete(ctx context.Context, tenantID, id uuid.UUID) (*models.Deployment, error) {
	s.guard.Lock(id)
	defer s.guard.Unlock(id)

	dep, err := s.GetForTenant(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	switch dep.Status {
	case models.StatusPending, models.StatusRunning:
		if err := s.canceler.RequestCancel(ctx, dep.ID); err != nil {
			return nil, err
		}
		logger.L().Info("deployment cancellation requested", zap.String("deployment_id", dep.ID.String()))
		return dep, nil

	case models.StatusCompleted, models.StatusFailed:
		if err := s.Transition(ctx, dep.ID, models.StatusDeleting); err != nil {
			return nil, err
		}
		dep.Status = models.StatusDeleting
		if err := s.enqueue(ctx, supervisor.TaskDestroy, dep.ID); err != nil {
			_ = s.SaveError(ctx, dep.ID, "enqueue destroy task failed", map[string]any{"error": err.Error()})
			_ = s.Transition(ctx, dep.ID, models.StatusFailed)
			return nil, err
		}
		return dep, nil

	case models.StatusDeleting:
		return nil, appErr.New(appErr.CodeConflict, "deployment teardown is already in progress")
	default:
		return nil, appErr.New(appErr.CodeConflict,
			"deployment in status "+string(dep.Status)+" has nothing to delete")
	}
}

// Transition implements supervisor.Store. It validates the edge against the
// lifecycle machine and stamps started_at on the first move to running and
// completed_at on any terminal move.
func (s *DeploymentService) Transition(ctx context.Context, id uuid.UUID, to models.DeploymentStatus) error {
	var dep models.Deployment
	if err := s.repo.GetByID(ctx, id, &dep); err != nil {
		return err
	}
	if dep.Status == to && to == models.StatusRunning {
		return nil
	}
	if err := lifecycle.Validate(dep.Status, to); err != nil {
		return err
	}

	var startedAt, completedAt *time.Time
	now := time.Now().UTC()
	if to == models.StatusRunning && dep.StartedAt == nil {
		startedAt = &now
	}
	if to.Terminal() {
		completedAt = &now
	}
	return s.repo.UpdateStatus(ctx, id, to, startedAt, completedAt)
}

// Get implements supervisor.Store.
func (s *DeploymentService) Get(ctx context.Context, id uuid.UUID) (*models.Deployment, error) {
	var dep models.Deployment
	if err := s.repo.GetWithResources(ctx, id, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

// SaveHandle implements supervisor.Store.
func (s *DeploymentService) SaveHandle(ctx context.Context, id uuid.UUID, handle string) error {
	return s.repo.UpdateColumn(ctx, id, "cloud_deployment_id", handle)
}

// SaveTemplateType implements supervisor.Store: persists the type detected
// from template content when the create request left it empty.
func (s *DeploymentService) SaveTemplateType(ctx context.Context, id uuid.UUID, typ models.TemplateType) error {
	return s.repo.UpdateColumn(ctx, id, "template_type", string(typ))
}

// SaveResult implements supervisor.Store: outputs and the canonical resource
// list persist together.
func (s *DeploymentService) SaveResult(ctx context.Context, id uuid.UUID, outputs map[string]any, resources []models.Resource) error {
	if outputs == nil {
		outputs = map[string]any{}
	}
	raw, err := json.Marshal(outputs)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "marshal outputs failed")
	}
	if err := s.repo.UpdateColumn(ctx, id, "outputs", raw); err != nil {
		return err
	}
	return s.repo.ReplaceResources(ctx, id, resources)
}

// SaveError implements supervisor.Store.
func (s *DeploymentService) SaveError(ctx context.Context, id uuid.UUID, message string, details map[string]any) error {
	if err := s.repo.UpdateColumn(ctx, id, "error_message", message); err != nil {
		return err
	}
	if details == nil {
		return nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "marshal error details failed")
	}
	return s.repo.UpdateColumn(ctx, id, "error_details", raw)
}

// AppendLogs implements supervisor.Store: new lines append to the stored log
// trail rather than replacing it.
func (s *DeploymentService) AppendLogs(ctx context.Context, id uuid.UUID, lines []string) error {
	var dep models.Deployment
	if err := s.repo.GetByID(ctx, id, &dep); err != nil {
		return err
	}
	var existing []string
	if len(dep.Logs) > 0 {
		_ = json.Unmarshal(dep.Logs, &existing)
	}
	existing = append(existing, lines...)
	raw, err := json.Marshal(existing)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "marshal logs failed")
	}
	return s.repo.UpdateColumn(ctx, id, "logs", raw)
}

// queueReset clears outputs, logs, and resources before a new cycle.
func (s *DeploymentService) queueReset(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.UpdateColumn(ctx, id, "outputs", []byte("{}")); err != nil {
		return err
	}
	return s.repo.UpdateColumn(ctx, id, "logs", []byte("[]"))
}

// enqueue submits a lifecycle task with a deterministic task id so queue
// redelivery cannot double-enqueue the same phase.
func (s *DeploymentService) enqueue(ctx context.Context, typename string, id uuid.UUID) error {
	var task *asynq.Task
	var err error
	switch typename {
	case supervisor.TaskProvision:
		task, err = supervisor.NewProvisionTask(id)
	case supervisor.TaskUpdate:
		task, err = supervisor.NewUpdateTask(id)
	case supervisor.TaskDestroy:
		task, err = supervisor.NewDestroyTask(id)
	default:
		return appErr.New(appErr.CodeInternal, "unknown task type "+typename)
	}
	if err != nil {
		return err
	}
	_, err = s.queue.EnqueueContext(ctx, task,
		asynq.TaskID(typename+":"+id.String()),
		asynq.MaxRetry(3),
		asynq.Timeout(2*time.Hour),
	)
	if err != nil && err != asynq.ErrTaskIDConflict {
		return appErr.Wrap(err, appErr.CodeUnavailable, "enqueue task failed")
	}
	return nil
}

func validateTemplateSource(id, url, code string) error {
	set := 0
	for _, v := range []string{id, url, code} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return appErr.New(appErr.CodeInvalid,
			"exactly one of template id, url, or inline code must be provided")
	}
	return nil
}

func encodeJSONMap(m map[string]any) datatypes.JSON {
	if m == nil {
		m = map[string]any{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}
