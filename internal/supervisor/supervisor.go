// Package supervisor owns deployment execution: it consumes provision, update,
// and destroy tasks from the queue, drives the matching adapter, polls
// fire-and-forget operations to a terminal state, and persists every
// observation. It is the only component that writes deployment status after
// creation.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/cloudweave/engine/internal/adapter"
	"github.com/cloudweave/engine/internal/callback"
	"github.com/cloudweave/engine/internal/credential"
	"github.com/cloudweave/engine/internal/lifecycle"
	"github.com/cloudweave/engine/internal/models"
	"github.com/cloudweave/engine/internal/template"
	appErr "github.com/cloudweave/engine/pkg/errors"
	"github.com/cloudweave/engine/pkg/logger"
)

// Store is the persistence surface the supervisor needs; the deployment
// service implements it. Transition enforces the lifecycle machine and stamps
// started_at/completed_at.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Deployment, error)
	Transition(ctx context.Context, id uuid.UUID, to models.DeploymentStatus) error
	SaveHandle(ctx context.Context, id uuid.UUID, handle string) error
	SaveTemplateType(ctx context.Context, id uuid.UUID, typ models.TemplateType) error
	SaveResult(ctx context.Context, id uuid.UUID, outputs map[string]any, resources []models.Resource) error
	SaveError(ctx context.Context, id uuid.UUID, message string, details map[string]any) error
	AppendLogs(ctx context.Context, id uuid.UUID, lines []string) error
}

// Deps collects the supervisor's collaborators.
type Deps struct {
	Store        Store
	Templates    template.Resolver
	Credentials  credential.Resolver
	Registry     *adapter.Registry
	Sink         callback.Sink
	Canceler     Canceler
	PollInterval time.Duration
	MaxPolls     int
}

type Supervisor struct {
	store        Store
	templates    template.Resolver
	creds        credential.Resolver
	registry     *adapter.Registry
	sink         callback.Sink
	canceler     Canceler
	guard        *lifecycle.Guard
	pollInterval time.Duration
	maxPolls     int
}

func New(d Deps) *Supervisor {
	if d.PollInterval <= 0 {
		d.PollInterval = 10 * time.Second
	}
	if d.MaxPolls <= 0 {
		d.MaxPolls = 60
	}
	return &Supervisor{
		store:        d.Store,
		templates:    d.Templates,
		creds:        d.Credentials,
		registry:     d.Registry,
		sink:         d.Sink,
		canceler:     d.Canceler,
		guard:        lifecycle.NewGuard(),
		pollInterval: d.PollInterval,
		maxPolls:     d.MaxPolls,
	}
}

// Register mounts the supervisor's handlers on the worker mux.
func (s *Supervisor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskProvision, s.HandleProvision)
	mux.HandleFunc(TaskUpdate, s.HandleUpdate)
	mux.HandleFunc(TaskDestroy, s.HandleDestroy)
}

// HandleProvision drives a pending deployment to a terminal state. A non-nil
// return means the failure happened before the supervisor took ownership and
// the queue should redeliver; once the deployment is marked running all
// failures are recorded on the deployment and nil is returned.
func (s *Supervisor) HandleProvision(ctx context.Context, t *asynq.Task) (err error) {
	id, err := parsePayload(t)
	if err != nil {
		return err
	}
	s.guard.Lock(id)
	defer s.guard.Unlock(id)
	defer s.recoverPanic(ctx, id, &err)

	dep, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if dep.Status != models.StatusPending {
		// Redelivery of a task whose deployment already progressed.
		logger.L().Info("skipping provision, deployment not pending",
			zap.String("deployment_id", id.String()), zap.String("status", string(dep.Status)))
		return nil
	}

	if done, err := s.cancelIfRequested(ctx, dep); done || err != nil {
		return err
	}

	if err := s.transition(ctx, dep, models.StatusRunning); err != nil {
		return err
	}
	return s.execute(ctx, dep, false)
}

// HandleUpdate re-deploys a deployment the service has reset to pending. The
// retained execution handle routes the call to the adapter's Update path.
func (s *Supervisor) HandleUpdate(ctx context.Context, t *asynq.Task) (err error) {
	id, err := parsePayload(t)
	if err != nil {
		return err
	}
	s.guard.Lock(id)
	defer s.guard.Unlock(id)
	defer s.recoverPanic(ctx, id, &err)

	dep, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if dep.Status != models.StatusPending {
		logger.L().Info("skipping update, deployment not pending",
			zap.String("deployment_id", id.String()), zap.String("status", string(dep.Status)))
		return nil
	}

	if done, err := s.cancelIfRequested(ctx, dep); done || err != nil {
		return err
	}

	if err := s.transition(ctx, dep, models.StatusRunning); err != nil {
		return err
	}
	return s.execute(ctx, dep, true)
}

// HandleDestroy tears down a deployment the service has moved to deleting.
func (s *Supervisor) HandleDestroy(ctx context.Context, t *asynq.Task) (err error) {
	id, err := parsePayload(t)
	if err != nil {
		return err
	}
	s.guard.Lock(id)
	defer s.guard.Unlock(id)
	defer s.recoverPanic(ctx, id, &err)

	dep, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if dep.Status != models.StatusDeleting {
		logger.L().Info("skipping destroy, deployment not deleting",
			zap.String("deployment_id", id.String()), zap.String("status", string(dep.Status)))
		return nil
	}

	// Nothing was ever provisioned remotely.
	if dep.CloudDeploymentID == "" {
		return s.finish(ctx, dep, models.StatusDeleted, nil, nil)
	}

	cred, err := s.creds.Resolve(ctx, dep.TenantID, dep.Provider, "")
	if err != nil {
		return s.fail(ctx, dep, "credential resolution failed", detailsOf(err))
	}
	adp, err := s.registry.Lookup(dep.TemplateType, dep.Provider)
	if err != nil {
		return s.fail(ctx, dep, "no adapter for deployment", detailsOf(err))
	}

	res, err := adp.Destroy(ctx, dep.CloudDeploymentID, cred)
	if err != nil {
		return s.fail(ctx, dep, "destroy failed", detailsOf(err))
	}
	s.appendLogs(ctx, dep.ID, res.Logs)

	switch res.State {
	case adapter.StateDeleted:
		return s.finish(ctx, dep, models.StatusDeleted, nil, nil)
	case adapter.StateFailed:
		return s.fail(ctx, dep, res.ErrorMessage, res.ErrorDetails)
	default:
		return s.pollDestroy(ctx, dep, adp)
	}
}

// execute resolves template and credentials, invokes the adapter, and drives
// the result to a terminal status. isUpdate selects the adapter's Update path
// when an execution handle is retained.
func (s *Supervisor) execute(ctx context.Context, dep *models.Deployment, isUpdate bool) error {
	text, typ, err := s.templates.Resolve(ctx, template.Source{
		ID:   dep.TemplateID,
		URL:  dep.TemplateURL,
		Code: dep.TemplateCode,
	}, dep.TemplateType)
	if err != nil {
		return s.fail(ctx, dep, "template resolution failed", detailsOf(err))
	}
	// A request without an explicit template type relies on detection; persist
	// the detected type so later update/destroy cycles route the same way.
	if dep.TemplateType == "" && typ != "" {
		if err := s.store.SaveTemplateType(ctx, dep.ID, typ); err != nil {
			logger.L().Error("save detected template type failed",
				zap.String("deployment_id", dep.ID.String()), zap.Error(err))
		}
		dep.TemplateType = typ
	}

	cred, err := s.creds.Resolve(ctx, dep.TenantID, dep.Provider, "")
	if err != nil {
		return s.fail(ctx, dep, "credential resolution failed", detailsOf(err))
	}
	adp, err := s.registry.Lookup(dep.TemplateType, dep.Provider)
	if err != nil {
		return s.fail(ctx, dep, "no adapter for deployment", detailsOf(err))
	}

	req := adapter.DeployRequest{
		DeploymentID: dep.ID,
		Name:         dep.Name,
		Template:     text,
		Parameters:   decodeJSONMap(dep.Parameters),
		Variables:    decodeJSONMap(dep.Variables),
		Credential:   cred,
		DryRun:       dep.IsDryRun,
		AutoApprove:  dep.AutoApprove,
	}

	var res *adapter.DeployResult
	if isUpdate && dep.CloudDeploymentID != "" {
		res, err = adp.Update(ctx, dep.CloudDeploymentID, req)
	} else {
		res, err = adp.Deploy(ctx, req)
	}
	if err != nil {
		return s.fail(ctx, dep, "deploy failed", detailsOf(err))
	}

	if res.Handle != "" && res.Handle != dep.CloudDeploymentID {
		if err := s.store.SaveHandle(ctx, dep.ID, res.Handle); err != nil {
			logger.L().Error("save execution handle failed",
				zap.String("deployment_id", dep.ID.String()), zap.Error(err))
		}
		dep.CloudDeploymentID = res.Handle
	}
	s.appendLogs(ctx, dep.ID, res.Logs)

	switch res.State {
	case adapter.StateCompleted:
		return s.finish(ctx, dep, models.StatusCompleted, res.Outputs, res.Resources)
	case adapter.StateFailed:
		return s.fail(ctx, dep, res.ErrorMessage, res.ErrorDetails)
	default:
		return s.poll(ctx, dep, adp)
	}
}

// poll watches a fire-and-forget deploy until it reaches a terminal remote
// state, cancellation is requested, or the polling budget runs out. The cancel
// flag is checked once per interval, before the remote call.
func (s *Supervisor) poll(ctx context.Context, dep *models.Deployment, adp adapter.Interface) error {
	for i := 0; i < s.maxPolls; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}

		if done, err := s.cancelIfRequested(ctx, dep); done || err != nil {
			return err
		}

		// Credentials are re-resolved every poll so rotation mid-deployment
		// takes effect without restarting the loop.
		cred, err := s.creds.Resolve(ctx, dep.TenantID, dep.Provider, "")
		if err != nil {
			return s.fail(ctx, dep, "credential resolution failed", detailsOf(err))
		}

		st, err := adp.Status(ctx, dep.CloudDeploymentID, cred)
		if err != nil {
			logger.L().Warn("status poll failed",
				zap.String("deployment_id", dep.ID.String()), zap.Error(err))
			continue
		}
		s.appendLogs(ctx, dep.ID, st.Logs)

		switch st.State {
		case adapter.StateCompleted:
			return s.finish(ctx, dep, models.StatusCompleted, st.Outputs, st.Resources)
		case adapter.StateFailed, adapter.StateDeleted:
			return s.fail(ctx, dep, st.ErrorMessage, st.ErrorDetails)
		}
	}
	return s.timeout(ctx, dep)
}

// pollDestroy watches an asynchronous destroy until the remote object is gone.
func (s *Supervisor) pollDestroy(ctx context.Context, dep *models.Deployment, adp adapter.Interface) error {
	for i := 0; i < s.maxPolls; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}

		cred, err := s.creds.Resolve(ctx, dep.TenantID, dep.Provider, "")
		if err != nil {
			return s.fail(ctx, dep, "credential resolution failed", detailsOf(err))
		}

		st, err := adp.Status(ctx, dep.CloudDeploymentID, cred)
		if err != nil {
			logger.L().Warn("destroy poll failed",
				zap.String("deployment_id", dep.ID.String()), zap.Error(err))
			continue
		}
		s.appendLogs(ctx, dep.ID, st.Logs)

		switch st.State {
		case adapter.StateDeleted:
			return s.finish(ctx, dep, models.StatusDeleted, nil, nil)
		case adapter.StateFailed:
			return s.fail(ctx, dep, st.ErrorMessage, st.ErrorDetails)
		}
	}
	return s.timeout(ctx, dep)
}

// cancelIfRequested consumes a pending cancel flag. done=true means the
// deployment reached canceled and the task is finished.
func (s *Supervisor) cancelIfRequested(ctx context.Context, dep *models.Deployment) (done bool, err error) {
	canceled, err := s.canceler.IsCanceled(ctx, dep.ID)
	if err != nil {
		logger.L().Warn("cancel flag check failed",
			zap.String("deployment_id", dep.ID.String()), zap.Error(err))
		return false, nil
	}
	if !canceled {
		return false, nil
	}
	if err := s.transition(ctx, dep, models.StatusCanceled); err != nil {
		return false, err
	}
	if err := s.canceler.Clear(ctx, dep.ID); err != nil {
		logger.L().Warn("clear cancel flag failed",
			zap.String("deployment_id", dep.ID.String()), zap.Error(err))
	}
	logger.L().Info("deployment canceled", zap.String("deployment_id", dep.ID.String()))
	return true, nil
}

// finish persists results (when any) and moves the deployment to its terminal
// success state.
func (s *Supervisor) finish(ctx context.Context, dep *models.Deployment, to models.DeploymentStatus, outputs map[string]any, resources []models.Resource) error {
	if outputs != nil || len(resources) > 0 {
		if err := s.store.SaveResult(ctx, dep.ID, outputs, resources); err != nil {
			return s.fail(ctx, dep, "persist deployment result failed", detailsOf(err))
		}
	}
	if err := s.transition(ctx, dep, to); err != nil {
		return err
	}
	logger.L().Info("deployment finished",
		zap.String("deployment_id", dep.ID.String()), zap.String("status", string(to)))
	return nil
}

// fail records the error and moves the deployment to failed. It returns nil:
// the failure is owned by the deployment record now and redelivering the task
// would only repeat it.
func (s *Supervisor) fail(ctx context.Context, dep *models.Deployment, message string, details map[string]any) error {
	if message == "" {
		message = "deployment failed"
	}
	if err := s.store.SaveError(ctx, dep.ID, message, details); err != nil {
		logger.L().Error("persist deployment error failed",
			zap.String("deployment_id", dep.ID.String()), zap.Error(err))
	}
	// The in-memory record feeds the status push; carry the error there too.
	dep.ErrorMessage = message
	if raw, err := json.Marshal(details); err == nil && details != nil {
		dep.ErrorDetails = raw
	}
	if err := s.transition(ctx, dep, models.StatusFailed); err != nil {
		logger.L().Error("transition to failed rejected",
			zap.String("deployment_id", dep.ID.String()), zap.Error(err))
	}
	logger.L().Warn("deployment failed",
		zap.String("deployment_id", dep.ID.String()), zap.String("error", message))
	return nil
}

// timeout records a polling-budget exhaustion. The remote operation may still
// succeed later; the timeout code tells callers the final state is unknown,
// not that provisioning failed.
func (s *Supervisor) timeout(ctx context.Context, dep *models.Deployment) error {
	details := map[string]any{
		"code":          string(appErr.CodeTimeout),
		"max_polls":     s.maxPolls,
		"poll_interval": s.pollInterval.String(),
	}
	return s.fail(ctx, dep, "polling budget exhausted; remote state unknown", details)
}

// transition runs the status change through the store and pushes the
// observation to the control plane. Reaching a terminal state consumes any
// cancel flag still set, so a request that raced completion cannot leak into
// the deployment's next lifecycle.
func (s *Supervisor) transition(ctx context.Context, dep *models.Deployment, to models.DeploymentStatus) error {
	if err := s.store.Transition(ctx, dep.ID, to); err != nil {
		return err
	}
	dep.Status = to
	if to.Terminal() {
		if err := s.canceler.Clear(ctx, dep.ID); err != nil {
			logger.L().Warn("clear cancel flag failed",
				zap.String("deployment_id", dep.ID.String()), zap.Error(err))
		}
	}
	s.push(ctx, dep)
	return nil
}

// push delivers one observation. Terminal pushes re-read the record so the
// callback carries the persisted outputs, resources, and log trail.
func (s *Supervisor) push(ctx context.Context, dep *models.Deployment) {
	update := callback.StatusUpdate{
		DeploymentID: dep.ID,
		Status:       dep.Status,
		ErrorMessage: dep.ErrorMessage,
		ErrorDetails: decodeJSONMapOrNil(dep.ErrorDetails),
	}
	if dep.Status.Terminal() {
		if fresh, err := s.store.Get(ctx, dep.ID); err == nil {
			update.Outputs = decodeJSONMap(fresh.Outputs)
			update.Resources = fresh.Resources
			update.Logs = decodeJSONLines(fresh.Logs)
			if fresh.ErrorMessage != "" {
				update.ErrorMessage = fresh.ErrorMessage
				update.ErrorDetails = decodeJSONMapOrNil(fresh.ErrorDetails)
			}
		}
	}
	if err := s.sink.Push(ctx, update); err != nil {
		// Callback failures never alter deployment state.
		logger.L().Warn("status push failed",
			zap.String("deployment_id", dep.ID.String()), zap.Error(err))
	}
}

func (s *Supervisor) appendLogs(ctx context.Context, id uuid.UUID, lines []string) {
	if len(lines) == 0 {
		return
	}
	if err := s.store.AppendLogs(ctx, id, lines); err != nil {
		logger.L().Warn("append deployment logs failed",
			zap.String("deployment_id", id.String()), zap.Error(err))
	}
}

// recoverPanic converts a handler panic into a recorded deployment failure so
// a poisoned task cannot crash-loop the worker.
func (s *Supervisor) recoverPanic(ctx context.Context, id uuid.UUID, errp *error) {
	if r := recover(); r != nil {
		logger.L().Error("supervisor panic",
			zap.String("deployment_id", id.String()), zap.Any("panic", r))
		_ = s.store.SaveError(ctx, id, "internal execution panic",
			map[string]any{"panic": fmt.Sprintf("%v", r)})
		_ = s.store.Transition(ctx, id, models.StatusFailed)
		*errp = nil
	}
}

func detailsOf(err error) map[string]any {
	details := map[string]any{"error": err.Error()}
	if meta := appErr.MetaOf(err); meta != nil {
		for k, v := range meta {
			details[k] = v
		}
	}
	var ae *appErr.AppError
	if errors.As(err, &ae) {
		details["code"] = string(ae.Code)
	}
	return details
}

// decodeJSONMapOrNil keeps absent details absent instead of pushing "{}".
func decodeJSONMapOrNil(j datatypes.JSON) map[string]any {
	if len(j) == 0 {
		return nil
	}
	m := decodeJSONMap(j)
	if len(m) == 0 {
		return nil
	}
	return m
}

func decodeJSONLines(j datatypes.JSON) []string {
	if len(j) == 0 {
		return nil
	}
	var lines []string
	if err := json.Unmarshal(j, &lines); err != nil {
		return nil
	}
	return lines
}

func decodeJSONMap(j datatypes.JSON) map[string]any {
	if len(j) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(j, &m); err != nil {
		return map[string]any{}
	}
	return m
}
