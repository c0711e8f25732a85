package supervisor

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	appErr "github.com/cloudweave/engine/pkg/errors"
)

// Task type names routed through asynq. One task owns one deployment's
// lifecycle phase end to end.
const (
	TaskProvision = "deployment:provision"
	TaskUpdate    = "deployment:update"
	TaskDestroy   = "deployment:destroy"
)

type taskPayload struct {
	DeploymentID uuid.UUID `json:"deployment_id"`
}

func newTask(typename string, deploymentID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(taskPayload{DeploymentID: deploymentID})
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "marshal task payload failed")
	}
	return asynq.NewTask(typename, payload), nil
}

// NewProvisionTask enqueues the initial deploy of a pending deployment.
func NewProvisionTask(deploymentID uuid.UUID) (*asynq.Task, error) {
	return newTask(TaskProvision, deploymentID)
}

// NewUpdateTask enqueues a re-deploy of an existing deployment.
func NewUpdateTask(deploymentID uuid.UUID) (*asynq.Task, error) {
	return newTask(TaskUpdate, deploymentID)
}

// NewDestroyTask enqueues the teardown of a deployment already in deleting.
func NewDestroyTask(deploymentID uuid.UUID) (*asynq.Task, error) {
	return newTask(TaskDestroy, deploymentID)
}

func parsePayload(t *asynq.Task) (uuid.UUID, error) {
	var p taskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return uuid.Nil, appErr.Wrap(err, appErr.CodeInvalid, "unmarshal task payload failed")
	}
	if p.DeploymentID == uuid.Nil {
		return uuid.Nil, appErr.New(appErr.CodeInvalid, "task payload missing deployment id")
	}
	return p.DeploymentID, nil
}
