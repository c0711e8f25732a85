package lifecycle

import (
	"fmt"

	"github.com/cloudweave/engine/internal/models"
	appErr "github.com/cloudweave/engine/pkg/errors"
)

// transitions is the complete set of permitted status edges. Running→Running
// covers intermediate polls where outputs and logs are appended without a
// state change. Completed/Failed→Deleting opens the destroy lifecycle; no
// edge leaves Deleted or Canceled.
var transitions = map[models.DeploymentStatus][]models.DeploymentStatus{
	models.StatusPending:   {models.StatusRunning, models.StatusCanceled, models.StatusFailed},
	models.StatusRunning:   {models.StatusRunning, models.StatusCompleted, models.StatusFailed, models.StatusCanceled},
	models.StatusCompleted: {models.StatusDeleting},
	models.StatusFailed:    {models.StatusDeleting},
	models.StatusDeleting:  {models.StatusDeleted, models.StatusFailed},
	models.StatusDeleted:   {},
	models.StatusCanceled:  {},
}

// CanTransition reports whether from→to is a valid lifecycle edge.
func CanTransition(from, to models.DeploymentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validate returns a conflict error when from→to is not a valid edge.
func Validate(from, to models.DeploymentStatus) error {
	if !CanTransition(from, to) {
		return appErr.New(appErr.CodeConflict,
			fmt.Sprintf("invalid status transition %s -> %s", from, to))
	}
	return nil
}
