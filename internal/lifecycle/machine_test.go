package lifecycle

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cloudweave/engine/internal/models"
	appErr "github.com/cloudweave/engine/pkg/errors"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct {
		from, to models.DeploymentStatus
	}{
		{models.StatusPending, models.StatusRunning},
		{models.StatusPending, models.StatusCanceled},
		{models.StatusPending, models.StatusFailed},
		{models.StatusRunning, models.StatusRunning},
		{models.StatusRunning, models.StatusCompleted},
		{models.StatusRunning, models.StatusFailed},
		{models.StatusRunning, models.StatusCanceled},
		{models.StatusCompleted, models.StatusDeleting},
		{models.StatusFailed, models.StatusDeleting},
		{models.StatusDeleting, models.StatusDeleted},
		{models.StatusDeleting, models.StatusFailed},
	}
	for _, tc := range allowed {
		require.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct {
		from, to models.DeploymentStatus
	}{
		{models.StatusPending, models.StatusCompleted},
		{models.StatusPending, models.StatusDeleting},
		{models.StatusCompleted, models.StatusRunning},
		{models.StatusCompleted, models.StatusCompleted},
		{models.StatusFailed, models.StatusRunning},
		{models.StatusDeleting, models.StatusCompleted},
		{models.StatusDeleting, models.StatusCanceled},
		{models.StatusDeleted, models.StatusDeleting},
		{models.StatusDeleted, models.StatusRunning},
		{models.StatusCanceled, models.StatusRunning},
		{models.StatusCanceled, models.StatusDeleting},
	}
	for _, tc := range denied {
		require.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestValidateReturnsConflict(t *testing.T) {
	err := Validate(models.StatusDeleted, models.StatusRunning)
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeConflict))

	require.NoError(t, Validate(models.StatusPending, models.StatusRunning))
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	terminal := []models.DeploymentStatus{models.StatusDeleted, models.StatusCanceled}
	all := []models.DeploymentStatus{
		models.StatusPending, models.StatusRunning, models.StatusCompleted,
		models.StatusFailed, models.StatusDeleting, models.StatusDeleted, models.StatusCanceled,
	}
	for _, from := range terminal {
		for _, to := range all {
			require.False(t, CanTransition(from, to), "%s must not leave via %s", from, to)
		}
	}
}

func TestGuardSerializesPerDeployment(t *testing.T) {
	g := NewGuard()
	id := uuid.New()

	g.Lock(id)
	done := make(chan struct{})
	go func() {
		g.Lock(id)
		g.Unlock(id)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("second locker acquired while first held the lock")
	default:
	}

	g.Unlock(id)
	<-done
	g.Forget(id)
}
