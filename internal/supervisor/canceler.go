package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	appErr "github.com/cloudweave/engine/pkg/errors"
)

// Canceler carries cancellation requests from the API to the worker. The flag
// is observed at poll boundaries only; an in-flight terraform apply or remote
// operation is never interrupted mid-step.
type Canceler interface {
	RequestCancel(ctx context.Context, deploymentID uuid.UUID) error
	IsCanceled(ctx context.Context, deploymentID uuid.UUID) (bool, error)
	Clear(ctx context.Context, deploymentID uuid.UUID) error
}

const cancelKeyPrefix = "deployment:cancel:"

// The flag outlives any plausible polling budget; stale flags for deployments
// that already reached a terminal state are harmless and expire on their own.
const cancelTTL = 24 * time.Hour

type redisCanceler struct {
	rdb redis.UniversalClient
}

func NewRedisCanceler(rdb redis.UniversalClient) Canceler {
	return &redisCanceler{rdb: rdb}
}

func (c *redisCanceler) RequestCancel(ctx context.Context, deploymentID uuid.UUID) error {
	if err := c.rdb.Set(ctx, cancelKeyPrefix+deploymentID.String(), "1", cancelTTL).Err(); err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "set cancel flag failed")
	}
	return nil
}

func (c *redisCanceler) IsCanceled(ctx context.Context, deploymentID uuid.UUID) (bool, error) {
	_, err := c.rdb.Get(ctx, cancelKeyPrefix+deploymentID.String()).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, appErr.Wrap(err, appErr.CodeUnavailable, "read cancel flag failed")
	}
	return true, nil
}

func (c *redisCanceler) Clear(ctx context.Context, deploymentID uuid.UUID) error {
	if err := c.rdb.Del(ctx, cancelKeyPrefix+deploymentID.String()).Err(); err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "clear cancel flag failed")
	}
	return nil
}
