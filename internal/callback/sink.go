// Package callback pushes deployment status observations to the control plane.
// Delivery is best-effort: callback failures are logged and surfaced as
// callback-coded errors but never change a deployment's status.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudweave/engine/internal/models"
	appErr "github.com/cloudweave/engine/pkg/errors"
	"github.com/cloudweave/engine/pkg/logger"
)

// StatusUpdate is one observation of a deployment pushed to the control plane.
// Terminal observations carry the full result: outputs, the canonical resource
// list, and the accumulated log trail.
type StatusUpdate struct {
	DeploymentID uuid.UUID               `json:"deployment_id"`
	Status       models.DeploymentStatus `json:"status"`
	Outputs      map[string]any          `json:"outputs,omitempty"`
	Resources    []models.Resource       `json:"resources,omitempty"`
	Logs         []string                `json:"logs,omitempty"`
	ErrorMessage string                  `json:"error_message,omitempty"`
	ErrorDetails map[string]any          `json:"error_details,omitempty"`
	ObservedAt   time.Time               `json:"observed_at"`
}

// Sink receives status observations for a deployment.
type Sink interface {
	Push(ctx context.Context, update StatusUpdate) error
}

// HTTPSink posts observations to the control plane's status endpoint with
// exponential-backoff retries.
type HTTPSink struct {
	baseURL string
	client  *http.Client
	retries uint64
}

func NewHTTPSink(baseURL string) *HTTPSink {
	return &HTTPSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		retries: 4,
	}
}

var _ Sink = (*HTTPSink)(nil)

func (s *HTTPSink) Push(ctx context.Context, update StatusUpdate) error {
	if update.ObservedAt.IsZero() {
		update.ObservedAt = time.Now().UTC()
	}
	body, err := json.Marshal(update)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "marshal status update failed")
	}
	url := fmt.Sprintf("%s/api/v1/deployments/%s/status", s.baseURL, update.DeploymentID)

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// The control plane rejected the payload; retrying cannot help.
			return backoff.Permanent(fmt.Errorf("status callback rejected with %d", resp.StatusCode))
		default:
			return fmt.Errorf("status callback returned %d", resp.StatusCode)
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.retries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		logger.L().Warn("status callback delivery failed",
			zap.String("deployment_id", update.DeploymentID.String()),
			zap.String("status", string(update.Status)),
			zap.Error(err))
		return appErr.Wrap(err, appErr.CodeCallback, "status callback delivery failed")
	}
	return nil
}

// NopSink discards observations; used when no control plane is configured.
type NopSink struct{}

func (NopSink) Push(ctx context.Context, update StatusUpdate) error { return nil }
