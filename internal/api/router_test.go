package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/cloudweave/engine/internal/adapter"
	"github.com/cloudweave/engine/internal/api/handlers"
	"github.com/cloudweave/engine/internal/models"
	"github.com/cloudweave/engine/internal/repository"
	"github.com/cloudweave/engine/internal/service"
	appErr "github.com/cloudweave/engine/pkg/errors"
	"github.com/cloudweave/engine/pkg/logger"
)

var testSecret = []byte("router-test-secret")

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// memDeploymentRepo is an in-memory stand-in for the gorm repository, enough
// to exercise the full HTTP surface without a database.
type memDeploymentRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*models.Deployment
}

func newMemDeploymentRepo() *memDeploymentRepo {
	return &memDeploymentRepo{items: map[uuid.UUID]*models.Deployment{}}
}

func (r *memDeploymentRepo) Create(ctx context.Context, obj *models.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *obj
	r.items[obj.ID] = &cp
	return nil
}

func (r *memDeploymentRepo) get(id uuid.UUID, dest *models.Deployment) error {
	dep, ok := r.items[id]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	*dest = *dep
	return nil
}

func (r *memDeploymentRepo) GetByID(ctx context.Context, id any, dest *models.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(id.(uuid.UUID), dest)
}

func (r *memDeploymentRepo) GetWithResources(ctx context.Context, id uuid.UUID, dest *models.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(id, dest)
}

func (r *memDeploymentRepo) Update(ctx context.Context, obj *models.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *obj
	r.items[obj.ID] = &cp
	return nil
}

func (r *memDeploymentRepo) Delete(ctx context.Context, id any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id.(uuid.UUID))
	return nil
}

func (r *memDeploymentRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID, f repository.DeploymentFilter) ([]models.Deployment, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Deployment
	for _, dep := range r.items {
		if dep.TenantID != tenantID {
			continue
		}
		if f.Status != "" && dep.Status != f.Status {
			continue
		}
		out = append(out, *dep)
	}
	return out, int64(len(out)), nil
}

func (r *memDeploymentRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status models.DeploymentStatus, startedAt, completedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dep, ok := r.items[id]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	dep.Status = status
	if startedAt != nil {
		dep.StartedAt = startedAt
	}
	if completedAt != nil {
		dep.CompletedAt = completedAt
	}
	return nil
}

func (r *memDeploymentRepo) UpdateColumn(ctx context.Context, id uuid.UUID, column string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dep, ok := r.items[id]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	switch column {
	case "cloud_deployment_id":
		dep.CloudDeploymentID = value.(string)
	case "template_type":
		dep.TemplateType = models.TemplateType(value.(string))
	case "error_message":
		dep.ErrorMessage = value.(string)
	case "error_details":
		dep.ErrorDetails = datatypes.JSON(value.([]byte))
	case "outputs":
		dep.Outputs = datatypes.JSON(value.([]byte))
	case "logs":
		dep.Logs = datatypes.JSON(value.([]byte))
	}
	return nil
}

func (r *memDeploymentRepo) ReplaceResources(ctx context.Context, id uuid.UUID, resources []models.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dep, ok := r.items[id]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	dep.Resources = resources
	return nil
}

type memCredentialRepo struct {
	mu    sync.Mutex
	items map[string]*models.Credential
}

func newMemCredentialRepo() *memCredentialRepo {
	return &memCredentialRepo{items: map[string]*models.Credential{}}
}

func credKey(tenantID uuid.UUID, provider models.Provider, name string) string {
	if name == "" {
		name = "default"
	}
	return tenantID.String() + "/" + string(provider) + "/" + name
}

func (r *memCredentialRepo) Create(ctx context.Context, obj *models.Credential) error {
	return r.Upsert(ctx, obj)
}

func (r *memCredentialRepo) GetByID(ctx context.Context, id any, dest *models.Credential) error {
	return appErr.New(appErr.CodeNotFound, "entity not found")
}

func (r *memCredentialRepo) Update(ctx context.Context, obj *models.Credential) error {
	return r.Upsert(ctx, obj)
}

func (r *memCredentialRepo) Delete(ctx context.Context, id any) error { return nil }

func (r *memCredentialRepo) FindByTenantProvider(ctx context.Context, tenantID uuid.UUID, provider models.Provider, name string, dest *models.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		name = "default"
	}
	cred, ok := r.items[credKey(tenantID, provider, name)]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "credentials not found for tenant and provider")
	}
	*dest = *cred
	return nil
}

func (r *memCredentialRepo) Upsert(ctx context.Context, cred *models.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cred.Name == "" {
		cred.Name = "default"
	}
	cp := *cred
	r.items[credKey(cred.TenantID, cred.Provider, cred.Name)] = &cp
	return nil
}

type testQueue struct {
	mu    sync.Mutex
	types []string
}

func (q *testQueue) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.types = append(q.types, task.Type())
	return &asynq.TaskInfo{ID: task.Type()}, nil
}

type testCanceler struct{}

func (testCanceler) RequestCancel(ctx context.Context, id uuid.UUID) error      { return nil }
func (testCanceler) IsCanceled(ctx context.Context, id uuid.UUID) (bool, error) { return false, nil }
func (testCanceler) Clear(ctx context.Context, id uuid.UUID) error              { return nil }

type stubAdapter struct{}

func (stubAdapter) Deploy(ctx context.Context, req adapter.DeployRequest) (*adapter.DeployResult, error) {
	return &adapter.DeployResult{State: adapter.StateRunning}, nil
}
func (stubAdapter) Status(ctx context.Context, handle string, cred *models.Credential) (*adapter.StatusResult, error) {
	return &adapter.StatusResult{State: adapter.StateRunning}, nil
}
func (stubAdapter) Update(ctx context.Context, handle string, req adapter.DeployRequest) (*adapter.DeployResult, error) {
	return &adapter.DeployResult{State: adapter.StateRunning}, nil
}
func (stubAdapter) Destroy(ctx context.Context, handle string, cred *models.Credential) (*adapter.DestroyResult, error) {
	return &adapter.DestroyResult{State: adapter.StateDeleted}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *testQueue) {
	t.Helper()

	registry := adapter.NewRegistry()
	registry.Register(models.TemplateTerraform, models.ProviderAWS, stubAdapter{})
	registry.Register(models.TemplateTerraform, models.ProviderAzure, stubAdapter{})

	queue := &testQueue{}
	deploySvc := service.NewDeploymentService(newMemDeploymentRepo(), queue, testCanceler{}, registry)
	credSvc := service.NewCredentialService(newMemCredentialRepo(), nil)

	v := validator.New(validator.WithRequiredStructEnabled())
	router := NewRouter(Dependencies{
		HMACSecret:         testSecret,
		DeploymentsHandler: handlers.NewDeploymentsHandler(deploySvc, v),
		SettingsHandler:    handlers.NewSettingsHandler(credSvc, v),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, queue
}

func bearerToken(t *testing.T, tenantID uuid.UUID) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       uuid.New().String(),
		"tenant_id": tenantID.String(),
		"exp":       time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)
	return "Bearer " + token
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func TestHealthEndpointsAreOpen(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, res.StatusCode)
		res.Body.Close()
	}
}

func TestAuthRejectsMissingOrBadToken(t *testing.T) {
	srv, _ := newTestServer(t)

	res := doJSON(t, http.MethodGet, srv.URL+"/api/v1/deployments/", "", nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res.Body.Close()

	// Valid signature but no tenant claim is still unauthorized.
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "someone",
	}).SignedString(testSecret)
	require.NoError(t, err)
	res = doJSON(t, http.MethodGet, srv.URL+"/api/v1/deployments/", "Bearer "+token, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res.Body.Close()
}

func TestDeploymentFlowOverHTTP(t *testing.T) {
	srv, queue := newTestServer(t)
	tenant := uuid.New()
	token := bearerToken(t, tenant)

	res := doJSON(t, http.MethodPost, srv.URL+"/api/v1/deployments/", token, map[string]any{
		"name":          "web",
		"provider":      "aws",
		"template_type": "terraform",
		"template_code": `resource "null_resource" "a" {}`,
		"parameters":    map[string]any{"region": "us-east-1"},
	})
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	body := decodeBody(t, res)
	require.Equal(t, true, body["success"])
	data := body["data"].(map[string]any)
	require.Equal(t, "pending", data["status"])
	id := data["id"].(string)

	queue.mu.Lock()
	require.Equal(t, []string{"deployment:provision"}, queue.types)
	queue.mu.Unlock()

	res = doJSON(t, http.MethodGet, srv.URL+"/api/v1/deployments/"+id, token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body = decodeBody(t, res)
	require.Equal(t, id, body["data"].(map[string]any)["id"])

	res = doJSON(t, http.MethodGet, srv.URL+"/api/v1/deployments/"+id+"/logs", token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body = decodeBody(t, res)
	require.Equal(t, []any{}, body["data"].(map[string]any)["logs"])

	// Another tenant cannot see it.
	res = doJSON(t, http.MethodGet, srv.URL+"/api/v1/deployments/"+id, bearerToken(t, uuid.New()), nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()

	res = doJSON(t, http.MethodGet, srv.URL+"/api/v1/deployments/", token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body = decodeBody(t, res)
	require.Equal(t, float64(1), body["meta"].(map[string]any)["total"])
}

func TestCreateDeploymentValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	token := bearerToken(t, uuid.New())

	res := doJSON(t, http.MethodPost, srv.URL+"/api/v1/deployments/", token, map[string]any{
		"name":          "web",
		"provider":      "digitalocean",
		"template_type": "terraform",
		"template_code": "x",
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()

	// Unsupported pairing passes tag validation but the registry rejects it.
	res = doJSON(t, http.MethodPost, srv.URL+"/api/v1/deployments/", token, map[string]any{
		"name":          "web",
		"provider":      "gcp",
		"template_type": "terraform",
		"template_code": "x",
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()
}

func TestSettingsCredentialRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	token := bearerToken(t, uuid.New())

	res := doJSON(t, http.MethodPut, srv.URL+"/api/v1/settings/credentials", token, map[string]any{
		"provider":          "aws",
		"access_key_id":     "ak",
		"secret_access_key": "sk",
		"region":            "us-east-1",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeBody(t, res)
	status := body["data"].(map[string]any)
	require.Equal(t, true, status["configured"])
	// Secret material never appears in the response.
	require.NotContains(t, status, "secret_access_key")

	res = doJSON(t, http.MethodGet, srv.URL+"/api/v1/settings/credentials/status?provider=aws", token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body = decodeBody(t, res)
	require.Equal(t, true, body["data"].(map[string]any)["configured"])

	// A provider that was never configured reports so instead of erroring.
	res = doJSON(t, http.MethodGet, srv.URL+"/api/v1/settings/credentials/status?provider=gcp", token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body = decodeBody(t, res)
	require.Equal(t, false, body["data"].(map[string]any)["configured"])
}
