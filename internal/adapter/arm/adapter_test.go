package arm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cloudweave/engine/internal/adapter"
	"github.com/cloudweave/engine/internal/models"
	"github.com/cloudweave/engine/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func azureCred() *models.Credential {
	return &models.Credential{
		TenantID:       uuid.New(),
		Provider:       models.ProviderAzure,
		ClientID:       "client",
		ClientSecret:   "secret",
		AzureTenantID:  "tenant",
		SubscriptionID: "sub-1",
	}
}

func newTestAdapter(srv *httptest.Server) *Adapter {
	return New(WithBaseURL(srv.URL), WithTokenProvider(StaticTokenProvider("test-token")))
}

func deployRequest(dryRun bool) adapter.DeployRequest {
	return adapter.DeployRequest{
		DeploymentID: uuid.New(),
		Name:         "web",
		Template:     `{"$schema": "https://schema.management.azure.com/schemas/2019-04-01/deploymentTemplate.json#", "resources": []}`,
		Parameters:   map[string]any{"resource_group": "rg-demo", "location": "westeurope"},
		Credential:   azureCred(),
		DryRun:       dryRun,
	}
}

func TestDeployDryRunValidates(t *testing.T) {
	var validateCalled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/resourcegroups/rg-demo"):
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"name": "rg-demo"}`)
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/validate"):
			validateCalled = true
			fmt.Fprint(w, `{
			  "properties": {
			    "provisioningState": "Succeeded",
			    "validatedResources": [
			      {"id": "/subscriptions/sub-1/resourceGroups/rg-demo/providers/Microsoft.Storage/storageAccounts/sa1"}
			    ]
			  }
			}`)
		default:
			t.Fatalf("unexpected call %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	res, err := newTestAdapter(srv).Deploy(context.Background(), deployRequest(true))
	require.NoError(t, err)
	require.True(t, validateCalled)
	require.Equal(t, adapter.StateCompleted, res.State)
	require.Len(t, res.Resources, 1)
	require.Equal(t, "Microsoft.Storage/storageAccounts", res.Resources[0].ResourceType)
}

func TestDeployIsFireAndForget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/resourcegroups/rg-demo"):
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"name": "rg-demo"}`)
		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/deployments/"):
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"properties": {"provisioningState": "Accepted"}}`)
		default:
			t.Fatalf("unexpected call %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	req := deployRequest(false)
	res, err := newTestAdapter(srv).Deploy(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, adapter.StateRunning, res.State)
	require.True(t, strings.HasPrefix(res.Handle, "rg-demo/web-"))
}

func TestStatusMapsProvisioningState(t *testing.T) {
	responses := []string{
		`{"properties": {"provisioningState": "Running"}}`,
		`{"properties": {"provisioningState": "Running"}}`,
		`{
		  "properties": {
		    "provisioningState": "Succeeded",
		    "outputs": {"ip": {"type": "String", "value": "10.0.0.4"}},
		    "outputResources": [
		      {"id": "/subscriptions/sub-1/resourceGroups/rg-demo/providers/Microsoft.Compute/virtualMachines/vm1"}
		    ]
		  }
		}`,
	}
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		fmt.Fprint(w, responses[call])
		if call < len(responses)-1 {
			call++
		}
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	cred := azureCred()

	st, err := a.Status(context.Background(), "rg-demo/web-1", cred)
	require.NoError(t, err)
	require.Equal(t, adapter.StateRunning, st.State)

	st, err = a.Status(context.Background(), "rg-demo/web-1", cred)
	require.NoError(t, err)
	require.Equal(t, adapter.StateRunning, st.State)

	st, err = a.Status(context.Background(), "rg-demo/web-1", cred)
	require.NoError(t, err)
	require.NoError(t, err)
	require.Equal(t, adapter.StateCompleted, st.State)
	require.Equal(t, "10.0.0.4", st.Outputs["ip"])
	require.Len(t, st.Resources, 1)
}

func TestStatusFailedCarriesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
		  "properties": {
		    "provisioningState": "Failed",
		    "error": {"code": "DeploymentFailed", "message": "quota exceeded"}
		  }
		}`)
	}))
	defer srv.Close()

	st, err := newTestAdapter(srv).Status(context.Background(), "rg/d", azureCred())
	require.NoError(t, err)
	require.Equal(t, adapter.StateFailed, st.State)
	require.NotEmpty(t, st.ErrorMessage)
	require.NotNil(t, st.ErrorDetails["error"])
}

func TestStatusNotFoundMeansDeleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	st, err := newTestAdapter(srv).Status(context.Background(), "rg/d", azureCred())
	require.NoError(t, err)
	require.Equal(t, adapter.StateDeleted, st.State)
}

func TestDestroyDeletesResourceGroup(t *testing.T) {
	var deletedPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		deletedPath = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	res, err := newTestAdapter(srv).Destroy(context.Background(), "rg-demo/web-1", azureCred())
	require.NoError(t, err)
	require.Equal(t, adapter.StateRunning, res.State)
	require.Contains(t, deletedPath, "/resourcegroups/rg-demo")
	require.NotContains(t, deletedPath, "web-1")
}

func TestSplitHandle(t *testing.T) {
	rg, name, err := splitHandle("rg/deploy-1")
	require.NoError(t, err)
	require.Equal(t, "rg", rg)
	require.Equal(t, "deploy-1", name)

	_, _, err = splitHandle("no-separator")
	require.Error(t, err)
}

func TestListSubscriptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/subscriptions", r.URL.Path)
		fmt.Fprint(w, `{"value": [
		  {"subscriptionId": "sub-1", "displayName": "Production", "state": "Enabled"},
		  {"subscriptionId": "sub-2", "displayName": "Staging", "state": "Enabled"}
		]}`)
	}))
	defer srv.Close()

	subs, err := newTestAdapter(srv).ListSubscriptions(context.Background(), azureCred())
	require.NoError(t, err)
	require.Len(t, subs, 2)
	require.Equal(t, "sub-1", subs[0].ID)
	require.Equal(t, "Production", subs[0].Name)
}
