package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/cloudweave/engine/internal/api/middleware"
	"github.com/cloudweave/engine/internal/api/types"
	"github.com/cloudweave/engine/internal/models"
	"github.com/cloudweave/engine/internal/service"
)

type SettingsHandler struct {
	svc      *service.CredentialService
	validate interface{ Struct(any) error }
}

func NewSettingsHandler(svc *service.CredentialService, v interface{ Struct(any) error }) *SettingsHandler {
	return &SettingsHandler{svc: svc, validate: v}
}

// SetCredentials upserts provider credentials for the caller's tenant. The
// response reports completeness only; secret material never round-trips.
func (h *SettingsHandler) SetCredentials(w http.ResponseWriter, r *http.Request) {
	var req types.CredentialSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}

	cred := &models.Credential{
		TenantID:           middleware.GetTenantID(r.Context()),
		Provider:           models.Provider(req.Provider),
		Name:               req.Name,
		ClientID:           req.ClientID,
		ClientSecret:       req.ClientSecret,
		AzureTenantID:      req.AzureTenantID,
		SubscriptionID:     req.SubscriptionID,
		AccessKeyID:        req.AccessKeyID,
		SecretAccessKey:    req.SecretAccessKey,
		Region:             req.Region,
		ServiceAccountJSON: req.ServiceAccountJSON,
		ProjectID:          req.ProjectID,
	}
	status, err := h.svc.Set(r.Context(), cred)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: status})
}

func (h *SettingsHandler) GetCredentialStatus(w http.ResponseWriter, r *http.Request) {
	provider := models.Provider(r.URL.Query().Get("provider"))
	if provider == "" {
		writeErrorStr(w, http.StatusBadRequest, "provider query parameter is required")
		return
	}
	status, err := h.svc.Status(r.Context(), middleware.GetTenantID(r.Context()), provider, r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: status})
}

func (h *SettingsHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	provider := models.Provider(r.URL.Query().Get("provider"))
	if provider == "" {
		writeErrorStr(w, http.StatusBadRequest, "provider query parameter is required")
		return
	}
	subs, err := h.svc.ListSubscriptions(r.Context(), middleware.GetTenantID(r.Context()), provider, r.URL.Query().Get("settings_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: subs})
}
