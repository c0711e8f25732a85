package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cloudweave/engine/internal/api/middleware"
	"github.com/cloudweave/engine/internal/api/types"
	"github.com/cloudweave/engine/internal/models"
	"github.com/cloudweave/engine/internal/repository"
	"github.com/cloudweave/engine/internal/service"
)

type DeploymentsHandler struct {
	svc      *service.DeploymentService
	validate interface{ Struct(any) error }
}

func NewDeploymentsHandler(svc *service.DeploymentService, v interface{ Struct(any) error }) *DeploymentsHandler {
	return &DeploymentsHandler{svc: svc, validate: v}
}

func (h *DeploymentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.DeploymentCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}

	in := service.CreateDeploymentInput{
		Name:         req.Name,
		Description:  req.Description,
		Provider:     models.Provider(req.Provider),
		TemplateType: models.TemplateType(req.TemplateType),
		TemplateID:   req.TemplateID,
		TemplateURL:  req.TemplateURL,
		TemplateCode: req.TemplateCode,
		Parameters:   req.Parameters,
		Variables:    req.Variables,
		TenantID:     middleware.GetTenantID(r.Context()),
		IsDryRun:     req.IsDryRun,
		AutoApprove:  req.AutoApprove,
	}
	if req.EnvironmentID != "" {
		in.EnvironmentID, _ = uuid.Parse(req.EnvironmentID)
	}
	if req.CloudAccountID != "" {
		in.CloudAccountID, _ = uuid.Parse(req.CloudAccountID)
	}
	if uid, err := uuid.Parse(middleware.GetUserID(r.Context())); err == nil {
		in.CreatedBy = uid
	}

	dep, err := h.svc.Create(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.APIResponse{Success: true, Data: dep})
}

func (h *DeploymentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	dep, err := h.svc.GetForTenant(r.Context(), middleware.GetTenantID(r.Context()), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: dep})
}

func (h *DeploymentsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repository.DeploymentFilter{
		Status: models.DeploymentStatus(q.Get("status")),
	}
	if v := q.Get("environment_id"); v != "" {
		f.EnvironmentID, _ = uuid.Parse(v)
	}
	if v := q.Get("cloud_account_id"); v != "" {
		f.CloudAccountID, _ = uuid.Parse(v)
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		f.Offset = v
	}

	items, total, err := h.svc.List(r.Context(), middleware.GetTenantID(r.Context()), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{
		Success: true,
		Data:    items,
		Meta:    &types.Meta{Total: total, PageSize: len(items)},
	})
}

func (h *DeploymentsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	var req types.DeploymentUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}

	dep, err := h.svc.Update(r.Context(), middleware.GetTenantID(r.Context()), id, service.UpdateDeploymentInput{
		TemplateID:   req.TemplateID,
		TemplateURL:  req.TemplateURL,
		TemplateCode: req.TemplateCode,
		Parameters:   req.Parameters,
		Variables:    req.Variables,
		IsDryRun:     req.IsDryRun,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.APIResponse{Success: true, Data: dep})
}

// GetLogs returns the accumulated execution log trail for a deployment.
func (h *DeploymentsHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	dep, err := h.svc.GetForTenant(r.Context(), middleware.GetTenantID(r.Context()), id)
	if err != nil {
		writeError(w, err)
		return
	}
	lines := []string{}
	if len(dep.Logs) > 0 {
		_ = json.Unmarshal(dep.Logs, &lines)
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]any{
		"deployment_id": dep.ID,
		"status":        dep.Status,
		"logs":          lines,
	}})
}

// Delete cancels an active deployment or starts teardown of a finished one;
// either way the caller gets the current record back and watches status.
func (h *DeploymentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	dep, err := h.svc.Delete(r.Context(), middleware.GetTenantID(r.Context()), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.APIResponse{Success: true, Data: dep})
}
