package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/typevps/engine/internal/install"
	"github.com/typevps/engine/internal/livelog"
	"github.com/typevps/engine/internal/record"
	"github.com/typevps/engine/internal/statecache"
)

// adminAPI is the operator surface for triggering lifecycle pipelines
// and following their progress. It is meant to sit behind the internal
// network boundary; it carries no authentication of its own.
type adminAPI struct {
	installer *install.Installer
	logger    *zap.Logger
}

func newAdminAPI(installer *install.Installer, logger *zap.Logger) *adminAPI {
	return &adminAPI{installer: installer, logger: logger}
}

func (a *adminAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/vms/{id}/install", a.startInstall)
	mux.HandleFunc("POST /v1/vms/{id}/delete", a.startDelete)
	mux.HandleFunc("POST /v1/vms/{id}/reset-status", a.resetStatus)
	mux.HandleFunc("GET /v1/vms/{id}/state", a.vmState)
	mux.HandleFunc("GET /v1/operations/{id}", a.operation)
	return mux
}

type installRequest struct {
	TemplateID        string   `json:"templateId"`
	Username          string   `json:"username"`
	Password          string   `json:"password"`
	SSHKeyIDs         []string `json:"sshKeyIds"`
	AllowPasswordAuth bool     `json:"allowPasswordAuth"`
	PasswordlessSudo  bool     `json:"passwordlessSudo"`
}

type operationResponse struct {
	OperationID string `json:"operationId"`
}

func (a *adminAPI) startInstall(w http.ResponseWriter, r *http.Request) {
	vmID := r.PathValue("id")

	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	opID, err := a.installer.StartInstall(r.Context(), vmID, install.Options{
		TemplateID:        req.TemplateID,
		Username:          req.Username,
		Password:          req.Password,
		SSHKeyIDs:         req.SSHKeyIDs,
		AllowPasswordAuth: req.AllowPasswordAuth,
		PasswordlessSudo:  req.PasswordlessSudo,
	})
	if err != nil {
		a.writeStartError(w, vmID, "install", err)
		return
	}
	writeJSON(w, http.StatusAccepted, operationResponse{OperationID: opID})
}

func (a *adminAPI) startDelete(w http.ResponseWriter, r *http.Request) {
	vmID := r.PathValue("id")

	opID, err := a.installer.StartDelete(r.Context(), vmID)
	if err != nil {
		a.writeStartError(w, vmID, "delete", err)
		return
	}
	writeJSON(w, http.StatusAccepted, operationResponse{OperationID: opID})
}

func (a *adminAPI) resetStatus(w http.ResponseWriter, r *http.Request) {
	vmID := r.PathValue("id")

	if err := a.installer.ForceResetStatus(r.Context(), vmID); err != nil {
		if errors.Is(err, record.ErrNotFound) {
			writeError(w, http.StatusNotFound, "vm not found")
			return
		}
		a.logger.Error("reset status failed", zap.String("vm", vmID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) vmState(w http.ResponseWriter, r *http.Request) {
	vmID := r.PathValue("id")

	state, err := a.installer.VMState(r.Context(), vmID)
	if err != nil {
		if errors.Is(err, statecache.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no cached state")
			return
		}
		a.logger.Error("state read failed", zap.String("vm", vmID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "state read failed")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *adminAPI) operation(w http.ResponseWriter, r *http.Request) {
	opID := r.PathValue("id")

	log, err := a.installer.Progress(opID)
	if err != nil {
		if errors.Is(err, livelog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "operation not found")
			return
		}
		a.logger.Error("progress read failed", zap.String("op", opID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "progress read failed")
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (a *adminAPI) writeStartError(w http.ResponseWriter, vmID, op string, err error) {
	var pre *install.PreconditionError
	switch {
	case errors.Is(err, install.ErrInvalidOptions):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, record.ErrNotFound):
		writeError(w, http.StatusNotFound, "vm not found")
	case errors.As(err, &pre):
		writeError(w, http.StatusConflict, pre.Reason)
	default:
		a.logger.Error("start failed",
			zap.String("vm", vmID), zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "start failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
