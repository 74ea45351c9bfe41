package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vlab/internal/domain"
	"github.com/jbweber/homelab/vlab/internal/lifecycle"
)

// Instances groups instance handlers for testability
type Instances struct {
	labs    LabService
	service InstanceService
	logger  zerolog.Logger
}

func NewInstances(labs LabService, service InstanceService, logger zerolog.Logger) *Instances {
	return &Instances{labs: labs, service: service, logger: logger}
}

type CreateInstanceRequest struct {
	ImageID string `json:"image_id"`
	Name    string `json:"name,omitempty"`
}

type ChangeStateRequest struct {
	Status domain.InstanceStatus `json:"status"`
}

type ChangeStateResponse struct {
	ID     string                `json:"id"`
	Status domain.InstanceStatus `json:"status"`
}

type SnapshotRequest struct {
	Name string `json:"name,omitempty"`
}

type SnapshotResponse struct {
	ImageID string `json:"image_id"`
}

// CreateInstanceHandler handles POST /api/v0/labs/{labID}/instances
func (i *Instances) CreateInstanceHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if !decode(w, r, i.logger, &req) {
		return
	}
	if req.ImageID == "" {
		writeError(w, i.logger, http.StatusBadRequest, "invalid_request", "image_id is required")
		return
	}

	inst, err := i.service.Create(r.Context(), lifecycle.CreateRequest{
		User:    callerFrom(r.Context()),
		LabID:   chi.URLParam(r, "labID"),
		ImageID: req.ImageID,
		Name:    req.Name,
	})
	if err != nil {
		writeFailure(w, i.logger, err)
		return
	}
	writeJSON(w, i.logger, http.StatusCreated, inst)
}

// ListInstancesHandler handles GET /api/v0/instances, listing the caller's instances.
// Staff may pass ?user= to list someone else's.
func (i *Instances) ListInstancesHandler(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	userID := caller.ID
	if u := r.URL.Query().Get("user"); u != "" && u != caller.ID {
		if !isStaff(caller) {
			writeError(w, i.logger, http.StatusForbidden, "forbidden", "not allowed for another user")
			return
		}
		userID = u
	}

	instances, err := i.service.ListForUser(r.Context(), userID)
	if err != nil {
		writeFailure(w, i.logger, err)
		return
	}
	if instances == nil {
		instances = []domain.Instance{}
	}
	writeJSON(w, i.logger, http.StatusOK, instances)
}

// ChangeStateHandler handles POST /api/v0/instances/{id}/state.
//
// Request: {"status": "ACTIVE"|"SUSPENDED"|"SHUTOFF"}. The reply carries the status
// the instance ended up in, which equals the current one when the transition does
// not apply.
func (i *Instances) ChangeStateHandler(w http.ResponseWriter, r *http.Request) {
	var req ChangeStateRequest
	if !decode(w, r, i.logger, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	status, err := i.service.ChangeState(r.Context(), callerFrom(r.Context()), id, domain.InstanceStatus(strings.ToUpper(string(req.Status))))
	if err != nil {
		writeFailure(w, i.logger, err)
		return
	}
	writeJSON(w, i.logger, http.StatusOK, ChangeStateResponse{ID: id, Status: status})
}

// SnapshotHandler handles POST /api/v0/instances/{id}/snapshot. The body is optional.
func (i *Instances) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	var req SnapshotRequest
	if r.ContentLength > 0 && !decode(w, r, i.logger, &req) {
		return
	}
	imageID, err := i.service.Snapshot(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		writeFailure(w, i.logger, err)
		return
	}
	writeJSON(w, i.logger, http.StatusAccepted, SnapshotResponse{ImageID: imageID})
}

// DeleteInstanceHandler handles DELETE /api/v0/instances/{id}
func (i *Instances) DeleteInstanceHandler(w http.ResponseWriter, r *http.Request) {
	if err := i.service.DeleteFor(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeFailure(w, i.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
