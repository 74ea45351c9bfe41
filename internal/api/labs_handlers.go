package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vlab/internal/domain"
)

// Labs groups lab handlers for testability
type Labs struct {
	service LabService
	logger  zerolog.Logger
}

func NewLabs(service LabService, logger zerolog.Logger) *Labs {
	return &Labs{service: service, logger: logger}
}

type CreateLabResponse struct {
	Lab            domain.Lab               `json:"lab"`
	SecurityGroups domain.SecurityGroupPair `json:"security_groups"`
}

// CreateLabHandler handles POST /api/v0/labs.
//
// Request: JSON LabSpec. Returns 400 without a name, 409 if the name is taken.
func (l *Labs) CreateLabHandler(w http.ResponseWriter, r *http.Request) {
	var spec domain.LabSpec
	if !decode(w, r, l.logger, &spec) {
		return
	}
	if spec.Name == "" {
		writeError(w, l.logger, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	lab, groups, err := l.service.CreateLab(r.Context(), spec)
	if err != nil {
		writeFailure(w, l.logger, err)
		return
	}
	writeJSON(w, l.logger, http.StatusCreated, CreateLabResponse{Lab: lab, SecurityGroups: groups})
}

// DeleteLabHandler handles DELETE /api/v0/labs/{labID}
func (l *Labs) DeleteLabHandler(w http.ResponseWriter, r *http.Request) {
	if err := l.service.DeleteLab(r.Context(), chi.URLParam(r, "labID")); err != nil {
		writeFailure(w, l.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LaunchLabHandler handles POST /api/v0/labs/{labID}/launch for the caller.
// Instances that fault are listed in the report; admission rejections return 409.
func (l *Labs) LaunchLabHandler(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	report, err := l.service.LaunchLab(r.Context(), caller.ID, chi.URLParam(r, "labID"))
	if err != nil {
		writeFailure(w, l.logger, err)
		return
	}
	writeJSON(w, l.logger, http.StatusOK, report)
}
