package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// UserHandlers groups per-user VLAN and VPN handlers
type UserHandlers struct {
	service LabService
	logger  zerolog.Logger
}

func NewUserHandlers(service LabService, logger zerolog.Logger) *UserHandlers {
	return &UserHandlers{service: service, logger: logger}
}

type VPNRequest struct {
	Password string `json:"password,omitempty"`
}

type VPNResponse struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

// UserVlansHandler handles GET /api/v0/users/{userID}/vlans
func (u *UserHandlers) UserVlansHandler(w http.ResponseWriter, r *http.Request) {
	vlans, err := u.service.UserVlans(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeFailure(w, u.logger, err)
		return
	}
	writeJSON(w, u.logger, http.StatusOK, vlans)
}

// CreateVPNHandler handles POST /api/v0/users/{userID}/vpn. Without a password one
// is generated and returned.
func (u *UserHandlers) CreateVPNHandler(w http.ResponseWriter, r *http.Request) {
	u.withPassword(w, r, http.StatusCreated, u.service.CreateVPNAccount)
}

// ResetVPNHandler handles PUT /api/v0/users/{userID}/vpn
func (u *UserHandlers) ResetVPNHandler(w http.ResponseWriter, r *http.Request) {
	u.withPassword(w, r, http.StatusOK, u.service.ResetVPNPassword)
}

// DeleteVPNHandler handles DELETE /api/v0/users/{userID}/vpn
func (u *UserHandlers) DeleteVPNHandler(w http.ResponseWriter, r *http.Request) {
	if err := u.service.DeleteVPNAccount(r.Context(), chi.URLParam(r, "userID")); err != nil {
		writeFailure(w, u.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (u *UserHandlers) withPassword(w http.ResponseWriter, r *http.Request, status int, apply func(ctx context.Context, userID, password string) (string, error)) {
	var req VPNRequest
	if r.ContentLength > 0 && !decode(w, r, u.logger, &req) {
		return
	}
	userID := chi.URLParam(r, "userID")
	password, err := apply(r.Context(), userID, req.Password)
	if err != nil {
		writeFailure(w, u.logger, err)
		return
	}
	writeJSON(w, u.logger, status, VPNResponse{UserID: userID, Password: password})
}
