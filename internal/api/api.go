// Package api is the JSON adapter in front of the lab manager. Callers are
// identified by the X-Vlab-User header set by the front end.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vlab/internal/cloud"
	"github.com/jbweber/homelab/vlab/internal/domain"
	"github.com/jbweber/homelab/vlab/internal/lifecycle"
	"github.com/jbweber/homelab/vlab/internal/metrics"
)

// UserHeader carries the caller's user id
const UserHeader = "X-Vlab-User"

// LabService is the lab-level side of the manager
type LabService interface {
	CreateLab(ctx context.Context, spec domain.LabSpec) (domain.Lab, domain.SecurityGroupPair, error)
	DeleteLab(ctx context.Context, labID string) error
	LaunchLab(ctx context.Context, userID, labID string) (lifecycle.LaunchReport, error)
	UserVlans(ctx context.Context, userID string) (lifecycle.UserVlans, error)
	CreateVPNAccount(ctx context.Context, userID, password string) (string, error)
	ResetVPNPassword(ctx context.Context, userID, password string) (string, error)
	DeleteVPNAccount(ctx context.Context, userID string) error
}

// InstanceService is the per-instance side of the manager
type InstanceService interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (domain.Instance, error)
	ChangeState(ctx context.Context, caller domain.User, instanceID string, expected domain.InstanceStatus) (domain.InstanceStatus, error)
	DeleteFor(ctx context.Context, caller domain.User, instanceID string) error
	Snapshot(ctx context.Context, caller domain.User, instanceID, name string) (string, error)
	ListForUser(ctx context.Context, userID string) ([]domain.Instance, error)
}

// Users resolves caller identities
type Users interface {
	GetUser(ctx context.Context, userID string) (domain.User, error)
}

// API holds the services the handlers call
type API struct {
	labs      LabService
	instances InstanceService
	users     Users
	logger    zerolog.Logger
}

// NewAPI creates an API
func NewAPI(labs LabService, instances InstanceService, users Users, logger zerolog.Logger) *API {
	return &API{
		labs:      labs,
		instances: instances,
		users:     users,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// NewRouter returns a chi router with the standard middleware, health and metrics
// endpoints and every API route
func NewRouter(a *API) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.logger, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all API endpoints to the given chi router.
func (a *API) RegisterRoutes(r chi.Router) {
	labs := NewLabs(a.labs, a.logger)
	instances := NewInstances(a.labs, a.instances, a.logger)
	users := NewUserHandlers(a.labs, a.logger)

	r.Route("/api/v0", func(r chi.Router) {
		r.Use(a.identify)

		r.Route("/labs", func(r chi.Router) {
			r.With(requireRole(a.logger, domain.RoleTeacher, domain.RoleAdmin)).Post("/", labs.CreateLabHandler)
			r.With(requireRole(a.logger, domain.RoleTeacher, domain.RoleAdmin)).Delete("/{labID}", labs.DeleteLabHandler)
			r.Post("/{labID}/launch", labs.LaunchLabHandler)
			r.Post("/{labID}/instances", instances.CreateInstanceHandler)
		})

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", instances.ListInstancesHandler)
			r.Post("/{id}/state", instances.ChangeStateHandler)
			r.Post("/{id}/snapshot", instances.SnapshotHandler)
			r.Delete("/{id}", instances.DeleteInstanceHandler)
		})

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Use(selfOrStaff(a.logger))
			r.Get("/vlans", users.UserVlansHandler)
			r.Post("/vpn", users.CreateVPNHandler)
			r.Put("/vpn", users.ResetVPNHandler)
			r.Delete("/vpn", users.DeleteVPNHandler)
		})
	})
}

type callerKey struct{}

// identify resolves the X-Vlab-User header to a directory user
func (a *API) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(UserHeader)
		if id == "" {
			writeError(w, a.logger, http.StatusUnauthorized, "unauthenticated", "missing "+UserHeader+" header")
			return
		}
		user, err := a.users.GetUser(r.Context(), id)
		if cloud.IsNotFound(err) {
			writeError(w, a.logger, http.StatusUnauthorized, "unauthenticated", "unknown user")
			return
		}
		if err != nil {
			writeFailure(w, a.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, user)))
	})
}

// callerFrom returns the user resolved by identify
func callerFrom(ctx context.Context) domain.User {
	u, _ := ctx.Value(callerKey{}).(domain.User)
	return u
}

func isStaff(u domain.User) bool {
	return u.Role == domain.RoleAdmin || u.Role == domain.RoleTeacher
}

// requireRole rejects callers without one of roles
func requireRole(logger zerolog.Logger, roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := callerFrom(r.Context())
			for _, role := range roles {
				if caller.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, logger, http.StatusForbidden, "forbidden", "role "+string(caller.Role)+" may not do this")
		})
	}
}

// selfOrStaff lets users act on their own {userID} and staff on anyone's
func selfOrStaff(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := callerFrom(r.Context())
			if caller.ID != chi.URLParam(r, "userID") && !isStaff(caller) {
				writeError(w, logger, http.StatusForbidden, "forbidden", "not allowed for another user")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs every request with zerolog
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			a.logger.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}
