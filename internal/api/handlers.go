// Package api exposes HTTP handlers for the activity synchronization service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/activitysync/internal/auth"
	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/jobs"
	"example.com/activitysync/internal/persistence"
	"example.com/activitysync/internal/strava"
)

// SyncTracker is the job surface the handlers depend on.
type SyncTracker interface {
	LaunchOrAttach(ctx context.Context, user *domain.User) (string, error)
	Job(ctx context.Context, jobID string) (*domain.SyncJob, error)
	ActiveJobID(ctx context.Context, user *domain.User) string
	Cancel(ctx context.Context, jobID string) error
}

// Connector performs the provider side of the connect flow.
type Connector interface {
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*strava.Authorization, error)
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger overrides the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithStreamInterval sets how often the progress stream polls the job.
func WithStreamInterval(interval time.Duration) Option {
	return func(h *Handler) {
		if interval > 0 {
			h.streamInterval = interval
		}
	}
}

// Handler coordinates HTTP requests with the domain service and the job tracker.
type Handler struct {
	service        *domain.Service
	tracker        SyncTracker
	connector      Connector
	session        auth.Config
	logger         *slog.Logger
	streamInterval time.Duration
	now            func() time.Time
}

// NewHandler builds a Handler. session signs the tokens handed out by the
// connect endpoint.
func NewHandler(service *domain.Service, tracker SyncTracker, connector Connector, session auth.Config, opts ...Option) *Handler {
	h := &Handler{
		service:        service,
		tracker:        tracker,
		connector:      connector,
		session:        session,
		logger:         slog.Default(),
		streamInterval: time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", healthz)
	mux.HandleFunc("GET /v1/connect/url", h.connectURL)
	mux.HandleFunc("POST /v1/connect", h.connect)
	mux.HandleFunc("GET /v1/me", h.me)
	mux.HandleFunc("GET /v1/activities", h.listActivities)
	mux.HandleFunc("POST /v1/sync", h.launchSync)
	mux.HandleFunc("GET /v1/sync/jobs/{id}", h.jobStatus)
	mux.HandleFunc("DELETE /v1/sync/jobs/{id}", h.cancelJob)
	mux.HandleFunc("GET /v1/sync/jobs/{id}/stream", h.streamJob)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) connectURL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ConnectURLResponse{URL: h.connector.AuthorizeURL(r.URL.Query().Get("state"))})
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	authorization, err := h.connector.ExchangeCode(r.Context(), req.Code)
	if err != nil {
		h.logger.Warn("provider code exchange failed", slog.String("user", req.Email), slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "connect_failed", "authorization code was rejected by the provider")
		return
	}

	firstName, lastName := req.FirstName, req.LastName
	if strings.TrimSpace(firstName) == "" {
		firstName = authorization.FirstName
	}
	if strings.TrimSpace(lastName) == "" {
		lastName = authorization.LastName
	}

	user, err := h.service.Connect(r.Context(), domain.ConnectInput{
		Email:             req.Email,
		FirstName:         firstName,
		LastName:          lastName,
		ProfilePictureURL: authorization.ProfilePictureURL,
		ProviderUserID:    authorization.AthleteID,
		Token:             authorization.Token,
	})
	if errors.Is(err, domain.ErrAlreadyConnected) {
		h.logger.Warn("connect refused for email bound to another account",
			slog.String("user", req.Email),
			slog.String("provider_user_id", authorization.AthleteID),
		)
		writeError(w, http.StatusConflict, "already_connected", "email is already connected to another account")
		return
	}
	if err != nil {
		h.serverError(w, "store connected user", err)
		return
	}

	token, expiresAt, err := auth.Issue(user.Email, auth.DefaultScopes, h.now(), h.session)
	if err != nil {
		h.serverError(w, "issue session token", err)
		return
	}
	h.logger.Info("user connected", slog.String("user", user.Email), slog.String("provider_user_id", user.ProviderUserID))

	writeJSON(w, http.StatusOK, ConnectResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      toUserView(*user),
	})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead)
	if !ok {
		return
	}

	profile, err := h.service.GetProfile(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		h.serverError(w, "load profile", err)
		return
	}

	writeJSON(w, http.StatusOK, ProfileResponse{
		UserView:       toUserView(profile.User),
		ActivityCount:  profile.Summary.Count,
		LastActivityAt: profile.Summary.LastStartDate,
		ActiveJobID:    h.tracker.ActiveJobID(r.Context(), &profile.User),
	})
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead)
	if !ok {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	activities, next, err := h.service.ListActivities(r.Context(), claims.Subject, cursor, limit)
	if err != nil {
		h.serverError(w, "list activities", err)
		return
	}

	items := make([]ActivityView, 0, len(activities))
	for _, activity := range activities {
		items = append(items, toActivityView(activity))
	}
	writeJSON(w, http.StatusOK, ListActivitiesResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) launchSync(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeSyncWrite)
	if !ok {
		return
	}

	user, err := h.service.GetUser(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		h.serverError(w, "load user", err)
		return
	}

	jobID, err := h.tracker.LaunchOrAttach(r.Context(), user)
	if err != nil {
		if errors.Is(err, jobs.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "queue_full", "too many synchronizations in progress")
			return
		}
		h.serverError(w, "launch synchronization", err)
		return
	}
	writeJSON(w, http.StatusAccepted, LaunchSyncResponse{JobID: jobID})
}

func (h *Handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jobs.NewStatusView(job))
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	if err := h.tracker.Cancel(r.Context(), job.ID); err != nil {
		h.serverError(w, "cancel synchronization", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedJob loads the job named in the path. Jobs of other users are
// reported as missing.
func (h *Handler) ownedJob(w http.ResponseWriter, r *http.Request) (*domain.SyncJob, bool) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead)
	if !ok {
		return nil, false
	}

	job, err := h.tracker.Job(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "synchronization job not found")
			return nil, false
		}
		h.serverError(w, "load synchronization job", err)
		return nil, false
	}
	if !strings.EqualFold(job.UserEmail, claims.Subject) {
		writeError(w, http.StatusNotFound, "not_found", "synchronization job not found")
		return nil, false
	}
	return job, true
}

func (h *Handler) serverError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "server_error", "internal error")
}

func requireScope(w http.ResponseWriter, r *http.Request, scope string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return nil, false
	}
	return claims, true
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
