// Package httpapi exposes the credential pool over REST. Worker endpoints
// (/acquire, /report) are what scraper sessions call; /credentials and /audit
// are the operator surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	app "github.com/jobsift/credpool/internal/app"
	"github.com/jobsift/credpool/internal/app/domain/credential"
	"github.com/jobsift/credpool/internal/app/services/secrets"
)

// Options configures authentication, rate limiting and auditing for the API.
type Options struct {
	WorkerTokens []string
	AdminTokens  []string

	// AcquireRatePerSecond limits /acquire per caller token. Zero disables
	// the limiter.
	AcquireRatePerSecond float64
	AcquireBurst         int

	// AuditLogPath optionally persists admin mutations as JSONL.
	AuditLogPath string
	AuditLogSize int
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app     *app.Application
	auth    *authenticator
	audit   *auditLog
	limiter *rateLimiter
}

// NewHandler returns a mux exposing the credential pool REST API.
func NewHandler(application *app.Application, opts Options) (http.Handler, error) {
	sink, err := newFileAuditSink(opts.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	h := &handler{
		app:     application,
		auth:    newAuthenticator(opts.WorkerTokens, opts.AdminTokens),
		audit:   newAuditLog(opts.AuditLogSize, sink),
		limiter: newRateLimiter(opts.AcquireRatePerSecond, opts.AcquireBurst),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/acquire", h.acquire)
	mux.HandleFunc("/report", h.report)
	mux.HandleFunc("/credentials", h.credentials)
	mux.HandleFunc("/credentials/", h.credentialResources)
	mux.HandleFunc("/stats", h.stats)
	mux.HandleFunc("/audit", h.auditEntries)
	mux.HandleFunc("/healthz", h.healthz)
	return mux, nil
}

func (h *handler) acquire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	callerRole, token := h.auth.authenticate(r)
	if callerRole == roleNone {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("valid bearer token required"))
		return
	}

	key := token
	if key == "" {
		key = r.RemoteAddr
	}
	if !h.limiter.allow(key) {
		writeError(w, http.StatusTooManyRequests, fmt.Errorf("acquire rate limit exceeded"))
		return
	}

	var payload struct {
		Platform  string `json:"platform"`
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	assignment, err := h.app.Pool.Acquire(r.Context(), payload.Platform, payload.SessionID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	secret, err := secretViewFor(assignment.Credential, assignment.Secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	view := credentialToView(assignment.Credential)
	view.Secret = secret
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) report(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if callerRole, _ := h.auth.authenticate(r); callerRole == roleNone {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("valid bearer token required"))
		return
	}

	var payload struct {
		CredentialID    string `json:"credential_id"`
		Outcome         string `json:"outcome"`
		ErrorMessage    string `json:"error_message"`
		CooldownMinutes int    `json:"cooldown_minutes"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.CredentialID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("credential_id is required"))
		return
	}

	var (
		cred credential.Credential
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(payload.Outcome)) {
	case "success":
		cred, err = h.app.Pool.ReportSuccess(r.Context(), payload.CredentialID)
	case "failure":
		cooldown := time.Duration(payload.CooldownMinutes) * time.Minute
		cred, err = h.app.Pool.ReportFailure(r.Context(), payload.CredentialID, payload.ErrorMessage, cooldown)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("outcome must be success or failure"))
		return
	}
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, credentialToView(cred))
}

func (h *handler) credentials(w http.ResponseWriter, r *http.Request) {
	callerRole, _ := h.auth.authenticate(r)
	if callerRole != roleAdmin {
		h.deny(w, callerRole)
		return
	}

	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		page, err := queryInt(query, "page")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		limit, err := queryInt(query, "limit")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		creds, err := h.app.Pool.List(r.Context(), query.Get("platform"), query.Get("status"), page, limit)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		includeSecrets := query.Get("include_secrets") == "true"
		views := make([]credentialView, 0, len(creds))
		for _, cred := range creds {
			view := credentialToView(cred)
			if includeSecrets {
				if err := h.attachSecret(&view, cred); err != nil {
					h.writeServiceError(w, err)
					return
				}
			}
			views = append(views, view)
		}
		writeJSON(w, http.StatusOK, views)

	case http.MethodPost:
		rec := h.recordAudit(w, r, roleAdmin)
		var payload struct {
			Platform string          `json:"platform"`
			Name     string          `json:"name"`
			Email    string          `json:"email"`
			Password string          `json:"password"`
			Session  json.RawMessage `json:"session"`
			Notes    string          `json:"notes"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(rec, http.StatusBadRequest, err)
			return
		}

		var (
			cred credential.Credential
			err  error
		)
		switch {
		case payload.Password != "":
			cred, err = h.app.Pool.CreatePassword(r.Context(), payload.Platform, payload.Name, payload.Email, payload.Password, payload.Notes)
		case len(payload.Session) > 0:
			cred, err = h.app.Pool.CreateSession(r.Context(), payload.Platform, payload.Name, string(payload.Session), payload.Notes)
		default:
			writeError(rec, http.StatusBadRequest, fmt.Errorf("password or session is required"))
			return
		}
		if err != nil {
			h.writeServiceError(rec, err)
			return
		}
		writeJSON(rec, http.StatusCreated, credentialToView(cred))

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) credentialResources(w http.ResponseWriter, r *http.Request) {
	callerRole, _ := h.auth.authenticate(r)
	if callerRole != roleAdmin {
		h.deny(w, callerRole)
		return
	}

	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/credentials"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			cred, err := h.app.Pool.Get(r.Context(), id)
			if err != nil {
				h.writeServiceError(w, err)
				return
			}
			view := credentialToView(cred)
			if r.URL.Query().Get("include_secrets") == "true" {
				if err := h.attachSecret(&view, cred); err != nil {
					h.writeServiceError(w, err)
					return
				}
			}
			writeJSON(w, http.StatusOK, view)

		case http.MethodPatch:
			rec := h.recordAudit(w, r, callerRole)
			var payload struct {
				Name     *string          `json:"name"`
				Email    *string          `json:"email"`
				Notes    *string          `json:"notes"`
				Password *string          `json:"password"`
				Session  *json.RawMessage `json:"session"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(rec, http.StatusBadRequest, err)
				return
			}
			if payload.Password != nil && payload.Session != nil {
				writeError(rec, http.StatusBadRequest, fmt.Errorf("password and session are mutually exclusive"))
				return
			}
			secret := payload.Password
			if payload.Session != nil {
				blob := string(*payload.Session)
				secret = &blob
			}
			cred, err := h.app.Pool.Update(r.Context(), id, payload.Name, payload.Email, payload.Notes, secret)
			if err != nil {
				h.writeServiceError(rec, err)
				return
			}
			writeJSON(rec, http.StatusOK, credentialToView(cred))

		case http.MethodDelete:
			rec := h.recordAudit(w, r, callerRole)
			if err := h.app.Pool.Delete(r.Context(), id); err != nil {
				h.writeServiceError(rec, err)
				return
			}
			rec.WriteHeader(http.StatusNoContent)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	rec := h.recordAudit(w, r, callerRole)
	var (
		cred credential.Credential
		err  error
	)
	switch parts[1] {
	case "reset":
		cred, err = h.app.Pool.Reset(r.Context(), id)
	case "disable":
		cred, err = h.app.Pool.Disable(r.Context(), id)
	case "enable":
		cred, err = h.app.Pool.Enable(r.Context(), id)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeServiceError(rec, err)
		return
	}
	writeJSON(rec, http.StatusOK, credentialToView(cred))
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if callerRole, _ := h.auth.authenticate(r); callerRole == roleNone {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("valid bearer token required"))
		return
	}
	stats, err := h.app.Pool.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) auditEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	callerRole, _ := h.auth.authenticate(r)
	if callerRole != roleAdmin {
		h.deny(w, callerRole)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) deny(w http.ResponseWriter, callerRole role) {
	if callerRole == roleNone {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("valid bearer token required"))
		return
	}
	writeError(w, http.StatusForbidden, fmt.Errorf("admin token required"))
}

// recordAudit wraps the response writer so the final status of an admin
// mutation lands in the audit log.
func (h *handler) recordAudit(w http.ResponseWriter, r *http.Request, callerRole role) *auditRecorder {
	return &auditRecorder{
		ResponseWriter: w,
		log:            h.audit,
		entry: auditEntry{
			Time:       time.Now().UTC(),
			Role:       string(callerRole),
			Method:     r.Method,
			Path:       r.URL.Path,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		},
	}
}

type auditRecorder struct {
	http.ResponseWriter
	log      *auditLog
	entry    auditEntry
	recorded bool
}

func (r *auditRecorder) WriteHeader(code int) {
	if !r.recorded {
		r.recorded = true
		r.entry.Status = code
		r.log.add(r.entry)
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *auditRecorder) Write(b []byte) (int, error) {
	if !r.recorded {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// writeServiceError maps service errors onto HTTP statuses. Pool exhaustion
// is 404 by contract: the caller asked for a credential and none exists right
// now.
func (h *handler) writeServiceError(w http.ResponseWriter, err error) {
	var decErr *secrets.DecryptionError
	switch {
	case errors.Is(err, credential.ErrPoolExhausted):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, credential.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case credential.IsValidation(err):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &decErr):
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *handler) attachSecret(view *credentialView, cred credential.Credential) error {
	plaintext, err := h.app.Pool.DecryptSecret(cred)
	if err != nil {
		return err
	}
	secret, err := secretViewFor(cred, plaintext)
	if err != nil {
		return err
	}
	view.Secret = secret
	return nil
}

type secretView struct {
	Type     string          `json:"type"`
	Email    string          `json:"email,omitempty"`
	Password string          `json:"password,omitempty"`
	Session  json.RawMessage `json:"session,omitempty"`
}

func secretViewFor(cred credential.Credential, plaintext []byte) (*secretView, error) {
	switch cred.Shape() {
	case credential.ShapePassword:
		return &secretView{Type: "password", Email: cred.Email, Password: string(plaintext)}, nil
	case credential.ShapeSession:
		return &secretView{Type: "session", Session: json.RawMessage(plaintext)}, nil
	default:
		return nil, fmt.Errorf("unknown secret shape for platform %s", cred.Platform)
	}
}

type credentialView struct {
	ID                 string      `json:"id"`
	Platform           string      `json:"platform"`
	Shape              string      `json:"shape"`
	Name               string      `json:"name"`
	Email              string      `json:"email,omitempty"`
	Status             string      `json:"status"`
	AssignedSessionID  string      `json:"assigned_session_id,omitempty"`
	AssignedAt         *time.Time  `json:"assigned_at,omitempty"`
	FailureCount       int         `json:"failure_count"`
	LastFailureAt      *time.Time  `json:"last_failure_at,omitempty"`
	LastFailureMessage string      `json:"last_failure_message,omitempty"`
	SuccessCount       int         `json:"success_count"`
	LastSuccessAt      *time.Time  `json:"last_success_at,omitempty"`
	CooldownUntil      *time.Time  `json:"cooldown_until,omitempty"`
	Notes              string      `json:"notes,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	Secret             *secretView `json:"secret,omitempty"`
}

func credentialToView(cred credential.Credential) credentialView {
	return credentialView{
		ID:                 cred.ID,
		Platform:           string(cred.Platform),
		Shape:              string(cred.Shape()),
		Name:               cred.Name,
		Email:              cred.Email,
		Status:             string(cred.Status),
		AssignedSessionID:  cred.AssignedSessionID,
		AssignedAt:         optionalTime(cred.AssignedAt),
		FailureCount:       cred.FailureCount,
		LastFailureAt:      optionalTime(cred.LastFailureAt),
		LastFailureMessage: cred.LastFailureMessage,
		SuccessCount:       cred.SuccessCount,
		LastSuccessAt:      optionalTime(cred.LastSuccessAt),
		CooldownUntil:      optionalTime(cred.CooldownUntil),
		Notes:              cred.Notes,
		CreatedAt:          cred.CreatedAt,
		UpdatedAt:          cred.UpdatedAt,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// queryInt parses an optional non-negative integer query parameter; absent
// means zero.
func queryInt(query url.Values, name string) (int, error) {
	raw := query.Get(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return value, nil
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
