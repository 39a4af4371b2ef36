// Package grants serves the grant manager: the page where a signed-in user
// reviews which applications they granted scope access to, and revokes
// grants they no longer want.
package grants

import (
	"embed"
	"errors"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/apigrid/portal-auth/internal/audit"
	flow "github.com/apigrid/portal-auth/internal/oauth"
	"github.com/apigrid/portal-auth/internal/portal"
	"github.com/apigrid/portal-auth/internal/security"
	"github.com/apigrid/portal-auth/internal/session"
)

//go:embed templates/grants.html.tmpl
var templateFS embed.FS

var grantsTemplate = template.Must(template.ParseFS(templateFS, "templates/grants.html.tmpl"))

// Handler serves the grant manager for one auth method.
type Handler struct {
	methodID  string
	sessions  *session.Manager
	portal    *portal.Client
	audit     audit.Emitter
	mountPath string
	logger    zerolog.Logger
}

// Options wires one grant manager instance.
type Options struct {
	MethodID  string
	Sessions  *session.Manager
	Portal    *portal.Client
	Audit     audit.Emitter
	MountPath string
	Logger    zerolog.Logger
}

// New creates the grant manager handler.
func New(opts Options) *Handler {
	return &Handler{
		methodID:  opts.MethodID,
		sessions:  opts.Sessions,
		portal:    opts.Portal,
		audit:     opts.Audit,
		mountPath: opts.MountPath,
		logger:    opts.Logger.With().Str("component", "grant_manager").Logger(),
	}
}

// Routes returns the mounted sub-router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.list)
	r.Post("/", h.revoke)
	return r
}

// grantView is one row on the grants page, enriched with display info.
type grantView struct {
	ApplicationID   string
	ApplicationName string
	APIID           string
	APIName         string
	Scopes          []string
}

// userID resolves the signed-in user from the session's flow state.
func (h *Handler) userID(s *session.Session) string {
	ms, err := flow.LoadMethodState(s, h.methodID)
	if err != nil || !ms.AuthResponse.LoggedIn() {
		return ""
	}
	return ms.AuthResponse.UserID
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	userID := h.userID(s)
	if userID == "" {
		http.Error(w, "sign in to manage your grants", http.StatusForbidden)
		return
	}

	userGrants, err := h.portal.GetGrants(r.Context(), userID)
	if err != nil && !errors.Is(err, portal.ErrNotFound) {
		h.logger.Error().Err(err).Msg("grant listing failed")
		http.Error(w, "grant lookup failed", http.StatusInternalServerError)
		return
	}

	views := make([]grantView, 0, len(userGrants))
	for _, g := range userGrants {
		v := grantView{
			ApplicationID:   g.ApplicationID,
			ApplicationName: g.ApplicationID,
			APIID:           g.APIID,
			APIName:         g.APIID,
		}
		// display enrichment is best effort, the raw ids work as fallback
		if app, err := h.portal.GetApplication(r.Context(), g.ApplicationID); err == nil {
			v.ApplicationName = app.Name
		}
		if api, err := h.portal.GetAPI(r.Context(), g.APIID); err == nil {
			v.APIName = api.Name
		}
		for _, sg := range g.Scopes {
			v.Scopes = append(v.Scopes, sg.Scope)
		}
		views = append(views, v)
	}

	csrf, err := h.sessions.CSRFToken(s)
	if err == nil {
		err = h.sessions.Persist(r.Context(), s)
	}
	if err != nil {
		http.Error(w, "session storage failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := grantsTemplate.ExecuteTemplate(w, "grants", map[string]any{
		"Grants": views,
		"Action": h.mountPath,
		"CSRF":   csrf,
	}); err != nil {
		h.logger.Error().Err(err).Msg("grants template rendering failed")
	}
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	userID := h.userID(s)
	if userID == "" {
		http.Error(w, "sign in to manage your grants", http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form submission", http.StatusBadRequest)
		return
	}
	if !h.sessions.ConsumeCSRF(s, r.PostFormValue("_csrf")) {
		security.Delay(r.Context())
		http.Error(w, "the form has expired, please go back and retry", http.StatusForbidden)
		return
	}
	if err := h.sessions.Persist(r.Context(), s); err != nil {
		http.Error(w, "session storage failed", http.StatusInternalServerError)
		return
	}

	appID := r.PostFormValue("application_id")
	apiID := r.PostFormValue("api_id")
	if appID == "" || apiID == "" {
		http.Error(w, "application_id and api_id are required", http.StatusBadRequest)
		return
	}

	if err := h.portal.DeleteGrant(r.Context(), userID, appID, apiID); err != nil && !errors.Is(err, portal.ErrNotFound) {
		h.logger.Error().Err(err).Msg("grant revocation failed")
		http.Error(w, "grant revocation failed", http.StatusInternalServerError)
		return
	}

	event := audit.BuildEvent(h.methodID, audit.ActionGrantRevoke, userID)
	event.APIID = apiID
	event.Metadata = map[string]any{"application_id": appID}
	_ = h.audit.Emit(r.Context(), event)

	http.Redirect(w, r, h.mountPath, http.StatusSeeOther)
}
