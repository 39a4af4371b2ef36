// Package auth serves the OAuth2 surface of one auth method: authorize and
// token endpoints, the interactive flow pages (consent, registration,
// namespace selection), plain login, verifications, userinfo, logout and the
// failure page.
//
// Purpose:
//
//	One Handler instance wraps one flow engine and one identity provider.
//	The dispatcher mounts a Handler per configured auth method under
//	basePath/{authMethodId} inside the shared session middleware.
//
// Key Responsibilities:
//   - Translate HTTP requests into flow engine calls and render the Step
//     the engine returns
//   - Enforce the single-use CSRF token on state-mutating POSTs, with the
//     mandatory delay on rejections
//   - Emit OAuth2 wire errors: JSON for the token flow, redirect with
//     error parameters for the authorize flow, error page otherwise
//
// Error Handling:
//   - Everything funnels through AsOAuth2Error; internal detail is logged,
//     never shown to the browser
package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/256dpi/oauth2/v2"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/apigrid/portal-auth/internal/audit"
	"github.com/apigrid/portal-auth/internal/httpapi/grants"
	"github.com/apigrid/portal-auth/internal/httpapi/middleware"
	flow "github.com/apigrid/portal-auth/internal/oauth"
	"github.com/apigrid/portal-auth/internal/portal"
	"github.com/apigrid/portal-auth/internal/profile"
	"github.com/apigrid/portal-auth/internal/security"
	"github.com/apigrid/portal-auth/internal/session"
)

// Handler serves the OAuth2 surface of one auth method.
type Handler struct {
	methodID  string
	flow      *flow.Flow
	sessions  *session.Manager
	portal    *portal.Client
	profiles  *profile.Store
	audit     audit.Emitter
	mountURL  string // externally reachable mount, for verification links
	mountPath string
	logger    zerolog.Logger
}

// Options wires one Handler.
type Options struct {
	MethodID  string
	Flow      *flow.Flow
	Sessions  *session.Manager
	Portal    *portal.Client
	Profiles  *profile.Store
	Audit     audit.Emitter
	MountURL  string
	MountPath string
	Logger    zerolog.Logger
}

// New creates the handler for one auth method.
func New(opts Options) *Handler {
	return &Handler{
		methodID:  opts.MethodID,
		flow:      opts.Flow,
		sessions:  opts.Sessions,
		portal:    opts.Portal,
		profiles:  opts.Profiles,
		audit:     opts.Audit,
		mountURL:  opts.MountURL,
		mountPath: opts.MountPath,
		logger:    opts.Logger.With().Str("component", "oauth_router").Str("auth_method", opts.MethodID).Logger(),
	}
}

// RegisterRoutes mounts the auth method's routes on r, including the
// identity provider's own sub-routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/{apiID}/authorize", h.authorize)
	r.Post("/api/{apiID}/token", h.token)

	r.Get("/login", h.plainLogin)
	r.Post("/login", h.plainLogin)

	r.Post("/register", h.register)
	r.Post("/selectnamespace", h.selectNamespace)
	r.Post("/grant", h.consent)

	r.Get("/verify/{id}", h.verifyForm)
	r.Post("/verify", h.verifySubmit)
	r.Get("/verifyemail", h.verifyEmailForm)
	r.Post("/verifyemail", h.verifyEmailSubmit)
	r.Get("/forgotpassword", h.forgotPasswordForm)
	r.Post("/forgotpassword", h.forgotPasswordSubmit)

	r.With(middleware.Bearer(h.profiles)).Get("/profile", h.profile)
	r.Get("/logout", h.logout)
	r.Get("/failure", h.failure)

	r.Mount("/grants", grants.New(grants.Options{
		MethodID:  h.methodID,
		Sessions:  h.sessions,
		Portal:    h.portal,
		Audit:     h.audit,
		MountPath: h.mountPath + "/grants",
		Logger:    h.logger,
	}).Routes())

	h.flow.IdP().RegisterRoutes(r, h.resume)
}

// Endpoints lists the method's endpoints for the auth method index.
func (h *Handler) Endpoints() []string {
	own := []string{
		"/api/{apiId}/authorize",
		"/api/{apiId}/token",
		"/login",
		"/profile",
		"/logout",
		"/grants",
	}
	return append(own, h.flow.IdP().Endpoints()...)
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	q := r.URL.Query()

	req := &flow.AuthRequest{
		APIID:        chi.URLParam(r, "apiID"),
		ClientID:     q.Get("client_id"),
		ResponseType: q.Get("response_type"),
		RedirectURI:  q.Get("redirect_uri"),
		State:        q.Get("state"),
		Scope:        flow.SplitScope(q.Get("scope")),
		Prompt:       q.Get("prompt"),
		Namespace:    q.Get("namespace"),
	}

	step, err := h.flow.Authorize(r.Context(), s, req)
	if err != nil {
		h.authorizeError(w, r, s, err)
		return
	}
	h.renderStep(w, r, s, step)
}

func (h *Handler) token(w http.ResponseWriter, r *http.Request) {
	in, err := h.parseTokenInput(r)
	if err != nil {
		_ = oauth2.WriteError(w, flow.AsOAuth2Error(err))
		return
	}

	res, err := h.flow.Token(r.Context(), in)
	if err != nil {
		_ = oauth2.WriteError(w, flow.AsOAuth2Error(err))
		return
	}

	out := oauth2.NewBearerTokenResponse(res.AccessToken, res.ExpiresIn)
	out.RefreshToken = res.RefreshToken
	if res.Scope != "" {
		out.Scope = oauth2.ParseScope(res.Scope)
	}
	_ = oauth2.WriteTokenResponse(w, out)
}

// parseTokenInput accepts both form encoded and JSON token requests.
func (h *Handler) parseTokenInput(r *http.Request) (*flow.TokenInput, error) {
	apiID := chi.URLParam(r, "apiID")

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			GrantType    string `json:"grant_type"`
			ClientID     string `json:"client_id"`
			ClientSecret string `json:"client_secret"`
			Code         string `json:"code"`
			RedirectURI  string `json:"redirect_uri"`
			Username     string `json:"username"`
			Password     string `json:"password"`
			RefreshToken string `json:"refresh_token"`
			Scope        string `json:"scope"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, oauth2.InvalidRequest("malformed JSON body")
		}
		in := &flow.TokenInput{
			APIID:        apiID,
			GrantType:    body.GrantType,
			ClientID:     body.ClientID,
			ClientSecret: body.ClientSecret,
			Code:         body.Code,
			RedirectURI:  body.RedirectURI,
			Username:     body.Username,
			Password:     body.Password,
			RefreshToken: body.RefreshToken,
			Scope:        flow.SplitScope(body.Scope),
		}
		if id, secret, ok := r.BasicAuth(); ok {
			if in.ClientID == "" {
				in.ClientID = id
			}
			if in.ClientSecret == "" {
				in.ClientSecret = secret
			}
		}
		return in, nil
	}

	req, err := oauth2.ParseTokenRequest(r)
	if err != nil {
		return nil, err
	}
	return &flow.TokenInput{
		APIID:        apiID,
		GrantType:    req.GrantType,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Code:         req.Code,
		RedirectURI:  req.RedirectURI,
		Username:     req.Username,
		Password:     req.Password,
		RefreshToken: req.RefreshToken,
		Scope:        []string(req.Scope),
	}, nil
}

func (h *Handler) plainLogin(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	redirectURI := r.URL.Query().Get("redirect_uri")
	if redirectURI == "" && r.Method == http.MethodPost {
		_ = r.ParseForm()
		redirectURI = r.PostFormValue("redirect_uri")
	}

	step, err := h.flow.PlainLogin(r.Context(), s, redirectURI)
	if err != nil {
		h.authorizeError(w, r, s, err)
		return
	}
	h.renderStep(w, r, s, step)
}

// resume is the ContinueFunc handed to the identity provider: it picks the
// stored flow back up once interactive authentication finished.
func (h *Handler) resume(w http.ResponseWriter, r *http.Request, res *flow.AuthResponse) {
	s := session.FromContext(r.Context())
	_ = h.audit.Emit(r.Context(), audit.BuildEvent(h.methodID, audit.ActionLoginSuccess, res.UserID))

	step, err := h.flow.Resume(r.Context(), s, res)
	if err != nil {
		h.authorizeError(w, r, s, err)
		return
	}
	h.renderStep(w, r, s, step)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		h.renderError(w, http.StatusBadRequest, "malformed form submission", "")
		return
	}

	// The registration nonce is the single-use token here; the engine
	// checks it and applies the delay itself.
	step, err := h.flow.SubmitRegistration(r.Context(), s, r.PostFormValue("nonce"), r.PostFormValue("name"))
	if err != nil {
		h.authorizeError(w, r, s, err)
		return
	}
	h.renderStep(w, r, s, step)
}

func (h *Handler) selectNamespace(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	if !h.consumeCSRF(w, r, s) {
		return
	}

	step, err := h.flow.SelectNamespace(r.Context(), s, r.PostFormValue("namespace"))
	if err != nil {
		h.authorizeError(w, r, s, err)
		return
	}
	h.renderStep(w, r, s, step)
}

func (h *Handler) consent(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	if !h.consumeCSRF(w, r, s) {
		return
	}

	allow := r.PostFormValue("decision") == "allow"
	step, err := h.flow.SubmitConsent(r.Context(), s, allow)
	if err != nil {
		h.authorizeError(w, r, s, err)
		return
	}
	h.renderStep(w, r, s, step)
}

func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	entry := middleware.EntryFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(entry.Profile); err != nil {
		h.logger.Error().Err(err).Msg("failed to write profile response")
	}
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	_ = h.audit.Emit(r.Context(), audit.BuildEvent(h.methodID, audit.ActionLogout, ""))
	if err := h.sessions.Destroy(r.Context(), w, s); err != nil {
		h.logger.Error().Err(err).Msg("failed to destroy session on logout")
	}

	if redirectURI := r.URL.Query().Get("redirect_uri"); redirectURI != "" {
		http.Redirect(w, r, redirectURI, http.StatusFound)
		return
	}
	h.render(w, http.StatusOK, "logout", nil)
}

func (h *Handler) failure(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	h.renderError(w, http.StatusOK, "The last authorization attempt failed.", s.RedirectURI)
}

// consumeCSRF enforces the single-use token on state-mutating POSTs. A
// mismatch is delayed and answered with 403.
func (h *Handler) consumeCSRF(w http.ResponseWriter, r *http.Request, s *session.Session) bool {
	if err := r.ParseForm(); err != nil {
		h.renderError(w, http.StatusBadRequest, "malformed form submission", "")
		return false
	}
	if !h.sessions.ConsumeCSRF(s, r.PostFormValue("_csrf")) {
		security.Delay(r.Context())
		h.renderError(w, http.StatusForbidden, "the form has expired, please go back and retry", "")
		return false
	}
	if err := h.sessions.Persist(r.Context(), s); err != nil {
		h.renderError(w, http.StatusInternalServerError, "session storage failed", "")
		return false
	}
	return true
}

// renderStep persists the session and renders what the flow engine asked
// for.
func (h *Handler) renderStep(w http.ResponseWriter, r *http.Request, s *session.Session, step *flow.Step) {
	if err := h.sessions.Persist(r.Context(), s); err != nil {
		h.logger.Error().Err(err).Msg("failed to persist session")
		h.renderError(w, http.StatusInternalServerError, "session storage failed", "")
		return
	}

	switch step.Kind {
	case flow.StepRedirect:
		http.Redirect(w, r, step.Redirect, http.StatusFound)

	case flow.StepLogin:
		if err := h.flow.IdP().AuthorizeWithUI(w, r); err != nil {
			h.logger.Error().Err(err).Msg("identity provider failed to start authentication")
			h.renderError(w, http.StatusInternalServerError, "authentication could not be started", "")
		}

	case flow.StepConsent:
		csrf, err := h.csrfToken(r, s)
		if err != nil {
			h.renderError(w, http.StatusInternalServerError, "session storage failed", "")
			return
		}
		h.render(w, http.StatusOK, "consent", map[string]any{
			"Application":    step.Consent.Application,
			"API":            step.Consent.API,
			"MissingGrants":  step.Consent.MissingGrants,
			"ExistingGrants": step.Consent.ExistingGrants,
			"Action":         h.mountPath + "/grant",
			"CSRF":           csrf,
		})

	case flow.StepSelectNamespace:
		csrf, err := h.csrfToken(r, s)
		if err != nil {
			h.renderError(w, http.StatusInternalServerError, "session storage failed", "")
			return
		}
		h.render(w, http.StatusOK, "selectnamespace", map[string]any{
			"Namespaces": step.Namespaces,
			"Action":     h.mountPath + "/selectnamespace",
			"CSRF":       csrf,
		})

	case flow.StepRegister:
		h.render(w, http.StatusOK, "register", map[string]any{
			"Pool":    step.Register.Pool,
			"Nonce":   step.Register.Nonce,
			"Profile": step.Register.Profile,
			"Action":  h.mountPath + "/register",
		})

	default:
		h.logger.Error().Int("kind", int(step.Kind)).Msg("flow engine returned an unknown step")
		h.renderError(w, http.StatusInternalServerError, "internal error", "")
	}
}

func (h *Handler) csrfToken(r *http.Request, s *session.Session) (string, error) {
	csrf, err := h.sessions.CSRFToken(s)
	if err != nil {
		return "", err
	}
	return csrf, h.sessions.Persist(r.Context(), s)
}

// authorizeError writes a flow error: redirected back to the client when a
// redirect URI is known, rendered as an error page otherwise.
func (h *Handler) authorizeError(w http.ResponseWriter, r *http.Request, s *session.Session, err error) {
	oe := flow.AsOAuth2Error(err)
	h.logger.Warn().
		Str("error", oe.Name).
		Str("description", oe.Description).
		Msg("authorize flow failed")

	if persistErr := h.sessions.Persist(r.Context(), s); persistErr != nil {
		h.logger.Error().Err(persistErr).Msg("failed to persist session")
	}

	if s.RedirectURI != "" {
		state, useFragment := "", false
		if ms, lerr := flow.LoadMethodState(s, h.methodID); lerr == nil && ms.AuthRequest != nil {
			state = ms.AuthRequest.State
			useFragment = ms.AuthRequest.ResponseType == flow.ResponseTypeToken
		}
		oe.SetRedirect(s.RedirectURI, state, useFragment)
		_ = oauth2.WriteError(w, oe)
		return
	}

	message := oe.Description
	if message == "" {
		message = "authorization failed"
	}
	h.renderError(w, oe.Status, message, "")
}

func (h *Handler) renderError(w http.ResponseWriter, status int, message, backURL string) {
	h.render(w, status, "error", map[string]any{
		"Message": message,
		"BackURL": backURL,
	})
}

func (h *Handler) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplates.ExecuteTemplate(w, name, data); err != nil {
		h.logger.Error().Err(err).Str("template", name).Msg("template rendering failed")
	}
}
