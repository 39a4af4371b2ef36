package idp

import (
	"context"
	"embed"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/apigrid/portal-auth/internal/metrics"
	"github.com/apigrid/portal-auth/internal/oauth"
	"github.com/apigrid/portal-auth/internal/portal"
	"github.com/apigrid/portal-auth/internal/profile"
	"github.com/apigrid/portal-auth/internal/security"
	"github.com/apigrid/portal-auth/internal/session"
)

//go:embed templates/login.html.tmpl
var localTemplates embed.FS

// userAuthenticator is the slice of the portal client the local provider
// uses; tests substitute fakes.
type userAuthenticator interface {
	Login(ctx context.Context, email, password string) (*portal.User, error)
	GetUser(ctx context.Context, userID string) (*portal.User, error)
}

// Local authenticates end users against the portal API's user resource. The
// portal owns password storage; this adapter never sees a hash.
type Local struct {
	portal    userAuthenticator
	sessions  *session.Manager
	mountPath string
	tmpl      *template.Template
	logger    zerolog.Logger

	done oauth.ContinueFunc
}

var _ oauth.IdentityProvider = (*Local)(nil)

// NewLocal creates the local username/password provider mounted at
// mountPath.
func NewLocal(p *portal.Client, sessions *session.Manager, mountPath string, logger zerolog.Logger) *Local {
	return newLocal(p, sessions, mountPath, logger)
}

func newLocal(p userAuthenticator, sessions *session.Manager, mountPath string, logger zerolog.Logger) *Local {
	return &Local{
		portal:    p,
		sessions:  sessions,
		mountPath: mountPath,
		tmpl:      template.Must(template.ParseFS(localTemplates, "templates/login.html.tmpl")),
		logger:    logger.With().Str("component", "idp_local").Logger(),
	}
}

// Type names the provider implementation.
func (l *Local) Type() string {
	return TypeLocal
}

// Endpoints lists the provider's own routes for the auth method index.
func (l *Local) Endpoints() []string {
	return []string{"/login/submit"}
}

// AuthorizeWithUI renders the login form. The form posts to the provider's
// submit route, which resumes the stored flow on success.
func (l *Local) AuthorizeWithUI(w http.ResponseWriter, r *http.Request) error {
	return l.renderForm(w, r, "")
}

func (l *Local) renderForm(w http.ResponseWriter, r *http.Request, errMsg string) error {
	s := session.FromContext(r.Context())
	csrf, err := l.sessions.CSRFToken(s)
	if err != nil {
		return err
	}
	if err := l.sessions.Persist(r.Context(), s); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return l.tmpl.Execute(w, map[string]any{
		"Action": l.mountPath + "/login/submit",
		"CSRF":   csrf,
		"Error":  errMsg,
	})
}

// RegisterRoutes mounts the form submission route.
func (l *Local) RegisterRoutes(r chi.Router, done oauth.ContinueFunc) {
	l.done = done
	r.Post("/login/submit", l.submit)
}

func (l *Local) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := session.FromContext(ctx)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !l.sessions.ConsumeCSRF(s, r.PostFormValue("_csrf")) {
		security.Delay(ctx)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	res, err := l.AuthorizeByUserPass(ctx, r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		security.Delay(ctx)
		metrics.RecordLogin(TypeLocal, "failure")
		if rerr := l.renderForm(w, r, "Invalid email or password."); rerr != nil {
			l.logger.Error().Err(rerr).Msg("failed to render login form")
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
		return
	}
	metrics.RecordLogin(TypeLocal, "success")
	l.done(w, r, res)
}

// AuthorizeByUserPass validates credentials against the portal API without
// any UI, for the resource owner password grant.
func (l *Local) AuthorizeByUserPass(ctx context.Context, username, password string) (*oauth.AuthResponse, error) {
	user, err := l.portal.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return &oauth.AuthResponse{
		UserID: user.ID,
		DefaultProfile: profile.OIDCProfile{
			Sub:           user.ID,
			Email:         user.Email,
			EmailVerified: user.Validated,
		},
		DefaultGroups: user.Groups,
	}, nil
}

// CheckRefreshToken allows the refresh when the user still exists in the
// portal.
func (l *Local) CheckRefreshToken(ctx context.Context, authenticatedUserID string, _ *profile.OIDCProfile) error {
	sub := oauth.ParseAuthenticatedSub(authenticatedUserID)
	if sub == "" {
		return nil
	}
	_, err := l.portal.GetUser(ctx, sub)
	return err
}
