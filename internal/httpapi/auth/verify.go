// Verification endpoints: email confirmation and password reset. The portal
// API stores the verification record and mails the link; this server renders
// the forms and redeems the record.
package auth

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/apigrid/portal-auth/internal/audit"
	"github.com/apigrid/portal-auth/internal/metrics"
	"github.com/apigrid/portal-auth/internal/portal"
	"github.com/apigrid/portal-auth/internal/security"
	"github.com/apigrid/portal-auth/internal/session"
)

// Verification actions understood by this server.
const (
	verifyActionEmail    = "email"
	verifyActionPassword = "password"
)

// verifyForm renders the confirmation form behind a mailed verification
// link. Unknown ids are delayed so the endpoint cannot be used to probe for
// valid ones.
func (h *Handler) verifyForm(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	v, err := h.portal.GetVerification(r.Context(), id)
	if err != nil {
		if errors.Is(err, portal.ErrNotFound) {
			security.Delay(r.Context())
			h.renderError(w, http.StatusNotFound, "invalid verification id", "")
			return
		}
		h.renderError(w, http.StatusInternalServerError, "verification lookup failed", "")
		return
	}

	csrf, err := h.csrfToken(r, s)
	if err != nil {
		h.renderError(w, http.StatusInternalServerError, "session storage failed", "")
		return
	}
	h.render(w, http.StatusOK, "verify", map[string]any{
		"ID":           v.ID,
		"VerifyAction": v.Action,
		"Action":       h.mountPath + "/verify",
		"CSRF":         csrf,
	})
}

// verifySubmit redeems a verification: confirms the email address or sets
// the new password, then deletes the record.
func (h *Handler) verifySubmit(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	if !h.consumeCSRF(w, r, s) {
		return
	}

	v, err := h.portal.GetVerification(r.Context(), r.PostFormValue("id"))
	if err != nil {
		if errors.Is(err, portal.ErrNotFound) {
			security.Delay(r.Context())
			h.renderError(w, http.StatusNotFound, "invalid verification id", "")
			return
		}
		h.renderError(w, http.StatusInternalServerError, "verification lookup failed", "")
		return
	}

	var message string
	switch v.Action {
	case verifyActionPassword:
		password := r.PostFormValue("password")
		if password == "" {
			h.renderError(w, http.StatusBadRequest, "a new password is required", "")
			return
		}
		if _, err := h.portal.PatchUser(r.Context(), v.UserID, map[string]any{"password": password}); err != nil {
			h.renderError(w, http.StatusInternalServerError, "password update failed", "")
			return
		}
		message = "Your password has been changed."
	case verifyActionEmail:
		if _, err := h.portal.PatchUser(r.Context(), v.UserID, map[string]any{"validated": true}); err != nil {
			h.renderError(w, http.StatusInternalServerError, "email confirmation failed", "")
			return
		}
		message = "Your email address is confirmed."
	default:
		h.renderError(w, http.StatusBadRequest, "unknown verification action", "")
		return
	}

	// The record is redeemed; removal is best effort, the portal expires
	// stale records on its own.
	if err := h.portal.DeleteVerification(r.Context(), v.ID); err != nil {
		h.logger.Warn().Err(err).Str("verification_id", v.ID).Msg("failed to delete redeemed verification")
	}
	metrics.RecordVerification(v.Action)
	event := audit.BuildEvent(h.methodID, audit.ActionVerificationConfirm, v.UserID)
	event.Metadata = map[string]any{"action": v.Action}
	_ = h.audit.Emit(r.Context(), event)

	h.render(w, http.StatusOK, "verify", map[string]any{
		"Done":    true,
		"Message": message,
	})
}

func (h *Handler) verifyEmailForm(w http.ResponseWriter, r *http.Request) {
	h.renderEmailRequestForm(w, r, "Confirm your email address", "/verifyemail")
}

func (h *Handler) verifyEmailSubmit(w http.ResponseWriter, r *http.Request) {
	h.submitEmailRequest(w, r, verifyActionEmail, "Confirm your email address")
}

func (h *Handler) forgotPasswordForm(w http.ResponseWriter, r *http.Request) {
	h.renderEmailRequestForm(w, r, "Reset your password", "/forgotpassword")
}

func (h *Handler) forgotPasswordSubmit(w http.ResponseWriter, r *http.Request) {
	h.submitEmailRequest(w, r, verifyActionPassword, "Reset your password")
}

func (h *Handler) renderEmailRequestForm(w http.ResponseWriter, r *http.Request, title, action string) {
	s := session.FromContext(r.Context())
	csrf, err := h.csrfToken(r, s)
	if err != nil {
		h.renderError(w, http.StatusInternalServerError, "session storage failed", "")
		return
	}
	h.render(w, http.StatusOK, "emailrequest", map[string]any{
		"Title":  title,
		"Action": h.mountPath + action,
		"CSRF":   csrf,
	})
}

// submitEmailRequest creates a verification for the given address. The
// response is identical whether or not the address belongs to a user, so the
// endpoint cannot be used to enumerate accounts.
func (h *Handler) submitEmailRequest(w http.ResponseWriter, r *http.Request, action, title string) {
	s := session.FromContext(r.Context())
	if !h.consumeCSRF(w, r, s) {
		return
	}

	email := r.PostFormValue("email")
	if user, err := h.portal.GetUserByEmail(r.Context(), email); err == nil {
		v := portal.Verification{
			Action: action,
			UserID: user.ID,
			Email:  email,
			Link:   h.mountURL + "/verify/{{id}}",
		}
		if err := h.portal.CreateVerification(r.Context(), v); err != nil {
			h.logger.Error().Err(err).Str("action", action).Msg("failed to create verification")
		} else {
			event := audit.BuildEvent(h.methodID, audit.ActionVerificationCreate, user.ID)
			event.Metadata = map[string]any{"action": action}
			_ = h.audit.Emit(r.Context(), event)
		}
	} else if !errors.Is(err, portal.ErrNotFound) {
		h.logger.Error().Err(err).Msg("user lookup for verification failed")
	}

	h.render(w, http.StatusOK, "emailrequest", map[string]any{
		"Title": title,
		"Sent":  true,
	})
}
