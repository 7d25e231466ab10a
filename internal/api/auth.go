package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hearthgrid/hearth-core/internal/audit"
	"github.com/hearthgrid/hearth-core/internal/operator"
	"github.com/hearthgrid/hearth-core/internal/stepup"
)

// loginRequest is the request body for POST /auth/login.
//
// ChallengeID is set on the second login attempt of an untrusted device,
// after the emailed approval link has been clicked.
type loginRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DeviceID    string `json:"device_id"`
	DeviceLabel string `json:"device_label,omitempty"`
	ChallengeID string `json:"challenge_id,omitempty"`
}

// loginResponse is the response body for a successful login.
type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// challengeRequiredResponse tells an untrusted device to wait for
// out-of-band approval before retrying with the challenge ID.
type challengeRequiredResponse struct {
	ChallengeRequired bool   `json:"challenge_required"`
	ChallengeID       string `json:"challenge_id"`
	ExpiresIn         int    `json:"expires_in"`
}

// handleLogin authenticates an operator on a specific device.
//
// Valid credentials alone are not enough: the device must be trusted.
// An untrusted device gets a challenge instead of a token; the emailed
// link must be clicked, then the device retries with the challenge ID,
// which consumes the approval and establishes trust atomically with the
// first token mint.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" || req.DeviceID == "" {
		writeBadRequest(w, "username, password, and device_id are required")
		return
	}

	user, err := s.users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		s.recordAudit(r.Context(), &audit.Event{
			EventType:  audit.EventLoginFailure,
			Actor:      req.Username,
			Outcome:    "failure",
			Detail:     map[string]any{"device_id": req.DeviceID},
			RemoteAddr: r.RemoteAddr,
		})
		if errors.Is(err, operator.ErrInvalidCredentials) {
			writeUnauthorized(w, "invalid credentials")
			return
		}
		writeInternalError(w, "login failed")
		return
	}

	if req.ChallengeID != "" {
		// Second leg: collect the approved challenge. Consume trusts the
		// device, so the trust check below passes.
		if _, _, err := s.flow.Consume(r.Context(), req.ChallengeID, user.ID, req.DeviceID); err != nil {
			writeChallengeError(w, err)
			return
		}
		s.recordAudit(r.Context(), &audit.Event{
			EventType:  audit.EventChallengeConsumed,
			Actor:      user.ID,
			Subject:    req.DeviceID,
			Detail:     map[string]any{"purpose": string(stepup.PurposeDeviceTrust)},
			RemoteAddr: r.RemoteAddr,
		})
	}

	trusted, err := s.trust.IsTrusted(r.Context(), user.ID, req.DeviceID)
	if err != nil {
		writeInternalError(w, "login failed")
		return
	}
	if !trusted {
		ch, err := s.flow.Create(r.Context(), user.ID, req.DeviceID, user.Email, stepup.PurposeDeviceTrust)
		if err != nil {
			if errors.Is(err, stepup.ErrResendThrottled) {
				writeTooManyRequests(w, "approval link already sent, wait before retrying")
				return
			}
			writeInternalError(w, "failed to create approval challenge")
			return
		}
		s.recordAudit(r.Context(), &audit.Event{
			EventType:  audit.EventChallengeCreated,
			Actor:      user.ID,
			Subject:    req.DeviceID,
			Detail:     map[string]any{"purpose": string(stepup.PurposeDeviceTrust), "challenge_id": ch.ID},
			RemoteAddr: r.RemoteAddr,
		})
		writeJSON(w, http.StatusAccepted, challengeRequiredResponse{
			ChallengeRequired: true,
			ChallengeID:       ch.ID,
			ExpiresIn:         s.secCfg.StepUp.ChallengeTTLMinutes * 60,
		})
		return
	}

	sv, err := s.trust.SessionVersion(r.Context(), user.ID, req.DeviceID)
	if err != nil {
		writeInternalError(w, "login failed")
		return
	}
	if err := s.trust.TouchSeen(r.Context(), user.ID, req.DeviceID); err != nil {
		s.logger.Warn("touching device failed", "user_id", user.ID, "error", err)
	}

	ttl := s.secCfg.JWT.AccessTokenTTL
	signed, err := operator.GenerateAccessToken(user, req.DeviceID, sv, s.secCfg.JWT.Secret, ttl)
	if err != nil {
		writeInternalError(w, "failed to generate token")
		return
	}
	if ttl <= 0 {
		ttl = 15 //nolint:mnd // mirror the token generator's default
	}

	s.recordAudit(r.Context(), &audit.Event{
		EventType:  audit.EventLoginSuccess,
		Actor:      user.ID,
		Detail:     map[string]any{"device_id": req.DeviceID},
		RemoteAddr: r.RemoteAddr,
	})
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   ttl * 60, // seconds
	})
}

// handleVerifyStatus reports the state of the challenge behind an
// emailed link token. Strictly read-only: mail gateways prefetch links,
// so a bare GET must never approve. The confirming client follows up
// with POST /api/v1/auth/verify.
func (s *Server) handleVerifyStatus(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeBadRequest(w, "token query parameter is required")
		return
	}

	ch, err := s.flow.GetByToken(r.Context(), token)
	if err != nil {
		writeChallengeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge_id": ch.ID,
		"status":       ch.Status,
		"purpose":      ch.Purpose,
	})
}

// approveRequest is the request body for POST /auth/verify.
type approveRequest struct {
	Token string `json:"token"`
}

// handleApprove marks the linked challenge approved. Approval is a
// deliberate POST, never a side effect of fetching the link.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Token == "" {
		writeBadRequest(w, "token is required")
		return
	}
	s.approveChallenge(w, r, req.Token)
}

// approveChallenge marks the challenge behind a link token as approved.
func (s *Server) approveChallenge(w http.ResponseWriter, r *http.Request, token string) {
	ch, err := s.flow.Approve(r.Context(), token)
	if err != nil {
		writeChallengeError(w, err)
		return
	}

	s.recordAudit(r.Context(), &audit.Event{
		EventType:  audit.EventChallengeApproved,
		Actor:      ch.UserID,
		Subject:    ch.DeviceID,
		Detail:     map[string]any{"purpose": string(ch.Purpose), "challenge_id": ch.ID},
		RemoteAddr: r.RemoteAddr,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"approved": true,
		"purpose":  ch.Purpose,
	})
}

// handleMe returns the authenticated operator's account and token scope.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	user, err := s.users.GetByID(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, operator.ErrUserNotFound) {
			writeUnauthorized(w, "account no longer exists")
			return
		}
		writeInternalError(w, "failed to load account")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":      user,
		"device_id": claims.DeviceID,
		"role":      claims.Role,
	})
}

// handleLogoutAll revokes every trusted device and step-up lease for the
// authenticated operator. All outstanding tokens die with the session
// version bumps.
func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	devices, err := s.trust.RevokeAllForUser(r.Context(), claims.Subject)
	if err != nil {
		writeInternalError(w, "failed to revoke devices")
		return
	}
	leases, err := s.leases.RevokeAllForUser(r.Context(), claims.Subject)
	if err != nil {
		writeInternalError(w, "failed to revoke leases")
		return
	}

	s.recordAudit(r.Context(), &audit.Event{
		EventType:  audit.EventDeviceRevoked,
		Actor:      claims.Subject,
		Detail:     map[string]any{"devices": devices, "leases": leases, "trigger": "logout_all"},
		RemoteAddr: r.RemoteAddr,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"devices_revoked": devices,
		"leases_revoked":  leases,
	})
}

// writeChallengeError maps challenge flow failures onto HTTP responses.
func writeChallengeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stepup.ErrChallengeNotFound):
		writeNotFound(w, "challenge not found")
	case errors.Is(err, stepup.ErrChallengeExpired):
		writeGone(w, "challenge expired")
	case errors.Is(err, stepup.ErrChallengeConsumed):
		writeConflict(w, "challenge already consumed")
	case errors.Is(err, stepup.ErrChallengeNotApproved):
		writeForbidden(w, "challenge not yet approved")
	case errors.Is(err, stepup.ErrDeviceMismatch):
		writeForbidden(w, "challenge belongs to a different device")
	case errors.Is(err, stepup.ErrInvalidPurpose):
		writeBadRequest(w, "unknown challenge purpose")
	case errors.Is(err, stepup.ErrResendThrottled):
		writeTooManyRequests(w, "approval link already sent, wait before retrying")
	default:
		writeInternalError(w, "challenge operation failed")
	}
}
