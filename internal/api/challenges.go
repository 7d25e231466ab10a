package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hearthgrid/hearth-core/internal/audit"
	"github.com/hearthgrid/hearth-core/internal/operator"
	"github.com/hearthgrid/hearth-core/internal/stepup"
)

// createChallengeRequest is the request body for POST /challenges.
type createChallengeRequest struct {
	Purpose stepup.Purpose `json:"purpose"`
}

// handleCreateChallenge opens a step-up challenge for the authenticated
// (user, device) scope. The approval link goes to the account's email;
// nothing sensitive is returned here.
func (s *Server) handleCreateChallenge(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req createChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if !req.Purpose.Valid() {
		writeBadRequest(w, "unknown challenge purpose")
		return
	}

	user, err := s.users.GetByID(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, operator.ErrUserNotFound) {
			writeUnauthorized(w, "account no longer exists")
			return
		}
		writeInternalError(w, "failed to load account")
		return
	}

	ch, err := s.flow.Create(r.Context(), user.ID, claims.DeviceID, user.Email, req.Purpose)
	if err != nil {
		writeChallengeError(w, err)
		return
	}

	s.recordAudit(r.Context(), &audit.Event{
		EventType:  audit.EventChallengeCreated,
		Actor:      user.ID,
		Subject:    claims.DeviceID,
		Detail:     map[string]any{"purpose": string(req.Purpose), "challenge_id": ch.ID},
		RemoteAddr: r.RemoteAddr,
	})
	writeJSON(w, http.StatusCreated, ch)
}

// handleGetChallenge returns the full challenge record to its owner.
func (s *Server) handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	ch, err := s.flow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeChallengeError(w, err)
		return
	}
	if ch.UserID != claims.Subject {
		// Same response as not-found so IDs cannot be probed.
		writeNotFound(w, "challenge not found")
		return
	}

	writeJSON(w, http.StatusOK, ch)
}

// consumeChallengeResponse carries the one-time lease token. It is never
// stored or shown again.
type consumeChallengeResponse struct {
	Lease      *stepup.Lease `json:"lease"`
	LeaseToken string        `json:"lease_token"`
}

// handleConsumeChallenge collects an approved challenge from the device
// that opened it, issuing the scope's lease.
func (s *Server) handleConsumeChallenge(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	lease, raw, err := s.flow.Consume(r.Context(), chi.URLParam(r, "id"), claims.Subject, claims.DeviceID)
	if err != nil {
		writeChallengeError(w, err)
		return
	}

	s.recordAudit(r.Context(), &audit.Event{
		EventType:  audit.EventChallengeConsumed,
		Actor:      claims.Subject,
		Subject:    claims.DeviceID,
		Detail:     map[string]any{"purpose": string(lease.Purpose)},
		RemoteAddr: r.RemoteAddr,
	})
	writeJSON(w, http.StatusOK, consumeChallengeResponse{
		Lease:      lease,
		LeaseToken: raw,
	})
}

// handleChallengeStatus returns status only, for unauthenticated polling
// by a device waiting on its first trust approval. Possession of the
// unguessable challenge ID is the capability.
func (s *Server) handleChallengeStatus(w http.ResponseWriter, r *http.Request) {
	ch, err := s.flow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeChallengeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         ch.ID,
		"status":     ch.Status,
		"expires_at": ch.ExpiresAt,
	})
}
