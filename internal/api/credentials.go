package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hearthgrid/hearth-core/internal/audit"
	"github.com/hearthgrid/hearth-core/internal/credstore"
	"github.com/hearthgrid/hearth-core/internal/stepup"
)

// leaseHeader carries the raw step-up lease token on reveal requests.
const leaseHeader = "X-Step-Up-Lease"

// handleListCredentials returns a hub's stored credentials, metadata only.
func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.creds.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeInternalError(w, "failed to list credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"credentials": creds,
		"count":       len(creds),
	})
}

// putCredentialRequest is the request body for PUT /hubs/{id}/credentials/{name}.
type putCredentialRequest struct {
	Kind   string `json:"kind"`
	Secret string `json:"secret"`
}

// handlePutCredential stores or replaces a named credential for a hub.
func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	var req putCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Secret == "" {
		writeBadRequest(w, "secret is required")
		return
	}

	cred, err := s.creds.Put(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"), req.Kind, req.Secret)
	if err != nil {
		if errors.Is(err, credstore.ErrDuplicateSecret) {
			writeConflict(w, "an identical secret is already stored under another name")
			return
		}
		writeInternalError(w, "failed to store credential")
		return
	}

	writeJSON(w, http.StatusOK, cred)
}

// handleDeleteCredential removes a named credential.
func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	err := s.creds.Delete(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, credstore.ErrCredentialNotFound) {
			writeNotFound(w, "credential not found")
			return
		}
		writeInternalError(w, "failed to delete credential")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// handleRevealCredential returns a credential's plaintext. Admin role is
// not enough: the caller must also present a live remote-access step-up
// lease for the device they are on, proving a recent out-of-band
// approval. The lease is consumed on success, so a second reveal needs
// a fresh approval. Every reveal lands in the audit trail.
func (s *Server) handleRevealCredential(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	raw := r.Header.Get(leaseHeader)
	if raw == "" {
		writeForbidden(w, "step-up lease required")
		return
	}
	if _, err := s.leases.Consume(r.Context(), raw, claims.Subject, claims.DeviceID, stepup.PurposeRemoteAccess); err != nil {
		if errors.Is(err, stepup.ErrLeaseInvalid) {
			writeForbidden(w, "step-up lease invalid or expired")
			return
		}
		writeInternalError(w, "failed to validate lease")
		return
	}

	hubID := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")
	secret, err := s.creds.Reveal(r.Context(), hubID, name)
	if err != nil {
		if errors.Is(err, credstore.ErrCredentialNotFound) {
			writeNotFound(w, "credential not found")
			return
		}
		writeInternalError(w, "failed to reveal credential")
		return
	}

	s.recordAudit(r.Context(), &audit.Event{
		EventType:  audit.EventCredentialRevealed,
		Actor:      claims.Subject,
		Subject:    hubID + "/" + name,
		RemoteAddr: r.RemoteAddr,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"name":   name,
		"secret": secret,
	})
}
