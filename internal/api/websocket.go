package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hearthgrid/hearth-core/internal/stepup"
)

// WebSocket constants.
const (
	// wsSendBufferSize is the per-watcher outbound update buffer size.
	wsSendBufferSize = 8

	// wsPingInterval is how often protocol-level pings are sent.
	wsPingInterval = 30 * time.Second

	// wsWriteWait is the deadline applied to each outbound write.
	wsWriteWait = 10 * time.Second
)

// wsStatusMessage is the payload pushed to challenge watchers.
type wsStatusMessage struct {
	ChallengeID string `json:"challenge_id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Auth is token-based; origin enforcement adds nothing here.
		return true
	},
}

// challengeWatch fans challenge status transitions out to waiting
// WebSocket clients. Watchers register against a challenge ID and
// receive every transition until the challenge reaches a terminal
// status or the connection drops.
type challengeWatch struct {
	mu       sync.Mutex
	watchers map[string]map[chan stepup.ChallengeStatus]struct{}
	closed   bool
}

// newChallengeWatch creates an empty watch registry.
func newChallengeWatch() *challengeWatch {
	return &challengeWatch{
		watchers: make(map[string]map[chan stepup.ChallengeStatus]struct{}),
	}
}

// subscribe registers a watcher for the given challenge ID. The returned
// channel receives status transitions; call unsubscribe when done.
func (cw *challengeWatch) subscribe(challengeID string) chan stepup.ChallengeStatus {
	ch := make(chan stepup.ChallengeStatus, wsSendBufferSize)

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.closed {
		close(ch)
		return ch
	}
	set, ok := cw.watchers[challengeID]
	if !ok {
		set = make(map[chan stepup.ChallengeStatus]struct{})
		cw.watchers[challengeID] = set
	}
	set[ch] = struct{}{}
	return ch
}

// unsubscribe removes a watcher. Only the goroutine that successfully
// removes the channel from the set closes it, preventing double-close
// panics during shutdown.
func (cw *challengeWatch) unsubscribe(challengeID string, ch chan stepup.ChallengeStatus) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	set, ok := cw.watchers[challengeID]
	if !ok {
		return
	}
	if _, existed := set[ch]; existed {
		delete(set, ch)
		close(ch)
	}
	if len(set) == 0 {
		delete(cw.watchers, challengeID)
	}
}

// notify pushes a status transition to every watcher of the challenge.
// Slow watchers are skipped rather than blocking the caller.
func (cw *challengeWatch) notify(challengeID string, status stepup.ChallengeStatus) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for ch := range cw.watchers[challengeID] {
		select {
		case ch <- status:
		default:
			// Watcher buffer full, skip
		}
	}
}

// closeAll closes every watcher channel so their write loops exit.
func (cw *challengeWatch) closeAll() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.closed = true
	for id, set := range cw.watchers {
		for ch := range set {
			close(ch)
		}
		delete(cw.watchers, id)
	}
}

// handleChallengeWS upgrades the connection and streams status
// transitions for one challenge. The stream carries status only.
//
// A device waiting on its first trust approval has no access token yet,
// so the route accepts unauthenticated connections: possession of the
// unguessable challenge ID is the capability. When a token is presented
// (browsers pass ?access_token= since the WebSocket API cannot set
// headers) ownership is additionally enforced.
func (s *Server) handleChallengeWS(w http.ResponseWriter, r *http.Request) {
	challengeID := chi.URLParam(r, "id")

	challenge, err := s.flow.Get(r.Context(), challengeID)
	if err != nil {
		if errors.Is(err, stepup.ErrChallengeNotFound) {
			writeNotFound(w, "challenge not found")
			return
		}
		writeInternalError(w, "failed to load challenge")
		return
	}
	if claims, err := s.authenticate(r); err == nil && challenge.UserID != claims.Subject {
		// Same response as not-found so IDs cannot be probed.
		writeNotFound(w, "challenge not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	updates := s.watch.subscribe(challengeID)

	// A transition landing between the first load and the subscription
	// would be missed; re-read now that the watcher is live.
	if current, err := s.flow.Get(r.Context(), challengeID); err == nil {
		challenge = current
	}

	// Read loop exists only to detect the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go s.writeChallengeUpdates(conn, challengeID, challenge.Status, updates, done)
}

// writeChallengeUpdates sends the current status immediately, then
// relays transitions until the challenge is terminal or the client
// disconnects.
func (s *Server) writeChallengeUpdates(conn *websocket.Conn, challengeID string,
	current stepup.ChallengeStatus, updates chan stepup.ChallengeStatus, done chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		s.watch.unsubscribe(challengeID, updates)
		conn.Close()
	}()

	if !s.writeStatus(conn, challengeID, current) {
		return
	}
	if terminalStatus(current) {
		return
	}

	for {
		select {
		case status, ok := <-updates:
			if !ok {
				//nolint:errcheck // Best-effort close message
				conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if !s.writeStatus(conn, challengeID, status) {
				return
			}
			if terminalStatus(status) {
				//nolint:errcheck // Best-effort close message
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(status)))
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// writeStatus marshals and sends one status message, reporting whether
// the connection is still usable.
func (s *Server) writeStatus(conn *websocket.Conn, challengeID string, status stepup.ChallengeStatus) bool {
	msg := wsStatusMessage{
		ChallengeID: challengeID,
		Status:      string(status),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	//nolint:errcheck // Best-effort deadline; write error caught below
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data) == nil
}

// terminalStatus reports whether no further transitions can follow.
func terminalStatus(status stepup.ChallengeStatus) bool {
	return status == stepup.StatusConsumed || status == stepup.StatusExpired
}
