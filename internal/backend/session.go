// Package backend speaks the game backend's protocols: the duplex
// websocket session with correlated request/response messaging, the typed
// client operations built on it, and the signed HTTP batch variant.
package backend

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gbrelay-project/gbrelay/internal/config"
	"github.com/gbrelay-project/gbrelay/internal/protocol"
	"github.com/gbrelay-project/gbrelay/internal/util"
)

// AuthError reports a handshake that did not produce a usable session,
// normally because a server message omitted an expected field. It is fatal
// for the session; the caller abandons this team's cycle.
type AuthError struct {
	Stage string
	Field string
	Err   error
}

func (e *AuthError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("backend auth failed at %s: missing %q", e.Stage, e.Field)
	}
	return fmt.Sprintf("backend auth failed at %s: %v", e.Stage, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TimeoutError reports a request whose response did not arrive within its
// bound. Only that request is abandoned; the session stays usable.
type TimeoutError struct {
	RequestID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("backend request %s timed out", e.RequestID)
}

// ErrSessionClosed is returned by operations on a torn-down session.
var ErrSessionClosed = errors.New("backend session closed")

// Credentials identifies one account logging into the backend.
type Credentials struct {
	Email    string
	Password string
}

// Session is an authenticated duplex connection to the backend. A session
// is owned by a single orchestrator cycle; it is not safe to share one
// across teams. Response routing is by correlation id, so concurrent
// in-flight requests are fine as long as each send goes through NextID or
// a caller-chosen unique id.
type Session struct {
	conn      *websocket.Conn
	logger    zerolog.Logger
	sessionID string
	userID    string

	counter atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan *protocol.Response
	closed  bool

	readDone chan struct{}
	readErr  error
}

// handshakeTimeout bounds each individual handshake read.
const handshakeTimeout = 15 * time.Second

// Connect performs the two-stage handshake: it opens the entry endpoint,
// follows the issued connect URL, proves possession of the shared secret
// against the server nonce, and logs in with the given credentials. Any
// missing handshake field aborts with AuthError; nothing is sent after
// that point.
func Connect(ctx context.Context, cfg config.BackendConfig, creds Credentials) (*Session, error) {
	logger := util.ComponentLogger("backend")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	// Stage one: the entry endpoint answers with the real connect URL.
	entry, resp, err := dialer.DialContext(ctx, cfg.EntryURL, nil)
	if err != nil {
		return nil, &AuthError{Stage: "entry dial", Err: err}
	}
	closeHTTPBody(resp)

	redirect, err := readEnvelope(entry)
	entry.Close()
	if err != nil {
		return nil, &AuthError{Stage: "entry", Err: err}
	}
	if redirect.ConnectURL == "" {
		return nil, &AuthError{Stage: "entry", Field: "connectUrl"}
	}

	// Stage two: the real connection challenges with a nonce.
	conn, resp, err := dialer.DialContext(ctx, redirect.ConnectURL, nil)
	if err != nil {
		return nil, &AuthError{Stage: "connect dial", Err: err}
	}
	closeHTTPBody(resp)

	s := &Session{
		conn:     conn,
		logger:   logger,
		pending:  make(map[string]chan *protocol.Response),
		readDone: make(chan struct{}),
	}

	challenge, err := readEnvelope(conn)
	if err != nil {
		conn.Close()
		return nil, &AuthError{Stage: "challenge", Err: err}
	}
	if challenge.Nonce == "" {
		conn.Close()
		return nil, &AuthError{Stage: "challenge", Field: "nonce"}
	}

	proof := signNonce(challenge.Nonce, cfg.HMACKey)
	if err := conn.WriteJSON(protocol.NewAuthenticatedConnectRequest(proof)); err != nil {
		conn.Close()
		return nil, &AuthError{Stage: "connect proof", Err: err}
	}

	granted, err := readEnvelope(conn)
	if err != nil {
		conn.Close()
		return nil, &AuthError{Stage: "session grant", Err: err}
	}
	if granted.SessionID == "" {
		conn.Close()
		return nil, &AuthError{Stage: "session grant", Field: "sessionId"}
	}
	s.sessionID = granted.SessionID

	// Login happens over the established routing loop so the response is
	// correlated like any other request.
	go s.readPump()

	authID := s.NextID()
	auth := protocol.NewAuthenticationRequest(creds.Email, creds.Password, authID, protocol.AuthScriptData{
		GameVersion:   cfg.GameVersion,
		ClientVersion: cfg.ClientVersion,
	})
	loginResp, err := s.Do(ctx, auth, handshakeTimeout)
	if err != nil {
		s.Close()
		return nil, &AuthError{Stage: "login", Err: err}
	}
	if loginResp.HasError() {
		s.Close()
		return nil, &AuthError{Stage: "login", Err: fmt.Errorf("backend rejected credentials: %s", loginResp.Error)}
	}
	s.userID = loginResp.UserID

	logger.Info().Str("session_id", s.sessionID).Str("user_id", s.userID).Msg("Backend session established")
	return s, nil
}

func signNonce(nonce, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(nonce))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func closeHTTPBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}

func readEnvelope(conn *websocket.Conn) (*protocol.Response, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.ParseResponse(data)
}

// SessionID returns the id granted during the handshake.
func (s *Session) SessionID() string { return s.sessionID }

// UserID returns the authenticated account id.
func (s *Session) UserID() string { return s.userID }

// NextID returns a fresh correlation id, unique for the session's
// lifetime. Ids are generated, never reused, so the routing table can
// always disambiguate responses.
func (s *Session) NextID() string {
	return fmt.Sprintf("req-%d", s.counter.Add(1))
}

// Send serializes a request envelope and registers a waiter for its
// correlation id. A send whose id is already in flight is rejected: the
// receive loop matches by id and could not tell the two responses apart.
func (s *Session) Send(req protocol.Request) error {
	id := req.CorrelationID()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if id != "" {
		if _, inflight := s.pending[id]; inflight {
			s.mu.Unlock()
			return fmt.Errorf("correlation id %q already in flight", id)
		}
		s.pending[id] = make(chan *protocol.Response, 1)
	}
	s.mu.Unlock()

	if err := s.conn.WriteJSON(req); err != nil {
		s.dropWaiter(id)
		return fmt.Errorf("failed to send %s: %w", req.Class(), err)
	}
	return nil
}

// Await blocks until the response for the given correlation id arrives, the
// timeout elapses, or the session dies. Other pending waiters are not
// affected by this call.
func (s *Session) Await(ctx context.Context, id string, timeout time.Duration) (*protocol.Response, error) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending request with id %q", id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		s.dropWaiter(id)
		return nil, &TimeoutError{RequestID: id}
	case <-s.readDone:
		s.dropWaiter(id)
		if s.readErr != nil {
			return nil, fmt.Errorf("session failed awaiting %s: %w", id, s.readErr)
		}
		return nil, ErrSessionClosed
	case <-ctx.Done():
		s.dropWaiter(id)
		return nil, ctx.Err()
	}
}

// Do sends a request and waits for its correlated response.
func (s *Session) Do(ctx context.Context, req protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	if err := s.Send(req); err != nil {
		return nil, err
	}
	return s.Await(ctx, req.CorrelationID(), timeout)
}

func (s *Session) dropWaiter(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// readPump routes every inbound envelope to the waiter registered for its
// requestId. An envelope no waiter claims is an unsolicited push; it is
// logged and dropped, never delivered to the wrong waiter. Any read error
// is terminal for the session.
func (s *Session) readPump() {
	defer close(s.readDone)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.readErr = err
			}
			s.mu.Unlock()
			return
		}

		resp, err := protocol.ParseResponse(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Discarding unparseable backend message")
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[resp.RequestID]
		if ok {
			delete(s.pending, resp.RequestID)
		}
		s.mu.Unlock()

		if !ok {
			s.logger.Debug().
				Str("class", resp.Class).
				Str("request_id", resp.RequestID).
				Msg("Dropping unsolicited backend push")
			continue
		}
		ch <- resp
	}
}

// Close ends the session: it tells the backend the session is over on a
// best-effort basis, then tears down the connection. Pending waiters are
// released via the read pump's shutdown.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.conn.WriteJSON(protocol.NewEndSessionRequest(s.NextID()))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}
