package sagex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the lifecycle state of one session.
type ConnectionState int

// Session lifecycle states. Closed is terminal.
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Protocol methods spoken during the session lifecycle.
const (
	methodInitialize = "initialize"
	methodPing       = "ping"
)

// Info identifies a protocol party.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      Info   `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	SessionToken    string `json:"sessionToken,omitempty"`
	ServerInfo      Info   `json:"serverInfo"`
}

// SessionManager owns one connection's lifecycle: the state machine, the
// initialize handshake, request/response correlation, per-request timeouts,
// and the reconnection policy. State transitions are serialized under an
// internal lock; concurrent readers always see a consistent snapshot.
//
// Each SessionManager owns its state explicitly. There is no process-wide
// singleton, so multiple independent sessions can coexist in one process.
type SessionManager struct {
	id        string
	transport Transport
	logger    *slog.Logger

	connectTimeout time.Duration
	requestTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration

	mu           sync.Mutex
	state        ConnectionState
	token        string
	serverInfo   Info
	lastActivity time.Time
	pending      map[string]chan Message

	// decoder is only touched by the receive path: Connect's handshake
	// before the read loop starts, then the read loop exclusively.
	decoder Decoder

	reconnects atomic.Int64

	notifications chan Message
	done          chan struct{}
	closeOnce     sync.Once
	readCancel    context.CancelFunc
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithSessionLogger sets the logger used for session diagnostics.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *SessionManager) {
		s.logger = l
	}
}

// NewSessionManager creates a session over the given transport using the
// timeouts and retry budget from cfg. The session starts Disconnected;
// Connect must be called before any request.
func NewSessionManager(transport Transport, cfg Config, options ...SessionOption) *SessionManager {
	s := &SessionManager{
		id:             uuid.New().String(),
		transport:      transport,
		logger:         slog.Default(),
		connectTimeout: cfg.Network.ConnectTimeout,
		requestTimeout: cfg.Network.RequestTimeout,
		maxRetries:     cfg.Network.MaxRetries,
		retryDelay:     cfg.Network.RetryDelay,
		state:          StateDisconnected,
		pending:        make(map[string]chan Message),
		notifications:  make(chan Message, 16),
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// ID returns the session identifier.
func (s *SessionManager) ID() string { return s.id }

// State returns a consistent snapshot of the connection state.
func (s *SessionManager) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token returns the session token issued during the handshake.
func (s *SessionManager) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// ServerInfo returns the server identity reported during the handshake.
func (s *SessionManager) ServerInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// LastActivity returns the time of the last completed exchange.
func (s *SessionManager) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Reconnects returns how many times the session has recovered from a
// transport failure.
func (s *SessionManager) Reconnects() int64 { return s.reconnects.Load() }

// Notifications returns the stream of server-initiated notifications.
// Delivery is at-most-once: when the channel is full, further notifications
// are dropped with a log entry.
func (s *SessionManager) Notifications() <-chan Message { return s.notifications }

// Connect opens the transport channel, performs the initialize handshake
// within the configured connect timeout, stores the returned session token,
// and starts the background read loop.
func (s *SessionManager) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return &StateError{Op: "connect", State: state}
	}
	s.state = StateConnecting
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	if err := s.transport.Open(cctx); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("failed to open transport: %w", err)
	}

	res, err := s.handshake(cctx)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("failed to initialize session: %w", err)
	}

	s.mu.Lock()
	s.token = res.SessionToken
	s.serverInfo = res.ServerInfo
	s.state = StateConnected
	s.lastActivity = time.Now()
	s.mu.Unlock()

	rctx, readCancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.readCancel = readCancel
	s.mu.Unlock()
	go s.readLoop(rctx)

	return nil
}

func (s *SessionManager) setState(state ConnectionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// handshake sends the initialize request and waits for its response, feeding
// any earlier messages through the normal dispatch path. The caller must
// guarantee no concurrent receiver is active.
func (s *SessionManager) handshake(ctx context.Context) (initializeResult, error) {
	id := uuid.New().String()
	msg, err := NewRequest(id, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      Info{Name: "sagex-go", Version: Version},
	})
	if err != nil {
		return initializeResult{}, err
	}
	frame, err := EncodeMessage(msg)
	if err != nil {
		return initializeResult{}, err
	}
	if err := s.transport.Send(ctx, frame); err != nil {
		return initializeResult{}, err
	}

	for {
		frame, err := s.transport.Receive(ctx)
		if err != nil {
			return initializeResult{}, err
		}
		msgs, derr := s.decoder.Feed(frame)
		for _, m := range msgs {
			if m.Kind() == KindResponse && string(m.ID) == id {
				return s.parseInitializeResult(m)
			}
			s.dispatch(ctx, m)
		}
		if derr != nil {
			return initializeResult{}, derr
		}
	}
}

func (s *SessionManager) parseInitializeResult(msg Message) (initializeResult, error) {
	if msg.Error != nil {
		if msg.Error.Code == codeAuthFailed {
			return initializeResult{}, &AuthError{Reason: msg.Error.Message}
		}
		return initializeResult{}, fmt.Errorf("initialize error: %w", *msg.Error)
	}

	var res initializeResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		return initializeResult{}, &ProtocolError{
			MsgID:  string(msg.ID),
			Reason: "malformed initialize result",
			Err:    err,
		}
	}
	if res.ProtocolVersion != protocolVersion {
		return initializeResult{}, &ProtocolError{
			MsgID:  string(msg.ID),
			Reason: fmt.Sprintf("protocol version mismatch: %s != %s", res.ProtocolVersion, protocolVersion),
		}
	}
	return res, nil
}

func (s *SessionManager) readLoop(ctx context.Context) {
	for {
		frame, err := s.transport.Receive(ctx)
		if err != nil {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			default:
			}

			// Transport failure in steady state triggers local recovery.
			s.logger.Warn("transport receive failed, reconnecting",
				slog.String("session", s.id), slog.String("err", err.Error()))
			if !s.reconnect(ctx) {
				return
			}
			continue
		}

		// Drain the decoder completely: a malformed frame is logged and
		// skipped, and the complete frames behind it are still dispatched
		// without waiting for the next batch of bytes.
		for {
			msgs, derr := s.decoder.Feed(frame)
			for _, m := range msgs {
				s.dispatch(ctx, m)
			}
			if derr == nil {
				break
			}
			s.logger.Warn("dropped malformed frame",
				slog.String("session", s.id), slog.String("err", derr.Error()))
			frame = nil
		}
	}
}

func (s *SessionManager) dispatch(ctx context.Context, msg Message) {
	switch msg.Kind() {
	case KindResponse:
		s.mu.Lock()
		ch, ok := s.pending[string(msg.ID)]
		if ok {
			delete(s.pending, string(msg.ID))
		}
		s.mu.Unlock()
		if !ok {
			// A response must match an outstanding request.
			perr := &ProtocolError{MsgID: string(msg.ID), Reason: "unmatched response discarded"}
			s.logger.Warn("protocol error", slog.String("session", s.id), slog.String("err", perr.Error()))
			return
		}
		ch <- msg
	case KindNotification:
		select {
		case s.notifications <- msg:
		default:
			s.logger.Warn("notification queue full, dropping",
				slog.String("session", s.id), slog.String("method", msg.Method))
		}
	case KindRequest:
		s.handleServerRequest(ctx, msg)
	}
}

// handleServerRequest answers the few server-initiated requests the client
// supports. Anything else gets a method-not-found error back.
func (s *SessionManager) handleServerRequest(ctx context.Context, msg Message) {
	var reply Message
	if msg.Method == methodPing {
		r, err := NewResponse(string(msg.ID), struct{}{})
		if err != nil {
			s.logger.Error("failed to build ping reply", slog.String("err", err.Error()))
			return
		}
		reply = r
	} else {
		reply = Message{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Error:   &ResponseError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %q not supported", msg.Method)},
		}
	}

	frame, err := EncodeMessage(reply)
	if err != nil {
		s.logger.Error("failed to encode reply", slog.String("err", err.Error()))
		return
	}
	if err := s.transport.Send(ctx, frame); err != nil {
		s.logger.Error("failed to send reply", slog.String("err", err.Error()))
	}
}

// triggerReconnect moves a Connected session into recovery after a send
// failure. The read loop is stopped first so the recovery handshake is the
// only reader on the transport; a fresh read loop starts once the session is
// Connected again. A no-op unless the session is currently Connected, so
// concurrent send failures fold into one recovery.
func (s *SessionManager) triggerReconnect() {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	readCancel := s.readCancel
	s.mu.Unlock()

	if readCancel != nil {
		readCancel()
	}

	go func() {
		rctx, cancel := context.WithCancel(context.Background())
		if !s.reconnect(rctx) {
			cancel()
			return
		}
		s.mu.Lock()
		s.readCancel = cancel
		s.mu.Unlock()
		go s.readLoop(rctx)
	}()
}

// reconnect runs the exponential-backoff retry loop. It returns true when
// the session is Connected again and the read loop should resume, false when
// the session has terminated.
func (s *SessionManager) reconnect(ctx context.Context) bool {
	s.setState(StateReconnecting)

	delay := s.retryDelay
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		select {
		case <-time.After(delay):
		case <-s.done:
			return false
		case <-ctx.Done():
			return false
		}

		octx, cancel := context.WithTimeout(ctx, s.connectTimeout)
		err := s.transport.Open(octx)
		var res initializeResult
		if err == nil {
			s.decoder.Reset()
			res, err = s.handshake(octx)
		}
		cancel()

		if err == nil {
			s.mu.Lock()
			s.token = res.SessionToken
			s.serverInfo = res.ServerInfo
			s.state = StateConnected
			s.lastActivity = time.Now()
			s.mu.Unlock()
			s.reconnects.Add(1)
			s.logger.Info("session reconnected",
				slog.String("session", s.id), slog.Int("attempt", attempt))
			return true
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			// Expired or rejected credentials are never retried with the
			// same token.
			s.logger.Error("reconnect rejected", slog.String("session", s.id), slog.String("err", err.Error()))
			break
		}

		s.logger.Warn("reconnect attempt failed",
			slog.String("session", s.id), slog.Int("attempt", attempt), slog.String("err", err.Error()))
		delay *= 2
	}

	s.logger.Error("reconnect budget exhausted, closing session", slog.String("session", s.id))
	s.close()
	return false
}

// Request issues a request and blocks until its response arrives, the
// request timeout elapses, the context is canceled, or the session closes.
// The response is delivered exactly once to this caller; a timeout cancels
// only this wait and leaves the session open.
func (s *SessionManager) Request(ctx context.Context, method string, params any) (Message, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return Message{}, &StateError{Op: "request", State: state}
	}

	// Correlation identifiers are random 128-bit values, never reused
	// within the session.
	id := uuid.New().String()
	ch := make(chan Message, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	msg, err := NewRequest(id, method, params)
	if err != nil {
		s.unregister(id)
		return Message{}, err
	}
	frame, err := EncodeMessage(msg)
	if err != nil {
		s.unregister(id)
		return Message{}, err
	}

	sctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	if err := s.transport.Send(sctx, frame); err != nil {
		s.unregister(id)
		// A broken channel in steady state triggers the same recovery the
		// read loop runs; the caller just sees this one request fail.
		var terr *TransportError
		if errors.As(err, &terr) {
			s.triggerReconnect()
		}
		return Message{}, err
	}

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()
		if res.Error != nil && res.Error.Code == codeAuthFailed {
			return Message{}, &AuthError{Reason: res.Error.Message}
		}
		return res, nil
	case <-timer.C:
		s.unregister(id)
		return Message{}, fmt.Errorf("request %q (id %s): %w", method, id, ErrRequestTimeout)
	case <-ctx.Done():
		s.unregister(id)
		return Message{}, ctx.Err()
	case <-s.done:
		return Message{}, ErrSessionClosed
	}
}

// Notify sends a notification; no response is expected.
func (s *SessionManager) Notify(ctx context.Context, method string, params any) error {
	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return &StateError{Op: "notify", State: state}
	}
	s.mu.Unlock()

	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	frame, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	return s.transport.Send(sctx, frame)
}

func (s *SessionManager) unregister(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Close transitions the session to the terminal Closed state, cancels every
// outstanding wait, stops the read loop, and releases the transport.
func (s *SessionManager) Close() error {
	s.close()
	return nil
}

func (s *SessionManager) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		// Pending waiters unblock through the done channel; the registry
		// is cleared so late responses are discarded.
		s.pending = make(map[string]chan Message)
		readCancel := s.readCancel
		s.mu.Unlock()

		close(s.done)
		if readCancel != nil {
			readCancel()
		}
		if err := s.transport.Close(); err != nil {
			s.logger.Warn("failed to close transport", slog.String("err", err.Error()))
		}
	})
}
