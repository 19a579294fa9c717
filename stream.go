package sagex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// StreamEvent is one fact update pushed by the server over the event stream.
type StreamEvent struct {
	// ID is the server-assigned event identifier used for resumption and
	// replay suppression. May be empty when the server does not number its
	// events.
	ID string

	// Type is the SSE event type, "update" unless the server says otherwise.
	Type string

	// Facts carries the fact keys this event changes.
	Facts map[string]any
}

type streamEnvelope struct {
	Facts map[string]any `json:"facts"`
}

// StreamListener subscribes to the server's event stream and hands decoded
// fact updates to a consumer through a bounded queue. The queue blocks the
// reader when full, so a slow consumer applies backpressure to the stream
// instead of dropping updates.
type StreamListener struct {
	endpoint   string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	maxEventSize int
	retryDelay   time.Duration
	maxDelay     time.Duration

	mu          sync.Mutex
	lastEventID string

	queue chan StreamEvent
}

// StreamOption configures a StreamListener.
type StreamOption func(*StreamListener)

// WithStreamHTTPClient sets the HTTP client used to open the stream.
func WithStreamHTTPClient(c *http.Client) StreamOption {
	return func(l *StreamListener) {
		l.httpClient = c
	}
}

// WithStreamLogger sets the logger used for stream diagnostics.
func WithStreamLogger(lg *slog.Logger) StreamOption {
	return func(l *StreamListener) {
		l.logger = lg
	}
}

// WithStreamQueueSize sets the capacity of the event queue.
func WithStreamQueueSize(n int) StreamOption {
	return func(l *StreamListener) {
		if n > 0 {
			l.queue = make(chan StreamEvent, n)
		}
	}
}

// WithStreamMaxEventSize caps the size of a single SSE event in bytes.
func WithStreamMaxEventSize(n int) StreamOption {
	return func(l *StreamListener) {
		l.maxEventSize = n
	}
}

// WithStreamRetryDelay sets the initial and maximum reconnect delays.
func WithStreamRetryDelay(initial, maxDelay time.Duration) StreamOption {
	return func(l *StreamListener) {
		l.retryDelay = initial
		l.maxDelay = maxDelay
	}
}

// NewStreamListener creates a listener for the events endpoint under baseURL,
// authenticating with token.
func NewStreamListener(baseURL, token string, options ...StreamOption) *StreamListener {
	l := &StreamListener{
		endpoint:   baseURL + eventsPath,
		token:      token,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		retryDelay: time.Second,
		maxDelay:   30 * time.Second,
		queue:      make(chan StreamEvent, 32),
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// Events returns the queue the listener delivers decoded events on. The
// channel stays open across reconnects and across Run invocations, so a
// stopped listener can be started again without losing queued events.
func (l *StreamListener) Events() <-chan StreamEvent {
	return l.queue
}

// LastEventID returns the identifier of the last event received, which the
// listener presents on reconnect so the server can resume the stream.
func (l *StreamListener) LastEventID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastEventID
}

// Run opens the stream and keeps it open until ctx is cancelled, reconnecting
// with doubling backoff after transient failures. Each reconnect carries the
// last seen event identifier so the server replays from that point.
// Authentication rejections are returned immediately and never retried.
// Run may be called again after it returns; the next invocation resumes from
// the last seen event identifier.
func (l *StreamListener) Run(ctx context.Context) error {
	delay := l.retryDelay
	for {
		streamed, err := l.consume(ctx)
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("event stream interrupted",
				slog.String("err", err.Error()),
				slog.Duration("retryIn", delay))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A stream that delivered events before failing earned its backoff
		// reset.
		if streamed {
			delay = l.retryDelay
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > l.maxDelay {
			delay = l.maxDelay
		}
	}
}

// consume opens one stream connection and reads it until it ends. It reports
// whether at least one event was delivered.
func (l *StreamListener) consume(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}
	if id := l.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return false, &TransportError{Op: "stream", Endpoint: l.endpoint, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, &AuthError{Reason: fmt.Sprintf("stream rejected with status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return false, &TransportError{
			Op:       "stream",
			Endpoint: l.endpoint,
			Err:      fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}

	var config *sse.ReadConfig
	if l.maxEventSize > 0 {
		config = &sse.ReadConfig{MaxEventSize: l.maxEventSize}
	}

	streamed := false
	for ev, err := range sse.Read(resp.Body, config) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return streamed, ctx.Err()
			}
			return streamed, fmt.Errorf("failed to read stream event: %w", err)
		}

		if ev.LastEventID != "" {
			l.mu.Lock()
			l.lastEventID = ev.LastEventID
			l.mu.Unlock()
		}

		var envelope streamEnvelope
		if err := json.Unmarshal([]byte(ev.Data), &envelope); err != nil {
			perr := &ProtocolError{Reason: "malformed stream event", Err: err}
			l.logger.Warn("dropping malformed stream event",
				slog.String("eventID", ev.LastEventID),
				slog.String("err", perr.Error()))
			continue
		}

		event := StreamEvent{
			ID:    ev.LastEventID,
			Type:  ev.Type,
			Facts: envelope.Facts,
		}
		select {
		case l.queue <- event:
			streamed = true
		case <-ctx.Done():
			return streamed, ctx.Err()
		}
	}

	// Server closed the stream cleanly; Run reopens it.
	return streamed, nil
}
