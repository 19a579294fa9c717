package sagex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// TransportKind identifies a concrete transport variant. The set is closed:
// every channel the client can speak over is one of these.
type TransportKind int

// Available transport variants.
const (
	// TransportHTTP maps one send to one blocking receive over HTTP
	// request/response.
	TransportHTTP TransportKind = iota
	// TransportPipe is a bidirectional byte pipe with newline framing,
	// typically a local process's stdin/stdout.
	TransportPipe
	// TransportMock replays a scripted sequence of responses for testing.
	TransportMock
)

func (k TransportKind) String() string {
	switch k {
	case TransportHTTP:
		return "http"
	case TransportPipe:
		return "pipe"
	case TransportMock:
		return "mock"
	default:
		return "unknown"
	}
}

// Transport is the byte-level send/receive contract shared by all channel
// variants. Frames are opaque to the transport; the protocol Decoder handles
// message boundaries. Every variant reports failures through the same error
// taxonomy regardless of the underlying mechanism.
type Transport interface {
	// Open establishes the channel. It may perform a TLS or credential
	// handshake; a failure here is unrecoverable for this channel instance.
	Open(ctx context.Context) error

	// Send transmits one frame.
	Send(ctx context.Context, frame []byte) error

	// Receive blocks until a frame arrives. It returns ErrEndOfStream once
	// the channel has been closed by either side.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the channel. Safe to call more than once.
	Close() error

	// Kind identifies the variant.
	Kind() TransportKind
}

// Service endpoint paths relative to the API base URL.
const (
	healthPath  = "/health"
	messagePath = "/mcp/message"
	eventsPath  = "/events"
)

// HTTPTransport speaks the network request/response channel: each sent frame
// is POSTed to the message endpoint and the response body is queued for the
// next Receive call. Opening the channel probes the health endpoint, which
// also exercises the TLS and credential handshake.
type HTTPTransport struct {
	baseURL    string
	token      string
	userAgent  string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	responses chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	opened bool
}

// HTTPTransportOption configures an HTTPTransport.
type HTTPTransportOption func(*HTTPTransport)

// WithHTTPClient sets a custom HTTP client, e.g. one with a pinned TLS
// configuration.
func WithHTTPClient(c *http.Client) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.httpClient = c
	}
}

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(ua string) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.userAgent = ua
	}
}

// WithHeader adds a custom header sent on every request.
func WithHeader(key, value string) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.headers[key] = value
	}
}

// WithTransportLogger sets the logger used for transport diagnostics.
func WithTransportLogger(l *slog.Logger) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.logger = l
	}
}

// NewHTTPTransport creates a transport talking to the service at baseURL,
// attaching token as a bearer credential to every request.
func NewHTTPTransport(baseURL, token string, options ...HTTPTransportOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		headers:    make(map[string]string),
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		responses:  make(chan []byte, 16),
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

func (t *HTTPTransport) setHeaders(req *http.Request) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
}

// Open probes the health endpoint. A credential rejection surfaces as an
// *AuthError; any other failure as a *TransportError.
func (t *HTTPTransport) Open(ctx context.Context) error {
	url := t.baseURL + healthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &TransportError{Op: "open", Endpoint: url, Err: err}
	}
	t.setHeaders(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "open", Endpoint: url, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Reason: fmt.Sprintf("health check rejected with status %d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		return &TransportError{
			Op:       "open",
			Endpoint: url,
			Err:      fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}

	t.mu.Lock()
	t.opened = true
	t.mu.Unlock()
	return nil
}

// Send POSTs the frame to the message endpoint and queues the response body
// for the next Receive. Responses with empty bodies (notification acks) are
// not queued.
func (t *HTTPTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	opened := t.opened
	t.mu.Unlock()
	if !opened {
		return &TransportError{Op: "send", Endpoint: t.baseURL, Err: errors.New("channel not open")}
	}

	url := t.baseURL + messagePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return &TransportError{Op: "send", Endpoint: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	t.setHeaders(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "send", Endpoint: url, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Reason: fmt.Sprintf("request rejected with status %d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		return &TransportError{
			Op:       "send",
			Endpoint: url,
			Err:      fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: "send", Endpoint: url, Err: err}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if !bytes.HasSuffix(body, []byte("\n")) {
		body = append(body, '\n')
	}

	select {
	case t.responses <- body:
	case <-t.done:
		return ErrEndOfStream
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Receive blocks until a queued response body is available.
func (t *HTTPTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.responses:
		return frame, nil
	case <-t.done:
		return nil, ErrEndOfStream
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the channel.
func (t *HTTPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

// Kind implements Transport.
func (t *HTTPTransport) Kind() TransportKind { return TransportHTTP }

// PipeTransport speaks a bidirectional byte pipe, typically a local process's
// stdio, with explicit newline framing. Writes are serialized through a
// single goroutine so concurrent senders never interleave frames.
type PipeTransport struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	lines         chan pipeRead
	writeMessages chan pipeWrite
	done          chan struct{}
	openOnce      sync.Once
	closeOnce     sync.Once
}

type pipeRead struct {
	frame []byte
	err   error
}

type pipeWrite struct {
	frame []byte
	errs  chan error
}

// NewPipeTransport creates a transport over the given reader/writer pair.
func NewPipeTransport(r io.Reader, w io.Writer) *PipeTransport {
	return &PipeTransport{
		reader:        r,
		writer:        w,
		logger:        slog.Default(),
		lines:         make(chan pipeRead),
		writeMessages: make(chan pipeWrite),
		done:          make(chan struct{}),
	}
}

// Open starts the read and write loops. The pipe needs no handshake.
func (t *PipeTransport) Open(_ context.Context) error {
	t.openOnce.Do(func() {
		go t.readLoop()
		go t.writeLoop()
	})
	return nil
}

func (t *PipeTransport) readLoop() {
	// bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(t.reader)
	for {
		frame, err := reader.ReadBytes('\n')
		if err != nil {
			select {
			case t.lines <- pipeRead{err: err}:
			case <-t.done:
			}
			return
		}
		select {
		case t.lines <- pipeRead{frame: frame}:
		case <-t.done:
			return
		}
	}
}

func (t *PipeTransport) writeLoop() {
	for {
		var w pipeWrite
		select {
		case <-t.done:
			return
		case w = <-t.writeMessages:
		}

		_, err := t.writer.Write(w.frame)
		w.errs <- err
	}
}

// Send queues a frame for the write loop and waits for the write result.
func (t *PipeTransport) Send(ctx context.Context, frame []byte) error {
	w := pipeWrite{frame: frame, errs: make(chan error, 1)}

	select {
	case t.writeMessages <- w:
	case <-t.done:
		return ErrEndOfStream
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-w.errs:
		if err != nil {
			return &TransportError{Op: "send", Err: err}
		}
		return nil
	case <-t.done:
		return ErrEndOfStream
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until the read loop delivers a frame.
func (t *PipeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case r := <-t.lines:
		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				return nil, ErrEndOfStream
			}
			return nil, &TransportError{Op: "receive", Err: r.err}
		}
		return r.frame, nil
	case <-t.done:
		return nil, ErrEndOfStream
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops both loops.
func (t *PipeTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

// Kind implements Transport.
func (t *PipeTransport) Kind() TransportKind { return TransportPipe }

// MockTransport is an in-memory channel for testing. It records every sent
// message, can fail opening or sending on demand, and either replays frames
// queued with Push or synthesizes responses through a handler function.
type MockTransport struct {
	mu        sync.Mutex
	sent      []Message
	handler   func(Message) []Message
	sendErr   error
	failOpens int
	opens     int

	incoming  chan pipeRead
	done      chan struct{}
	closeOnce sync.Once
}

// NewMockTransport creates an empty mock channel.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		incoming: make(chan pipeRead, 64),
		done:     make(chan struct{}),
	}
}

// SetHandler installs a responder invoked for every sent message; the
// messages it returns are queued as incoming frames.
func (t *MockTransport) SetHandler(h func(Message) []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Push queues a server-initiated message for delivery through Receive.
func (t *MockTransport) Push(msg Message) error {
	frame, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	t.incoming <- pipeRead{frame: frame}
	return nil
}

// PushFrame queues raw bytes for delivery through Receive, for exercising
// malformed input.
func (t *MockTransport) PushFrame(frame []byte) {
	t.incoming <- pipeRead{frame: frame}
}

// Break makes the next Receive fail with a transport error, simulating a
// dropped connection.
func (t *MockTransport) Break(err error) {
	t.incoming <- pipeRead{err: err}
}

// FailOpens makes the next n Open calls fail.
func (t *MockTransport) FailOpens(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failOpens = n
}

// SetSendErr makes every subsequent Send fail with err; pass nil to restore.
func (t *MockTransport) SetSendErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// SentMessages returns a copy of every message sent so far.
func (t *MockTransport) SentMessages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.sent))
	copy(out, t.sent)
	return out
}

// Opens returns how many times Open has been called.
func (t *MockTransport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

// Open implements Transport, honoring the configured failure budget.
func (t *MockTransport) Open(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.failOpens > 0 {
		t.failOpens--
		return &TransportError{Op: "open", Endpoint: "mock", Err: errors.New("simulated open failure")}
	}
	return nil
}

// Send implements Transport, recording the decoded message and feeding the
// handler's replies back into the incoming queue.
func (t *MockTransport) Send(_ context.Context, frame []byte) error {
	t.mu.Lock()
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return &TransportError{Op: "send", Endpoint: "mock", Err: err}
	}

	var msg Message
	if err := json.Unmarshal(bytes.TrimSpace(frame), &msg); err != nil {
		t.mu.Unlock()
		return &TransportError{Op: "send", Endpoint: "mock", Err: err}
	}
	t.sent = append(t.sent, msg)
	handler := t.handler
	t.mu.Unlock()

	if handler == nil {
		return nil
	}
	for _, reply := range handler(msg) {
		if err := t.Push(reply); err != nil {
			return err
		}
	}
	return nil
}

// Receive implements Transport.
func (t *MockTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case r := <-t.incoming:
		if r.err != nil {
			return nil, &TransportError{Op: "receive", Endpoint: "mock", Err: r.err}
		}
		return r.frame, nil
	case <-t.done:
		return nil, ErrEndOfStream
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Transport.
func (t *MockTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

// Kind implements Transport.
func (t *MockTransport) Kind() TransportKind { return TransportMock }
