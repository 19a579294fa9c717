package sagex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Client is the facade tying the transport, session, cache, rules engine, and
// stream listener together. A zero-value Client is not usable; construct one
// with NewClient. Each Client owns its own session, so multiple independent
// clients can coexist in one process.
type Client struct {
	cfg    Config
	logger *slog.Logger

	transport Transport
	session   *SessionManager
	cache     *CacheStore
	engine    *Engine
	listener  *StreamListener
	bridge    Bridge

	mu            sync.Mutex
	contexts      map[string]*AgentContext
	tools         []Tool
	resources     []Resource
	monitorCancel context.CancelFunc
	monitorGroup  *errgroup.Group
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithTransport replaces the default HTTP transport, e.g. with a pipe to a
// local process or a mock in tests.
func WithTransport(t Transport) ClientOption {
	return func(c *Client) {
		c.transport = t
	}
}

// WithBridge wires in the host call boundary used by notify rule actions.
func WithBridge(b Bridge) ClientOption {
	return func(c *Client) {
		c.bridge = b
	}
}

// WithStreamListener replaces the default event-stream listener.
func WithStreamListener(l *StreamListener) ClientOption {
	return func(c *Client) {
		c.listener = l
	}
}

// NewClient assembles a client from cfg. The default transport speaks HTTP
// against cfg.APIBaseURL with cfg.AuthToken as the bearer credential.
func NewClient(cfg Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		logger:   slog.Default(),
		bridge:   NopBridge{},
		contexts: make(map[string]*AgentContext),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.transport == nil {
		opts := []HTTPTransportOption{
			WithTransportLogger(c.logger),
		}
		if cfg.Network.UserAgent != "" {
			opts = append(opts, WithUserAgent(cfg.Network.UserAgent))
		}
		for k, v := range cfg.Network.CustomHeaders {
			opts = append(opts, WithHeader(k, v))
		}
		c.transport = NewHTTPTransport(cfg.APIBaseURL, cfg.AuthToken, opts...)
	}
	if c.listener == nil {
		c.listener = NewStreamListener(cfg.APIBaseURL, cfg.AuthToken,
			WithStreamLogger(c.logger),
			WithStreamRetryDelay(cfg.Network.RetryDelay, cfg.Network.ConnectTimeout))
	}

	c.session = NewSessionManager(c.transport, cfg, WithSessionLogger(c.logger))
	c.cache = NewCacheStore(cfg.Cache.DefaultTTL)
	c.engine = NewEngine(c.session, c.cache, cfg.Rules,
		WithEngineLogger(c.logger),
		WithEngineBridge(c.bridge))

	return c, nil
}

// Session exposes the underlying session, mainly for state inspection.
func (c *Client) Session() *SessionManager { return c.session }

// Connect opens the channel and completes the session handshake.
func (c *Client) Connect(ctx context.Context) error {
	return c.session.Connect(ctx)
}

// CreateAgentContext registers a fact context for an agent. An empty id gets
// a generated one. Creating a context never touches the network.
func (c *Client) CreateAgentContext(id, name string) (*AgentContext, error) {
	if id == "" {
		id = uuid.New().String()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.contexts[id]; exists {
		return nil, fmt.Errorf("agent context %q already exists", id)
	}
	actx := NewAgentContext(id, name)
	c.contexts[id] = actx
	return actx, nil
}

// AgentContext returns a previously created context.
func (c *Client) AgentContext(id string) (*AgentContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	actx, ok := c.contexts[id]
	return actx, ok
}

// FetchRules retrieves the current rule set, served from cache when the
// server confirms the cached version is still current.
func (c *Client) FetchRules(ctx context.Context) (*RuleSet, error) {
	return c.engine.FetchRules(ctx)
}

// ApplyRules evaluates the loaded rule set against the context.
func (c *Client) ApplyRules(ctx context.Context, actx *AgentContext) (ResultSet, error) {
	return c.engine.ApplyRules(ctx, actx)
}

// SendResults publishes the context's latest result set to the server.
func (c *Client) SendResults(ctx context.Context, actx *AgentContext) error {
	return c.engine.SendResults(ctx, actx)
}

// StartMonitoring subscribes to the event stream and, while the stream is up,
// feeds fact updates into the agent context. With rules.autoApply set, each
// event triggers a re-evaluation and the result delta is published upstream.
// Monitoring runs until ctx is cancelled or Close is called.
func (c *Client) StartMonitoring(ctx context.Context, actx *AgentContext) error {
	if state := c.session.State(); state != StateConnected {
		return &StateError{Op: "monitor", State: state}
	}

	c.mu.Lock()
	if c.monitorCancel != nil {
		c.mu.Unlock()
		return errors.New("monitoring already started")
	}
	mctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(mctx)
	c.monitorCancel = cancel
	c.monitorGroup = g
	c.mu.Unlock()

	g.Go(func() error {
		return c.listener.Run(gctx)
	})
	g.Go(func() error {
		return c.consumeEvents(gctx, actx)
	})
	return nil
}

func (c *Client) consumeEvents(ctx context.Context, actx *AgentContext) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.listener.Events():
			if !ok {
				return nil
			}
			if !c.cfg.Rules.AutoApply {
				// Facts still land in the context; the caller decides when
				// to re-evaluate.
				for k, v := range ev.Facts {
					actx.SetFact(k, v)
				}
				continue
			}
			if _, err := c.engine.HandleEvent(ctx, actx, ev); err != nil {
				c.logger.Warn("failed to handle stream event",
					slog.String("eventID", ev.ID),
					slog.String("err", err.Error()))
			}
		}
	}
}

// StopMonitoring cancels the stream subscription and waits for the
// monitoring goroutines to drain. Returns the terminal stream error, if any.
// Monitoring can be started again afterwards; the listener resumes from the
// last seen event identifier.
func (c *Client) StopMonitoring() error {
	c.mu.Lock()
	cancel := c.monitorCancel
	g := c.monitorGroup
	c.monitorCancel = nil
	c.monitorGroup = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Health pings the server over the session and reports reachability.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.session.Request(ctx, methodPing, struct{}{})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return fmt.Errorf("health check failed: %w", *res.Error)
	}
	return nil
}

// Metrics is a point-in-time snapshot of the client's counters.
type Metrics struct {
	State           string `json:"state"`
	Reconnects      int64  `json:"reconnects"`
	CacheHits       int64  `json:"cacheHits"`
	CacheMisses     int64  `json:"cacheMisses"`
	RulePayloads    int64  `json:"rulePayloadsParsed"`
	RulesApplied    int64  `json:"rulesApplied"`
	EventsProcessed int64  `json:"eventsProcessed"`
}

// CollectMetrics gathers counters from every component.
func (c *Client) CollectMetrics() Metrics {
	hits, misses := c.cache.Stats()
	parses, applied, events := c.engine.Stats()
	return Metrics{
		State:           c.session.State().String(),
		Reconnects:      c.session.Reconnects(),
		CacheHits:       hits,
		CacheMisses:     misses,
		RulePayloads:    parses,
		RulesApplied:    applied,
		EventsProcessed: events,
	}
}

// Close stops monitoring, closes the session, and releases the transport.
// Safe to call more than once.
func (c *Client) Close() error {
	if err := c.StopMonitoring(); err != nil {
		c.logger.Warn("monitoring ended with error", slog.String("err", err.Error()))
	}
	return c.session.Close()
}
