package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/promptpilot/promptpilot/internal/config"
)

// Sink is a delivery channel for events.
type Sink interface {
	Name() string
	Deliver(e Event) error
	// Filter returns the sink's own CEL filter, or nil for all events.
	Filter() *Filter
}

// Handler is an in-process subscriber for one event type.
type Handler func(e Event)

// Gateway fans events out to sinks and registered handlers. Delivery is
// asynchronous and best-effort; failures are logged, never returned to the
// emitting operation.
type Gateway struct {
	mu           sync.RWMutex
	enabled      bool
	sinks        []Sink
	handlers     map[EventType][]Handler
	globalFilter *Filter
	logger       *slog.Logger
	wg           sync.WaitGroup
}

// NewGateway builds a gateway from config, registering the Slack and webhook
// sinks when configured. Sink-level and global CEL filters are compiled once
// here; a filter that fails to compile disables its sink rather than the
// gateway.
func NewGateway(cfg config.NotificationsConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		enabled:  cfg.Enabled,
		handlers: make(map[EventType][]Handler),
		logger:   logger.With("component", "notify.Gateway"),
	}

	if cfg.Filter != "" {
		f, err := CompileFilter(cfg.Filter)
		if err != nil {
			g.logger.Error("invalid global notification filter, ignoring", "error", err)
		} else {
			g.globalFilter = f
		}
	}

	if cfg.Slack.WebhookURL != "" {
		if f, ok := g.compileSinkFilter("slack", cfg.Slack.Filter); ok {
			g.sinks = append(g.sinks, NewSlackSink(cfg.Slack, f))
		}
	}
	if cfg.Webhook.URL != "" {
		if f, ok := g.compileSinkFilter("webhook", cfg.Webhook.Filter); ok {
			g.sinks = append(g.sinks, NewWebhookSink(cfg.Webhook, f))
		}
	}
	return g
}

func (g *Gateway) compileSinkFilter(sink, expr string) (*Filter, bool) {
	if expr == "" {
		return nil, true
	}
	f, err := CompileFilter(expr)
	if err != nil {
		g.logger.Error("invalid sink filter, sink disabled", "sink", sink, "error", err)
		return nil, false
	}
	return f, true
}

// AddSink registers an additional sink (used for the WebSocket hub and in
// tests).
func (g *Gateway) AddSink(s Sink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sinks = append(g.sinks, s)
}

// Subscribe registers an in-process handler for one event type.
func (g *Gateway) Subscribe(t EventType, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[t] = append(g.handlers[t], h)
}

// Emit dispatches an event to all matching sinks and handlers. It assigns
// the event ID and timestamp and returns immediately.
func (g *Gateway) Emit(e Event) {
	if !g.enabled {
		return
	}
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = "info"
	}

	if g.globalFilter != nil {
		match, err := g.globalFilter.Matches(e)
		if err != nil {
			g.logger.Warn("global filter evaluation failed", "error", err)
			return
		}
		if !match {
			return
		}
	}

	g.mu.RLock()
	sinks := make([]Sink, len(g.sinks))
	copy(sinks, g.sinks)
	handlers := append([]Handler(nil), g.handlers[e.Type]...)
	g.mu.RUnlock()

	for _, sink := range sinks {
		if f := sink.Filter(); f != nil {
			match, err := f.Matches(e)
			if err != nil {
				g.logger.Warn("sink filter evaluation failed", "sink", sink.Name(), "error", err)
				continue
			}
			if !match {
				continue
			}
		}
		g.wg.Add(1)
		go func(s Sink) {
			defer g.wg.Done()
			if err := s.Deliver(e); err != nil {
				g.logger.Error("failed to deliver notification",
					"sink", s.Name(),
					"event", string(e.Type),
					"error", err,
				)
			}
		}(sink)
	}

	for _, h := range handlers {
		g.wg.Add(1)
		go func(h Handler) {
			defer g.wg.Done()
			h(e)
		}(h)
	}
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown and
// in tests.
func (g *Gateway) Wait() {
	g.wg.Wait()
}
