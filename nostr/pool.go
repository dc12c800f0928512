package nostr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/IanDowney11/NOSTR-HA-Bridge/component"
	"github.com/IanDowney11/NOSTR-HA-Bridge/errors"
)

const (
	poolBufferSize  = 256
	defaultFetchCap = 500
)

// Pool fans events from multiple relays into a single channel. The
// same event arriving from several relays is delivered several times;
// downstream dedup collapses the copies.
type Pool struct {
	relays []*Relay
	logger *slog.Logger

	events chan *Event
	filter Filter

	state      component.State
	stateMu    sync.Mutex
	startedAt  time.Time
	lastError  error
	errorCount int
}

// NewPool creates a pool over the given relay URLs.
func NewPool(urls []string, logger *slog.Logger) *Pool {
	relays := make([]*Relay, 0, len(urls))
	for _, url := range urls {
		relays = append(relays, NewRelay(url, logger))
	}
	return &Pool{
		relays: relays,
		logger: logger.With("component", "relay-pool"),
		events: make(chan *Event, poolBufferSize),
		state:  component.StateCreated,
	}
}

// Meta implements component.Discoverable.
func (p *Pool) Meta() component.Metadata {
	return component.Metadata{
		Name:        "relay-pool",
		Type:        "input",
		Description: "Multi-relay subscription pool with fan-in delivery",
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable. The pool is healthy while
// at least one relay holds a live connection.
func (p *Pool) Health() component.HealthStatus {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	status := component.HealthStatus{
		Healthy:    p.ConnectedCount() > 0,
		LastCheck:  time.Now(),
		ErrorCount: p.errorCount,
	}
	if p.lastError != nil {
		status.LastError = p.lastError.Error()
	}
	if !p.startedAt.IsZero() {
		status.Uptime = time.Since(p.startedAt)
	}
	return status
}

// Initialize implements component.LifecycleComponent.
func (p *Pool) Initialize() error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if len(p.relays) == 0 {
		p.state = component.StateFailed
		return errors.WrapFatal(errors.ErrInvalidConfig, "Pool", "Initialize", "no relays configured")
	}
	p.state = component.StateInitialized
	return nil
}

// Start subscribes every relay with filter. Events flow to the channel
// returned by Events until Stop.
func (p *Pool) Start(ctx context.Context) error {
	p.stateMu.Lock()
	if p.state == component.StateStarted {
		p.stateMu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Pool", "Start", "check state")
	}
	p.state = component.StateStarted
	p.startedAt = time.Now()
	p.stateMu.Unlock()

	for _, relay := range p.relays {
		relay.Start(ctx, p.filter, p.events)
	}
	p.logger.Info("relay pool started", "relay_count", len(p.relays))
	return nil
}

// Stop disconnects all relays, each within its share of timeout.
func (p *Pool) Stop(timeout time.Duration) error {
	p.stateMu.Lock()
	if p.state != component.StateStarted {
		p.stateMu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "Pool", "Stop", "check state")
	}
	p.state = component.StateStopped
	p.stateMu.Unlock()

	var firstErr error
	for _, relay := range p.relays {
		if err := relay.Stop(timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.logger.Info("relay pool stopped")
	return firstErr
}

// SetFilter sets the live subscription filter. Must be called before
// Start.
func (p *Pool) SetFilter(filter Filter) {
	p.filter = filter
}

// Events returns the fan-in delivery channel.
func (p *Pool) Events() <-chan *Event {
	return p.events
}

// ConnectedCount returns how many relays currently hold connections.
func (p *Pool) ConnectedCount() int {
	n := 0
	for _, relay := range p.relays {
		if relay.Connected() {
			n++
		}
	}
	return n
}

// RelayCount returns the number of configured relays.
func (p *Pool) RelayCount() int {
	return len(p.relays)
}

// Fetch queries all connected relays concurrently and returns the
// merged results. Per-relay failures are logged and skipped; Fetch only
// errors when no relay produced a result set.
func (p *Pool) Fetch(ctx context.Context, filter Filter, timeout time.Duration) ([]*Event, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultFetchCap
	}

	var (
		mu      sync.Mutex
		merged  []*Event
		succeed int
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, relay := range p.relays {
		relay := relay
		g.Go(func() error {
			events, err := relay.Fetch(gctx, filter, timeout)
			if err != nil {
				p.recordError(err)
				p.logger.Debug("relay fetch failed", "relay_url", relay.URL(), "error", err)
				return nil // other relays may still succeed
			}
			mu.Lock()
			merged = append(merged, events...)
			succeed++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if succeed == 0 {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Pool", "Fetch",
			"query relays")
	}
	return merged, nil
}

// Publish sends an event to every connected relay.
func (p *Pool) Publish(ctx context.Context, ev *Event) error {
	var published int
	for _, relay := range p.relays {
		if err := relay.Publish(ctx, ev); err != nil {
			p.logger.Debug("relay publish failed", "relay_url", relay.URL(), "error", err)
			continue
		}
		published++
	}
	if published == 0 {
		return errors.WrapTransient(errors.ErrNoConnection, "Pool", "Publish", "send to relays")
	}
	return nil
}

func (p *Pool) recordError(err error) {
	p.stateMu.Lock()
	p.lastError = err
	p.errorCount++
	p.stateMu.Unlock()
}
