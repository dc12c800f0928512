// Package service assembles the bridge pipeline and runs its two
// ingestion tasks: the live relay listener and the periodic catch-up
// poll loop.
package service

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/IanDowney11/NOSTR-HA-Bridge/config"
	"github.com/IanDowney11/NOSTR-HA-Bridge/errors"
	"github.com/IanDowney11/NOSTR-HA-Bridge/gateway"
	"github.com/IanDowney11/NOSTR-HA-Bridge/metric"
	"github.com/IanDowney11/NOSTR-HA-Bridge/nostr"
	"github.com/IanDowney11/NOSTR-HA-Bridge/output/hastate"
	"github.com/IanDowney11/NOSTR-HA-Bridge/pkg/dedup"
	"github.com/IanDowney11/NOSTR-HA-Bridge/pkg/retry"
	"github.com/IanDowney11/NOSTR-HA-Bridge/processor/mealplan"
	"github.com/IanDowney11/NOSTR-HA-Bridge/processor/router"
)

const (
	fetchTimeout    = 10 * time.Second
	fetchLimit      = 500
	shutdownTimeout = 5 * time.Second
)

// eventSource is the slice of the relay pool the bridge tasks consume.
// Narrowed for tests.
type eventSource interface {
	Events() <-chan *nostr.Event
	Fetch(ctx context.Context, filter nostr.Filter, timeout time.Duration) ([]*nostr.Event, error)
	ConnectedCount() int
}

// Bridge owns the assembled pipeline. Both ingestion tasks funnel into
// one gateway instance; the meal-plan cache is shared between the
// router and the rollover check in the poll loop.
type Bridge struct {
	cfg    *config.Config
	logger *slog.Logger

	pool   *nostr.Pool
	source eventSource
	gw     *gateway.Gateway
	cache  *mealplan.Cache
	sink   *hastate.Client

	publisherHex string
	fetchFilter  nostr.Filter
}

// New builds the full pipeline from configuration. Nothing is
// connected until Run.
func New(cfg *config.Config, registry *metric.Registry, logger *slog.Logger) (*Bridge, error) {
	keys, err := nostr.ParseKeys(cfg.NostrPrivateKey)
	if err != nil {
		return nil, err
	}
	publisherHex, err := nostr.ParsePublicKey(cfg.PublisherPublicKey)
	if err != nil {
		return nil, err
	}
	crypto, err := nostr.NewCrypto(keys, publisherHex)
	if err != nil {
		return nil, err
	}

	sink, err := hastate.NewClient(hastate.Config{
		BaseURL: cfg.HABaseURL,
		Token:   cfg.HAToken,
	}, logger)
	if err != nil {
		return nil, err
	}

	cache, err := mealplan.New(cfg.EntityPrefix, cfg.WindowDays, sink, registry, logger)
	if err != nil {
		return nil, err
	}

	route, err := router.New(cfg.EntityPrefix, sink, cache, registry, logger)
	if err != nil {
		return nil, err
	}

	gw, err := gateway.New(
		dedup.NewLedger(cfg.DedupCapacity),
		publisherHex,
		cfg.EventKinds,
		crypto,
		route,
		registry,
		logger,
	)
	if err != nil {
		return nil, err
	}

	pool := nostr.NewPool(cfg.Relays, logger)

	return &Bridge{
		cfg:          cfg,
		logger:       logger.With("component", "bridge"),
		pool:         pool,
		source:       pool,
		gw:           gw,
		cache:        cache,
		sink:         sink,
		publisherHex: publisherHex,
		fetchFilter: nostr.Filter{
			Authors: []string{publisherHex},
			Kinds:   cfg.EventKinds,
			Limit:   fetchLimit,
		},
	}, nil
}

// Run connects the sink and relay pool, hydrates initial state, and
// blocks driving both ingestion tasks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.sink.Initialize(); err != nil {
		return err
	}
	if err := b.sink.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = b.sink.Stop(shutdownTimeout) }()

	if err := b.pool.Initialize(); err != nil {
		return err
	}
	since := time.Now().Unix()
	b.pool.SetFilter(nostr.Filter{
		Authors: []string{b.publisherHex},
		Kinds:   b.cfg.EventKinds,
		Since:   &since,
	})
	if err := b.pool.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = b.pool.Stop(shutdownTimeout) }()

	b.hydrate(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.listen(gctx) })
	g.Go(func() error { return b.pollLoop(gctx) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// hydrate waits for a relay connection and runs the first catch-up
// fetch so entities reflect current state before the first poll
// interval elapses. Today's view is derived even when nothing was
// fetched.
func (b *Bridge) hydrate(ctx context.Context) {
	waitCfg := retry.Config{
		MaxAttempts:  20,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   1.5,
	}
	connected, err := retry.DoWithResult(ctx, waitCfg, func() (int, error) {
		if n := b.source.ConnectedCount(); n > 0 {
			return n, nil
		}
		return 0, errors.ErrNoConnection
	})
	if err != nil {
		b.logger.Warn("no relay reachable during startup, relying on poll loop")
	} else {
		b.logger.Debug("hydrating initial state", "relay_count", connected)
		b.fetchAndProcess(ctx)
	}

	b.cache.Derive(ctx)
}

// listen consumes the live fan-in channel until shutdown.
func (b *Bridge) listen(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-b.source.Events():
			if !ok {
				return nil
			}
			b.gw.Process(ctx, ev)
		}
	}
}

// pollLoop runs the periodic catch-up fetch and the rollover check. A
// rollover triggers an immediate extra fetch so the new day's state
// arrives without waiting a full interval.
func (b *Bridge) pollLoop(ctx context.Context) error {
	interval := time.Duration(b.cfg.PollInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			b.fetchAndProcess(ctx)
			if b.cache.Tick(ctx, now) {
				b.fetchAndProcess(ctx)
			}
		}
	}
}

// fetchAndProcess runs one bounded catch-up query and feeds every
// result through the gateway; the ledger drops what the live path
// already delivered.
func (b *Bridge) fetchAndProcess(ctx context.Context) {
	events, err := b.source.Fetch(ctx, b.fetchFilter, fetchTimeout)
	if err != nil {
		b.logger.Warn("catch-up fetch failed", "error", err)
		return
	}

	for _, ev := range events {
		b.gw.Process(ctx, ev)
	}
	if len(events) > 0 {
		b.logger.Debug("processed catch-up batch", "count", len(events))
	}
}
