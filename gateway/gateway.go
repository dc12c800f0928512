// Package gateway implements the ingestion gateway: the single choke
// point both delivery paths (live subscription and catch-up fetch) pass
// through before any payload is decrypted or routed.
package gateway

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IanDowney11/NOSTR-HA-Bridge/errors"
	"github.com/IanDowney11/NOSTR-HA-Bridge/metric"
	"github.com/IanDowney11/NOSTR-HA-Bridge/nostr"
	"github.com/IanDowney11/NOSTR-HA-Bridge/pkg/dedup"
)

// Decrypter opens encrypted event content.
type Decrypter interface {
	Decrypt(content string) (string, error)
}

// Handler receives decrypted plaintext together with the originating
// event (for its tags and ID).
type Handler interface {
	Handle(ctx context.Context, plaintext string, ev *nostr.Event)
}

// Gateway filters and decrypts incoming events. It is the sole owner of
// the dedup ledger; both ingestion tasks call the same instance and the
// ledger's internal mutex makes their interleaving safe.
type Gateway struct {
	ledger        *dedup.Ledger
	trustedPubKey string
	kinds         map[int]struct{}
	crypto        Decrypter
	handler       Handler
	logger        *slog.Logger

	received      prometheus.Counter
	duplicates    prometheus.Counter
	untrusted     prometheus.Counter
	invalidSig    prometheus.Counter
	wrongKind     prometheus.Counter
	undecryptable prometheus.Counter
	forwarded     prometheus.Counter
}

// New creates a gateway. Events not authored by trustedPubKey or not in
// kinds are dropped silently.
func New(
	ledger *dedup.Ledger,
	trustedPubKey string,
	kinds []int,
	crypto Decrypter,
	handler Handler,
	registrar metric.Registrar,
	logger *slog.Logger,
) (*Gateway, error) {
	if ledger == nil || crypto == nil || handler == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New", "check dependencies")
	}

	kindSet := make(map[int]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}

	g := &Gateway{
		ledger:        ledger,
		trustedPubKey: trustedPubKey,
		kinds:         kindSet,
		crypto:        crypto,
		handler:       handler,
		logger:        logger.With("component", "gateway"),

		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_events_received_total",
			Help: "Events delivered to the gateway from any path",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_events_duplicate_total",
			Help: "Events dropped as already seen",
		}),
		untrusted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_events_untrusted_total",
			Help: "Events dropped for untrusted author",
		}),
		invalidSig: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_events_invalid_signature_total",
			Help: "Events dropped for a bad ID or signature",
		}),
		wrongKind: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_events_wrong_kind_total",
			Help: "Events dropped for unconfigured kind",
		}),
		undecryptable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_events_undecryptable_total",
			Help: "Events whose content failed decryption",
		}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_events_forwarded_total",
			Help: "Events decrypted and passed to the router",
		}),
	}

	if registrar != nil {
		for name, counter := range map[string]prometheus.Counter{
			"received":      g.received,
			"duplicates":    g.duplicates,
			"untrusted":     g.untrusted,
			"invalid_sig":   g.invalidSig,
			"wrong_kind":    g.wrongKind,
			"undecryptable": g.undecryptable,
			"forwarded":     g.forwarded,
		} {
			if err := registrar.RegisterCounter("gateway", name, counter); err != nil {
				return nil, err
			}
		}
	}

	return g, nil
}

// Process runs one envelope through the gate. Drops are silent from the
// caller's perspective: relay networks deliver duplicates, foreign
// ciphertext, and noise as a matter of course, none of which is a
// pipeline fault.
func (g *Gateway) Process(ctx context.Context, ev *nostr.Event) {
	g.received.Inc()

	// Check-and-mark is one atomic operation; the same event arriving
	// concurrently on both paths passes this gate exactly once.
	if !g.ledger.CheckAndMark(ev.ID) {
		g.duplicates.Inc()
		return
	}

	if ev.PubKey != g.trustedPubKey {
		g.untrusted.Inc()
		return
	}

	// Verified only after the sender filter: relay noise from strangers
	// is not worth a schnorr check
	if err := ev.Verify(); err != nil {
		g.invalidSig.Inc()
		g.logger.Debug("dropping event with invalid signature", "event_id", shortID(ev.ID))
		return
	}

	if _, ok := g.kinds[ev.Kind]; !ok {
		g.wrongKind.Inc()
		g.logger.Debug("dropping event of unconfigured kind", "kind", ev.Kind)
		return
	}

	plaintext, err := g.crypto.Decrypt(ev.Content)
	if err != nil {
		g.undecryptable.Inc()
		g.logger.Debug("dropping undecryptable event", "event_id", shortID(ev.ID))
		return
	}

	g.forwarded.Inc()
	g.handler.Handle(ctx, plaintext, ev)
}

// LedgerStats exposes dedup counters for health reporting.
func (g *Gateway) LedgerStats() dedup.Stats {
	return g.ledger.Stats()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
