// Package router classifies decrypted payloads and dispatches them to
// the matching handler: app-tagged plan records feed the meal-plan
// cache, everything else flows through the closed payload union to the
// state sink.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IanDowney11/NOSTR-HA-Bridge/errors"
	"github.com/IanDowney11/NOSTR-HA-Bridge/message"
	"github.com/IanDowney11/NOSTR-HA-Bridge/metric"
	"github.com/IanDowney11/NOSTR-HA-Bridge/nostr"
)

// AppTagPrefix marks events belonging to the meal-planner application
// namespace; the sub-kind follows in the second colon segment.
const AppTagPrefix = "mmp:"

// Sink receives the router's entity updates and bus events.
type Sink interface {
	SetState(ctx context.Context, entityID, state string, attributes map[string]any) error
	FireEvent(ctx context.Context, eventType string, data map[string]any) error
}

// PlanHandler consumes app-tagged plan records.
type PlanHandler interface {
	Upsert(ctx context.Context, record *message.PlanRecord, dTag string)
}

// Router dispatches decrypted plaintext by d-tag namespace and payload
// type. All drops are terminal and logged; nothing propagates upstream.
type Router struct {
	prefix string
	sink   Sink
	plans  PlanHandler
	logger *slog.Logger

	routed  *prometheus.CounterVec
	dropped *prometheus.CounterVec
}

// New creates a router with the given entity prefix.
func New(prefix string, sink Sink, plans PlanHandler, registrar metric.Registrar, logger *slog.Logger) (*Router, error) {
	if sink == nil || plans == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Router", "New", "check dependencies")
	}

	r := &Router{
		prefix: prefix,
		sink:   sink,
		plans:  plans,
		logger: logger.With("component", "router"),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_payloads_routed_total",
			Help: "Payloads dispatched to a handler, by payload type",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_payloads_dropped_total",
			Help: "Payloads dropped before dispatch, by reason",
		}, []string{"reason"}),
	}

	if registrar != nil {
		if err := registrar.RegisterCounterVec("router", "routed", r.routed); err != nil {
			return nil, err
		}
		if err := registrar.RegisterCounterVec("router", "dropped", r.dropped); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Handle routes one decrypted payload. Implements gateway.Handler.
func (r *Router) Handle(ctx context.Context, plaintext string, ev *nostr.Event) {
	dTag := ev.Tags.Value("d")
	if strings.HasPrefix(dTag, AppTagPrefix) {
		r.handleAppTagged(ctx, plaintext, dTag, ev)
		return
	}

	payload, err := message.Decode([]byte(plaintext))
	if err != nil {
		r.dropDecodeFailure(err, plaintext, ev)
		return
	}

	switch p := payload.(type) {
	case *message.Sensor:
		r.dispatchSensor(ctx, p)
	case *message.BinarySensor:
		r.dispatchBinarySensor(ctx, p)
	case *message.Notification:
		r.dispatchNotification(ctx, p)
	}
	r.routed.WithLabelValues(payload.PayloadType()).Inc()
}

func (r *Router) handleAppTagged(ctx context.Context, plaintext, dTag string, ev *nostr.Event) {
	record, err := message.ParsePlan([]byte(plaintext))
	if err != nil {
		r.dropped.WithLabelValues("app_parse").Inc()
		r.logger.Error("app-tagged event is not valid JSON", "event_id", shortID(ev.ID))
		return
	}

	parts := strings.Split(dTag, ":")
	subKind := ""
	if len(parts) > 1 {
		subKind = parts[1]
	}

	switch subKind {
	case "plan":
		r.plans.Upsert(ctx, record, dTag)
		r.routed.WithLabelValues("plan").Inc()
	default:
		// The tag namespace may grow; unknown sub-kinds are expected
		r.dropped.WithLabelValues("app_subkind").Inc()
		r.logger.Debug("ignoring unrecognized app sub-kind",
			"sub_kind", subKind, "event_id", shortID(ev.ID))
	}
}

func (r *Router) dropDecodeFailure(err error, plaintext string, ev *nostr.Event) {
	switch {
	case errors.Is(err, errors.ErrParsingFailed):
		r.dropped.WithLabelValues("not_json").Inc()
		r.logger.Error("event content is not valid JSON",
			"event_id", shortID(ev.ID), "preview", message.Redact(plaintext))
	case errors.Is(err, errors.ErrUnknownPayload):
		r.dropped.WithLabelValues("unknown_type").Inc()
		r.logger.Debug("event payload has no recognized type field",
			"event_id", shortID(ev.ID))
	default:
		r.dropped.WithLabelValues("validation").Inc()
		r.logger.Warn("payload failed validation",
			"event_id", shortID(ev.ID), "error", err, "preview", message.Redact(plaintext))
	}
}

func (r *Router) dispatchSensor(ctx context.Context, p *message.Sensor) {
	entityID := fmt.Sprintf("sensor.%s_%s", r.prefix, p.EntityID)

	// Caller attributes first so the fixed set always wins
	attrs := make(map[string]any, len(p.Attributes)+4)
	for k, v := range p.Attributes {
		attrs[k] = v
	}
	attrs["unit_of_measurement"] = p.Unit
	attrs["device_class"] = p.DeviceClass
	attrs["friendly_name"] = friendlyName(p.EntityID)
	attrs["source"] = "nostr"

	state := formatValue(p.Value)
	_ = r.sink.SetState(ctx, entityID, state, attrs)
	r.logger.Info("updated sensor", "entity_id", entityID, "state", state)
}

func (r *Router) dispatchBinarySensor(ctx context.Context, p *message.BinarySensor) {
	entityID := fmt.Sprintf("binary_sensor.%s_%s", r.prefix, p.EntityID)

	attrs := make(map[string]any, len(p.Attributes)+3)
	for k, v := range p.Attributes {
		attrs[k] = v
	}
	attrs["device_class"] = p.DeviceClass
	attrs["friendly_name"] = friendlyName(p.EntityID)
	attrs["source"] = "nostr"

	state := "off"
	if p.State != nil && *p.State {
		state = "on"
	}
	_ = r.sink.SetState(ctx, entityID, state, attrs)
	r.logger.Info("updated binary sensor", "entity_id", entityID, "state", state)
}

func (r *Router) dispatchNotification(ctx context.Context, p *message.Notification) {
	_ = r.sink.FireEvent(ctx, r.prefix+"_notification", map[string]any{
		"title":    p.Title,
		"message":  p.Message,
		"severity": p.Severity,
	})
	r.logger.Info("fired notification", "severity", p.Severity, "title", p.Title)
}

// formatValue renders a sensor value the way the sink expects: numbers
// without trailing zeros, strings as-is.
func formatValue(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// friendlyName turns an entity_id into a display name:
// "outdoor_temperature" becomes "Outdoor Temperature".
func friendlyName(entityID string) string {
	words := strings.Split(entityID, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
