// Package mealplan maintains the replaceable meal-plan cache: one
// record per date, reconciled by application timestamp, bounded by a
// moving window around today, with a derived "today's meal" view pushed
// to the state sink on every relevant change.
package mealplan

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IanDowney11/NOSTR-HA-Bridge/errors"
	"github.com/IanDowney11/NOSTR-HA-Bridge/message"
	"github.com/IanDowney11/NOSTR-HA-Bridge/metric"
)

const (
	dateLayout     = "2006-01-02"
	descriptionCap = 255
	noMealState    = "No meal planned"
)

// Sink receives the derived today's-meal entity updates.
type Sink interface {
	SetState(ctx context.Context, entityID, state string, attributes map[string]any) error
}

// Cache is the replaceable-state cache keyed by ISO date. All mutation
// runs under one mutex so compare-and-store is a single unit; both
// ingestion tasks and the rollover monitor share one instance.
type Cache struct {
	mu         sync.Mutex
	plans      map[string]*message.PlanRecord
	prefix     string
	windowDays int
	sink       Sink
	logger     *slog.Logger
	now        func() time.Time

	lastToday string // rollover monitor state

	cacheSize prometheus.Gauge
	stale     prometheus.Counter
}

// New creates an empty cache with a retention window of windowDays
// either side of today.
func New(prefix string, windowDays int, sink Sink, registrar metric.Registrar, logger *slog.Logger) (*Cache, error) {
	if sink == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Cache", "New", "check sink dependency")
	}
	if windowDays <= 0 {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Cache", "New", "check window days")
	}

	c := &Cache{
		plans:      make(map[string]*message.PlanRecord),
		prefix:     prefix,
		windowDays: windowDays,
		sink:       sink,
		logger:     logger.With("component", "mealplan"),
		now:        time.Now,
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_mealplan_cache_size",
			Help: "Number of plan records currently cached",
		}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_mealplan_stale_dropped_total",
			Help: "Plan records dropped because a newer record was already stored",
		}),
	}

	if registrar != nil {
		if err := registrar.RegisterGauge("mealplan", "cache_size", c.cacheSize); err != nil {
			return nil, err
		}
		if err := registrar.RegisterCounter("mealplan", "stale_dropped", c.stale); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Upsert reconciles one plan record into the cache. Implements the
// router's PlanHandler. The d-tag carries the record's logical id
// ("mmp:plan:<id>"), used to locate the stored record when a tombstone
// arrives without a date.
func (c *Cache) Upsert(ctx context.Context, record *message.PlanRecord, dTag string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if record.Deleted {
		c.remove(ctx, record, dTag)
		return
	}

	if record.Date == "" {
		c.logger.Warn("plan record missing date field", "d_tag", dTag)
		return
	}
	if !c.inWindow(record.Date) {
		c.logger.Debug("ignoring plan outside retention window", "date", record.Date)
		return
	}

	// A stored record with a strictly newer timestamp wins; on a tie
	// the incoming record replaces the stored one.
	if existing, ok := c.plans[record.Date]; ok {
		if existing.UpdatedAt != "" && record.UpdatedAt != "" &&
			record.UpdatedAt < existing.UpdatedAt {
			c.stale.Inc()
			c.logger.Info("skipping older plan",
				"date", record.Date,
				"title", record.MealData.Title,
				"incoming_updated_at", record.UpdatedAt,
				"stored_updated_at", existing.UpdatedAt)
			return
		}
	}

	c.plans[record.Date] = record
	c.logger.Info("cached meal plan",
		"date", record.Date, "title", record.MealData.Title, "updated_at", record.UpdatedAt)

	c.prune()
	if record.Date == c.today() {
		c.derive(ctx)
	}
}

// remove handles a tombstone record. Caller holds the mutex.
func (c *Cache) remove(ctx context.Context, record *message.PlanRecord, dTag string) {
	date := record.Date
	if date == "" {
		date = c.findDateByLogicalID(dTag)
	}
	if date == "" {
		return
	}
	if _, ok := c.plans[date]; !ok {
		return
	}

	delete(c.plans, date)
	c.cacheSize.Set(float64(len(c.plans)))
	c.logger.Info("removed deleted meal plan", "date", date)
	c.derive(ctx)
}

// findDateByLogicalID locates a stored record by the logical id carried
// in the d-tag's last colon segment. Caller holds the mutex.
func (c *Cache) findDateByLogicalID(dTag string) string {
	idx := strings.LastIndex(dTag, ":")
	if idx < 0 || idx == len(dTag)-1 {
		return ""
	}
	logicalID := dTag[idx+1:]

	for date, plan := range c.plans {
		if plan.ID == logicalID {
			return date
		}
	}
	return ""
}

// Derive recomputes today's view and pushes it to the sink. Safe to
// call at any time, including with an empty cache.
func (c *Cache) Derive(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.derive(ctx)
}

// derive rebuilds the today's-meal entity from the stored record for
// today, or its absence. Never patched incrementally. Caller holds the
// mutex.
func (c *Cache) derive(ctx context.Context) {
	today := c.today()
	c.lastToday = today
	entityID := "sensor." + c.prefix + "_todays_meal"

	plan, ok := c.plans[today]
	if !ok {
		c.logger.Info("no plan for today", "date", today, "cached_dates", c.dates())
		_ = c.sink.SetState(ctx, entityID, noMealState, map[string]any{
			"friendly_name": "Today's Meal",
			"icon":          "mdi:food-off",
			"source":        "nostr_mealplanner",
			"date":          today,
		})
		return
	}

	title := plan.MealData.Title
	if title == "" {
		title = "Unknown Meal"
	}
	description := plan.MealData.Description
	if len(description) > descriptionCap {
		description = description[:descriptionCap]
	}

	attrs := map[string]any{
		"friendly_name": "Today's Meal",
		"icon":          "mdi:food",
		"source":        "nostr_mealplanner",
		"date":          today,
		"rating":        plan.MealData.Rating,
		"from_freezer":  plan.FromFreezer,
		"tags":          strings.Join(plan.MealData.Tags, ", "),
		"description":   description,
		"meal_id":       plan.MealID,
	}
	if image := plan.MealData.Image; strings.HasPrefix(image, "https://") || strings.HasPrefix(image, "http://") {
		attrs["entity_picture"] = image
	}

	_ = c.sink.SetState(ctx, entityID, title, attrs)
	c.logger.Info("updated today's meal", "entity_id", entityID, "title", title)
}

// Tick checks for a wall-clock date rollover. Returns false with no
// side effects when the date is unchanged; on a change it prunes the
// window, rebuilds today's view, and returns true so the caller can
// trigger a catch-up fetch. Safe at sub-second call spacing.
func (c *Cache) Tick(ctx context.Context, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	today := now.Format(dateLayout)
	if today == c.lastToday {
		return false
	}

	c.logger.Info("date rolled over", "date", today)
	c.prune()
	c.derive(ctx)
	c.lastToday = today
	return true
}

// Size returns the number of cached records.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.plans)
}

// prune evicts records outside the retention window. Caller holds the
// mutex.
func (c *Cache) prune() {
	pruned := 0
	for date := range c.plans {
		if !c.inWindow(date) {
			delete(c.plans, date)
			pruned++
		}
	}
	c.cacheSize.Set(float64(len(c.plans)))
	if pruned > 0 {
		c.logger.Debug("pruned plans outside window", "count", pruned)
	}
}

// inWindow reports whether date falls within [today-window, today+window].
// Unparseable dates are outside by definition.
func (c *Cache) inWindow(date string) bool {
	parsed, err := time.Parse(dateLayout, date)
	if err != nil {
		return false
	}
	today, _ := time.Parse(dateLayout, c.today())
	diff := parsed.Sub(today) / (24 * time.Hour)
	return diff >= -time.Duration(c.windowDays) && diff <= time.Duration(c.windowDays)
}

func (c *Cache) today() string {
	return c.now().Format(dateLayout)
}

func (c *Cache) dates() []string {
	dates := make([]string, 0, len(c.plans))
	for d := range c.plans {
		dates = append(dates, d)
	}
	return dates
}
