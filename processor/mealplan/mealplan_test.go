package mealplan

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IanDowney11/NOSTR-HA-Bridge/message"
)

type stateCall struct {
	entityID string
	state    string
	attrs    map[string]any
}

type fakeSink struct {
	mu    sync.Mutex
	calls []stateCall
}

func (f *fakeSink) SetState(_ context.Context, entityID, state string, attrs map[string]any) error {
	f.mu.Lock()
	f.calls = append(f.calls, stateCall{entityID, state, attrs})
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) last(t *testing.T) stateCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// newTestCache pins "today" to 2025-06-15.
func newTestCache(t *testing.T) (*Cache, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	cache, err := New("nostr", 30, sink, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	cache.now = func() time.Time {
		return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	}
	return cache, sink
}

func plan(id, date, updatedAt, title string) *message.PlanRecord {
	return &message.PlanRecord{
		ID:        id,
		Date:      date,
		UpdatedAt: updatedAt,
		MealData:  message.MealData{Title: title},
	}
}

func TestCache_UpsertTodayDerives(t *testing.T) {
	cache, sink := newTestCache(t)

	cache.Upsert(context.Background(), plan("p1", "2025-06-15", "t1", "Tacos"), "mmp:plan:p1")

	call := sink.last(t)
	assert.Equal(t, "sensor.nostr_todays_meal", call.entityID)
	assert.Equal(t, "Tacos", call.state)
	assert.Equal(t, "mdi:food", call.attrs["icon"])
	assert.Equal(t, "2025-06-15", call.attrs["date"])
}

func TestCache_UpsertFutureDateDoesNotDerive(t *testing.T) {
	cache, sink := newTestCache(t)

	cache.Upsert(context.Background(), plan("p1", "2025-06-20", "t1", "Curry"), "mmp:plan:p1")

	assert.Equal(t, 1, cache.Size())
	assert.Equal(t, 0, sink.count())
}

func TestCache_WindowBounds(t *testing.T) {
	cache, _ := newTestCache(t)

	tests := []struct {
		name string
		date string
		kept bool
	}{
		{"today", "2025-06-15", true},
		{"window future edge", "2025-07-15", true},
		{"beyond future edge", "2025-07-16", false},
		{"window past edge", "2025-05-16", true},
		{"beyond past edge", "2025-05-15", false},
		{"unparseable", "soon", false},
		{"empty is missing-date drop", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := cache.Size()
			cache.Upsert(context.Background(), plan("p-"+tt.date, tt.date, "t", "Meal"), "mmp:plan:x")
			if tt.kept {
				assert.Equal(t, before+1, cache.Size())
			} else {
				assert.Equal(t, before, cache.Size())
			}
		})
	}
}

func TestCache_StaleRecordDropped(t *testing.T) {
	cache, sink := newTestCache(t)
	ctx := context.Background()

	cache.Upsert(ctx, plan("p1", "2025-06-15", "2025-06-14T10:00:00Z", "Newer"), "mmp:plan:p1")
	cache.Upsert(ctx, plan("p1", "2025-06-15", "2025-06-13T10:00:00Z", "Older"), "mmp:plan:p1")

	assert.Equal(t, "Newer", sink.last(t).state)
}

func TestCache_EqualTimestampIncomingWins(t *testing.T) {
	cache, sink := newTestCache(t)
	ctx := context.Background()

	cache.Upsert(ctx, plan("p1", "2025-06-15", "same", "First"), "mmp:plan:p1")
	cache.Upsert(ctx, plan("p1", "2025-06-15", "same", "Second"), "mmp:plan:p1")

	assert.Equal(t, "Second", sink.last(t).state)
}

func TestCache_MissingTimestampAlwaysReplaces(t *testing.T) {
	cache, sink := newTestCache(t)
	ctx := context.Background()

	cache.Upsert(ctx, plan("p1", "2025-06-15", "ts", "First"), "mmp:plan:p1")
	cache.Upsert(ctx, plan("p1", "2025-06-15", "", "NoTimestamp"), "mmp:plan:p1")

	assert.Equal(t, "NoTimestamp", sink.last(t).state)
}

func TestCache_TombstoneWithDate(t *testing.T) {
	cache, sink := newTestCache(t)
	ctx := context.Background()

	cache.Upsert(ctx, plan("p1", "2025-06-15", "t1", "Tacos"), "mmp:plan:p1")
	require.Equal(t, 1, cache.Size())

	cache.Upsert(ctx, &message.PlanRecord{Date: "2025-06-15", Deleted: true}, "mmp:plan:p1")

	assert.Equal(t, 0, cache.Size())
	call := sink.last(t)
	assert.Equal(t, "No meal planned", call.state)
	assert.Equal(t, "mdi:food-off", call.attrs["icon"])
}

func TestCache_TombstoneByLogicalID(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	cache.Upsert(ctx, plan("plan-42", "2025-06-20", "t1", "Curry"), "mmp:plan:plan-42")
	require.Equal(t, 1, cache.Size())

	// Tombstone carries no date; the cache resolves it via the d-tag id
	cache.Upsert(ctx, &message.PlanRecord{Deleted: true}, "mmp:plan:plan-42")
	assert.Equal(t, 0, cache.Size())
}

func TestCache_TombstoneUnknownIDIsNoop(t *testing.T) {
	cache, sink := newTestCache(t)
	ctx := context.Background()

	cache.Upsert(ctx, plan("p1", "2025-06-20", "t1", "Curry"), "mmp:plan:p1")
	sinkCallsBefore := sink.count()

	cache.Upsert(ctx, &message.PlanRecord{Deleted: true}, "mmp:plan:other")
	cache.Upsert(ctx, &message.PlanRecord{Deleted: true}, "no-colons")

	assert.Equal(t, 1, cache.Size())
	assert.Equal(t, sinkCallsBefore, sink.count())
}

func TestCache_DeriveAttributes(t *testing.T) {
	cache, sink := newTestCache(t)
	rating := 4.5

	record := &message.PlanRecord{
		ID:        "p1",
		Date:      "2025-06-15",
		UpdatedAt: "t1",
		MealID:    "meal-7",
		MealData: message.MealData{
			Title:       "Lasagna",
			Rating:      &rating,
			Tags:        []string{"italian", "oven"},
			Description: strings.Repeat("d", 300),
			Image:       "https://example.com/lasagna.jpg",
		},
		FromFreezer: true,
	}
	cache.Upsert(context.Background(), record, "mmp:plan:p1")

	attrs := sink.last(t).attrs
	assert.Equal(t, "Today's Meal", attrs["friendly_name"])
	assert.Equal(t, "nostr_mealplanner", attrs["source"])
	assert.Equal(t, &rating, attrs["rating"])
	assert.Equal(t, true, attrs["from_freezer"])
	assert.Equal(t, "italian, oven", attrs["tags"])
	assert.Len(t, attrs["description"], 255)
	assert.Equal(t, "meal-7", attrs["meal_id"])
	assert.Equal(t, "https://example.com/lasagna.jpg", attrs["entity_picture"])
}

func TestCache_DeriveSkipsNonHTTPImage(t *testing.T) {
	cache, sink := newTestCache(t)

	record := plan("p1", "2025-06-15", "t1", "Soup")
	record.MealData.Image = "file:///etc/passwd"
	cache.Upsert(context.Background(), record, "mmp:plan:p1")

	_, hasPicture := sink.last(t).attrs["entity_picture"]
	assert.False(t, hasPicture)
}

func TestCache_DeriveUntitledPlan(t *testing.T) {
	cache, sink := newTestCache(t)

	cache.Upsert(context.Background(), plan("p1", "2025-06-15", "t1", ""), "mmp:plan:p1")
	assert.Equal(t, "Unknown Meal", sink.last(t).state)
}

func TestCache_TickRollover(t *testing.T) {
	cache, sink := newTestCache(t)
	ctx := context.Background()

	day1 := time.Date(2025, 6, 15, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2025, 6, 16, 0, 1, 0, 0, time.UTC)

	// First tick establishes the date
	assert.True(t, cache.Tick(ctx, day1))
	callsAfterFirst := sink.count()

	// Same date: idempotent, no side effects
	assert.False(t, cache.Tick(ctx, day1))
	assert.False(t, cache.Tick(ctx, day1))
	assert.Equal(t, callsAfterFirst, sink.count())

	// Date change: derive runs again
	cache.now = func() time.Time { return day2 }
	assert.True(t, cache.Tick(ctx, day2))
	assert.Greater(t, sink.count(), callsAfterFirst)
	assert.Equal(t, "2025-06-16", sink.last(t).attrs["date"])

	// And is idempotent for the new date
	assert.False(t, cache.Tick(ctx, day2))
}

func TestCache_TickPrunesWindow(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	cache.Upsert(ctx, plan("p1", "2025-05-16", "t1", "OldMeal"), "mmp:plan:p1")
	require.Equal(t, 1, cache.Size())

	// Jump far enough that the record leaves the window
	later := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return later }
	assert.True(t, cache.Tick(ctx, later))
	assert.Equal(t, 0, cache.Size())
}

func TestCache_DeriveWithEmptyCache(t *testing.T) {
	cache, sink := newTestCache(t)

	cache.Derive(context.Background())

	call := sink.last(t)
	assert.Equal(t, "No meal planned", call.state)
	assert.Equal(t, "mdi:food-off", call.attrs["icon"])
}

func TestCache_ConcurrentUpserts(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			date := time.Date(2025, 6, 15+i%5, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
			cache.Upsert(ctx, plan("p", date, "t", "Meal"), "mmp:plan:p")
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, cache.Size())
}

func TestNew_Validation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := New("nostr", 30, nil, nil, logger)
	assert.Error(t, err)

	_, err = New("nostr", 0, &fakeSink{}, nil, logger)
	assert.Error(t, err)
}
