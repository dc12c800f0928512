package router

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IanDowney11/NOSTR-HA-Bridge/message"
	"github.com/IanDowney11/NOSTR-HA-Bridge/nostr"
)

type stateCall struct {
	entityID string
	state    string
	attrs    map[string]any
}

type eventCall struct {
	eventType string
	data      map[string]any
}

type fakeSink struct {
	states []stateCall
	events []eventCall
}

func (f *fakeSink) SetState(_ context.Context, entityID, state string, attrs map[string]any) error {
	f.states = append(f.states, stateCall{entityID, state, attrs})
	return nil
}

func (f *fakeSink) FireEvent(_ context.Context, eventType string, data map[string]any) error {
	f.events = append(f.events, eventCall{eventType, data})
	return nil
}

type fakePlans struct {
	records []*message.PlanRecord
	dTags   []string
}

func (f *fakePlans) Upsert(_ context.Context, record *message.PlanRecord, dTag string) {
	f.records = append(f.records, record)
	f.dTags = append(f.dTags, dTag)
}

func newTestRouter(t *testing.T) (*Router, *fakeSink, *fakePlans) {
	t.Helper()
	sink := &fakeSink{}
	plans := &fakePlans{}
	r, err := New("nostr", sink, plans, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return r, sink, plans
}

func eventWithDTag(dTag string) *nostr.Event {
	ev := &nostr.Event{ID: "test-event-id", Kind: nostr.KindAppData}
	if dTag != "" {
		ev.Tags = nostr.Tags{{"d", dTag}}
	}
	return ev
}

func TestRouter_SensorUpdate(t *testing.T) {
	r, sink, _ := newTestRouter(t)

	r.Handle(context.Background(),
		`{"type":"sensor","entity_id":"outdoor_temperature","value":72.5,"unit":"°F","attributes":{"station":"backyard"}}`,
		eventWithDTag(""))

	require.Len(t, sink.states, 1)
	call := sink.states[0]
	assert.Equal(t, "sensor.nostr_outdoor_temperature", call.entityID)
	assert.Equal(t, "72.5", call.state)
	assert.Equal(t, "°F", call.attrs["unit_of_measurement"])
	assert.Equal(t, "Outdoor Temperature", call.attrs["friendly_name"])
	assert.Equal(t, "nostr", call.attrs["source"])
	assert.Equal(t, "backyard", call.attrs["station"])
}

func TestRouter_DerivedAttributesWinOverCallers(t *testing.T) {
	r, sink, _ := newTestRouter(t)

	// The payload tries to spoof the fixed attributes
	r.Handle(context.Background(),
		`{"type":"sensor","entity_id":"temp","value":1,"attributes":{"source":"evil","friendly_name":"Spoofed"}}`,
		eventWithDTag(""))

	require.Len(t, sink.states, 1)
	assert.Equal(t, "nostr", sink.states[0].attrs["source"])
	assert.Equal(t, "Temp", sink.states[0].attrs["friendly_name"])
}

func TestRouter_BinarySensorUpdate(t *testing.T) {
	r, sink, _ := newTestRouter(t)

	r.Handle(context.Background(),
		`{"type":"binary_sensor","entity_id":"front_door","state":true,"device_class":"door"}`,
		eventWithDTag(""))
	r.Handle(context.Background(),
		`{"type":"binary_sensor","entity_id":"front_door","state":false}`,
		eventWithDTag(""))

	require.Len(t, sink.states, 2)
	assert.Equal(t, "binary_sensor.nostr_front_door", sink.states[0].entityID)
	assert.Equal(t, "on", sink.states[0].state)
	assert.Equal(t, "off", sink.states[1].state)
}

func TestRouter_Notification(t *testing.T) {
	r, sink, _ := newTestRouter(t)

	r.Handle(context.Background(),
		`{"type":"notification","title":"Alert","message":"Water leak","severity":"critical"}`,
		eventWithDTag(""))

	require.Len(t, sink.events, 1)
	assert.Equal(t, "nostr_notification", sink.events[0].eventType)
	assert.Equal(t, "Water leak", sink.events[0].data["message"])
	assert.Equal(t, "critical", sink.events[0].data["severity"])
	assert.Empty(t, sink.states)
}

func TestRouter_PlanDispatch(t *testing.T) {
	r, sink, plans := newTestRouter(t)

	r.Handle(context.Background(),
		`{"id":"plan-1","date":"2025-06-01","updatedAt":"x","meal_data":{"title":"Tacos"}}`,
		eventWithDTag("mmp:plan:plan-1"))

	require.Len(t, plans.records, 1)
	assert.Equal(t, "Tacos", plans.records[0].MealData.Title)
	assert.Equal(t, "mmp:plan:plan-1", plans.dTags[0])
	assert.Empty(t, sink.states) // plan handling never touches the sink directly
}

func TestRouter_UnknownAppSubKindDropped(t *testing.T) {
	r, _, plans := newTestRouter(t)

	r.Handle(context.Background(), `{"anything":true}`, eventWithDTag("mmp:shopping:list-1"))
	r.Handle(context.Background(), `{"anything":true}`, eventWithDTag("mmp:"))

	assert.Empty(t, plans.records)
}

func TestRouter_AppTaggedBadJSONDropped(t *testing.T) {
	r, _, plans := newTestRouter(t)

	r.Handle(context.Background(), `not json`, eventWithDTag("mmp:plan:x"))

	assert.Empty(t, plans.records)
}

func TestRouter_GenericDropPaths(t *testing.T) {
	r, sink, plans := newTestRouter(t)

	inputs := []string{
		`not json`,
		`{"no_type":true}`,
		`{"type":"thermostat"}`,
		`{"type":"sensor","entity_id":"BAD-ID","value":1}`,
		`{"type":"notification","title":"no message"}`,
	}
	for _, input := range inputs {
		r.Handle(context.Background(), input, eventWithDTag(""))
	}

	assert.Empty(t, sink.states)
	assert.Empty(t, sink.events)
	assert.Empty(t, plans.records)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "72.5", formatValue(72.5))
	assert.Equal(t, "72", formatValue(72.0))
	assert.Equal(t, "eco", formatValue("eco"))
}

func TestFriendlyName(t *testing.T) {
	assert.Equal(t, "Outdoor Temperature", friendlyName("outdoor_temperature"))
	assert.Equal(t, "Temp", friendlyName("temp"))
	assert.Equal(t, "A B C", friendlyName("a_b_c"))
}
