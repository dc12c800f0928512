package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IanDowney11/NOSTR-HA-Bridge/errors"
)

func TestDecode_Sensor(t *testing.T) {
	payload, err := Decode([]byte(`{
		"type": "sensor",
		"entity_id": "outdoor_temperature",
		"value": 72.5,
		"unit": "°F",
		"device_class": "temperature",
		"attributes": {"station": "backyard"}
	}`))
	require.NoError(t, err)

	sensor, ok := payload.(*Sensor)
	require.True(t, ok)
	assert.Equal(t, "outdoor_temperature", sensor.EntityID)
	assert.Equal(t, 72.5, sensor.Value)
	assert.Equal(t, "°F", sensor.Unit)
	assert.Equal(t, "temperature", sensor.DeviceClass)
	assert.Equal(t, "backyard", sensor.Attributes["station"])
}

func TestDecode_SensorStringValue(t *testing.T) {
	payload, err := Decode([]byte(`{"type":"sensor","entity_id":"mode","value":"eco"}`))
	require.NoError(t, err)
	assert.Equal(t, "eco", payload.(*Sensor).Value)
}

func TestDecode_BinarySensor(t *testing.T) {
	payload, err := Decode([]byte(`{
		"type": "binary_sensor",
		"entity_id": "front_door",
		"state": false,
		"device_class": "door"
	}`))
	require.NoError(t, err)

	binary, ok := payload.(*BinarySensor)
	require.True(t, ok)
	assert.Equal(t, "front_door", binary.EntityID)
	require.NotNil(t, binary.State)
	assert.False(t, *binary.State)
}

func TestDecode_Notification(t *testing.T) {
	payload, err := Decode([]byte(`{
		"type": "notification",
		"title": "Alert",
		"message": "Water leak detected",
		"severity": "critical"
	}`))
	require.NoError(t, err)

	notif, ok := payload.(*Notification)
	require.True(t, ok)
	assert.Equal(t, "Alert", notif.Title)
	assert.Equal(t, SeverityCritical, notif.Severity)
}

func TestDecode_NotificationDefaultsSeverity(t *testing.T) {
	payload, err := Decode([]byte(`{"type":"notification","message":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, SeverityInfo, payload.(*Notification).Severity)
}

func TestDecode_Failures(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"not json", `not json at all`, errors.ErrParsingFailed},
		{"missing type", `{"entity_id":"x","value":1}`, errors.ErrUnknownPayload},
		{"unknown type", `{"type":"thermostat","entity_id":"x"}`, errors.ErrUnknownPayload},
		{"sensor missing entity_id", `{"type":"sensor","value":1}`, errors.ErrValidationFailed},
		{"sensor uppercase entity_id", `{"type":"sensor","entity_id":"Outdoor","value":1}`, errors.ErrValidationFailed},
		{"sensor entity_id with dash", `{"type":"sensor","entity_id":"a-b","value":1}`, errors.ErrValidationFailed},
		{"sensor entity_id too long", `{"type":"sensor","entity_id":"` + strings.Repeat("a", 65) + `","value":1}`, errors.ErrValidationFailed},
		{"sensor bool value", `{"type":"sensor","entity_id":"x","value":true}`, errors.ErrValidationFailed},
		{"sensor object value", `{"type":"sensor","entity_id":"x","value":{"a":1}}`, errors.ErrValidationFailed},
		{"binary sensor missing state", `{"type":"binary_sensor","entity_id":"x"}`, errors.ErrValidationFailed},
		{"binary sensor non-bool state", `{"type":"binary_sensor","entity_id":"x","state":"on"}`, errors.ErrValidationFailed},
		{"notification missing message", `{"type":"notification","title":"t"}`, errors.ErrValidationFailed},
		{"notification bad severity", `{"type":"notification","message":"m","severity":"panic"}`, errors.ErrValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecode_EntityIDBoundary(t *testing.T) {
	// 64 characters is the longest accepted entity_id
	longest := strings.Repeat("a", 64)
	_, err := Decode([]byte(`{"type":"sensor","entity_id":"` + longest + `","value":1}`))
	assert.NoError(t, err)
}

func TestParsePlan(t *testing.T) {
	record, err := ParsePlan([]byte(`{
		"id": "plan-42",
		"date": "2025-06-01",
		"updatedAt": "2025-05-30T10:00:00Z",
		"meal_data": {
			"title": "Tacos",
			"rating": 4.5,
			"tags": ["mexican", "quick"],
			"description": "Tuesday classic",
			"image": "https://example.com/tacos.jpg"
		},
		"fromFreezer": true,
		"meal_id": "meal-7"
	}`))
	require.NoError(t, err)

	assert.Equal(t, "plan-42", record.ID)
	assert.Equal(t, "2025-06-01", record.Date)
	assert.Equal(t, "2025-05-30T10:00:00Z", record.UpdatedAt)
	assert.Equal(t, "Tacos", record.MealData.Title)
	require.NotNil(t, record.MealData.Rating)
	assert.Equal(t, 4.5, *record.MealData.Rating)
	assert.Equal(t, []string{"mexican", "quick"}, record.MealData.Tags)
	assert.True(t, record.FromFreezer)
	assert.False(t, record.Deleted)
}

func TestParsePlan_Tombstone(t *testing.T) {
	record, err := ParsePlan([]byte(`{"_deleted": true}`))
	require.NoError(t, err)
	assert.True(t, record.Deleted)
	assert.Empty(t, record.Date)
}

func TestParsePlan_NotJSON(t *testing.T) {
	_, err := ParsePlan([]byte(`garbage`))
	assert.ErrorIs(t, err, errors.ErrParsingFailed)
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text untouched", "hello world", "hello world"},
		{"newline and tab kept", "a\n\tb", "a\n\tb"},
		{"control chars stripped", "a\x00b\x1bc\x7fd", "abcd"},
		{"ansi escape neutralized", "\x1b[31mred\x1b[0m", "[31mred[0m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Redact(tt.input))
		})
	}

	long := strings.Repeat("x", 500)
	assert.Len(t, Redact(long), PreviewLimit)
}
