// Package message defines the decoded payload shapes the bridge accepts
// after decryption, their validation rules, and log redaction helpers.
package message

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/IanDowney11/NOSTR-HA-Bridge/errors"
)

// Severity levels accepted on notifications.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

var entityIDPattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// validator has no regex tag, so entity_id gets its own rule
	_ = v.RegisterValidation("entity_id", func(fl validator.FieldLevel) bool {
		return entityIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// Payload is the closed union of accepted bridge payloads. Only types
// in this package implement it.
type Payload interface {
	PayloadType() string
}

// Sensor sets a numeric or string sensor state.
type Sensor struct {
	Type        string         `json:"type"`
	EntityID    string         `json:"entity_id" validate:"required,entity_id"`
	Value       any            `json:"value"`
	Unit        string         `json:"unit"`
	DeviceClass string         `json:"device_class"`
	Attributes  map[string]any `json:"attributes"`
}

// PayloadType implements Payload.
func (s *Sensor) PayloadType() string { return "sensor" }

// BinarySensor sets an on/off sensor state.
type BinarySensor struct {
	Type        string         `json:"type"`
	EntityID    string         `json:"entity_id" validate:"required,entity_id"`
	State       *bool          `json:"state" validate:"required"`
	DeviceClass string         `json:"device_class"`
	Attributes  map[string]any `json:"attributes"`
}

// PayloadType implements Payload.
func (b *BinarySensor) PayloadType() string { return "binary_sensor" }

// Notification fires a bus event rather than setting entity state.
type Notification struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Message  string `json:"message" validate:"required"`
	Severity string `json:"severity" validate:"omitempty,oneof=info warning error critical"`
}

// PayloadType implements Payload.
func (n *Notification) PayloadType() string { return "notification" }

// Decode parses plaintext into one of the accepted payload shapes.
// Error classification matters to the caller's logging:
//   - ErrParsingFailed: not JSON
//   - ErrUnknownPayload: missing or unrecognized type field
//   - ErrValidationFailed: known type, invalid fields
func Decode(plaintext []byte) (Payload, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(plaintext, &probe); err != nil {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "Payload", "Decode", "parse JSON")
	}
	if probe.Type == "" {
		return nil, errors.WrapInvalid(errors.ErrUnknownPayload, "Payload", "Decode", "read type field")
	}

	var payload Payload
	switch probe.Type {
	case "sensor":
		payload = &Sensor{}
	case "binary_sensor":
		payload = &BinarySensor{}
	case "notification":
		payload = &Notification{}
	default:
		return nil, errors.WrapInvalid(errors.ErrUnknownPayload, "Payload", "Decode",
			fmt.Sprintf("dispatch type %q", probe.Type))
	}

	if err := json.Unmarshal(plaintext, payload); err != nil {
		return nil, errors.WrapInvalid(errors.ErrValidationFailed, "Payload", "Decode",
			fmt.Sprintf("unmarshal %s payload", probe.Type))
	}
	if err := validate.Struct(payload); err != nil {
		return nil, errors.WrapInvalid(errors.ErrValidationFailed, "Payload", "Decode",
			fmt.Sprintf("validate %s payload", probe.Type))
	}

	// Cross-field rules the struct tags cannot express
	switch p := payload.(type) {
	case *Sensor:
		switch p.Value.(type) {
		case float64, string:
		default:
			return nil, errors.WrapInvalid(errors.ErrValidationFailed, "Payload", "Decode",
				"check sensor value kind")
		}
	case *Notification:
		if p.Severity == "" {
			p.Severity = SeverityInfo
		}
	}

	return payload, nil
}
