package message

import (
	"encoding/json"

	"github.com/IanDowney11/NOSTR-HA-Bridge/errors"
)

// MealData is the descriptive part of a plan record. Unknown fields are
// dropped; the publisher sends more than the bridge surfaces.
type MealData struct {
	Title       string   `json:"title"`
	Rating      *float64 `json:"rating"`
	Tags        []string `json:"tags"`
	Description string   `json:"description"`
	Image       string   `json:"image"`
}

// PlanRecord is one replaceable meal-plan record keyed by date. A
// record with Deleted set is a tombstone: it removes the stored record
// instead of replacing it.
type PlanRecord struct {
	ID          string   `json:"id"`
	Date        string   `json:"date"`
	UpdatedAt   string   `json:"updatedAt"`
	MealData    MealData `json:"meal_data"`
	FromFreezer bool     `json:"fromFreezer"`
	MealID      string   `json:"meal_id"`
	Deleted     bool     `json:"_deleted"`
}

// ParsePlan decodes a plan record from decrypted plaintext.
func ParsePlan(plaintext []byte) (*PlanRecord, error) {
	var record PlanRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "PlanRecord", "ParsePlan", "parse JSON")
	}
	return &record, nil
}
