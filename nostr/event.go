// Package nostr implements the relay collaborator: the event model, the
// relay wire protocol over WebSocket, a multi-relay pool, and NIP-44
// payload encryption.
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/IanDowney11/NOSTR-HA-Bridge/errors"
)

// KindAppData is the parameterized replaceable application-data kind
// (NIP-78) the bridge subscribes to by default.
const KindAppData = 30078

// Tag is a single event tag: a name followed by zero or more values.
type Tag []string

// Tags is the ordered tag list of an event.
type Tags []Tag

// Value returns the first value of the first tag with the given name,
// or "" if absent. By convention at most one "d" tag exists per event.
func (t Tags) Value(name string) string {
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// Event is one unit received from a relay. Immutable once received.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// serialize produces the canonical form the event ID is computed over:
// the JSON array [0, pubkey, created_at, kind, tags, content] with no
// whitespace and no HTML escaping.
func (e *Event) serialize() ([]byte, error) {
	arr := []any{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, err
	}
	// Encode appends a trailing newline that is not part of the canonical form
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeID returns the hex sha256 of the event's canonical serialization.
func (e *Event) ComputeID() (string, error) {
	data, err := e.serialize()
	if err != nil {
		return "", errors.WrapInvalid(err, "Event", "ComputeID", "serialize event")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks that the event ID matches its contents and that the
// schnorr signature is valid for the author's public key.
func (e *Event) Verify() error {
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	if id != e.ID {
		return errors.WrapInvalid(errors.ErrInvalidEvent, "Event", "Verify",
			fmt.Sprintf("event ID mismatch for %s", shortID(e.ID)))
	}

	pubKeyBytes, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pubKeyBytes) != 32 {
		return errors.WrapInvalid(errors.ErrInvalidEvent, "Event", "Verify", "decode pubkey")
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return errors.WrapInvalid(err, "Event", "Verify", "parse pubkey")
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return errors.WrapInvalid(errors.ErrInvalidEvent, "Event", "Verify", "decode signature")
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return errors.WrapInvalid(err, "Event", "Verify", "parse signature")
	}

	idBytes, _ := hex.DecodeString(id)
	if !sig.Verify(idBytes, pubKey) {
		return errors.WrapInvalid(errors.ErrSignatureMismatch, "Event", "Verify",
			fmt.Sprintf("verify signature of %s", shortID(e.ID)))
	}
	return nil
}

// Sign computes the event ID and schnorr-signs it with the given keys,
// filling in PubKey, ID, and Sig. Used by the publisher tool and tests.
func (e *Event) Sign(keys *Keys) error {
	e.PubKey = keys.PublicKeyHex()

	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id

	idBytes, _ := hex.DecodeString(id)
	sig, err := schnorr.Sign(keys.priv, idBytes)
	if err != nil {
		return errors.WrapInvalid(err, "Event", "Sign", "schnorr sign")
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Filter selects events in REQ subscriptions and catch-up fetches.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// shortID truncates an event ID for log output.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
