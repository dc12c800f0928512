package nostr

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/IanDowney11/NOSTR-HA-Bridge/errors"
)

// Keys holds the bridge's secp256k1 keypair.
type Keys struct {
	priv *btcec.PrivateKey
}

// ParseKeys parses a private key in hex or bech32 nsec form.
func ParseKeys(nsecOrHex string) (*Keys, error) {
	raw, err := decodeKey(nsecOrHex, "nsec")
	if err != nil {
		return nil, errors.WrapFatal(err, "Keys", "ParseKeys", "decode private key")
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return &Keys{priv: priv}, nil
}

// PublicKeyHex returns the x-only public key as 64 hex characters, the
// form events carry in their pubkey field.
func (k *Keys) PublicKeyHex() string {
	pub := k.priv.PubKey().SerializeCompressed()
	return hex.EncodeToString(pub[1:]) // drop the parity byte
}

// ParsePublicKey parses a public key in hex or bech32 npub form and
// returns the x-only hex representation.
func ParsePublicKey(npubOrHex string) (string, error) {
	raw, err := decodeKey(npubOrHex, "npub")
	if err != nil {
		return "", errors.WrapFatal(err, "Keys", "ParsePublicKey", "decode public key")
	}
	return hex.EncodeToString(raw), nil
}

// decodeKey accepts either 64 hex characters or a bech32 string with the
// expected human-readable prefix, returning the raw 32 bytes.
func decodeKey(s, hrp string) ([]byte, error) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, hrp+"1") {
		prefix, data5, err := bech32.DecodeNoLimit(s)
		if err != nil {
			return nil, fmt.Errorf("bech32 decode: %w", err)
		}
		if prefix != hrp {
			return nil, fmt.Errorf("unexpected bech32 prefix %q, want %q", prefix, hrp)
		}
		raw, err := bech32.ConvertBits(data5, 5, 8, false)
		if err != nil {
			return nil, fmt.Errorf("bech32 convert bits: %w", err)
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("key length %d, want 32", len(raw))
		}
		return raw, nil
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("hex decode: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("key length %d, want 32", len(raw))
	}
	return raw, nil
}
