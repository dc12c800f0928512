package nostr

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toBech32(t *testing.T, hrp string, raw []byte) string {
	t.Helper()
	data5, err := bech32.ConvertBits(raw, 8, 5, true)
	require.NoError(t, err)
	encoded, err := bech32.Encode(hrp, data5)
	require.NoError(t, err)
	return encoded
}

func TestParseKeys_HexAndBech32Agree(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	raw := priv.Serialize()

	fromHex, err := ParseKeys(hex.EncodeToString(raw))
	require.NoError(t, err)

	fromNsec, err := ParseKeys(toBech32(t, "nsec", raw))
	require.NoError(t, err)

	assert.Equal(t, fromHex.PublicKeyHex(), fromNsec.PublicKeyHex())
	assert.Len(t, fromHex.PublicKeyHex(), 64)
}

func TestParseKeys_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not hex", "zzzz"},
		{"short hex", "abcd"},
		{"wrong bech32 prefix", toBech32(t, "npub", make([]byte, 32))},
		{"corrupt bech32", "nsec1qqqqqqqq"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKeys(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestParsePublicKey(t *testing.T) {
	keys := genKeys(t)
	pubHex := keys.PublicKeyHex()
	raw, err := hex.DecodeString(pubHex)
	require.NoError(t, err)

	got, err := ParsePublicKey(pubHex)
	require.NoError(t, err)
	assert.Equal(t, pubHex, got)

	got, err = ParsePublicKey(toBech32(t, "npub", raw))
	require.NoError(t, err)
	assert.Equal(t, pubHex, got)

	_, err = ParsePublicKey("nsec1somethingelse")
	assert.Error(t, err)
}
