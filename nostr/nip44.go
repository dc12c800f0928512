package nostr

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/IanDowney11/NOSTR-HA-Bridge/errors"
)

const (
	nip44Version  = 2
	nip44MinPlain = 1
	nip44MaxPlain = 65535
	// version(1) + nonce(32) + smallest ciphertext(34) + mac(32)
	nip44MinPayload = 99
)

// Crypto performs NIP-44 v2 encryption and decryption between the
// bridge's key and the trusted publisher's key. The conversation key is
// derived once at construction; per-message keys are derived from it.
//
// Every decryption failure is reported as the same generic error: wrong
// key, corruption, and foreign ciphertext are indistinguishable by
// design, and the gateway treats them all as routine relay noise.
type Crypto struct {
	conversationKey []byte
	publisherPubKey string
}

// NewCrypto derives the shared conversation key for the given keypair
// and publisher public key (x-only hex).
func NewCrypto(keys *Keys, publisherPubHex string) (*Crypto, error) {
	pubBytes, err := hex.DecodeString(publisherPubHex)
	if err != nil || len(pubBytes) != 32 {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Crypto", "NewCrypto",
			"decode publisher public key")
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return nil, errors.WrapFatal(err, "Crypto", "NewCrypto", "parse publisher public key")
	}

	// ECDH x-coordinate, then HKDF-extract with the protocol salt
	sharedX := btcec.GenerateSharedSecret(keys.priv, pub)
	convKey := hkdf.Extract(sha256.New, sharedX, []byte("nip44-v2"))

	return &Crypto{
		conversationKey: convKey,
		publisherPubKey: publisherPubHex,
	}, nil
}

// PublisherPublicKey returns the trusted publisher's x-only hex key.
func (c *Crypto) PublisherPublicKey() string {
	return c.publisherPubKey
}

// chunkedEnvelope is the publisher's convention for records too large
// for a single NIP-44 payload: each chunk is independently encrypted.
type chunkedEnvelope struct {
	Chunks []string `json:"_chunks"`
}

// Decrypt opens encrypted event content. If the content is a chunked
// envelope, each chunk is decrypted and the plaintexts concatenated in
// array order; otherwise the whole body is decrypted in one shot.
func (c *Crypto) Decrypt(content string) (string, error) {
	if len(content) > 0 && content[0] == '{' {
		var wrapper chunkedEnvelope
		if err := json.Unmarshal([]byte(content), &wrapper); err == nil && len(wrapper.Chunks) > 0 {
			var out []byte
			for _, chunk := range wrapper.Chunks {
				part, err := c.decryptOne(chunk)
				if err != nil {
					return "", err
				}
				out = append(out, part...)
			}
			return string(out), nil
		}
		// Not a chunked envelope: fall through to single-shot decryption
	}

	plain, err := c.decryptOne(content)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Encrypt produces a NIP-44 v2 payload for plaintext. Used by the
// publisher tool and round-trip tests.
func (c *Crypto) Encrypt(plaintext string) (string, error) {
	if len(plaintext) < nip44MinPlain || len(plaintext) > nip44MaxPlain {
		return "", errors.WrapInvalid(errors.ErrInvalidEvent, "Crypto", "Encrypt",
			fmt.Sprintf("plaintext length %d out of range", len(plaintext)))
	}

	nonce := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.WrapTransient(err, "Crypto", "Encrypt", "generate nonce")
	}

	chachaKey, chachaNonce, hmacKey, err := c.messageKeys(nonce)
	if err != nil {
		return "", err
	}

	padded := pad([]byte(plaintext))
	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", errors.WrapInvalid(err, "Crypto", "Encrypt", "init cipher")
	}
	ciphertext := make([]byte, len(padded))
	cipher.XORKeyStream(ciphertext, padded)

	mac := hmacAAD(hmacKey, nonce, ciphertext)

	payload := make([]byte, 0, 1+len(nonce)+len(ciphertext)+len(mac))
	payload = append(payload, nip44Version)
	payload = append(payload, nonce...)
	payload = append(payload, ciphertext...)
	payload = append(payload, mac...)

	return base64.StdEncoding.EncodeToString(payload), nil
}

// decryptOne opens a single NIP-44 payload. All failure paths collapse
// into ErrDecryptionFailed so callers cannot distinguish causes.
func (c *Crypto) decryptOne(content string) ([]byte, error) {
	fail := func(action string) ([]byte, error) {
		return nil, errors.WrapInvalid(errors.ErrDecryptionFailed, "Crypto", "Decrypt", action)
	}

	if len(content) > 0 && content[0] == '#' {
		// '#' marks an unsupported encryption version
		return fail("check version")
	}

	payload, err := base64.StdEncoding.DecodeString(content)
	if err != nil || len(payload) < nip44MinPayload {
		return fail("decode payload")
	}
	if payload[0] != nip44Version {
		return fail("check version")
	}

	nonce := payload[1:33]
	ciphertext := payload[33 : len(payload)-32]
	mac := payload[len(payload)-32:]

	chachaKey, chachaNonce, hmacKey, err := c.messageKeys(nonce)
	if err != nil {
		return fail("derive message keys")
	}

	expected := hmacAAD(hmacKey, nonce, ciphertext)
	if !hmac.Equal(mac, expected) {
		return fail("verify mac")
	}

	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return fail("init cipher")
	}
	padded := make([]byte, len(ciphertext))
	cipher.XORKeyStream(padded, ciphertext)

	plainLen := int(binary.BigEndian.Uint16(padded[0:2]))
	if plainLen < nip44MinPlain || plainLen > nip44MaxPlain ||
		len(padded) != 2+calcPaddedLen(plainLen) {
		return fail("unpad plaintext")
	}

	return padded[2 : 2+plainLen], nil
}

// messageKeys expands the conversation key and nonce into the chacha
// key, chacha nonce, and hmac key for one message.
func (c *Crypto) messageKeys(nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	if len(nonce) != 32 {
		return nil, nil, nil, fmt.Errorf("nonce length %d, want 32", len(nonce))
	}

	expanded := make([]byte, 76)
	reader := hkdf.Expand(sha256.New, c.conversationKey, nonce)
	if _, err := io.ReadFull(reader, expanded); err != nil {
		return nil, nil, nil, err
	}
	return expanded[0:32], expanded[32:44], expanded[44:76], nil
}

// hmacAAD computes HMAC-SHA256 over nonce||ciphertext.
func hmacAAD(key, nonce, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(nonce)
	h.Write(ciphertext)
	return h.Sum(nil)
}

// pad prefixes plaintext with its big-endian uint16 length and pads the
// result to the NIP-44 padded length.
func pad(plaintext []byte) []byte {
	padded := make([]byte, 2+calcPaddedLen(len(plaintext)))
	binary.BigEndian.PutUint16(padded[0:2], uint16(len(plaintext)))
	copy(padded[2:], plaintext)
	return padded
}

// calcPaddedLen implements the NIP-44 padding schedule: 32-byte chunks
// up to 256 bytes, then chunks of next-power-of-two/8.
func calcPaddedLen(unpadded int) int {
	if unpadded <= 32 {
		return 32
	}
	nextPower := 1
	for nextPower < unpadded {
		nextPower <<= 1
	}
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((unpadded-1)/chunk + 1)
}
