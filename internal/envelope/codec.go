package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/roach88/vaultsync/internal/record"
)

// Sizes fixed by the wire contract.
const (
	KeySeedSize = 16 // prefix of the decoded d field, reused as the AES key
	NonceSize   = 12
	TagSize     = 16
)

// Schema is the record schema hint passed to Decode.
// Required names fields every decoded record must carry.
type Schema struct {
	Required []string
}

// Decode opens an envelope and parses its plaintext into records.
//
// Errors:
//   - MALFORMED_ENVELOPE: a field is not base64, d is shorter than the key
//     seed, or the nonce/tag lengths are wrong
//   - DECRYPTION_FAILED: authentication failed; no plaintext is returned
//   - INVALID_PAYLOAD_FORMAT: plaintext is not UTF-8 JSON records, or a record
//     misses a field named in schema.Required
//
// Empty plaintext decodes to an empty record set.
func Decode(env Envelope, schema Schema) ([]record.Record, error) {
	payload, err := decodeBase64(env.CipherPayload)
	if err != nil {
		return nil, newError(CodeMalformedEnvelope, err, "cipher payload is not base64")
	}
	nonce, err := decodeBase64(env.Nonce)
	if err != nil {
		return nil, newError(CodeMalformedEnvelope, err, "nonce is not base64")
	}
	tag, err := decodeBase64(env.Tag)
	if err != nil {
		return nil, newError(CodeMalformedEnvelope, err, "tag is not base64")
	}

	if len(payload) < KeySeedSize {
		return nil, newError(CodeMalformedEnvelope, nil, "cipher payload is %d bytes, minimum is %d", len(payload), KeySeedSize)
	}
	if len(nonce) != NonceSize {
		return nil, newError(CodeMalformedEnvelope, nil, "nonce is %d bytes, expected %d", len(nonce), NonceSize)
	}
	if len(tag) != TagSize {
		return nil, newError(CodeMalformedEnvelope, nil, "tag is %d bytes, expected %d", len(tag), TagSize)
	}

	plaintext, err := open(payload[:KeySeedSize], nonce, payload[KeySeedSize:], tag)
	if err != nil {
		return nil, err
	}

	return parsePlaintext(plaintext, schema)
}

// open authenticates and decrypts ciphertext||tag under key.
func open(key, nonce, ciphertext, tag []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, newError(CodeMalformedEnvelope, err, "creating AES-GCM cipher")
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, newError(CodeDecryptionFailed, err, "authentication tag mismatch")
	}
	return plaintext, nil
}

func parsePlaintext(plaintext []byte, schema Schema) ([]record.Record, error) {
	if len(bytes.TrimSpace(plaintext)) == 0 {
		return []record.Record{}, nil
	}
	if !utf8.Valid(plaintext) {
		return nil, newError(CodeInvalidPayloadFormat, nil, "plaintext is not UTF-8")
	}

	records, err := record.DecodeJSON(plaintext)
	if err != nil {
		return nil, newError(CodeInvalidPayloadFormat, err, "plaintext is not a record document")
	}

	for i, rec := range records {
		for _, field := range schema.Required {
			if _, ok := rec[field]; !ok {
				return nil, newError(CodeInvalidPayloadFormat, nil, "record %d is missing required field %q", i, field)
			}
		}
	}
	return records, nil
}

// Encode seals records into an envelope using crypto/rand for the nonce.
// The key is keyMaterial truncated or zero-padded to KeySeedSize bytes and is
// carried as the prefix of the d field, so Decode opens the result.
func Encode(records []record.Record, keyMaterial []byte) (Envelope, error) {
	return EncodeWith(rand.Reader, records, keyMaterial)
}

// EncodeWith is Encode with an explicit entropy source.
func EncodeWith(entropy io.Reader, records []record.Record, keyMaterial []byte) (Envelope, error) {
	if records == nil {
		records = []record.Record{}
	}
	plaintext, err := json.Marshal(records)
	if err != nil {
		return Envelope{}, newError(CodeInvalidPayloadFormat, err, "serializing records")
	}
	return seal(entropy, plaintext, deriveKey(keyMaterial))
}

func seal(entropy io.Reader, plaintext, key []byte) (Envelope, error) {
	aead, err := newGCM(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("creating AES-GCM cipher: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(entropy, nonce); err != nil {
		return Envelope{}, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - TagSize
	ciphertext, tag := sealed[:split], sealed[split:]

	payload := make([]byte, 0, KeySeedSize+len(ciphertext))
	payload = append(payload, key...)
	payload = append(payload, ciphertext...)

	return Envelope{
		CipherPayload: base64.StdEncoding.EncodeToString(payload),
		Nonce:         base64.StdEncoding.EncodeToString(nonce),
		Tag:           base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// deriveKey truncates or zero-pads key material to KeySeedSize bytes.
func deriveKey(keyMaterial []byte) []byte {
	key := make([]byte, KeySeedSize)
	copy(key, keyMaterial)
	return key
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithTagSize(block, TagSize)
}

// decodeBase64 accepts padded and unpadded standard base64.
func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
