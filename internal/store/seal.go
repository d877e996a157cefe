package store

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/roach88/vaultsync/internal/record"
)

// KeySize is the size in bytes of the store master key.
const KeySize = 32

// sealVersion is the first byte of every sealed payload. It is part of the
// AAD, so tampering with it fails authentication.
const sealVersion byte = 0x01

// sealOverhead is 1 (version) + 24 (XChaCha20 nonce) + 16 (Poly1305 tag).
const sealOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// HKDF info strings. Changing either invalidates every existing store.
var (
	hkdfInfoPayload = []byte("vaultsync.store.payload.v1")
	hkdfInfoDigest  = []byte("vaultsync.store.digest.v1")
)

var keyCheckPlaintext = []byte("vaultsync key check")

// ErrSealBroken is returned when a sealed payload fails to open: wrong key,
// tampered row, or a row moved to another id or collection.
var ErrSealBroken = errors.New("sealed payload failed authentication")

// sealer seals record payloads at rest.
// EncodeAll/DecodeAll on the zstd codecs are safe for concurrent use.
type sealer struct {
	aead      cipher.AEAD
	digestKey []byte
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	closeOnce sync.Once
}

func newSealer(masterKey []byte) (*sealer, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("store master key must be %d bytes, got %d", KeySize, len(masterKey))
	}

	payloadKey, err := deriveKey(masterKey, hkdfInfoPayload)
	if err != nil {
		return nil, err
	}
	digestKey, err := deriveKey(masterKey, hkdfInfoDigest)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(payloadKey)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &sealer{aead: aead, digestKey: digestKey, enc: enc, dec: dec}, nil
}

func deriveKey(masterKey, info []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, info), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// Close releases the zstd codecs. Idempotent.
func (s *sealer) Close() {
	s.closeOnce.Do(func() {
		s.enc.Close()
		s.dec.Close()
	})
}

// sealRecord serializes, compresses and seals a record bound to (collection, id).
// The sealed bytes are the record as given; only the digest is taken over
// the canonical form.
func (s *sealer) sealRecord(collection, id string, rec record.Record) (payload []byte, digest string, err error) {
	canonical, err := record.MarshalCanonical(rec)
	if err != nil {
		return nil, "", fmt.Errorf("marshal record %q: %w", id, err)
	}
	digest, err = s.digest(canonical)
	if err != nil {
		return nil, "", err
	}

	plaintext, err := record.Marshal(rec)
	if err != nil {
		return nil, "", fmt.Errorf("marshal record %q: %w", id, err)
	}

	payload, err = s.seal(s.enc.EncodeAll(plaintext, nil), buildAAD(collection, id))
	if err != nil {
		return nil, "", err
	}
	return payload, digest, nil
}

// openRecord reverses sealRecord.
func (s *sealer) openRecord(collection, id string, payload []byte) (record.Record, error) {
	compressed, err := s.open(payload, buildAAD(collection, id))
	if err != nil {
		return nil, fmt.Errorf("open record %q: %w", id, err)
	}

	plaintext, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress record %q: %w", id, err)
	}

	records, err := record.DecodeJSON(plaintext)
	if err != nil {
		return nil, fmt.Errorf("decode record %q: %w", id, err)
	}
	if len(records) != 1 {
		return nil, fmt.Errorf("decode record %q: expected one object, got %d", id, len(records))
	}
	return records[0], nil
}

func (s *sealer) sealKeyCheck() ([]byte, error) {
	return s.seal(keyCheckPlaintext, []byte("key_check"))
}

func (s *sealer) openKeyCheck(sealed []byte) error {
	_, err := s.open(sealed, []byte("key_check"))
	return err
}

// seal produces [version | nonce | ciphertext+tag].
func (s *sealer) seal(plaintext, identity []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), sealOverhead+len(plaintext))
	out[0] = sealVersion
	copy(out[1:], nonce[:])

	return s.aead.Seal(out, nonce[:], plaintext, versionedAAD(sealVersion, identity)), nil
}

func (s *sealer) open(sealed, identity []byte) ([]byte, error) {
	if len(sealed) < sealOverhead {
		return nil, fmt.Errorf("%w: payload is %d bytes, minimum is %d", ErrSealBroken, len(sealed), sealOverhead)
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("%w: unsupported seal version %d", ErrSealBroken, sealed[0])
	}

	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[1+chacha20poly1305.NonceSizeX:]

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, versionedAAD(sealed[0], identity))
	if err != nil {
		return nil, ErrSealBroken
	}
	return plaintext, nil
}

// digest returns the keyed BLAKE3 fingerprint of canonical record bytes.
func (s *sealer) digest(plaintext []byte) (string, error) {
	hasher, err := blake3.NewKeyed(s.digestKey)
	if err != nil {
		return "", fmt.Errorf("creating keyed BLAKE3 hasher: %w", err)
	}
	hasher.Write(plaintext)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// buildAAD binds a payload to its collection and id. The NUL separator
// keeps ("ab", "c") distinct from ("a", "bc").
func buildAAD(collection, id string) []byte {
	aad := make([]byte, 0, len(collection)+1+len(id))
	aad = append(aad, collection...)
	aad = append(aad, 0)
	aad = append(aad, id...)
	return aad
}

func versionedAAD(version byte, identity []byte) []byte {
	aad := make([]byte, 0, 1+len(identity))
	aad = append(aad, version)
	return append(aad, identity...)
}
