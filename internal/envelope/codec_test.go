package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/roach88/vaultsync/internal/record"
)

var testKey = []byte("0123456789abcdef")

func mustRecords(t *testing.T, doc string) []record.Record {
	t.Helper()
	records, err := record.DecodeJSON([]byte(doc))
	require.NoError(t, err)
	return records
}

func canonical(t require.TestingT, records []record.Record) string {
	data, err := record.MarshalCanonical(records)
	require.NoError(t, err)
	return string(data)
}

// sealRaw builds an envelope around arbitrary plaintext with the wire layout.
func sealRaw(t *testing.T, plaintext []byte) Envelope {
	t.Helper()
	env, err := seal(bytes.NewReader(make([]byte, NonceSize)), plaintext, deriveKey(testKey))
	require.NoError(t, err)
	return env
}

func mutateBase64(t require.TestingT, s string, mutate func([]byte) []byte) string {
	b, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(mutate(b))
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	records := mustRecords(t, `[{"id":1,"email":"ada@example.com"},{"id":2,"tags":["a","b"],"score":9.5}]`)

	env, err := Encode(records, testKey)
	require.NoError(t, err)

	decoded, err := Decode(env, Schema{Required: []string{"id"}})
	require.NoError(t, err)
	assert.Equal(t, canonical(t, records), canonical(t, decoded))
}

func TestEncode_LayoutAndLengths(t *testing.T) {
	env, err := Encode(mustRecords(t, `[{"id":1}]`), testKey)
	require.NoError(t, err)

	payload, err := base64.StdEncoding.DecodeString(env.CipherPayload)
	require.NoError(t, err)
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	require.NoError(t, err)
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	require.NoError(t, err)

	assert.Equal(t, testKey, payload[:KeySeedSize], "key seed must prefix the payload")
	assert.Len(t, payload, KeySeedSize+len(`[{"id":1}]`))
	assert.Len(t, nonce, NonceSize)
	assert.Len(t, tag, TagSize)
}

func TestEncode_KeyMaterialPaddedAndTruncated(t *testing.T) {
	short, err := Encode(nil, []byte("abc"))
	require.NoError(t, err)
	payload, err := base64.StdEncoding.DecodeString(short.CipherPayload)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("abc"), make([]byte, 13)...), payload[:KeySeedSize])

	long, err := Encode(nil, []byte("0123456789abcdefEXTRA"))
	require.NoError(t, err)
	payload, err = base64.StdEncoding.DecodeString(long.CipherPayload)
	require.NoError(t, err)
	assert.Equal(t, testKey, payload[:KeySeedSize])
}

func TestEncode_FreshNoncePerCall(t *testing.T) {
	records := mustRecords(t, `[{"id":1}]`)
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		env, err := Encode(records, testKey)
		require.NoError(t, err)
		assert.False(t, seen[env.Nonce], "nonce reused on call %d", i)
		seen[env.Nonce] = true
	}
}

func TestEncodeWith_EntropyFailure(t *testing.T) {
	_, err := EncodeWith(bytes.NewReader([]byte{1, 2}), nil, testKey)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generating nonce")
}

func TestDecode_EmptyPlaintext(t *testing.T) {
	records, err := Decode(sealRaw(t, nil), Schema{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDecode_SingleObjectPlaintext(t *testing.T) {
	records, err := Decode(sealRaw(t, []byte(`{"id":"u1","name":"ada"}`)), Schema{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ada", records[0]["name"])
}

func TestDecode_Malformed(t *testing.T) {
	valid := sealRaw(t, []byte(`[]`))

	tests := []struct {
		name string
		env  Envelope
	}{
		{"payload not base64", Envelope{CipherPayload: "!!!", Nonce: valid.Nonce, Tag: valid.Tag}},
		{"nonce not base64", Envelope{CipherPayload: valid.CipherPayload, Nonce: "%%%", Tag: valid.Tag}},
		{"tag not base64", Envelope{CipherPayload: valid.CipherPayload, Nonce: valid.Nonce, Tag: "@@"}},
		{"payload too short", Envelope{
			CipherPayload: base64.StdEncoding.EncodeToString(make([]byte, KeySeedSize-1)),
			Nonce:         valid.Nonce,
			Tag:           valid.Tag,
		}},
		{"nonce wrong size", Envelope{
			CipherPayload: valid.CipherPayload,
			Nonce:         base64.StdEncoding.EncodeToString(make([]byte, 16)),
			Tag:           valid.Tag,
		}},
		{"tag wrong size", Envelope{
			CipherPayload: valid.CipherPayload,
			Nonce:         valid.Nonce,
			Tag:           base64.StdEncoding.EncodeToString(make([]byte, 12)),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := Decode(tt.env, Schema{})
			require.Error(t, err)
			assert.Nil(t, records)
			assert.True(t, IsMalformedEnvelope(err), "got %v", err)
		})
	}
}

func TestDecode_UnpaddedBase64Accepted(t *testing.T) {
	env := sealRaw(t, []byte(`[{"id":1}]`))
	env.CipherPayload = strings.TrimRight(env.CipherPayload, "=")
	env.Nonce = strings.TrimRight(env.Nonce, "=")
	env.Tag = strings.TrimRight(env.Tag, "=")

	records, err := Decode(env, Schema{})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestDecode_TamperedCiphertext(t *testing.T) {
	env := sealRaw(t, []byte(`[{"id":1}]`))
	env.CipherPayload = mutateBase64(t, env.CipherPayload, func(b []byte) []byte {
		b[len(b)-1] ^= 0x01
		return b
	})

	records, err := Decode(env, Schema{})
	require.Error(t, err)
	assert.Nil(t, records)
	assert.True(t, IsDecryptionFailed(err))
}

func TestDecode_WrongKeySeed(t *testing.T) {
	env := sealRaw(t, []byte(`[{"id":1}]`))
	env.CipherPayload = mutateBase64(t, env.CipherPayload, func(b []byte) []byte {
		b[0] ^= 0xff
		return b
	})

	_, err := Decode(env, Schema{})
	assert.True(t, IsDecryptionFailed(err))
}

func TestDecode_InvalidPayloadFormat(t *testing.T) {
	tests := []struct {
		name      string
		plaintext []byte
		schema    Schema
	}{
		{"not json", []byte("hello"), Schema{}},
		{"scalar json", []byte("42"), Schema{}},
		{"array of scalars", []byte(`[1,2,3]`), Schema{}},
		{"invalid utf8", []byte{'"', 0xff, 0xfe, '"'}, Schema{}},
		{"missing required field", []byte(`[{"id":1},{"name":"x"}]`), Schema{Required: []string{"id"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := Decode(sealRaw(t, tt.plaintext), tt.schema)
			require.Error(t, err)
			assert.Nil(t, records)
			assert.True(t, IsInvalidPayloadFormat(err), "got %v", err)
		})
	}
}

func TestError_Format(t *testing.T) {
	err := newError(CodeDecryptionFailed, fmt.Errorf("cipher: message authentication failed"), "authentication tag mismatch")
	assert.Equal(t, "DECRYPTION_FAILED: authentication tag mismatch: cipher: message authentication failed", err.Error())
	assert.True(t, IsCodecError(fmt.Errorf("sync: %w", err)))
	assert.False(t, IsCodecError(fmt.Errorf("plain")))
}

func genRecords(t *rapid.T) []record.Record {
	n := rapid.IntRange(0, 8).Draw(t, "count")
	records := make([]record.Record, n)
	for i := range records {
		records[i] = record.Record{
			"id":    json.Number(fmt.Sprint(rapid.IntRange(0, 1<<40).Draw(t, "id"))),
			"name":  rapid.String().Draw(t, "name"),
			"admin": rapid.Bool().Draw(t, "admin"),
		}
	}
	return records
}

func TestProperty_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		records := genRecords(t)
		key := rapid.SliceOfN(rapid.Byte(), 0, 40).Draw(t, "key")

		env, err := Encode(records, key)
		require.NoError(t, err)

		decoded, err := Decode(env, Schema{})
		require.NoError(t, err)
		require.Equal(t, canonical(t, records), canonical(t, decoded))
	})
}

func TestProperty_TamperedTagAlwaysFails(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		env, err := Encode(genRecords(t), testKey)
		require.NoError(t, err)

		idx := rapid.IntRange(0, TagSize-1).Draw(t, "index")
		flip := rapid.ByteRange(1, 255).Draw(t, "flip")
		env.Tag = mutateBase64(t, env.Tag, func(b []byte) []byte {
			b[idx] ^= flip
			return b
		})

		records, err := Decode(env, Schema{})
		require.Nil(t, records)
		require.True(t, IsDecryptionFailed(err), "got %v", err)
	})
}

func TestProperty_ShortPayloadIsMalformed(t *testing.T) {
	nonce := base64.StdEncoding.EncodeToString(make([]byte, NonceSize))
	tag := base64.StdEncoding.EncodeToString(make([]byte, TagSize))

	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 0, KeySeedSize-1).Draw(t, "payload")
		env := Envelope{
			CipherPayload: base64.StdEncoding.EncodeToString(payload),
			Nonce:         nonce,
			Tag:           tag,
		}

		_, err := Decode(env, Schema{})
		require.True(t, IsMalformedEnvelope(err), "got %v", err)
	})
}
