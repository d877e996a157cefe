package envelope

import (
	"encoding/json"
)

// Wire field names.
const (
	fieldData  = "d"
	fieldIV    = "i"
	fieldTag   = "t"
	fieldNonce = "n"
)

// Envelope is the three-field payload exchanged over the wire.
// All fields hold base64 text; Decode turns them into raw bytes.
type Envelope struct {
	CipherPayload string `json:"d"`
	Nonce         string `json:"n"`
	Tag           string `json:"t"`
}

// Wire returns the canonical JSON form {d, n, t}.
func (e Envelope) Wire() map[string]string {
	return map[string]string{
		fieldData:  e.CipherPayload,
		fieldNonce: e.Nonce,
		fieldTag:   e.Tag,
	}
}

// FromWire recognizes an envelope-shaped JSON object and normalizes its field
// aliases. It returns false when the object is plain record data: d must be a
// string and both a nonce carrier and a tag carrier must be present.
//
// Alias rules:
//   - i present: i is the nonce; the tag is t, or n when t is absent.
//   - only t and n: whichever decodes to NonceSize bytes is the nonce. When
//     that does not settle it, n is the nonce and t the tag.
func FromWire(fields map[string]json.RawMessage) (Envelope, bool) {
	data, ok := stringField(fields, fieldData)
	if !ok {
		return Envelope{}, false
	}
	iv, hasIV := stringField(fields, fieldIV)
	tag, hasTag := stringField(fields, fieldTag)
	nonce, hasNonce := stringField(fields, fieldNonce)

	switch {
	case hasIV && hasTag:
		return Envelope{CipherPayload: data, Nonce: iv, Tag: tag}, true
	case hasIV && hasNonce:
		return Envelope{CipherPayload: data, Nonce: iv, Tag: nonce}, true
	case hasTag && hasNonce:
		if decodedLen(tag) == NonceSize && decodedLen(nonce) != NonceSize {
			return Envelope{CipherPayload: data, Nonce: tag, Tag: nonce}, true
		}
		return Envelope{CipherPayload: data, Nonce: nonce, Tag: tag}, true
	default:
		return Envelope{}, false
	}
}

// ParseWire decodes a JSON document and normalizes it with FromWire.
// A document that is not a JSON object, or not envelope-shaped, returns false.
func ParseWire(data []byte) (Envelope, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, false
	}
	return FromWire(fields)
}

func stringField(fields map[string]json.RawMessage, name string) (string, bool) {
	raw, ok := fields[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// decodedLen returns the decoded byte length of a base64 field, or -1.
func decodedLen(s string) int {
	b, err := decodeBase64(s)
	if err != nil {
		return -1
	}
	return len(b)
}
