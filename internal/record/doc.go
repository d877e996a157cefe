// Package record defines the opaque application entity that flows through
// vaultsync, plus the deterministic serialization used to seal, digest and
// compare records.
//
// A Record is a JSON object whose schema belongs to the caller. Numbers are
// kept as json.Number from the moment they are decoded so that their textual
// form survives a round trip through the encrypted store unchanged.
//
// # Canonical JSON
//
// MarshalCanonical follows RFC 8785 ordering rules:
//   - Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//   - No HTML escaping
//   - Strings NFC normalized at the serialization boundary
//
// Unlike strict RFC 8785, null and non-integer numbers are accepted because
// remote records routinely carry both.
package record
