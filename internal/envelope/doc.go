// Package envelope implements the authenticated-encryption envelope used by
// the remote API.
//
// An envelope travels as a JSON object of three base64 strings:
//
//	d: key seed (16 bytes) || AES-GCM ciphertext
//	n: 12-byte nonce
//	t: 16-byte authentication tag
//
// The decryption key is the first 16 bytes of d. This is a fixed wire contract
// shared with the remote service and must not change: any other key handling
// breaks interoperability.
//
// Older responses name the nonce field i (or t, with the tag in n). FromWire
// maps every alias onto the canonical Envelope before the codec sees it.
package envelope
