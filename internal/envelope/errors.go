package envelope

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes codec failures.
type ErrorCode string

const (
	// CodeMalformedEnvelope indicates invalid base64 or field lengths.
	CodeMalformedEnvelope ErrorCode = "MALFORMED_ENVELOPE"

	// CodeDecryptionFailed indicates the authentication tag did not verify.
	CodeDecryptionFailed ErrorCode = "DECRYPTION_FAILED"

	// CodeInvalidPayloadFormat indicates the plaintext is not the expected document.
	CodeInvalidPayloadFormat ErrorCode = "INVALID_PAYLOAD_FORMAT"
)

// Error is returned by Decode and Encode.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsMalformedEnvelope reports whether err is a MALFORMED_ENVELOPE codec error.
func IsMalformedEnvelope(err error) bool {
	return hasCode(err, CodeMalformedEnvelope)
}

// IsDecryptionFailed reports whether err is a DECRYPTION_FAILED codec error.
func IsDecryptionFailed(err error) bool {
	return hasCode(err, CodeDecryptionFailed)
}

// IsInvalidPayloadFormat reports whether err is an INVALID_PAYLOAD_FORMAT codec error.
func IsInvalidPayloadFormat(err error) bool {
	return hasCode(err, CodeInvalidPayloadFormat)
}

// IsCodecError reports whether err came from the codec at all.
func IsCodecError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
