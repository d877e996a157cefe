package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/vaultsync/internal/envelope"
	"github.com/roach88/vaultsync/internal/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failure (sync aborted, record not found, envelope rejected)
	ExitCommandError = 2 // Command error (bad flags, unreadable config, store cannot be opened)
)

// Error codes for JSON error responses.
const (
	ErrCodeGeneric      = "E001" // Generic/unknown error
	ErrCodeConfig       = "E002" // Config file unreadable or invalid
	ErrCodeStore        = "E003" // Store open/key failure
	ErrCodeNotFound     = "E004" // Record id not found
	ErrCodeSyncFailed   = "E005" // Sync aborted
	ErrCodeInvalidInput = "E006" // Bad flag value or input document

	ErrCodeMalformedEnvelope    = "E101" // Envelope fields are not valid base64 or have bad lengths
	ErrCodeDecryptionFailed     = "E102" // Envelope authentication failed
	ErrCodeInvalidPayloadFormat = "E103" // Envelope plaintext is not a record document
)

// ExitError carries the process exit code for a failed command.
// Its message is already prefixed with the JSON error code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Errors that are not ExitErrors map to ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// errorCode picks the JSON error code for err. Codec failures and store
// sentinels get their own codes wherever they occur; anything else gets
// fallback.
func errorCode(err error, fallback string) string {
	switch {
	case err == nil:
		return fallback
	case envelope.IsMalformedEnvelope(err):
		return ErrCodeMalformedEnvelope
	case envelope.IsDecryptionFailed(err):
		return ErrCodeDecryptionFailed
	case envelope.IsInvalidPayloadFormat(err):
		return ErrCodeInvalidPayloadFormat
	case errors.Is(err, store.ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, store.ErrSealBroken):
		return ErrCodeStore
	default:
		return fallback
	}
}

// OutputFormatter writes command results as text or as one JSON document.
// In JSON mode Writer receives exactly one CLIResponse per command, so
// diagnostics go to ErrWriter.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the JSON document written for every command.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError describes a failed command.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (f *OutputFormatter) isJSON() bool {
	return f.Format == "json"
}

func (f *OutputFormatter) diag() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// Success writes data as an "ok" response. Text mode prints data with %v;
// commands with a richer text form print it themselves.
func (f *OutputFormatter) Success(data any) error {
	if !f.isJSON() {
		_, err := fmt.Fprintln(f.Writer, data)
		return err
	}
	return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
}

// Fail reports a failed command and returns the ExitError to hand back to
// cobra. The JSON code is derived from err when it is a codec or store
// failure, and is code otherwise. In text mode the cause is printed only
// with --verbose.
func (f *OutputFormatter) Fail(exitCode int, code, message string, err error) error {
	code = errorCode(err, code)

	var details any
	if err != nil {
		details = err.Error()
	}

	if f.isJSON() {
		_ = json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	} else {
		fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
		if f.Verbose && details != nil {
			fmt.Fprintf(f.diag(), "  cause: %v\n", details)
		}
	}
	return WrapExitError(exitCode, code+": "+message, err)
}

// VerboseLog writes a diagnostic line with --verbose. It never touches the
// JSON stream unless no ErrWriter is set.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.diag(), format+"\n", args...)
}
