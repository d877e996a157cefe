package cli

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vaultsync/internal/envelope"
	"github.com/roach88/vaultsync/internal/record"
	"github.com/roach88/vaultsync/internal/store"
)

// codecErrors produces one real error of each envelope failure kind.
func codecErrors(t *testing.T) (malformed, decryption, payload error) {
	t.Helper()

	_, malformed = envelope.Decode(envelope.Envelope{CipherPayload: "!!", Nonce: "x", Tag: "y"}, envelope.Schema{})
	require.True(t, envelope.IsMalformedEnvelope(malformed))

	env, err := envelope.Encode([]record.Record{{"id": "u1"}}, []byte("key"))
	require.NoError(t, err)

	forged := env
	forged.Tag = base64.StdEncoding.EncodeToString(make([]byte, envelope.TagSize))
	_, decryption = envelope.Decode(forged, envelope.Schema{})
	require.True(t, envelope.IsDecryptionFailed(decryption))

	_, payload = envelope.Decode(env, envelope.Schema{Required: []string{"email"}})
	require.True(t, envelope.IsInvalidPayloadFormat(payload))
	return malformed, decryption, payload
}

func TestErrorCode(t *testing.T) {
	malformed, decryption, payload := codecErrors(t)

	tests := []struct {
		name     string
		err      error
		fallback string
		want     string
	}{
		{"nil keeps fallback", nil, ErrCodeSyncFailed, ErrCodeSyncFailed},
		{"plain error keeps fallback", errors.New("boom"), ErrCodeSyncFailed, ErrCodeSyncFailed},
		{"malformed envelope", malformed, ErrCodeSyncFailed, ErrCodeMalformedEnvelope},
		{"decryption failed", decryption, ErrCodeSyncFailed, ErrCodeDecryptionFailed},
		{"invalid payload", payload, ErrCodeSyncFailed, ErrCodeInvalidPayloadFormat},
		{"codec error wrapped by the paginator", fmt.Errorf("fetch pages: %w", fmt.Errorf("resolve page 2: %w", decryption)), ErrCodeSyncFailed, ErrCodeDecryptionFailed},
		{"not found", fmt.Errorf("get: %w", store.ErrNotFound), ErrCodeGeneric, ErrCodeNotFound},
		{"seal broken", fmt.Errorf("open record: %w", store.ErrSealBroken), ErrCodeGeneric, ErrCodeStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorCode(tt.err, tt.fallback))
		})
	}
}

func TestFail_JSON(t *testing.T) {
	_, decryption, _ := codecErrors(t)
	cause := fmt.Errorf("resolve page 2: %w", decryption)

	out := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out}

	err := f.Fail(ExitFailure, ErrCodeSyncFailed, "sync run-0001 failed", cause)

	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.ErrorIs(t, err, decryption)
	assert.Contains(t, err.Error(), ErrCodeDecryptionFailed+": sync run-0001 failed")

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Nil(t, resp.Data)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeDecryptionFailed, resp.Error.Code)
	assert.Equal(t, "sync run-0001 failed", resp.Error.Message)
	assert.Equal(t, cause.Error(), resp.Error.Details)
}

func TestFail_KeepsCommandErrorExitCode(t *testing.T) {
	out := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out}

	err := f.Fail(ExitCommandError, ErrCodeConfig, "invalid config", errors.New("sync.max_pages: must be >= 1"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("run: %w", err)))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, ErrCodeConfig, resp.Error.Code)
}

func TestFail_TextCauseOnlyWhenVerbose(t *testing.T) {
	cause := fmt.Errorf("get: %w", store.ErrNotFound)

	for _, verbose := range []bool{false, true} {
		t.Run(fmt.Sprintf("verbose=%v", verbose), func(t *testing.T) {
			out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
			f := &OutputFormatter{Format: "text", Writer: out, ErrWriter: errOut, Verbose: verbose}

			err := f.Fail(ExitFailure, ErrCodeGeneric, `failed to get record "u9"`, cause)
			assert.Equal(t, ExitFailure, GetExitCode(err))
			assert.Equal(t, "Error [E004]: failed to get record \"u9\"\n", out.String())

			if verbose {
				assert.Contains(t, errOut.String(), "record not found")
			} else {
				assert.Empty(t, errOut.String())
			}
		})
	}
}

func TestFail_NilCauseHasNoDetails(t *testing.T) {
	out := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out}

	err := f.Fail(ExitFailure, ErrCodeMalformedEnvelope, "input is not an envelope", nil)
	assert.Equal(t, "E101: input is not an envelope", err.Error())
	assert.NotContains(t, out.String(), "details")
}

func TestSuccess_JSONIsOneDocument(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut, Verbose: true}

	f.VerboseLog("opened %d record(s)", 2)
	require.NoError(t, f.Success(SyncSummary{RunID: "run-0001", Records: 2, Pages: 1}))

	dec := json.NewDecoder(out)
	var resp jsonResponse
	require.NoError(t, dec.Decode(&resp))
	assert.False(t, dec.More())
	assert.Equal(t, "ok", resp.Status)

	var summary SyncSummary
	require.NoError(t, json.Unmarshal(resp.Data, &summary))
	assert.Equal(t, "run-0001", summary.RunID)
	assert.Equal(t, "opened 2 record(s)\n", errOut.String())
}

func TestVerboseLog_FallsBackToWriter(t *testing.T) {
	out := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: out}

	f.VerboseLog("quiet")
	assert.Empty(t, out.String())

	f.Verbose = true
	f.VerboseLog("sealed %d record(s)", 3)
	assert.Equal(t, "sealed 3 record(s)\n", out.String())
}
