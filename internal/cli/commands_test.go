package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vaultsync/internal/config"
	"github.com/roach88/vaultsync/internal/envelope"
	"github.com/roach88/vaultsync/internal/record"
	"github.com/roach88/vaultsync/internal/store"
	"github.com/roach88/vaultsync/internal/testutil"
)

var envelopeKey = []byte("0123456789abcdef")

// fixturePages is what the test source serves: plain, sealed, then a short page.
var fixturePages = [][]record.Record{
	{
		{"id": "u1", "name": "Ada", "email": "ada@example.com"},
		{"id": "u2", "name": "Grace", "phone": "5551234567"},
	},
	{
		{"id": "u3", "name": "Alan", "ssn": "123-45-6789"},
		{"id": "u4", "name": "Edsger", "creditCard": "4111111111111111"},
	},
	{
		{"id": "u5", "name": "Barbara", "password": "hunter2"},
	},
}

// testSource serves fixturePages; sealed marks pages served as envelopes.
type testSource struct {
	t       *testing.T
	sealed  map[int]bool
	corrupt atomic.Bool // flip a tag byte on sealed pages
	hits    atomic.Int32
}

func (s *testSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		http.Error(w, "bad page", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if page > len(fixturePages) {
		_, _ = w.Write([]byte(`{"data":[]}`))
		return
	}

	records := fixturePages[page-1]
	if !s.sealed[page] {
		assert.NoError(s.t, json.NewEncoder(w).Encode(map[string]any{"data": records}))
		return
	}

	env, err := envelope.Encode(records, envelopeKey)
	if !assert.NoError(s.t, err) {
		return
	}
	tag := env.Tag
	if s.corrupt.Load() {
		raw, _ := base64.StdEncoding.DecodeString(tag)
		raw[0] ^= 0xff
		tag = base64.StdEncoding.EncodeToString(raw)
	}
	// IV-style aliases, the way login responses carry them.
	assert.NoError(s.t, json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{
		"d": env.CipherPayload,
		"i": env.Nonce,
		"t": tag,
	}}))
}

// cliEnv is a temp store, a config file pointing at a test source, and a key.
type cliEnv struct {
	t          *testing.T
	configPath string
	dbPath     string
	source     *testSource
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()

	src := &testSource{t: t, sealed: map[int]bool{2: true}}
	srv := httptest.NewServer(src)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "vaultsync.yaml")
	cfg := strings.Join([]string{
		"collection: users",
		"source:",
		"  base_url: " + srv.URL,
		"  path: /users",
		"  page_size: 2",
		"sync:",
		"  short_page_threshold: 2",
		"  required_fields: [id]",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o600))

	t.Setenv(config.DefaultKeyEnv, config.EncodeKey(bytes.Repeat([]byte{0x5a}, store.KeySize)))

	return &cliEnv{
		t:          t,
		configPath: configPath,
		dbPath:     filepath.Join(dir, "vaultsync.db"),
		source:     src,
	}
}

func (e *cliEnv) rootOpts(format string) *RootOptions {
	return &RootOptions{
		Format:     format,
		ConfigPath: e.configPath,
		Database:   e.dbPath,
		Now:        func() time.Time { return testutil.Epoch },
	}
}

// run executes cmd and returns its stdout.
func run(t *testing.T, cmd *cobra.Command, stdin string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	if args == nil {
		args = []string{} // nil makes cobra fall back to os.Args
	}
	cmd.SetArgs(args)
	cmd.SetContext(context.Background())
	err := cmd.Execute()
	return out.String(), err
}

// jsonResponse is CLIResponse with the payload left raw for typed decoding.
type jsonResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

func decodeResponse(t *testing.T, out string, data any) jsonResponse {
	t.Helper()
	var resp jsonResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	if data != nil && resp.Data != nil {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return resp
}

func (e *cliEnv) sync(format string) (string, error) {
	cmd := NewSyncCommand(e.rootOpts(format))
	return run(e.t, cmd, "")
}

func TestSync_EndToEnd(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.sync("json")
	require.NoError(t, err)

	var summary SyncSummary
	resp := decodeResponse(t, out, &summary)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "users", summary.Collection)
	assert.Equal(t, 5, summary.Records)
	assert.Equal(t, 3, summary.Pages)
	assert.Equal(t, store.RunOK, summary.Status)
	assert.False(t, summary.Partial)
	assert.Len(t, summary.Digest, 64)
	assert.EqualValues(t, 3, env.source.hits.Load(), "short page 3 ends pagination")

	out, err = run(t, NewListCommand(env.rootOpts("json")), "", "--raw")
	require.NoError(t, err)
	var views []RecordView
	decodeResponse(t, out, &views)
	require.Len(t, views, 5)
	for i, v := range views {
		assert.Equal(t, "u"+strconv.Itoa(i+1), v.ID)
		assert.EqualValues(t, i, v.Sequence)
	}
	assert.Equal(t, "123-45-6789", views[2].Record["ssn"], "sealed page stored in the clear (raw view)")
}

func TestSync_TextOutput(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.sync("text")
	require.NoError(t, err)
	assert.Contains(t, out, `Synced 5 record(s) from 3 page(s) into "users"`)
	assert.Contains(t, out, "digest:")
}

func TestSync_CorruptEnvelopeLeavesStoreUntouched(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.sync("json")
	require.NoError(t, err)

	env.source.corrupt.Store(true)
	out, err := env.sync("json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.True(t, envelope.IsDecryptionFailed(err))

	resp := decodeResponse(t, out, nil)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeDecryptionFailed, resp.Error.Code)

	out, err = run(t, NewListCommand(env.rootOpts("json")), "", "--raw")
	require.NoError(t, err)
	var views []RecordView
	decodeResponse(t, out, &views)
	assert.Len(t, views, 5, "previous sync survives")

	out, err = run(t, NewHistoryCommand(env.rootOpts("json")), "")
	require.NoError(t, err)
	var runs []RunView
	decodeResponse(t, out, &runs)
	require.Len(t, runs, 2)
	statuses := []string{runs[0].Status, runs[1].Status}
	assert.ElementsMatch(t, []string{store.RunOK, store.RunFailed}, statuses)
}

func TestList_MaskedGolden(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.sync("json")
	require.NoError(t, err)

	out, err := run(t, NewListCommand(env.rootOpts("text")), "")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "list_masked", []byte(out))
}

func TestList_Empty(t *testing.T) {
	env := newCLIEnv(t)

	out, err := run(t, NewListCommand(env.rootOpts("text")), "")
	require.NoError(t, err)
	assert.Contains(t, out, `No records in collection "users"`)
}

func TestGetUpdateDeleteClear(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.sync("json")
	require.NoError(t, err)

	out, err := run(t, NewUpdateCommand(env.rootOpts("text")), "", "u1", "--set", "name=Augusta", "--set", "age=36", "--json", `{"id":"evil","tags":["math"]}`)
	require.NoError(t, err)
	assert.Contains(t, out, `Updated "u1"`)

	out, err = run(t, NewGetCommand(env.rootOpts("json")), "", "u1", "--raw")
	require.NoError(t, err)
	var view RecordView
	decodeResponse(t, out, &view)
	assert.Equal(t, "u1", view.Record["id"])
	assert.Equal(t, "Augusta", view.Record["name"])
	assert.Equal(t, float64(36), view.Record["age"])
	assert.Equal(t, []any{"math"}, view.Record["tags"])

	out, err = run(t, NewGetCommand(env.rootOpts("text")), "", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "ad***a@example.com", "masked by default")
	assert.NotContains(t, out, "ada@example.com")

	_, err = run(t, NewDeleteCommand(env.rootOpts("text")), "", "u2")
	require.NoError(t, err)
	out, err = run(t, NewGetCommand(env.rootOpts("json")), "", "u2")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, ErrCodeNotFound, decodeResponse(t, out, nil).Error.Code)

	out, err = run(t, NewClearCommand(env.rootOpts("text")), "")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared 4 record(s)")
}

func TestUpdate_Errors(t *testing.T) {
	env := newCLIEnv(t)

	_, err := run(t, NewUpdateCommand(env.rootOpts("text")), "", "u1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err), "no fields given")

	_, err = run(t, NewUpdateCommand(env.rootOpts("text")), "", "u1", "--set", "novalue")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = run(t, NewUpdateCommand(env.rootOpts("text")), "", "ghost", "--set", "a=1")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSealOpenRoundTrip(t *testing.T) {
	opts := &RootOptions{Format: "text"}
	key := base64.StdEncoding.EncodeToString(envelopeKey)

	sealed, err := run(t, NewSealCommand(opts), `[{"id":"u1","n":1},{"id":"u2"}]`, "--key", key)
	require.NoError(t, err)
	wire, ok := envelope.ParseWire([]byte(sealed))
	require.True(t, ok, sealed)
	assert.NotEmpty(t, wire.Tag)

	opened, err := run(t, NewOpenCommand(opts), sealed, "--require", "id")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"u1","n":1},{"id":"u2"}]`+"\n", opened)

	_, err = run(t, NewOpenCommand(opts), sealed, "--require", "email")
	require.Error(t, err)
	assert.True(t, envelope.IsInvalidPayloadFormat(err))
}

func TestOpen_RejectsNonEnvelope(t *testing.T) {
	out, err := run(t, NewOpenCommand(&RootOptions{Format: "json"}), `{"data":[]}`)
	require.Error(t, err)
	assert.Equal(t, ErrCodeMalformedEnvelope, decodeResponse(t, out, nil).Error.Code)
}

func TestKeygen(t *testing.T) {
	out, err := run(t, NewKeygenCommand(&RootOptions{Format: "text"}), "")
	require.NoError(t, err)

	key, err := config.DecodeKey(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Len(t, key, store.KeySize)
}

func TestMissingMasterKey(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv(config.DefaultKeyEnv, "")

	out, err := run(t, NewListCommand(env.rootOpts("json")), "")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, config.ErrNoKey)
	assert.Equal(t, ErrCodeStore, decodeResponse(t, out, nil).Error.Code)
}

func TestWrongMasterKey(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.sync("json")
	require.NoError(t, err)

	t.Setenv(config.DefaultKeyEnv, config.EncodeKey(bytes.Repeat([]byte{0x01}, store.KeySize)))
	_, err = run(t, NewListCommand(env.rootOpts("text")), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrSealBroken)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidConfig(t *testing.T) {
	env := newCLIEnv(t)
	require.NoError(t, os.WriteFile(env.configPath, []byte("sync:\n  max_pages: 0\n"), 0o600))

	_, err := run(t, NewListCommand(env.rootOpts("text")), "")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, config.ErrInvalid)
}
