package cli

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/vaultsync/internal/envelope"
	"github.com/roach88/vaultsync/internal/record"
)

// EnvelopeOptions holds flags for the seal and open commands.
type EnvelopeOptions struct {
	*RootOptions
	Key    string // base64 key material (seal only)
	Input  string // input file, "-" or empty for stdin
	Schema []string
}

// NewSealCommand creates the seal command.
func NewSealCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnvelopeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal a records JSON document into a wire envelope",
		Long: `Read a JSON array of records (or one record) and print the sealed
envelope {"d", "n", "t"} that a source would serve.

The key is base64 key material, truncated or zero-padded to 16 bytes. It
travels inside the d field, so anyone holding the envelope can open it.

Examples:
  vaultsync seal --key MDEyMzQ1Njc4OWFiY2RlZg== --in users.json
  echo '[{"id":"u1"}]' | vaultsync seal --key MDEyMzQ1Njc4OWFiY2RlZg==`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeal(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "base64 key material (required)")
	_ = cmd.MarkFlagRequired("key")
	cmd.Flags().StringVar(&opts.Input, "in", "", "input file (default: stdin)")

	return cmd
}

// NewOpenCommand creates the open command.
func NewOpenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnvelopeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a wire envelope and print its records",
		Long: `Read an envelope JSON object and print the records it carries.
Any nonce/tag alias form is accepted: {d, n, t}, {d, i, t} or {d, i, n}.

Examples:
  vaultsync open --in page.json
  vaultsync open --require id,email < page.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpen(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Input, "in", "", "input file (default: stdin)")
	cmd.Flags().StringSliceVar(&opts.Schema, "require", nil, "fields every record must carry")

	return cmd
}

func runSeal(opts *EnvelopeOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	key, err := base64.StdEncoding.DecodeString(opts.Key)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "--key is not base64", err)
	}

	data, err := readInput(opts.Input, cmd)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "failed to read input", err)
	}
	records, err := record.DecodeJSON(data)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "input is not a records document", err)
	}

	env, err := envelope.Encode(records, key)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to seal records", err)
	}
	formatter.VerboseLog("sealed %d record(s)", len(records))

	if formatter.Format == "json" {
		return formatter.Success(env.Wire())
	}
	wire, err := record.MarshalCanonical(map[string]any{"d": env.CipherPayload, "n": env.Nonce, "t": env.Tag})
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to render envelope", err)
	}
	fmt.Fprintln(formatter.Writer, string(wire))
	return nil
}

func runOpen(opts *EnvelopeOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	data, err := readInput(opts.Input, cmd)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "failed to read input", err)
	}

	env, ok := envelope.ParseWire(data)
	if !ok {
		return formatter.Fail(ExitFailure, ErrCodeMalformedEnvelope, "input is not an envelope (need d plus a nonce and a tag field)", nil)
	}

	records, err := envelope.Decode(env, envelope.Schema{Required: opts.Schema})
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to open envelope", err)
	}
	formatter.VerboseLog("opened %d record(s)", len(records))

	if formatter.Format == "json" {
		return formatter.Success(records)
	}
	out, err := record.Marshal(records)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to render records", err)
	}
	fmt.Fprintln(formatter.Writer, string(out))
	return nil
}

func readInput(path string, cmd *cobra.Command) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
