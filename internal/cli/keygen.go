package cli

import (
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/vaultsync/internal/config"
	"github.com/roach88/vaultsync/internal/store"
)

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh store master key",
		Long: `Print a random 32-byte store master key, base64 encoded.

Export it before using any command that opens the store:
  export VAULTSYNC_STORE_KEY=$(vaultsync keygen)

A database opened with one key cannot be read with another.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)

			key := make([]byte, store.KeySize)
			if _, err := rand.Read(key); err != nil {
				return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to generate key", err)
			}
			encoded := config.EncodeKey(key)

			if formatter.Format == "json" {
				return formatter.Success(map[string]string{"key": encoded, "env": config.DefaultKeyEnv})
			}
			fmt.Fprintln(formatter.Writer, encoded)
			return nil
		},
	}
}
