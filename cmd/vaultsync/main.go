// Command vaultsync syncs paginated remote records into an encrypted local cache.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/vaultsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		// ExitErrors have already been rendered in the requested format.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
