package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vaultsync/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit int
}

// RunView is one sync run as printed by history.
type RunView struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Pages      int       `json:"pages"`
	Records    int       `json:"records"`
	Digest     string    `json:"digest,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past sync runs, newest first",
		Long: `Show the sync history of the collection. Failed runs keep the error
that aborted them; successful runs keep a digest of the stored records.

Examples:
  vaultsync history
  vaultsync history --limit 5 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum runs to show (0 for all)")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	sess, err := openSession(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer sess.Close()

	runs, err := sess.coll.Runs(commandContext(cmd), opts.Limit)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to read sync history", err)
	}

	views := make([]RunView, len(runs))
	for i, r := range runs {
		views[i] = RunView{
			ID:         r.ID,
			Status:     r.Status,
			Pages:      r.Pages,
			Records:    r.Records,
			Digest:     r.Digest,
			Error:      r.Error,
			StartedAt:  r.StartedAt.UTC(),
			FinishedAt: r.FinishedAt.UTC(),
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(views)
	}

	if len(views) == 0 {
		fmt.Fprintf(formatter.Writer, "No sync runs for collection %q\n", sess.coll.Name())
		return nil
	}
	for _, v := range views {
		mark := "✓"
		detail := fmt.Sprintf("%d record(s)", v.Records)
		if v.Status == store.RunFailed {
			mark = "✗"
			detail = v.Error
		}
		fmt.Fprintf(formatter.Writer, "%s %s  %s  %d page(s)  %s\n",
			mark, v.StartedAt.Format(time.RFC3339), v.ID, v.Pages, detail)
	}
	return nil
}
