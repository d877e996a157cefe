package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vaultsync/internal/source"
	"github.com/roach88/vaultsync/internal/syncer"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	BaseURL    string
	MaxPages   int
	MaxRecords int

	// RunIDs allows overriding the run id generator (for testing).
	// If nil, syncer defaults to UUIDv7.
	RunIDs func() string
}

// SyncSummary is the sync command's result.
type SyncSummary struct {
	RunID      string    `json:"run_id"`
	Collection string    `json:"collection"`
	Pages      int       `json:"pages"`
	Records    int       `json:"records"`
	Digest     string    `json:"digest"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Partial    bool      `json:"partial"` // a page fetch failed before the budgets or data ran out
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull every page from the source into the local store",
		Long: `Fetch pages 1, 2, ... from the configured source, open any sealed
envelope pages, and replace the local collection with the result.

Pagination stops at the first empty or short page, or when the page or
record budget is reached. A failed page fetch also ends pagination: the
records gathered so far are stored and the run is marked partial. A page
whose envelope cannot be opened aborts the sync and leaves the store
unchanged.

Examples:
  vaultsync sync --base-url https://api.example.com
  vaultsync sync --config vaultsync.yaml --max-pages 3 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "", "source base URL (overrides source.base_url)")
	cmd.Flags().IntVar(&opts.MaxPages, "max-pages", 0, "page budget (overrides sync.max_pages)")
	cmd.Flags().IntVar(&opts.MaxRecords, "max-records", 0, "record budget (overrides sync.max_records)")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := loadConfig(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	if opts.BaseURL != "" {
		cfg.Source.BaseURL = opts.BaseURL
	}
	if opts.MaxPages != 0 {
		cfg.Sync.MaxPages = opts.MaxPages
	}
	if opts.MaxRecords != 0 {
		cfg.Sync.MaxRecords = opts.MaxRecords
	}
	if err := cfg.Validate(); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid sync options", err)
	}

	client, err := source.NewClient(cfg.Source)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "invalid source", err)
	}

	sess, err := openSessionWith(cfg, opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer sess.Close()

	syncOpts := []syncer.Option{
		syncer.WithLimits(cfg.Limits()),
		syncer.WithSchema(cfg.Schema()),
		syncer.WithLogger(slog.Default()),
		syncer.WithClock(opts.now),
	}
	if opts.RunIDs != nil {
		syncOpts = append(syncOpts, syncer.WithRunIDs(opts.RunIDs))
	}
	s, err := syncer.New(client.FetchPage, sess.coll, syncOpts...)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid sync options", err)
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, cancelling sync", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("sync starting",
		"source", cfg.Source.BaseURL+cfg.Source.Path,
		"collection", cfg.Collection,
		"max_pages", cfg.Sync.MaxPages,
		"max_records", cfg.Sync.MaxRecords)

	_, syncErr := s.Sync(ctx)
	run := s.LastRun()
	summary := SyncSummary{
		RunID:      run.ID,
		Collection: run.Collection,
		Pages:      run.Pages,
		Records:    run.Records,
		Digest:     run.Digest,
		Status:     run.Status,
		StartedAt:  run.StartedAt.UTC(),
		FinishedAt: run.FinishedAt.UTC(),
		Partial:    s.State().FetchErr != nil,
	}

	if syncErr != nil {
		return formatter.Fail(ExitFailure, ErrCodeSyncFailed, fmt.Sprintf("sync %s failed", run.ID), syncErr)
	}

	if formatter.Format == "json" {
		return formatter.Success(summary)
	}

	fmt.Fprintf(formatter.Writer, "✓ Synced %d record(s) from %d page(s) into %q\n",
		summary.Records, summary.Pages, summary.Collection)
	if summary.Partial {
		fmt.Fprintf(formatter.Writer, "  ! page %d failed: %v (stored what was fetched)\n",
			s.State().Page, s.State().FetchErr)
	}
	fmt.Fprintf(formatter.Writer, "  run:    %s\n", summary.RunID)
	fmt.Fprintf(formatter.Writer, "  digest: %s\n", summary.Digest)
	return nil
}
