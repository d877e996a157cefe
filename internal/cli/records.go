package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vaultsync/internal/record"
	"github.com/roach88/vaultsync/internal/redact"
	"github.com/roach88/vaultsync/internal/store"
)

// RecordOptions holds flags shared by the record commands.
type RecordOptions struct {
	*RootOptions
	Raw bool // show stored values without masking

	// update only
	Set  []string
	JSON string
}

// RecordView is a stored record as printed by list and get.
type RecordView struct {
	ID          string        `json:"id"`
	Sequence    int64         `json:"sequence"`
	LastUpdated time.Time     `json:"last_updated"`
	Record      record.Record `json:"record"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored records in sync order",
		Long: `List every record in the local collection, ordered by the position it
had in the last sync. Sensitive fields are masked unless --raw is given.

Examples:
  vaultsync list
  vaultsync list --raw --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "show unmasked values")

	return cmd
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "get <id>",
		Short:         "Show one stored record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "show unmasked values")

	return cmd
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Merge fields into a stored record",
		Long: `Merge fields into an existing record and refresh its last-updated time.
The id field cannot be changed. Values given with --set are parsed as JSON
when they are valid JSON and kept as strings otherwise.

Examples:
  vaultsync update u1 --set name=Ada --set age=36
  vaultsync update u1 --json '{"tags": ["admin"]}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Set, "set", nil, "field assignment key=value (repeatable)")
	cmd.Flags().StringVar(&opts.JSON, "json", "", "JSON object of fields to merge")

	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	return &cobra.Command{
		Use:           "delete <id>",
		Short:         "Delete a stored record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(opts, args[0], cmd)
		},
	}
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	return &cobra.Command{
		Use:           "clear",
		Short:         "Delete every stored record (sync history is kept)",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(opts, cmd)
		},
	}
}

func runList(opts *RecordOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	sess, err := openSession(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer sess.Close()

	stored, err := sess.coll.GetAll(commandContext(cmd))
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to read records", err)
	}

	views := make([]RecordView, len(stored))
	now := opts.now()
	for i, rec := range stored {
		views[i] = opts.view(rec, now)
	}

	if formatter.Format == "json" {
		return formatter.Success(views)
	}

	if len(views) == 0 {
		fmt.Fprintf(formatter.Writer, "No records in collection %q\n", sess.coll.Name())
		return nil
	}
	for _, v := range views {
		line, err := record.MarshalCanonical(v.Record)
		if err != nil {
			return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to render record", err)
		}
		fmt.Fprintf(formatter.Writer, "%4d  %-24s  %s\n", v.Sequence, v.ID, line)
	}
	formatter.VerboseLog("%d record(s) in %q", len(views), sess.coll.Name())
	return nil
}

func runGet(opts *RecordOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	sess, err := openSession(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer sess.Close()

	rec, err := sess.coll.GetByID(commandContext(cmd), id)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, fmt.Sprintf("failed to get record %q", id), err)
	}

	view := opts.view(rec, opts.now())
	if formatter.Format == "json" {
		return formatter.Success(view)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(view.Record); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to render record", err)
	}
	fmt.Fprintf(formatter.Writer, "id:           %s\n", view.ID)
	fmt.Fprintf(formatter.Writer, "sequence:     %d\n", view.Sequence)
	fmt.Fprintf(formatter.Writer, "last updated: %s\n", view.LastUpdated.Format(time.RFC3339))
	fmt.Fprint(formatter.Writer, buf.String())
	return nil
}

func runUpdate(opts *RecordOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	fields, err := parseFields(opts.Set, opts.JSON)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid fields", err)
	}

	sess, err := openSession(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.coll.Update(commandContext(cmd), id, fields); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, fmt.Sprintf("failed to update record %q", id), err)
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"id": id, "updated": len(fields)})
	}
	fmt.Fprintf(formatter.Writer, "✓ Updated %q (%d field(s))\n", id, len(fields))
	return nil
}

func runDelete(opts *RecordOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	sess, err := openSession(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.coll.Remove(commandContext(cmd), id); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, fmt.Sprintf("failed to delete record %q", id), err)
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"id": id, "deleted": true})
	}
	fmt.Fprintf(formatter.Writer, "✓ Deleted %q\n", id)
	return nil
}

func runClear(opts *RecordOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	sess, err := openSession(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx := commandContext(cmd)
	n, err := sess.coll.Count(ctx)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to count records", err)
	}
	if err := sess.coll.Clear(ctx); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to clear collection", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"collection": sess.coll.Name(), "deleted": n})
	}
	fmt.Fprintf(formatter.Writer, "✓ Cleared %d record(s) from %q\n", n, sess.coll.Name())
	return nil
}

// view builds the printed form of a stored record, masked unless --raw.
func (o *RecordOptions) view(rec store.StoredRecord, now time.Time) RecordView {
	r := rec.Record
	if !o.Raw {
		r = redact.Mask(r, now)
	}
	return RecordView{
		ID:          rec.ID,
		Sequence:    rec.Sequence,
		LastUpdated: rec.LastUpdated.UTC(),
		Record:      r,
	}
}

// parseFields merges --json and --set into one field set. --set wins.
func parseFields(assignments []string, rawJSON string) (record.Record, error) {
	fields := record.Record{}

	if rawJSON != "" {
		records, err := record.DecodeJSON([]byte(rawJSON))
		if err != nil {
			return nil, fmt.Errorf("--json: %w", err)
		}
		if len(records) != 1 {
			return nil, fmt.Errorf("--json: expected one object, got %d", len(records))
		}
		for k, v := range records[0] {
			fields[k] = v
		}
	}

	for _, a := range assignments {
		key, value, ok := strings.Cut(a, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--set %q: expected key=value", a)
		}
		fields[key] = parseValue(value)
	}

	if len(fields) == 0 {
		return nil, errors.New("nothing to update: use --set or --json")
	}
	return fields, nil
}

// parseValue reads a --set value as JSON when it is valid JSON, else as text.
func parseValue(s string) any {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return s
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return s
	}
	return v
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
