package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/PageGo/internal/config"
	"github.com/cjeanneret/PageGo/internal/storage"
	"github.com/cjeanneret/PageGo/internal/storage/sqlite"
)

// withWorkflowStore opens the store read side and resolves the configured
// workflow, without touching GPIO or devices.
func withWorkflowStore(ctx context.Context, cfg *config.Config, fn func(storage.Store, storage.Workflow) error) error {
	store, err := sqlite.Open(cfg.Workflow.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	wf, err := store.EnsureWorkflow(ctx, cfg.Workflow.Name)
	if err != nil {
		return err
	}
	return fn(store, wf)
}

func newSessionsCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List finished capture sessions of the workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return withWorkflowStore(cmd.Context(), cfg, func(store storage.Store, wf storage.Workflow) error {
				recs, err := store.ListSessions(cmd.Context(), wf.ID)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSONTo(cmd.OutOrStdout(), recs)
				}
				printSessions(cmd.OutOrStdout(), wf.Name, recs)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newImagesCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "images",
		Short: "List the pages of the workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return withWorkflowStore(cmd.Context(), cfg, func(store storage.Store, wf storage.Workflow) error {
				pages, err := store.ListPages(cmd.Context(), wf.ID)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSONTo(cmd.OutOrStdout(), pages)
				}
				printPages(cmd.OutOrStdout(), wf.Name, pages)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeJSONTo(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSessions(w io.Writer, workflow string, recs []storage.SessionRecord) {
	if len(recs) == 0 {
		fmt.Fprintf(w, "No sessions recorded for %q\n", workflow)
		return
	}
	fmt.Fprintf(w, "%-20s %10s %6s %10s\n", "STARTED", "DURATION", "PAGES", "PAGES/HOUR")
	for _, r := range recs {
		fmt.Fprintf(w, "%-20s %10s %6d %10d\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
			r.FinalPages-r.InitialPages,
			r.PagesPerHour,
		)
	}
}

func printPages(w io.Writer, workflow string, pages []storage.Page) {
	fmt.Fprintf(w, "%s: %d pages\n", workflow, len(pages))
	for _, p := range pages {
		fmt.Fprintf(w, "%4d  %-10s %s  %s\n", p.Seq, p.Device,
			p.CapturedAt.Local().Format("2006-01-02 15:04:05"), p.Path)
	}
}
