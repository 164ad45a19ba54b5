package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/PageGo/internal/debug"
	"github.com/cjeanneret/PageGo/internal/session"
	"github.com/cjeanneret/PageGo/internal/storage"
	"github.com/cjeanneret/PageGo/internal/telemetry"
)

// shotPlan parameterizes a headless capture run.
type shotPlan struct {
	Shots    int
	Interval time.Duration // pause between shots
	Retries  int           // retries per failed operation
}

func newCaptureCmd(opts *globalOptions) *cobra.Command {
	plan := shotPlan{}
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Run a headless capture session",
		Long: `Mount a capture session without the web UI, take a number of shots
and record the session in the workflow history.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if plan.Shots <= 0 {
				return fmt.Errorf("--shots must be positive, got %d", plan.Shots)
			}
			if plan.Retries < 0 || plan.Interval < 0 {
				return fmt.Errorf("--retries and --interval must not be negative")
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			shutdown, err := telemetry.Setup(ctx, "pagego", version)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer flushTraces(shutdown)

			st, err := openStation(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			debug.Section("Capture session")
			sum, runErr := runShots(ctx, st.workflow, sessionOptions(cfg), plan, cmd.OutOrStdout())
			rec := storage.SessionRecord{
				StartedAt:    sum.StartedAt,
				FinishedAt:   time.Now(),
				InitialPages: sum.InitialPages,
				FinalPages:   sum.FinalPages,
				PagesPerHour: sum.PagesPerHour,
			}
			if err := st.workflow.RecordSession(context.Background(), rec); err != nil {
				debug.Error(fmt.Errorf("record session: %w", err))
			}
			debug.Summary(fmt.Sprintf("%d new pages, %d pages/hour", sum.FinalPages-sum.InitialPages, sum.PagesPerHour))
			return runErr
		},
	}
	cmd.Flags().IntVar(&plan.Shots, "shots", 1, "number of shots to take")
	cmd.Flags().DurationVar(&plan.Interval, "interval", 0, "pause between shots (e.g. 2s)")
	cmd.Flags().IntVar(&plan.Retries, "retries", 0, "retries for a failed prepare or capture")
	return cmd
}

// runShots mounts a session on wf, takes plan.Shots shots and unmounts. It
// returns the session summary even when a shot fails.
func runShots(ctx context.Context, wf session.Workflow, opts session.Options, plan shotPlan, out io.Writer) (session.Summary, error) {
	changed := make(chan struct{}, 1)
	c := session.Mount(wf, opts)
	stop := c.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer func() {
		stop()
		c.Unmount()
	}()

	retries := plan.Retries
	settle := func() error {
		for {
			err := awaitSettled(ctx, c, changed)
			if err == nil || retries == 0 || ctx.Err() != nil {
				return err
			}
			retries--
			debug.Error(err)
			if err := c.Retry(); err != nil {
				return err
			}
		}
	}

	if err := settle(); err != nil {
		return c.Summary(), err
	}
	for i := 1; i <= plan.Shots; i++ {
		if err := c.Capture(); err != nil {
			return c.Summary(), err
		}
		if err := settle(); err != nil {
			return c.Summary(), fmt.Errorf("shot %d: %w", i, err)
		}
		v := c.Render()
		fmt.Fprintf(out, "shot %d/%d: %s", i, plan.Shots, v.PageCountLabel)
		if v.ThroughputLabel != "" {
			fmt.Fprintf(out, ", %s", v.ThroughputLabel)
		}
		fmt.Fprintln(out)

		if i < plan.Shots && plan.Interval > 0 {
			select {
			case <-time.After(plan.Interval):
			case <-ctx.Done():
				return c.Summary(), ctx.Err()
			}
		}
	}
	return c.Summary(), nil
}

// awaitSettled blocks until c is idle (nil) or failed (its error).
func awaitSettled(ctx context.Context, c *session.Controller, changed <-chan struct{}) error {
	for {
		switch c.State() {
		case session.Idle:
			return nil
		case session.Error:
			return c.Err()
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
