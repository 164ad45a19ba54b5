package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/PageGo/internal/debug"
	"github.com/cjeanneret/PageGo/internal/telemetry"
	"github.com/cjeanneret/PageGo/internal/web"
)

// traceFlushTimeout bounds the final span export.
const traceFlushTimeout = 5 * time.Second

// flushTraces exports pending spans on a fresh context, since the command
// context is already cancelled when a signal ends the command.
func flushTraces(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), traceFlushTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		debug.Error(fmt.Errorf("flush traces: %w", err))
	}
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		port  int
		mount bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the operator web UI",
		Long: `Serve the capture station web UI and HTTP API.

Debug output is mirrored to connected browsers over server-sent events.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				if port <= 0 || port > 65535 {
					return fmt.Errorf("port must be 1-65535, got %d", port)
				}
				cfg.Web.Port = port
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

			broadcaster := web.NewStatusBroadcaster()
			if debug.IsEnabled(debug.LevelInfo) {
				debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
				defer debug.SetOutput(os.Stdout)
			}

			srv, err := web.NewServer(fmt.Sprintf(":%d", cfg.Web.Port), broadcaster,
				st.workflow, sessionOptions(cfg), cfg.Web.ThumbWidth)
			if err != nil {
				return fmt.Errorf("init web server: %w", err)
			}
			if mount {
				if _, err := srv.Handlers().Mount(); err != nil {
					return err
				}
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "listen port, overrides web.port")
	cmd.Flags().BoolVar(&mount, "mount", false, "start a capture session immediately")
	return cmd
}
