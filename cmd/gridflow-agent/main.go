package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/gridflow/internal/agent"
	"github.com/3cpo-dev/gridflow/internal/telemetry"
)

var version = "0.3.0"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gridflow-agent",
		Short:         "Run submitted job scripts on this machine",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			workDir, _ := cmd.Flags().GetString("workdir")
			metrics, _ := cmd.Flags().GetBool("metrics")
			levelStr, _ := cmd.Flags().GetString("log")
			if level, err := zerolog.ParseLevel(levelStr); err == nil && levelStr != "" {
				zerolog.SetGlobalLevel(level)
			}
			return serve(cmd.Context(), addr, workDir, metrics)
		},
	}
	cmd.Flags().String("addr", ":8088", "listen address")
	cmd.Flags().String("workdir", filepath.Join(os.TempDir(), "gridflow-agent"), "directory for job scripts and output")
	cmd.Flags().Bool("metrics", false, "record and flush request metrics")
	cmd.Flags().StringP("log", "l", "info", "log level")
	return cmd
}

// serve runs until ctx is cancelled. The token is read from
// GRIDFLOW_AGENT_TOKEN so it never shows up in a process listing.
func serve(ctx context.Context, addr, workDir string, metrics bool) error {
	telemetry.InitGlobal(metrics)
	defer func() { _ = telemetry.Shutdown() }()

	srv := &agent.Server{
		Version: version,
		Token:   os.Getenv("GRIDFLOW_AGENT_TOKEN"),
		WorkDir: workDir,
	}
	tlsCfg := agent.LoadMTLSConfig()

	errc := make(chan error, 1)
	go func() {
		if tlsCfg.Enabled() {
			errc <- srv.ListenAndServeTLS(addr, tlsCfg)
			return
		}
		log.Info().Str("addr", addr).Str("workdir", workDir).Msg("Starting agent")
		errc <- srv.ListenAndServe(addr)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("Agent shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	root := newRootCmd()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
