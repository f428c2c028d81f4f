package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/gridflow/internal/backend/agentclient"
	"github.com/3cpo-dev/gridflow/internal/bundle"
	"github.com/3cpo-dev/gridflow/internal/config"
	"github.com/3cpo-dev/gridflow/internal/pipeline"
	"github.com/3cpo-dev/gridflow/internal/retry"
	"github.com/3cpo-dev/gridflow/internal/scheduler"
	"github.com/3cpo-dev/gridflow/internal/storage"
	"github.com/3cpo-dev/gridflow/internal/telemetry"
)

// Load the configuration. Without --config, a missing default file means a
// purely local setup.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		if _, err := os.Stat(config.DefaultPath("config.yaml")); errors.Is(err, os.ErrNotExist) {
			log.Debug().Msg("No config file, using defaults")
			return config.Defaults(), nil
		}
	}
	return config.Load(path)
}

// Resolve config, environment and plan for a pipeline file
func resolvePlan(cmd *cobra.Command, file string) (*pipeline.Plan, *pipeline.Env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	telemetry.InitGlobal(cfg.Telemetry.Enabled)
	p, err := pipeline.Load(file)
	if err != nil {
		return nil, nil, err
	}
	env, err := pipeline.NewEnv(cfg)
	if err != nil {
		return nil, nil, err
	}
	plan, err := pipeline.Build(p, env)
	if err != nil {
		_ = env.Close()
		return nil, nil, err
	}
	return plan, env, nil
}

// Run a pipeline
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Run a pipeline until every task is complete or has failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			only, _ := cmd.Flags().GetStringSlice("task")
			workers, _ := cmd.Flags().GetInt("workers")
			plan, env, err := resolvePlan(cmd, args[0])
			if err != nil {
				return err
			}
			defer env.Close()
			defer func() { _ = telemetry.Shutdown() }()

			roots, err := plan.Roots(only...)
			if err != nil {
				return err
			}
			if workers <= 0 {
				workers = env.Config.Scheduler.Workers
			}
			sched := scheduler.New(scheduler.Options{Workers: workers, Metrics: env.Metrics})
			rep, runErr := sched.Run(cmd.Context(), roots...)
			if rep != nil {
				printReport(rep)
			}
			printTotals(env.Metrics.Totals())
			return runErr
		},
	}
	cmd.Flags().StringSlice("task", nil, "run only the named tasks and their requirements")
	cmd.Flags().Int("workers", 0, "concurrent tasks (default from config)")
	return cmd
}

func printReport(rep *scheduler.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tDURATION\tERROR")
	for _, r := range rep.Results() {
		msg := ""
		if r.Err != nil {
			msg = r.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Task, r.Status, r.Duration.Round(time.Millisecond), msg)
	}
	_ = w.Flush()
}

// Print counter totals gathered during the run
func printTotals(totals map[string]float64) {
	if len(totals) == 0 {
		return
	}
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nMETRIC\tTOTAL")
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%g\n", name, totals[name])
	}
	_ = w.Flush()
}

// Show pipeline progress
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <pipeline.yaml>",
		Short: "Show branch progress and job counts without contacting the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			plan, env, err := resolvePlan(cmd, args[0])
			if err != nil {
				return err
			}
			defer env.Close()
			status, err := plan.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATUS\tCOMPLETE\tACTIVE\tFAILED")
			for _, s := range status {
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%d\n", s.Task, s.Status, s.Complete, s.Total, s.Active, s.Failed)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

// Cancel remote jobs
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <pipeline.yaml>",
		Short: "Cancel the active remote jobs of every analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, env, err := resolvePlan(cmd, args[0])
			if err != nil {
				return err
			}
			defer env.Close()
			return plan.Cancel(cmd.Context())
		},
	}
}

// Bundle a directory
func newBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle <dir>",
		Short: "Create a deterministic tar.gz bundle of a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			checksummed, _ := cmd.Flags().GetBool("checksum")
			excludes, _ := cmd.Flags().GetStringSlice("exclude")
			opts := bundle.Options{Dir: out, Checksummed: checksummed}
			if len(excludes) > 0 {
				opts.Excludes = append(append([]string(nil), bundle.DefaultExcludes...), excludes...)
			}
			if err := os.MkdirAll(out, 0o755); err != nil {
				return err
			}
			a, err := bundle.Bundle(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%d files\t%d bytes\n", a.Path, a.Checksum, a.Files, a.Size)
			return nil
		},
	}
	cmd.Flags().String("out", ".", "output directory")
	cmd.Flags().Bool("checksum", false, "name the archive <base>.<checksum>.tgz")
	cmd.Flags().StringSlice("exclude", nil, "extra exclude regular expressions")
	return cmd
}

// Fetch a bundle from its replicas
func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <store> <dir> <name> <dest>",
		Short: "Download the first available replica of a bundle and unpack it",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			replicas, _ := cmd.Flags().GetInt("replicas")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			stores, err := storage.FromConfig(cfg)
			if err != nil {
				return err
			}
			defer stores.Close()
			store, err := stores.Get(args[0])
			if err != nil {
				return err
			}
			targets := bundle.Replicas(store, args[1], args[2], replicas, retry.FromConfig(cfg.Retry))
			got, err := bundle.Fetch(cmd.Context(), targets, args[3])
			if err != nil {
				return err
			}
			log.Info().Str("replica", got.Location()).Str("dest", args[3]).Msg("Fetched bundle")
			return nil
		},
	}
	cmd.Flags().Int("replicas", 0, "number of replicas the bundle was uploaded with")
	return cmd
}

// Check the agent
func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the configured agent responds",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			c, err := agentclient.FromConfig(cfg)
			if err != nil {
				return err
			}
			hb, err := c.Heartbeat(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%d running\n", hb.Host, hb.Version, hb.Running)
			return nil
		},
	}
}
