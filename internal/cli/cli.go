// ============================================================================
// Geostream CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra front end of the gwss node
//
// Command Structure:
//   gwss                           # Root command
//   ├── run                        # Start a node (blocks until SIGINT/SIGTERM)
//   ├── status                     # Status report and manager stats of a node
//   ├── publish <ref>              # Start (or resume) the publishing chain
//   ├── unpublish <ref>            # Cancel its jobs and forget the pipeline
//   ├── pause | resume             # Hold / release every job manager
//   ├── cleanup                    # Queue a clean-up job
//   ├── restart                    # Restart incomplete jobs now
//   └── history                    # Replay the journal event log (--stats, --validate)
//
// Global flags:
//   --config, -c   YAML config file (default: configs/gwss.yaml)
//   --env-file     .env file loaded before the config (default: .env)
//   --addr         admin API of the node the control commands talk to
//
// run Command:
//   1. Load .env, config file, GWSS_* overrides; validate
//   2. Open repository (file or postgres), tile cache (file or redis),
//      publisher (local or amqp), journal log
//   3. Start publishing manager, admin API (gin) and gRPC health service
//   4. On SIGINT/SIGTERM: stop listeners, drain managers, close stores
//
// history Command works offline on the journal file; every other command
// except run goes through the admin API.
//
// ============================================================================

package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/geostream/internal/config"
	"github.com/ChuLiYu/geostream/internal/httpapi"
	"github.com/ChuLiYu/geostream/internal/storage/wal"
)

var (
	configFile   string
	envFile      string
	adminAddr    string
	adminTimeout time.Duration
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gwss",
		Short: "gwss: geospatial publishing node",
		Long: `gwss imports, downloads, publishes and pre-processes geospatial
pipelines, one job manager per stage, and reports its status to the
license server.`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/gwss.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "env file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "addr", "localhost:8080", "admin API address of the node")
	rootCmd.PersistentFlags().DurationVar(&adminTimeout, "timeout", 30*time.Second, "admin API request timeout")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildPublishCommand())
	rootCmd.AddCommand(buildUnpublishCommand())
	for _, action := range []struct{ name, short string }{
		{"pause", "Pause every job manager"},
		{"resume", "Resume every job manager"},
		{"cleanup", "Queue a clean-up job"},
		{"restart", "Restart incomplete jobs"},
	} {
		rootCmd.AddCommand(buildActionCommand(action.name, action.short))
	}
	rootCmd.AddCommand(buildHistoryCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a gwss node",
		Long:  "Start the job managers, the admin API and the gRPC health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runNode(cmd.Context(), cfg)
		},
	}
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  "Display the status report and job manager statistics of a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), resp)
			return nil
		},
	}
}

func buildPublishCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <ref>",
		Short: "Publish a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().publish(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ %s queued for publishing\n", args[0])
			return nil
		},
	}
}

func buildUnpublishCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unpublish <ref>",
		Short: "Unpublish and remove a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().unpublish(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "🗑️  %s removed\n", args[0])
			return nil
		},
	}
}

func buildActionCommand(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().post(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ %s: ok\n", name)
			return nil
		},
	}
}

func buildHistoryCommand() *cobra.Command {
	var file string
	var stats, validate bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Replay the journal event log",
		Long:  "Print every job lifecycle event recorded in the journal log, or a summary with --stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				file = cfg.Paths.Journal
			}
			if validate {
				return validateHistory(cmd.OutOrStdout(), file)
			}
			if stats {
				return printHistoryStats(cmd.OutOrStdout(), file)
			}
			return wal.DumpWAL(file, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "journal log (default: paths.journal from the config)")
	cmd.Flags().BoolVar(&stats, "stats", false, "print event counts instead of events")
	cmd.Flags().BoolVar(&validate, "validate", false, "check checksums and sequence numbers")
	return cmd
}

func client() *adminClient { return newAdminClient(adminAddr, adminTimeout) }

func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateHistory(w io.Writer, path string) error {
	if err := wal.ValidateWAL(path); err != nil {
		return fmt.Errorf("journal %s is damaged: %w", path, err)
	}
	n, err := wal.CountEvents(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "✅ %s: %d events, checksums and sequence ok\n", path, n)
	return nil
}

func printHistoryStats(w io.Writer, path string) error {
	st, err := wal.GetWALStats(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "📜 Journal: %s\n", path)
	fmt.Fprintf(w, "  ├─ Events:    %d (seq %d..%d)\n", st.TotalEvents, st.FirstSeq, st.LastSeq)
	if st.TotalEvents > 0 {
		fmt.Fprintf(w, "  ├─ From:      %s\n", time.UnixMilli(st.TimeRange[0]).UTC().Format(time.RFC3339))
		fmt.Fprintf(w, "  ├─ To:        %s\n", time.UnixMilli(st.TimeRange[1]).UTC().Format(time.RFC3339))
	}
	kinds := slices.Sorted(maps.Keys(st.EventTypes))
	for i, k := range kinds {
		branch := "├─"
		if i == len(kinds)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %-10s %d\n", branch, string(k)+":", st.EventTypes[k])
	}
	return nil
}

func printStatus(w io.Writer, resp httpapi.StatusResponse) {
	r := resp.Report

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                  gwss Node Status                         ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Node:")
	fmt.Fprintf(w, "  ├─ ID:          %s\n", r.NodeID)
	fmt.Fprintf(w, "  ├─ Name:        %s\n", r.Name)
	fmt.Fprintf(w, "  └─ Server Type: %s\n", r.ServerType)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Job Managers:")
	names := make([]string, 0, len(resp.Managers))
	for name := range resp.Managers {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		m := resp.Managers[name]
		state := "🔄 running"
		switch {
		case m.Stopped:
			state = "⏹️  stopped"
		case m.Paused:
			state = "⏸️  paused"
		case m.Idle:
			state = "💤 idle"
		}
		fmt.Fprintf(w, "  ├─ %-9s %s  pending=%d", name, state, m.Stats["pending"])
		if m.Current != "" {
			fmt.Fprintf(w, "  current=%s", m.Current)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🗺️  Pipelines:")
	for _, code := range slices.Sorted(maps.Keys(r.Pipelines)) {
		fmt.Fprintf(w, "  ├─ %-12s %d\n", string(code)+":", len(r.Pipelines[code]))
	}
	fmt.Fprintf(w, "  └─ Operations:  %d in journal\n", len(r.Operations))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
}
