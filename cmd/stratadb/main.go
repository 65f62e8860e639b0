// Package main provides the StrataDB CLI entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/orneryd/stratadb/pkg/auth"
	"github.com/orneryd/stratadb/pkg/config"
	"github.com/orneryd/stratadb/pkg/logging"
	"github.com/orneryd/stratadb/pkg/stratadb"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stratadb",
		Short: "StrataDB - layered, temporal configuration management database",
		Long: `StrataDB stores configuration items, their attributes and relations as
versioned facts partitioned into layers. Reads merge an ordered set of
layers at the latest state or at any point in the past.

Features:
  • Per-query layer precedence with removal shine-through
  • Point-in-time reads over append-only history
  • Idempotent single and bulk writes grouped into changesets
  • Layer-scoped authorization and a JSON-lines audit trail`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "YAML configuration file")
	flags.String("env-file", ".env", "dotenv file (ignored when missing)")
	flags.String("data-dir", "", "Data directory (overrides config)")
	flags.Bool("in-memory", false, "Run on a throwaway in-memory store")
	flags.String("author", "", "Changeset author (defaults to the principal, then the config)")
	flags.String("principal", "", "Principal the command acts as")
	flags.StringSlice("layers", nil, "Read layer set, highest precedence first")
	flags.String("log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("StrataDB v%s (%s)\n", version, commit)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit,
	}
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")
	rootCmd.AddCommand(initCmd)

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"serve-metrics"},
		Short:   "Keep the database open and expose Prometheus metrics",
		RunE:    runServe,
	}
	serveCmd.Flags().String("address", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(
		newLayerCmd(),
		newPredicateCmd(),
		newCICmd(),
		newAttrCmd(),
		newRelCmd(),
		newChangesetsCmd(),
		newExportCmd(),
		newImportCmd(),
		newStatsCmd(),
	)
	return rootCmd
}

// session is an open database plus the per-invocation settings commands
// need.
type session struct {
	db     *stratadb.DB
	cfg    *config.Config
	ctx    context.Context
	author string
	layers []string
	logger *logging.Logger
}

func (s *session) Close() {
	if err := s.db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "closing database: %v\n", err)
	}
	s.logger.Close()
}

func (s *session) readOptions(cmd *cobra.Command) (stratadb.ReadOptions, error) {
	opts := stratadb.ReadOptions{Layers: s.layers}
	if f := cmd.Flags().Lookup("at"); f != nil && f.Value.String() != "" {
		at, err := parseTime(f.Value.String())
		if err != nil {
			return opts, err
		}
		opts.At = at
	}
	if f := cmd.Flags().Lookup("include-removed"); f != nil {
		opts.IncludeRemoved, _ = cmd.Flags().GetBool("include-removed")
	}
	return opts, nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(config.Options{File: path, EnvFile: envFile})
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Database.DataDir = dir
	}
	if mem, _ := cmd.Flags().GetBool("in-memory"); mem {
		cfg.Database.InMemory = true
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, cfg.Validate()
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.Memory.ApplyRuntimeMemory()

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		JSON:    cfg.Logging.Format == "json",
		Output:  cfg.Logging.Output,
		Service: "stratadb",
	})
	if err != nil {
		return nil, err
	}

	dbCfg := stratadb.ConfigFrom(cfg)
	dbCfg.Logger = logger.Slog()
	db, err := stratadb.Open(dbCfg)
	if err != nil {
		logger.Close()
		return nil, errors.Wrap(err, "opening database")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if p, _ := cmd.Flags().GetString("principal"); p != "" {
		ctx = auth.WithPrincipal(ctx, auth.Principal{Name: p})
	}
	author, _ := cmd.Flags().GetString("author")
	layers, _ := cmd.Flags().GetStringSlice("layers")
	return &session{db: db, cfg: cfg, ctx: ctx, author: author, layers: layers, logger: logger}, nil
}

// withSession adapts a session-taking handler to cobra.
func withSession(fn func(s *session, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(s, cmd, args)
	}
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("cannot parse time %q (want RFC 3339 or YYYY-MM-DD)", s)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := "stratadb.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return errors.Errorf("%s already exists (use --force to overwrite)", path)
	}

	data, err := yaml.Marshal(config.Defaults())
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	header := "# StrataDB configuration. STRATADB_* environment variables override these values.\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0640); err != nil {
		return errors.Wrap(err, "writing config")
	}
	fmt.Printf("✅ Wrote %s\n", path)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	addr := s.cfg.Metrics.Address
	if a, _ := cmd.Flags().GetString("address"); a != "" {
		addr = a
	}

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Metrics.Path, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.db.Stats(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	fmt.Printf("🚀 StrataDB v%s serving metrics on %s%s\n", version, addr, s.cfg.Metrics.Path)
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		return errors.Wrap(err, "metrics server")
	}

	fmt.Println("\n🛑 Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func joinIDs[T ~string](ids []T) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}
