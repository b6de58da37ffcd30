package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/maloquacious/goobkv/internal/config"
	"github.com/maloquacious/goobkv/internal/db"
	"github.com/maloquacious/goobkv/internal/engine"
	"github.com/maloquacious/goobkv/internal/logger"
	"github.com/maloquacious/semver"
	"github.com/spf13/cobra"
)

var (
	version   = semver.Version{Minor: 1, PreRelease: "alpha", Build: semver.Commit()}
	buildDate = ""
)

var (
	configFile string
	logLevel   string
	shutdownTO time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "goobkv",
		Short:        "Transactional key-value store server and admin CLI",
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "goobkv.yaml", "database configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().DurationVar(&shutdownTO, "shutdown-timeout", 15*time.Second, "graceful shutdown timeout")

	rootCmd.AddCommand(newServeCmd(), newDBCmd(), newStoreCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return err
		},
	}
}

// app is the state shared by commands that touch the data directory.
type app struct {
	cfg     *config.File
	log     *logger.StdLogger
	factory *engine.Factory
}

// setup loads the configuration, applies flag overrides and locks the
// data directory. Callers must call close.
func setup() (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	var log *logger.StdLogger
	if cfg.LogFile != "" {
		if log, err = logger.NewFileLogger(cfg.LogFile, level); err != nil {
			return nil, err
		}
	} else {
		log = logger.NewStdLogger()
		log.SetLevel(level)
	}
	driver, err := cfg.Driver()
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	f, err := engine.NewFactory(cfg.Directory, engine.WithDriver(driver), engine.WithLogger(log))
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return &app{cfg: cfg, log: log, factory: f}, nil
}

// open opens the configured database, running the synchronizer or the
// migrations when the stored version is behind.
func (a *app) open(ctx context.Context) (*db.DB, error) {
	d, err := db.Open(ctx, a.factory, a.cfg.DB(a.log))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return d, nil
}

// storedVersion returns the version on disk, zero when the database does
// not exist yet.
func (a *app) storedVersion() (int, error) {
	info, err := a.factory.Inspect(a.cfg.Name)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return info.Version, nil
}

func (a *app) close() {
	if err := a.factory.Close(); err != nil {
		a.log.Error("failed to close factory: %v", err)
	}
	_ = a.log.Close()
}

// withDB runs fn against an open database.
func withDB(cmd *cobra.Command, fn func(ctx context.Context, a *app, d *db.DB) error) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()
	d, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(cmd.Context(), a, d)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
