// deltavault is an incremental, deduplicating file backup tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/deltavault/deltavault/internal/backup"
	"github.com/deltavault/deltavault/internal/config"
	"github.com/deltavault/deltavault/internal/metrics"
	"github.com/deltavault/deltavault/internal/restore"
	"github.com/deltavault/deltavault/internal/vault"
	"github.com/deltavault/deltavault/pkg/bytesize"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile       string
	logLevel      string
	storageRoot   string
	workers       int
	blockSize     bytesize.Size
	metricsListen string

	// Set by the root command's PersistentPreRunE.
	cfg           *config.Config
	metricsServer *http.Server
)

// errVerifyFailed is returned when a restored file differs from its source.
var errVerifyFailed = errors.New("restored file does not match the original")

// vaultMetrics registers the metrics once per process.
var vaultMetrics = sync.OnceValue(func() *metrics.VaultMetrics {
	return metrics.New(metrics.Registry)
})

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	// Var uses the current value as the flag default.
	blockSize = 0
	rootCmd := &cobra.Command{
		Use:   "deltavault <file>",
		Short: "deltavault - incremental deduplicating backups",
		Long: `deltavault splits files into fixed-size blocks, stores each distinct block
once (compressed, addressed by its SHA-256 fingerprint) and records every
backup as an immutable version.

Given a single file, deltavault backs it up, restores the new version next to
it as <file>.restored and compares the fingerprints of both files:

  deltavault ./report.pdf

Day-to-day commands:

  deltavault backup ~/documents
  deltavault versions ~/documents/report.pdf
  deltavault restore 42 ./report.pdf
  deltavault stats
  deltavault lineage export lineage.txt`,
		Args:              cobra.ExactArgs(1),
		Version:           fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: teardown,
		RunE:              runVerify,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&storageRoot, "root", "", "storage root (overrides config)")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "backup worker count (0 = config or one per CPU)")
	rootCmd.PersistentFlags().Var(&blockSize, "block-size", "block size for new backups, e.g. 256KiB (overrides config)")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address while running")

	rootCmd.Flags().StringP("output", "o", "", "restore path (default <file>.restored)")

	rootCmd.AddCommand(
		newBackupCmd(),
		newRestoreCmd(),
		newVersionsCmd(),
		newStatsCmd(),
		newLineageCmd(),
	)
	return rootCmd
}

// setup loads the configuration, applies flag overrides and configures
// logging and the metrics endpoint.
func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if storageRoot != "" {
		loaded.StorageRoot = storageRoot
	}
	if workers > 0 {
		loaded.Workers = workers
	}
	if blockSize > 0 {
		loaded.BlockSize = blockSize
	}
	if metricsListen != "" {
		loaded.Metrics.Listen = metricsListen
	}
	if cmd.Flags().Changed("log-level") {
		loaded.LogLevel = logLevel
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	cfg = loaded

	setupLogging(cfg.LogLevel)
	if cfg.Metrics.Listen != "" {
		metricsServer = startMetricsServer(cfg.Metrics.Listen)
	}
	return nil
}

func teardown(*cobra.Command, []string) {
	if metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(ctx)
	metricsServer = nil
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	return srv
}

// openVault opens the configured storage root.
func openVault(ctx context.Context) (*vault.Vault, error) {
	opts := []vault.Option{
		vault.WithLogger(log.Logger),
		vault.WithBackupProgress(func(p backup.Progress) {
			log.Debug().
				Str("path", p.Path).
				Int("done", p.BlocksDone).
				Int("total", p.BlocksTotal).
				Msg("backup progress")
		}),
		vault.WithRestoreProgress(func(p restore.Progress) {
			log.Debug().
				Uint64("version", p.VersionID).
				Int("done", p.BlocksDone).
				Int("total", p.BlocksTotal).
				Msg("restore progress")
		}),
	}
	if cfg.Metrics.Listen != "" {
		opts = append(opts, vault.WithMetrics(vaultMetrics()))
	}
	return vault.Open(ctx, cfg, opts...)
}

// runVerify backs up a single file, restores it and compares both copies.
func runVerify(cmd *cobra.Command, args []string) error {
	path := args[0]
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory - pass a file, or use 'deltavault backup' for directories", path)
	}
	output, _ := cmd.Flags().GetString("output")

	v, err := openVault(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = v.Close() }()

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Processing file: %s\n", path)

	res, err := v.Verify(cmd.Context(), path, output)
	if res.Backup.VersionID != 0 {
		_, _ = fmt.Fprintf(out, "Backup complete. Version ID: %d (%d blocks, %d new)\n",
			res.Backup.VersionID, res.Backup.Blocks, res.Backup.NewBlocks)
	}
	if err != nil {
		if res.Backup.VersionID != 0 {
			_, _ = fmt.Fprintln(out, "FAIL")
		}
		return err
	}

	_, _ = fmt.Fprintf(out, "Restored to: %s\n", res.RestoredPath)
	_, _ = fmt.Fprintf(out, "Original: %s\n", res.Original)
	_, _ = fmt.Fprintf(out, "Restored: %s\n", res.Restored)
	if !res.Match() {
		_, _ = fmt.Fprintln(out, "FAIL")
		return errVerifyFailed
	}
	_, _ = fmt.Fprintln(out, "PASS")
	return nil
}
