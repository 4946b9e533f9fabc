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
	"text/tabwriter"
	"time"

	"image-shrinker/internal/asset"
	"image-shrinker/internal/backup"
	"image-shrinker/internal/batch"
	"image-shrinker/internal/config"
	"image-shrinker/internal/logger"
	"image-shrinker/internal/policy"
	"image-shrinker/internal/statistics"
	"image-shrinker/internal/web"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	workDir     string
	backupDir   string
	thresholdMB float64
	maxAttempts int
	dryRun      bool
	progress    bool
	reportPath  string
	stamp       bool
	verbose     bool
	quiet       bool
	quality     int
	maxWidth    int
	port        int
)

// rootCmd compresses the working directory.
var rootCmd = &cobra.Command{
	Use:   "image-shrinker [directory]",
	Short: "Shrink a folder of images into size-bounded JPEGs",
	Long: `ImageShrinker converts the images in a folder to JPEG, picking quality and
maximum width from the size of each file and tightening both until the result
fits under a size threshold.

Features:
- Size-tiered quality and width selection
- Retry ladder for outputs still above the threshold
- Never keeps a result larger than its source
- Mirrored backups with restore and per-file recompression
- Dry-run mode for safe testing
- Per-file report and run summary`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(cmd.Context(), args)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan [directory]",
	Short: "Show the tier each image would start from without modifying anything",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(cmd.Context(), args)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replace the working directory with its backup",
	Long: `Deletes the working directory and copies the backup tree back in its place.
Fails without touching anything when no backup exists.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRestore()
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup [directory]",
	Short: "Mirror the images of the working directory into the backup directory",
	Long: `Copies every supported image into the backup tree without compressing
anything. Files that already have a backup are left alone, so the backup keeps
the uncompressed originals.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBackup(args)
	},
}

var recompressCmd = &cobra.Command{
	Use:   "recompress <name>",
	Short: "Re-encode one image from its backup copy",
	Long: `Looks the file up in the backup directory by path, name or stem and encodes it
again. --quality and --max-width set the first attempt explicitly; otherwise the
tier table picks it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecompress(cmd.Context(), args[0])
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [directory]",
	Short: "Remove originals that already have a JPEG next to them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCleanup(args)
	},
}

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "Print the tier table and the escalation ladder",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTiers()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Starts an HTTP server exposing scan, compress, recompress, restore and
cleanup operations, with live progress over a WebSocket at /ws and Prometheus
metrics at /metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")
	rootCmd.PersistentFlags().StringVar(&workDir, "dir", "", "working directory containing images")
	rootCmd.PersistentFlags().StringVar(&backupDir, "backup", "", "backup directory (default: <dir>_backup)")

	rootCmd.Flags().Float64Var(&thresholdMB, "threshold-mb", 0, "accept a result only below this size in MB")
	rootCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "maximum encode attempts per image")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	rootCmd.Flags().BoolVar(&progress, "progress", false, "show a progress bar on stderr")
	rootCmd.Flags().StringVar(&reportPath, "report", "", "write a YAML report of the run to this file")
	rootCmd.Flags().BoolVar(&stamp, "stamp", false, "copy metadata and tag outputs with exiftool")

	recompressCmd.Flags().IntVar(&quality, "quality", 0, "JPEG quality for the first attempt (1-100)")
	recompressCmd.Flags().IntVar(&maxWidth, "max-width", 0, "maximum width for the first attempt")
	recompressCmd.Flags().Float64Var(&thresholdMB, "threshold-mb", 0, "accept a result only below this size in MB")

	serveCmd.Flags().IntVar(&port, "port", 0, "port to run the server on (default from config)")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(recompressCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(tiersCmd)
	rootCmd.AddCommand(serveCmd)
}

// runCompress executes a full compression run.
func runCompress(ctx context.Context, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if dryRun {
		cfg.Security.DryRun = true
	}
	if thresholdMB > 0 {
		cfg.Retry.ThresholdMB = thresholdMB
	}
	if maxAttempts > 0 {
		cfg.Retry.MaxAttempts = maxAttempts
	}
	if progress {
		cfg.Processing.ShowProgress = true
	}
	if stamp {
		cfg.Processing.StampMetadata = true
	}

	log := setupLogger(cfg)
	runner, err := batch.Build(cfg, log)
	if err != nil {
		return err
	}

	if cfg.Processing.StampMetadata && !cfg.Security.DryRun {
		stamper, err := asset.NewStamper(cfg.Processing.Marker, log)
		if err != nil {
			log.Warnf("Metadata stamping disabled: %v", err)
		} else {
			defer stamper.Close()
			runner.WithStamper(stamper)
		}
	}

	stats := statistics.NewStatistics()
	runner.WithObserver(stats)
	if !quiet {
		runner.WithObserver(statistics.NewConsoleReporter(verbose, os.Stdout))
	}
	if cfg.Processing.ShowProgress && !quiet {
		runner.WithObserver(progressObserver())
	}

	results, runErr := runner.Run(ctx, "")
	stats.Finalize()
	summary := statistics.Summarize(results, stats.Summary().Duration)

	if !quiet {
		statistics.NewConsoleReporter(verbose, os.Stdout).PrintSummary(summary, cfg.Processing.BudgetMB)
	}
	if reportPath != "" {
		report := statistics.NewReport(summary, results, cfg.Processing.BudgetMB)
		if err := statistics.WriteYAML(reportPath, report); err != nil {
			return err
		}
		log.WithField("file", reportPath).Info("Report written")
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("interrupted after %d images", len(results))
		}
		return fmt.Errorf("compression failed: %w", runErr)
	}
	return nil
}

// runScan prints the planned parameters for every image.
func runScan(ctx context.Context, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Scanning directory: %s\n", cfg.WorkingDirectory)

	log := setupLogger(cfg)
	runner, err := batch.Build(cfg, log)
	if err != nil {
		return err
	}
	results, err := runner.Scan(ctx, "")
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if !quiet {
		reporter := statistics.NewConsoleReporter(verbose, os.Stdout)
		for i, r := range results {
			reporter.OnAsset(i, len(results), r)
		}
		reporter.PrintSummary(statistics.Summarize(results, 0), cfg.Processing.BudgetMB)
	}
	return nil
}

func runBackup(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := setupLogger(cfg)
	runner, err := batch.Build(cfg, log)
	if err != nil {
		return err
	}

	n, err := runner.Backups().SnapshotTree(asset.NewFilter(cfg.SupportedExtensions).IsSupported)
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	logger.WithOperation(log, "backup").WithField("files", n).Info("Backup tree updated")
	if !quiet {
		fmt.Printf("Backed up %d new files to %s\n", n, cfg.BackupDirectory)
	}
	return nil
}

func runRestore() error {
	cfg, err := resolveConfig(nil)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := setupLogger(cfg)

	bm := backup.NewManager(cfg.WorkingDirectory, cfg.BackupDirectory)
	n, err := bm.Restore()
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	logger.WithOperation(log, "restore").WithField("files", n).Info("Working directory restored from backup")
	if !quiet {
		fmt.Printf("Restored %d files from %s\n", n, cfg.BackupDirectory)
	}
	return nil
}

func runRecompress(ctx context.Context, name string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var first *policy.Params
	if quality != 0 || maxWidth != 0 {
		if quality < 1 || quality > 100 || maxWidth <= 0 {
			return fmt.Errorf("--quality must be 1-100 and --max-width positive when either is set")
		}
		first = &policy.Params{Quality: quality, MaxWidth: maxWidth}
	}
	threshold := cfg.ThresholdBytes()
	if thresholdMB > 0 {
		threshold = int64(thresholdMB * policy.BytesPerMB)
	}

	log := setupLogger(cfg)
	runner, err := batch.Build(cfg, log)
	if err != nil {
		return err
	}
	result, err := runner.Recompress(ctx, name, first, threshold)
	if err != nil {
		return fmt.Errorf("recompress failed: %w", err)
	}

	if !quiet {
		fmt.Printf("%s  %s, %d attempts\n", statistics.FormatAssetLine(result), result.Params, result.Attempts)
	}
	return nil
}

func runCleanup(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := setupLogger(cfg)
	runner, err := batch.Build(cfg, log)
	if err != nil {
		return err
	}

	report, err := runner.Cleanup("")
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	if !quiet {
		for _, path := range report.Removed {
			fmt.Printf("removed %s\n", path)
		}
		fmt.Printf("Removed %d files, freed %s\n", len(report.Removed), statistics.FormatMB(report.Freed))
	}
	return nil
}

func runTiers() error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ladder, err := cfg.PolicyTable()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SIZE\tQUALITY\tMAX WIDTH")
	for _, t := range ladder.Table().Tiers() {
		fmt.Fprintf(w, ">= %g MB\t%d\t%d\n", t.MinMB, t.Quality, t.MaxWidth)
	}
	w.Flush()

	fmt.Println()
	fmt.Print("Ladder:")
	for _, p := range ladder.Rungs() {
		fmt.Printf(" %s", p)
	}
	fmt.Println()
	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe(ctx context.Context) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port == 0 {
		port = cfg.Web.Port
	}

	log := setupLogger(cfg)
	server := web.NewServer(cfg, log)

	go func() {
		if err := server.Start(port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("ImageShrinker API listening on http://localhost:%d\n", port)
	fmt.Printf("Working directory: %s\n", cfg.WorkingDirectory)
	fmt.Printf("Press Ctrl+C to stop the server\n\n")

	<-ctx.Done()
	fmt.Println("\nShutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	server.Wait()

	fmt.Println("Server stopped")
	return nil
}

// loadConfig resolves the configuration and requires the working directory to exist.
func loadConfig(args []string) (*config.Config, error) {
	cfg, err := resolveConfig(args)
	if err != nil {
		return nil, err
	}
	if !dirExists(cfg.WorkingDirectory) {
		return nil, fmt.Errorf("working directory does not exist: %s", cfg.WorkingDirectory)
	}
	return cfg, nil
}

// resolveConfig loads configuration and applies CLI overrides. The working
// directory may be missing, which restore recreates.
func resolveConfig(args []string) (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	dir := workDir
	if dir == "" && len(args) > 0 {
		dir = args[0]
	}
	if dir != "" {
		derived := filepath.Clean(cfg.WorkingDirectory) + "_backup"
		cfg.WorkingDirectory = dir
		if cfg.BackupDirectory == derived {
			cfg.BackupDirectory = ""
		}
	}
	if backupDir != "" {
		cfg.BackupDirectory = backupDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger configures and returns a logger. Console output goes to
// stderr only in verbose mode so it does not interleave with the report.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.FromConfig(cfg.Logging, verbose && !quiet)
	loggerCfg.Level = logger.ResolveLevel(cfg.Logging.Level, verbose, quiet)

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// progressObserver draws a progress bar sized on the first reported asset.
func progressObserver() batch.Observer {
	var bar *progressbar.ProgressBar
	return batch.ObserverFunc(func(index, total int, result batch.AssetResult) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("Compressing"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(30),
				progressbar.OptionClearOnFinish(),
			)
		}
		bar.Add(1)
	})
}

// dirExists returns true if the given path exists and is a directory.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
