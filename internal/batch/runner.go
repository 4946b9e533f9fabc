package batch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"image-shrinker/internal/asset"
	"image-shrinker/internal/backup"
	"image-shrinker/internal/compressor"
	"image-shrinker/internal/config"
	"image-shrinker/internal/logger"
	"image-shrinker/internal/policy"
	"image-shrinker/internal/transcoder"

	"github.com/sirupsen/logrus"
)

const tempSuffix = ".tmp.jpg"

// Compressor is the retry controller used for every asset.
type Compressor interface {
	CompressWithRetry(ctx context.Context, img image.Image, sourceSize, threshold int64, maxAttempts int) (*compressor.Result, error)
	CompressWith(ctx context.Context, img image.Image, sourceSize int64, first policy.Params, threshold int64, maxAttempts int) (*compressor.Result, error)
}

// Stamper writes metadata onto a finished output file.
type Stamper interface {
	Stamp(src, dst string) error
}

// Runner walks a directory tree and compresses one asset at a time.
type Runner struct {
	config     *config.Config
	logger     *logrus.Logger
	compressor Compressor
	backups    *backup.Manager
	filter     *asset.Filter
	stamper    Stamper
	observer   Observer
	logHook    LogHookFunc
}

// NewRunner returns a Runner. A nil backup manager disables snapshots and
// targeted recompression.
func NewRunner(cfg *config.Config, logger *logrus.Logger, comp Compressor, backups *backup.Manager) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Runner{
		config:     cfg,
		logger:     logger,
		compressor: comp,
		backups:    backups,
		filter:     asset.NewFilter(cfg.SupportedExtensions),
	}
}

// Build wires a Runner with the configured ladder, the JPEG transcoder and a
// backup manager for the configured directories.
func Build(cfg *config.Config, logger *logrus.Logger) (*Runner, error) {
	if logger == nil {
		logger = logrus.New()
	}
	ladder, err := cfg.PolicyTable()
	if err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	comp := compressor.NewRetryCompressor(ladder, newTranscoder(cfg, logger), logger)
	bm := backup.NewManager(cfg.WorkingDirectory, cfg.BackupDirectory)
	return NewRunner(cfg, logger, comp, bm), nil
}

// newTranscoder adds the jpegtran pass when it is enabled and installed.
// Without it outputs are baseline JPEGs with the encoder's standard tables.
func newTranscoder(cfg *config.Config, logger *logrus.Logger) *transcoder.JPEGTranscoder {
	if !cfg.Processing.OptimizeJPEG {
		return transcoder.New(transcoder.WithLogger(logger))
	}
	jt, err := transcoder.NewJpegtran(cfg.Processing.JpegtranPath)
	if err != nil {
		logger.Warnf("JPEG optimisation disabled, writing baseline JPEGs: %v", err)
		return transcoder.New(transcoder.WithLogger(logger))
	}
	logger.WithField("jpegtran", jt.Path()).Debug("Progressive JPEG optimisation enabled")
	return transcoder.New(transcoder.WithOptimizer(jt), transcoder.WithLogger(logger))
}

// Backups returns the backup manager, or nil when none is configured.
func (r *Runner) Backups() *backup.Manager {
	return r.backups
}

// WithStamper enables metadata stamping of outputs.
func (r *Runner) WithStamper(s Stamper) *Runner {
	r.stamper = s
	return r
}

// WithObserver registers an observer; repeated calls add more observers.
func (r *Runner) WithObserver(o Observer) *Runner {
	switch existing := r.observer.(type) {
	case nil:
		r.observer = o
	case Observers:
		r.observer = append(existing, o)
	default:
		r.observer = Observers{existing, o}
	}
	return r
}

// WithLogHook forwards per-asset messages to h.
func (r *Runner) WithLogHook(h LogHookFunc) *Runner {
	r.logHook = h
	return r
}

// Run compresses every supported asset under dir in discovery order. A failing
// asset is recorded and the run continues; cancellation stops before the next asset.
func (r *Runner) Run(ctx context.Context, dir string) ([]AssetResult, error) {
	dir = r.resolveDir(dir)
	started := time.Now()
	r.logger.WithField("directory", dir).Info("Starting compression run")

	paths, err := r.Discover(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to discover files: %w", err)
	}
	if len(paths) == 0 {
		r.logger.Info("No supported images found")
		return nil, nil
	}
	r.logger.Infof("Found %d images to process", len(paths))

	if r.config.Security.DryRun {
		r.logger.Info("Running in dry-run mode - no files will be modified")
		return r.plan(ctx, paths)
	}

	results := make([]AssetResult, 0, len(paths))
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			r.logger.Warnf("Run cancelled after %d of %d images", i, len(paths))
			return results, err
		}
		result := r.ProcessAsset(ctx, path)
		results = append(results, result)
		r.notify(i, len(paths), result)
	}

	r.logger.WithFields(logrus.Fields{
		"images":   len(results),
		"duration": time.Since(started).String(),
	}).Info("Compression run completed")
	return results, nil
}

// Scan reports the tier each asset would start from without touching any file.
func (r *Runner) Scan(ctx context.Context, dir string) ([]AssetResult, error) {
	paths, err := r.Discover(r.resolveDir(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to discover files: %w", err)
	}
	return r.plan(ctx, paths)
}

func (r *Runner) plan(ctx context.Context, paths []string) ([]AssetResult, error) {
	ladder, err := r.config.PolicyTable()
	if err != nil {
		return nil, err
	}

	results := make([]AssetResult, 0, len(paths))
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		var result AssetResult
		a, err := asset.Inspect(path)
		if err != nil {
			result = r.failed(AssetResult{Path: path}, err)
		} else {
			result = AssetResult{
				Path:         path,
				OutputPath:   asset.JPEGPath(path),
				OriginalSize: a.Size,
				FinalSize:    a.Size,
				Width:        a.Width,
				Height:       a.Height,
				Action:       ActionPlanned,
				Params:       ladder.Select(a.SizeMB()),
			}
			r.emit("info", fmt.Sprintf("DRY-RUN: Would compress %s (%.1f MB) with %s", path, a.SizeMB(), result.Params))
		}
		results = append(results, result)
		r.notify(i, len(paths), result)
	}
	return results, nil
}

// Discover lists the supported images under dir, skipping the backup tree and
// leftovers of interrupted writes.
func (r *Runner) Discover(dir string) ([]string, error) {
	var paths []string
	limit := r.config.Security.MaxFilesPerRun

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			r.logger.Warnf("Error accessing path %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			if path != dir && r.isBackupDir(path) {
				r.logger.Debugf("Skipping backup directory: %s", path)
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || isTempFile(path) || !r.filter.IsSupported(path) {
			return nil
		}

		paths = append(paths, path)
		if limit > 0 && len(paths) >= limit {
			r.logger.Infof("Reached maximum files limit (%d), stopping discovery", limit)
			return filepath.SkipAll
		}
		return nil
	})
	return paths, err
}

// ProcessAsset runs inspection, backup, compression and replacement for one file.
func (r *Runner) ProcessAsset(ctx context.Context, path string) AssetResult {
	result := AssetResult{Path: path}
	log := logger.WithFile(r.logger, path)

	a, err := asset.Inspect(path)
	if err != nil {
		return r.failed(result, err)
	}
	result.OriginalSize = a.Size
	result.FinalSize = a.Size
	result.Width = a.Width
	result.Height = a.Height

	if r.config.Processing.SkipMarked && asset.IsJPEG(path) && asset.HasMarker(path, r.config.Processing.Marker) {
		return r.skipped(result, "already processed")
	}

	target := asset.JPEGPath(path)
	if target != path && exists(target) && !sameFile(target, path) {
		return r.skipped(result, "a JPEG with the same name already exists")
	}

	if r.config.Processing.CreateBackups && r.backups != nil {
		created, err := r.backups.Snapshot(path)
		if err != nil {
			return r.failed(result, fmt.Errorf("backup: %w", err))
		}
		if created {
			log.Debug("Original backed up")
		}
	}

	img, err := asset.Open(path)
	if err != nil {
		return r.failed(result, err)
	}

	res, err := r.compressor.CompressWithRetry(ctx, img, a.Size, r.config.ThresholdBytes(), r.config.Retry.MaxAttempts)
	if err != nil {
		return r.failed(result, err)
	}
	result.State = res.State
	result.Params = res.Params
	result.Attempts = res.Attempts

	if res.OutputSize >= a.Size {
		result.Action = ActionKeptOriginal
		result.OutputPath = path
		result.Reason = fmt.Sprintf("compressed output %d bytes is not smaller than the original", res.OutputSize)
		log.WithField("output_size", res.OutputSize).Info("Keeping original, compression did not help")
		r.emit("info", fmt.Sprintf("Kept original %s", path))
		return result
	}

	size, err := r.replace(path, target, path, res.Data)
	if err != nil {
		return r.failed(result, err)
	}
	result.Action = ActionCompressed
	result.OutputPath = target
	result.FinalSize = size

	if target != path && r.config.Processing.DeleteOriginals {
		r.removeOriginal(path, target)
	}

	log.WithFields(logrus.Fields{
		"output":   target,
		"params":   res.Params.String(),
		"attempts": res.Attempts,
		"state":    res.State.String(),
	}).Infof("Compressed %.1f MB -> %.1f MB", policy.SizeMB(a.Size), policy.SizeMB(size))
	r.emit("info", fmt.Sprintf("Compressed %s", path))
	return result
}

// Recompress re-encodes one file from its backup copy, optionally starting from
// explicit parameters, and replaces the working copy with the result.
func (r *Runner) Recompress(ctx context.Context, name string, first *policy.Params, threshold int64) (AssetResult, error) {
	if r.backups == nil {
		return AssetResult{Path: name, Action: ActionFailed}, fmt.Errorf("%w: no backup directory configured", backup.ErrMissingBackup)
	}

	src, err := r.backups.Lookup(name)
	if err != nil {
		return AssetResult{Path: name, Action: ActionFailed, Err: err}, err
	}
	work, err := r.backups.WorkPath(src)
	if err != nil {
		return AssetResult{Path: name, Action: ActionFailed, Err: err}, err
	}
	target := asset.JPEGPath(work)
	result := AssetResult{Path: work}

	a, err := asset.Inspect(src)
	if err != nil {
		return r.failed(result, err), err
	}
	result.OriginalSize = a.Size
	result.Width = a.Width
	result.Height = a.Height

	img, err := asset.Open(src)
	if err != nil {
		return r.failed(result, err), err
	}

	var res *compressor.Result
	if first != nil {
		res, err = r.compressor.CompressWith(ctx, img, a.Size, *first, threshold, r.config.Retry.MaxAttempts)
	} else {
		res, err = r.compressor.CompressWithRetry(ctx, img, a.Size, threshold, r.config.Retry.MaxAttempts)
	}
	if err != nil {
		return r.failed(result, err), err
	}

	size, err := r.replace(work, target, src, res.Data)
	if err != nil {
		return r.failed(result, err), err
	}

	if target != work && r.config.Processing.DeleteOriginals && exists(work) {
		r.removeOriginal(work, target)
	}

	result.Action = ActionCompressed
	result.OutputPath = target
	result.FinalSize = size
	result.State = res.State
	result.Params = res.Params
	result.Attempts = res.Attempts

	r.logger.WithFields(logrus.Fields{
		"file":     target,
		"source":   src,
		"params":   res.Params.String(),
		"attempts": res.Attempts,
	}).Infof("Recompressed %.1f MB -> %.1f MB", policy.SizeMB(a.Size), policy.SizeMB(size))
	return result, nil
}

// Cleanup removes non-JPEG originals that already have a JPEG sibling.
func (r *Runner) Cleanup(dir string) (*CleanupReport, error) {
	dir = r.resolveDir(dir)
	report := &CleanupReport{}

	paths, err := r.Discover(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to discover files: %w", err)
	}

	for _, path := range paths {
		if asset.IsJPEG(path) {
			continue
		}
		sibling := asset.JPEGPath(path)
		if !exists(sibling) || sameFile(sibling, path) {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if r.config.Security.DryRun {
			r.emit("info", fmt.Sprintf("DRY-RUN: Would remove %s", path))
		} else if err := os.Remove(path); err != nil {
			r.logger.Errorf("Could not remove %s: %v", path, err)
			continue
		}
		report.Removed = append(report.Removed, path)
		report.Freed += info.Size()
		logger.WithFile(r.logger, path).Debug("Removed duplicate original")
	}

	r.logger.Infof("Cleanup removed %d files (%.1f MB)", len(report.Removed), policy.SizeMB(report.Freed))
	return report, nil
}

// replace writes data next to target, stamps it and moves it into place.
func (r *Runner) replace(work, target, metaSource string, data []byte) (int64, error) {
	tmp := strings.TrimSuffix(target, filepath.Ext(target)) + tempSuffix
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", target, err)
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to write %s: %w", tmp, err)
	}

	if r.stamper != nil {
		if err := r.stamper.Stamp(metaSource, tmp); err != nil {
			logger.WithFile(r.logger, work).Warnf("Could not stamp metadata: %v", err)
		}
	}

	info, err := os.Stat(tmp)
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to stat %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to replace %s: %w", target, err)
	}
	return info.Size(), nil
}

func (r *Runner) removeOriginal(path, target string) {
	if sameFile(path, target) {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WithFile(r.logger, path).Warnf("Could not remove original: %v", err)
		return
	}
	logger.WithFile(r.logger, path).Debug("Removed original")
}

func (r *Runner) failed(result AssetResult, err error) AssetResult {
	result.Action = ActionFailed
	result.Err = err
	result.Reason = err.Error()
	logger.WithFile(r.logger, result.Path).Errorf("Failed to process image: %v", err)
	r.emit("error", fmt.Sprintf("Failed %s: %v", result.Path, err))
	return result
}

func (r *Runner) skipped(result AssetResult, reason string) AssetResult {
	result.Action = ActionSkipped
	result.Reason = reason
	logger.WithFile(r.logger, result.Path).Infof("Skipping: %s", reason)
	return result
}

func (r *Runner) notify(index, total int, result AssetResult) {
	if r.observer != nil {
		r.observer.OnAsset(index, total, result)
	}
}

func (r *Runner) emit(level, message string) {
	if r.logHook != nil {
		r.logHook(level, message)
	}
}

func (r *Runner) resolveDir(dir string) string {
	if dir == "" {
		return r.config.WorkingDirectory
	}
	return dir
}

func (r *Runner) isBackupDir(path string) bool {
	if r.backups == nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	backupAbs, err := filepath.Abs(r.backups.BackupDir())
	if err != nil {
		return false
	}
	return abs == backupAbs
}

func isTempFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, tempSuffix) || strings.HasSuffix(lower, ".part")
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func sameFile(a, b string) bool {
	ia, err := os.Stat(a)
	if err != nil {
		return false
	}
	ib, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ia, ib)
}
