package backup

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrMissingBackup is returned when a backup tree or file does not exist.
var ErrMissingBackup = errors.New("backup not found")

// ErrInvalidName is returned for names that would resolve outside the backup tree.
var ErrInvalidName = errors.New("invalid file name")

// Manager mirrors originals of the working tree into a backup tree
type Manager struct {
	workDir   string
	backupDir string
}

// NewManager creates a backup manager for the working and backup directories
func NewManager(workDir, backupDir string) *Manager {
	return &Manager{
		workDir:   filepath.Clean(workDir),
		backupDir: filepath.Clean(backupDir),
	}
}

// WorkDir returns the configured working directory
func (m *Manager) WorkDir() string {
	return m.workDir
}

// BackupDir returns the configured backup directory
func (m *Manager) BackupDir() string {
	return m.backupDir
}

// BackupPath returns the mirrored backup location of a file in the working tree
func (m *Manager) BackupPath(path string) (string, error) {
	rel, err := filepath.Rel(m.workDir, path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s against %s: %w", path, m.workDir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the working directory %s", path, m.workDir)
	}
	return filepath.Join(m.backupDir, rel), nil
}

// Exists reports whether the backup directory is present
func (m *Manager) Exists() bool {
	info, err := os.Stat(m.backupDir)
	return err == nil && info.IsDir()
}

// Snapshot copies the file into the backup tree unless the backup already
// holds it, or holds another file with the same stem in the same directory
// (the original a previous run compressed into this file). It returns true
// when a new copy was written.
func (m *Manager) Snapshot(path string) (bool, error) {
	dst, err := m.BackupPath(path)
	if err != nil {
		return false, err
	}

	covered, err := covered(dst)
	if err != nil {
		return false, err
	}
	if covered {
		return false, nil
	}

	if err := copyFile(path, dst); err != nil {
		return false, err
	}
	return true, nil
}

// SnapshotTree mirrors every file accepted by keep into the backup tree.
// Existing backups are left untouched. It returns the number of new copies.
func (m *Manager) SnapshotTree(keep func(path string) bool) (int, error) {
	copied := 0
	err := filepath.WalkDir(m.workDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if m.isBackupDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if keep != nil && !keep(path) {
			return nil
		}
		created, err := m.Snapshot(path)
		if err != nil {
			return err
		}
		if created {
			copied++
		}
		return nil
	})
	if err != nil {
		return copied, fmt.Errorf("failed to mirror %s: %w", m.workDir, err)
	}
	return copied, nil
}

// Restore replaces the working directory with a verbatim copy of the backup tree
func (m *Manager) Restore() (int, error) {
	if !m.Exists() {
		return 0, fmt.Errorf("%w: %s", ErrMissingBackup, m.backupDir)
	}
	if Nested(m.workDir, m.backupDir) {
		return 0, fmt.Errorf("refusing to restore: %s and %s are nested", m.workDir, m.backupDir)
	}

	if err := os.RemoveAll(m.workDir); err != nil {
		return 0, fmt.Errorf("failed to remove working directory %s: %w", m.workDir, err)
	}

	restored := 0
	err := filepath.WalkDir(m.backupDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(m.backupDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(m.workDir, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if err := copyFile(path, target); err != nil {
			return err
		}
		restored++
		return nil
	})
	if err != nil {
		return restored, fmt.Errorf("failed to restore from %s: %w", m.backupDir, err)
	}
	return restored, nil
}

// Lookup resolves name to a file in the backup tree. The name is tried as a
// path relative to the backup root, then as a file name anywhere in the tree,
// then as a file stem with any extension.
func (m *Manager) Lookup(name string) (string, error) {
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if !m.Exists() {
		return "", fmt.Errorf("%w: %s", ErrMissingBackup, m.backupDir)
	}

	direct := filepath.Join(m.backupDir, name)
	if info, err := os.Stat(direct); err == nil && !info.IsDir() {
		return direct, nil
	}

	base := filepath.Base(name)
	stem := stemOf(base)
	var byName, byStem string

	err := filepath.WalkDir(m.backupDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		file := d.Name()
		if byName == "" && strings.EqualFold(file, base) {
			byName = path
			return filepath.SkipAll
		}
		if byStem == "" && strings.EqualFold(stemOf(file), stem) {
			byStem = path
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to search %s: %w", m.backupDir, err)
	}

	switch {
	case byName != "":
		return byName, nil
	case byStem != "":
		return byStem, nil
	default:
		return "", fmt.Errorf("%w: %s in %s", ErrMissingBackup, name, m.backupDir)
	}
}

// WorkPath maps a backup file to its location in the working tree
func (m *Manager) WorkPath(backupPath string) (string, error) {
	rel, err := filepath.Rel(m.backupDir, backupPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s against %s: %w", backupPath, m.backupDir, err)
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s is outside the backup directory %s", ErrInvalidName, backupPath, m.backupDir)
	}
	return filepath.Join(m.workDir, rel), nil
}

// Nested reports whether a and b are the same directory or one contains the other.
func Nested(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return within(absA, absB) || within(absB, absA)
}

func within(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	return err == nil && (rel == "." || filepath.IsLocal(rel))
}

// covered reports whether dst, or a same-stem sibling of it, is already backed up.
func covered(dst string) (bool, error) {
	if _, err := os.Stat(dst); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat backup %s: %w", dst, err)
	}

	entries, err := os.ReadDir(filepath.Dir(dst))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read backup directory: %w", err)
	}
	stem := stemOf(filepath.Base(dst))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		if strings.EqualFold(stemOf(e.Name()), stem) {
			return true, nil
		}
	}
	return false, nil
}

func stemOf(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func (m *Manager) isBackupDir(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	backupAbs, err := filepath.Abs(m.backupDir)
	if err != nil {
		return false
	}
	return abs == backupAbs
}

// copyFile copies src to dst through a temporary file, keeping mode and mtime
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}

	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}

	if err := os.Chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to preserve times on %s: %w", dst, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", dst, err)
	}
	return nil
}
