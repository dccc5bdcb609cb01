// Package backup snapshots files before they are mutated and restores them by run.
//
// Backups live under a root directory, namespaced by run identifier:
//
//	<root>/<run-id>/<original absolute path>
//	<root>/<run-id>.records/<digest of original path>.json
//
// Records sit beside the run directory so no mutated path can collide with them.
//
// Every record carries a BLAKE2b-256 checksum that is verified before a restore.
// A path that did not exist when it was backed up gets a record with Existed=false and
// no copy; restoring it removes whatever the run created there.
package backup

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/converge/pkg/engine"
)

const recordsSuffix = ".records"

// ErrNoBackup is returned when a run has no backup for a path.
var ErrNoBackup = errors.New("no backup found")

// Catalog persists backup records outside the backup tree.
type Catalog interface {
	RecordBackup(ctx context.Context, record engine.BackupRecord) error

	// GetBackup returns the record for a path within a run, or nil if there is none.
	GetBackup(ctx context.Context, runID, originalPath string) (*engine.BackupRecord, error)
}

// Manager takes and restores backups. It implements engine.Backupper.
type Manager struct {
	root    string
	catalog Catalog
	logger  zerolog.Logger
	flight  singleflight.Group
}

// NewManager creates a manager rooted at root. catalog may be nil.
func NewManager(root string, catalog Catalog, logger zerolog.Logger) (*Manager, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("backup root %q must be absolute", root)
	}
	return &Manager{
		root:    filepath.Clean(root),
		catalog: catalog,
		logger:  logger.With().Str("component", "backup").Logger(),
	}, nil
}

// Root returns the backup root directory.
func (m *Manager) Root() string {
	return m.root
}

// Path computes where a backup of original is stored for runID.
func (m *Manager) Path(runID, original string) (string, error) {
	if err := validateRunID(runID); err != nil {
		return "", err
	}
	if !filepath.IsAbs(original) {
		return "", fmt.Errorf("path %q must be absolute", original)
	}

	clean := filepath.Clean(original)
	vol := filepath.VolumeName(clean)
	rest := strings.TrimPrefix(clean, vol)

	parts := []string{m.root, runID}
	if vol != "" {
		parts = append(parts, sanitizeVolume(vol))
	}
	return filepath.Join(append(parts, rest)...), nil
}

// Backup snapshots path for runID. Only the first backup of a path within a run is
// kept; later calls return the original record.
func (m *Manager) Backup(ctx context.Context, runID, path string) (engine.BackupRecord, error) {
	backupPath, err := m.Path(runID, path)
	if err != nil {
		return engine.BackupRecord{}, err
	}
	original := filepath.Clean(path)

	v, err, _ := m.flight.Do(runID+"\x00"+original, func() (interface{}, error) {
		if rec, err := m.readRecord(runID, original); err == nil {
			return rec, nil
		} else if !errors.Is(err, ErrNoBackup) {
			return nil, err
		}
		return m.take(ctx, runID, original, backupPath)
	})
	if err != nil {
		return engine.BackupRecord{}, err
	}
	return *(v.(*engine.BackupRecord)), nil
}

func (m *Manager) take(ctx context.Context, runID, original, backupPath string) (*engine.BackupRecord, error) {
	rec := &engine.BackupRecord{
		RunID:        runID,
		OriginalPath: original,
		BackupPath:   backupPath,
		CreatedAt:    time.Now().UTC(),
	}

	info, err := os.Lstat(original)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		rec.BackupPath = ""
	case err != nil:
		return nil, fmt.Errorf("failed to stat %s: %w", original, err)
	case !info.Mode().IsRegular():
		return nil, fmt.Errorf("cannot back up %s: not a regular file", original)
	default:
		rec.Existed = true
		rec.Mode = info.Mode().Perm()
		rec.ModTime = info.ModTime()

		size, sum, err := copyFile(original, backupPath, rec.Mode, rec.ModTime)
		if err != nil {
			return nil, fmt.Errorf("failed to back up %s: %w", original, err)
		}
		rec.Size = size
		rec.Checksum = sum
	}

	if err := m.writeRecord(rec); err != nil {
		return nil, err
	}
	if m.catalog != nil {
		if err := m.catalog.RecordBackup(ctx, *rec); err != nil {
			return nil, fmt.Errorf("failed to catalog backup of %s: %w", original, err)
		}
	}

	m.logger.Debug().
		Str("run_id", runID).
		Str("path", original).
		Bool("existed", rec.Existed).
		Int64("size", rec.Size).
		Msg("Backed up file")
	return rec, nil
}

// Restore puts a single path back as it was before runID touched it.
func (m *Manager) Restore(ctx context.Context, runID, path string) error {
	if err := validateRunID(runID); err != nil {
		return err
	}
	rec, err := m.lookup(ctx, runID, filepath.Clean(path))
	if err != nil {
		return err
	}
	return m.restore(rec)
}

// RestoreRun restores every path backed up during runID.
// All paths are attempted; failures are aggregated.
func (m *Manager) RestoreRun(ctx context.Context, runID string) ([]engine.BackupRecord, error) {
	return m.RestoreMatching(ctx, runID, "")
}

// RestoreMatching restores the paths of runID that match a glob pattern, where '*' does
// not cross '/' and '**' does. An empty pattern matches every path.
func (m *Manager) RestoreMatching(ctx context.Context, runID, pattern string) ([]engine.BackupRecord, error) {
	var g glob.Glob
	if pattern != "" {
		var err error
		if g, err = glob.Compile(pattern, '/'); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}

	records, err := m.Records(runID)
	if err != nil {
		return nil, err
	}

	var restored []engine.BackupRecord
	var result *multierror.Error
	for _, rec := range records {
		if g != nil && !g.Match(filepath.ToSlash(rec.OriginalPath)) {
			continue
		}
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		if err := m.restore(rec); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		restored = append(restored, *rec)
	}
	return restored, result.ErrorOrNil()
}

func (m *Manager) restore(rec *engine.BackupRecord) error {
	if !rec.Existed {
		err := os.Remove(rec.OriginalPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", rec.OriginalPath, err)
		}
		m.logger.Info().Str("run_id", rec.RunID).Str("path", rec.OriginalPath).Msg("Removed file created by run")
		return nil
	}

	sum, err := checksumFile(rec.BackupPath)
	if err != nil {
		return fmt.Errorf("failed to read backup of %s: %w", rec.OriginalPath, err)
	}
	if rec.Checksum != "" && sum != rec.Checksum {
		return fmt.Errorf("backup of %s is corrupt: checksum %s, expected %s", rec.OriginalPath, sum, rec.Checksum)
	}

	if err := os.MkdirAll(filepath.Dir(rec.OriginalPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rec.OriginalPath, err)
	}
	if _, _, err := copyFile(rec.BackupPath, rec.OriginalPath, rec.Mode, rec.ModTime); err != nil {
		return fmt.Errorf("failed to restore %s: %w", rec.OriginalPath, err)
	}

	m.logger.Info().Str("run_id", rec.RunID).Str("path", rec.OriginalPath).Msg("Restored file")
	return nil
}

// Runs lists the run identifiers that have backups, oldest first.
func (m *Manager) Runs() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list backup root: %w", err)
	}

	var runs []string
	for _, e := range entries {
		runID, ok := strings.CutSuffix(e.Name(), recordsSuffix)
		if e.IsDir() && ok && validateRunID(runID) == nil {
			runs = append(runs, runID)
		}
	}
	sort.Strings(runs)
	return runs, nil
}

// Records lists the backups of a run, sorted by original path.
func (m *Manager) Records(runID string) ([]*engine.BackupRecord, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}

	dir := m.recordsDir(runID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w for run %s", ErrNoBackup, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list backups of %s: %w", runID, err)
	}

	var records []*engine.BackupRecord
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		rec, err := loadRecord(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].OriginalPath < records[j].OriginalPath
	})
	return records, nil
}

// lookup finds a record, preferring the catalog.
func (m *Manager) lookup(ctx context.Context, runID, original string) (*engine.BackupRecord, error) {
	if m.catalog != nil {
		rec, err := m.catalog.GetBackup(ctx, runID, original)
		if err != nil {
			return nil, fmt.Errorf("failed to look up backup of %s: %w", original, err)
		}
		if rec != nil {
			return rec, nil
		}
	}
	return m.readRecord(runID, original)
}

func (m *Manager) recordsDir(runID string) string {
	return filepath.Join(m.root, runID+recordsSuffix)
}

func (m *Manager) recordPath(runID, original string) string {
	sum := blake2b.Sum256([]byte(original))
	return filepath.Join(m.recordsDir(runID), hex.EncodeToString(sum[:16])+".json")
}

// validateRunID rejects identifiers that would land in another run's record directory.
func validateRunID(runID string) error {
	if err := engine.ValidateRunID(runID); err != nil {
		return err
	}
	if strings.HasSuffix(runID, recordsSuffix) {
		return fmt.Errorf("invalid run id %q: reserved suffix %s", runID, recordsSuffix)
	}
	return nil
}

func (m *Manager) readRecord(runID, original string) (*engine.BackupRecord, error) {
	rec, err := loadRecord(m.recordPath(runID, original))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w for %s in run %s", ErrNoBackup, original, runID)
	}
	return rec, err
}

func (m *Manager) writeRecord(rec *engine.BackupRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode backup record: %w", err)
	}
	path := m.recordPath(rec.RunID, rec.OriginalPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}
	if err := writeAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write backup record: %w", err)
	}
	return nil
}

func loadRecord(path string) (*engine.BackupRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec engine.BackupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode backup record %s: %w", path, err)
	}
	return &rec, nil
}

// copyFile copies src to dst through a temporary file, then sets mode and mtime.
// It returns the number of bytes copied and their checksum.
func copyFile(src, dst string, mode os.FileMode, mtime time.Time) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return 0, "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return 0, "", err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h, _ := blake2b.New256(nil)
	n, err := io.Copy(io.MultiWriter(tmp, h), in)
	if err != nil {
		tmp.Close()
		return 0, "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, "", err
	}
	if err := tmp.Close(); err != nil {
		return 0, "", err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return 0, "", err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return 0, "", err
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(dst, mtime, mtime); err != nil {
			return 0, "", err
		}
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, _ := blake2b.New256(nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sanitizeVolume(vol string) string {
	r := strings.NewReplacer(":", "", `\`, "_", "/", "_")
	return r.Replace(vol)
}
