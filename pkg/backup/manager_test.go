package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

const testRunID = "20261019T120000Z-3f1c"

// mockCatalog stores records in memory.
type mockCatalog struct {
	mu      sync.Mutex
	records map[string]engine.BackupRecord
	fail    error
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{records: make(map[string]engine.BackupRecord)}
}

func (c *mockCatalog) RecordBackup(ctx context.Context, rec engine.BackupRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.records[rec.RunID+"|"+rec.OriginalPath] = rec
	return nil
}

func (c *mockCatalog) GetBackup(ctx context.Context, runID, path string) (*engine.BackupRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[runID+"|"+path]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (c *mockCatalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func newTestManager(t *testing.T, catalog Catalog) (*Manager, string) {
	t.Helper()
	base := t.TempDir()
	m, err := NewManager(filepath.Join(base, "backups"), catalog, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	work := filepath.Join(base, "work")
	if err := os.MkdirAll(work, 0o755); err != nil {
		t.Fatal(err)
	}
	return m, work
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatal(err)
	}
}

func TestNewManager_RequiresAbsoluteRoot(t *testing.T) {
	if _, err := NewManager("backups", nil, zerolog.Nop()); err == nil {
		t.Error("Expected error for relative root")
	}
}

func TestManager_Path(t *testing.T) {
	m, err := NewManager("/var/lib/froyo/backups", nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.Path(testRunID, "/etc/nginx/../nginx/nginx.conf")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := filepath.Join("/var/lib/froyo/backups", testRunID, "etc/nginx/nginx.conf")
	if got != want {
		t.Errorf("Expected %s, got: %s", want, got)
	}

	for _, runID := range []string{"", "..", "a/b", testRunID + ".records"} {
		if _, err := m.Path(runID, "/etc/hosts"); err == nil {
			t.Errorf("Expected error for run id %q", runID)
		}
	}
	if _, err := m.Path(testRunID, "etc/hosts"); err == nil {
		t.Error("Expected error for relative path")
	}
}

func TestManager_Layout(t *testing.T) {
	m, work := newTestManager(t, nil)
	ctx := context.Background()

	path := filepath.Join(work, "etc", "app.conf")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, "listen 80\n", 0o644)

	rec, err := m.Backup(ctx, testRunID, path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := filepath.Join(m.Root(), testRunID, path)
	if rec.BackupPath != want {
		t.Errorf("Expected backup at %s, got: %s", want, rec.BackupPath)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("Expected a copy at the original path under the run, got: %v", err)
	}
	if string(data) != "listen 80\n" {
		t.Errorf("Expected copied content, got: %q", data)
	}

	entries, err := os.ReadDir(filepath.Join(m.Root(), testRunID+".records"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("Expected one record beside the run directory, got: %v (%v)", entries, err)
	}

	// A stray directory in the root is not a run.
	if err := os.MkdirAll(filepath.Join(m.Root(), "lost+found"), 0o700); err != nil {
		t.Fatal(err)
	}
	runs, err := m.Runs()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0] != testRunID {
		t.Errorf("Expected only %s, got: %v", testRunID, runs)
	}
}

func TestManager_BackupAndRestore(t *testing.T) {
	catalog := newMockCatalog()
	m, work := newTestManager(t, catalog)
	ctx := context.Background()

	path := filepath.Join(work, "app.conf")
	writeFile(t, path, "original\n", 0o640)
	mtime := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	rec, err := m.Backup(ctx, testRunID, path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !rec.Existed || rec.Size != int64(len("original\n")) || rec.Mode != 0o640 {
		t.Errorf("Unexpected record: %+v", rec)
	}
	if len(rec.Checksum) != 64 {
		t.Errorf("Expected a BLAKE2b-256 hex checksum, got: %q", rec.Checksum)
	}
	if catalog.Len() != 1 {
		t.Errorf("Expected the record to be cataloged, got %d", catalog.Len())
	}

	// Mutate, then a second backup in the same run must keep the first snapshot.
	writeFile(t, path, "changed\n", 0o600)
	again, err := m.Backup(ctx, testRunID, path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if again.Checksum != rec.Checksum {
		t.Error("Expected the first backup of a path to win")
	}

	if err := m.Restore(ctx, testRunID, path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "original\n" {
		t.Errorf("Expected original content, got: %q", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o640 {
		t.Errorf("Expected mode 0640, got: %04o", info.Mode().Perm())
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("Expected mtime %s, got: %s", mtime, info.ModTime())
	}
}

func TestManager_MissingSource(t *testing.T) {
	m, work := newTestManager(t, nil)
	ctx := context.Background()
	path := filepath.Join(work, "new.conf")

	rec, err := m.Backup(ctx, testRunID, path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if rec.Existed || rec.BackupPath != "" {
		t.Errorf("Expected a record of absence, got: %+v", rec)
	}

	writeFile(t, path, "created by run\n", 0o644)
	if err := m.Restore(ctx, testRunID, path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected restore to remove the created file, got: %v", err)
	}

	// Restoring again is a no-op.
	if err := m.Restore(ctx, testRunID, path); err != nil {
		t.Errorf("Expected second restore to succeed, got: %v", err)
	}
}

func TestManager_RejectsNonRegular(t *testing.T) {
	m, work := newTestManager(t, nil)
	if _, err := m.Backup(context.Background(), testRunID, work); err == nil {
		t.Error("Expected error backing up a directory")
	}
}

func TestManager_CatalogFailure(t *testing.T) {
	catalog := newMockCatalog()
	catalog.fail = errors.New("database is locked")
	m, work := newTestManager(t, catalog)

	path := filepath.Join(work, "a")
	writeFile(t, path, "a", 0o644)
	if _, err := m.Backup(context.Background(), testRunID, path); err == nil {
		t.Error("Expected catalog failure to fail the backup")
	}
}

func TestManager_CorruptBackup(t *testing.T) {
	m, work := newTestManager(t, nil)
	ctx := context.Background()

	path := filepath.Join(work, "a.conf")
	writeFile(t, path, "good", 0o644)
	rec, err := m.Backup(ctx, testRunID, path)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, rec.BackupPath, "tampered", 0o600)
	writeFile(t, path, "current", 0o644)

	err = m.Restore(ctx, testRunID, path)
	if err == nil || !strings.Contains(err.Error(), "corrupt") {
		t.Fatalf("Expected checksum failure, got: %v", err)
	}
	if data, _ := os.ReadFile(path); string(data) != "current" {
		t.Errorf("Expected the original to be left alone, got: %q", data)
	}
}

func TestManager_RestoreRunAndMatching(t *testing.T) {
	m, work := newTestManager(t, nil)
	ctx := context.Background()

	confDir := filepath.Join(work, "conf.d")
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		t.Fatal(err)
	}
	paths := []string{
		filepath.Join(work, "main.conf"),
		filepath.Join(confDir, "a.conf"),
		filepath.Join(confDir, "b.conf"),
	}
	for _, p := range paths {
		writeFile(t, p, "before "+filepath.Base(p), 0o644)
		if _, err := m.Backup(ctx, testRunID, p); err != nil {
			t.Fatal(err)
		}
		writeFile(t, p, "after", 0o644)
	}

	restored, err := m.RestoreMatching(ctx, testRunID, filepath.ToSlash(confDir)+"/*.conf")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(restored) != 2 {
		t.Fatalf("Expected 2 restored paths, got: %d", len(restored))
	}
	if data, _ := os.ReadFile(paths[0]); string(data) != "after" {
		t.Errorf("Expected unmatched path untouched, got: %q", data)
	}

	restored, err = m.RestoreRun(ctx, testRunID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(restored) != 3 {
		t.Errorf("Expected 3 restored paths, got: %d", len(restored))
	}
	for _, p := range paths {
		if data, _ := os.ReadFile(p); string(data) != "before "+filepath.Base(p) {
			t.Errorf("Expected %s restored, got: %q", p, data)
		}
	}

	if _, err := m.RestoreMatching(ctx, testRunID, "[unclosed"); err == nil {
		t.Error("Expected error for invalid pattern")
	}
}

func TestManager_RestoreRunAggregatesErrors(t *testing.T) {
	m, work := newTestManager(t, nil)
	ctx := context.Background()

	good := filepath.Join(work, "good")
	bad := filepath.Join(work, "bad")
	for _, p := range []string{good, bad} {
		writeFile(t, p, "v1", 0o644)
	}
	if _, err := m.Backup(ctx, testRunID, good); err != nil {
		t.Fatal(err)
	}
	rec, err := m.Backup(ctx, testRunID, bad)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(rec.BackupPath); err != nil {
		t.Fatal(err)
	}
	writeFile(t, good, "v2", 0o644)

	restored, err := m.RestoreRun(ctx, testRunID)
	if err == nil {
		t.Fatal("Expected an error for the missing backup")
	}
	if len(restored) != 1 || restored[0].OriginalPath != good {
		t.Errorf("Expected the good path to be restored anyway, got: %+v", restored)
	}
}

func TestManager_RunsAndRecords(t *testing.T) {
	m, work := newTestManager(t, nil)
	ctx := context.Background()

	runs, err := m.Runs()
	if err != nil || len(runs) != 0 {
		t.Fatalf("Expected no runs before any backup, got: %v (%v)", runs, err)
	}

	second := "20261019T130000Z-aaaa"
	for _, run := range []string{second, testRunID} {
		p := filepath.Join(work, run)
		writeFile(t, p, run, 0o644)
		if _, err := m.Backup(ctx, run, p); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.Backup(ctx, testRunID, filepath.Join(work, "missing")); err != nil {
		t.Fatal(err)
	}

	runs, err = m.Runs()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0] != testRunID || runs[1] != second {
		t.Errorf("Expected runs in creation order, got: %v", runs)
	}

	records, err := m.Records(testRunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got: %d", len(records))
	}
	if records[0].OriginalPath > records[1].OriginalPath {
		t.Error("Expected records sorted by path")
	}

	if _, err := m.Records("20990101T000000Z-none"); !errors.Is(err, ErrNoBackup) {
		t.Errorf("Expected ErrNoBackup, got: %v", err)
	}
}

func TestManager_ConcurrentBackupsOfSamePath(t *testing.T) {
	m, work := newTestManager(t, nil)
	path := filepath.Join(work, "shared")
	writeFile(t, path, "shared", 0o644)

	var wg sync.WaitGroup
	sums := make([]string, 8)
	for i := range sums {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := m.Backup(context.Background(), testRunID, path)
			if err != nil {
				t.Errorf("Backup failed: %v", err)
				return
			}
			sums[i] = rec.Checksum
		}(i)
	}
	wg.Wait()

	for _, s := range sums[1:] {
		if s != sums[0] {
			t.Fatalf("Expected identical records, got: %v", sums)
		}
	}
}
