package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/converge/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Summary == "" {
		run.Summary = "{}"
	}

	query := `
		INSERT INTO runs (id, source, status, dry_run, total, summary, started_at, completed_at, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Source,
		string(run.Status),
		run.DryRun,
		run.Total,
		run.Summary,
		run.StartedAt.UTC(),
		run.CompletedAt,
		run.Error,
		run.CreatedAt,
		run.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// FinishRun records the terminal status and summary of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status engine.RunStatus, summary engine.RunSummary, errMsg *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot finish run %s with non-terminal status %s", id, status)
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	now := time.Now().UTC()
	query := `
		UPDATE runs
		SET status = ?, summary = ?, completed_at = ?, error = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, string(status), string(data), now, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, source, status, dry_run, total, summary, started_at, completed_at, error, created_at, updated_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs, most recent first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, source, status, dry_run, total, summary, started_at, completed_at, error, created_at, updated_at
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run together with its node results
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// SaveNodeResult stores the terminal result of a node
func (s *SQLiteStore) SaveNodeResult(ctx context.Context, result *NodeResult) error {
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO node_results (run_id, position, resource_type, resource_name, source, status, message, diff,
			error_code, error, started_at, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		result.RunID,
		result.Position,
		result.ResourceType,
		result.ResourceName,
		result.Source,
		string(result.Status),
		result.Message,
		result.Diff,
		result.ErrorCode,
		result.Error,
		result.StartedAt,
		result.DurationMS,
		result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save node result: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get node result ID: %w", err)
	}

	result.ID = id
	return nil
}

// ListNodeResults lists the node results of a run in topological order
func (s *SQLiteStore) ListNodeResults(ctx context.Context, runID string) ([]*NodeResult, error) {
	query := `
		SELECT id, run_id, position, resource_type, resource_name, source, status, message, diff,
			error_code, error, started_at, duration_ms, created_at
		FROM node_results
		WHERE run_id = ?
		ORDER BY position ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node results: %w", err)
	}
	defer rows.Close()

	results := []*NodeResult{}
	for rows.Next() {
		r := &NodeResult{}
		var status string
		err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.Position,
			&r.ResourceType,
			&r.ResourceName,
			&r.Source,
			&status,
			&r.Message,
			&r.Diff,
			&r.ErrorCode,
			&r.Error,
			&r.StartedAt,
			&r.DurationMS,
			&r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node result: %w", err)
		}
		r.Status = engine.NodeStatus(status)
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node results: %w", err)
	}

	return results, nil
}

// RecordBackup catalogs a backup. The first record of a path within a run wins.
func (s *SQLiteStore) RecordBackup(ctx context.Context, record engine.BackupRecord) error {
	query := `
		INSERT INTO backups (run_id, original_path, backup_path, existed, size, mode, mod_time, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, original_path) DO NOTHING
	`

	var modTime *time.Time
	if !record.ModTime.IsZero() {
		t := record.ModTime.UTC()
		modTime = &t
	}

	_, err := s.db.ExecContext(ctx, query,
		record.RunID,
		record.OriginalPath,
		record.BackupPath,
		record.Existed,
		record.Size,
		int64(record.Mode),
		modTime,
		record.Checksum,
		record.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record backup: %w", err)
	}

	return nil
}

// GetBackup returns the backup of a path within a run, or nil if there is none.
func (s *SQLiteStore) GetBackup(ctx context.Context, runID, originalPath string) (*engine.BackupRecord, error) {
	query := `
		SELECT run_id, original_path, backup_path, existed, size, mode, mod_time, checksum, created_at
		FROM backups
		WHERE run_id = ? AND original_path = ?
	`

	rec, err := scanBackup(s.db.QueryRowContext(ctx, query, runID, originalPath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get backup: %w", err)
	}

	return rec, nil
}

// ListBackups lists the backups of a run ordered by path
func (s *SQLiteStore) ListBackups(ctx context.Context, runID string) ([]*engine.BackupRecord, error) {
	query := `
		SELECT run_id, original_path, backup_path, existed, size, mode, mod_time, checksum, created_at
		FROM backups
		WHERE run_id = ?
		ORDER BY original_path ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	records := []*engine.BackupRecord{}
	for rows.Next() {
		rec, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backup: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backups: %w", err)
	}

	return records, nil
}

// AppendEvent appends an event to the event log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}

	query := `
		INSERT INTO events (event_id, run_id, resource, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.RunID,
		event.Resource,
		event.Type,
		string(event.Level),
		event.Message,
		event.Details,
		event.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListEvents lists events, oldest first, optionally filtered by run and level
func (s *SQLiteStore) ListEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, event_id, run_id, resource, type, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY timestamp ASC, id ASC
		LIMIT ? OFFSET ?
	`

	var lvl *string
	if level != nil {
		l := string(*level)
		lvl = &l
	}

	rows, err := s.db.QueryContext(ctx, query, runID, runID, lvl, lvl, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		var level string
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.RunID,
			&event.Resource,
			&event.Type,
			&level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Level = EventLevel(level)
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies database connectivity
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var status string
	err := row.Scan(
		&run.ID,
		&run.Source,
		&status,
		&run.DryRun,
		&run.Total,
		&run.Summary,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = engine.RunStatus(status)
	return run, nil
}

func scanBackup(row scanner) (*engine.BackupRecord, error) {
	rec := &engine.BackupRecord{}
	var mode int64
	var modTime *time.Time
	err := row.Scan(
		&rec.RunID,
		&rec.OriginalPath,
		&rec.BackupPath,
		&rec.Existed,
		&rec.Size,
		&mode,
		&modTime,
		&rec.Checksum,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Mode = os.FileMode(mode)
	if modTime != nil {
		rec.ModTime = *modTime
	}
	return rec, nil
}
