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
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/openfroyo/devstate/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a run ID matches nothing.
var ErrRunNotFound = errors.New("run not found")

// timeLayout is how timestamps are stored; it sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// HistoryConfig holds SQLite history configuration.
type HistoryConfig struct {
	// Path is the database file.
	Path string

	// Retention is how many runs to keep; 0 keeps everything.
	Retention int
}

// SQLiteHistory records runs in a SQLite database.
type SQLiteHistory struct {
	db        *sql.DB
	path      string
	retention int
}

// OpenHistory opens (creating if needed) and migrates the history database.
func OpenHistory(ctx context.Context, cfg HistoryConfig) (*SQLiteHistory, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.Retention < 0 {
		return nil, fmt.Errorf("retention must not be negative")
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	h := &SQLiteHistory{path: cfg.Path, retention: cfg.Retention}
	if err := h.init(ctx); err != nil {
		return nil, err
	}
	if err := h.migrate(); err != nil {
		_ = h.db.Close()
		return nil, err
	}
	return h, nil
}

// init opens the connection with foreign keys and WAL enabled.
func (h *SQLiteHistory) init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", h.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer; also keeps :memory: databases on one connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	h.db = db
	return nil
}

// migrate runs the embedded schema migrations.
func (h *SQLiteHistory) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(h.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (h *SQLiteHistory) Close() error {
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (h *SQLiteHistory) HealthCheck(ctx context.Context) error {
	if h.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return h.db.PingContext(ctx)
}

// RecordRun implements engine.HistoryRecorder. The run and its observations
// are written in one transaction, then retention is applied.
func (h *SQLiteHistory) RecordRun(ctx context.Context, report *engine.Report) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, mode, intent, project, manifest_path, manifest_hash, stale,
			started_at, completed_at, healthy, missing, unknown, total, compliant, violations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.RunID,
		string(report.Mode),
		report.Intent,
		report.Project,
		report.ManifestPath,
		report.ManifestHash,
		boolInt(report.Stale),
		formatTime(report.StartedAt),
		formatTime(report.CompletedAt),
		report.Summary.Healthy,
		report.Summary.Missing,
		report.Summary.Unknown,
		report.Summary.Total,
		boolInt(report.Summary.Compliant()),
		len(report.Violations),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO observations (run_id, key, service, state, type, status, previous_status,
			evidence, observed_at, duration_ms, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare observation insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range report.Results {
		evidence, err := json.Marshal(r.Evidence)
		if err != nil {
			return fmt.Errorf("failed to encode evidence for %s: %w", r.Key, err)
		}
		if _, err := stmt.ExecContext(ctx,
			report.RunID,
			r.Key,
			r.Service,
			r.State,
			r.Type,
			string(r.Status),
			string(r.PreviousStatus),
			string(evidence),
			formatTime(r.ObservedAt),
			r.DurationMs,
			i,
		); err != nil {
			return fmt.Errorf("failed to record observation %s: %w", r.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	if h.retention > 0 {
		if _, err := h.Prune(ctx, h.retention); err != nil {
			return err
		}
	}
	return nil
}

const runColumns = `id, mode, intent, project, manifest_path, manifest_hash, stale,
	started_at, completed_at, healthy, missing, unknown, total, compliant, violations`

// ListRuns lists runs, newest first, with pagination.
func (h *SQLiteHistory) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// GetRun retrieves a run by ID or unique ID prefix.
func (h *SQLiteHistory) GetRun(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrRunNotFound)
	}

	pattern := strings.NewReplacer("%", `\%`, "_", `\_`).Replace(id) + "%"
	rows, err := h.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE id = ? OR id LIKE ? ESCAPE '\'
		ORDER BY id = ? DESC
		LIMIT 2
	`, id, pattern, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	defer rows.Close()

	var matches []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	switch {
	case len(matches) == 0:
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	case matches[0].ID == id || len(matches) == 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("run id prefix %s is ambiguous", id)
	}
}

const observationColumns = `run_id, key, service, state, type, status, previous_status,
	evidence, observed_at, duration_ms`

// ListObservations returns the observations of a run in plan order.
func (h *SQLiteHistory) ListObservations(ctx context.Context, runID string) ([]*Observation, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT `+observationColumns+`
		FROM observations
		WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer rows.Close()

	return scanObservations(rows)
}

// KeyHistory returns the most recent observations of one key, newest first.
func (h *SQLiteHistory) KeyHistory(ctx context.Context, key string, limit int) ([]*Observation, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT o.run_id, o.key, o.service, o.state, o.type, o.status, o.previous_status,
			o.evidence, o.observed_at, o.duration_ms
		FROM observations o
		JOIN runs r ON r.id = o.run_id
		WHERE o.key = ?
		ORDER BY r.started_at DESC
		LIMIT ?
	`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list key history: %w", err)
	}
	defer rows.Close()

	return scanObservations(rows)
}

// Prune deletes all but the newest keep runs and returns how many were removed.
func (h *SQLiteHistory) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM runs
		WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	// Cascade covers this when foreign keys are on.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM observations WHERE run_id NOT IN (SELECT id FROM runs)
	`); err != nil {
		return 0, fmt.Errorf("failed to prune observations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run                  Run
		stale, compliant     int
		startedAt, completed string
	)
	err := row.Scan(
		&run.ID,
		&run.Mode,
		&run.Intent,
		&run.Project,
		&run.ManifestPath,
		&run.ManifestHash,
		&stale,
		&startedAt,
		&completed,
		&run.Healthy,
		&run.Missing,
		&run.Unknown,
		&run.Total,
		&compliant,
		&run.Violations,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Stale = stale != 0
	run.Compliant = compliant != 0
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseTime(completed); err != nil {
		return nil, err
	}
	return &run, nil
}

func scanObservations(rows *sql.Rows) ([]*Observation, error) {
	out := []*Observation{}
	for rows.Next() {
		var (
			o                    Observation
			evidence, observedAt string
		)
		if err := rows.Scan(
			&o.RunID,
			&o.Key,
			&o.Service,
			&o.State,
			&o.Type,
			&o.Status,
			&o.PreviousStatus,
			&evidence,
			&observedAt,
			&o.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		if err := json.Unmarshal([]byte(evidence), &o.Evidence); err != nil {
			return nil, fmt.Errorf("failed to decode evidence for %s: %w", o.Key, err)
		}
		t, err := parseTime(observedAt)
		if err != nil {
			return nil, err
		}
		o.ObservedAt = t
		out = append(out, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate observations: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
