package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/remerge/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes all DB access through Go's connection pool, preventing
	// "database is locked" errors from concurrent scheduler goroutines.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, r *models.Run) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, repo_path, ours_ref, theirs_ref, status, conflict_count, resolved, unresolved_edited, unresolved_untouched, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RepoPath, r.OursRef, r.TheirsRef, r.Status,
		r.ConflictCount, r.Resolved, r.UnresolvedEdited, r.UnresolvedUntouched, r.StartedAt, r.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, repo_path, ours_ref, theirs_ref, status, conflict_count, resolved, unresolved_edited, unresolved_untouched, started_at, ended_at
		FROM runs WHERE id = ?`, id)

	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, repoPath string, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if repoPath != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, repo_path, ours_ref, theirs_ref, status, conflict_count, resolved, unresolved_edited, unresolved_untouched, started_at, ended_at
			FROM runs WHERE repo_path = ? ORDER BY started_at DESC LIMIT ?`, repoPath, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, repo_path, ours_ref, theirs_ref, status, conflict_count, resolved, unresolved_edited, unresolved_untouched, started_at, ended_at
			FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, r *models.Run) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, conflict_count = ?, resolved = ?, unresolved_edited = ?, unresolved_untouched = ?, ended_at = ?
		WHERE id = ?`,
		r.Status, r.ConflictCount, r.Resolved, r.UnresolvedEdited, r.UnresolvedUntouched, r.EndedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	r := &models.Run{}
	var endedAt sql.NullTime
	err := row.Scan(&r.ID, &r.RepoPath, &r.OursRef, &r.TheirsRef, &r.Status,
		&r.ConflictCount, &r.Resolved, &r.UnresolvedEdited, &r.UnresolvedUntouched, &r.StartedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	return r, nil
}

// --- Outcomes ---

func (s *SQLiteStore) CreateOutcome(ctx context.Context, runID string, o *models.WorkerOutcome) error {
	finishedAt := o.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (id, run_id, path, success, changed, summary, session_key, status, error, attempt, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		newULID(), runID, o.Path, boolToInt(o.Success), boolToInt(o.Changed),
		o.Summary, o.SessionKey, o.Status, o.Error, o.Attempt, finishedAt,
	)
	if err != nil {
		return fmt.Errorf("create outcome: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, runID string) ([]*models.WorkerOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, success, changed, summary, session_key, status, error, attempt, finished_at
		FROM outcomes WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []*models.WorkerOutcome
	for rows.Next() {
		o := &models.WorkerOutcome{}
		if err := rows.Scan(&o.Path, &o.Success, &o.Changed, &o.Summary, &o.SessionKey, &o.Status, &o.Error, &o.Attempt, &o.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// --- Triage dispatches ---

func (s *SQLiteStore) CreateDispatch(ctx context.Context, d *models.TriageDispatch) error {
	if d.ID == "" {
		d.ID = newULID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO triage_dispatches (id, run_id, label, session_key, matched, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.RunID, d.Label, d.SessionKey, boolToInt(d.Matched), d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create dispatch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDispatches(ctx context.Context, runID string) ([]*models.TriageDispatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, label, session_key, matched, created_at
		FROM triage_dispatches WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var dispatches []*models.TriageDispatch
	for rows.Next() {
		d := &models.TriageDispatch{}
		if err := rows.Scan(&d.ID, &d.RunID, &d.Label, &d.SessionKey, &d.Matched, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		dispatches = append(dispatches, d)
	}
	return dispatches, rows.Err()
}
