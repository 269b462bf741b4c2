package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaakkos/agentgate/internal/app"
	"github.com/jaakkos/agentgate/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS repos (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_url TEXT NOT NULL,
	local_path TEXT NOT NULL UNIQUE,
	full_path TEXT NOT NULL,
	branch TEXT NOT NULL DEFAULT '',
	default_branch TEXT NOT NULL DEFAULT '',
	clone_status TEXT NOT NULL,
	cloned_at TEXT NOT NULL,
	last_pulled TEXT NOT NULL DEFAULT '',
	opencode_config_name TEXT NOT NULL DEFAULT '',
	is_worktree INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS process_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL,
	kind TEXT NOT NULL,
	pid INTEGER NOT NULL DEFAULT 0,
	port INTEGER NOT NULL DEFAULT 0,
	detail TEXT NOT NULL DEFAULT '',
	at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const indexes = `
CREATE INDEX IF NOT EXISTS idx_repos_url ON repos(repo_url);
CREATE INDEX IF NOT EXISTS idx_process_events_repo ON process_events(repo_id, id);
`

// maxEvents bounds the process_events table.
const maxEvents = 1000

const repoColumns = `id, repo_url, local_path, full_path, branch, default_branch, clone_status,
	cloned_at, last_pulled, opencode_config_name, is_worktree, error`

// Store is a SQLite-backed app.RepoStore and app.EventLog.
type Store struct {
	db *sql.DB
}

var (
	_ app.RepoStore = (*Store)(nil)
	_ app.EventLog  = (*Store)(nil)
)

// New opens the SQLite database at path (creating parent dirs and schema).
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite indexes: %w", err)
	}
	// Run migrations for existing databases (ignore errors for already-applied migrations).
	_ = runMigrations(db)
	return &Store{db: db}, nil
}

// runMigrations applies schema migrations for older databases. Errors are
// silently ignored because some may already be applied.
func runMigrations(db *sql.DB) error {
	_, _ = db.Exec("ALTER TABLE repos ADD COLUMN opencode_config_name TEXT NOT NULL DEFAULT ''")
	_, _ = db.Exec("ALTER TABLE repos ADD COLUMN is_worktree INTEGER NOT NULL DEFAULT 0")
	_, _ = db.Exec("ALTER TABLE repos ADD COLUMN error TEXT NOT NULL DEFAULT ''")
	_, _ = db.Exec("INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', '1')")
	return nil
}

// Close releases the database connection. Call on shutdown for clean exit.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// parseTime parses RFC3339Nano or returns zero time and error.
func parseTime(s, context string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: parse timestamp %q: %w", context, s, err)
	}
	return t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// isUniqueErr returns true if the error is a UNIQUE constraint violation.
func isUniqueErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRepo(row scanner) (*domain.Repository, error) {
	var (
		r          domain.Repository
		status     string
		clonedAt   string
		lastPulled string
		worktree   int
	)
	if err := row.Scan(&r.ID, &r.RepoURL, &r.LocalPath, &r.FullPath, &r.Branch, &r.DefaultBranch,
		&status, &clonedAt, &lastPulled, &r.OpenCodeConfigName, &worktree, &r.Error); err != nil {
		return nil, err
	}
	r.CloneStatus = domain.CloneStatus(status)
	r.IsWorktree = worktree != 0
	var err error
	if r.ClonedAt, err = parseTime(clonedAt, "repos cloned_at"); err != nil {
		return nil, err
	}
	if lastPulled != "" {
		t, err := parseTime(lastPulled, "repos last_pulled")
		if err != nil {
			return nil, err
		}
		r.LastPulled = &t
	}
	return &r, nil
}

func repoArgs(r *domain.Repository) []any {
	lastPulled := ""
	if r.LastPulled != nil {
		lastPulled = formatTime(*r.LastPulled)
	}
	worktree := 0
	if r.IsWorktree {
		worktree = 1
	}
	return []any{r.RepoURL, r.LocalPath, r.FullPath, r.Branch, r.DefaultBranch, string(r.CloneStatus),
		formatTime(r.ClonedAt), lastPulled, r.OpenCodeConfigName, worktree, r.Error}
}

// CreateRepo inserts r and returns its new id. LocalPath must be unique.
func (s *Store) CreateRepo(r *domain.Repository) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO repos (repo_url, local_path, full_path, branch, default_branch,
		clone_status, cloned_at, last_pulled, opencode_config_name, is_worktree, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, repoArgs(r)...)
	if isUniqueErr(err) {
		return 0, fmt.Errorf("repos: local path %q already in use", r.LocalPath)
	}
	if err != nil {
		return 0, fmt.Errorf("insert repo: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert repo id: %w", err)
	}
	r.ID = id
	return id, nil
}

// GetRepo returns the repository with id, or app.ErrRepoNotFound.
func (s *Store) GetRepo(id int64) (*domain.Repository, error) {
	r, err := scanRepo(s.db.QueryRow(`SELECT `+repoColumns+` FROM repos WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, app.ErrRepoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get repo %d: %w", id, err)
	}
	return r, nil
}

// FindRepoByPath returns the repository checked out at localPath, or app.ErrRepoNotFound.
func (s *Store) FindRepoByPath(localPath string) (*domain.Repository, error) {
	r, err := scanRepo(s.db.QueryRow(`SELECT `+repoColumns+` FROM repos WHERE local_path = ?`, localPath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, app.ErrRepoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find repo %q: %w", localPath, err)
	}
	return r, nil
}

// ListRepos returns all repositories ordered by id.
func (s *Store) ListRepos() ([]domain.Repository, error) {
	rows, err := s.db.Query(`SELECT ` + repoColumns + ` FROM repos ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer rows.Close()

	var repos []domain.Repository
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

// UpdateRepo overwrites the stored record for r.ID.
func (s *Store) UpdateRepo(r *domain.Repository) error {
	args := append(repoArgs(r), r.ID)
	res, err := s.db.Exec(`UPDATE repos SET repo_url = ?, local_path = ?, full_path = ?, branch = ?,
		default_branch = ?, clone_status = ?, cloned_at = ?, last_pulled = ?, opencode_config_name = ?,
		is_worktree = ?, error = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update repo %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return app.ErrRepoNotFound
	}
	return nil
}

// DeleteRepo removes the record and its event history.
func (s *Store) DeleteRepo(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`DELETE FROM repos WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete repo %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return app.ErrRepoNotFound
	}
	if _, err := tx.Exec(`DELETE FROM process_events WHERE repo_id = ?`, id); err != nil {
		return fmt.Errorf("delete repo %d events: %w", id, err)
	}
	return tx.Commit()
}

// AppendEvent records e and trims the history to the newest maxEvents rows.
func (s *Store) AppendEvent(e domain.Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if _, err := s.db.Exec(`INSERT INTO process_events (repo_id, kind, pid, port, detail, at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.RepoID, string(e.Kind), e.PID, e.Port, e.Detail, formatTime(e.At)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM process_events WHERE id <= (SELECT MAX(id) FROM process_events) - ?`, maxEvents); err != nil {
		return fmt.Errorf("trim events: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first. repoID 0 means all repositories.
func (s *Store) RecentEvents(repoID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 || limit > maxEvents {
		limit = maxEvents
	}
	query := `SELECT repo_id, kind, pid, port, detail, at FROM process_events`
	args := []any{}
	if repoID != 0 {
		query += ` WHERE repo_id = ?`
		args = append(args, repoID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			e    domain.Event
			kind string
			at   string
		)
		if err := rows.Scan(&e.RepoID, &kind, &e.PID, &e.Port, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.Kind = domain.EventKind(kind)
		if e.At, err = parseTime(at, "process_events"); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
