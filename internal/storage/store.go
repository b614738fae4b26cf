package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/inboxd/internal/failure"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is a fixed-width UTC millisecond format. Fixed width keeps the
// lexicographic order of stored timestamps identical to chronological order,
// which the timestamp index relies on.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Store is the durable, indexed audit store for error records. All access is
// serialized through one mutex: the underlying engine is not assumed safe for
// concurrent writers.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the error database at dbPath and runs pending
// migrations. Pass ":memory:" for an in-memory database (used by tests).
// An unusable path fails loudly here, at startup.
func Open(dbPath string) (*Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

const recordColumns = `id, timestamp, category, severity, exception_type, exception_message,
	traceback, component, operation, context, recovery_strategy, recovery_attempted,
	recovery_successful, recovery_attempts, max_recovery_attempts, resolved, resolved_at, notes`

// SaveError upserts rec keyed by ID: insert-or-replace, last write wins.
// It is used both for creation and for every subsequent mutation.
func (s *Store) SaveError(rec *failure.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contextJSON := "{}"
	if rec.Context != nil {
		b, err := json.Marshal(rec.Context)
		if err != nil {
			// Context is sanitized before it reaches the store; a marshal
			// failure here means an unsanitized record slipped through.
			return fmt.Errorf("marshalling context for %s: %w", rec.ID, err)
		}
		contextJSON = string(b)
	}

	var recoverySuccessful any
	if rec.RecoverySuccessful != nil {
		recoverySuccessful = boolToInt(*rec.RecoverySuccessful)
	}
	var resolvedAt any
	if rec.ResolvedAt != nil {
		resolvedAt = rec.ResolvedAt.UTC().Format(timeLayout)
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO error_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UTC().Format(timeLayout), string(rec.Category), string(rec.Severity),
		rec.ExceptionType, rec.ExceptionMessage, rec.Traceback, rec.Component, rec.Operation,
		contextJSON, string(rec.RecoveryStrategy), boolToInt(rec.RecoveryAttempted),
		recoverySuccessful, rec.RecoveryAttempts, rec.MaxRecoveryAttempts,
		boolToInt(rec.Resolved), resolvedAt, rec.Notes,
	)
	return err
}

// GetError returns the record with the exact ID, or ErrNotFound.
func (s *Store) GetError(id string) (*failure.ErrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM error_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// GetErrorByPrefix resolves an exact ID or a unique ID prefix. A prefix
// matching more than one record returns ErrAmbiguousID.
func (s *Store) GetErrorByPrefix(idOrPrefix string) (*failure.ErrorRecord, error) {
	if rec, err := s.GetError(idOrPrefix); err == nil {
		return rec, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The prefix is matched literally: LIKE metacharacters in user input must
	// not widen the match.
	escaped := likeEscaper.Replace(idOrPrefix)
	rows, err := s.db.Query(`SELECT `+recordColumns+` FROM error_records WHERE id LIKE ? || '%' ESCAPE '\' LIMIT 2`, escaped)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*failure.ErrorRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, ErrAmbiguousID
	}
}

// GetRecentErrors returns up to limit records ordered by timestamp
// descending, narrowed by the optional filters in f.
func (s *Store) GetRecentErrors(limit int, f Filter) ([]*failure.ErrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	where, args := f.clause()
	query := `SELECT ` + recordColumns + ` FROM error_records` + where + ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*failure.ErrorRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// GetErrorCount returns the number of records matching f.
func (s *Store) GetErrorCount(f Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	where, args := f.clause()
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM error_records`+where, args...).Scan(&count)
	return count, err
}

// GetErrorStats aggregates the whole table.
func (s *Store) GetErrorStats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		ByCategory: make(map[failure.Category]int),
		BySeverity: make(map[failure.Severity]int),
	}

	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(resolved), 0),
			COALESCE(SUM(recovery_attempted), 0),
			COALESCE(SUM(CASE WHEN recovery_successful = 1 THEN 1 ELSE 0 END), 0)
		FROM error_records`,
	).Scan(&stats.Total, &stats.Resolved, &stats.RecoveryAttempted, &stats.RecoverySuccessful)
	if err != nil {
		return Stats{}, err
	}
	stats.Unresolved = stats.Total - stats.Resolved

	rows, err := s.db.Query(`SELECT category, COUNT(*) FROM error_records GROUP BY category`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var c string
		var n int
		if err := rows.Scan(&c, &n); err != nil {
			return Stats{}, err
		}
		stats.ByCategory[failure.Category(c)] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	sevRows, err := s.db.Query(`SELECT severity, COUNT(*) FROM error_records GROUP BY severity`)
	if err != nil {
		return Stats{}, err
	}
	defer sevRows.Close()
	for sevRows.Next() {
		var sev string
		var n int
		if err := sevRows.Scan(&sev, &n); err != nil {
			return Stats{}, err
		}
		stats.BySeverity[failure.Severity(sev)] = n
	}
	return stats, sevRows.Err()
}

// MarkResolved marks a record as manually resolved, setting notes and the
// resolution time. Returns ErrNotFound if no row has the given ID.
func (s *Store) MarkResolved(id, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE error_records SET resolved = 1, resolved_at = ?, notes = ? WHERE id = ?`,
		time.Now().UTC().Format(timeLayout), notes, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearResolvedErrors deletes records that are resolved and whose resolution
// time is older than olderThanDays days. Unresolved rows are never deleted,
// regardless of age. Returns the number of deleted rows.
func (s *Store) ClearResolvedErrors(olderThanDays int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays).Format(timeLayout)
	res, err := s.db.Exec(`DELETE FROM error_records WHERE resolved = 1 AND resolved_at IS NOT NULL AND resolved_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (f Filter) clause() (string, []any) {
	var conds []string
	var args []any
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Resolved != nil {
		conds = append(conds, "resolved = ?")
		args = append(args, boolToInt(*f.Resolved))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*failure.ErrorRecord, error) {
	var rec failure.ErrorRecord
	var timestamp, category, severity, strategy, contextJSON string
	var recoveryAttempted, resolved int
	var recoverySuccessful sql.NullInt64
	var resolvedAt sql.NullString

	err := row.Scan(
		&rec.ID, &timestamp, &category, &severity, &rec.ExceptionType, &rec.ExceptionMessage,
		&rec.Traceback, &rec.Component, &rec.Operation, &contextJSON, &strategy, &recoveryAttempted,
		&recoverySuccessful, &rec.RecoveryAttempts, &rec.MaxRecoveryAttempts, &resolved,
		&resolvedAt, &rec.Notes,
	)
	if err != nil {
		return nil, err
	}

	rec.Category = failure.Category(category)
	rec.Severity = failure.Severity(severity)
	rec.RecoveryStrategy = failure.RecoveryStrategy(strategy)
	rec.RecoveryAttempted = recoveryAttempted != 0
	rec.Resolved = resolved != 0

	if rec.Timestamp, err = time.Parse(timeLayout, timestamp); err != nil {
		return nil, fmt.Errorf("parsing timestamp for %s: %w", rec.ID, err)
	}
	if recoverySuccessful.Valid {
		v := recoverySuccessful.Int64 != 0
		rec.RecoverySuccessful = &v
	}
	if resolvedAt.Valid {
		t, err := time.Parse(timeLayout, resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing resolved_at for %s: %w", rec.ID, err)
		}
		rec.ResolvedAt = &t
	}
	if contextJSON != "" && contextJSON != "{}" {
		if err := json.Unmarshal([]byte(contextJSON), &rec.Context); err != nil {
			return nil, fmt.Errorf("parsing context for %s: %w", rec.ID, err)
		}
	}

	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
