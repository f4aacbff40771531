package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "lookupbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the sqlite-backed user-record and protected-term store.
//
// Every credit mutation is a single conditional UPDATE so concurrent
// requests for the same user cannot lose updates or drive credits below
// zero.
type Store struct {
	db             *sql.DB
	log            logx.Logger
	initialCredits int
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	initial := cfg.InitialCredits
	if initial <= 0 {
		initial = 2
	}

	s := &Store{db: db, log: log, initialCredits: initial}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users ----

func (s *Store) GetUser(ctx context.Context, id int64) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, credits, unlimited, last_grant_date, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// EnsureUser creates the record with default state on first contact.
// It reports whether a new record was created.
func (s *Store) EnsureUser(ctx context.Context, id int64) (*UserRecord, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, credits, unlimited, created_at) VALUES(?,?,0,?)
		 ON CONFLICT(id) DO NOTHING`,
		id, s.initialCredits, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, false, err
	}
	n, _ := res.RowsAffected()
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return u, n > 0, nil
}

// ConsumeCredit decrements credits by one, conditioned on a positive balance
// and the unlimited flag being off. The condition lives in the UPDATE itself;
// two concurrent consumers for the same user cannot both succeed past zero.
func (s *Store) ConsumeCredit(ctx context.Context, id int64) (consumed bool, remaining int, err error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET credits = credits - 1 WHERE id = ? AND unlimited = 0 AND credits > 0`, id)
	if err != nil {
		return false, 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, err
	}
	u, err := s.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return n > 0, 0, nil
		}
		return false, 0, err
	}
	return n > 0, u.Credits, nil
}

// GrantCredit applies the once-per-day free grant: credits += amount and
// last_grant_date = day, in one statement, conditioned on the day not having
// been granted yet. Idempotent per calendar day.
func (s *Store) GrantCredit(ctx context.Context, id int64, day string, amount int) (bool, error) {
	if amount <= 0 {
		amount = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET credits = credits + ?, last_grant_date = ?
		 WHERE id = ? AND (last_grant_date IS NULL OR last_grant_date <> ?)`,
		amount, day, id, day)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetUnlimited flips the unlimited override, creating the record if absent.
func (s *Store) SetUnlimited(ctx context.Context, id int64, on bool) error {
	if _, _, err := s.EnsureUser(ctx, id); err != nil {
		return err
	}
	v := 0
	if on {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE users SET unlimited = ? WHERE id = ?`, v, id)
	return err
}

// AdjustCredits applies an administrative delta, creating the record if
// absent. The balance floors at zero.
func (s *Store) AdjustCredits(ctx context.Context, id int64, delta int) (int, error) {
	if _, _, err := s.EnsureUser(ctx, id); err != nil {
		return 0, err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET credits = MAX(credits + ?, 0) WHERE id = ?`, delta, id)
	if err != nil {
		return 0, err
	}
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return 0, err
	}
	return u.Credits, nil
}

// ForEachUser streams the user population through fn with a live cursor.
// Rows reflect the table as iteration proceeds; concurrent inserts/deletes
// may or may not be visited. Returning ErrStopIteration from fn stops the
// scan without error.
func (s *Store) ForEachUser(ctx context.Context, fn func(UserRecord) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, credits, unlimited, last_grant_date, created_at FROM users ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		u, err := scanUserRows(rows)
		if err != nil {
			return err
		}
		if err := fn(*u); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return rows.Err()
}

func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// ---- protected terms ----

func (s *Store) AddProtected(ctx context.Context, term string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO protected_terms(term, created_at) VALUES(?,?)
		 ON CONFLICT(term) DO NOTHING`,
		term, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) RemoveProtected(ctx context.Context, term string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM protected_terms WHERE term = ?`, term)
	return err
}

func (s *Store) IsProtected(ctx context.Context, term string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM protected_terms WHERE term = ?`, term).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListProtected(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT term FROM protected_terms ORDER BY term`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- scanning ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row *sql.Row) (*UserRecord, error) {
	u, err := scanUserRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func scanUserRows(row rowScanner) (*UserRecord, error) {
	var (
		u         UserRecord
		unlimited int
		grant     sql.NullString
		created   string
	)
	if err := row.Scan(&u.ID, &u.Credits, &unlimited, &grant, &created); err != nil {
		return nil, err
	}
	u.Unlimited = unlimited != 0
	if grant.Valid {
		u.LastGrantDate = grant.String
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		u.CreatedAt = t
	}
	return &u, nil
}
