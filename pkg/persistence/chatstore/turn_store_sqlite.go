package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/lunabot/pkg/chat"
)

type SQLiteTurnStore struct {
	db *sql.DB
}

var _ TurnStore = &SQLiteTurnStore{}

func NewSQLiteTurnStore(dsn string) (*SQLiteTurnStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite turn store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteTurnStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTurnStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTurnStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite turn store: db is nil")
	}
	if err := s.upgradeKeyedTable(); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS turns_by_session ON turns(session_id, id);`,
		`CREATE INDEX IF NOT EXISTS turns_by_created ON turns(created_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite turn store: migrate")
		}
	}
	return nil
}

// upgradeKeyedTable moves rows out of the first schema, which keyed turns
// on (session_id, seq), into the row-id table.
func (s *SQLiteTurnStore) upgradeKeyedTable() error {
	hasTable, hasID, err := s.turnsColumns()
	if err != nil {
		return err
	}
	if !hasTable || hasID {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "sqlite turn store: begin upgrade")
	}
	defer func() { _ = tx.Rollback() }()
	stmts := []string{
		`ALTER TABLE turns RENAME TO turns_keyed;`,
		`DROP INDEX IF EXISTS turns_by_created;`,
		`CREATE TABLE turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`INSERT INTO turns(session_id, seq, role, content, created_at_ms)
			SELECT session_id, seq, role, content, created_at_ms
			FROM turns_keyed
			ORDER BY session_id, seq;`,
		`DROP TABLE turns_keyed;`,
	}
	for _, st := range stmts {
		if _, err := tx.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite turn store: upgrade")
		}
	}
	return errors.Wrap(tx.Commit(), "sqlite turn store: commit upgrade")
}

func (s *SQLiteTurnStore) turnsColumns() (hasTable bool, hasID bool, err error) {
	rows, err := s.db.Query(`PRAGMA table_info(turns)`)
	if err != nil {
		return false, false, errors.Wrap(err, "sqlite turn store: table info")
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			cid       int
			name      string
			typ       string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &pk); err != nil {
			return false, false, err
		}
		hasTable = true
		if name == "id" {
			hasID = true
		}
	}
	return hasTable, hasID, rows.Err()
}

// SaveTurn appends t to the log. seq is the turn's position in the
// in-memory transcript; it restarts at 0 when a session is created again,
// so it is stored as data and never overwrites earlier rows.
func (s *SQLiteTurnStore) SaveTurn(ctx context.Context, sessionID string, seq int, t chat.Turn) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite turn store: db is nil")
	}
	if ctx == nil {
		return errors.New("sqlite turn store: ctx is nil")
	}
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("sqlite turn store: sessionID is empty")
	}
	if seq < 0 {
		return errors.Errorf("sqlite turn store: negative seq %d", seq)
	}
	if !t.Role.Valid() {
		return errors.Errorf("sqlite turn store: invalid role %q", t.Role)
	}
	createdAtMs := t.CreatedAt.UnixMilli()
	if t.CreatedAt.IsZero() {
		createdAtMs = time.Now().UnixMilli()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO turns(session_id, seq, role, content, created_at_ms)
		VALUES(?, ?, ?, ?, ?)
	`, sessionID, seq, string(t.Role), t.Content, createdAtMs); err != nil {
		return errors.Wrap(err, "sqlite turn store: insert turn")
	}
	return nil
}

// List returns the turns of one session in the order they were saved.
func (s *SQLiteTurnStore) List(ctx context.Context, q TurnQuery) ([]TurnRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite turn store: db is nil")
	}
	if strings.TrimSpace(q.SessionID) == "" {
		return nil, errors.New("sqlite turn store: sessionID required")
	}
	if ctx == nil {
		return nil, errors.New("sqlite turn store: ctx is nil")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	clauses := []string{"session_id = ?"}
	args := []any{strings.TrimSpace(q.SessionID)}
	if q.SinceMs > 0 {
		clauses = append(clauses, "created_at_ms >= ?")
		args = append(args, q.SinceMs)
	}
	query := fmt.Sprintf(`
		SELECT id, session_id, seq, role, content, created_at_ms
		FROM turns
		WHERE %s
		ORDER BY id ASC
		LIMIT ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite turn store: query")
	}
	defer func() { _ = rows.Close() }()

	items := []TurnRecord{}
	for rows.Next() {
		var item TurnRecord
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Seq, &item.Role, &item.Content, &item.CreatedAtMs); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// Sessions lists stored sessions, most recently active first.
func (s *SQLiteTurnStore) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite turn store: db is nil")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(1), MAX(created_at_ms)
		FROM turns
		GROUP BY session_id
		ORDER BY MAX(created_at_ms) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite turn store: query sessions")
	}
	defer func() { _ = rows.Close() }()

	out := []SessionSummary{}
	for rows.Next() {
		var item SessionSummary
		if err := rows.Scan(&item.SessionID, &item.Turns, &item.LastTurnAtMs); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func SQLiteTurnDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite turn store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}
