package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/formcheck/internal/analyzer"
	"github.com/danielpatrickdp/formcheck/internal/config"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id    TEXT PRIMARY KEY,
	exercise      TEXT NOT NULL,
	source        TEXT NOT NULL,
	config_json   TEXT NOT NULL,
	started_at    TEXT NOT NULL,
	ended_at      TEXT
);

CREATE TABLE IF NOT EXISTS feedback_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT NOT NULL,
	frame_index   INTEGER NOT NULL,
	verdict       TEXT NOT NULL,
	confidence    REAL NOT NULL,
	rationale     TEXT,
	valid_reps    INTEGER NOT NULL,
	messages_json TEXT,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);

CREATE INDEX IF NOT EXISTS feedback_session ON feedback_log(session_id, frame_index);

CREATE TABLE IF NOT EXISTS reports (
	session_id    TEXT PRIMARY KEY,
	report_json   TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);
`

// #endregion schema

// #region store-struct
// Store persists sessions, per-frame feedback and final reports in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Printf("[STORE] opened %s", dbPath)
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion constructor

// #region sessions
// CreateSession registers a new session for the resolved configuration.
func (s *Store) CreateSession(cfg config.Exercise, source string) (SessionRecord, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("marshal config: %w", err)
	}
	rec := SessionRecord{
		SessionID:  uuid.New().String(),
		Exercise:   cfg.ExerciseType,
		Source:     source,
		StartedAt:  s.now(),
		ConfigJSON: string(cfgJSON),
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (session_id, exercise, source, config_json, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Exercise, rec.Source, rec.ConfigJSON, rec.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("insert session: %w", err)
	}
	log.Printf("[STORE] session %s started (%s, %s)", rec.SessionID, rec.Exercise, source)
	return rec, nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(id string) (SessionRecord, error) {
	row := s.db.QueryRow(
		`SELECT session_id, exercise, source, config_json, started_at, ended_at
		 FROM sessions WHERE session_id = ?`, id,
	)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return rec, nil
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(limit int) ([]SessionRecord, error) {
	rows, err := s.db.Query(
		`SELECT session_id, exercise, source, config_json, started_at, ended_at
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (SessionRecord, error) {
	var rec SessionRecord
	var started string
	var ended sql.NullString
	if err := row.Scan(&rec.SessionID, &rec.Exercise, &rec.Source, &rec.ConfigJSON, &started, &ended); err != nil {
		return SessionRecord{}, err
	}
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if ended.Valid {
		t, _ := time.Parse(time.RFC3339Nano, ended.String)
		rec.EndedAt = &t
	}
	return rec, nil
}

// #endregion sessions

// #region reports
// SaveReport stores the final report and closes the session atomically.
func (s *Store) SaveReport(sessionID string, r analyzer.Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	now := s.now().Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, now, sessionID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	_, err = tx.Exec(
		`INSERT INTO reports (session_id, report_json, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET report_json = excluded.report_json, created_at = excluded.created_at`,
		sessionID, string(body), now,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	log.Printf("[STORE] session %s closed: reps=%d analyzed=%d", sessionID, r.Metrics.ValidReps, r.Metrics.AnalyzedFrames)
	return nil
}

// GetReport loads the stored report for a session.
func (s *Store) GetReport(sessionID string) (analyzer.Report, error) {
	var body string
	err := s.db.QueryRow(`SELECT report_json FROM reports WHERE session_id = ?`, sessionID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return analyzer.Report{}, fmt.Errorf("report %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return analyzer.Report{}, fmt.Errorf("get report %s: %w", sessionID, err)
	}
	var r analyzer.Report
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return analyzer.Report{}, fmt.Errorf("unmarshal report: %w", err)
	}
	return r, nil
}

// #endregion reports
