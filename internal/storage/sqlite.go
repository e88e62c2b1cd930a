package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/propvoice/voice-agent/internal/transcript"
)

const (
	SummaryPending   = "pending"
	SummaryRunning   = "running"
	SummaryCompleted = "completed"
	SummaryFailed    = "failed"
)

const (
	CallActive = "active"
	CallEnded  = "ended"
	CallFailed = "failed"
)

type Call struct {
	ID            string     `json:"id"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Status        string     `json:"status"`
	Summary       string     `json:"summary"`
	SummaryStatus string     `json:"summary_status"`
	AudioPath     string     `json:"audio_path"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "voice-agent.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			summary_status TEXT NOT NULL DEFAULT 'pending',
			audio_path TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		return fmt.Errorf("create calls table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS utterances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			medium TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			FOREIGN KEY(call_id) REFERENCES calls(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create utterances table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls(started_at)"); err != nil {
		return fmt.Errorf("create calls index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_utterances_call_id ON utterances(call_id, timestamp)"); err != nil {
		return fmt.Errorf("create utterances index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateCall(id string, startedAt time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("call id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO calls(id, started_at, status, summary_status) VALUES(?, ?, ?, ?)`,
		id,
		startedAt.UTC().Format(time.RFC3339Nano),
		CallActive,
		SummaryPending,
	)
	if err != nil {
		return fmt.Errorf("create call %s: %w", id, err)
	}
	return nil
}

// EndCall closes the call row. failed marks calls that ended through an
// error path.
func (s *SQLiteStore) EndCall(id string, endedAt time.Time, audioPath string, failed bool) error {
	status := CallEnded
	if failed {
		status = CallFailed
	}

	res, err := s.db.Exec(
		`UPDATE calls SET ended_at = ?, status = ?, audio_path = ? WHERE id = ?`,
		endedAt.UTC().Format(time.RFC3339Nano),
		status,
		audioPath,
		id,
	)
	if err != nil {
		return fmt.Errorf("end call %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end call rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) AppendUtterance(callID string, entry transcript.Entry) error {
	_, err := s.db.Exec(
		`INSERT INTO utterances(call_id, speaker, medium, text, timestamp) VALUES(?, ?, ?, ?, ?)`,
		callID,
		string(entry.Speaker),
		string(entry.Medium),
		strings.TrimSpace(entry.Text),
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append utterance for call %s: %w", callID, err)
	}
	return nil
}

func (s *SQLiteStore) GetCallsByDate(date string) ([]Call, error) {
	rows, err := s.db.Query(
		`SELECT id, started_at, ended_at, status, summary, summary_status, audio_path
		 FROM calls
		 WHERE substr(started_at, 1, 10) = ?
		 ORDER BY started_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query calls by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	calls := make([]Call, 0, 16)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls rows: %w", err)
	}

	return calls, nil
}

func (s *SQLiteStore) GetDates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT substr(started_at, 1, 10) AS date FROM calls ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

func (s *SQLiteStore) GetCall(id string) (Call, error) {
	row := s.db.QueryRow(
		`SELECT id, started_at, ended_at, status, summary, summary_status, audio_path FROM calls WHERE id = ?`,
		id,
	)

	c, err := scanCall(row)
	if err != nil {
		return Call{}, fmt.Errorf("query call %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteStore) GetUtterances(callID string) ([]transcript.Entry, error) {
	rows, err := s.db.Query(
		`SELECT speaker, medium, text, timestamp
		 FROM utterances
		 WHERE call_id = ?
		 ORDER BY id ASC`,
		callID,
	)
	if err != nil {
		return nil, fmt.Errorf("query utterances for call %s: %w", callID, err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]transcript.Entry, 0, 32)
	for rows.Next() {
		var speaker, medium, ts string
		entry := transcript.Entry{Final: true}
		if err := rows.Scan(&speaker, &medium, &entry.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan utterance for call %s: %w", callID, err)
		}
		entry.Speaker = transcript.Speaker(speaker)
		entry.Medium = transcript.Medium(medium)

		parsedTS, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse utterance timestamp for call %s: %w", callID, err)
		}
		entry.Timestamp = parsedTS

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate utterance rows for call %s: %w", callID, err)
	}

	return entries, nil
}

func (s *SQLiteStore) UpdateSummary(callID, summary, status string) error {
	res, err := s.db.Exec(
		`UPDATE calls SET summary = ?, summary_status = ? WHERE id = ?`,
		summary,
		status,
		callID,
	)
	if err != nil {
		return fmt.Errorf("update summary for call %s: %w", callID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update summary rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var c Call
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(&c.ID, &startedAt, &endedAt, &c.Status, &c.Summary, &c.SummaryStatus, &c.AudioPath); err != nil {
		return Call{}, fmt.Errorf("scan call: %w", err)
	}

	parsedStart, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Call{}, fmt.Errorf("parse started_at: %w", err)
	}
	c.StartedAt = parsedStart

	if endedAt.Valid {
		parsedEnd, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return Call{}, fmt.Errorf("parse ended_at: %w", err)
		}
		c.EndedAt = &parsedEnd
	}

	return c, nil
}
