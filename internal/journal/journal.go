package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-ttsplay/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// Session is one recorded playback session.
type Session struct {
	ID         string
	Text       string
	Mode       string
	Outcome    string
	SampleRate int
	Chunks     int
	Samples    int
	OutputPath string
	Message    string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Event is a timeline entry within a session.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Journal records sessions and their timelines in SQLite.
type Journal struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. Ephemeral mode records nothing.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Journal, error) {
	log = log.With(slog.String("component", "journal"))
	if cfg.RetentionMode == "ephemeral" {
		return &Journal{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	j := &Journal{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := j.vacuum(ctx); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := j.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return j, nil
}

func (j *Journal) enabled() bool {
	return j != nil && j.db != nil && j.cfg.RetentionMode != "ephemeral"
}

func (j *Journal) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    text TEXT,
    mode TEXT,
    outcome TEXT NOT NULL DEFAULT 'running',
    sample_rate INTEGER NOT NULL DEFAULT 0,
    chunks INTEGER NOT NULL DEFAULT 0,
    samples INTEGER NOT NULL DEFAULT 0,
    output_path TEXT,
    message TEXT,
    created_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

func (j *Journal) vacuum(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// BeginSession inserts the session row in the running state.
func (j *Journal) BeginSession(ctx context.Context, id, text, mode string) error {
	if !j.enabled() {
		return nil
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, text, mode, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET text=excluded.text, mode=excluded.mode`,
		id, text, mode, j.clock().UTC())
	return err
}

// FinishSession records the outcome of a session.
func (j *Journal) FinishSession(ctx context.Context, s Session) error {
	if !j.enabled() {
		return nil
	}
	if s.FinishedAt.IsZero() {
		s.FinishedAt = j.clock().UTC()
	}
	res, err := j.db.ExecContext(ctx,
		`UPDATE sessions SET outcome=?, sample_rate=?, chunks=?, samples=?, output_path=?, message=?, finished_at=?
		 WHERE session_id=?`,
		s.Outcome, s.SampleRate, s.Chunks, s.Samples, s.OutputPath, s.Message, s.FinishedAt, s.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

// GetSession loads one session row.
func (j *Journal) GetSession(ctx context.Context, id string) (Session, error) {
	if !j.enabled() {
		return Session{}, ErrNotFound
	}
	var (
		s                   Session
		text, mode          sql.NullString
		outputPath, message sql.NullString
		created, finished   timestamp
	)
	err := j.db.QueryRowContext(ctx,
		`SELECT session_id, text, mode, outcome, sample_rate, chunks, samples, output_path, message, created_at, finished_at
		 FROM sessions WHERE session_id = ?`, id).
		Scan(&s.ID, &text, &mode, &s.Outcome, &s.SampleRate, &s.Chunks, &s.Samples, &outputPath, &message, &created, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	s.Text, s.Mode, s.OutputPath, s.Message = text.String, mode.String, outputPath.String, message.String
	s.CreatedAt = created.Time
	s.FinishedAt = finished.Time
	return s, nil
}

// AppendEvent writes a timeline entry.
func (j *Journal) AppendEvent(ctx context.Context, evt Event) error {
	if !j.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = j.clock().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// ListSessionEvents retrieves up to limit events for a session in insertion order.
func (j *Journal) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !j.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created timestamp
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = created.Time
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on open).
func (j *Journal) Prune(ctx context.Context) (err error) {
	if !j.enabled() {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if j.cfg.RetentionDays > 0 {
		cutoff := j.clock().Add(-time.Duration(j.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if j.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, j.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// timestamp accepts the driver's time.Time as well as the textual forms SQLite may hand back.
type timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func (t *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *timestamp) parse(v string) error {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			t.Time = ts
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", v)
}
