package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrSessionNotFound is returned when a session ID does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Store manages the PostgreSQL connection for measurement sessions and readings.
// A Store wraps a single connection and must not be shared between goroutines.
type Store struct {
	conn *pgx.Conn
}

// Session is one measurement run over a video file or a camera.
type Session struct {
	ID        string
	Source    string
	Subject   string
	CreatedAt time.Time
	Readings  int
	LastBPM   *float64 // nil until the first reading is stored
}

// Reading is one heart-rate estimate. Window bounds are seconds from session start.
type Reading struct {
	ID          int64
	SessionID   string
	WindowStart float64
	WindowEnd   float64
	Samples     int
	SampleRate  float64
	FrequencyHz float64
	BPM         float64
	CreatedAt   time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS heart_rate_readings (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			window_start DOUBLE PRECISION NOT NULL,
			window_end DOUBLE PRECISION NOT NULL,
			samples INT NOT NULL,
			sample_rate DOUBLE PRECISION NOT NULL,
			frequency_hz DOUBLE PRECISION NOT NULL,
			bpm DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS heart_rate_readings_session_id_idx ON heart_rate_readings (session_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureSession registers the session. Re-measuring the same source replaces its
// previous readings so a re-run never duplicates them.
func (s *Store) EnsureSession(ctx context.Context, id, source, subject string) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM heart_rate_readings WHERE session_id = $1", id); err != nil {
		return err
	}

	// An empty subject keeps a label assigned by an earlier run
	if _, err := tx.Exec(ctx, `
		INSERT INTO sessions (id, source, subject, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			created_at = NOW(),
			source = EXCLUDED.source,
			subject = CASE WHEN EXCLUDED.subject = '' THEN sessions.subject ELSE EXCLUDED.subject END
	`, id, source, subject); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// InsertReading saves one finished window.
func (s *Store) InsertReading(ctx context.Context, r Reading) (int64, error) {
	var id int64
	err := s.conn.QueryRow(ctx, `
		INSERT INTO heart_rate_readings (session_id, window_start, window_end, samples, sample_rate, frequency_hz, bpm)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, r.SessionID, r.WindowStart, r.WindowEnd, r.Samples, r.SampleRate, r.FrequencyHz, r.BPM).Scan(&id)
	return id, err
}

// ListSessions returns every session, newest first, with its reading count and last BPM.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT s.id, s.source, s.subject, s.created_at,
			(SELECT COUNT(*) FROM heart_rate_readings r WHERE r.session_id = s.id),
			(SELECT r.bpm FROM heart_rate_readings r WHERE r.session_id = s.id ORDER BY r.window_end DESC, r.id DESC LIMIT 1)
		FROM sessions s
		ORDER BY s.created_at DESC, s.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Source, &sess.Subject, &sess.CreatedAt, &sess.Readings, &sess.LastBPM); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetReadings returns the readings of a session in window order.
func (s *Store) GetReadings(ctx context.Context, sessionID string) ([]Reading, error) {
	var exists bool
	if err := s.conn.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)", sessionID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	rows, err := s.conn.Query(ctx, `
		SELECT id, session_id, window_start, window_end, samples, sample_rate, frequency_hz, bpm, created_at
		FROM heart_rate_readings
		WHERE session_id = $1
		ORDER BY window_start ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []Reading
	for rows.Next() {
		var r Reading
		if err := rows.Scan(&r.ID, &r.SessionID, &r.WindowStart, &r.WindowEnd, &r.Samples, &r.SampleRate, &r.FrequencyHz, &r.BPM, &r.CreatedAt); err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// LabelSession sets the subject name of a session.
func (s *Store) LabelSession(ctx context.Context, id, subject string) error {
	tag, err := s.conn.Exec(ctx, "UPDATE sessions SET subject = $1 WHERE id = $2", subject, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS heart_rate_readings CASCADE;
		DROP TABLE IF EXISTS sessions CASCADE;
	`)
	return err
}
