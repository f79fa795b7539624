// Package store records controller sessions, latency calibrations and
// completed capture cycles in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/flashsync/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUnknownSession is returned when a record names a session that was never
// started.
var ErrUnknownSession = errors.New("unknown session")

// Store wraps the SQLite database.
type Store struct {
	*sql.DB
	path string
}

// Session is one run of the controller process.
type Session struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode"`
	Endpoint  string    `json:"endpoint"`
	Transport string    `json:"transport"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// Calibration is one stored latency batch.
type Calibration struct {
	SessionID  string          `json:"session_id"`
	MeasuredAt time.Time       `json:"measured_at"`
	Attempts   int             `json:"attempts"`
	Samples    []time.Duration `json:"samples"`
	MeanRTT    time.Duration   `json:"mean_rtt"`
	StdDevRTT  time.Duration   `json:"stddev_rtt"`
	Baseline   time.Duration   `json:"baseline"`
	TotalWait  time.Duration   `json:"total_wait"`
}

// Cycle is one stored on/off capture cycle.
type Cycle struct {
	SessionID string        `json:"session_id"`
	Seq       uint64        `json:"seq"`
	Mode      string        `json:"mode"`
	StartedAt time.Time     `json:"started_at"`
	OnAt      time.Time     `json:"on_at"`
	OffAt     time.Time     `json:"off_at"`
	Duration  time.Duration `json:"duration"`
	TotalWait time.Duration `json:"total_wait"`
	Fallback  bool          `json:"fallback"`
}

// CycleSummary aggregates the cycles of a session.
type CycleSummary struct {
	Cycles       int           `json:"cycles"`
	Fallbacks    int           `json:"fallbacks"`
	MeanDuration time.Duration `json:"mean_duration"`
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	s := &Store{DB: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// MigrateUp runs all pending migrations. It is a no-op when the schema is
// current.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version; 0 before any
// migration has run.
func (s *Store) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us)
}

// StartSession records a new session and returns it with a fresh id.
func (s *Store) StartSession(ctx context.Context, sess Session) (Session, error) {
	sess.ID = uuid.NewString()
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	if sess.Transport == "" {
		sess.Transport = "udp"
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO sessions (session_id, mode, endpoint, transport, version, started_us)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Mode, sess.Endpoint, sess.Transport, sess.Version, toMicros(sess.StartedAt))
	if err != nil {
		return Session{}, fmt.Errorf("failed to insert session: %w", err)
	}
	return sess, nil
}

// Sessions returns the most recent sessions, newest first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT session_id, mode, endpoint, transport, COALESCE(version, ''), started_us
		FROM sessions ORDER BY started_us DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var started int64
		if err := rows.Scan(&sess.ID, &sess.Mode, &sess.Endpoint, &sess.Transport, &sess.Version, &started); err != nil {
			return nil, err
		}
		sess.StartedAt = fromMicros(started)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RecordCalibration stores one latency batch.
func (s *Store) RecordCalibration(ctx context.Context, c Calibration) error {
	samples := make([]int64, len(c.Samples))
	for i, d := range c.Samples {
		samples[i] = d.Microseconds()
	}
	samplesJSON, err := json.Marshal(samples)
	if err != nil {
		return err
	}
	_, err = s.ExecContext(ctx, `
		INSERT INTO calibrations (
			session_id, measured_us, attempts, successes, mean_rtt_us,
			stddev_rtt_us, baseline_us, total_wait_us, samples_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, toMicros(c.MeasuredAt), c.Attempts, len(c.Samples),
		c.MeanRTT.Microseconds(), c.StdDevRTT.Microseconds(), c.Baseline.Microseconds(),
		c.TotalWait.Microseconds(), string(samplesJSON))
	if err != nil {
		return fmt.Errorf("failed to insert calibration: %w", wrapFK(err))
	}
	return nil
}

// RecentCalibrations returns up to limit batches, oldest first. An empty
// sessionID selects all sessions.
func (s *Store) RecentCalibrations(ctx context.Context, sessionID string, limit int) ([]Calibration, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT session_id, measured_us, attempts, mean_rtt_us, stddev_rtt_us,
		       baseline_us, total_wait_us, samples_json
		FROM (
			SELECT * FROM calibrations
			WHERE (? = '' OR session_id = ?)
			ORDER BY measured_us DESC, calibration_id DESC
			LIMIT ?
		) ORDER BY measured_us ASC, calibration_id ASC`,
		sessionID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Calibration
	for rows.Next() {
		var c Calibration
		var measured, mean, sd, base, total int64
		var samplesJSON string
		if err := rows.Scan(&c.SessionID, &measured, &c.Attempts, &mean, &sd, &base, &total, &samplesJSON); err != nil {
			return nil, err
		}
		var samples []int64
		if err := json.Unmarshal([]byte(samplesJSON), &samples); err != nil {
			return nil, fmt.Errorf("corrupt samples_json: %w", err)
		}
		for _, us := range samples {
			c.Samples = append(c.Samples, time.Duration(us)*time.Microsecond)
		}
		c.MeasuredAt = fromMicros(measured)
		c.MeanRTT = time.Duration(mean) * time.Microsecond
		c.StdDevRTT = time.Duration(sd) * time.Microsecond
		c.Baseline = time.Duration(base) * time.Microsecond
		c.TotalWait = time.Duration(total) * time.Microsecond
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordCycle stores one completed cycle.
func (s *Store) RecordCycle(ctx context.Context, c Cycle) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO cycles (
			session_id, seq, mode, started_us, on_us, off_us,
			duration_us, total_wait_us, fallback
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, int64(c.Seq), c.Mode, toMicros(c.StartedAt), toMicros(c.OnAt), toMicros(c.OffAt),
		c.Duration.Microseconds(), c.TotalWait.Microseconds(), c.Fallback)
	if err != nil {
		return fmt.Errorf("failed to insert cycle: %w", wrapFK(err))
	}
	return nil
}

// SummariseCycles aggregates the stored cycles of a session.
func (s *Store) SummariseCycles(ctx context.Context, sessionID string) (CycleSummary, error) {
	var sum CycleSummary
	var mean sql.NullFloat64
	err := s.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(fallback), 0), AVG(duration_us)
		FROM cycles WHERE session_id = ?`, sessionID).Scan(&sum.Cycles, &sum.Fallbacks, &mean)
	if err != nil {
		return CycleSummary{}, err
	}
	if mean.Valid {
		sum.MeanDuration = time.Duration(mean.Float64) * time.Microsecond
	}
	return sum, nil
}

func wrapFK(err error) error {
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
		return fmt.Errorf("%w: %v", ErrUnknownSession, err)
	}
	return err
}

// AttachAdminRoutes mounts the tailsql console and a session listing on the
// tsweb debug mux.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.DB, &tailsql.DBOptions{
		Label: "flashsync DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.HandleFunc("sessions", "Recent controller sessions (JSON)", func(w http.ResponseWriter, r *http.Request) {
		sessions, err := s.Sessions(r.Context(), 20)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sessions); err != nil {
			monitoring.Logf("failed to encode sessions: %v", err)
		}
	})
	return nil
}
