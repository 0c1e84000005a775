// Package store records runs in a SQLite database so that status and down
// can find a detached stack from a later invocation.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/matgreaves/stackup/server"
	"github.com/matgreaves/stackup/server/backend"
	"github.com/matgreaves/stackup/spec"
)

// ErrNoRun is returned when a project has no recorded run.
var ErrNoRun = errors.New("no recorded run")

const dsnParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL"

// Store is a SQLite-backed run history.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens or creates the database at path and migrates it.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create state dir")
		}
		dsn += dsnParams
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "open database")
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

// Path returns the database path for project under stateDir.
func Path(stateDir, project string) string {
	return filepath.Join(stateDir, project+".db")
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// RunInfo describes one recorded run.
type RunInfo struct {
	ID         string     `json:"id" yaml:"id"`
	Project    string     `json:"project" yaml:"project"`
	StackFile  string     `json:"stack_file" yaml:"stack_file"`
	Backend    string     `json:"backend" yaml:"backend"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	SettledAt  *time.Time `json:"settled_at,omitempty" yaml:"settled_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	OK         *bool      `json:"ok,omitempty" yaml:"ok,omitempty"`
}

// Run records one invocation. It implements server.Observer.
type Run struct {
	RunInfo
	store *Store

	mu     sync.Mutex
	offset uint64
	err    error
}

var _ server.Observer = (*Run)(nil)

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

// BeginRun records a new run with every service pending.
func (s *Store) BeginRun(ctx context.Context, project, stackFile, backendName string, services []spec.Service) (*Run, error) {
	run := &Run{
		RunInfo: RunInfo{
			ID:        uuid.NewString(),
			Project:   project,
			StackFile: stackFile,
			Backend:   backendName,
			StartedAt: time.Now().UTC(),
		},
		store: s,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO runs (id, project, stack_file, backend, started_at) VALUES (?, ?, ?, ?, ?)`,
			run.ID, project, stackFile, backendName, formatTime(run.StartedAt))
		if err != nil {
			return err
		}
		for _, svc := range services {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO services (run_id, name, idx, phase, updated_at) VALUES (?, ?, ?, ?, ?)`,
				run.ID, svc.Name, svc.Index, spec.PhasePending, formatTime(run.StartedAt))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "begin run")
	}
	return run, nil
}

// Resume reopens a recorded run so a later invocation can append to it.
// Transitions recorded through the returned Run are numbered after the
// ones already stored.
func (s *Store) Resume(ctx context.Context, runID string) (*Run, error) {
	info, err := s.run(ctx, `WHERE id = ?`, runID)
	if err != nil {
		return nil, err
	}
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM transitions WHERE run_id = ?`, runID).Scan(&last); err != nil {
		return nil, errors.Wrap(err, "resume run")
	}
	return &Run{RunInfo: info, store: s, offset: uint64(last.Int64)}, nil
}

// Observe implements server.Observer. Write errors are logged and kept for
// Err; recording never blocks the run.
func (r *Run) Observe(state server.ServiceState, t server.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx := context.Background()
	err := r.store.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO services (run_id, name, idx, phase, exit_code, reason, handle, started, restarts, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, name) DO UPDATE SET
				phase = excluded.phase,
				exit_code = excluded.exit_code,
				reason = excluded.reason,
				handle = excluded.handle,
				started = excluded.started,
				restarts = excluded.restarts,
				updated_at = excluded.updated_at`,
			r.ID, state.Name, state.Index, state.Phase, nullCode(state.ExitCode), state.Reason,
			state.Handle, state.Started, state.Restarts, formatTime(state.UpdatedAt))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transitions (run_id, seq, service, from_phase, to_phase, exit_code, reason, at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.offset+t.Seq, t.Service, t.From, t.To, nullCode(t.ExitCode), t.Reason, formatTime(t.At))
		return err
	})
	if err != nil {
		r.store.log.Warn("record transition", zap.String("service", t.Service), zap.Error(err))
		r.err = errors.CombineErrors(r.err, err)
	}
}

// Err returns every error Observe has hit so far.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Settled records the outcome of startup.
func (r *Run) Settled(ctx context.Context, ok bool) error {
	now := time.Now().UTC()
	_, err := r.store.db.ExecContext(ctx, `UPDATE runs SET settled_at = ?, ok = ? WHERE id = ?`, formatTime(now), ok, r.ID)
	if err != nil {
		return errors.Wrap(err, "record settled")
	}
	r.SettledAt, r.OK = &now, &ok
	return nil
}

// Finish marks the run as torn down.
func (r *Run) Finish(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := r.store.db.ExecContext(ctx, `UPDATE runs SET finished_at = ? WHERE id = ?`, formatTime(now), r.ID)
	if err != nil {
		return errors.Wrap(err, "record finish")
	}
	r.FinishedAt = &now
	return nil
}

// Latest returns the most recent run of project.
func (s *Store) Latest(ctx context.Context, project string) (RunInfo, error) {
	return s.run(ctx, `WHERE project = ? ORDER BY started_at DESC LIMIT 1`, project)
}

func (s *Store) run(ctx context.Context, where string, arg any) (RunInfo, error) {
	var (
		info              RunInfo
		started           string
		settled, finished sql.NullString
		ok                sql.NullBool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project, stack_file, backend, started_at, settled_at, finished_at, ok FROM runs `+where, arg).
		Scan(&info.ID, &info.Project, &info.StackFile, &info.Backend, &started, &settled, &finished, &ok)
	if errors.Is(err, sql.ErrNoRows) {
		return RunInfo{}, errors.Wrapf(ErrNoRun, "%v", arg)
	}
	if err != nil {
		return RunInfo{}, errors.Wrap(err, "query run")
	}
	if info.StartedAt, err = parseTime(started); err != nil {
		return RunInfo{}, errors.Wrap(err, "started_at")
	}
	if info.SettledAt, err = optionalTime(settled); err != nil {
		return RunInfo{}, errors.Wrap(err, "settled_at")
	}
	if info.FinishedAt, err = optionalTime(finished); err != nil {
		return RunInfo{}, errors.Wrap(err, "finished_at")
	}
	if ok.Valid {
		info.OK = &ok.Bool
	}
	return info, nil
}

// Snapshot returns the last recorded state of every service in the run, in
// declaration order. Seq is the number of recorded transitions.
func (s *Store) Snapshot(ctx context.Context, runID string) (server.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, idx, phase, exit_code, reason, handle, started, restarts, updated_at
		FROM services WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return server.Snapshot{}, errors.Wrap(err, "query services")
	}
	defer rows.Close()

	var snap server.Snapshot
	for rows.Next() {
		var (
			st      server.ServiceState
			code    sql.NullInt64
			updated string
		)
		if err := rows.Scan(&st.Name, &st.Index, &st.Phase, &code, &st.Reason, &st.Handle, &st.Started, &st.Restarts, &updated); err != nil {
			return server.Snapshot{}, errors.Wrap(err, "scan service")
		}
		st.ExitCode = codePtr(code)
		if st.UpdatedAt, err = parseTime(updated); err != nil {
			return server.Snapshot{}, errors.Wrapf(err, "%s updated_at", st.Name)
		}
		snap.Services = append(snap.Services, st)
	}
	if err := rows.Err(); err != nil {
		return server.Snapshot{}, errors.Wrap(err, "query services")
	}
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM transitions WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return server.Snapshot{}, errors.Wrap(err, "query seq")
	}
	snap.Seq = uint64(n.Int64)
	return snap, nil
}

// Transitions returns the run's transition log in order.
func (s *Store) Transitions(ctx context.Context, runID string) ([]server.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, service, from_phase, to_phase, exit_code, reason, at
		FROM transitions WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query transitions")
	}
	defer rows.Close()

	var out []server.Transition
	for rows.Next() {
		var (
			t    server.Transition
			code sql.NullInt64
			at   string
		)
		if err := rows.Scan(&t.Seq, &t.Service, &t.From, &t.To, &code, &t.Reason, &at); err != nil {
			return nil, errors.Wrap(err, "scan transition")
		}
		t.ExitCode = codePtr(code)
		if t.At, err = parseTime(at); err != nil {
			return nil, errors.Wrap(err, "transition at")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "query transitions")
}

// Handles returns the backend handles of services that were last seen
// with a live instance.
func (s *Store) Handles(ctx context.Context, runID string) ([]backend.Handle, error) {
	snap, err := s.Snapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	var out []backend.Handle
	for _, st := range snap.Services {
		if st.Handle == "" {
			continue
		}
		switch st.Phase {
		case spec.PhaseStopped, spec.PhasePending, spec.PhaseBlocked:
			continue
		}
		out = append(out, backend.Handle{ID: st.Handle, Service: st.Name})
	}
	return out, nil
}

// Runs lists the recorded runs of project, newest first.
func (s *Store) Runs(ctx context.Context, project string, limit int) ([]RunInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE project = ? ORDER BY started_at DESC LIMIT ?`, project, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan run")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "query runs")
	}

	out := make([]RunInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.run(ctx, `WHERE id = ?`, id)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Prune deletes all but the newest keep runs of project.
func (s *Store) Prune(ctx context.Context, project string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE project = ? AND id NOT IN (
			SELECT id FROM runs WHERE project = ? ORDER BY started_at DESC LIMIT ?
		)`, project, project, keep)
	if err != nil {
		return 0, errors.Wrap(err, "prune runs")
	}
	return res.RowsAffected()
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func optionalTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullCode(c *int) sql.NullInt64 {
	if c == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*c), Valid: true}
}

func codePtr(c sql.NullInt64) *int {
	if !c.Valid {
		return nil
	}
	v := int(c.Int64)
	return &v
}
