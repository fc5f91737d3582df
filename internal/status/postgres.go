package status

import (
	"database/sql"
	"log"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"provis/internal/types"
)

// pgBackend persists records and events; the in-memory maps stay the
// source of truth for live jobs, so failed writes are logged, not fatal.
type pgBackend struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

func newPGBackend(dsn string) (*pgBackend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &pgBackend{db: db}, nil
}

func (p *pgBackend) close() error { return p.db.Close() }

func (p *pgBackend) ensureSchema() error {
	p.schemaOnce.Do(func() {
		_, p.schemaErr = p.db.Exec(`
CREATE TABLE IF NOT EXISTS analysis_jobs (
  job_id TEXT PRIMARY KEY,
  repo_id TEXT NOT NULL,
  snapshot_id TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL,
  phase TEXT NOT NULL,
  percent DOUBLE PRECISION NOT NULL DEFAULT 0,
  tasks_done INTEGER NOT NULL DEFAULT 0,
  tasks_total INTEGER NOT NULL DEFAULT 0,
  warnings INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMP WITH TIME ZONE NOT NULL,
  updated_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE TABLE IF NOT EXISTS analysis_job_events (
  job_id TEXT NOT NULL,
  seq BIGINT NOT NULL,
  type TEXT NOT NULL,
  phase TEXT NOT NULL DEFAULT '',
  percent DOUBLE PRECISION NOT NULL DEFAULT 0,
  message TEXT NOT NULL DEFAULT '',
  at TIMESTAMP WITH TIME ZONE NOT NULL,
  PRIMARY KEY (job_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON analysis_job_events (job_id);
`)
	})
	return p.schemaErr
}

func (p *pgBackend) putRecord(rec Record) {
	if err := p.ensureSchema(); err != nil {
		log.Printf("[status] schema: %v", err)
		return
	}
	_, err := p.db.Exec(`
INSERT INTO analysis_jobs (
  job_id, repo_id, snapshot_id, state, phase, percent,
  tasks_done, tasks_total, warnings, error, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (job_id)
DO UPDATE SET snapshot_id=EXCLUDED.snapshot_id,
  state=EXCLUDED.state,
  phase=EXCLUDED.phase,
  percent=EXCLUDED.percent,
  tasks_done=EXCLUDED.tasks_done,
  tasks_total=EXCLUDED.tasks_total,
  warnings=EXCLUDED.warnings,
  error=EXCLUDED.error,
  updated_at=EXCLUDED.updated_at`,
		rec.JobID, rec.RepoID, rec.SnapshotID, string(rec.State), string(rec.Phase), rec.Percent,
		rec.TasksDone, rec.TasksTotal, rec.Warnings, rec.Error, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		log.Printf("[status] persist %s: %v", rec.JobID, err)
	}
}

func (p *pgBackend) getRecord(jobID string) (Record, bool) {
	if err := p.ensureSchema(); err != nil {
		return Record{}, false
	}
	row := p.db.QueryRow(`
SELECT job_id, repo_id, snapshot_id, state, phase, percent,
  tasks_done, tasks_total, warnings, error, created_at, updated_at
FROM analysis_jobs WHERE job_id = $1`, jobID)

	var rec Record
	var state, phase string
	err := row.Scan(&rec.JobID, &rec.RepoID, &rec.SnapshotID, &state, &phase, &rec.Percent,
		&rec.TasksDone, &rec.TasksTotal, &rec.Warnings, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, false
	}
	rec.State = State(state)
	rec.Phase = types.Phase(phase)
	return rec, true
}

func (p *pgBackend) appendEvent(ev Event) {
	if err := p.ensureSchema(); err != nil {
		return
	}
	_, err := p.db.Exec(`
INSERT INTO analysis_job_events (job_id, seq, type, phase, percent, message, at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (job_id, seq) DO NOTHING`,
		ev.JobID, ev.Seq, ev.Type, string(ev.Phase), ev.Percent, ev.Message, ev.At)
	if err != nil {
		log.Printf("[status] persist event %s/%d: %v", ev.JobID, ev.Seq, err)
	}
}

func (p *pgBackend) eventsAfter(jobID string, afterSeq int64) []Event {
	if err := p.ensureSchema(); err != nil {
		return nil
	}
	rows, err := p.db.Query(`
SELECT job_id, seq, type, phase, percent, message, at
FROM analysis_job_events WHERE job_id = $1 AND seq > $2 ORDER BY seq`, jobID, afterSeq)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var phase string
		if err := rows.Scan(&ev.JobID, &ev.Seq, &ev.Type, &phase, &ev.Percent, &ev.Message, &ev.At); err != nil {
			continue
		}
		ev.Phase = types.Phase(phase)
		out = append(out, ev)
	}
	return out
}

func (p *pgBackend) deleteJob(jobID string) {
	if err := p.ensureSchema(); err != nil {
		return
	}
	_, _ = p.db.Exec(`DELETE FROM analysis_job_events WHERE job_id = $1`, jobID)
	_, _ = p.db.Exec(`DELETE FROM analysis_jobs WHERE job_id = $1`, jobID)
}
