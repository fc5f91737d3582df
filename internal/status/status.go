package status

import (
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"provis/internal/types"
)

type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Record is the live status of one analysis job.
type Record struct {
	JobID      string      `json:"job_id"`
	RepoID     string      `json:"repo_id"`
	SnapshotID string      `json:"snapshot_id,omitempty"`
	State      State       `json:"state"`
	Phase      types.Phase `json:"phase"`
	Percent    float64     `json:"percent"`
	TasksDone  int         `json:"tasks_done"`
	TasksTotal int         `json:"tasks_total"`
	Warnings   int         `json:"warnings"`
	Error      string      `json:"error,omitempty"`
	Artifacts  []string    `json:"artifacts,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`
}

func (r Record) final() bool { return r.State == StateDone || r.State == StateFailed }

// Event is one entry in a job's append-only event log. Seq is 1-based and
// strictly increasing per job.
type Event struct {
	Seq     int64       `json:"seq"`
	JobID   string      `json:"job_id"`
	Type    string      `json:"type"`
	Phase   types.Phase `json:"phase,omitempty"`
	Percent float64     `json:"percent,omitempty"`
	Message string      `json:"message,omitempty"`
	At      time.Time   `json:"at"`
}

// Manager tracks job records and event logs in memory, optionally writing
// through to Postgres. Subscriptions are always served from memory.
type Manager struct {
	db *pgBackend

	mu     sync.RWMutex
	jobs   map[string]Record
	events map[string][]Event
	subs   map[string]map[chan Event]struct{}
}

func NewManager() *Manager {
	return &Manager{
		jobs:   make(map[string]Record),
		events: make(map[string][]Event),
		subs:   make(map[string]map[chan Event]struct{}),
	}
}

// NewFromEnv returns a Postgres-backed manager when dsn is set and
// reachable, else a memory-only one.
func NewFromEnv(dsn string) *Manager {
	m := NewManager()
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return m
	}
	db, err := newPGBackend(dsn)
	if err != nil {
		log.Printf("[status] postgres unavailable, using memory: %v", err)
		return m
	}
	m.db = db
	return m
}

func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.close()
	}
	return nil
}

// Create registers a queued job record.
func (m *Manager) Create(jobID, repoID string) Record {
	now := time.Now().UTC()
	rec := Record{
		JobID:     jobID,
		RepoID:    repoID,
		State:     StateQueued,
		Phase:     types.PhaseQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	m.jobs[jobID] = rec
	m.mu.Unlock()
	if m.db != nil {
		m.db.putRecord(rec)
	}
	return rec
}

// Update applies fn to the job's record under the lock.
func (m *Manager) Update(jobID string, fn func(*Record)) (Record, bool) {
	m.mu.Lock()
	rec, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return Record{}, false
	}
	fn(&rec)
	rec.JobID = jobID
	rec.UpdatedAt = time.Now().UTC()
	if rec.final() && rec.FinishedAt.IsZero() {
		rec.FinishedAt = rec.UpdatedAt
	}
	m.jobs[jobID] = rec
	m.mu.Unlock()
	if m.db != nil {
		m.db.putRecord(rec)
	}
	return rec, true
}

func (m *Manager) Get(jobID string) (Record, bool) {
	m.mu.RLock()
	rec, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok && m.db != nil {
		return m.db.getRecord(jobID)
	}
	return rec, ok
}

func (m *Manager) List() []Record {
	m.mu.RLock()
	out := make([]Record, 0, len(m.jobs))
	for _, rec := range m.jobs {
		out = append(out, rec)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Emit appends to the job's event log and fans out to subscribers.
// Slow subscribers drop events rather than block the emitter.
func (m *Manager) Emit(jobID, typ string, phase types.Phase, percent float64, message string) Event {
	m.mu.Lock()
	ev := Event{
		Seq:     int64(len(m.events[jobID]) + 1),
		JobID:   jobID,
		Type:    typ,
		Phase:   phase,
		Percent: percent,
		Message: message,
		At:      time.Now().UTC(),
	}
	m.events[jobID] = append(m.events[jobID], ev)
	var targets []chan Event
	for ch := range m.subs[jobID] {
		targets = append(targets, ch)
	}
	m.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			log.Printf("[status] subscriber for %s full, dropping event %d", jobID, ev.Seq)
		}
	}
	if m.db != nil {
		m.db.appendEvent(ev)
	}
	return ev
}

// Events returns the log entries with Seq > afterSeq, in order.
func (m *Manager) Events(jobID string, afterSeq int64) []Event {
	m.mu.RLock()
	all, ok := m.events[jobID]
	var out []Event
	for _, ev := range all {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	m.mu.RUnlock()
	if !ok && m.db != nil {
		return m.db.eventsAfter(jobID, afterSeq)
	}
	return out
}

// Subscribe returns a channel of future events for the job. cancel
// unregisters the subscriber; the channel is never closed.
func (m *Manager) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, 64)
	m.mu.Lock()
	if m.subs[jobID] == nil {
		m.subs[jobID] = make(map[chan Event]struct{})
	}
	m.subs[jobID][ch] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.subs[jobID], ch)
		if len(m.subs[jobID]) == 0 {
			delete(m.subs, jobID)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

// Sweep removes finished jobs older than the retention window and returns
// how many were removed.
func (m *Manager) Sweep(retention time.Duration) int {
	cutoff := time.Now().UTC().Add(-retention)
	m.mu.Lock()
	var victims []string
	for id, rec := range m.jobs {
		if rec.final() && !rec.FinishedAt.IsZero() && rec.FinishedAt.Before(cutoff) {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		delete(m.jobs, id)
		delete(m.events, id)
	}
	m.mu.Unlock()
	if m.db != nil {
		for _, id := range victims {
			m.db.deleteJob(id)
		}
	}
	if len(victims) > 0 {
		log.Printf("[status] swept %d finished jobs", len(victims))
	}
	return len(victims)
}
