package status

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"provis/internal/types"
)

func TestRecordLifecycle(t *testing.T) {
	m := NewManager()
	rec := m.Create("job-1", "repo-1")
	if rec.State != StateQueued || rec.Phase != types.PhaseQueued {
		t.Fatalf("fresh record = %+v", rec)
	}

	rec, ok := m.Update("job-1", func(r *Record) {
		r.State = StateRunning
		r.Phase = types.PhaseParse
		r.Percent = 40
	})
	if !ok || rec.State != StateRunning {
		t.Fatalf("update = %+v ok=%v", rec, ok)
	}
	if !rec.FinishedAt.IsZero() {
		t.Fatalf("running job has FinishedAt set")
	}

	rec, _ = m.Update("job-1", func(r *Record) {
		r.State = StateDone
		r.Phase = types.PhaseDone
		r.Percent = 100
	})
	if rec.FinishedAt.IsZero() {
		t.Fatalf("finished job missing FinishedAt")
	}

	if _, ok := m.Update("missing", func(*Record) {}); ok {
		t.Fatalf("update of unknown job reported ok")
	}
}

func TestEventsAfterSeq(t *testing.T) {
	m := NewManager()
	m.Create("job-1", "repo-1")
	for i := 0; i < 3; i++ {
		m.Emit("job-1", "progress", types.PhaseParse, float64(i)*10, "")
	}

	all := m.Events("job-1", 0)
	if len(all) != 3 || all[0].Seq != 1 || all[2].Seq != 3 {
		t.Fatalf("events = %+v", all)
	}
	tail := m.Events("job-1", 2)
	if len(tail) != 1 || tail[0].Seq != 3 {
		t.Fatalf("events after 2 = %+v", tail)
	}
	if got := m.Events("job-1", 3); len(got) != 0 {
		t.Fatalf("events after last = %+v", got)
	}
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	m := NewManager()
	m.Create("job-1", "repo-1")
	ch, cancel := m.Subscribe("job-1")
	defer cancel()

	m.Emit("job-1", "phase", types.PhaseMerge, 60, "merging")
	select {
	case ev := <-ch:
		if ev.Type != "phase" || ev.Phase != types.PhaseMerge {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}

	cancel()
	m.Emit("job-1", "phase", types.PhaseMap, 70, "")
	select {
	case ev := <-ch:
		t.Fatalf("event after cancel: %+v", ev)
	default:
	}
}

func TestSweepRemovesOnlyOldFinishedJobs(t *testing.T) {
	m := NewManager()
	m.Create("old-done", "r")
	m.Create("fresh-done", "r")
	m.Create("old-running", "r")

	m.Update("old-done", func(r *Record) {
		r.State = StateDone
	})
	m.Update("old-done", func(r *Record) {
		r.FinishedAt = time.Now().UTC().Add(-2 * time.Hour)
	})
	m.Update("fresh-done", func(r *Record) { r.State = StateDone })
	m.Update("old-running", func(r *Record) { r.State = StateRunning })

	if n := m.Sweep(time.Hour); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, ok := m.Get("old-done"); ok {
		t.Fatalf("old finished job survived sweep")
	}
	if _, ok := m.Get("fresh-done"); !ok {
		t.Fatalf("fresh finished job swept")
	}
	if _, ok := m.Get("old-running"); !ok {
		t.Fatalf("running job swept")
	}
}

func TestStreamReplaysLogThenRelaysLive(t *testing.T) {
	m := NewManager()
	m.Create("job-1", "repo-1")
	m.Emit("job-1", "phase", types.PhaseDiscover, 10, "discovering")
	m.Emit("job-1", "phase", types.PhaseParse, 30, "parsing")

	srv := httptest.NewServer(StreamHandler(m))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?job_id=job-1&after=1"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var ev Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read replayed event: %v", err)
	}
	if ev.Seq != 2 || ev.Phase != types.PhaseParse {
		t.Fatalf("replayed event = %+v, want seq 2", ev)
	}

	m.Emit("job-1", "phase", types.PhaseMerge, 60, "merging")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read live event: %v", err)
	}
	if ev.Seq != 3 || ev.Phase != types.PhaseMerge {
		t.Fatalf("live event = %+v, want seq 3", ev)
	}
}

func TestStreamRequiresJobID(t *testing.T) {
	srv := httptest.NewServer(StreamHandler(NewManager()))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("dial without job_id succeeded")
	}
	if resp != nil {
		if resp.StatusCode != 400 {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
		resp.Body.Close()
	}
}
