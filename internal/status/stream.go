package status

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait = 10 * time.Second
	streamPongWait  = 60 * time.Second
	streamPingEvery = (streamPongWait * 9) / 10
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// StreamHandler mounts the event log over a websocket. The client passes
// ?job_id=...&after=N; the handler replays logged events past N, then
// relays live ones until the job record goes final or the peer leaves.
func StreamHandler(m *Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jobID := r.URL.Query().Get("job_id")
		if jobID == "" {
			http.Error(w, "job_id is required", http.StatusBadRequest)
			return
		}
		var after int64
		if v := r.URL.Query().Get("after"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				http.Error(w, "bad after", http.StatusBadRequest)
				return
			}
			after = n
		}

		conn, err := streamUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.SetReadDeadline(time.Now().Add(streamPongWait)); err != nil {
			return
		}
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		// Drain the read side so pongs and client close frames are seen.
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		live, cancel := m.Subscribe(jobID)
		defer cancel()

		lastSeq := after
		for _, ev := range m.Events(jobID, after) {
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			lastSeq = ev.Seq
		}

		ticker := time.NewTicker(streamPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-readerDone:
				return
			case ev := <-live:
				if ev.Seq <= lastSeq {
					continue // already replayed
				}
				if err := writeEvent(conn, ev); err != nil {
					return
				}
				lastSeq = ev.Seq
			case <-ticker.C:
				if rec, ok := m.Get(jobID); ok && rec.final() {
					// flush anything emitted since the last write, then close
					for _, ev := range m.Events(jobID, lastSeq) {
						if err := writeEvent(conn, ev); err != nil {
							return
						}
						lastSeq = ev.Seq
					}
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
						time.Now().Add(streamWriteWait))
					return
				}
				if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})
}

func writeEvent(conn *websocket.Conn, ev Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
		return err
	}
	if err := conn.WriteJSON(ev); err != nil {
		log.Printf("[status] stream write %s/%d: %v", ev.JobID, ev.Seq, err)
		return err
	}
	return nil
}
