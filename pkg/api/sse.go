package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/psaab/netfw/pkg/logging"
)

// setSSEHeaders configures the response for Server-Sent Events streaming.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent writes a single SSE event to the response.
func writeSSEEvent(w http.ResponseWriter, id string, event string, data string) {
	fmt.Fprintf(w, "id: %s\n", id)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// eventStreamHandler streams policy events via SSE.
// Supports ?type= and ?direction= filters.
func (s *Server) eventStreamHandler(w http.ResponseWriter, r *http.Request) {
	eb := s.fw.Events()
	if eb == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	q := r.URL.Query()
	f := logging.EventFilter{Type: q.Get("type"), Direction: q.Get("direction")}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if fl, ok := w.(http.Flusher); ok {
		fl.Flush()
	}

	sub := eb.Subscribe(128)
	defer sub.Close()

	var seq uint64
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-sub.C:
			if !ok {
				return
			}
			if !f.Matches(rec) {
				continue
			}
			seq++
			data, err := json.Marshal(EventEntryFromRecord(rec))
			if err != nil {
				continue
			}
			writeSSEEvent(w, strconv.FormatUint(seq, 10), rec.Type, string(data))
		}
	}
}

// EventEntryFromRecord converts a buffered event for API output.
func EventEntryFromRecord(rec logging.EventRecord) EventEntry {
	e := EventEntry{
		Time:      rec.Time.Format(time.RFC3339),
		Type:      rec.Type,
		Direction: rec.Direction,
		Action:    rec.Action,
		UserID:    rec.UserID,
		Rules:     rec.Rules,
		Detail:    rec.Detail,
		Error:     rec.Err,
	}
	if rec.Duration != 0 {
		e.Duration = rec.Duration.String()
	}
	return e
}
