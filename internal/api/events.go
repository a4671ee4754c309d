package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"taskflow/pkg/changefeed"
	"taskflow/pkg/eventlog"
)

func (s *Server) handleJournalList(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal is not configured")
		return
	}
	ctx := r.Context()
	limit := queryInt(r, "limit", 50)

	var (
		events []eventlog.Event
		err    error
	)
	if after := r.URL.Query().Get("after"); after != "" {
		events, err = s.journal.Since(ctx, after, limit)
	} else {
		events, err = s.journal.Recent(ctx, limit)
	}
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, events)
}

// handleChangeStream pushes row changes as Server-Sent Events. The optional
// table query parameter narrows the feed to tasks, verification_requests or
// reassignment_records.
func (s *Server) handleChangeStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "change feed is not configured")
		return
	}
	table := r.URL.Query().Get("table")
	switch table {
	case "", changefeed.TableTasks, changefeed.TableVerifications, changefeed.TableReassignments:
	default:
		writeError(w, 400, fmt.Sprintf("unknown table %q", table))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, 500, "streaming not supported")
		return
	}

	ch := s.hub.Subscribe(table)
	defer s.hub.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case c, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(c)
			if err != nil {
				log.Printf("SSE encode: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", c.Table, data)
			flusher.Flush()
		}
	}
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
