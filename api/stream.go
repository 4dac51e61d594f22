package api

import (
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// handleStream serves a decision set's event topic as SSE. replay=1 (the
// default) delivers the retained history before going live; replay=0 joins
// at the tail. The stream ends when the topic closes after its terminal
// event or when the client disconnects. Each frame's event field is the
// kind and its data field the full event document.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "decisionSetID")
	ctx := r.Context()

	if _, err := s.store.GetWorkflow(ctx, id); err != nil {
		s.storeError(w, err, "decision set")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	replay := r.URL.Query().Get("replay") != "0"
	sub := s.bus.Subscribe(id, replay)
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			// Topic closed or client gone; either way the stream is over.
			return
		}
		if err := sse.Encode(w, sse.Event{Event: ev.Kind, Data: ev}); err != nil {
			s.log.Debug("stream write failed",
				zap.String("decision_set_id", id), zap.Error(err))
			return
		}
		flusher.Flush()
	}
}
