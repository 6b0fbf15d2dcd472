package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/basket/statusboard/internal/bus"
	"github.com/basket/statusboard/internal/shared"
)

// sseKeepalive is how often a comment line is written to hold idle proxies open.
const sseKeepalive = 25 * time.Second

// KindResync tells an SSE client that notifications were dropped and it
// should re-fetch everything it displays.
const KindResync = "resync"

type sseEvent struct {
	Kind       string            `json:"kind"`
	SubjectIDs map[string]string `json:"subject_ids,omitempty"`
}

// handleEvents implements GET /api/events, a server-sent-events mirror of the
// room's change notifications for clients that cannot hold a websocket.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not available: event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := s.cfg.Bus.Subscribe(bus.TopicChangePrefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	if err := writeSSE(w, sseEvent{Kind: "connected"}); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", shared.LogAttrs(ctx)...)
			return

		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			if n := sub.TakeDropped(); n > 0 {
				s.logger.Warn("sse: subscriber fell behind", append(shared.LogAttrs(ctx), "dropped", n)...)
				if err := writeSSE(w, sseEvent{Kind: KindResync}); err != nil {
					return
				}
			}
			notice, ok := event.Payload.(bus.ChangeNotice)
			if !ok {
				continue
			}
			if err := writeSSE(w, sseEvent{Kind: notice.Kind, SubjectIDs: notice.SubjectIDs}); err != nil {
				s.logger.Debug("sse: write failed", append(shared.LogAttrs(ctx), "error", err)...)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev sseEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}
