package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/abelbrown/syndicate/internal/logging"
	"github.com/abelbrown/syndicate/internal/refresh"
)

// streamEvents writes the event channel to the response as server-sent
// events. One goroutine (this one) owns the writer, so real events and
// keepalive comments can never interleave. Returns when the channel closes
// or the client disconnects.
func streamEvents(w http.ResponseWriter, r *http.Request, events <-chan refresh.Event, keepalive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Tell reverse proxies not to buffer the stream.
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			// Comment line: keeps idle-timeout intermediaries happy,
			// carries no state.
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logging.Error("marshal event failed", "err", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			ticker.Reset(keepalive)
		}
	}
}
