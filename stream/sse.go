package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ServeSSE serializes the chunk stream as server-sent events onto w,
// flushing after every chunk so clients see deltas as they happen. It
// returns once the stream closes or the client disconnects.
func ServeSSE(w http.ResponseWriter, r *http.Request, chunks <-chan Chunk) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			payload, err := json.Marshal(chunk)
			if err != nil {
				// Delivery is best-effort per connected session; a chunk
				// that cannot be serialized is skipped, not fatal.
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}
