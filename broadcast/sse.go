package broadcast

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ServeStream writes the subscription as Server-Sent-Events frames until the
// client disconnects. The subscription is cancelled before returning, so a
// dropped dashboard connection deregisters promptly. Consumers reconnect on
// drop; there is no replay.
func ServeStream(w http.ResponseWriter, r *http.Request, sub *Subscription) {
	defer sub.Cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			encoded, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", encoded)
			flusher.Flush()
		}
	}
}
