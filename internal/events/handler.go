package events

import (
	"fmt"
	"net/http"
	"strings"
)

// SSEHandler returns an http.HandlerFunc that streams broker events as SSE.
// Clients may filter by ?streams=name1,name2 and ?signals=kind1,kind2.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		streamFilter := parseFilter(r.URL.Query().Get("streams"))
		signalFilter := parseFilter(r.URL.Query().Get("signals"))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if streamFilter != nil && !streamFilter[evt.Stream] {
					continue
				}
				if signalFilter != nil && !signalFilter[evt.Signal] {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Stream, evt.Payload)
				flusher.Flush()
			}
		}
	}
}

func parseFilter(q string) map[string]bool {
	if q == "" {
		return nil
	}
	filter := make(map[string]bool)
	for _, v := range strings.Split(q, ",") {
		if v = strings.TrimSpace(v); v != "" {
			filter[v] = true
		}
	}
	if len(filter) == 0 {
		return nil
	}
	return filter
}
