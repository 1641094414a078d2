package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const watchKeepAlive = 15 * time.Second

// watch handles GET /v1/watch?table=a&table=b. Events are streamed as
// server-sent events until the client goes away. Without table parameters
// every table is watched; schema saves are always sent.
func (h *Handler) watch(w http.ResponseWriter, r *http.Request) {
	tables := r.URL.Query()["table"]
	for _, name := range tables {
		if _, err := h.schema.Table(name); err != nil {
			fail(w, r, err)
			return
		}
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && err != http.ErrNotSupported {
		h.logger.WithError(err).Debug("watch: write deadline not cleared")
	}

	bus := h.schema.Events()
	sub := bus.Subscribe(tables...)
	defer bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.WithError(err).Warn("watch: response cannot be streamed")
		return
	}

	keepAlive := time.NewTicker(watchKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.opts.Done:
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case e := <-sub.C:
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.WithError(err).Error("watch: encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
