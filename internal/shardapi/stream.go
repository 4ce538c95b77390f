package shardapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sumire/aidev/internal/domain"
	"github.com/sumire/aidev/internal/shard"
)

// Stream serves a run's output as server-sent events: buffered output is
// replayed first, then live events follow until the run is terminal or the
// client goes away. Output chunks use the default message event.
func (h *Handler) Stream(c echo.Context) error {
	run, ok := h.runs.Get(c.Param("id"))
	if !ok {
		return domain.ErrNotFound
	}

	w := c.Response()
	flusher, ok := w.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	snap, events, unsub := run.Attach()
	defer unsub()

	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, chunk := range snap.Output {
		if err := writeEvent(w, "", chunk); err != nil {
			return nil
		}
	}
	if err := writeEvent(w, shard.EventStatus, map[string]any{"status": snap.Status}); err != nil {
		return nil
	}
	flusher.Flush()

	if events == nil {
		writeFinal(w, run.Snapshot())
		flusher.Flush()
		return nil
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, open := <-events:
			if !open {
				// The terminal event may have been dropped for a slow client.
				writeFinal(w, run.Snapshot())
				flusher.Flush()
				return nil
			}
			name := ev.Type
			if name == shard.EventOutput {
				name = ""
			}
			if err := writeEvent(w, name, ev.Data); err != nil {
				return nil
			}
			flusher.Flush()
			if ev.Type == shard.EventComplete || ev.Type == shard.EventError {
				return nil
			}
		}
	}
}

func writeFinal(w http.ResponseWriter, snap domain.RunSnapshot) {
	if snap.Status == domain.RunStatusCompleted {
		_ = writeEvent(w, shard.EventComplete, map[string]any{"status": snap.Status, "result": snap.Result})
		return
	}
	_ = writeEvent(w, shard.EventError, map[string]any{"status": snap.Status, "error": snap.Error})
}

func writeEvent(w http.ResponseWriter, name shard.EventType, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
