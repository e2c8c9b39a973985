package durablestreams

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/durable-streams/streamd/store"
)

// handleSSE streams messages as Server-Sent Events. Connections are closed
// after the reconnect interval so CDNs can collapse readers onto a shared
// upstream connection.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, path string, offset store.Offset, cursor string) error {
	info, err := h.store.Get(path)
	if err != nil {
		return err
	}

	ct := store.NormalizeContentType(info.ContentType)
	if !strings.HasPrefix(ct, "text/") && ct != "application/json" {
		return badRequest(store.CodeBadRequest, "SSE mode requires text/* or application/json content type")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metricWaiters.Inc()
	defer metricWaiters.Dec()

	deadline := time.Now().Add(time.Duration(h.SSEReconnectInterval))
	cur := offset

	res, err := h.store.Read(path, cur)
	if err != nil {
		return nil
	}
	if len(res.Messages) > 0 {
		writeSSEData(w, store.Frame(info.ContentType, res.Messages))
	}
	cur = res.NextOffset
	writeSSEControl(w, cur, cursor, res.UpToDate, res.Closed && res.UpToDate)
	flusher.Flush()
	if res.Closed && res.UpToDate {
		return nil
	}

	ctx := r.Context()
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, remaining)
		wres, err := h.store.WaitForMessages(waitCtx, path, cur, remaining)
		cancel()
		if err != nil {
			// Client disconnect or stream teardown; just end the event stream.
			return nil
		}
		if wres.TimedOut {
			return nil
		}

		if len(wres.Messages) > 0 {
			writeSSEData(w, store.Frame(info.ContentType, wres.Messages))
		}
		cur = wres.NextOffset
		writeSSEControl(w, cur, cursor, true, wres.Closed)
		flusher.Flush()

		if wres.Closed {
			return nil
		}
	}
}

func writeSSEData(w http.ResponseWriter, body []byte) {
	fmt.Fprintf(w, "event: data\n")
	for _, line := range strings.Split(string(body), "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprintf(w, "\n")
}

func writeSSEControl(w http.ResponseWriter, next store.Offset, clientCursor string, upToDate, closed bool) {
	control := map[string]any{
		"streamNextOffset": next.String(),
		"streamCursor":     generateResponseCursor(clientCursor),
	}
	if upToDate {
		control["upToDate"] = true
	}
	if closed {
		control["streamClosed"] = true
	}
	controlJSON, _ := json.Marshal(control)
	fmt.Fprintf(w, "event: control\ndata: %s\n\n", controlJSON)
}
