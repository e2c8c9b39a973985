package durablestreams

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/durable-streams/streamd/store"
)

// handleRead handles GET requests: catch-up reads, long-poll, and SSE.
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, path string) error {
	info, err := h.store.Get(path)
	if err != nil {
		return err
	}

	query := r.URL.Query()
	offsetValues, offsetProvided := query["offset"]
	offsetStr := ""
	if offsetProvided {
		if len(offsetValues) > 1 {
			return badRequest(store.CodeInvalidOffset, "multiple offset parameters not allowed")
		}
		offsetStr = offsetValues[0]
		if offsetStr == "" {
			return badRequest(store.CodeInvalidOffset, "offset parameter cannot be empty")
		}
	}

	var offset store.Offset
	if offsetStr == "now" {
		// Start at the tail: only data appended after this request is seen.
		offset = info.CurrentOffset
	} else {
		offset, err = store.ParseOffset(offsetStr)
		if err != nil {
			return err
		}
	}

	liveMode := query.Get("live")
	cursor := query.Get("cursor")
	switch liveMode {
	case "", "long-poll", "sse":
	default:
		return badRequest(store.CodeBadRequest, "live must be \"long-poll\" or \"sse\"")
	}
	if liveMode != "" && !offsetProvided {
		return badRequest(store.CodeBadRequest, "offset required for live mode")
	}

	if liveMode == "sse" {
		metricReads.WithLabelValues(modeSSE).Inc()
		return h.handleSSE(w, r, path, offset, cursor)
	}

	res, err := h.store.Read(path, offset)
	if err != nil {
		return err
	}

	if liveMode == "long-poll" {
		metricReads.WithLabelValues(modeLongPoll).Inc()
	} else {
		metricReads.WithLabelValues(modeCatchUp).Inc()
	}

	if liveMode == "long-poll" && len(res.Messages) == 0 {
		if !res.Closed {
			waited, err := h.waitLongPoll(r.Context(), path, offset)
			if err != nil {
				return err
			}
			if waited != nil {
				res.Messages = waited.Messages
				res.NextOffset = waited.NextOffset
				res.Closed = waited.Closed
			}
		}
		if len(res.Messages) == 0 {
			// Nothing to send: the wait timed out, or the reader is already
			// at the tail of a closed stream.
			w.Header().Set("Content-Type", info.ContentType)
			w.Header().Set(HeaderStreamNextOffset, res.NextOffset.String())
			w.Header().Set(HeaderStreamUpToDate, "true")
			if res.Closed {
				w.Header().Set(HeaderStreamClosed, "true")
			}
			w.Header().Set(HeaderStreamCursor, generateResponseCursor(cursor))
			w.WriteHeader(http.StatusNoContent)
			return nil
		}
		res.UpToDate = true
	}

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set(HeaderStreamNextOffset, res.NextOffset.String())
	if res.UpToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	if res.Closed && res.UpToDate {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if liveMode == "long-poll" {
		w.Header().Set(HeaderStreamCursor, generateResponseCursor(cursor))
	}

	etag := fmt.Sprintf("%q", res.NextOffset.String())
	w.Header().Set("ETag", etag)

	// Historical chunks are immutable and safe for shared caches.
	if !res.UpToDate && len(res.Messages) > 0 {
		w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
	}

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	body := store.Frame(info.ContentType, res.Messages)
	h.writeBody(w, r, body)
	return nil
}

// waitLongPoll parks the request until data arrives or the configured
// timeout lapses. A client disconnect surfaces as a timed-out wait.
func (h *Handler) waitLongPoll(ctx context.Context, path string, offset store.Offset) (*store.WaitResult, error) {
	timeout := time.Duration(h.LongPollTimeout)
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	metricWaiters.Inc()
	defer metricWaiters.Dec()

	res, err := h.store.WaitForMessages(waitCtx, path, offset, timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

// Cursor epoch: October 9, 2024 00:00:00 UTC
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

// Cursor interval duration in seconds
const cursorIntervalSeconds = 20

const (
	minJitterSeconds = 1
	maxJitterSeconds = 3600
)

// generateCursor returns the current time-based interval number, used to
// keep CDN cache keys for long-poll requests from colliding.
func generateCursor() string {
	intervalMs := int64(cursorIntervalSeconds * 1000)
	intervalNumber := (time.Now().UnixMilli() - cursorEpoch.UnixMilli()) / intervalMs
	return strconv.FormatInt(intervalNumber, 10)
}

// generateResponseCursor ensures the cursor handed back always advances past
// the one the client sent.
func generateResponseCursor(clientCursor string) string {
	currentCursor := generateCursor()
	currentInterval, _ := strconv.ParseInt(currentCursor, 10, 64)

	if clientCursor == "" {
		return currentCursor
	}

	clientInterval, err := strconv.ParseInt(clientCursor, 10, 64)
	if err != nil || clientInterval < currentInterval {
		return currentCursor
	}

	// Client cursor is at or ahead of real time; advance it by a jitter
	// interval so repeated polls do not share a cache key.
	jitterSeconds := minJitterSeconds + (maxJitterSeconds-minJitterSeconds)/2
	jitterIntervals := int64(1)
	if jitterSeconds/cursorIntervalSeconds > 1 {
		jitterIntervals = int64(jitterSeconds / cursorIntervalSeconds)
	}
	return strconv.FormatInt(clientInterval+jitterIntervals, 10)
}
