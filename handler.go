package durablestreams

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/durable-streams/streamd/store"
)

// Protocol header names
const (
	HeaderStreamNextOffset = "Stream-Next-Offset"
	HeaderStreamCursor     = "Stream-Cursor"
	HeaderStreamUpToDate   = "Stream-Up-To-Date"
	HeaderStreamSeq        = "Stream-Seq"
	HeaderStreamTTL        = "Stream-TTL"
	HeaderStreamExpiresAt  = "Stream-Expires-At"
	HeaderStreamClosed     = "Stream-Closed"

	HeaderProducerID          = "Producer-Id"
	HeaderProducerEpoch       = "Producer-Epoch"
	HeaderProducerSeq         = "Producer-Seq"
	HeaderProducerExpectedSeq = "Producer-Expected-Seq"
	HeaderProducerReceivedSeq = "Producer-Received-Seq"

	HeaderIdempotencyKey      = "Idempotency-Key"
	HeaderIdempotencyReplayed = "Idempotency-Replayed"
)

// knownProtocolHeaders are the Stream-* and Producer-* request headers this
// server understands. Anything else in those namespaces is rejected so
// protocol extensions fail loudly instead of being silently dropped.
var knownProtocolHeaders = map[string]bool{
	HeaderStreamSeq:       true,
	HeaderStreamTTL:       true,
	HeaderStreamExpiresAt: true,
	HeaderStreamClosed:    true,
	HeaderProducerID:      true,
	HeaderProducerEpoch:   true,
	HeaderProducerSeq:     true,
}

// ServeHTTP implements caddyhttp.MiddlewareHandler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Encoding, Stream-Seq, Stream-TTL, Stream-Expires-At, Stream-Closed, Producer-Id, Producer-Epoch, Producer-Seq, Idempotency-Key, If-None-Match, If-Match, Authorization")
	w.Header().Set("Access-Control-Expose-Headers", "Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-Closed, Producer-Epoch, Producer-Seq, Producer-Expected-Seq, Producer-Received-Seq, Idempotency-Replayed, ETag, Location")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	// Subscription and callback routes take precedence over stream paths.
	if h.routes.HandleRequest(w, r) {
		return nil
	}

	if unknown := unknownProtocolHeader(r); unknown != "" {
		h.writeStoreError(w, badRequest(store.CodeBadRequest, "unrecognized protocol header: "+unknown))
		return nil
	}

	streamPath := r.URL.Path

	h.logger.Debug("handling request",
		zap.String("method", r.Method),
		zap.String("path", streamPath),
		zap.String("query", r.URL.RawQuery))

	var err error
	switch r.Method {
	case http.MethodPut:
		err = h.handleCreate(w, r, streamPath)
	case http.MethodHead:
		err = h.handleHead(w, r, streamPath)
	case http.MethodGet:
		err = h.handleRead(w, r, streamPath)
	case http.MethodPost:
		err = h.handleAppend(w, r, streamPath)
	case http.MethodDelete:
		err = h.handleDelete(w, r, streamPath)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}

	if err != nil {
		h.writeError(w, err)
	}
	return nil
}

func unknownProtocolHeader(r *http.Request) string {
	for name := range r.Header {
		if !strings.HasPrefix(name, "Stream-") && !strings.HasPrefix(name, "Producer-") {
			continue
		}
		if !knownProtocolHeaders[name] {
			return name
		}
	}
	return ""
}

// handleCreate handles PUT requests to create a stream.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAtStr := r.Header.Get(HeaderStreamExpiresAt)

	if ttlStr != "" && expiresAtStr != "" {
		return badRequest(store.CodeBadRequest, "cannot specify both Stream-TTL and Stream-Expires-At")
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return badRequest(store.CodeBadRequest, err.Error())
		}
		ttlSeconds = &ttl
	}

	var expiresAt *time.Time
	if expiresAtStr != "" {
		t, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil {
			return badRequest(store.CodeBadRequest, "invalid Stream-Expires-At format")
		}
		expiresAt = &t
	}

	// Stream-Closed on PUT creates the stream already closed.
	closed := false
	switch r.Header.Get(HeaderStreamClosed) {
	case "":
	case "true":
		closed = true
	default:
		return badRequest(store.CodeBadRequest, "Stream-Closed must be \"true\" when present")
	}

	initialData, err := h.readBody(r)
	if err != nil {
		return err
	}

	info, created, err := h.store.Create(path, store.CreateOptions{
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		InitialData: initialData,
		Closed:      closed,
	})
	if err != nil {
		return err
	}
	metricStreams.WithLabelValues("create").Inc()

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set(HeaderStreamNextOffset, info.CurrentOffset.String())
	if info.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	if created {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		w.Header().Set("Location", fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path))
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

// handleHead handles HEAD requests for stream metadata.
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, path string) error {
	info, err := h.store.Get(path)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set(HeaderStreamNextOffset, info.CurrentOffset.String())
	w.Header().Set("Cache-Control", "no-store")

	if info.TTLSeconds != nil {
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(*info.TTLSeconds, 10))
	}
	if info.ExpiresAt != nil {
		w.Header().Set(HeaderStreamExpiresAt, info.ExpiresAt.Format(time.RFC3339))
	}
	if info.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	w.WriteHeader(http.StatusOK)
	return nil
}

// handleDelete handles DELETE requests to remove a stream.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, path string) error {
	if err := h.store.Delete(path); err != nil {
		return err
	}
	metricStreams.WithLabelValues("delete").Inc()
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// readBody reads a request body enforcing the configured size cap and
// decoding any Content-Encoding.
func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	reader, err := decodeBody(r)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	body, err := io.ReadAll(io.LimitReader(reader, h.MaxBodySize+1))
	if err != nil {
		if r.Header.Get("Content-Encoding") != "" {
			return nil, badRequest(store.CodeBadRequest, "decompression failed")
		}
		return nil, badRequest(store.CodeBadRequest, "failed to read body")
	}
	if int64(len(body)) > h.MaxBodySize {
		return nil, badRequest(store.CodePayloadTooLarge, "body exceeds configured maximum")
	}
	return body, nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var se *store.Error
	if errors.As(err, &se) {
		h.writeStoreError(w, se)
		return
	}
	h.logger.Error("internal error", zap.Error(err))
	writeProblem(w, problemFrom(err))
}

// parseTTL parses and validates a TTL header value: a base-10 non-negative
// integer with no leading zeros, sign, fraction or exponent.
var ttlRegex = regexp.MustCompile(`^[1-9][0-9]*$|^0$`)

func parseTTL(s string) (int64, error) {
	if !ttlRegex.MatchString(s) {
		return 0, fmt.Errorf("invalid TTL format: must be a non-negative integer without leading zeros")
	}
	ttl, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid TTL: %w", err)
	}
	return ttl, nil
}
