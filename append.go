package durablestreams

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/durable-streams/streamd/store"
)

// handleAppend handles POST requests: normal appends, producer-fenced
// appends, and close-only requests (empty body with Stream-Closed: true).
func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, path string) error {
	info, err := h.store.Get(path)
	if err != nil {
		return err
	}

	producer, err := parseProducerHeaders(r)
	if err != nil {
		return err
	}

	var seq *int64
	if seqStr := r.Header.Get(HeaderStreamSeq); seqStr != "" {
		n, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			return badRequest(store.CodeBadRequest, "Stream-Seq must be a base-10 integer")
		}
		seq = &n
	}

	closeStream := false
	switch r.Header.Get(HeaderStreamClosed) {
	case "":
	case "true":
		closeStream = true
	default:
		return badRequest(store.CodeBadRequest, "Stream-Closed must be \"true\" when present")
	}

	// If-Match fences the append on the current tail offset.
	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
		if ifMatch != fmt.Sprintf("%q", info.CurrentOffset.String()) {
			return &store.Error{Code: store.CodePreconditionFailed, Detail: "stream tail does not match If-Match"}
		}
	}

	body, err := h.readBody(r)
	if err != nil {
		return err
	}

	if len(body) == 0 {
		if !closeStream {
			metricAppends.WithLabelValues(outcomeRejected).Inc()
			return badRequest(store.CodeEmptyBody, "empty body not allowed")
		}
		return h.handleCloseOnly(w, path, producer)
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return badRequest(store.CodeBadRequest, "Content-Type header is required")
	}

	res, err := h.store.Append(path, body, store.AppendOptions{
		Seq:            seq,
		ContentType:    contentType,
		Close:          closeStream,
		Producer:       producer,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		metricAppends.WithLabelValues(outcomeRejected).Inc()
		return err
	}

	if res.Duplicate {
		metricAppends.WithLabelValues(outcomeDuplicate).Inc()
	} else {
		metricAppends.WithLabelValues(outcomeOK).Inc()
	}
	if res.Closed {
		metricStreams.WithLabelValues("close").Inc()
	}

	writeAppendHeaders(w, res, producer)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleCloseOnly closes a stream without appending.
func (h *Handler) handleCloseOnly(w http.ResponseWriter, path string, producer *store.ProducerRef) error {
	res, err := h.store.CloseStream(path, producer)
	if err != nil {
		return err
	}
	if !res.AlreadyClosed {
		metricStreams.WithLabelValues("close").Inc()
	}

	w.Header().Set(HeaderStreamNextOffset, res.FinalOffset.String())
	w.Header().Set(HeaderStreamClosed, "true")
	w.Header().Set("ETag", fmt.Sprintf("%q", res.FinalOffset.String()))
	if producer != nil {
		w.Header().Set(HeaderProducerEpoch, strconv.FormatInt(producer.Epoch, 10))
		w.Header().Set(HeaderProducerSeq, strconv.FormatInt(producer.Seq, 10))
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func writeAppendHeaders(w http.ResponseWriter, res store.AppendResult, producer *store.ProducerRef) {
	w.Header().Set(HeaderStreamNextOffset, res.NextOffset.String())
	w.Header().Set("ETag", fmt.Sprintf("%q", res.NextOffset.String()))
	if res.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if producer != nil {
		w.Header().Set(HeaderProducerEpoch, strconv.FormatInt(res.ProducerEpoch, 10))
		w.Header().Set(HeaderProducerSeq, strconv.FormatInt(res.ProducerSeq, 10))
	}
	// The replay marker covers both dedup mechanisms: producer seq and
	// Idempotency-Key.
	if res.Duplicate {
		w.Header().Set(HeaderIdempotencyReplayed, "true")
	}
}

// parseProducerHeaders extracts the idempotent-producer tuple. The three
// headers come as a set: all present or all absent.
func parseProducerHeaders(r *http.Request) (*store.ProducerRef, error) {
	id := r.Header.Get(HeaderProducerID)
	epochStr := r.Header.Get(HeaderProducerEpoch)
	seqStr := r.Header.Get(HeaderProducerSeq)

	if id == "" && epochStr == "" && seqStr == "" {
		return nil, nil
	}
	if id == "" || epochStr == "" || seqStr == "" {
		return nil, badRequest(store.CodeBadRequest, "Producer-Id, Producer-Epoch and Producer-Seq must be provided together")
	}

	epoch, err := strconv.ParseInt(epochStr, 10, 64)
	if err != nil || epoch < 0 {
		return nil, badRequest(store.CodeBadRequest, "Producer-Epoch must be a non-negative integer")
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil || seq < 0 {
		return nil, badRequest(store.CodeBadRequest, "Producer-Seq must be a non-negative integer")
	}

	return &store.ProducerRef{ID: id, Epoch: epoch, Seq: seq}, nil
}
