package durablestreams

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/durable-streams/streamd/store"
)

func asStoreError(err error, target **store.Error) bool {
	return errors.As(err, target)
}

// Problem is an RFC 9457 problem details body. Code carries the stable
// machine-readable error code; clients should branch on it rather than on
// Detail text.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Code   string `json:"code"`
}

// codeStatus maps error codes to HTTP statuses.
var codeStatus = map[store.Code]int{
	store.CodeBadRequest:          http.StatusBadRequest,
	store.CodeInvalidOffset:       http.StatusBadRequest,
	store.CodeInvalidJSON:         http.StatusBadRequest,
	store.CodeEmptyBody:           http.StatusBadRequest,
	store.CodeEmptyArray:          http.StatusBadRequest,
	store.CodeNotFound:            http.StatusNotFound,
	store.CodeStreamConflict:      http.StatusConflict,
	store.CodeSequenceConflict:    http.StatusConflict,
	store.CodeContentTypeMismatch: http.StatusConflict,
	store.CodeStaleEpoch:          http.StatusConflict,
	store.CodeInvalidEpochSeq:     http.StatusConflict,
	store.CodeIdempotencyMismatch: http.StatusConflict,
	store.CodeStreamClosed:        http.StatusGone,
	store.CodeOffsetExpired:       http.StatusGone,
	store.CodePayloadTooLarge:     http.StatusRequestEntityTooLarge,
	store.CodePreconditionFailed:  http.StatusPreconditionFailed,
	store.CodeUnavailable:         http.StatusServiceUnavailable,
}

var codeTitle = map[store.Code]string{
	store.CodeBadRequest:          "Bad Request",
	store.CodeInvalidOffset:       "Invalid Offset",
	store.CodeInvalidJSON:         "Invalid JSON",
	store.CodeEmptyBody:           "Empty Body",
	store.CodeEmptyArray:          "Empty Array",
	store.CodeNotFound:            "Stream Not Found",
	store.CodeStreamConflict:      "Stream Configuration Conflict",
	store.CodeSequenceConflict:    "Sequence Conflict",
	store.CodeContentTypeMismatch: "Content Type Mismatch",
	store.CodeStaleEpoch:          "Stale Producer Epoch",
	store.CodeInvalidEpochSeq:     "Invalid Epoch Sequence",
	store.CodeIdempotencyMismatch: "Idempotency Key Mismatch",
	store.CodeStreamClosed:        "Stream Closed",
	store.CodeOffsetExpired:       "Offset Expired",
	store.CodePayloadTooLarge:     "Payload Too Large",
	store.CodePreconditionFailed:  "Precondition Failed",
	store.CodeUnavailable:         "Service Unavailable",
}

// problemFrom builds a Problem from a typed store error, falling back to a
// 500 for anything untyped.
func problemFrom(err error) *Problem {
	code := store.CodeOf(err)
	status, ok := codeStatus[code]
	if !ok {
		return &Problem{
			Type:   "about:blank",
			Title:  "Internal Server Error",
			Status: http.StatusInternalServerError,
			Code:   "INTERNAL",
		}
	}
	detail := ""
	var se *store.Error
	if asStoreError(err, &se) {
		detail = se.Detail
	}
	return &Problem{
		Type:   "about:blank",
		Title:  codeTitle[code],
		Status: status,
		Detail: detail,
		Code:   string(code),
	}
}

// writeStoreError renders a typed store error as problem+json, including the
// diagnostic headers some codes carry.
func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	var se *store.Error
	if asStoreError(err, &se) {
		switch se.Code {
		case store.CodeStaleEpoch:
			w.Header().Set(HeaderProducerEpoch, strconv.FormatInt(se.CurrentEpoch, 10))
		case store.CodeSequenceConflict:
			if se.ExpectedSeq != 0 || se.ReceivedSeq != 0 {
				w.Header().Set(HeaderProducerExpectedSeq, strconv.FormatInt(se.ExpectedSeq, 10))
				w.Header().Set(HeaderProducerReceivedSeq, strconv.FormatInt(se.ReceivedSeq, 10))
			}
		case store.CodeStreamClosed:
			if se.HasOffset {
				w.Header().Set(HeaderStreamNextOffset, se.FinalOffset.String())
				w.Header().Set(HeaderStreamClosed, "true")
			}
		}
	}
	writeProblem(w, problemFrom(err))
}

func writeProblem(w http.ResponseWriter, p *Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	json.NewEncoder(w).Encode(p)
}

// badRequest is a convenience constructor for handler-level validation
// failures.
func badRequest(code store.Code, detail string) *store.Error {
	return &store.Error{Code: code, Detail: detail}
}
