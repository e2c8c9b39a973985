package store

import "errors"

// Code is a stable machine-readable error code from the protocol taxonomy.
type Code string

const (
	CodeBadRequest          Code = "BAD_REQUEST"
	CodeInvalidOffset       Code = "INVALID_OFFSET"
	CodeInvalidJSON         Code = "INVALID_JSON"
	CodeEmptyBody           Code = "EMPTY_BODY"
	CodeEmptyArray          Code = "EMPTY_ARRAY"
	CodeNotFound            Code = "NOT_FOUND"
	CodeStreamConflict      Code = "STREAM_CONFLICT"
	CodeSequenceConflict    Code = "SEQUENCE_CONFLICT"
	CodeStreamClosed        Code = "STREAM_CLOSED"
	CodeContentTypeMismatch Code = "CONTENT_TYPE_MISMATCH"
	CodeStaleEpoch          Code = "STALE_EPOCH"
	CodeInvalidEpochSeq     Code = "INVALID_EPOCH_SEQ"
	CodeIdempotencyMismatch Code = "IDEMPOTENCY_MISMATCH"
	CodeOffsetExpired       Code = "OFFSET_EXPIRED"
	CodePayloadTooLarge     Code = "PAYLOAD_TOO_LARGE"
	CodePreconditionFailed  Code = "PRECONDITION_FAILED"
	CodeUnavailable         Code = "UNAVAILABLE"
)

// Error is a typed store failure. Every failure the store can return carries
// one of the taxonomy codes above; the HTTP layer maps codes to statuses.
type Error struct {
	Code   Code
	Detail string

	// Producer validation context, set only for the producer codes.
	CurrentEpoch int64 // on STALE_EPOCH
	ExpectedSeq  int64 // on SEQUENCE_CONFLICT from a producer gap
	ReceivedSeq  int64 // on SEQUENCE_CONFLICT from a producer gap

	// Final offset of a closed stream, set on STREAM_CLOSED.
	FinalOffset Offset
	HasOffset   bool
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return string(e.Code) + ": " + e.Detail
	}
	return string(e.Code)
}

// IsCode reports whether err is a store Error with the given code.
func IsCode(err error, code Code) bool {
	var se *Error
	return errors.As(err, &se) && se.Code == code
}

// CodeOf returns the taxonomy code of err, or "" if err is not a store Error.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func errNotFound(path string) *Error {
	return &Error{Code: CodeNotFound, Detail: "stream not found: " + path}
}
