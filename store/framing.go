package store

import (
	"bytes"
	"encoding/json"
	"strings"
)

// DefaultContentType is used when a stream is created without a Content-Type.
const DefaultContentType = "application/octet-stream"

// NormalizeContentType reduces a Content-Type header to its bare media type:
// parameters stripped, lowercased, empty mapped to the default.
func NormalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "" {
		return DefaultContentType
	}
	return ct
}

// ContentTypeMatches compares two content types, ignoring case and parameters.
func ContentTypeMatches(a, b string) bool {
	return NormalizeContentType(a) == NormalizeContentType(b)
}

// IsJSONContentType returns true for application/json streams.
func IsJSONContentType(ct string) bool {
	return NormalizeContentType(ct) == "application/json"
}

// SplitJSONBatch validates an append body for a JSON stream and splits it
// into stored messages. A top-level array is flattened one level; any other
// JSON value is a single message. allowEmpty permits an empty array (stream
// creation with initial data); on append an empty array is an error.
func SplitJSONBatch(data []byte, allowEmpty bool) ([][]byte, error) {
	if !json.Valid(data) {
		return nil, &Error{Code: CodeInvalidJSON, Detail: "body is not valid JSON"}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return [][]byte{trimmed}, nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(trimmed, &arr); err != nil {
		return nil, &Error{Code: CodeInvalidJSON, Detail: "body is not valid JSON"}
	}
	if len(arr) == 0 {
		if !allowEmpty {
			return nil, &Error{Code: CodeEmptyArray, Detail: "empty JSON array not allowed on append"}
		}
		return [][]byte{}, nil
	}

	out := make([][]byte, len(arr))
	for i, elem := range arr {
		out[i] = []byte(elem)
	}
	return out, nil
}

// FrameJSON renders stored messages of a JSON stream as one outer array.
// Zero messages render as "[]".
func FrameJSON(messages []Message) []byte {
	if len(messages) == 0 {
		return []byte("[]")
	}

	total := 2
	for i, msg := range messages {
		if i > 0 {
			total++
		}
		total += len(msg.Data)
	}

	out := make([]byte, 0, total)
	out = append(out, '[')
	for i, msg := range messages {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, msg.Data...)
	}
	return append(out, ']')
}

// FrameRaw renders stored messages of a non-JSON stream as a byte
// concatenation.
func FrameRaw(messages []Message) []byte {
	var total int
	for _, msg := range messages {
		total += len(msg.Data)
	}
	out := make([]byte, 0, total)
	for _, msg := range messages {
		out = append(out, msg.Data...)
	}
	return out
}

// Frame picks the framing for the given content type.
func Frame(contentType string, messages []Message) []byte {
	if IsJSONContentType(contentType) {
		return FrameJSON(messages)
	}
	return FrameRaw(messages)
}
