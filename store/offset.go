package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset represents a position within a stream.
// Format: "0000000000000000_0000000000000000" (byte position, then message
// index, 16 digits each, zero-padded). The rendered form is lexicographically
// sortable for any value that fits in 16 digits.
type Offset struct {
	BytePos  uint64 // Bytes of stored message data before this position
	MsgIndex uint64 // Number of messages before this position
}

// ZeroOffset is the starting offset for a new stream.
var ZeroOffset = Offset{}

// BeforeBeginning is the client-facing sentinel meaning "read everything".
const BeforeBeginning = "-1"

// String returns the offset as a formatted string.
func (o Offset) String() string {
	return fmt.Sprintf("%016d_%016d", o.BytePos, o.MsgIndex)
}

// IsZero returns true if this is the zero/starting offset.
func (o Offset) IsZero() bool {
	return o.BytePos == 0 && o.MsgIndex == 0
}

// Advance returns the offset after appending one message of the given size.
func (o Offset) Advance(size int) Offset {
	return Offset{
		BytePos:  o.BytePos + uint64(size),
		MsgIndex: o.MsgIndex + 1,
	}
}

// ParseOffset parses an offset string.
// "" and "-1" both mean "start from the beginning".
func ParseOffset(s string) (Offset, error) {
	if s == "" || s == BeforeBeginning {
		return ZeroOffset, nil
	}

	if !isValidOffsetFormat(s) {
		return Offset{}, &Error{Code: CodeInvalidOffset, Detail: "offset must be 'digits_digits'"}
	}

	parts := strings.Split(s, "_")
	bytePos, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Offset{}, &Error{Code: CodeInvalidOffset, Detail: "byte position is not a number"}
	}
	msgIndex, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Offset{}, &Error{Code: CodeInvalidOffset, Detail: "message index is not a number"}
	}

	return Offset{BytePos: bytePos, MsgIndex: msgIndex}, nil
}

// isValidOffsetFormat reports whether s is digits, one underscore, digits.
// Strict so malformed client input never reaches ParseUint.
func isValidOffsetFormat(s string) bool {
	if len(s) < 3 {
		return false
	}
	underscores := 0
	pos := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' {
			underscores++
			pos = i
			if underscores > 1 {
				return false
			}
		} else if c < '0' || c > '9' {
			return false
		}
	}
	return underscores == 1 && pos > 0 && pos < len(s)-1
}

// Compare returns -1 if a < b, 0 if a == b, 1 if a > b.
func Compare(a, b Offset) int {
	if a.BytePos != b.BytePos {
		if a.BytePos < b.BytePos {
			return -1
		}
		return 1
	}
	if a.MsgIndex != b.MsgIndex {
		if a.MsgIndex < b.MsgIndex {
			return -1
		}
		return 1
	}
	return 0
}

// LessThan returns true if o < other.
func (o Offset) LessThan(other Offset) bool {
	return Compare(o, other) < 0
}

// Equal returns true if o == other.
func (o Offset) Equal(other Offset) bool {
	return Compare(o, other) == 0
}
