package store

import (
	"testing"
)

func TestNormalizeContentType(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty defaults", "", "application/octet-stream"},
		{"bare type", "application/json", "application/json"},
		{"parameters stripped", "application/json; charset=utf-8", "application/json"},
		{"case folded", "Application/JSON", "application/json"},
		{"whitespace trimmed", "  text/plain ", "text/plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeContentType(tt.input); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestContentTypeMatches(t *testing.T) {
	if !ContentTypeMatches("application/json; charset=utf-8", "APPLICATION/JSON") {
		t.Error("expected parameter and case differences to match")
	}
	if ContentTypeMatches("application/json", "text/plain") {
		t.Error("expected different media types not to match")
	}
}

func TestSplitJSONBatch(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		allowEmpty  bool
		expected    []string
		expectCode  Code
	}{
		{
			name:     "single object",
			input:    `{"a":1}`,
			expected: []string{`{"a":1}`},
		},
		{
			name:     "single scalar",
			input:    `42`,
			expected: []string{`42`},
		},
		{
			name:     "array flattened one level",
			input:    `[{"a":1},{"b":2}]`,
			expected: []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:     "nested arrays kept intact",
			input:    `[[1,2],[3]]`,
			expected: []string{`[1,2]`, `[3]`},
		},
		{
			name:     "whitespace around body",
			input:    "  [1, 2]\n",
			expected: []string{`1`, `2`},
		},
		{
			name:       "invalid JSON",
			input:      `{"a":`,
			expectCode: CodeInvalidJSON,
		},
		{
			name:       "empty array rejected on append",
			input:      `[]`,
			expectCode: CodeEmptyArray,
		},
		{
			name:       "empty array allowed at creation",
			input:      `[]`,
			allowEmpty: true,
			expected:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := SplitJSONBatch([]byte(tt.input), tt.allowEmpty)
			if tt.expectCode != "" {
				if !IsCode(err, tt.expectCode) {
					t.Fatalf("expected code %s, got %v", tt.expectCode, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(parts) != len(tt.expected) {
				t.Fatalf("expected %d parts, got %d", len(tt.expected), len(parts))
			}
			for i := range parts {
				if string(parts[i]) != tt.expected[i] {
					t.Errorf("part %d: expected %q, got %q", i, tt.expected[i], parts[i])
				}
			}
		})
	}
}

func TestFrameJSON(t *testing.T) {
	if got := string(FrameJSON(nil)); got != "[]" {
		t.Errorf("expected empty frame to be [], got %q", got)
	}

	msgs := []Message{
		{Data: []byte(`{"a":1}`)},
		{Data: []byte(`2`)},
		{Data: []byte(`[3]`)},
	}
	want := `[{"a":1},2,[3]]`
	if got := string(FrameJSON(msgs)); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestFrameRaw(t *testing.T) {
	msgs := []Message{
		{Data: []byte("hello ")},
		{Data: []byte("world")},
	}
	if got := string(FrameRaw(msgs)); got != "hello world" {
		t.Errorf("expected concatenation, got %q", got)
	}
}

func TestFramePicksByContentType(t *testing.T) {
	msgs := []Message{{Data: []byte(`1`)}, {Data: []byte(`2`)}}
	if got := string(Frame("application/json", msgs)); got != "[1,2]" {
		t.Errorf("JSON framing: got %q", got)
	}
	if got := string(Frame("text/plain", msgs)); got != "12" {
		t.Errorf("raw framing: got %q", got)
	}
}
