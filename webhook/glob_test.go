package webhook

import "testing"

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		match   bool
	}{
		{"exact", "/chat/room1", "/chat/room1", true},
		{"exact mismatch", "/chat/room1", "/chat/room2", false},
		{"single star one segment", "/chat/*", "/chat/room1", true},
		{"single star not two segments", "/chat/*", "/chat/room1/sub", false},
		{"single star mid pattern", "/chat/*/messages", "/chat/room1/messages", true},
		{"double star zero segments", "/chat/**", "/chat", true},
		{"double star one segment", "/chat/**", "/chat/room1", true},
		{"double star many segments", "/chat/**", "/chat/a/b/c", true},
		{"double star mid pattern", "/a/**/z", "/a/b/c/z", true},
		{"double star mid no tail", "/a/**/z", "/a/b/c", false},
		{"everything", "/**", "/anything/at/all", true},
		{"literal star percent encoded", "/files/%2A", "/files/*", true},
		{"literal star does not match other", "/files/%2A", "/files/x", false},
		{"lowercase percent encoding", "/files/%2a", "/files/*", true},
		{"star does not match empty", "/*", "/", false},
		{"trailing slash normalized", "/chat/room1/", "/chat/room1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchPattern(tt.pattern, tt.path); got != tt.match {
				t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.match)
			}
		})
	}
}
