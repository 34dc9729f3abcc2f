package agent

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateCutsAtRuneBoundary(t *testing.T) {
	s := strings.Repeat("ệ", 10)
	got := truncate(s, 7)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate split a multi-byte character: %q", got)
	}
	if got != "ệệ..." {
		t.Fatalf("got %q", got)
	}
	if truncate("short", 100) != "short" {
		t.Fatal("short strings must pass through unchanged")
	}
}
