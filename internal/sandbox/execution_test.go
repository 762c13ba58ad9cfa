package sandbox

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestLogTruncatesLongLinesOnRuneBoundary(t *testing.T) {
	cases := []struct {
		line     string
		maxBytes int
		want     string
	}{
		{"aéé", 4, "aé…"},
		{"ééé", 3, "é…"},
		{"日本語", 4, "日…"},
		{"abcdef", 3, "abc…"},
		{"abc", 3, "abc"},
	}
	for _, c := range cases {
		l := NewLog(10, c.maxBytes)
		l.Append(c.line)
		got := l.Lines()[0]
		if !utf8.ValidString(got) {
			t.Fatalf("Append(%q) with cap %d produced invalid UTF-8 %q", c.line, c.maxBytes, got)
		}
		if got != c.want {
			t.Fatalf("Append(%q) with cap %d = %q, want %q", c.line, c.maxBytes, got, c.want)
		}
	}
}

func TestLogCapsLinesAndDropsAfterSeal(t *testing.T) {
	l := NewLog(2, 0)
	for i := 0; i < 5; i++ {
		l.Append("x")
	}
	lines := l.Lines()
	if len(lines) != 3 || !strings.Contains(lines[2], "truncated") {
		t.Fatalf("expected two lines plus a truncation marker, got %q", lines)
	}

	l = NewLog(0, 0)
	l.Append("before")
	l.Seal()
	l.Append("after")
	if got := l.Lines(); len(got) != 1 || got[0] != "before" {
		t.Fatalf("sealed log accepted a line: %q", got)
	}
}
