package fsparser

import (
	"testing"
)

func TestEscapeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "NOTES.TXT", "NOTES.TXT"},
		{"unicode", "résumé.doc", "résumé.doc"},
		{"control", "bad\x01name", `bad\x01name`},
		{"newline", "a\nb", `a\x0ab`},
		{"invalid_utf8", "a\xffb", `a\xffb`},
		{"del", "a\x7f", `a\x7f`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := EscapeName(tc.in); got != tc.want {
				t.Errorf("EscapeName(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCoalesceRuns(t *testing.T) {
	runs := coalesceRuns([]uint64{10, 11, 12, 20, 30, 31})
	want := []Run{{Block: 10, Count: 3}, {Block: 20, Count: 1}, {Block: 30, Count: 2}}
	if len(runs) != len(want) {
		t.Fatalf("got %d runs, want %d: %v", len(runs), len(want), runs)
	}
	for i := range want {
		if runs[i] != want[i] {
			t.Errorf("run %d: got %+v, want %+v", i, runs[i], want[i])
		}
	}
}

func TestOpenUnsupported(t *testing.T) {
	_, err := Open("/nonexistent", testVolume("unknown"))
	if err == nil {
		t.Fatal("expected error for unsupported filesystem")
	}
}
