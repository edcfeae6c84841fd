package adapter

import (
	"strings"
	"testing"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		in     string
		limit  int
		chunks int
	}{
		{name: "short", in: "hello", limit: 10, chunks: 1},
		{name: "exact", in: strings.Repeat("a", 10), limit: 10, chunks: 1},
		{name: "hard split", in: strings.Repeat("a", 25), limit: 10, chunks: 3},
		{name: "newline split", in: strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8), limit: 10, chunks: 2},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := splitTelegramText(tc.in, tc.limit)
			if len(got) != tc.chunks {
				t.Fatalf("got %d chunks (%q), want %d", len(got), got, tc.chunks)
			}
			for _, c := range got {
				if len([]rune(c)) > tc.limit {
					t.Fatalf("chunk over limit: %q", c)
				}
			}
		})
	}
}

func TestSplitTelegramTextPrefersNewline(t *testing.T) {
	t.Parallel()

	got := splitTelegramText("aaaaaaa\nbbbbbbb", 10)
	if len(got) != 2 || got[0] != "aaaaaaa" || got[1] != "bbbbbbb" {
		t.Fatalf("unexpected split: %q", got)
	}
}
