package tgui

import (
	"strings"
	"testing"
)

func TestEscapingHelpers(t *testing.T) {
	t.Parallel()

	if got := B("a<b"); got != "<b>a&lt;b</b>" {
		t.Fatalf("B = %q", got)
	}
	if got := Mention(7, ""); got != `<a href="tg://user?id=7">player</a>` {
		t.Fatalf("Mention = %q", got)
	}
	if got := Mention(7, `"x"`); !strings.Contains(string(got), "&#34;x&#34;") {
		t.Fatalf("Mention label not escaped: %q", got)
	}
}

func TestLabelTruncates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", MaxLabelRunes+5)
	got := Label(long)
	if n := len([]rune(got)); n != MaxLabelRunes {
		t.Fatalf("runes = %d, want %d", n, MaxLabelRunes)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("missing ellipsis: %q", got)
	}
	if Label("  short ") != "short" {
		t.Fatal("short labels are only trimmed")
	}
}

func TestDocLinef(t *testing.T) {
	t.Parallel()

	var d Doc
	d.Line(B("Title")).Linef("%s - %s (%d)", "<Go>", Code("id"), 3).Line("")
	want := "<b>Title</b>\n&lt;Go&gt; - <code>id</code> (3)\n"
	if d.String() != want {
		t.Fatalf("doc = %q, want %q", d.String(), want)
	}
}
