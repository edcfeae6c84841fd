package router

import (
	"strings"

	"github.com/google/uuid"
)

func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// tokenizeCommandLine splits on whitespace, keeping quoted runs together:
//
//	/schedule add "Twilight Imperium" "03/04/2026 18:30"
func tokenizeCommandLine(s string) []string {
	var (
		out    []string
		cur    strings.Builder
		quote  rune
		inWord bool
	)
	flush := func() {
		if inWord {
			out = append(out, cur.String())
			cur.Reset()
			inWord = false
		}
	}
	for _, r := range strings.TrimSpace(s) {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'' || r == '“' || r == '”':
			if r == '“' || r == '”' {
				r = '”'
			}
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	flush()
	return out
}

// parseFlags separates --key=value and --flag tokens from positionals.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for _, a := range args {
		if !strings.HasPrefix(a, "--") || len(a) == 2 {
			pos = append(pos, a)
			continue
		}
		key := a[2:]
		if k, v, ok := strings.Cut(key, "="); ok {
			flags[k] = v
			continue
		}
		bools[key] = true
	}
	return pos, flags, bools
}

// commandWord strips the slash and any @botname suffix.
func commandWord(tok string) string {
	w := strings.TrimPrefix(tok, "/")
	if i := strings.IndexByte(w, '@'); i >= 0 {
		w = w[:i]
	}
	return strings.ToLower(w)
}
