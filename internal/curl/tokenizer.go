package curl

import (
	"strings"

	"github.com/tskulbru/kvile/internal/errdef"
)

// quoteState tracks shell quoting while a command is split into words.
type quoteState struct {
	single bool
	double bool
	ansi   bool
	escape bool
	skipLF bool
}

func (q *quoteState) open() bool { return q.single || q.double || q.ansi }

// splitWords tokenizes a shell command line. Single quotes are literal,
// double quotes honour backslashes, $'...' decodes C escapes and a
// backslash before a line break continues the line.
func splitWords(input string) ([]string, error) {
	var (
		q   quoteState
		buf strings.Builder
		out []string
	)
	// quoted empty strings ('') still count as a word
	started := false
	flush := func() {
		if buf.Len() == 0 && !started {
			return
		}
		out = append(out, buf.String())
		buf.Reset()
		started = false
	}

	rs := []rune(input)
	for i := 0; i < len(rs); i++ {
		r := rs[i]

		if q.skipLF {
			q.skipLF = false
			if r == '\n' {
				continue
			}
		}

		if q.escape {
			q.escape = false
			switch {
			case q.ansi:
				val, err := ansiEscape(rs, &i)
				if err != nil {
					return nil, err
				}
				buf.WriteRune(val)
			case r == '\r':
				q.skipLF = true
			case r == '\n':
			default:
				buf.WriteRune(r)
			}
			continue
		}

		switch {
		case q.ansi:
			switch r {
			case '\\':
				q.escape = true
			case '\'':
				q.ansi = false
			default:
				buf.WriteRune(r)
			}
		case r == '\\' && !q.single:
			q.escape = true
		case r == '\'' && !q.double:
			q.single = !q.single
			started = true
		case r == '"' && !q.single:
			q.double = !q.double
			started = true
		case r == '$' && !q.single && !q.double && i+1 < len(rs) && rs[i+1] == '\'':
			q.ansi = true
			started = true
			i++
		case isSpace(r) && !q.single && !q.double:
			flush()
		default:
			buf.WriteRune(r)
		}
	}

	if q.escape {
		return nil, errdef.New(errdef.CodeParse, "unterminated escape sequence")
	}
	if q.open() {
		return nil, errdef.New(errdef.CodeParse, "unterminated quoted string")
	}
	flush()
	return out, nil
}

func ansiEscape(rs []rune, i *int) (rune, error) {
	switch r := rs[*i]; r {
	case 'n':
		return '\n', nil
	case 'r':
		return '\r', nil
	case 't':
		return '\t', nil
	case 'x':
		return readHex(rs, i, 2)
	case 'u':
		return readHex(rs, i, 4)
	default:
		return r, nil
	}
}

func readHex(rs []rune, i *int, n int) (rune, error) {
	if *i+n >= len(rs) {
		return 0, errdef.New(errdef.CodeParse, "invalid hex escape")
	}
	val := 0
	for j := 1; j <= n; j++ {
		d, ok := hexValue(rs[*i+j])
		if !ok {
			return 0, errdef.New(errdef.CodeParse, "invalid hex escape")
		}
		val = val*16 + d
	}
	*i += n
	return rune(val), nil
}

func hexValue(r rune) (int, bool) {
	switch {
	case r >= '0' && r <= '9':
		return int(r - '0'), true
	case r >= 'a' && r <= 'f':
		return int(r-'a') + 10, true
	case r >= 'A' && r <= 'F':
		return int(r-'A') + 10, true
	default:
		return 0, false
	}
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	default:
		return false
	}
}
