package command

import (
	"errors"
	"fmt"
	"strings"
)

var ErrSyntax = errors.New("command: syntax error")

// Split breaks a script into statements, each terminated by ";". Comments
// ("!" and "//" to end of line, "/* ... */" blocks) are removed; semicolons
// inside quotes do not terminate a statement. A trailing statement without
// terminator is returned terminated.
func Split(script string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote byte
	)
	flush := func() {
		s := strings.TrimSpace(cur.String())
		cur.Reset()
		if s != "" {
			out = append(out, s+";")
		}
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		if quote != 0 {
			cur.WriteByte(c)
			if c == quote {
				quote = 0
			}
			continue
		}
		switch {
		case c == '"' || c == '\'':
			quote = c
			cur.WriteByte(c)
		case c == '!' || strings.HasPrefix(script[i:], "//"):
			for i < len(script) && script[i] != '\n' {
				i++
			}
			cur.WriteByte(' ')
		case strings.HasPrefix(script[i:], "/*"):
			end := strings.Index(script[i+2:], "*/")
			if end < 0 {
				i = len(script)
			} else {
				i += end + 3
			}
			cur.WriteByte(' ')
		case c == ';':
			flush()
		case c == '\n' || c == '\r' || c == '\t':
			cur.WriteByte(' ')
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

// splitTopLevel splits s on sep outside of quotes, parentheses and braces.
func splitTopLevel(s string, sep rune) ([]string, error) {
	var (
		parts []string
		depth int
		quote rune
		start int
	)
	for i, c := range s {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(' || c == '{' || c == '[':
			depth++
		case c == ')' || c == '}' || c == ']':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced %q in %q", ErrSyntax, c, s)
			}
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	if quote != 0 || depth != 0 {
		return nil, fmt.Errorf("%w: unterminated group in %q", ErrSyntax, s)
	}
	return append(parts, s[start:]), nil
}
