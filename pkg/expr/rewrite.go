package expr

import "strings"

// reserved are the CEL keywords and reserved identifiers that cannot follow a
// dot in a member selection.
var reserved = map[string]bool{
	"as": true, "break": true, "const": true, "continue": true, "else": true,
	"false": true, "for": true, "function": true, "if": true, "import": true,
	"in": true, "let": true, "loop": true, "namespace": true, "null": true,
	"package": true, "return": true, "true": true, "var": true, "void": true,
	"while": true,
}

// Rewrite maps the descriptor expression dialect onto CEL: $ names the
// working context, a leading dot is a path into it, and the strict equality
// operators fold onto == and !=. Selecting a reserved word such as .in
// becomes an index (["in"]). Quoted text is left alone.
func Rewrite(src string) string {
	s := strings.TrimSpace(src)
	if strings.HasPrefix(s, ".") {
		s = "$" + s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			b.WriteByte(c)
			switch {
			case c == '\\' && i+1 < len(s):
				i++
				b.WriteByte(s[i])
			case c == quote:
				quote = 0
			}
			continue
		}
		switch {
		case c == '\'' || c == '"':
			quote = c
			b.WriteByte(c)
		case c == '$':
			b.WriteString(ScopeVar)
		case c == '=' && strings.HasPrefix(s[i:], "==="):
			b.WriteString("==")
			i += 2
		case c == '!' && strings.HasPrefix(s[i:], "!=="):
			b.WriteString("!=")
			i += 2
		case c == '.':
			name := identAt(s, i+1)
			if reserved[name] {
				b.WriteString(`["` + name + `"]`)
				i += len(name)
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// identAt returns the identifier starting at s[i], or "".
func identAt(s string, i int) string {
	j := i
	for j < len(s) {
		c := s[j]
		letter := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if !letter && (j == i || c < '0' || c > '9') {
			break
		}
		j++
	}
	return s[i:j]
}
