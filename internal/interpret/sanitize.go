package interpret

import "regexp"

// overEscaped matches one or more backslashes in front of punctuation that
// never needs escaping. The whole run is consumed so the result never ends up
// with a backslash left before the same character.
var overEscaped = regexp.MustCompile(`\\+([!?.,;:'"()\[\]{}])`)

// Sanitize removes backslashes the model puts in front of punctuation.
func Sanitize(text string) string {
	return overEscaped.ReplaceAllString(text, "$1")
}

// repairEscapes drops invalid escapes before punctuation inside JSON string
// literals. Structure outside strings is left byte for byte.
func repairEscapes(s string) string {
	out := make([]byte, 0, len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		b := s[i]
		if !inString {
			if b == '"' {
				inString = true
			}
			out = append(out, b)
			continue
		}
		switch b {
		case '"':
			inString = false
			out = append(out, b)
		case '\\':
			if i+1 >= len(s) {
				out = append(out, b)
				continue
			}
			next := s[i+1]
			if isRedundantEscape(next) {
				continue
			}
			out = append(out, b, next)
			i++
		default:
			out = append(out, b)
		}
	}
	return string(out)
}

func isRedundantEscape(b byte) bool {
	switch b {
	case '!', '?', '.', ',', ';', ':', '\'', '(', ')', '[', ']', '{', '}':
		return true
	}
	return false
}
