package query

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"dbconsole-agent/internal/domain"
)

// sqlPrefixLen is how much of the normalized SQL two statements must share.
const sqlPrefixLen = 50

// Match resolves free text to a canonical query. Tiers are tried in order
// across all queries: exact phrasing, bidirectional substring, then keyword.
// Within a tier the first query in declaration order wins.
func Match(queries []domain.CanonicalQuery, input string) (domain.CanonicalQuery, bool) {
	in := normalizeText(input)
	if in == "" {
		return domain.CanonicalQuery{}, false
	}

	for _, q := range queries {
		for _, p := range q.NaturalLanguagePatterns {
			if normalizeText(p) == in {
				return q, true
			}
		}
	}

	for _, q := range queries {
		for _, p := range q.NaturalLanguagePatterns {
			np := normalizeText(p)
			if np == "" {
				continue
			}
			if strings.Contains(in, np) || strings.Contains(np, in) {
				return q, true
			}
		}
	}

	tokens := keywords(in)
	if len(tokens) == 0 {
		return domain.CanonicalQuery{}, false
	}
	for _, q := range queries {
		haystack := keywordHaystack(q)
		for _, tok := range tokens {
			if strings.Contains(haystack, tok) {
				return q, true
			}
		}
	}
	return domain.CanonicalQuery{}, false
}

// MatchSQL resolves literal SQL to the first canonical query whose stored SQL
// shares the same normalized prefix.
func MatchSQL(queries []domain.CanonicalQuery, sql string) (domain.CanonicalQuery, bool) {
	in := sqlPrefix(sql)
	if in == "" {
		return domain.CanonicalQuery{}, false
	}
	for _, q := range queries {
		if sqlPrefix(q.SQL) == in {
			return q, true
		}
	}
	return domain.CanonicalQuery{}, false
}

func normalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// keywords splits lower-cased input into tokens longer than two runes,
// with surrounding punctuation trimmed.
func keywords(in string) []string {
	var out []string
	for _, f := range strings.Fields(in) {
		tok := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if utf8.RuneCountInString(tok) > 2 {
			out = append(out, tok)
		}
	}
	return out
}

func keywordHaystack(q domain.CanonicalQuery) string {
	parts := make([]string, 0, len(q.NaturalLanguagePatterns)+2)
	parts = append(parts, q.Name, q.Description)
	parts = append(parts, q.NaturalLanguagePatterns...)
	return strings.ToLower(strings.Join(parts, " "))
}

func sqlPrefix(sql string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(sql) {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	s := strings.TrimRight(b.String(), ";")
	if len(s) > sqlPrefixLen {
		s = s[:sqlPrefixLen]
	}
	return s
}
