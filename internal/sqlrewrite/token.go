package sqlrewrite

import "strings"

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokNumber
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

// tokenize splits a single statement into words, quoted/string literals,
// numbers, and punctuation. Quoted identifiers (" or `) are unwrapped to
// their bare name, same as an unquoted word, since the rewriter treats both
// uniformly.
func tokenize(stmt string) ([]token, error) {
	var toks []token
	i := 0
	n := len(stmt)

	for i < n {
		c := stmt[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '\'':
			j := i + 1
			for j < n && stmt[j] != '\'' {
				j++
			}
			if j >= n {
				return nil, badQuery("unterminated string literal")
			}
			toks = append(toks, token{tokString, stmt[i : j+1]})
			i = j + 1

		case c == '"' || c == '`':
			quote := c
			j := i + 1
			for j < n && stmt[j] != quote {
				j++
			}
			if j >= n {
				return nil, badQuery("unterminated quoted identifier")
			}
			toks = append(toks, token{tokWord, stmt[i+1 : j]})
			i = j + 1

		case isIdentStart(c):
			j := i + 1
			for j < n && isIdentPart(stmt[j]) {
				j++
			}
			toks = append(toks, token{tokWord, stmt[i:j]})
			i = j

		case c >= '0' && c <= '9':
			j := i + 1
			for j < n && (stmt[j] >= '0' && stmt[j] <= '9' || stmt[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, stmt[i:j]})
			i = j

		default:
			// multi-char operators are kept as single punctuation tokens
			// where it matters for rendering; everything else is one rune.
			if strings.HasPrefix(stmt[i:], "<=") || strings.HasPrefix(stmt[i:], ">=") ||
				strings.HasPrefix(stmt[i:], "!=") || strings.HasPrefix(stmt[i:], "<>") {
				toks = append(toks, token{tokPunct, stmt[i : i+2]})
				i += 2
				continue
			}
			toks = append(toks, token{tokPunct, string(c)})
			i++
		}
	}

	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// render reassembles a token stream into SQL text, keeping punctuation that
// should hug its neighbor (".", ",", ")", ";") tight and otherwise
// single-spacing tokens.
func render(toks []token) string {
	var b strings.Builder
	for i, t := range toks {
		if i > 0 && needsSpaceBefore(toks, i) {
			b.WriteByte(' ')
		}
		b.WriteString(t.text)
	}
	return b.String()
}

func needsSpaceBefore(toks []token, i int) bool {
	cur := toks[i]
	prev := toks[i-1]

	if cur.kind == tokPunct && (cur.text == "." || cur.text == "," || cur.text == ")" || cur.text == ";") {
		return false
	}
	if prev.kind == tokPunct && (prev.text == "." || prev.text == "(") {
		return false
	}
	return true
}
