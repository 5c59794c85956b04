// Package sqlrewrite implements the scoped SQL rewriter (spec §4.2): given a
// prefix and a SQL source, it prefixes every table identifier (and aliases
// referencing them) with the prefix, so a single SQLite file can host many
// mounts in separate flat namespaces.
//
// This is intentionally not built on a general SQL parser library. The
// surface it must accept is small and exactly enumerated by the spec
// (CREATE TABLE/INDEX/VIEW, DROP, restricted ALTER, INSERT/UPDATE/DELETE,
// SELECT with joins/CTEs/subqueries), and a data-correctness-critical
// rewriter is safer built as a narrow, fully-understood tokenizer than
// wired to a third-party AST we cannot compile-test here.
package sqlrewrite

import (
	"fmt"
	"strings"
)

// systemMarker is the reserved token prefix identifying a foreign key
// reference into a shared system table that must not be namespace-prefixed.
const systemMarker = "__SYSTEM__"

var keywords = buildKeywordSet()

func buildKeywordSet() map[string]bool {
	words := []string{
		"SELECT", "FROM", "WHERE", "JOIN", "INNER", "LEFT", "RIGHT", "FULL",
		"CROSS", "OUTER", "ON", "AS", "INSERT", "INTO", "VALUES", "UPDATE",
		"SET", "DELETE", "CREATE", "TABLE", "DROP", "ALTER", "INDEX", "VIEW",
		"UNIQUE", "PRIMARY", "KEY", "FOREIGN", "REFERENCES", "NOT", "NULL",
		"DEFAULT", "CHECK", "CONSTRAINT", "AND", "OR", "IN", "IS", "LIKE",
		"ORDER", "BY", "GROUP", "HAVING", "LIMIT", "OFFSET", "UNION", "ALL",
		"EXCEPT", "INTERSECT", "DISTINCT", "WITH", "RECURSIVE", "CASE",
		"WHEN", "THEN", "ELSE", "END", "RENAME", "TO", "CASCADE", "RESTRICT",
		"ADD", "COLUMN", "IF", "EXISTS", "AUTOINCREMENT", "TEXT", "INTEGER",
		"BLOB", "REAL", "NUMERIC", "BOOLEAN", "TIMESTAMP", "ASC", "DESC",
		"PRAGMA", "ANALYZE", "RETURNING",
	}
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// Error is returned for unparseable or forbidden SQL constructs.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return "bad query: " + e.Msg }

func badQuery(format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// Rewrite rewrites every statement in src, prefixing table identifiers (and
// their aliases) with prefix. See package doc for scope.
func Rewrite(prefix, src string) (string, error) {
	stmts := splitStatements(src)
	out := make([]string, 0, len(stmts))
	for _, s := range stmts {
		trimmed := strings.TrimSpace(s)
		if trimmed == "" {
			continue
		}
		rewritten, err := rewriteStatement(prefix, trimmed)
		if err != nil {
			return "", err
		}
		out = append(out, rewritten)
	}
	return strings.Join(out, "; "), nil
}

func rewriteStatement(prefix, stmt string) (string, error) {
	toks, err := tokenize(stmt)
	if err != nil {
		return "", err
	}
	if len(toks) == 0 {
		return "", nil
	}

	kind := strings.ToUpper(toks[0].text)
	switch kind {
	case "PRAGMA", "ANALYZE":
		return "", badQuery("%s is not a supported statement", kind)
	case "SELECT", "WITH", "INSERT", "UPDATE", "DELETE":
		// handled generically below
	case "CREATE":
		// CREATE TABLE | CREATE INDEX | CREATE VIEW | CREATE UNIQUE INDEX
	case "DROP":
		// DROP TABLE | DROP INDEX | DROP VIEW
	case "ALTER":
		if containsSequence(toks, "RENAME") {
			return "", badQuery("ALTER ... RENAME is not supported")
		}
	default:
		return "", badQuery("unsupported statement kind %q", toks[0].text)
	}

	if err := rejectRestrictedSystemFK(toks); err != nil {
		return "", err
	}

	aliases := collectTableNamesAndAliases(toks)
	rewritten := applyPrefix(toks, prefix, aliases)
	return render(rewritten), nil
}

func containsSequence(toks []token, word string) bool {
	for _, t := range toks {
		if t.kind == tokWord && strings.EqualFold(t.text, word) {
			return true
		}
	}
	return false
}

// collectTableNamesAndAliases walks the token stream once, recording every
// table name (the identifier following FROM/JOIN/INTO/UPDATE/TABLE/
// VIEW/INDEX..ON). Aliases are not recorded here; applyPrefix picks up the
// alias that immediately follows a table name (optionally after AS).
func collectTableNamesAndAliases(toks []token) map[string]bool {
	names := map[string]bool{}
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind != tokWord {
			continue
		}
		up := strings.ToUpper(t.text)
		switch up {
		case "FROM", "JOIN", "INTO", "UPDATE", "TABLE", "VIEW":
			if name, ok := peekIdentifier(toks, i+1); ok {
				names[name] = true
			}
		case "INDEX":
			if j, ok := findWord(toks, i+1, "ON"); ok {
				if name, ok := peekIdentifier(toks, j+1); ok {
					names[name] = true
				}
			}
		}
	}
	return names
}

// peekIdentifier returns the identifier token at position i, if any
// (skipping a leading "IF EXISTS"/"IF NOT EXISTS").
func peekIdentifier(toks []token, i int) (string, bool) {
	for i < len(toks) {
		if toks[i].kind == tokWord && strings.EqualFold(toks[i].text, "IF") {
			i++
			continue
		}
		if toks[i].kind == tokWord && (strings.EqualFold(toks[i].text, "EXISTS") || strings.EqualFold(toks[i].text, "NOT")) {
			i++
			continue
		}
		break
	}
	if i >= len(toks) || toks[i].kind != tokWord || isKeyword(toks[i].text) {
		return "", false
	}
	return toks[i].text, true
}

func findWord(toks []token, start int, word string) (int, bool) {
	for i := start; i < len(toks); i++ {
		if toks[i].kind == tokWord && strings.EqualFold(toks[i].text, word) {
			return i, true
		}
	}
	return 0, false
}

func isKeyword(s string) bool {
	return keywords[strings.ToUpper(s)]
}

// applyPrefix rewrites the token stream: every bare table-name token found
// by collectTableNamesAndAliases (and any alias introduced right after it)
// is prefixed, and every later `alias.column` / `table.column` reference has
// its left-hand identifier prefixed too. __SYSTEM__-marked identifiers are
// stripped of the marker and never prefixed.
func applyPrefix(toks []token, prefix string, tableNames map[string]bool) []token {
	out := make([]token, len(toks))
	copy(out, toks)

	aliasOf := map[string]string{} // alias -> prefixed table name

	for i := 0; i < len(out); i++ {
		t := out[i]
		if t.kind != tokWord {
			continue
		}

		if strings.HasPrefix(t.text, systemMarker) {
			out[i].text = strings.TrimPrefix(t.text, systemMarker)
			continue
		}

		if tableNames[t.text] && !isKeyword(t.text) {
			prefixed := prefix + t.text
			out[i].text = prefixed
			// record a same-name "alias" so qualified refs to the bare name resolve.
			aliasOf[t.text] = prefixed

			// consume an explicit or implicit alias immediately following.
			j := i + 1
			if j < len(out) && out[j].kind == tokWord && strings.EqualFold(out[j].text, "AS") {
				j++
			}
			if j < len(out) && out[j].kind == tokWord && !isKeyword(out[j].text) && out[j].text != "(" {
				aliasOf[out[j].text] = prefix + out[j].text
				out[j].text = prefix + out[j].text
			}
		}
	}

	// second pass: rewrite `ident DOT ident` where ident is a known alias.
	for i := 0; i < len(out); i++ {
		if out[i].kind != tokWord {
			continue
		}
		if i+1 < len(out) && out[i+1].kind == tokPunct && out[i+1].text == "." {
			if mapped, ok := aliasOf[out[i].text]; ok {
				out[i].text = mapped
			}
		}
	}

	return out
}

// rejectRestrictedSystemFK scans for `REFERENCES __SYSTEM__ident ... `
// clauses and rejects the statement if `RESTRICT` appears before the clause
// ends (at the next top-level comma or closing paren).
func rejectRestrictedSystemFK(toks []token) error {
	for i := 0; i < len(toks); i++ {
		if toks[i].kind != tokWord || !strings.EqualFold(toks[i].text, "REFERENCES") {
			continue
		}
		if i+1 >= len(toks) || !strings.HasPrefix(toks[i+1].text, systemMarker) {
			continue
		}
		depth := 0
		for j := i + 2; j < len(toks); j++ {
			switch {
			case toks[j].kind == tokPunct && toks[j].text == "(":
				depth++
			case toks[j].kind == tokPunct && toks[j].text == ")":
				if depth == 0 {
					j = len(toks)
					continue
				}
				depth--
			case toks[j].kind == tokPunct && toks[j].text == "," && depth == 0:
				j = len(toks)
				continue
			case toks[j].kind == tokWord && strings.EqualFold(toks[j].text, "RESTRICT"):
				return badQuery("RESTRICT is not allowed on a __SYSTEM__ foreign key")
			}
		}
	}
	return nil
}

// splitStatements splits src on ';' outside of string/quoted-identifier
// literals.
func splitStatements(src string) []string {
	var stmts []string
	var cur strings.Builder
	inStr := byte(0)
	for i := 0; i < len(src); i++ {
		c := src[i]
		if inStr != 0 {
			cur.WriteByte(c)
			if c == inStr {
				inStr = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			inStr = c
			cur.WriteByte(c)
		case ';':
			stmts = append(stmts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if strings.TrimSpace(cur.String()) != "" {
		stmts = append(stmts, cur.String())
	}
	return stmts
}
