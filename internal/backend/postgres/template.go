package postgres

import "strings"

// renderTemplate substitutes {{name}}, {{password}}, and {{expiration}}
// placeholders a role's SQL template may reference, grounded on
// path_role_create.rs/secret_creds.rs's String::replace chain.
func renderTemplate(tmpl, name, password, expiration string) string {
	r := strings.NewReplacer(
		"{{name}}", name,
		"{{password}}", password,
		"{{expiration}}", expiration,
	)
	return r.Replace(tmpl)
}

// splitStatements splits a role's SQL template on ';' the way Postgres role
// SQL is batched: one prepared statement execution per clause, matching
// `sql.split(';')` in the original.
func splitStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// truncateUsername caps a generated username at Postgres's 63-character
// identifier limit.
func truncateUsername(s string) string {
	if len(s) > 63 {
		return s[:63]
	}
	return s
}
