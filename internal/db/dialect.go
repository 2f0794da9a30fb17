package db

import (
	"fmt"
	"regexp"
	"strings"
)

// Queries are written once in SQLite's dialect; translateForPostgres
// rewrites them for lib/pq. The second return is false when the
// statement has no PostgreSQL equivalent and must be skipped entirely
// (PRAGMA tuning directives).
func translateForPostgres(query string) (string, bool) {
	trimmed := strings.TrimSpace(query)
	if len(trimmed) >= 6 && strings.EqualFold(trimmed[:6], "PRAGMA") {
		return "", false
	}
	if rewritten, ok := rewriteReplaceInto(trimmed); ok {
		trimmed = rewritten
	}
	trimmed = autoincrementRe.ReplaceAllString(trimmed, "BIGSERIAL PRIMARY KEY")
	return numberPlaceholders(trimmed), true
}

var autoincrementRe = regexp.MustCompile(`(?i)INTEGER\s+PRIMARY\s+KEY\s+AUTOINCREMENT`)

var replaceIntoRe = regexp.MustCompile(`(?is)^REPLACE\s+INTO\s+([\w."]+)\s*\(([^)]+)\)\s*VALUES\s*(.+)$`)

// rewriteReplaceInto converts SQLite's REPLACE INTO upsert to
// INSERT ... ON CONFLICT. The first listed column is taken as the
// conflict target, which matches the stores here where the key column
// always leads the column list.
func rewriteReplaceInto(query string) (string, bool) {
	m := replaceIntoRe.FindStringSubmatch(query)
	if m == nil {
		return query, false
	}
	table, columnList, values := m[1], m[2], m[3]

	columns := strings.Split(columnList, ",")
	for i := range columns {
		columns[i] = strings.TrimSpace(columns[i])
	}
	if len(columns) == 0 || columns[0] == "" {
		return query, false
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) DO UPDATE SET ",
		table, strings.Join(columns, ", "), strings.TrimSpace(values), columns[0])
	updates := make([]string, 0, len(columns)-1)
	for _, col := range columns[1:] {
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	if len(updates) == 0 {
		// Single-column table: nothing to update, keep the existing row.
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) DO NOTHING",
			table, strings.Join(columns, ", "), strings.TrimSpace(values), columns[0]), true
	}
	sb.WriteString(strings.Join(updates, ", "))
	return sb.String(), true
}

// numberPlaceholders rewrites ? placeholders to $1..$N, leaving quoted
// literals and quoted identifiers untouched.
func numberPlaceholders(query string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 8)

	n := 0
	inSingle := false
	inDouble := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case inSingle:
			sb.WriteByte(c)
			if c == '\'' {
				// A doubled quote is an escaped literal quote.
				if i+1 < len(query) && query[i+1] == '\'' {
					sb.WriteByte(query[i+1])
					i++
				} else {
					inSingle = false
				}
			}
		case inDouble:
			sb.WriteByte(c)
			if c == '"' {
				inDouble = false
			}
		case c == '\'':
			inSingle = true
			sb.WriteByte(c)
		case c == '"':
			inDouble = true
			sb.WriteByte(c)
		case c == '?':
			n++
			fmt.Fprintf(&sb, "$%d", n)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
