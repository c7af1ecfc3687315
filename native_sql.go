package main

import "strings"

// pgReservedWords are PostgreSQL reserved words that must be quoted as identifiers.
var pgReservedWords = map[string]bool{
	"all": true, "analyse": true, "analyze": true, "and": true, "any": true,
	"array": true, "as": true, "asc": true, "authorization": true, "between": true,
	"binary": true, "both": true, "case": true, "cast": true, "check": true,
	"collate": true, "column": true, "constraint": true, "create": true, "cross": true,
	"current_date": true, "current_role": true, "current_time": true,
	"current_timestamp": true, "current_user": true, "default": true, "deferrable": true,
	"desc": true, "distinct": true, "do": true, "else": true, "end": true, "except": true,
	"false": true, "fetch": true, "for": true, "foreign": true, "freeze": true,
	"from": true, "full": true, "grant": true, "group": true, "having": true,
	"ilike": true, "in": true, "initially": true, "inner": true, "intersect": true,
	"into": true, "is": true, "isnull": true, "join": true, "lateral": true,
	"leading": true, "left": true, "like": true, "limit": true, "localtime": true,
	"localtimestamp": true, "natural": true, "not": true, "notnull": true, "null": true,
	"offset": true, "on": true, "only": true, "or": true, "order": true, "outer": true,
	"overlaps": true, "placing": true, "primary": true, "references": true,
	"returning": true, "right": true, "select": true, "session_user": true,
	"similar": true, "some": true, "symmetric": true, "table": true, "then": true,
	"to": true, "trailing": true, "true": true, "union": true, "unique": true,
	"user": true, "using": true, "variadic": true, "verbose": true, "when": true,
	"where": true, "window": true, "with": true,
}

// pgNeedsQuoting reports whether a PG identifier needs quoting beyond
// reserved-word checks (e.g. contains hyphens, spaces, uppercase, etc.).
func pgNeedsQuoting(name string) bool {
	if name == "" {
		return true
	}
	for i, r := range name {
		if r >= 'a' && r <= 'z' || r == '_' {
			continue
		}
		if i > 0 && (r >= '0' && r <= '9' || r == '$') {
			continue
		}
		return true
	}
	return false
}

// pgIdent returns a PG-safe identifier, quoting reserved words and names
// that contain characters invalid in unquoted identifiers.
func pgIdent(name string) string {
	if pgReservedWords[name] || pgNeedsQuoting(name) {
		return pgQuote(name)
	}
	return name
}

func pgQuote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// qualifiedNameForms lists the spellings of schema.table that hand-written
// SQL uses: fully quoted first, then minimally quoted.
func qualifiedNameForms(schema, table string) []string {
	full := pgQuote(schema) + "." + pgQuote(table)
	minimal := pgIdent(schema) + "." + pgIdent(table)
	if minimal == full {
		return []string{full}
	}
	return []string{full, minimal}
}

// Lexer states of substituteTableName.
const (
	sqlCode = iota
	sqlString
	sqlQuotedIdent
	sqlLineComment
	sqlBlockComment
)

// substituteTableName replaces every schema-qualified occurrence of oldTable
// by newTable in native SQL, leaving string literals, comments and longer
// identifiers alone. It returns the new text and the number of replacements.
//
// This is a textual best effort: aliases, search_path lookups, dollar-quoted
// strings and unqualified names are not recognized.
func substituteTableName(sql, schema, oldTable, newTable string) (string, int) {
	from := qualifiedNameForms(schema, oldTable)
	to := qualifiedNameForms(schema, newTable)
	if len(from) != len(to) {
		// Old and new names quote differently; always emit the fully quoted form.
		to = []string{to[0], to[0]}
		if len(from) == 1 {
			to = to[:1]
		}
	}

	var b strings.Builder
	count := 0
	state := sqlCode

	for i := 0; i < len(sql); {
		c := sql[i]
		switch state {
		case sqlCode:
			var prev byte
			if i > 0 {
				prev = sql[i-1]
			}
			if n, k := matchQualifiedName(sql[i:], prev, from); n > 0 {
				b.WriteString(to[k])
				i += n
				count++
				continue
			}
			switch {
			case c == '\'':
				state = sqlString
			case c == '"':
				state = sqlQuotedIdent
			case strings.HasPrefix(sql[i:], "--"):
				state = sqlLineComment
				b.WriteString("--")
				i += 2
				continue
			case strings.HasPrefix(sql[i:], "/*"):
				state = sqlBlockComment
				b.WriteString("/*")
				i += 2
				continue
			}
		case sqlString:
			// '' is an escaped quote: it leaves and re-enters the literal.
			if c == '\'' {
				state = sqlCode
			}
		case sqlQuotedIdent:
			if c == '"' {
				state = sqlCode
			}
		case sqlLineComment:
			if c == '\n' {
				state = sqlCode
			}
		case sqlBlockComment:
			if strings.HasPrefix(sql[i:], "*/") {
				state = sqlCode
				b.WriteString("*/")
				i += 2
				continue
			}
		}
		b.WriteByte(c)
		i++
	}
	return b.String(), count
}

func matchQualifiedName(s string, prev byte, forms []string) (int, int) {
	for k, f := range forms {
		if !strings.HasPrefix(s, f) {
			continue
		}
		// Unquoted identifiers must not be part of a longer identifier.
		if f[0] != '"' && isIdentByte(prev) {
			continue
		}
		if f[len(f)-1] != '"' && len(s) > len(f) && isIdentByte(s[len(f)]) {
			continue
		}
		return len(f), k
	}
	return 0, 0
}

func isIdentByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '$'
}
