/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package catalog

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rubenv/sql-migrate/sqlparse"
)

var migrateAnnotationRe = regexp.MustCompile(`(?m)^\s*--\s*\+migrate\s+(Up|Down)\b`)

// ParseStatements splits patch content into statements.
//
// Files annotated in sql-migrate style ("-- +migrate Up", "-- +migrate StatementBegin") are parsed
// with github.com/rubenv/sql-migrate/sqlparse and only their Up section is used.
// Plain files are split on semicolons outside of quoted strings, identifiers, comments and
// Postgres dollar-quoted bodies. Line comments are dropped, block comments are kept.
// A backslash escapes the next character inside Postgres E'...' literals, and inside every quoted
// string when backslashEscapes is set (MySQL). Otherwise it is an ordinary character.
func ParseStatements(content string, backslashEscapes bool) (statements []string, disableTx bool, err error) {
	if migrateAnnotationRe.MatchString(content) {
		parsed, parseErr := sqlparse.ParseMigration(strings.NewReader(content))
		if parseErr != nil {
			return nil, false, fmt.Errorf("parse annotated patch: %w", parseErr)
		}
		return parsed.UpStatements, parsed.DisableTransactionUp, nil
	}
	return splitStatements(content, backslashEscapes), false, nil
}

func splitStatements(content string, backslashEscapes bool) []string {
	var statements []string
	var cur strings.Builder
	hasCode := false

	flush := func() {
		if stmt := strings.TrimSpace(cur.String()); hasCode && stmt != "" {
			statements = append(statements, stmt)
		}
		cur.Reset()
		hasCode = false
	}

	for i := 0; i < len(content); {
		c := content[i]
		switch {
		case c == '-' && strings.HasPrefix(content[i:], "--"):
			end := strings.IndexByte(content[i:], '\n')
			if end < 0 {
				i = len(content)
				continue
			}
			i += end // keep the newline itself

		case c == '/' && strings.HasPrefix(content[i:], "/*"):
			end := len(content)
			if idx := strings.Index(content[i+2:], "*/"); idx >= 0 {
				end = i + 2 + idx + 2
			}
			cur.WriteString(content[i:end])
			i = end

		case c == '\'' || c == '"' || c == '`':
			escapes := c != '`' && (backslashEscapes || (c == '\'' && isEscapeStringPrefix(content, i)))
			end := closingQuote(content, i, escapes)
			cur.WriteString(content[i:end])
			hasCode = true
			i = end

		case c == '$':
			end := len(content)
			if tag, ok := dollarQuoteTag(content[i:]); ok {
				if idx := strings.Index(content[i+len(tag):], tag); idx >= 0 {
					end = i + len(tag) + idx + len(tag)
				}
			} else {
				end = i + 1
			}
			cur.WriteString(content[i:end])
			hasCode = true
			i = end

		case c == ';':
			flush()
			i++

		default:
			cur.WriteByte(c)
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				hasCode = true
			}
			i++
		}
	}
	flush()

	return statements
}

// closingQuote returns the index right after the quote that closes the one at content[start].
// Doubled quotes are handled as two adjacent literals.
func closingQuote(content string, start int, backslashEscapes bool) int {
	quote := content[start]
	for j := start + 1; j < len(content); j++ {
		switch content[j] {
		case '\\':
			if backslashEscapes {
				j++
			}
		case quote:
			return j + 1
		}
	}
	return len(content)
}

// isEscapeStringPrefix reports whether the quote at content[start] opens a Postgres E'...' literal.
func isEscapeStringPrefix(content string, start int) bool {
	if start == 0 || (content[start-1] != 'E' && content[start-1] != 'e') {
		return false
	}
	return start == 1 || !isIdentByte(content[start-2])
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// dollarQuoteTag recognizes "$$" and "$tag$" openers. Positional parameters such as "$1" are not tags.
func dollarQuoteTag(s string) (string, bool) {
	for j := 1; j < len(s); j++ {
		c := s[j]
		switch {
		case c == '$':
			return s[:j+1], true
		case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
		case c >= '0' && c <= '9' && j > 1:
		default:
			return "", false
		}
	}
	return "", false
}
