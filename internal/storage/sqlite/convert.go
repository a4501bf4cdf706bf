package sqlite

import (
	"database/sql"
	"strings"
	"time"
)

// toMillis converts a time to its stored Unix-millisecond form
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// fromMillis converts a stored Unix-millisecond value back to UTC time
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// nullMillis converts an optional time to a nullable column value
func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Valid: true, Int64: t.UnixMilli()}
}

// millisPtr converts a nullable column value to an optional time
func millisPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

// nullString converts "" to NULL so partial indexes see absent values
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{Valid: true, String: s}
}

// nullInt converts an optional int to a nullable column value
func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Valid: true, Int64: int64(*p)}
}

// intPtr converts a nullable column value to an optional int
func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

// boolToInt converts a bool to its stored integer form
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// splitAndTrim splits a string by delimiter and trims whitespace from each part
func splitAndTrim(s string, delimiter string) []string {
	parts := strings.Split(s, delimiter)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
