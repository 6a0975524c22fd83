package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

type dialect struct {
	driver    string
	numbered  bool
	timestamp string
	schema    []string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite:
		return dialect{driver: driver, timestamp: "TIMESTAMP"}.withSchema(), nil
	case DriverPostgres, "postgresql":
		return dialect{driver: DriverPostgres, numbered: true, timestamp: "TIMESTAMPTZ"}.withSchema(), nil
	}
	return dialect{}, fmt.Errorf("store: unsupported database driver %q", driver)
}

func (d dialect) withSchema() dialect {
	d.schema = []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			institution_id TEXT NOT NULL,
			message_type TEXT NOT NULL,
			status TEXT NOT NULL,
			protocol_message_id TEXT UNIQUE,
			version INTEGER NOT NULL,
			body TEXT NOT NULL,
			created_at ` + d.timestamp + ` NOT NULL,
			updated_at ` + d.timestamp + ` NOT NULL,
			deleted_at ` + d.timestamp + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_institution ON messages(institution_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS message_validations (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			message_version INTEGER NOT NULL,
			stage TEXT NOT NULL,
			is_valid BOOLEAN NOT NULL,
			body TEXT NOT NULL,
			created_at ` + d.timestamp + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_validations_message ON message_validations(message_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS message_transformations (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			message_version INTEGER NOT NULL,
			kind TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at ` + d.timestamp + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transformations_message ON message_transformations(message_id, created_at)`,
	}
	return d
}

// rebind rewrites ? placeholders to $n for drivers that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation recognises unique constraint failures from either driver.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// uniqueColumn reports which column a unique violation refers to, if known.
func uniqueColumn(err error) string {
	msg := err.Error()
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		msg = pqErr.Constraint + " " + pqErr.Message
	}
	if strings.Contains(msg, "protocol_message_id") {
		return "protocol_message_id"
	}
	return ""
}
