package dataset

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

const defaultSQLiteDSN = "file:data/hak2025.db?mode=ro&_pragma=busy_timeout(5000)"

func NewSQLite(dsn, table string) (Source, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = defaultSQLiteDSN
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &baseSource{
		db:    db,
		query: "SELECT date, UNOM, consumption FROM " + table + " ORDER BY date",
	}, nil
}

// sqliteFile extracts the database file from a DSN such as
// "file:data/hak2025.db?mode=ro". In-memory databases have no file.
func sqliteFile(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = defaultSQLiteDSN
	}
	path, query, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if path == "" || path == ":memory:" || strings.Contains(query, "mode=memory") {
		return ""
	}
	return path
}
