package dataset

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgres expects the table imported with its original column names,
// so UNOM stays a quoted identifier.
func NewPostgres(dsn, table string) (Source, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/waterguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &baseSource{
		db:    db,
		query: `SELECT date, "UNOM", consumption FROM ` + table + ` ORDER BY date`,
	}, nil
}
