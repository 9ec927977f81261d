package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"waterguard/internal/config"
	"waterguard/internal/normalize"
)

// Record is one hourly predicted consumption value for a building.
type Record struct {
	Building  string
	Timestamp time.Time
	Predicted float64
}

// Source reads the predicted consumption table.
type Source interface {
	Load(ctx context.Context) ([]Record, error)
	Close() error
}

func NewSource(cfg config.DataConfig) (Source, error) {
	table := cfg.Table
	if table == "" {
		table = "synt_data"
	}
	if !validIdentifier(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return NewSQLite(cfg.DSN, table)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN, table)
	default:
		return nil, errors.New("unsupported data driver")
	}
}

type baseSource struct {
	db    *sql.DB
	query string
}

func (b *baseSource) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseSource) Load(ctx context.Context) ([]Record, error) {
	if b.db == nil {
		return nil, errors.New("data source is closed")
	}
	rows, err := b.db.QueryContext(ctx, b.query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			date, unom  any
			consumption sql.NullFloat64
		)
		if err := rows.Scan(&date, &unom, &consumption); err != nil {
			return nil, err
		}
		if !consumption.Valid || consumption.Float64 < 0 {
			continue
		}
		ts, err := toTime(date)
		if err != nil {
			continue
		}
		id := normalize.EntityID(toString(unom))
		if id == "" {
			continue
		}
		out = append(out, Record{Building: id, Timestamp: ts, Predicted: consumption.Float64})
	}
	return out, rows.Err()
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return normalize.ParseTimestamp(t, time.UTC)
	case []byte:
		return normalize.ParseTimestamp(string(t), time.UTC)
	case int64:
		return time.Unix(t, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported date value %T", v)
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, ch := range name {
		switch {
		case ch == '_', ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
