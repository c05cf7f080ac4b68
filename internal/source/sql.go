package source

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"welcomebot/internal/sheet"
	logx "welcomebot/pkg/logx"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

type sqlSource struct {
	db    *sqlx.DB
	query string
	log   logx.Logger
}

func openSQL(cfg Config, log logx.Logger) (sheet.Source, error) {
	sc := cfg.SQL
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "mysql":
	case "postgres", "postgresql", "pg":
		driver = "postgres"
	default:
		return nil, errors.New("sql: unsupported driver: " + sc.Driver)
	}
	if strings.TrimSpace(sc.DSN) == "" {
		return nil, errors.New("sql: dsn is required")
	}
	query, err := buildQuery(driver, sc)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, sc.DSN)
	if err != nil {
		return nil, fmt.Errorf("sql: open: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newSQLSource(db, query, log), nil
}

func newSQLSource(db *sqlx.DB, query string, log logx.Logger) *sqlSource {
	return &sqlSource{db: db, query: query, log: log}
}

// buildQuery renders a SELECT over validated identifiers. Identifiers are
// quoted per dialect.
func buildQuery(driver string, sc SQLConfig) (string, error) {
	if !identRe.MatchString(sc.Table) {
		return "", fmt.Errorf("sql: invalid table %q", sc.Table)
	}
	quote := func(id string) string {
		parts := strings.Split(id, ".")
		for i, p := range parts {
			if driver == "mysql" {
				parts[i] = "`" + p + "`"
			} else {
				parts[i] = strconv.Quote(p)
			}
		}
		return strings.Join(parts, ".")
	}

	cols := "*"
	if len(sc.Columns) > 0 {
		q := make([]string, 0, len(sc.Columns))
		for _, c := range sc.Columns {
			c = strings.TrimSpace(c)
			if !identRe.MatchString(c) {
				return "", fmt.Errorf("sql: invalid column %q", c)
			}
			q = append(q, quote(c))
		}
		cols = strings.Join(q, ", ")
	}

	query := "SELECT " + cols + " FROM " + quote(sc.Table)
	if ob := strings.TrimSpace(sc.OrderBy); ob != "" {
		if !identRe.MatchString(ob) {
			return "", fmt.Errorf("sql: invalid order_by %q", ob)
		}
		query += " ORDER BY " + quote(ob)
	}
	return query, nil
}

func (s *sqlSource) Name() string { return "sql" }

func (s *sqlSource) Fetch(ctx context.Context) (sheet.Table, error) {
	rows, err := s.db.QueryxContext(ctx, s.query)
	if err != nil {
		return nil, sheet.NewFetchError(s.Name(), "query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, sheet.NewFetchError(s.Name(), "columns", err)
	}

	out := sheet.Table{}
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, sheet.NewFetchError(s.Name(), "scan", err)
		}
		var rec sheet.Record
		for i, v := range vals {
			if v == nil {
				continue
			}
			rec.Set(cols[i], cellString(v))
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, sheet.NewFetchError(s.Name(), "rows", err)
	}
	return out, nil
}

func (s *sqlSource) Close() error { return s.db.Close() }

func cellString(v any) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.Format("2006-01-02")
	default:
		return fmt.Sprint(x)
	}
}
