package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/rescale/rescale-vrows/internal/logging"
)

var (
	ErrInvalidQuery = errors.New("invalid query")
)

// ScanFunc reads the current row of rows into an R.
type ScanFunc[R any] func(rows *sql.Rows) (R, error)

// SQLQuery describes the paged query. Identifiers are validated, Where is
// passed through as-is with Args bound to its placeholders.
type SQLQuery struct {
	Table   string
	Columns []string // empty selects *
	Where   string
	Args    []any
	// OrderBy must give a total order, otherwise rows can move between pages
	OrderBy string
}

var (
	identRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	orderByRe = regexp.MustCompile(`^(?i)[A-Za-z_][A-Za-z0-9_]*(\s+(asc|desc))?$`)
)

// SQLSource pages through a table with LIMIT/OFFSET. The count and the page
// are read in one transaction so they agree with each other.
type SQLSource[R any] struct {
	db       *sql.DB
	scan     ScanFunc[R]
	countSQL string
	pageSQL  string
	args     []any
	logger   *logging.Logger
}

// NewSQLSource builds the statements for q.
func NewSQLSource[R any](db *sql.DB, q SQLQuery, scan ScanFunc[R], logger *logging.Logger) (*SQLSource[R], error) {
	if !identRe.MatchString(q.Table) {
		return nil, fmt.Errorf("%w: table %q", ErrInvalidQuery, q.Table)
	}
	cols := "*"
	if len(q.Columns) > 0 {
		for _, c := range q.Columns {
			if !identRe.MatchString(c) {
				return nil, fmt.Errorf("%w: column %q", ErrInvalidQuery, c)
			}
		}
		cols = strings.Join(q.Columns, ", ")
	}
	if strings.TrimSpace(q.OrderBy) == "" {
		return nil, fmt.Errorf("%w: order by is required", ErrInvalidQuery)
	}
	var order []string
	for _, part := range strings.Split(q.OrderBy, ",") {
		part = strings.TrimSpace(part)
		if !orderByRe.MatchString(part) {
			return nil, fmt.Errorf("%w: order by %q", ErrInvalidQuery, part)
		}
		order = append(order, part)
	}

	where := ""
	if q.Where != "" {
		where = " WHERE " + q.Where
	}

	return &SQLSource[R]{
		db:       db,
		scan:     scan,
		countSQL: "SELECT COUNT(*) FROM " + q.Table + where,
		pageSQL:  "SELECT " + cols + " FROM " + q.Table + where + " ORDER BY " + strings.Join(order, ", ") + " LIMIT ? OFFSET ?",
		args:     q.Args,
		logger:   logging.OrNop(logger).Named("sql-source"),
	}, nil
}

// LoadPage implements pager.Fetcher.
func (s *SQLSource[R]) LoadPage(ctx context.Context, offset, limit int) ([]R, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, s.countSQL, s.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count rows: %w", err)
	}
	if offset >= total {
		return nil, total, nil
	}

	args := append(append([]any(nil), s.args...), limit, offset)
	rows, err := tx.QueryContext(ctx, s.pageSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query page: %w", err)
	}
	defer rows.Close()

	out := make([]R, 0, limit)
	for rows.Next() {
		r, err := s.scan(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read rows: %w", err)
	}

	s.logger.Debug().
		Int("offset", offset).
		Int("limit", limit).
		Int("rows", len(out)).
		Int("total", total).
		Msg("Page queried")
	return out, total, nil
}

// OpenSQLite opens a SQLite database. ":memory:" opens a private in-memory
// database on a single connection.
func OpenSQLite(path string) (*sql.DB, error) {
	if path == ":memory:" {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// Every connection would get its own empty database
		db.SetMaxOpenConns(1)
		return db, nil
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=cache_size(-8000)" + // 8MB cache
		"&_pragma=temp_store(MEMORY)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
