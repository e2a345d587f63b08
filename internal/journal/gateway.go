package journal

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// txState tracks the gateway's single long-lived write transaction.
// There is at most one; nested begins fail loudly.
type txState int

const (
	txIdle txState = iota
	txOpen
)

// gateway wraps one SQLite connection with a prepared-statement cache and
// explicit transaction control. The pool is pinned to a single connection so
// that BEGIN/COMMIT issued through Exec apply to every statement.
type gateway struct {
	db    *sql.DB
	stmts map[string]*sql.Stmt
	tx    txState
}

func openGateway(path string) (*gateway, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	g := &gateway{db: db, stmts: make(map[string]*sql.Stmt)}

	// WAL keeps readers out of the writer's way; synchronous=NORMAL is safe
	// with WAL and much faster; case_sensitive_like makes the recursive
	// path predicates exact.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA case_sensitive_like=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}
	return g, nil
}

// stmt returns a cached prepared statement for the given SQL.
func (g *gateway) stmt(query string) (*sql.Stmt, error) {
	if s, ok := g.stmts[query]; ok {
		return s, nil
	}
	s, err := g.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("preparing %q: %w", query, err)
	}
	g.stmts[query] = s
	return s, nil
}

func (g *gateway) exec(query string, args ...any) (sql.Result, error) {
	s, err := g.stmt(query)
	if err != nil {
		return nil, err
	}
	res, err := s.Exec(args...)
	if err != nil {
		return nil, fmt.Errorf("exec %q: %w", query, err)
	}
	return res, nil
}

func (g *gateway) query(query string, args ...any) (*sql.Rows, error) {
	s, err := g.stmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := s.Query(args...)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", query, err)
	}
	return rows, nil
}

func (g *gateway) queryRow(query string, args ...any) (*sql.Row, error) {
	s, err := g.stmt(query)
	if err != nil {
		return nil, err
	}
	return s.QueryRow(args...), nil
}

// begin opens the write transaction. A second begin while one is open is a
// programming error and is reported instead of being silently ignored.
func (g *gateway) begin() error {
	if g.tx == txOpen {
		return fmt.Errorf("transaction already open")
	}
	if _, err := g.db.Exec("BEGIN"); err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	g.tx = txOpen
	return nil
}

// commit commits the open transaction, if any.
func (g *gateway) commit() error {
	if g.tx != txOpen {
		return nil
	}
	g.tx = txIdle
	if _, err := g.db.Exec("COMMIT"); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (g *gateway) inTransaction() bool { return g.tx == txOpen }

// close finalizes all cached statements and closes the connection.
func (g *gateway) close() error {
	for _, s := range g.stmts {
		s.Close()
	}
	g.stmts = nil
	return g.db.Close()
}

// tableColumns lists the column names of a table, for idempotent migrations.
func (g *gateway) tableColumns(table string) ([]string, error) {
	rows, err := g.db.Query(fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notnull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scanning column info: %w", err)
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}
