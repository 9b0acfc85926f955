package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"icnaas/pkg/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS routers (
	public_ip TEXT PRIMARY KEY,
	hostname  TEXT NOT NULL,
	coord_x   REAL,
	coord_y   REAL,
	layer     INTEGER NOT NULL,
	cell_id   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS prefixes (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	url       TEXT NOT NULL,
	balancing INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS routes (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	router_ip TEXT NOT NULL REFERENCES routers(public_ip),
	prefix_id INTEGER NOT NULL REFERENCES prefixes(id),
	next_hop  TEXT NOT NULL REFERENCES routers(public_ip),
	balancing INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_routers_layer ON routers(layer);
CREATE INDEX IF NOT EXISTS idx_routes_router ON routes(router_ip);
CREATE INDEX IF NOT EXISTS idx_routes_next_hop ON routes(next_hop);
CREATE INDEX IF NOT EXISTS idx_routes_prefix ON routes(prefix_id);
`

// SQLite is the embedded Router Store. A single connection is kept open so
// the foreign key pragma applies to every statement and writers serialize.
type SQLite struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for a throwaway store.
func OpenSQLite(ctx context.Context, path string, logger zerolog.Logger) (*SQLite, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		dsn = "file:" + path
	}
	db, err := sql.Open("sqlite", dsn+"?_pragma=busy_timeout=5000&_pragma=foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	logger.Debug().Str("path", path).Msg("router store ready")
	return &SQLite{db: db, log: logger}, nil
}

func (s *SQLite) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			s.log.Warn().Err(rerr).Msg("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&sqliteTx{ctx: ctx, tx: tx})
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRouter(row scanner) (model.Router, error) {
	var (
		r    model.Router
		x, y sql.NullFloat64
	)
	if err := row.Scan(&r.PublicIP, &r.Hostname, &x, &y, &r.Layer, &r.CellID); err != nil {
		return model.Router{}, err
	}
	if x.Valid {
		r.CoordX = &x.Float64
	}
	if y.Valid {
		r.CoordY = &y.Float64
	}
	return r, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

const routerColumns = `public_ip, hostname, coord_x, coord_y, layer, cell_id`

func (t *sqliteTx) Routers() ([]model.Router, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+routerColumns+` FROM routers ORDER BY layer, public_ip`)
	if err != nil {
		return nil, fmt.Errorf("list routers: %w", err)
	}
	defer rows.Close()
	var out []model.Router
	for rows.Next() {
		r, err := scanRouter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan router: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *sqliteTx) Router(ip string) (model.Router, error) {
	r, err := scanRouter(t.tx.QueryRowContext(t.ctx, `SELECT `+routerColumns+` FROM routers WHERE public_ip = ?`, ip))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Router{}, fmt.Errorf("router %s: %w", ip, ErrNotFound)
	}
	if err != nil {
		return model.Router{}, fmt.Errorf("get router %s: %w", ip, err)
	}
	return r, nil
}

func (t *sqliteTx) exists(ip string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(1) FROM routers WHERE public_ip = ?`, ip).Scan(&n)
	return n > 0, err
}

func (t *sqliteTx) InsertRouter(r model.Router) error {
	taken, err := t.exists(r.PublicIP)
	if err != nil {
		return fmt.Errorf("check router %s: %w", r.PublicIP, err)
	}
	if taken {
		return fmt.Errorf("router %s: %w", r.PublicIP, ErrConflict)
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO routers(`+routerColumns+`) VALUES(?,?,?,?,?,?)`,
		r.PublicIP, r.Hostname, nullFloat(r.CoordX), nullFloat(r.CoordY), r.Layer, r.CellID)
	if err != nil {
		return fmt.Errorf("insert router %s: %w", r.PublicIP, mapConstraint(err))
	}
	return nil
}

func (t *sqliteTx) UpdateRouter(ip string, r model.Router) error {
	if r.PublicIP != ip {
		taken, err := t.exists(r.PublicIP)
		if err != nil {
			return fmt.Errorf("check router %s: %w", r.PublicIP, err)
		}
		if taken {
			return fmt.Errorf("router %s: %w", r.PublicIP, ErrConflict)
		}
	}
	res, err := t.tx.ExecContext(t.ctx, `UPDATE routers SET public_ip = ?, hostname = ?, coord_x = ?, coord_y = ?, layer = ?, cell_id = ? WHERE public_ip = ?`,
		r.PublicIP, r.Hostname, nullFloat(r.CoordX), nullFloat(r.CoordY), r.Layer, r.CellID, ip)
	if err != nil {
		return fmt.Errorf("update router %s: %w", ip, mapConstraint(err))
	}
	return affected(res, "router "+ip)
}

func (t *sqliteTx) DeleteRouter(ip string) error {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM routers WHERE public_ip = ?`, ip)
	if err != nil {
		return fmt.Errorf("delete router %s: %w", ip, mapConstraint(err))
	}
	return affected(res, "router "+ip)
}

func (t *sqliteTx) Prefixes() ([]model.Prefix, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT id, url, balancing FROM prefixes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list prefixes: %w", err)
	}
	defer rows.Close()
	var out []model.Prefix
	for rows.Next() {
		var p model.Prefix
		if err := rows.Scan(&p.ID, &p.URL, &p.Balancing); err != nil {
			return nil, fmt.Errorf("scan prefix: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *sqliteTx) Prefix(id int64) (model.Prefix, error) {
	var p model.Prefix
	err := t.tx.QueryRowContext(t.ctx, `SELECT id, url, balancing FROM prefixes WHERE id = ?`, id).Scan(&p.ID, &p.URL, &p.Balancing)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Prefix{}, fmt.Errorf("prefix %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Prefix{}, fmt.Errorf("get prefix %d: %w", id, err)
	}
	return p, nil
}

func (t *sqliteTx) InsertPrefix(p model.Prefix) (model.Prefix, error) {
	res, err := t.tx.ExecContext(t.ctx, `INSERT INTO prefixes(url, balancing) VALUES(?,?)`, p.URL, p.Balancing)
	if err != nil {
		return model.Prefix{}, fmt.Errorf("insert prefix %s: %w", p.URL, err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return model.Prefix{}, fmt.Errorf("prefix id: %w", err)
	}
	return p, nil
}

func (t *sqliteTx) UpdatePrefix(p model.Prefix) error {
	res, err := t.tx.ExecContext(t.ctx, `UPDATE prefixes SET url = ?, balancing = ? WHERE id = ?`, p.URL, p.Balancing, p.ID)
	if err != nil {
		return fmt.Errorf("update prefix %d: %w", p.ID, err)
	}
	return affected(res, fmt.Sprintf("prefix %d", p.ID))
}

func (t *sqliteTx) DeletePrefix(id int64) error {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM prefixes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete prefix %d: %w", id, mapConstraint(err))
	}
	return affected(res, fmt.Sprintf("prefix %d", id))
}

func (t *sqliteTx) Routes(f RouteFilter) ([]model.Route, error) {
	var (
		where []string
		args  []any
	)
	if f.RouterIP != "" {
		where = append(where, "router_ip = ?")
		args = append(args, f.RouterIP)
	}
	if f.NextHop != "" {
		where = append(where, "next_hop = ?")
		args = append(args, f.NextHop)
	}
	if f.PrefixID != 0 {
		where = append(where, "prefix_id = ?")
		args = append(args, f.PrefixID)
	}
	q := `SELECT id, router_ip, prefix_id, next_hop, balancing FROM routes`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := t.tx.QueryContext(t.ctx, q+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()
	var out []model.Route
	for rows.Next() {
		var r model.Route
		if err := rows.Scan(&r.ID, &r.RouterIP, &r.PrefixID, &r.NextHop, &r.Balancing); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *sqliteTx) Route(id int64) (model.Route, error) {
	var r model.Route
	err := t.tx.QueryRowContext(t.ctx, `SELECT id, router_ip, prefix_id, next_hop, balancing FROM routes WHERE id = ?`, id).
		Scan(&r.ID, &r.RouterIP, &r.PrefixID, &r.NextHop, &r.Balancing)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, fmt.Errorf("route %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Route{}, fmt.Errorf("get route %d: %w", id, err)
	}
	return r, nil
}

func (t *sqliteTx) InsertRoute(r model.Route) (model.Route, error) {
	res, err := t.tx.ExecContext(t.ctx, `INSERT INTO routes(router_ip, prefix_id, next_hop, balancing) VALUES(?,?,?,?)`,
		r.RouterIP, r.PrefixID, r.NextHop, r.Balancing)
	if err != nil {
		return model.Route{}, fmt.Errorf("insert route %s->%s: %w", r.RouterIP, r.NextHop, mapConstraint(err))
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return model.Route{}, fmt.Errorf("route id: %w", err)
	}
	return r, nil
}

func (t *sqliteTx) DeleteRoute(id int64) error {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM routes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete route %d: %w", id, err)
	}
	return affected(res, fmt.Sprintf("route %d", id))
}

func affected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// mapConstraint turns sqlite constraint violations into ErrConflict.
func mapConstraint(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "FOREIGN KEY constraint failed") {
		return fmt.Errorf("%v: %w", err, ErrConflict)
	}
	return err
}
