package device

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"icnaas/pkg/model"
)

// Journal keeps push outcomes in a local sqlite file so operators can see
// which routers missed an update.
type Journal struct {
	db *sql.DB
}

func OpenJournal(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS pushes(id TEXT, host TEXT, verb TEXT, prefix TEXT, next_hop TEXT, status TEXT, attempts INTEGER, error TEXT, ts INTEGER); CREATE INDEX IF NOT EXISTS idx_pushes_host ON pushes(host);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Record(ctx context.Context, rec model.PushRecord) error {
	_, err := j.db.ExecContext(ctx, `INSERT INTO pushes(id, host, verb, prefix, next_hop, status, attempts, error, ts) VALUES(?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Host, rec.Verb, rec.Prefix, rec.NextHop, rec.Status, rec.Attempts, rec.Error, rec.Timestamp.UnixNano())
	return err
}

// List returns the newest records first, optionally for one host only.
func (j *Journal) List(ctx context.Context, host string, limit int) ([]model.PushRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, host, verb, prefix, next_hop, status, attempts, error, ts FROM pushes`
	args := []any{}
	if host != "" {
		q += ` WHERE host = ?`
		args = append(args, host)
	}
	q += ` ORDER BY ts DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PushRecord
	for rows.Next() {
		var (
			rec model.PushRecord
			ts  int64
		)
		if err := rows.Scan(&rec.ID, &rec.Host, &rec.Verb, &rec.Prefix, &rec.NextHop, &rec.Status, &rec.Attempts, &rec.Error, &ts); err != nil {
			return nil, err
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune drops records older than before.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM pushes WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
