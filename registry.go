package vectrix

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/liliang-cn/vectrix/internal/encoding"
	"github.com/liliang-cn/vectrix/pkg/namespace"
	"github.com/liliang-cn/vectrix/pkg/verrors"
)

// sqliteRegistry persists namespace rows in a single root-level table,
// grounded on the teacher's pkg/core/collections.go (existence-check,
// JSON-encoded metadata column, updated_at bookkeeping).
type sqliteRegistry struct {
	db *sql.DB
}

func openRegistry(ctx context.Context, rootPath string) (*sqliteRegistry, error) {
	path := filepath.Join(rootPath, "registry.db")
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, verrors.Wrap("vectrix.openRegistry", verrors.CodeInternal, err)
	}
	stmt := `CREATE TABLE IF NOT EXISTS namespaces (
		name TEXT PRIMARY KEY,
		config TEXT NOT NULL,
		stats TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		modified_at INTEGER NOT NULL
	)`
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		_ = db.Close()
		return nil, verrors.Wrap("vectrix.openRegistry", verrors.CodeInternal, err)
	}
	return &sqliteRegistry{db: db}, nil
}

func (r *sqliteRegistry) Insert(ctx context.Context, row *namespace.Row) error {
	cfgJSON, err := encoding.EncodeJSON(row.Config)
	if err != nil {
		return err
	}
	statsJSON, err := encoding.EncodeJSON(row.Stats)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO namespaces (name, config, stats, created_at, modified_at) VALUES (?, ?, ?, ?, ?)`,
		row.Name, cfgJSON, statsJSON, row.Created.UnixMilli(), row.Modified.UnixMilli())
	if err != nil {
		return verrors.Wrap("registry.Insert", verrors.CodeInternal, err)
	}
	return nil
}

func (r *sqliteRegistry) Get(ctx context.Context, name string) (*namespace.Row, error) {
	row := r.db.QueryRowContext(ctx, `SELECT config, stats, created_at, modified_at FROM namespaces WHERE name = ?`, name)
	var cfgJSON, statsJSON string
	var createdAt, modifiedAt int64
	if err := row.Scan(&cfgJSON, &statsJSON, &createdAt, &modifiedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, verrors.ErrNamespaceNotFound
		}
		return nil, verrors.Wrap("registry.Get", verrors.CodeInternal, err)
	}
	var cfg namespace.Config
	if err := encoding.DecodeJSON(cfgJSON, &cfg); err != nil {
		return nil, err
	}
	var stats namespace.Stats
	if err := encoding.DecodeJSON(statsJSON, &stats); err != nil {
		return nil, err
	}
	return &namespace.Row{
		Name:     name,
		Config:   cfg,
		Stats:    stats,
		Created:  time.UnixMilli(createdAt),
		Modified: time.UnixMilli(modifiedAt),
	}, nil
}

func (r *sqliteRegistry) Delete(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM namespaces WHERE name = ?`, name)
	if err != nil {
		return verrors.Wrap("registry.Delete", verrors.CodeInternal, err)
	}
	return nil
}

func (r *sqliteRegistry) List(ctx context.Context) ([]*namespace.Row, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, config, stats, created_at, modified_at FROM namespaces`)
	if err != nil {
		return nil, verrors.Wrap("registry.List", verrors.CodeInternal, err)
	}
	defer rows.Close()

	var out []*namespace.Row
	for rows.Next() {
		var name, cfgJSON, statsJSON string
		var createdAt, modifiedAt int64
		if err := rows.Scan(&name, &cfgJSON, &statsJSON, &createdAt, &modifiedAt); err != nil {
			return nil, verrors.Wrap("registry.List", verrors.CodeInternal, err)
		}
		var cfg namespace.Config
		if err := encoding.DecodeJSON(cfgJSON, &cfg); err != nil {
			return nil, err
		}
		var stats namespace.Stats
		if err := encoding.DecodeJSON(statsJSON, &stats); err != nil {
			return nil, err
		}
		out = append(out, &namespace.Row{
			Name: name, Config: cfg, Stats: stats,
			Created: time.UnixMilli(createdAt), Modified: time.UnixMilli(modifiedAt),
		})
	}
	return out, rows.Err()
}

func (r *sqliteRegistry) Touch(ctx context.Context, name string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE namespaces SET modified_at = ? WHERE name = ?`, at.UnixMilli(), name)
	if err != nil {
		return verrors.Wrap("registry.Touch", verrors.CodeInternal, err)
	}
	return nil
}

func (r *sqliteRegistry) Close() error {
	return r.db.Close()
}

var _ namespace.Registry = (*sqliteRegistry)(nil)
