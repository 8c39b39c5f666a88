package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/liliang-cn/vectrix/internal/encoding"
	"github.com/liliang-cn/vectrix/pkg/logging"
	"github.com/liliang-cn/vectrix/pkg/verrors"
)

// SQLiteConfig configures a namespace's backing table.
type SQLiteConfig struct {
	Path      string // e.g. "<root>-ns-<name>.db", or ":memory:"
	TableName string
	Logger    logging.Logger
}

// SQLiteStore is the default Store backing a namespace, grounded on the
// teacher's SQLiteStore (WAL pragmas, busy-timeout tuning) but scoped to a
// single records table per namespace rather than one shared database.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	table  string
	logger logging.Logger
	closed bool
}

// OpenSQLiteStore opens (creating if needed) a namespace's backing database.
func OpenSQLiteStore(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.TableName == "" {
		cfg.TableName = "records"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, verrors.Wrap("storage.Open", verrors.CodeInternal, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	s := &SQLiteStore{db: db, table: cfg.TableName, logger: cfg.Logger}
	if err := s.createTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		vector BLOB NOT NULL,
		magnitude REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		normalized INTEGER NOT NULL DEFAULT 0,
		codec_tag TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_%s_last_accessed ON %s(last_accessed_at);

	CREATE TABLE IF NOT EXISTS blobs (
		type TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	`, s.table, s.table, s.table)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return verrors.Wrap("storage.createTable", verrors.CodeInternal, err)
	}
	return nil
}

// SaveBlob persists an opaque blob (e.g. an HNSW index snapshot or PQ
// codebook) keyed by type, grounded on the teacher's index_snapshots table.
func (s *SQLiteStore) SaveBlob(ctx context.Context, blobType string, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return verrors.New("storage.SaveBlob", verrors.CodeAborted, "store is closed")
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO blobs (type, data, created_at) VALUES (?, ?, ?)`,
		blobType, data, NowMillis())
	if err != nil {
		return verrors.Wrap("storage.SaveBlob", verrors.CodeInternal, err)
	}
	return nil
}

// LoadBlob retrieves a previously saved blob, or ErrVectorNotFound if absent.
func (s *SQLiteStore) LoadBlob(ctx context.Context, blobType string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE type = ?`, blobType).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, verrors.ErrVectorNotFound
	}
	if err != nil {
		return nil, verrors.Wrap("storage.LoadBlob", verrors.CodeInternal, err)
	}
	return data, nil
}

func (s *SQLiteStore) Put(ctx context.Context, r *Record) error {
	if err := ValidateRecord(r); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return verrors.New("storage.Put", verrors.CodeAborted, "store is closed")
	}

	vecBytes, err := encoding.EncodeVector(r.Values)
	if err != nil {
		return verrors.Wrap("storage.Put", verrors.CodeInvalidFormat, err)
	}
	metaJSON := ""
	if r.Metadata != nil {
		metaJSON, err = encoding.EncodeJSON(r.Metadata)
		if err != nil {
			return verrors.Wrap("storage.Put", verrors.CodeInvalidFormat, err)
		}
	}

	now := NowMillis()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	if r.LastAccessedAt == 0 {
		r.LastAccessedAt = now
	}

	q := fmt.Sprintf(`INSERT OR REPLACE INTO %s
		(id, vector, magnitude, created_at, last_accessed_at, access_count, metadata, normalized, codec_tag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	_, err = s.db.ExecContext(ctx, q, r.ID, vecBytes, r.Magnitude, r.CreatedAt, r.LastAccessedAt, r.AccessCount, metaJSON, boolToInt(r.Normalized), r.CodecTag)
	if err != nil {
		return verrors.Wrap("storage.Put", verrors.CodeInternal, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, verrors.New("storage.Get", verrors.CodeAborted, "store is closed")
	}

	r, err := s.scanOne(ctx, id)
	if err != nil {
		return nil, err
	}

	// Bump access bookkeeping via an atomic increment (§4.G), under the
	// write lock since this mutates the row.
	now := NowMillis()
	q := fmt.Sprintf(`UPDATE %s SET last_accessed_at = ?, access_count = access_count + 1 WHERE id = ?`, s.table)
	if _, err := s.db.ExecContext(ctx, q, now, id); err != nil {
		s.logger.Warn("failed to bump access bookkeeping", "id", id, "error", err)
	} else {
		r.LastAccessedAt = now
		r.AccessCount++
	}
	return r, nil
}

func (s *SQLiteStore) scanOne(ctx context.Context, id string) (*Record, error) {
	q := fmt.Sprintf(`SELECT id, vector, magnitude, created_at, last_accessed_at, access_count, metadata, normalized, codec_tag FROM %s WHERE id = ?`, s.table)
	row := s.db.QueryRowContext(ctx, q, id)
	return scanRow(row.Scan)
}

func scanRow(scan func(dest ...any) error) (*Record, error) {
	var (
		r          Record
		vecBytes   []byte
		metaJSON   sql.NullString
		normalized int
		codecTag   sql.NullString
	)
	if err := scan(&r.ID, &vecBytes, &r.Magnitude, &r.CreatedAt, &r.LastAccessedAt, &r.AccessCount, &metaJSON, &normalized, &codecTag); err != nil {
		if err == sql.ErrNoRows {
			return nil, verrors.ErrVectorNotFound
		}
		return nil, verrors.Wrap("storage.scan", verrors.CodeInternal, err)
	}
	values, err := encoding.DecodeVector(vecBytes)
	if err != nil {
		return nil, verrors.Wrap("storage.scan", verrors.CodeInvalidFormat, err)
	}
	r.Values = values
	r.Normalized = normalized == 1
	r.CodecTag = codecTag.String
	if metaJSON.Valid && metaJSON.String != "" {
		var m map[string]any
		if err := encoding.DecodeJSON(metaJSON.String, &m); err != nil {
			return nil, verrors.Wrap("storage.scan", verrors.CodeInvalidFormat, err)
		}
		r.Metadata = m
	}
	return &r, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return verrors.New("storage.Delete", verrors.CodeAborted, "store is closed")
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table)
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return verrors.Wrap("storage.Delete", verrors.CodeInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return verrors.ErrVectorNotFound
	}
	return nil
}

func (s *SQLiteStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := fmt.Sprintf(`SELECT 1 FROM %s WHERE id = ?`, s.table)
	var x int
	err := s.db.QueryRowContext(ctx, q, id).Scan(&x)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, verrors.Wrap("storage.Exists", verrors.CodeInternal, err)
	}
	return true, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)
	var n int64
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, verrors.Wrap("storage.Count", verrors.CodeInternal, err)
	}
	return n, nil
}

func (s *SQLiteStore) Scan(ctx context.Context, fn ScanFunc) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := fmt.Sprintf(`SELECT id, vector, magnitude, created_at, last_accessed_at, access_count, metadata, normalized, codec_tag FROM %s`, s.table)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return verrors.Wrap("storage.Scan", verrors.CodeInternal, err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRow(rows.Scan)
		if err != nil {
			return err
		}
		if !fn(r) {
			break
		}
	}
	return rows.Err()
}

// PutBatch chunks records per opts.ChunkSize (default 100), committing each
// chunk atomically; a chunk's per-id failures are reported without aborting
// the batch unless opts.Abort fires (§4.G/§5).
func (s *SQLiteStore) PutBatch(ctx context.Context, records []*Record, opts BatchOptions) (*BatchResult, error) {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 100
	}
	result := &BatchResult{Failed: make(map[string]error)}

	for start := 0; start < len(records); start += chunkSize {
		select {
		case <-opts.Abort:
			return result, verrors.ErrAborted
		default:
		}

		end := start + chunkSize
		if end > len(records) {
			end = len(records)
		}
		if err := s.putChunk(ctx, records[start:end], result); err != nil {
			return result, err
		}
		if opts.Progress != nil {
			opts.Progress(end, len(records))
		}
	}
	return result, nil
}

func (s *SQLiteStore) putChunk(ctx context.Context, chunk []*Record, result *BatchResult) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return verrors.New("storage.PutBatch", verrors.CodeAborted, "store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return verrors.Wrap("storage.PutBatch", verrors.CodeInternal, err)
	}
	q := fmt.Sprintf(`INSERT OR REPLACE INTO %s
		(id, vector, magnitude, created_at, last_accessed_at, access_count, metadata, normalized, codec_tag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return verrors.Wrap("storage.PutBatch", verrors.CodeInternal, err)
	}
	defer stmt.Close()

	now := NowMillis()
	for _, r := range chunk {
		if err := ValidateRecord(r); err != nil {
			result.Failed[r.ID] = err
			continue
		}
		vecBytes, err := encoding.EncodeVector(r.Values)
		if err != nil {
			result.Failed[r.ID] = err
			continue
		}
		metaJSON := ""
		if r.Metadata != nil {
			metaJSON, err = encoding.EncodeJSON(r.Metadata)
			if err != nil {
				result.Failed[r.ID] = err
				continue
			}
		}
		if r.CreatedAt == 0 {
			r.CreatedAt = now
		}
		if r.LastAccessedAt == 0 {
			r.LastAccessedAt = now
		}
		if _, err := stmt.ExecContext(ctx, r.ID, vecBytes, r.Magnitude, r.CreatedAt, r.LastAccessedAt, r.AccessCount, metaJSON, boolToInt(r.Normalized), r.CodecTag); err != nil {
			result.Failed[r.ID] = err
			continue
		}
		result.Succeeded = append(result.Succeeded, r.ID)
	}

	if err := tx.Commit(); err != nil {
		return verrors.Wrap("storage.PutBatch", verrors.CodeInternal, err)
	}
	return nil
}

// UpdateInPlace performs a serialized read-modify-write of a single record.
func (s *SQLiteStore) UpdateInPlace(ctx context.Context, id string, mutate func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return verrors.New("storage.UpdateInPlace", verrors.CodeAborted, "store is closed")
	}

	r, err := s.scanOne(ctx, id)
	if err != nil {
		return err
	}
	if err := mutate(r); err != nil {
		return err
	}
	if err := ValidateRecord(r); err != nil {
		return err
	}

	vecBytes, err := encoding.EncodeVector(r.Values)
	if err != nil {
		return verrors.Wrap("storage.UpdateInPlace", verrors.CodeInvalidFormat, err)
	}
	metaJSON := ""
	if r.Metadata != nil {
		metaJSON, err = encoding.EncodeJSON(r.Metadata)
		if err != nil {
			return verrors.Wrap("storage.UpdateInPlace", verrors.CodeInvalidFormat, err)
		}
	}
	q := fmt.Sprintf(`UPDATE %s SET vector=?, magnitude=?, last_accessed_at=?, access_count=?, metadata=?, normalized=?, codec_tag=? WHERE id=?`, s.table)
	_, err = s.db.ExecContext(ctx, q, vecBytes, r.Magnitude, r.LastAccessedAt, r.AccessCount, metaJSON, boolToInt(r.Normalized), r.CodecTag, id)
	if err != nil {
		return verrors.Wrap("storage.UpdateInPlace", verrors.CodeInternal, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
