package resume

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bitrise-io/go-chunkupload/fingerprint"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps progress in a SQLite database.
type SQLiteStore struct {
	db        *sql.DB
	namespace string
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(path, namespace string) (*SQLiteStore, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open resume db: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, namespace: namespace}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS uploads (
			namespace   TEXT NOT NULL,
			id          TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			upload_ref  TEXT NOT NULL,
			PRIMARY KEY (namespace, id)
		);
		CREATE TABLE IF NOT EXISTS chunks (
			namespace TEXT NOT NULL,
			id        TEXT NOT NULL,
			idx       INTEGER NOT NULL,
			receipt   TEXT NOT NULL,
			PRIMARY KEY (namespace, id, idx)
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Record, error) {
	var fpJSON, uploadRef string
	err := s.db.QueryRowContext(ctx,
		"SELECT fingerprint, upload_ref FROM uploads WHERE namespace = ? AND id = ?", s.namespace, id,
	).Scan(&fpJSON, &uploadRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}

	record := &Record{UploadRef: uploadRef, Chunks: map[uint32]string{}}
	if err := json.Unmarshal([]byte(fpJSON), &record.Fingerprint); err != nil {
		return nil, fmt.Errorf("%w: decode fingerprint: %s", ErrInvariant, err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT idx, receipt FROM chunks WHERE namespace = ? AND id = ?", s.namespace, id)
	if err != nil {
		return nil, fmt.Errorf("load chunks of %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var index int64
		var receipt string
		if err := rows.Scan(&index, &receipt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if index < 0 || index > int64(^uint32(0)) {
			return nil, fmt.Errorf("%w: chunk index %d", ErrInvariant, index)
		}
		record.Chunks[uint32(index)] = receipt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load chunks of %s: %w", id, err)
	}

	return record, nil
}

// Begin implements Store.
func (s *SQLiteStore) Begin(ctx context.Context, fp fingerprint.Fingerprint, uploadRef string) error {
	b, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("encode fingerprint: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE namespace = ? AND id = ?", s.namespace, fp.ID); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove stale chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO uploads (namespace, id, fingerprint, upload_ref) VALUES (?, ?, ?, ?)",
		s.namespace, fp.ID, string(b), uploadRef,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("store metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SetChunkUploaded implements Store.
func (s *SQLiteStore) SetChunkUploaded(ctx context.Context, id string, index uint32, receipt string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO chunks (namespace, id, idx, receipt)
		SELECT namespace, id, ?, ? FROM uploads WHERE namespace = ? AND id = ?`,
		int64(index), receipt, s.namespace, id,
	)
	if err != nil {
		return fmt.Errorf("set chunk %d: %w", index, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set chunk %d: %w", index, err)
	}
	if n == 0 {
		return fmt.Errorf("set chunk %d: %w", index, ErrNotFound)
	}
	return nil
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM chunks WHERE namespace = ? AND id = ?", s.namespace, id); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM uploads WHERE namespace = ? AND id = ?", s.namespace, id); err != nil {
		return fmt.Errorf("clear metadata: %w", err)
	}
	return nil
}
