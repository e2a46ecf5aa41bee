package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bitrise-io/go-chunkupload/fingerprint"
	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore keeps progress in a BadgerDB key value store.
type BadgerStore struct {
	db     *badger.DB
	keys   keys
	closer func() error
}

// NewBadgerStore wraps an open database. The caller keeps ownership of db.
func NewBadgerStore(db *badger.DB, namespace string) *BadgerStore {
	return &BadgerStore{db: db, keys: newKeys(namespace)}
}

// OpenBadgerStore opens (or creates) a database at path. An empty path opens
// an in-memory database.
func OpenBadgerStore(path, namespace string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}

	s := NewBadgerStore(db, namespace)
	s.closer = db.Close
	return s, nil
}

// Close closes the database if the store opened it.
func (s *BadgerStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Load implements Store.
func (s *BadgerStore) Load(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var record *Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(s.keys.meta(id)))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var meta metadata
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		}); err != nil {
			return fmt.Errorf("%w: decode metadata: %s", ErrInvariant, err)
		}

		record = &Record{
			Fingerprint: meta.Fingerprint,
			UploadRef:   meta.UploadRef,
			Chunks:      map[uint32]string{},
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(s.keys.chunkPrefix(id))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			index, err := s.keys.parseChunk(id, string(item.Key()))
			if err != nil {
				return err
			}
			receipt, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			record.Chunks[index] = string(receipt)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return record, nil
}

// Begin implements Store.
func (s *BadgerStore) Begin(ctx context.Context, fp fingerprint.Fingerprint, uploadRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b, err := json.Marshal(metadata{Fingerprint: fp, UploadRef: uploadRef})
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := s.deleteChunks(txn, fp.ID); err != nil {
			return err
		}
		return txn.Set([]byte(s.keys.meta(fp.ID)), b)
	})
}

// SetChunkUploaded implements Store.
func (s *BadgerStore) SetChunkUploaded(ctx context.Context, id string, index uint32, receipt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(s.keys.meta(id))); err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("set chunk %d: %w", index, ErrNotFound)
			}
			return err
		}
		return txn.Set([]byte(s.keys.chunk(id, index)), []byte(receipt))
	})
}

// Clear implements Store.
func (s *BadgerStore) Clear(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := s.deleteChunks(txn, id); err != nil {
			return err
		}
		if err := txn.Delete([]byte(s.keys.meta(id))); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return nil
	})
}

func (s *BadgerStore) deleteChunks(txn *badger.Txn, id string) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(s.keys.chunkPrefix(id))
	it := txn.NewIterator(opts)

	var keysToDelete [][]byte
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keysToDelete {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
