package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/patrikhermansson/colann/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	columnPrefix = "col/"
	metaPrefix   = "meta/"
)

// BadgerStore keeps column vectors and metadata in one Badger database.
// Vectors are keyed by col/<column>/<big-endian row id> so prefix scans
// return rows in id order.
type BadgerStore struct {
	db *badger.DB
}

// badgerLogger routes Badger's logging through zerolog.
type badgerLogger struct{ l zerolog.Logger }

func (b badgerLogger) Errorf(f string, args ...any)   { b.l.Error().Msgf(strings.TrimSpace(f), args...) }
func (b badgerLogger) Warningf(f string, args ...any) { b.l.Warn().Msgf(strings.TrimSpace(f), args...) }
func (b badgerLogger) Infof(f string, args ...any)    { b.l.Debug().Msgf(strings.TrimSpace(f), args...) }
func (b badgerLogger) Debugf(f string, args ...any)   { b.l.Trace().Msgf(strings.TrimSpace(f), args...) }

// OpenBadger opens (or creates) a database in dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{l: log.With().Str("component", "badger").Logger()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, storageErr("open", dir, err)
	}
	log.Debug().Str("dir", dir).Msg("badger store opened")
	return &BadgerStore{db: db}, nil
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func columnKeyPrefix(column string) []byte {
	return []byte(columnPrefix + column + "/")
}

func columnKey(column string, rowID uint64) []byte {
	k := columnKeyPrefix(column)
	return binary.BigEndian.AppendUint64(k, rowID)
}

func (s *BadgerStore) WriteVectors(ctx context.Context, column string, rows []core.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range rows {
		if err := wb.Set(columnKey(column, r.ID), encodeVector(r.Vector)); err != nil {
			return storageErr("write", rowKey(column, r.ID), err)
		}
	}
	return storageErr("write", column, wb.Flush())
}

func (s *BadgerStore) ReadVectors(ctx context.Context, column string, rowIDs []uint64) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(rowIDs))
	err := s.db.View(func(txn *badger.Txn) error {
		for i, id := range rowIDs {
			i := i
			id := id
			item, err := txn.Get(columnKey(column, id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storageErr("read", rowKey(column, id), ErrNotFound)
			}
			if err != nil {
				return storageErr("read", rowKey(column, id), err)
			}
			if err := item.Value(func(val []byte) error {
				v, err := decodeVector(val)
				out[i] = v
				return err
			}); err != nil {
				return storageErr("read", rowKey(column, id), err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) ScanColumn(ctx context.Context, column string, fn func(core.Row) error) error {
	prefix := columnKeyPrefix(column)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := item.Key()
			if len(key) != len(prefix)+8 {
				continue
			}
			id := binary.BigEndian.Uint64(key[len(prefix):])
			var v []float32
			if err := item.Value(func(val []byte) error {
				var err error
				v, err = decodeVector(val)
				return err
			}); err != nil {
				return storageErr("scan", rowKey(column, id), err)
			}
			if err := fn(core.Row{ID: id, Vector: v}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Put(_ context.Context, key string, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(metaPrefix+key), data)
	})
	return storageErr("put", key, err)
}

func (s *BadgerStore) Get(_ context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, storageErr("get", key, err)
	}
	return data, nil
}

func (s *BadgerStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(metaPrefix + key))
	})
	return storageErr("delete", key, err)
}

func (s *BadgerStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(metaPrefix + prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), metaPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list", prefix, err)
	}
	return keys, nil
}

var _ Store = (*BadgerStore)(nil)
