// Package storage defines the collaborators the index reads raw vectors from
// and persists its metadata to, with memory, Badger and MinIO backends.
package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/patrikhermansson/colann/core"
)

// ErrNotFound is wrapped by every lookup of a missing row or key.
var ErrNotFound = errors.New("not found")

// VectorReader fetches raw column vectors by row id. The result is in the
// order of rowIDs.
type VectorReader interface {
	ReadVectors(ctx context.Context, column string, rowIDs []uint64) ([][]float32, error)
}

// VectorWriter stores raw column vectors.
type VectorWriter interface {
	WriteVectors(ctx context.Context, column string, rows []core.Row) error
}

// ColumnScanner visits every stored row of a column in row id order.
type ColumnScanner interface {
	ScanColumn(ctx context.Context, column string, fn func(core.Row) error) error
}

// MetadataStore persists opaque index blobs by key.
type MetadataStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Store is a full backend: column data plus metadata.
type Store interface {
	VectorReader
	VectorWriter
	ColumnScanner
	MetadataStore
}

func storageErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *core.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &core.StorageError{Op: op, Key: key, Err: err}
}

func rowKey(column string, rowID uint64) string {
	return fmt.Sprintf("%s/%d", column, rowID)
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("vector payload of %d bytes is not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}
