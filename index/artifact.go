package index

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/hnsw"
	"github.com/patrikhermansson/colann/ivf"
	"github.com/patrikhermansson/colann/quantizer"
	"github.com/patrikhermansson/colann/storage"
	"github.com/patrikhermansson/colann/transform"
)

const latest = "latest"

// Artifact is the persisted header of one index version. Partition row ids
// and codes are stored under their own keys, one pair per partition.
type Artifact struct {
	Version    string
	Column     string
	Dim        int
	Metric     core.Metric
	Transform  transform.State
	Centroids  [][]float32
	Quantizer  quantizer.State
	Graph      *hnsw.Config
	Partitions int
	Rows       int
	CreatedAt  time.Time
}

// partitionRows is what PartIDColumn keys hold.
type partitionRows struct {
	RowIDs []uint64
}

// partitionCodes is what PQCodeColumn keys hold.
type partitionCodes struct {
	Codes []byte
	Graph *hnsw.State
}

func versionKey(name, version string) string { return name + "/" + version }
func latestKey(name string) string           { return name + "/" + latest }

func partitionKey(name, version, column string, id int) string {
	return fmt.Sprintf("%s/%s/%s/%d", name, version, column, id)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(key string, data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", core.ErrInvalidConfig, key, err)
	}
	return nil
}

func putGob(ctx context.Context, store storage.MetadataStore, key string, v any) error {
	data, err := encodeGob(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return store.Put(ctx, key, data)
}

func getGob(ctx context.Context, store storage.MetadataStore, key string, v any) error {
	data, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	return decodeGob(key, data, v)
}

// Save writes the current version under name and then points name/latest at
// it. A reader of name/latest never observes a partially written version.
func (idx *Index) Save(ctx context.Context, store storage.MetadataStore, name string) error {
	version := idx.Version()
	st := idx.ivf.State()
	for _, ps := range st.Partitions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := putGob(ctx, store, partitionKey(name, version, PartIDColumn, ps.ID), partitionRows{RowIDs: ps.RowIDs}); err != nil {
			return err
		}
		codes := partitionCodes{Codes: ps.Codes, Graph: ps.Graph}
		if err := putGob(ctx, store, partitionKey(name, version, PQCodeColumn, ps.ID), codes); err != nil {
			return err
		}
	}
	art := Artifact{
		Version:    version,
		Column:     idx.column,
		Dim:        idx.dim,
		Metric:     st.Metric,
		Transform:  idx.transform.State(),
		Centroids:  st.Centroids,
		Quantizer:  st.Quantizer,
		Graph:      st.Graph,
		Partitions: len(st.Partitions),
		Rows:       idx.Len(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := putGob(ctx, store, versionKey(name, version), art); err != nil {
		return err
	}
	if err := store.Put(ctx, latestKey(name), []byte(version)); err != nil {
		return err
	}
	log.Info().Str("name", name).Str("version", version).Int("rows", art.Rows).Msg("index saved")
	return nil
}

// Load opens the latest version saved under name.
func Load(ctx context.Context, store storage.MetadataStore, name string, reader storage.VectorReader) (*Index, error) {
	version, err := store.Get(ctx, latestKey(name))
	if err != nil {
		return nil, err
	}
	return LoadVersion(ctx, store, name, string(version), reader)
}

// ReadArtifact returns the header of one saved version.
func ReadArtifact(ctx context.Context, store storage.MetadataStore, name, version string) (*Artifact, error) {
	var art Artifact
	if err := getGob(ctx, store, versionKey(name, version), &art); err != nil {
		return nil, err
	}
	return &art, nil
}

// LoadVersion opens a specific saved version.
func LoadVersion(ctx context.Context, store storage.MetadataStore, name, version string, reader storage.VectorReader) (*Index, error) {
	art, err := ReadArtifact(ctx, store, name, version)
	if err != nil {
		return nil, err
	}
	t, err := transform.FromState(art.Transform)
	if err != nil {
		return nil, err
	}
	st := ivf.State{
		Metric:     art.Metric,
		Centroids:  art.Centroids,
		Quantizer:  art.Quantizer,
		Graph:      art.Graph,
		Partitions: make([]ivf.PartitionState, art.Partitions),
	}
	for id := range st.Partitions {
		var rows partitionRows
		if err := getGob(ctx, store, partitionKey(name, version, PartIDColumn, id), &rows); err != nil {
			return nil, err
		}
		var codes partitionCodes
		if err := getGob(ctx, store, partitionKey(name, version, PQCodeColumn, id), &codes); err != nil {
			return nil, err
		}
		st.Partitions[id] = ivf.PartitionState{ID: id, RowIDs: rows.RowIDs, Codes: codes.Codes, Graph: codes.Graph}
	}
	x, err := ivf.FromState(st)
	if err != nil {
		return nil, err
	}
	idx := newIndex(art.Version, art.Column, t, x, reader, 0)
	if idx.Len() != art.Rows {
		return nil, fmt.Errorf("%w: artifact lists %d rows, partitions hold %d", core.ErrInvalidConfig, art.Rows, idx.Len())
	}
	log.Info().Str("name", name).Str("version", version).Int("rows", art.Rows).Msg("index loaded")
	return idx, nil
}

// Versions lists the saved versions under name.
func Versions(ctx context.Context, store storage.MetadataStore, name string) ([]string, error) {
	keys, err := store.List(ctx, name+"/")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, name+"/")
		if rest == latest || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, rest)
	}
	sort.Strings(out)
	return out, nil
}
