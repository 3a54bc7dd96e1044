package example

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/patrikhermansson/colann/core"
)

// Dataset is a train/test split with optional ground truth.
// The directory layout is:
//   - train.csv       (vectors to index, row id = line number)
//   - test.csv        (query vectors)
//   - neighbors.csv   (expected neighbor ids per query, optional)
//   - distances.csv   (expected distances per query, optional)
type Dataset struct {
	Name      string
	Train     []core.Row
	Test      [][]float32
	Neighbors [][]int
	Distances [][]float64
}

// HasGroundTruth reports whether neighbors were supplied for every query.
func (d *Dataset) HasGroundTruth() bool {
	return len(d.Neighbors) >= len(d.Test) && len(d.Test) > 0
}

// LoadDataset reads a dataset directory.
func LoadDataset(dir string) (*Dataset, error) {
	log.Info().Msgf("Loading dataset from directory: %s", dir)
	ds := &Dataset{Name: filepath.Base(dir)}

	var err error
	ds.Train, err = LoadRows(filepath.Join(dir, "train.csv"), false)
	if err != nil {
		return nil, fmt.Errorf("failed to load train.csv: %w", err)
	}
	ds.Test, err = readCSV[float32](filepath.Join(dir, "test.csv"), false)
	if err != nil {
		return nil, fmt.Errorf("failed to load test.csv: %w", err)
	}

	neighborsPath := filepath.Join(dir, "neighbors.csv")
	ds.Neighbors, err = readCSV[int](neighborsPath, false)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info().Msgf("No ground truth at %s", neighborsPath)
		return ds, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load neighbors.csv: %w", err)
	}
	ds.Distances, err = readCSV[float64](filepath.Join(dir, "distances.csv"), false)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load distances.csv: %w", err)
	}

	log.Info().Msgf("Dataset loaded: %d train, %d test vectors", len(ds.Train), len(ds.Test))
	return ds, nil
}

// LoadRows reads float32 vectors from a CSV file. Row ids are 0-based line
// numbers so that they match ground-truth files.
func LoadRows(path string, skipHeader bool) ([]core.Row, error) {
	vectors, err := readCSV[float32](path, skipHeader)
	if err != nil {
		return nil, err
	}
	rows := make([]core.Row, len(vectors))
	for id, vec := range vectors {
		rows[id] = core.Row{ID: uint64(id), Vector: vec}
	}
	log.Info().Msgf("Loaded %d vectors from %s", len(rows), path)
	return rows, nil
}

// WriteRows writes vectors as CSV, one row per line in row order.
func WriteRows(path string, vectors [][]float32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	for _, v := range vectors {
		record := make([]string, len(v))
		for i, x := range v {
			record[i] = strconv.FormatFloat(float64(x), 'g', -1, 32)
		}
		if err := w.Write(record); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readCSV is a generic CSV reader for int, float32 and float64 cells.
func readCSV[T int | float32 | float64](path string, skipHeader bool) ([][]T, error) {
	log.Debug().Msgf("Opening CSV file: %s", path)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	var result [][]T
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read error in %s: %w", path, err)
		}
		if skipHeader {
			skipHeader = false
			continue
		}
		row := make([]T, len(record))
		for i, val := range record {
			parsed, err := parseValue[T](val)
			if err != nil {
				return nil, fmt.Errorf("parse error at line %d col %d in %s: %w", len(result)+1, i, path, err)
			}
			row[i] = parsed
		}
		result = append(result, row)
	}

	log.Debug().Msgf("Parsed %d rows from %s", len(result), path)
	return result, nil
}

func parseValue[T int | float32 | float64](s string) (T, error) {
	s = strings.TrimSpace(s)
	var zero T
	switch any(zero).(type) {
	case int:
		v, err := strconv.Atoi(s)
		return any(v).(T), err
	case float32:
		v, err := strconv.ParseFloat(s, 32)
		return any(float32(v)).(T), err
	case float64:
		v, err := strconv.ParseFloat(s, 64)
		return any(v).(T), err
	default:
		return zero, fmt.Errorf("unsupported type %T", zero)
	}
}
