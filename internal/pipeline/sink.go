package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/couchcryptid/vxingest/internal/domain"
)

// Sink receives the documents built from one unit. A run writes through
// exactly one sink kind, never both.
type Sink interface {
	Flush(ctx context.Context, unit string, docs domain.DocumentMap) (int, error)
	Kind() string
}

// Upserter is the write side of the document store.
type Upserter interface {
	Upsert(ctx context.Context, docs []domain.Document) error
}

// StoreSink upserts documents, one batch per data-type key.
type StoreSink struct {
	store Upserter
}

// NewStoreSink creates a StoreSink over store.
func NewStoreSink(store Upserter) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Kind() string { return "store" }

// Flush upserts every document in docs. Data-type groups are written in
// key order so reruns touch the store in the same sequence.
func (s *StoreSink) Flush(ctx context.Context, _ string, docs domain.DocumentMap) (int, error) {
	groups := docs.ByDataType()
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	written := 0
	for _, k := range keys {
		if err := s.store.Upsert(ctx, groups[k]); err != nil {
			return written, fmt.Errorf("upsert %s documents: %w", k, err)
		}
		written += len(groups[k])
	}
	return written, nil
}

// FileSink writes each unit's documents as one JSON array to
// <dir>/<unit base name>.json.
type FileSink struct {
	dir string
}

// NewFileSink creates a FileSink writing into dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

func (s *FileSink) Kind() string { return "file" }

// Path returns the output file for unit.
func (s *FileSink) Path(unit string) string {
	return filepath.Join(s.dir, filepath.Base(unit)+".json")
}

func (s *FileSink) Flush(_ context.Context, unit string, docs domain.DocumentMap) (int, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}
	values := docs.Values()
	data, err := json.Marshal(values)
	if err != nil {
		return 0, fmt.Errorf("marshal %s: %w", unit, err)
	}

	path := s.Path(unit)
	tmp, err := os.CreateTemp(s.dir, "."+strings.TrimSuffix(filepath.Base(path), ".json")+"-*")
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("rename %s: %w", path, err)
	}
	return len(values), nil
}
