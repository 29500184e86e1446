// Package builder turns one input unit (a file or an ingest specification)
// into a DocumentMap. Each variant supplies its own data access and named
// functions and delegates document synthesis to the template interpreter.
package builder

import (
	"context"
	"iter"
	"log/slog"

	"github.com/couchcryptid/vxingest/internal/domain"
	"github.com/couchcryptid/vxingest/internal/geo"
)

// Builder produces the documents for one input unit.
type Builder interface {
	Build(ctx context.Context, unit string) (domain.DocumentMap, error)
}

// FlushObserver is implemented by builders that cache state derived from
// a unit's documents. Flushed is called after the unit's documents were
// handed to the sink, with the flush error if any.
type FlushObserver interface {
	Flushed(unit string, err error)
}

// DocStore is the read side of the document store the builders use.
type DocStore interface {
	Get(ctx context.Context, id string) (domain.Document, error)
	Query(ctx context.Context, stmt string, args ...any) ([]domain.Document, error)
}

// Row is one relational result-set row keyed by column name.
type Row = map[string]any

// RowSource runs a relational statement and streams its rows in
// result-set order.
type RowSource interface {
	Rows(ctx context.Context, stmt string) iter.Seq2[Row, error]
}

// ObsDataset is a decoded station-observation file: a set of records, each
// holding one value per named variable. Masked or fill values decode to
// nil, character arrays to strings, and per-record vectors to slices.
type ObsDataset interface {
	Records() int
	Value(name string, rec int) (any, error)
	Close() error
}

// ObsDecoder opens station-observation files.
type ObsDecoder interface {
	OpenObs(path string) (ObsDataset, error)
}

// GridDataset is a decoded gridded model file. Fields are addressed by
// their long name and indexed [y][x].
type GridDataset interface {
	Spec() geo.GridSpec
	ValidEpoch() int64
	FcstLen() int64
	Attr(name string) (any, bool)
	Field(longName string) ([][]float64, error)
	Close() error
}

// GridDecoder opens gridded model files.
type GridDecoder interface {
	OpenGrid(path string) (GridDataset, error)
}

// Env carries the per-worker collaborators a builder may use. Nothing in
// an Env is shared between workers.
type Env struct {
	Store  DocStore
	Rows   RowSource
	Obs    ObsDecoder
	Grids  GridDecoder
	Logger *slog.Logger

	// LoadJobID is recorded on every data-file document of the run.
	LoadJobID string

	// FirstEpoch and LastEpoch bound contingency-table runs. A zero
	// LastEpoch means now.
	FirstEpoch int64
	LastEpoch  int64
}

func (e Env) lastEpoch() int64 {
	if e.LastEpoch > 0 {
		return e.LastEpoch
	}
	return domain.Now().Unix()
}
