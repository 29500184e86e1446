package builder

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/couchcryptid/vxingest/internal/ctc"
	"github.com/couchcryptid/vxingest/internal/domain"
	"github.com/couchcryptid/vxingest/internal/template"
)

const ctcDocType = "CTC"

// defaultCTCData is the data sub-template used when an ingest spec does
// not carry a usable one: one element per threshold holding the cell.
func defaultCTCData() map[string]any {
	return map[string]any{
		"*threshold": map[string]any{
			"hits":              "*hits",
			"false_alarms":      "*false_alarms",
			"misses":            "*misses",
			"correct_negatives": "*correct_negatives",
			"none_count":        "*none_count",
		},
	}
}

// prepareCTCSpec fills in the default data sub-template.
func prepareCTCSpec(spec domain.IngestSpec) domain.IngestSpec {
	if spec.Template.HasData() {
		if _, _, err := spec.Template.Data(); err == nil {
			return spec
		}
	}
	tpl := make(domain.Template, len(spec.Template)+1)
	for k, v := range spec.Template {
		tpl[k] = v
	}
	tpl[domain.TemplateDataKey] = defaultCTCData()
	spec.Template = tpl
	return spec
}

// ctcBuilder builds contingency-table documents for one model, region and
// variable, covering every model valid time newer than the latest existing
// table that also has an observation document.
type ctcBuilder struct {
	pairing
	interp *template.Interpreter

	variable   string
	field      string
	thresholds []ctc.Threshold

	model domain.Document
}

func newCTCBuilder(spec domain.IngestSpec, env Env) (Builder, error) {
	logger := env.Logger.With("builder", TypeCTCModelOb, "spec", spec.ID)
	p, err := newPairing(spec, env, logger, ctcDocType)
	if err != nil {
		return nil, err
	}
	variable := strings.ToLower(spec.SubDocType)
	b := &ctcBuilder{
		pairing:  p,
		variable: variable,
		field:    capitalize(variable),
	}
	b.interp = template.New(b.funcs(), b.logger)
	return b, nil
}

func (b *ctcBuilder) funcs() template.Funcs {
	return modelFuncs(func() domain.Document { return b.model })
}

// modelFuncs are the time functions of builders whose documents describe
// one model document.
func modelFuncs(model func() domain.Document) template.Funcs {
	modelInt := func(key string) (int64, error) {
		m := model()
		v, ok := domain.AsInt64(m[key])
		if !ok {
			return 0, fmt.Errorf("model document %s: %s: %w", m.ID(), key, domain.ErrFieldNotFound)
		}
		return v, nil
	}
	return epochFuncs(func(template.Source) (int64, error) {
		return modelInt("fcstValidEpoch")
	}).Merge(template.Funcs{
		"handle_fcst_len": func(template.Source, template.Params) (any, error) {
			return modelInt("fcstLen")
		},
	})
}

// Build computes one document per (valid time, forecast length) pair. The
// unit is the ingest spec id and carries no further input.
func (b *ctcBuilder) Build(ctx context.Context, _ string) (domain.DocumentMap, error) {
	if err := b.loadThresholds(ctx); err != nil {
		return nil, err
	}
	dm := domain.DocumentMap{}
	notFoundBefore := b.aligner.NotFound()
	_, err := b.walk(ctx, func(pm pairedModel) {
		pairs := b.aligner.Align(pm.Stations, pm.ModelData, pm.ObsData, b.field)
		cells := ctc.Tabulate(b.thresholds, pairs)
		b.model = pm.Model
		b.interp.Emit(dm, b.spec.Template, template.MapSource(pm.Model), cellEntries(b.thresholds, cells))
	})
	b.model = nil
	if err != nil {
		return nil, err
	}
	b.logger.Info("contingency tables built",
		"documents", len(dm),
		"stations_not_found", b.aligner.NotFound()-notFoundBefore)
	return dm, nil
}

func (b *ctcBuilder) loadThresholds(ctx context.Context) error {
	if b.thresholds != nil {
		return nil
	}
	docs, err := b.env.Store.Query(ctx, thresholdsQuery)
	if err != nil {
		return fmt.Errorf("query thresholds: %w", err)
	}
	if len(docs) == 0 {
		return fmt.Errorf("threshold descriptions: %w", domain.ErrNotFound)
	}
	desc, ok := docs[0][b.variable].(map[string]any)
	if !ok {
		return fmt.Errorf("threshold descriptions for %s: %w", b.variable, domain.ErrNotFound)
	}
	thresholds, err := ctc.ParseThresholds(desc)
	if err != nil {
		return err
	}
	b.thresholds = thresholds
	return nil
}

func cellEntries(thresholds []ctc.Threshold, cells map[string]domain.ContingencyCell) iter.Seq[template.Source] {
	return func(yield func(template.Source) bool) {
		for _, t := range thresholds {
			src := template.MapSource(cells[t.Key].Fields())
			src["threshold"] = t.Key
			if !yield(src) {
				return
			}
		}
	}
}
