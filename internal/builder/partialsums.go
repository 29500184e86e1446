package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/couchcryptid/vxingest/internal/ctc"
	"github.com/couchcryptid/vxingest/internal/domain"
	"github.com/couchcryptid/vxingest/internal/template"
)

const (
	sumsDocType = "PARTIALSUMS"
	sumsDataKey = "partial_sums"
)

// preparePartialSumsSpec wraps the data section, a mapping from variable
// name to "&handle_sum|*Variable", under a single key so it passes the
// data sub-template checks. Without a data section the subDocType variable
// is summed.
func preparePartialSumsSpec(spec domain.IngestSpec) domain.IngestSpec {
	raw, ok := spec.Template[domain.TemplateDataKey].(map[string]any)
	if ok && len(raw) == 1 {
		if _, wrapped := raw[sumsDataKey].(map[string]any); wrapped {
			return spec
		}
	}
	if !ok {
		if spec.SubDocType == "" {
			return spec
		}
		v := capitalize(strings.ToLower(spec.SubDocType))
		raw = map[string]any{v: "&handle_sum|*" + v}
	}
	tpl := make(domain.Template, len(spec.Template)+1)
	for k, v := range spec.Template {
		tpl[k] = v
	}
	tpl[domain.TemplateDataKey] = map[string]any{sumsDataKey: raw}
	spec.Template = tpl
	return spec
}

// sumsBuilder builds partial-sums documents for one model and region: one
// document per (valid time, forecast length) pair whose data section holds
// the sums of each variable over the region's matched stations.
type sumsBuilder struct {
	pairing
	interp *template.Interpreter

	docTpl domain.Template
	sums   map[string]any

	current *pairedModel
}

func newSumsBuilder(spec domain.IngestSpec, env Env) (Builder, error) {
	logger := env.Logger.With("builder", TypePartialSums, "spec", spec.ID)
	p, err := newPairing(spec, env, logger, sumsDocType)
	if err != nil {
		return nil, err
	}
	_, sums, err := spec.Template.Data()
	if err != nil {
		return nil, fmt.Errorf("ingest spec %s: %w", spec.ID, err)
	}
	docTpl := make(domain.Template, len(spec.Template))
	for k, v := range spec.Template {
		if k != domain.TemplateDataKey {
			docTpl[k] = v
		}
	}
	b := &sumsBuilder{pairing: p, docTpl: docTpl, sums: sums}
	b.interp = template.New(b.funcs(), b.logger)
	return b, nil
}

func (b *sumsBuilder) funcs() template.Funcs {
	return modelFuncs(func() domain.Document {
		if b.current == nil {
			return nil
		}
		return b.current.Model
	}).Merge(template.Funcs{
		"handle_sum": b.handleSum,
	})
}

// Build computes one document per (valid time, forecast length) pair. The
// unit is the ingest spec id and carries no further input.
func (b *sumsBuilder) Build(ctx context.Context, _ string) (domain.DocumentMap, error) {
	dm := domain.DocumentMap{}
	notFoundBefore := b.aligner.NotFound()
	_, err := b.walk(ctx, func(pm pairedModel) {
		b.current = &pm
		b.emit(dm, pm)
	})
	b.current = nil
	if err != nil {
		return nil, err
	}
	b.logger.Info("partial sums built",
		"documents", len(dm),
		"stations_not_found", b.aligner.NotFound()-notFoundBefore)
	return dm, nil
}

func (b *sumsBuilder) emit(dm domain.DocumentMap, pm pairedModel) {
	id, doc, err := b.interp.Synthesize(b.docTpl, template.MapSource(pm.Model), nil)
	if err != nil {
		b.logger.Warn("document dropped", "model", pm.Epoch.ID, "error", err)
		return
	}
	data, err := b.interp.Translate(b.sums, template.SourceFunc(b.variable))
	if err != nil {
		b.logger.Warn("document dropped", "id", id, "error", err)
		return
	}
	doc[domain.TemplateDataKey] = data
	dm.Put(id, doc)
}

// variable resolves handle_sum parameters. A name that is not a model
// document field stands for the station variable of that name.
func (b *sumsBuilder) variable(name string) (any, error) {
	if v, ok := b.current.Model[name]; ok {
		return v, nil
	}
	return name, nil
}

// handleSum sums the variable named by its first parameter over the
// current model document's matched stations.
func (b *sumsBuilder) handleSum(_ template.Source, params template.Params) (any, error) {
	p, ok := params.First()
	if !ok {
		return nil, errors.New("handle_sum needs a variable")
	}
	if b.current == nil {
		return nil, errors.New("no model document")
	}
	pairs := b.aligner.Align(b.current.Stations, b.current.ModelData, b.current.ObsData, p.Name)
	return ctc.Sums(pairs).Fields(), nil
}
