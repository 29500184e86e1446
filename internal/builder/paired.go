package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/vxingest/internal/ctc"
	"github.com/couchcryptid/vxingest/internal/domain"
)

// fcstEpoch is one model document eligible for a statistics document.
type fcstEpoch struct {
	ValidEpoch int64
	FcstLen    int64
	ID         string
}

// pairedModel is one model document together with the observation data
// for its valid time and the region's stations at that time.
type pairedModel struct {
	Epoch     fcstEpoch
	Model     domain.Document
	ModelData map[string]any
	ObsData   map[string]any
	Stations  []string
}

// pairing walks the model documents of one model and region that have an
// observation document, starting at the newest statistics document of
// docType already in the store. Contingency-table and partial-sums
// builders share it.
type pairing struct {
	spec      domain.IngestSpec
	env       Env
	logger    *slog.Logger
	docType   string
	retryWait time.Duration
	aligner   *ctc.Aligner
	stations  []*domain.Station
}

func newPairing(spec domain.IngestSpec, env Env, logger *slog.Logger, docType string) (pairing, error) {
	if env.Store == nil {
		return pairing{}, errors.New("no document store configured")
	}
	if spec.Model == "" || spec.Region == "" || spec.SubDocType == "" {
		return pairing{}, fmt.Errorf("ingest spec %s needs model, region and subDocType", spec.ID)
	}
	return pairing{
		spec:      spec,
		env:       env,
		logger:    logger,
		docType:   docType,
		retryWait: ctc.QueryBackoff,
		aligner:   ctc.NewAligner(logger),
	}, nil
}

// walk calls fn for every model document that has station data and a
// non-empty observation document, in valid-time then forecast-length
// order. It returns how many model documents reached fn.
func (p *pairing) walk(ctx context.Context, fn func(pairedModel)) (int, error) {
	epochs, err := p.pairedEpochs(ctx)
	if err != nil {
		return 0, err
	}
	if len(epochs) == 0 {
		p.logger.Info("no new valid times")
		return 0, nil
	}
	box, err := p.loadRegion(ctx)
	if err != nil {
		return 0, err
	}
	if p.stations == nil {
		if p.stations, err = loadStations(ctx, p.env.Store, p.spec.Subset); err != nil {
			return 0, err
		}
	}

	var (
		obsID   string
		obsData map[string]any
		n       int
	)
	for _, fe := range epochs {
		stations := ctc.RegionStations(box, p.stations, fe.ValidEpoch)
		if len(stations) == 0 {
			continue
		}
		model, err := p.env.Store.Get(ctx, fe.ID)
		if errors.Is(err, domain.ErrNotFound) {
			p.logger.Info("model document not found", "id", fe.ID)
			continue
		}
		if err != nil {
			return n, fmt.Errorf("get model %s: %w", fe.ID, err)
		}
		modelData, _ := model[domain.TemplateDataKey].(map[string]any)
		if len(modelData) == 0 {
			p.logger.Info("model document has no data", "id", fe.ID)
			continue
		}

		// Only observation documents with data are reused for the next
		// forecast length of the same valid time.
		id := ctc.ObsID(fe.ID, fe.FcstLen, p.spec.Model)
		if id != obsID {
			obsID, obsData = "", nil
			obs, err := p.env.Store.Get(ctx, id)
			if errors.Is(err, domain.ErrNotFound) {
				p.logger.Info("observation document not found", "id", id)
				continue
			}
			if err != nil {
				return n, fmt.Errorf("get obs %s: %w", id, err)
			}
			data, _ := obs[domain.TemplateDataKey].(map[string]any)
			if len(data) == 0 {
				p.logger.Info("observation document has no data", "id", id)
				continue
			}
			obsID, obsData = id, data
		}

		fn(pairedModel{Epoch: fe, Model: model, ModelData: modelData, ObsData: obsData, Stations: stations})
		n++
	}
	return n, nil
}

// pairedEpochs returns the model valid times, in query order, at or after
// the latest existing statistics document that have an observation.
func (p *pairing) pairedEpochs(ctx context.Context) ([]fcstEpoch, error) {
	first, last := p.env.FirstEpoch, p.env.lastEpoch()
	maxEpoch, err := ctc.RetryOnTimeout(ctx, p.logger, "max epoch", ctc.QueryAttempts, p.retryWait,
		func(ctx context.Context) (int64, error) {
			docs, err := p.env.Store.Query(ctx, maxEpochQuery, p.docType, p.spec.SubDocType, p.spec.Model, p.spec.Region, p.spec.Subset)
			if err != nil || len(docs) == 0 {
				return 0, err
			}
			v, _ := domain.AsInt64(docs[0]["max"])
			return v, nil
		})
	if err != nil {
		return nil, fmt.Errorf("query max %s epoch: %w", p.docType, err)
	}

	models, err := ctc.RetryOnTimeout(ctx, p.logger, "model epochs", ctc.QueryAttempts, p.retryWait,
		func(ctx context.Context) ([]domain.Document, error) {
			return p.env.Store.Query(ctx, modelEpochsQuery, p.spec.Model, p.spec.Subset, first, maxEpoch, last)
		})
	if err != nil {
		return nil, fmt.Errorf("query model epochs: %w", err)
	}
	obs, err := ctc.RetryOnTimeout(ctx, p.logger, "obs epochs", ctc.QueryAttempts, p.retryWait,
		func(ctx context.Context) ([]domain.Document, error) {
			return p.env.Store.Query(ctx, obsEpochsQuery, p.spec.Subset, maxEpoch, last)
		})
	if err != nil {
		return nil, fmt.Errorf("query obs epochs: %w", err)
	}

	haveObs := make(map[int64]struct{}, len(obs))
	for _, d := range obs {
		if v, ok := domain.AsInt64(d["fcstValidEpoch"]); ok {
			haveObs[v] = struct{}{}
		}
	}
	var out []fcstEpoch
	for _, d := range models {
		valid, okValid := domain.AsInt64(d["fcstValidEpoch"])
		fcstLen, okLen := domain.AsInt64(d["fcstLen"])
		id, _ := d["id"].(string)
		if !okValid || !okLen || id == "" {
			continue
		}
		if _, ok := haveObs[valid]; ok {
			out = append(out, fcstEpoch{ValidEpoch: valid, FcstLen: fcstLen, ID: id})
		}
	}
	return out, nil
}

func (p *pairing) loadRegion(ctx context.Context) (ctc.BoundingBox, error) {
	docs, err := p.env.Store.Query(ctx, regionQuery, p.spec.Region)
	if err != nil {
		return ctc.BoundingBox{}, fmt.Errorf("query region %s: %w", p.spec.Region, err)
	}
	if len(docs) == 0 {
		return ctc.BoundingBox{}, fmt.Errorf("region %s: %w", p.spec.Region, domain.ErrNotFound)
	}
	return ctc.ParseRegion(docs[0])
}
