// Package ctc computes contingency tables and partial sums that pair model
// and observation values for the stations of a region.
package ctc

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/couchcryptid/vxingest/internal/domain"
)

// Threshold is one classification threshold. Key is the threshold exactly
// as it appears in the threshold descriptions and becomes the data key of
// the output document.
type Threshold struct {
	Key   string
	Value float64
}

// ParseThresholds reads the keys of one variable's threshold descriptions
// and orders them by value.
func ParseThresholds(descriptions map[string]any) ([]Threshold, error) {
	out := make([]Threshold, 0, len(descriptions))
	for k := range descriptions {
		v, err := strconv.ParseFloat(strings.TrimSpace(k), 64)
		if err != nil {
			return nil, fmt.Errorf("threshold %q: %w", k, err)
		}
		out = append(out, Threshold{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out, nil
}

// Pair is one station's aligned model and observation value. A nil value
// means the source document had no value for the station.
type Pair struct {
	Station string
	Model   *float64
	Obs     *float64
}

// Aligner pairs model and observation station data. It remembers which
// model stations were missing from observations so each is logged once
// for the aligner's lifetime.
type Aligner struct {
	logger   *slog.Logger
	seen     map[string]struct{}
	notFound int
}

// NewAligner creates an Aligner.
func NewAligner(logger *slog.Logger) *Aligner {
	return &Aligner{logger: logger, seen: make(map[string]struct{})}
}

// NotFound returns how many times a model station lacked an observation.
func (a *Aligner) NotFound() int { return a.notFound }

// Align returns a Pair for every model station that is in the domain and
// has an observation, ordered by station name. field names the variable
// inside each station's data element.
func (a *Aligner) Align(domainStations []string, model, obs map[string]any, field string) []Pair {
	inDomain := make(map[string]struct{}, len(domainStations))
	for _, s := range domainStations {
		inDomain[s] = struct{}{}
	}
	names := make([]string, 0, len(model))
	for name := range model {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]Pair, 0, len(names))
	for _, name := range names {
		if _, ok := inDomain[name]; !ok {
			continue
		}
		obsElem, ok := obs[name]
		if !ok {
			a.notFound++
			if _, logged := a.seen[name]; !logged {
				a.seen[name] = struct{}{}
				a.logger.Debug("model station not found in observations", "station", name)
			}
			continue
		}
		pairs = append(pairs, Pair{
			Station: name,
			Model:   fieldValue(model[name], field),
			Obs:     fieldValue(obsElem, field),
		})
	}
	return pairs
}

func fieldValue(elem any, field string) *float64 {
	m, ok := elem.(map[string]any)
	if !ok {
		return nil
	}
	v, ok := domain.AsFloat(m[field])
	if !ok {
		return nil
	}
	return &v
}

// Tabulate accumulates one contingency cell per threshold, keyed by the
// threshold's Key. A value is an event when it is below the threshold.
func Tabulate(thresholds []Threshold, pairs []Pair) map[string]domain.ContingencyCell {
	return tabulate(thresholds, pairs, func(v, thr float64) bool { return v < thr })
}

func tabulate(thresholds []Threshold, pairs []Pair, event func(v, thr float64) bool) map[string]domain.ContingencyCell {
	out := make(map[string]domain.ContingencyCell, len(thresholds))
	for _, t := range thresholds {
		var cell domain.ContingencyCell
		for _, p := range pairs {
			if p.Model == nil || p.Obs == nil {
				cell.NoneCount++
				continue
			}
			m, o := event(*p.Model, t.Value), event(*p.Obs, t.Value)
			switch {
			case m && o:
				cell.Hits++
			case m && !o:
				cell.FalseAlarms++
			case !m && o:
				cell.Misses++
			default:
				cell.CorrectNegatives++
			}
		}
		out[t.Key] = cell
	}
	return out
}

// Sums accumulates the pairs that have both a model and an observation
// value. Pairs with a null side are not counted.
func Sums(pairs []Pair) domain.PartialSums {
	var s domain.PartialSums
	for _, p := range pairs {
		if p.Model == nil || p.Obs == nil {
			continue
		}
		d := *p.Obs - *p.Model
		s.NumRecs++
		s.SumObs += *p.Obs
		s.SumModel += *p.Model
		s.SumDiff += d
		s.Sum2Diff += d * d
		s.SumAbs += math.Abs(d)
	}
	return s
}

// ObsID derives the observation document id that pairs with a model
// document id: the trailing forecast length is dropped and the model name
// is replaced by "obs".
func ObsID(modelID string, fcstLen int64, model string) string {
	id := strings.TrimSuffix(modelID, ":"+strconv.FormatInt(fcstLen, 10))
	return strings.ReplaceAll(id, model, "obs")
}
