package domain

// ContingencyCell counts the 2x2 contingency outcomes for one threshold at
// one (valid time, forecast length) pair.
type ContingencyCell struct {
	Hits             int `json:"hits"`
	FalseAlarms      int `json:"false_alarms"`
	Misses           int `json:"misses"`
	CorrectNegatives int `json:"correct_negatives"`
	NoneCount        int `json:"none_count"`
}

// Total returns the number of stations that reached classification,
// including those with a null value.
func (c ContingencyCell) Total() int {
	return c.Hits + c.FalseAlarms + c.Misses + c.CorrectNegatives + c.NoneCount
}

// Fields exposes the cell as named values for template substitution.
func (c ContingencyCell) Fields() map[string]any {
	return map[string]any{
		"hits":              c.Hits,
		"false_alarms":      c.FalseAlarms,
		"misses":            c.Misses,
		"correct_negatives": c.CorrectNegatives,
		"none_count":        c.NoneCount,
	}
}

// PartialSums accumulates matched model/observation pairs of one variable
// at one (valid time, forecast length) pair. Differences are obs - model.
type PartialSums struct {
	NumRecs  int     `json:"num_recs"`
	SumObs   float64 `json:"sum_obs"`
	SumModel float64 `json:"sum_model"`
	SumDiff  float64 `json:"sum_diff"`
	Sum2Diff float64 `json:"sum2_diff"`
	SumAbs   float64 `json:"sum_abs"`
}

// Fields exposes the sums as named values for a document's data section.
func (s PartialSums) Fields() map[string]any {
	return map[string]any{
		"num_recs":  s.NumRecs,
		"sum_obs":   s.SumObs,
		"sum_model": s.SumModel,
		"sum_diff":  s.SumDiff,
		"sum2_diff": s.Sum2Diff,
		"sum_abs":   s.SumAbs,
	}
}
