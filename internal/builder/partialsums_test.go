package builder

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/vxingest/internal/domain"
)

func sumsSpec() domain.IngestSpec {
	return domain.IngestSpec{
		ID: "MD:V01:METAR:HRRR_OPS:ALL_HRRR:SUMS:SURFACE:ingest", BuilderType: TypePartialSums,
		Subset: "METAR", Model: "HRRR_OPS", Region: "ALL_HRRR", SubDocType: "SURFACE",
		Template: domain.Template{
			"id":             "DD:V01:METAR:HRRR_OPS:ALL_HRRR:SUMS:SURFACE:&handle_time:&handle_fcst_len",
			"type":           "DD",
			"docType":        "PARTIALSUMS",
			"fcstValidEpoch": "&handle_time",
			"fcstLen":        "&handle_fcst_len",
			"data": map[string]any{
				"Ceiling":    "&handle_sum|*Ceiling",
				"Visibility": "&handle_sum|*Visibility",
			},
		},
	}
}

func newTestSumsBuilder(t *testing.T, store *fakeStore, spec domain.IngestSpec) *sumsBuilder {
	t.Helper()
	require.NoError(t, ValidateSpec(spec))
	b, err := newSumsBuilder(preparePartialSumsSpec(spec), Env{Store: store, Logger: discardLogger(), LastEpoch: 10000})
	require.NoError(t, err)
	sb := b.(*sumsBuilder)
	sb.retryWait = 0
	return sb
}

func TestSumsBuilderBuild(t *testing.T) {
	store := ctcFixture()
	b := newTestSumsBuilder(t, store, sumsSpec())

	dm, err := b.Build(context.Background(), "MD:V01:METAR:HRRR_OPS:ALL_HRRR:SUMS:SURFACE:ingest")
	require.NoError(t, err)
	require.Equal(t, []string{"DD:V01:METAR:HRRR_OPS:ALL_HRRR:SUMS:SURFACE:3600:1"}, dm.IDs(),
		"7200 has no observation document")

	doc := dm.Values()[0]
	assert.Equal(t, "PARTIALSUMS", doc["docType"])
	assert.Equal(t, int64(3600), doc["fcstValidEpoch"])
	assert.Equal(t, int64(1), doc["fcstLen"])
	assert.NotContains(t, doc, "id")

	// A: obs 300, model 400. B: obs 800, model 2000.
	want := map[string]any{
		"Ceiling": map[string]any{
			"num_recs": 2, "sum_obs": 1100.0, "sum_model": 2400.0,
			"sum_diff": -1300.0, "sum2_diff": 1450000.0, "sum_abs": 1300.0,
		},
		"Visibility": map[string]any{
			"num_recs": 0, "sum_obs": 0.0, "sum_model": 0.0,
			"sum_diff": 0.0, "sum2_diff": 0.0, "sum_abs": 0.0,
		},
	}
	if diff := cmp.Diff(want, doc["data"]); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestSumsBuilderDefaultsToSubDocTypeVariable(t *testing.T) {
	store := ctcFixture()
	spec := sumsSpec()
	spec.SubDocType = "CEILING"
	delete(spec.Template, "data")
	b := newTestSumsBuilder(t, store, spec)

	dm, err := b.Build(context.Background(), "unit")
	require.NoError(t, err)
	require.Len(t, dm, 1)
	data, ok := dm.Values()[0]["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"Ceiling"}, keys(data))
}

func TestSumsBuilderSkipsEmptyObservation(t *testing.T) {
	store := ctcFixture()
	withSecondFcstLen(store)
	store.docs["DD:V01:METAR:obs:3600"] = domain.Document{"id": "DD:V01:METAR:obs:3600", "data": map[string]any{}}
	b := newTestSumsBuilder(t, store, sumsSpec())

	dm, err := b.Build(context.Background(), "unit")
	require.NoError(t, err)
	assert.Empty(t, dm)
}

func TestSumsBuilderRequiresRegion(t *testing.T) {
	spec := preparePartialSumsSpec(sumsSpec())
	spec.Region = ""
	_, err := newSumsBuilder(spec, Env{Store: &fakeStore{}, Logger: discardLogger()})
	require.Error(t, err)
}

func TestPreparePartialSumsSpecIsIdempotent(t *testing.T) {
	spec := sumsSpec()
	once := preparePartialSumsSpec(spec)
	twice := preparePartialSumsSpec(once)
	assert.Equal(t, once.Template, twice.Template)
	assert.Equal(t, spec.Template["data"], once.Template["data"].(map[string]any)[sumsDataKey])

	_, ok := spec.Template["data"].(map[string]any)[sumsDataKey]
	assert.False(t, ok, "the caller's template is not modified")
}
