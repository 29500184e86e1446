package builder

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/vxingest/internal/domain"
)

const (
	modelID3600 = "DD:V01:METAR:HRRR_OPS:3600:1"
	modelID7200 = "DD:V01:METAR:HRRR_OPS:7200:1"
)

func ctcFixture() *fakeStore {
	return &fakeStore{
		queries: map[string][]domain.Document{
			thresholdsQuery: {{
				"ceiling":    map[string]any{"500": "500 ft", "1000": "1000 ft", "3000": "3000 ft"},
				"visibility": map[string]any{"1": "1 mile"},
			}},
			maxEpochQuery: {{"max": nil}},
			modelEpochsQuery: {
				{"fcstValidEpoch": 3600.0, "fcstLen": 1.0, "id": modelID3600},
				{"fcstValidEpoch": 7200.0, "fcstLen": 1.0, "id": modelID7200},
			},
			obsEpochsQuery: {{"fcstValidEpoch": 3600.0}},
			regionQuery: {{
				"id": "MD:V01:REGION:ALL_HRRR",
				"geo": map[string]any{
					"top_left":     map[string]any{"lat": 50.0, "lon": 230.0},
					"bottom_right": map[string]any{"lat": 20.0, "lon": -60.0},
				},
			}},
			stationsQuery: {
				stationDoc("A", 40, -100, 0, 0, 10000),
				stationDoc("B", 41, -101, 0, 0, 10000),
				stationDoc("C", 45, 10, 0, 0, 10000),
			},
		},
		docs: map[string]domain.Document{
			modelID3600: {
				"id": modelID3600, "fcstValidEpoch": 3600.0, "fcstLen": 1.0,
				"data": map[string]any{
					"A": map[string]any{"Ceiling": 400.0},
					"B": map[string]any{"Ceiling": 2000.0},
					"C": map[string]any{"Ceiling": 100.0},
				},
			},
			"DD:V01:METAR:obs:3600": {
				"id": "DD:V01:METAR:obs:3600",
				"data": map[string]any{
					"A": map[string]any{"Ceiling": 300.0},
					"B": map[string]any{"Ceiling": 800.0},
				},
			},
		},
	}
}

func ctcSpec() domain.IngestSpec {
	return domain.IngestSpec{
		ID: "MD:V01:METAR:HRRR_OPS:ALL_HRRR:CTC:CEILING:ingest", BuilderType: TypeCTCModelOb,
		Subset: "METAR", Model: "HRRR_OPS", Region: "ALL_HRRR", SubDocType: "CEILING",
		Template: domain.Template{
			"id":             "DD:V01:METAR:HRRR_OPS:ALL_HRRR:CTC:CEILING:&handle_time:&handle_fcst_len",
			"type":           "DD",
			"docType":        "CTC",
			"fcstValidEpoch": "&handle_time",
			"fcstValidISO":   "&handle_iso_time",
			"fcstLen":        "&handle_fcst_len",
		},
	}
}

func newTestCTCBuilder(t *testing.T, store *fakeStore) *ctcBuilder {
	t.Helper()
	spec := prepareCTCSpec(ctcSpec())
	b, err := newCTCBuilder(spec, Env{Store: store, Logger: discardLogger(), LastEpoch: 10000})
	require.NoError(t, err)
	cb := b.(*ctcBuilder)
	cb.retryWait = 0
	return cb
}

func TestCTCBuilderBuild(t *testing.T) {
	store := ctcFixture()
	b := newTestCTCBuilder(t, store)

	dm, err := b.Build(context.Background(), "MD:V01:METAR:HRRR_OPS:ALL_HRRR:CTC:CEILING:ingest")
	require.NoError(t, err)
	require.Equal(t, []string{"DD:V01:METAR:HRRR_OPS:ALL_HRRR:CTC:CEILING:3600:1"}, dm.IDs(),
		"7200 has no observation document")

	doc := dm.Values()[0]
	assert.Equal(t, int64(3600), doc["fcstValidEpoch"])
	assert.Equal(t, "1970-01-01T01:00:00Z", doc["fcstValidISO"])
	assert.Equal(t, int64(1), doc["fcstLen"])

	want := map[string]any{
		"500":  map[string]any{"hits": 1, "false_alarms": 0, "misses": 0, "correct_negatives": 1, "none_count": 0},
		"1000": map[string]any{"hits": 1, "false_alarms": 0, "misses": 1, "correct_negatives": 0, "none_count": 0},
		"3000": map[string]any{"hits": 2, "false_alarms": 0, "misses": 0, "correct_negatives": 0, "none_count": 0},
	}
	if diff := cmp.Diff(want, doc["data"]); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	assert.NotContains(t, store.gets, modelID7200)
}

func TestCTCBuilderRetriesTimeouts(t *testing.T) {
	store := ctcFixture()
	store.timeouts = map[string]int{maxEpochQuery: 2, obsEpochsQuery: 1}
	b := newTestCTCBuilder(t, store)

	dm, err := b.Build(context.Background(), "unit")
	require.NoError(t, err)
	assert.Len(t, dm, 1)
}

func TestCTCBuilderGivesUpAfterThreeTimeouts(t *testing.T) {
	store := ctcFixture()
	store.timeouts = map[string]int{modelEpochsQuery: 3}
	b := newTestCTCBuilder(t, store)

	_, err := b.Build(context.Background(), "unit")
	require.ErrorIs(t, err, domain.ErrQueryTimeout)
}

func TestCTCBuilderSkipsMissingModelDocument(t *testing.T) {
	store := ctcFixture()
	delete(store.docs, modelID3600)
	b := newTestCTCBuilder(t, store)

	dm, err := b.Build(context.Background(), "unit")
	require.NoError(t, err)
	assert.Empty(t, dm)
}

func TestPrepareCTCSpecKeepsExplicitData(t *testing.T) {
	spec := ctcSpec()
	spec.Template["data"] = map[string]any{"*threshold": map[string]any{"h": "*hits"}}
	got := prepareCTCSpec(spec)
	assert.Equal(t, spec.Template["data"], got.Template["data"])

	bare := ctcSpec()
	prepared := prepareCTCSpec(bare)
	assert.False(t, bare.Template.HasData(), "the caller's template is not modified")
	assert.True(t, prepared.Template.HasData())
}

// withSecondFcstLen adds a 2-hour forecast for the 3600 valid time that
// pairs with the same observation document.
func withSecondFcstLen(store *fakeStore) string {
	id := "DD:V01:METAR:HRRR_OPS:3600:2"
	store.queries[modelEpochsQuery] = []domain.Document{
		{"fcstValidEpoch": 3600.0, "fcstLen": 1.0, "id": modelID3600},
		{"fcstValidEpoch": 3600.0, "fcstLen": 2.0, "id": id},
	}
	store.docs[id] = domain.Document{
		"id": id, "fcstValidEpoch": 3600.0, "fcstLen": 2.0,
		"data": map[string]any{
			"A": map[string]any{"Ceiling": 600.0},
			"B": map[string]any{"Ceiling": 700.0},
		},
	}
	return id
}

func TestCTCBuilderReusesObservationAcrossFcstLens(t *testing.T) {
	store := ctcFixture()
	withSecondFcstLen(store)
	b := newTestCTCBuilder(t, store)

	dm, err := b.Build(context.Background(), "unit")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"DD:V01:METAR:HRRR_OPS:ALL_HRRR:CTC:CEILING:3600:1",
		"DD:V01:METAR:HRRR_OPS:ALL_HRRR:CTC:CEILING:3600:2",
	}, dm.IDs())

	obsGets := 0
	for _, id := range store.gets {
		if id == "DD:V01:METAR:obs:3600" {
			obsGets++
		}
	}
	assert.Equal(t, 1, obsGets)
}

func TestCTCBuilderSkipsEmptyObservationForEveryFcstLen(t *testing.T) {
	store := ctcFixture()
	withSecondFcstLen(store)
	store.docs["DD:V01:METAR:obs:3600"] = domain.Document{
		"id":   "DD:V01:METAR:obs:3600",
		"data": map[string]any{},
	}
	b := newTestCTCBuilder(t, store)

	dm, err := b.Build(context.Background(), "unit")
	require.NoError(t, err)
	assert.Empty(t, dm.IDs(), "an observation document without data yields no tables")
}
