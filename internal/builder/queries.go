package builder

// Statements against the document store. Each returns a single JSON column
// that the store decodes into a document.
const (
	stationsQuery = `SELECT body FROM documents
WHERE body->>'type' = 'MD'
  AND body->>'docType' = 'station'
  AND body->>'subset' = $1
  AND body->>'version' = 'V01'`

	regionQuery = `SELECT body FROM documents
WHERE body->>'type' = 'MD'
  AND body->>'docType' = 'region'
  AND body->>'subset' = 'COMMON'
  AND body->>'version' = 'V01'
  AND body->>'name' = $1`

	thresholdsQuery = `SELECT body->'thresholdDescriptions' FROM documents
WHERE body->>'type' = 'MD'
  AND body->>'docType' = 'matsAux'`

	maxEpochQuery = `SELECT jsonb_build_object('max', MAX((body->>'fcstValidEpoch')::bigint)) FROM documents
WHERE body->>'type' = 'DD'
  AND body->>'docType' = $1
  AND body->>'subDocType' = $2
  AND body->>'model' = $3
  AND body->>'region' = $4
  AND body->>'version' = 'V01'
  AND body->>'subset' = $5`

	modelEpochsQuery = `SELECT jsonb_build_object('fcstValidEpoch', body->'fcstValidEpoch', 'fcstLen', body->'fcstLen', 'id', id) FROM documents
WHERE body->>'type' = 'DD'
  AND body->>'docType' = 'model'
  AND body->>'model' = $1
  AND body->>'version' = 'V01'
  AND body->>'subset' = $2
  AND (body->>'fcstValidEpoch')::bigint >= $3
  AND (body->>'fcstValidEpoch')::bigint >= $4
  AND (body->>'fcstValidEpoch')::bigint <= $5
ORDER BY (body->>'fcstValidEpoch')::bigint, (body->>'fcstLen')::bigint`

	obsEpochsQuery = `SELECT jsonb_build_object('fcstValidEpoch', body->'fcstValidEpoch') FROM documents
WHERE body->>'type' = 'DD'
  AND body->>'docType' = 'obs'
  AND body->>'version' = 'V01'
  AND body->>'subset' = $1
  AND (body->>'fcstValidEpoch')::bigint >= $2
  AND (body->>'fcstValidEpoch')::bigint <= $3
ORDER BY (body->>'fcstValidEpoch')::bigint`
)

// LandUseTypesID is the metadata document mapping vegetation-type indices
// to names.
const LandUseTypesID = "MD:LAND_USE_TYPES:COMMON:V01"
