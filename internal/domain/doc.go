// Package domain models the documents produced by the verification ingest
// service and the metadata documents it consumes.
//
// # Document Identifiers
//
// Every document is keyed by a colon-delimited identifier whose first segment
// is the document type and whose remaining segments are type specific:
//
//	DD:V01:METAR:obs:1700000000              observation data document
//	DD:V01:METAR:HRRR_OPS:1700000000:6       model data document (valid time, forecast length)
//	DD:V01:CTC:Ceiling:HRRR_OPS:ALL_HRRR:... contingency table document
//	MD:V01:METAR:station:KDEN                station metadata
//	DF:METAR:netcdf:madis:20231114_2200      data-file lineage document
//	LJ:METAR:vxingest.scheduler:NetcdfMetarObsBuilderV01:1700000300  load-job lineage document
//
// The first segment is the data-type key used to group upserts. For data
// documents the second segment is the schema version tag.
//
// # Time Conventions
//
// All times are UTC. Epochs are integer seconds. Forecast lengths are hours.
// ISO timestamps use the layout "2006-01-02T15:04:05Z" (see [ConvertToISO]).
//
// # Stations
//
// A station carries a list of geo entries, each bracketed by the first and
// last valid time at which the station was observed at that location. The
// list is ordered by first-seen time and never holds two entries with the
// same (lat, lon, elev). [GeoIndex] picks the entry that covers a valid time.
//
// # Contingency Tables
//
// A [ContingencyCell] accumulates hits, misses, false alarms, correct
// negatives, and a none-count for one threshold. A model or observed value
// "meets" a threshold when it is strictly less than the threshold, which is
// the convention for ceiling and visibility where low values are the event.
package domain
