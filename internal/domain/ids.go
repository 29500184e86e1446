package domain

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ISOLayout is the timestamp layout written into documents.
const ISOLayout = "2006-01-02T15:04:05Z"

// ConvertToISO formats an epoch (seconds) as an ISO timestamp. Strings
// holding an integer epoch are accepted; other strings are returned as-is.
func ConvertToISO(v any) (string, error) {
	if s, ok := v.(string); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return EpochToISO(n), nil
		}
		return s, nil
	}
	n, ok := AsInt64(v)
	if !ok {
		return "", fmt.Errorf("convert %T to iso: %w", v, ErrTypeMismatch)
	}
	return EpochToISO(n), nil
}

// EpochToISO formats an epoch in seconds with [ISOLayout].
func EpochToISO(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format(ISOLayout)
}

// DataFileID builds the id of the lineage document recorded for an input file.
func DataFileID(subset, fileType, originType, path string) string {
	return fmt.Sprintf("DF:%s:%s:%s:%s", subset, fileType, originType, filepath.Base(path))
}

// LoadJobID builds the id of the load-job document for one orchestrator run.
func LoadJobID(subset, module, builder string, epoch int64) string {
	return fmt.Sprintf("LJ:%s:%s:%s:%d", subset, module, builder, epoch)
}

// StationID builds the metadata id for a station.
func StationID(subset, name string) string {
	return fmt.Sprintf("MD:V01:%s:station:%s", subset, name)
}

// JobName turns a job id into a file-system friendly name, doubling
// underscores before replacing colons so the mapping stays reversible.
func JobName(id string) string {
	return strings.ReplaceAll(strings.ReplaceAll(id, "_", "__"), ":", "_")
}
