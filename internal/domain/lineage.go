package domain

import (
	"os"
	"path/filepath"
)

// LoadJob describes one orchestrator run for lineage purposes.
type LoadJob struct {
	ID        string
	Subset    string
	LineageID string
	Script    string
	Version   string
	LoadSpec  string
	Note      string
}

// NewLoadJob builds the load-job record for a run started now. The script
// version comes from the COMMIT environment variable.
func NewLoadJob(subset, module, builder, lineageID, loadSpec string) LoadJob {
	version := os.Getenv("COMMIT")
	if version == "" {
		version = "unknown"
	}
	return LoadJob{
		ID:        LoadJobID(subset, module, builder, Now().Unix()),
		Subset:    subset,
		LineageID: lineageID,
		Script:    module,
		Version:   version,
		LoadSpec:  loadSpec,
	}
}

// Document renders the load-job lineage document.
func (lj LoadJob) Document() Document {
	return Document{
		"id":            lj.ID,
		"subset":        lj.Subset,
		"type":          "LJ",
		"lineageId":     lj.LineageID,
		"script":        lj.Script,
		"scriptVersion": lj.Version,
		"loadSpec":      lj.LoadSpec,
		"note":          lj.Note,
	}
}

// DataFile describes an ingested input file.
type DataFile struct {
	Path          string
	ModTime       int64
	Subset        string
	FileType      string
	OriginType    string
	LoadJobID     string
	DataSourceID  string
	Projection    string
	Interpolation string
}

// ID returns the data-file document id.
func (df DataFile) ID() string {
	return DataFileID(df.Subset, df.FileType, df.OriginType, df.Path)
}

// Document renders the data-file lineage document.
func (df DataFile) Document() Document {
	doc := Document{
		"id":           df.ID(),
		"mtime":        df.ModTime,
		"subset":       df.Subset,
		"type":         "DF",
		"fileType":     df.FileType,
		"originType":   df.OriginType,
		"loadJobId":    df.LoadJobID,
		"dataSourceId": df.DataSourceID,
		"url":          filepath.Clean(df.Path),
	}
	if df.Projection != "" {
		doc["projection"] = df.Projection
	}
	if df.Interpolation != "" {
		doc["interpolation"] = df.Interpolation
	}
	return doc
}

// StatDataFile fills ModTime from the file system.
func StatDataFile(df DataFile) (DataFile, error) {
	info, err := os.Stat(df.Path)
	if err != nil {
		return df, err
	}
	df.ModTime = info.ModTime().Unix()
	return df, nil
}
