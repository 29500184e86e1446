package domain

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// IngestSpec identifies a builder variant, its source, and the template it
// fills. It is immutable for the duration of a run.
type IngestSpec struct {
	ID          string `json:"id" validate:"required"`
	Type        string `json:"type,omitempty"`
	DocType     string `json:"docType,omitempty"`
	SubType     string `json:"subType,omitempty"`
	BuilderType string `json:"builder_type" validate:"required"`
	Subset      string `json:"subset" validate:"required"`
	Version     string `json:"version,omitempty"`

	// Model and observation source parameters.
	Model      string `json:"model,omitempty"`
	Region     string `json:"region,omitempty"`
	SubDocType string `json:"subDocType,omitempty"`
	OriginType string `json:"originType,omitempty"`
	FileMask   string `json:"fileMask,omitempty"`

	// Relational source parameters. BatchKey names the columns whose
	// combined value declares a document boundary when it changes.
	Statement string   `json:"statement,omitempty"`
	BatchKey  []string `json:"batchKey,omitempty"`

	// Observation time cadence, seconds.
	ValidTimeInterval int64 `json:"validTimeInterval,omitempty" validate:"gte=0"`
	ValidTimeDelta    int64 `json:"validTimeDelta,omitempty" validate:"gte=0"`

	Template Template `json:"template" validate:"required"`
}

// Validate runs struct validation and the template's structural checks.
func (s IngestSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("ingest spec %q: %w", s.ID, err)
	}
	if err := s.Template.Validate(); err != nil {
		return fmt.Errorf("ingest spec %q: %w", s.ID, err)
	}
	return nil
}

// ParseIngestSpec decodes and validates an ingest specification document.
func ParseIngestSpec(doc Document) (IngestSpec, error) {
	var spec IngestSpec
	if err := remarshal(doc, &spec); err != nil {
		return IngestSpec{}, fmt.Errorf("decode ingest spec: %w", err)
	}
	if spec.Subset == "" {
		spec.Subset = spec.Template.Subset()
	}
	if err := spec.Validate(); err != nil {
		return IngestSpec{}, err
	}
	return spec, nil
}

// JobDoc is a scheduled ingest job as stored in the document store.
type JobDoc struct {
	ID                string   `json:"id" validate:"required"`
	Schedule          string   `json:"schedule"`
	OffsetMinutes     int      `json:"offset_minutes" validate:"gte=0"`
	RunPriority       int      `json:"run_priority"`
	SubType           string   `json:"subType" validate:"required"`
	IngestDocumentIDs []string `json:"ingest_document_ids" validate:"required,min=1,dive,required"`
	Status            string   `json:"status"`
	InputDataPath     string   `json:"input_data_path,omitempty"`
	FileMask          string   `json:"file_mask,omitempty"`
	Subset            string   `json:"subset,omitempty"`
}

// Name returns the file-system friendly job name.
func (j JobDoc) Name() string { return JobName(j.ID) }

// ParseJobDoc decodes and validates a job document.
func ParseJobDoc(doc Document) (JobDoc, error) {
	var job JobDoc
	if err := remarshal(doc, &job); err != nil {
		return JobDoc{}, fmt.Errorf("decode job doc: %w", err)
	}
	if err := validate.Struct(job); err != nil {
		return JobDoc{}, fmt.Errorf("job doc %q: %w", job.ID, err)
	}
	return job, nil
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
