// Command validate checks ingest specification and job documents before
// they are loaded into the document store. It decodes every document,
// verifies that each specification names a registered builder, and fails
// if a template calls a named function that builder does not provide.
//
// Usage:
//
//	go run ./cmd/validate -dir docs/ingest
//	go run ./cmd/validate spec1.json spec2.json
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/couchcryptid/vxingest/internal/builder"
	"github.com/couchcryptid/vxingest/internal/domain"
	"github.com/couchcryptid/vxingest/internal/scheduler"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// source is one document with the file it came from.
type source struct {
	file string
	doc  domain.Document
}

func main() {
	dir := flag.String("dir", "", "directory of JSON documents to check")
	flag.Parse()

	files := flag.Args()
	if *dir != "" {
		matches, err := filepath.Glob(filepath.Join(*dir, "*.json"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(1)
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(files); code != 0 {
		os.Exit(code)
	}
}

func run(files []string) int {
	fmt.Println("=== Ingest Document Validation ===")
	fmt.Println()

	var docs []source
	for _, f := range files {
		loaded, err := loadDocuments(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load %s: %v\n", f, err)
			return 1
		}
		for _, d := range loaded {
			docs = append(docs, source{file: f, doc: d})
		}
	}

	specs, jobs := split(docs)
	specPhase, parsed := validateSpecs(specs)
	phases := []*phase{
		specPhase,
		validateCapabilities(parsed),
		validateJobs(jobs, parsed),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Documents: %d ingest specs, %d jobs, %d files\n", len(specs), len(jobs), len(files))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// loadDocuments reads a file holding either one document or an array.
func loadDocuments(path string) ([]domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var docs []domain.Document
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	}
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return []domain.Document{doc}, nil
}

// split separates job documents from ingest specifications. Other
// documents are ignored.
func split(docs []source) (specs, jobs []source) {
	for _, d := range docs {
		switch {
		case d.doc["type"] == "JOB" || d.doc["type"] == "JOB-TEST":
			jobs = append(jobs, d)
		case d.doc["builder_type"] != nil:
			specs = append(specs, d)
		}
	}
	return specs, jobs
}

// ── Phase 1: Decoding ──

func validateSpecs(specs []source) (*phase, map[string]domain.IngestSpec) {
	p := &phase{name: "Phase 1: Ingest specs decode"}
	parsed := make(map[string]domain.IngestSpec, len(specs))
	for _, s := range specs {
		spec, err := domain.ParseIngestSpec(s.doc)
		if err != nil {
			p.errorf("%s (%s): %v", s.doc.ID(), s.file, err)
			continue
		}
		if _, dup := parsed[spec.ID]; dup {
			p.errorf("%s (%s): duplicate id", spec.ID, s.file)
		}
		parsed[spec.ID] = spec
	}
	return p, parsed
}

// ── Phase 2: Builder capabilities ──

func validateCapabilities(specs map[string]domain.IngestSpec) *phase {
	p := &phase{name: "Phase 2: Template functions registered"}
	ids := make([]string, 0, len(specs))
	for id := range specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		err := builder.ValidateSpec(specs[id])
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrUnknownBuilder):
			p.errorf("%s: builder %q is not registered (have %s)", id, specs[id].BuilderType, strings.Join(builder.Types(), ", "))
		default:
			p.errorf("%s: %v", id, err)
		}
	}
	return p
}

// ── Phase 3: Jobs ──

func validateJobs(jobs []source, specs map[string]domain.IngestSpec) *phase {
	p := &phase{name: "Phase 3: Job documents"}
	for _, j := range jobs {
		job, err := domain.ParseJobDoc(j.doc)
		if err != nil {
			p.errorf("%s (%s): %v", j.doc.ID(), j.file, err)
			continue
		}
		if _, err := scheduler.ParseSchedule(job.Schedule); err != nil {
			p.errorf("%s: %v", job.ID, err)
		}
		for _, id := range job.IngestDocumentIDs {
			spec, ok := specs[id]
			if !ok {
				// The spec may already be in the store.
				continue
			}
			if builder.UsesFiles(spec.BuilderType) && job.InputDataPath == "" {
				p.errorf("%s: %s reads files but the job has no input_data_path", job.ID, id)
			}
		}
	}
	return p
}
