// Command loaddocs loads JSON documents into the document store: ingest
// specifications, job documents, metadata, or the output files of a run
// made without WRITE_TO_STORE. Each file holds one document or an array.
//
// Usage:
//
//	go run ./cmd/loaddocs -credentials credentials.yaml docs/*.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/couchcryptid/vxingest/internal/adapter/docstore"
	"github.com/couchcryptid/vxingest/internal/config"
	"github.com/couchcryptid/vxingest/internal/domain"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	credsFile := flag.String("credentials", "./credentials.yaml", "YAML credentials file")
	batchSize := flag.Int("batch-size", 50, "documents per upsert batch")
	dryRun := flag.Bool("dry-run", false, "decode and count documents without writing")
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return fmt.Errorf("no input files")
	}

	var docs []domain.Document //nolint:prealloc // size depends on file contents
	for _, path := range flag.Args() {
		loaded, err := readDocuments(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		docs = append(docs, loaded...)
		log.Printf("%s: %d documents", path, len(loaded))
	}
	for i, d := range docs {
		if d.ID() == "" {
			return fmt.Errorf("document %d has no id", i)
		}
	}

	printStats(docs)
	if *dryRun {
		return nil
	}

	creds, err := config.LoadCredentials(*credsFile)
	if err != nil {
		return err
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store, err := docstore.Open(ctx, docstore.Options{DSN: creds.PostgresDSN(), BatchSize: *batchSize}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := store.Upsert(ctx, docs); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	log.Printf("loaded %d documents", len(docs))
	return nil
}

func readDocuments(path string) ([]domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
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

// printStats reports document counts by data type key.
func printStats(docs []domain.Document) {
	counts := map[string]int{}
	for _, d := range docs {
		counts[domain.DataTypeKey(d.ID())]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Println("\n=== Documents by type ===")
	for _, k := range keys {
		fmt.Printf("  %-6s %d\n", k, counts[k])
	}
	fmt.Printf("  %-6s %d\n", "total", len(docs))
}
