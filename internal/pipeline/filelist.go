package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/couchcryptid/vxingest/internal/domain"
)

// Querier runs ad hoc statements against the document store.
type Querier interface {
	Query(ctx context.Context, stmt string, args ...any) ([]domain.Document, error)
}

const ingestedFilesQuery = `SELECT jsonb_build_object('url', body->'url', 'mtime', body->'mtime') FROM documents
WHERE body->>'type' = 'DF'
  AND body->>'url' LIKE $1`

// FileQuery selects the input files of a file-based job.
type FileQuery struct {
	Dir     string
	Pattern string
	Mask    string
}

type candidate struct {
	path  string
	mtime int64
}

// FileList returns the files in q.Dir matching q.Pattern, oldest first.
// When q.Mask is set, only files whose name before the first '.' parses
// with the mask are kept. Files already ingested with the same or a newer
// modification time are skipped.
func FileList(ctx context.Context, store Querier, q FileQuery) ([]string, error) {
	pattern := q.Pattern
	if pattern == "" {
		pattern = "*"
	}
	matches, err := filepath.Glob(filepath.Join(q.Dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}

	files := make([]candidate, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if q.Mask != "" && !matchesMask(m, q.Mask) {
			continue
		}
		files = append(files, candidate{path: filepath.Clean(m), mtime: info.ModTime().Unix()})
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].mtime < files[j].mtime })

	seen, err := ingested(ctx, store, q.Dir)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(files))
	for _, f := range files {
		if mtime, ok := seen[f.path]; ok && mtime >= f.mtime {
			continue
		}
		out = append(out, f.path)
	}
	return out, nil
}

func matchesMask(path, mask string) bool {
	stem, _, _ := strings.Cut(filepath.Base(path), ".")
	_, err := domain.ParseMasked(stem, mask)
	return err == nil
}

// ingested maps the url of every data-file document under dir to its
// recorded modification time.
func ingested(ctx context.Context, store Querier, dir string) (map[string]int64, error) {
	prefix := strings.TrimSuffix(filepath.Clean(dir), string(filepath.Separator)) + string(filepath.Separator)
	docs, err := store.Query(ctx, ingestedFilesQuery, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("query ingested files: %w", err)
	}
	seen := make(map[string]int64, len(docs))
	for _, d := range docs {
		url, _ := d["url"].(string)
		mtime, ok := domain.AsInt64(d["mtime"])
		if url == "" || !ok {
			continue
		}
		seen[filepath.Clean(url)] = mtime
	}
	return seen, nil
}
