package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/vxingest/internal/domain"
)

type fakeQuerier struct {
	docs []domain.Document
	err  error
	args []any
}

func (q *fakeQuerier) Query(_ context.Context, _ string, args ...any) ([]domain.Document, error) {
	q.args = args
	return q.docs, q.err
}

func touch(t *testing.T, dir, name string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestFileList(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 4, 26, 15, 0, 0, 0, time.UTC)

	newest := touch(t, dir, "20240426_1600.nc", base.Add(2*time.Hour))
	oldest := touch(t, dir, "20240426_1400.nc", base)
	middle := touch(t, dir, "20240426_1500.nc.gz", base.Add(time.Hour))
	touch(t, dir, "README.nc", base)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "20240426_1700.nc"), 0o755))

	q := &fakeQuerier{}
	got, err := FileList(context.Background(), q, FileQuery{Dir: dir, Pattern: "*.nc*", Mask: "%Y%m%d_%H%M"})
	require.NoError(t, err)

	assert.Equal(t, []string{oldest, middle, newest}, got)
	assert.Equal(t, []any{filepath.Clean(dir) + string(filepath.Separator) + "%"}, q.args)
}

func TestFileList_SkipsIngestedFiles(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 4, 26, 15, 0, 0, 0, time.UTC)

	unchanged := touch(t, dir, "20240426_1400.nc", base)
	updated := touch(t, dir, "20240426_1500.nc", base.Add(time.Hour))
	fresh := touch(t, dir, "20240426_1600.nc", base.Add(2*time.Hour))

	q := &fakeQuerier{docs: []domain.Document{
		{"url": unchanged, "mtime": float64(base.Unix())},
		{"url": updated, "mtime": float64(base.Unix())},
		{"url": "", "mtime": float64(0)},
	}}
	got, err := FileList(context.Background(), q, FileQuery{Dir: dir})
	require.NoError(t, err)

	assert.Equal(t, []string{updated, fresh}, got)
}

func TestFileList_QueryError(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.nc", time.Now())

	_, err := FileList(context.Background(), &fakeQuerier{err: errors.New("breaker open")}, FileQuery{Dir: dir})
	require.ErrorContains(t, err, "breaker open")
}

func TestFileList_BadPattern(t *testing.T) {
	_, err := FileList(context.Background(), &fakeQuerier{}, FileQuery{Dir: t.TempDir(), Pattern: "[a"})
	require.Error(t, err)
}
