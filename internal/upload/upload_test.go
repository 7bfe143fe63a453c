package upload_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"memtracker/internal/tracker"
	"memtracker/internal/tracker/trackertest"
	"memtracker/internal/upload"
	"memtracker/pkg/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeOutput(t *testing.T, sha, configArgs string) string {
	t.Helper()
	dir := t.TempDir()
	meta, err := json.Marshal(map[string]any{
		"commit":         map[string]any{"hexsha": sha},
		"version":        map[string]any{"major": 3, "minor": 13, "micro": 1},
		"configure_vars": map[string]any{"CONFIG_ARGS": configArgs},
	})
	require.NoError(t, err)
	files := map[string]string{
		"metadata.json":        string(meta),
		"dict_stats.json":      `{"metadata":{"peak_memory":10}}`,
		"dict_flamegraph.html": "<html>dict</html>",
		"dict.bin":             "raw",
		"list_stats.json":      `{"metadata":{"peak_memory":20}}`,
		"list_flamegraph.html": "<html>list</html>",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func fake(t *testing.T) (*trackertest.Server, *upload.Uploader) {
	t.Helper()
	srv := trackertest.New("tok")
	t.Cleanup(srv.Close)
	srv.AddBinary(api.Binary{ID: "optimized", Flags: []string{"--enable-optimizations"}})
	srv.AddEnvironment(api.Environment{ID: "gh-actions"})
	return srv, upload.New(tracker.New(srv.URL, "tok"), discard)
}

func TestBuild(t *testing.T) {
	dir := writeOutput(t, "abc123", "")

	req, err := upload.Build(dir, "optimized", "gh-actions")
	require.NoError(t, err)
	assert.Equal(t, "optimized", req.BinaryID)
	assert.Equal(t, "gh-actions", req.EnvironmentID)
	require.Len(t, req.BenchmarkResults, 2)
	assert.Equal(t, "dict", req.BenchmarkResults[0].BenchmarkName)
	assert.Equal(t, "<html>dict</html>", req.BenchmarkResults[0].FlamegraphHTML)
	assert.JSONEq(t, `{"metadata":{"peak_memory":20}}`, string(req.BenchmarkResults[1].StatsJSON))
}

func TestBuild_MissingMetadata(t *testing.T) {
	dir := writeOutput(t, "abc123", "")
	require.NoError(t, os.Remove(filepath.Join(dir, "metadata.json")))

	_, err := upload.Build(dir, "b", "e")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuild_NoResults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(`{}`), 0o644))

	_, err := upload.Build(dir, "b", "e")
	assert.ErrorIs(t, err, upload.ErrNoResults)
}

func TestBuild_MissingFlamegraph(t *testing.T) {
	dir := writeOutput(t, "abc123", "")
	require.NoError(t, os.Remove(filepath.Join(dir, "list_flamegraph.html")))

	req, err := upload.Build(dir, "b", "e")
	require.NoError(t, err)
	require.Len(t, req.BenchmarkResults, 2)
	byName := map[string]api.BenchmarkResult{}
	for _, r := range req.BenchmarkResults {
		byName[r.BenchmarkName] = r
	}
	assert.Empty(t, byName["list"].FlamegraphHTML)
	assert.JSONEq(t, `{"metadata":{"peak_memory":20}}`, string(byName["list"].StatsJSON))
	assert.Equal(t, "<html>dict</html>", byName["dict"].FlamegraphHTML)
}

func TestBuild_UnreadableFlamegraph(t *testing.T) {
	dir := writeOutput(t, "abc123", "")
	path := filepath.Join(dir, "list_flamegraph.html")
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o755))

	_, err := upload.Build(dir, "b", "e")
	assert.Error(t, err)
}

func TestUpload_DuplicateIsConflict(t *testing.T) {
	srv, u := fake(t)
	dir := writeOutput(t, "deadbeefcafe", "'--enable-optimizations'")

	resp, err := u.Upload(context.Background(), dir, "optimized", "gh-actions")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.ResultsCreated)

	_, err = u.Upload(context.Background(), dir, "optimized", "gh-actions")
	var cerr *tracker.ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Len(t, srv.Uploads(), 1)

	// Local artifacts survive both outcomes.
	assert.FileExists(t, filepath.Join(dir, "dict_stats.json"))
}

func TestUpload_FlagSubsetRejected(t *testing.T) {
	_, u := fake(t)
	dir := writeOutput(t, "deadbeefcafe", "'--with-lto'")

	_, err := u.Upload(context.Background(), dir, "optimized", "gh-actions")
	var verr *tracker.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Detail, "requires configure flags")
}
