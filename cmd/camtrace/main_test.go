package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camtrace/internal/capture"
	"camtrace/internal/model"
)

// execute runs the CLI with args and an isolated config and data dir.
func execute(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CAMTRACE_DATA_DIR", dir)

	hasConfig := false
	for _, a := range args {
		if a == "--config" {
			hasConfig = true
		}
	}
	if !hasConfig {
		args = append(args, "--config", filepath.Join(dir, "absent.toml"))
	}

	var out, errb bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errb)
	root.SetIn(strings.NewReader(stdin))
	err = root.Execute()
	return out.String(), errb.String(), err
}

func decodeResult(t *testing.T, data []byte) *model.AnalysisResult {
	t.Helper()
	var result model.AnalysisResult
	require.NoError(t, json.Unmarshal(data, &result))
	return &result
}

func TestAnalyzeFile(t *testing.T) {
	stdout, stderr, err := execute(t, "", "analyze", "testdata/photo.json")
	require.NoError(t, err)
	assert.Contains(t, stderr, "1 of 7 records rejected")

	result := decodeResult(t, []byte(stdout))
	assert.True(t, result.Success)
	require.Len(t, result.Sessions, 1)
	require.Len(t, result.Captures, 1)

	c := result.Captures[0]
	assert.Equal(t, capture.GenericPattern, c.Strategy)
	assert.InDelta(t, 0.9, c.Score, 1e-9)
	assert.Equal(t, "com.sec.android.app.camera", c.PackageName)
	assert.Equal(t, []string{c.ID}, result.Sessions[0].CaptureIDs)
	assert.Equal(t, 6, result.Summary.InputEvents)
}

func TestAnalyzeStdinNDJSON(t *testing.T) {
	input := `{"id":"a","timestamp":"2024-05-02T14:00:00Z","event_type":"CAMERA_CONNECT","source":"media.camera","package_name":"com.android.camera"}
{"id":"b","timestamp":"2024-05-02T14:00:05Z","event_type":"CAMERA_DISCONNECT","source":"media.camera","package_name":"com.android.camera"}
`
	stdout, _, err := execute(t, input, "analyze", "--format", "ndjson", "-")
	require.NoError(t, err)

	result := decodeResult(t, []byte(stdout))
	require.Len(t, result.Sessions, 1)
	assert.Empty(t, result.Captures)
	assert.Equal(t, 1, result.Summary.UsedWithoutCapture)
}

func TestAnalyzeOutputFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out", "result.json")
	stdout, _, err := execute(t, "", "analyze", "-o", out, "testdata/photo.json")
	require.NoError(t, err)
	assert.Empty(t, stdout)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	result := decodeResult(t, data)
	assert.Len(t, result.Captures, 1)
}

func TestAnalyzeBadFormat(t *testing.T) {
	_, _, err := execute(t, "", "analyze", "--format", "xml", "testdata/photo.json")
	require.Error(t, err)
}

func TestAnalyzeMissingFile(t *testing.T) {
	_, _, err := execute(t, "", "analyze", "testdata/absent.json")
	require.Error(t, err)
}

func TestAnalyzeStoresRun(t *testing.T) {
	db := filepath.Join(t.TempDir(), "runs.db")
	_, _, err := execute(t, "", "analyze", "--db", db, "testdata/photo.json")
	require.NoError(t, err)

	stdout, _, err := execute(t, "", "runs", "list", "--db", db)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "RUN"))
	runID := strings.Fields(lines[1])[0]

	stdout, _, err = execute(t, "", "runs", "show", "--db", db, runID)
	require.NoError(t, err)
	result := decodeResult(t, []byte(stdout))
	assert.Len(t, result.Captures, 1)

	stdout, _, err = execute(t, "", "runs", "verify", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, stdout, "all runs ok")

	stdout, _, err = execute(t, "", "runs", "verify", "--db", db, runID)
	require.NoError(t, err)
	assert.Contains(t, stdout, runID+": ok")

	_, _, err = execute(t, "", "runs", "show", "--db", db, "missing")
	require.Error(t, err)

	stdout, _, err = execute(t, "", "runs", "sessions", "--db", db, runID)
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "none")

	stdout, _, err = execute(t, "", "runs", "captures", "--db", db, runID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "0.90")

	stdout, _, err = execute(t, "", "runs", "captures", "--db", db,
		"--from", "2024-05-02T00:00:00Z", "--to", "2024-05-03T00:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, stdout, capture.GenericPattern)

	stdout, _, err = execute(t, "", "runs", "captures", "--db", db, "--from", "2024-06-01T00:00:00Z")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(stdout), "\n"), 1, "header only")

	_, _, err = execute(t, "", "runs", "captures", "--db", db)
	require.Error(t, err, "a run id or --from is required")

	stdout, _, err = execute(t, "", "runs", "stats", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, stdout, "runs: 1\nsessions: 1\ncaptures: 1")

	stdout, _, err = execute(t, "", "runs", "delete", "--db", db, runID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "deleted "+runID)

	stdout, _, err = execute(t, "", "runs", "stats", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, stdout, "runs: 0")
	assert.Contains(t, stdout, "last run: never")

	_, _, err = execute(t, "", "runs", "delete", "--db", db, runID)
	require.Error(t, err)
}

func TestRunsSchema(t *testing.T) {
	db := filepath.Join(t.TempDir(), "runs.db")
	stdout, _, err := execute(t, "", "runs", "schema", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, stdout, "schema version 2 (latest 2)")
	assert.Contains(t, stdout, "session_events")
	assert.NotContains(t, stdout, "pending")
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	stdout, _, err := execute(t, "", "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "wrote "+path+" (4 strategies, 11 weights)")

	_, _, err = execute(t, "", "config", "init", path)
	require.Error(t, err, "init must not overwrite without --force")

	_, _, err = execute(t, "", "config", "init", "--force", path)
	require.NoError(t, err)

	stdout, stderr, err := execute(t, "", "config", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "ok (4 strategies, 11 weights)")
	assert.NotContains(t, stderr, "warning")
}

func TestConfigValidateReportsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[analysis]
event_correlation_window_ms = 0

[weights]
VIBRATION_EVENT = 1.5
`), 0600))

	_, stderr, err := execute(t, "", "config", "validate", path)
	require.Error(t, err)
	assert.Contains(t, stderr, "analysis.event_correlation_window_ms")
	assert.Contains(t, stderr, "weights.VIBRATION_EVENT")
}

func TestConfigValidateWarnings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[strategies]]
name = "fallback"
kind = "generic"
credits = ["DATABASE_INSERT", "SHUTTER_SOUND"]
`), 0600))

	stdout, stderr, err := execute(t, "", "config", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "ok (1 strategies")
	assert.Contains(t, stderr, "warning: strategies.fallback.credits")
	assert.Contains(t, stderr, "SHUTTER_SOUND")
}

func TestWeights(t *testing.T) {
	stdout, _, err := execute(t, "", "weights")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, len(capture.DefaultWeights())+1)
	assert.True(t, strings.HasPrefix(lines[0], "EVENT TYPE"))
	assert.True(t, strings.HasPrefix(lines[1], model.ArtifactDatabaseInsert))
	assert.True(t, strings.HasPrefix(lines[2], model.ArtifactSilentCameraCapture))
	assert.Contains(t, lines[1], "0.50")
}

func TestWeightsFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[weights]\nPLAYER_EVENT = 0.9\n"), 0600))

	stdout, _, err := execute(t, "", "--config", path, "weights")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	assert.True(t, strings.HasPrefix(lines[1], model.ArtifactPlayerEvent))
}

func TestResultPath(t *testing.T) {
	in := filepath.Join("inbox", "pixel-7.ndjson")
	assert.Equal(t, filepath.Join("inbox", "pixel-7.result.json"), resultPath(in, ""))
	assert.Equal(t, filepath.Join("out", "pixel-7.result.json"), resultPath(in, "out"))

	assert.True(t, isResultFile(resultPath(in, "")))
	assert.False(t, isResultFile(in))
}

func TestWatchRequiresDir(t *testing.T) {
	_, _, err := execute(t, "", "watch")
	assert.Error(t, err)
}
