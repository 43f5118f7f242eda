package watchreport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heidpi/loggerbench/pkg/watcher"
	"github.com/heidpi/loggerbench/pkg/watchreport"
)

func TestMissingRanges(t *testing.T) {
	cases := []struct {
		name    string
		ids     []uint64
		missing uint64
		ranges  []string
	}{
		{"empty", nil, 0, []string{}},
		{"single", []uint64{7}, 0, []string{}},
		{"contiguous", []uint64{1, 2, 3, 4}, 0, []string{}},
		{"one missing", []uint64{1, 3}, 1, []string{"2"}},
		{"range missing", []uint64{1, 5}, 3, []string{"2-4"}},
		{"unsorted with duplicates", []uint64{9, 1, 2, 2, 4, 6}, 4, []string{"3", "5", "7-8"}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			missing, ranges := watchreport.MissingRanges(c.ids)
			assert.Equal(t, c.missing, missing)
			assert.Equal(t, c.ranges, ranges)
		})
	}
}

func TestMissingRangesDoesNotModifyInput(t *testing.T) {
	ids := []uint64{3, 1, 2}
	watchreport.MissingRanges(ids)
	assert.Equal(t, []uint64{3, 1, 2}, ids)
}

func writeCompanion(t *testing.T, path string, lines ...any) {
	t.Helper()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, l := range lines {
		if s, ok := l.(string); ok {
			buf.WriteString(s + "\n")
			continue
		}
		require.NoError(t, enc.Encode(l))
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func sample(id uint64, latency uint64) watcher.SampleRecord {
	return watcher.SampleRecord{PacketID: id, GeneratorTS: 1_000_000, WatcherTS: 1_000_000 + latency}
}

func TestAnalyze(t *testing.T) {
	var lines []any
	// ids 1..100 with 50 and 51 lost; latency equals the id
	for id := uint64(1); id <= 100; id++ {
		if id == 50 || id == 51 {
			continue
		}
		lines = append(lines, sample(id, id))
	}
	lines = append(lines,
		watcher.StatsRecord{Timestamp: 1, TotalCPU: 10, TotalMemory: 1000, LoggerCPU: 20, LoggerMemory: 300},
		watcher.StatsRecord{Timestamp: 2, TotalCPU: 30, TotalMemory: 1000, LoggerCPU: 40, LoggerMemory: 500},
		"not json",
		`{"unrelated": true}`,
	)

	path := filepath.Join(t.TempDir(), "flow_event.json.watch")
	writeCompanion(t, path, lines...)

	report, err := watchreport.AnalyzeFile(path)
	require.NoError(t, err)

	assert.Equal(t, path, report.Path)
	assert.Equal(t, 98, report.Events)
	assert.Equal(t, uint64(2), report.Missing)
	assert.Equal(t, []string{"50-51"}, report.MissingRanges)
	assert.Equal(t, 2, report.Malformed)

	require.NotNil(t, report.Latency)
	assert.Equal(t, 1.0, report.Latency.Min)
	assert.Equal(t, 100.0, report.Latency.Max)
	assert.InDelta(t, 50.5, report.Latency.Mean, 1)
	assert.InDelta(t, 50, report.Latency.P50, 2)
	assert.InDelta(t, 95, report.Latency.P95, 2)
	assert.InDelta(t, 99, report.Latency.P99, 2)

	require.NotNil(t, report.Resources)
	assert.Equal(t, 2, report.Resources.Samples)
	assert.Equal(t, 20.0, report.Resources.TotalCPUMean)
	assert.Equal(t, 30.0, report.Resources.LoggerCPUMean)
	assert.Equal(t, 40.0, report.Resources.LoggerCPUMax)
	assert.Equal(t, 400.0, report.Resources.LoggerMemoryMean)
	assert.Equal(t, 500.0, report.Resources.LoggerMemoryMax)
}

func TestEventIDTakesPrecedence(t *testing.T) {
	input := strings.Join([]string{
		`{"event_id": 1, "packet_id": 100}`,
		`{"event_id": 2, "packet_id": 200}`,
		`{"event_id": 4}`,
	}, "\n")

	report, err := watchreport.Analyze("old", strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Events)
	assert.Equal(t, []string{"3"}, report.MissingRanges)
}

func TestNegativeLatencyCountsAsZero(t *testing.T) {
	input := `{"packet_id": 1, "generator_ts": 500, "watcher_ts": 400}`

	report, err := watchreport.Analyze("skewed", strings.NewReader(input))
	require.NoError(t, err)
	require.NotNil(t, report.Latency)
	assert.Equal(t, 0.0, report.Latency.Max)
}

func TestEmptyFile(t *testing.T) {
	report, err := watchreport.Analyze("empty", strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Events)
	assert.Nil(t, report.Latency)
	assert.Nil(t, report.Resources)
}

func TestAnalyzeDir(t *testing.T) {
	root := t.TempDir()
	writeCompanion(t, filepath.Join(root, "b", "flow_event.json.watch"), sample(1, 5), sample(3, 5))
	writeCompanion(t, filepath.Join(root, "a", "flow_event.json.watch"), sample(1, 5), sample(2, 5))
	// not a companion file
	writeCompanion(t, filepath.Join(root, "a", "flow_event.json"), `{"packet_id": 1}`)

	reports, err := watchreport.AnalyzeDir(context.Background(), root, 4)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	assert.Equal(t, filepath.Join(root, "a", "flow_event.json.watch"), reports[0].Path)
	assert.Equal(t, uint64(0), reports[0].Missing)
	assert.Equal(t, filepath.Join(root, "b", "flow_event.json.watch"), reports[1].Path)
	assert.Equal(t, []string{"2"}, reports[1].MissingRanges)
}

func TestAnalyzeDirMissingRoot(t *testing.T) {
	_, err := watchreport.AnalyzeDir(context.Background(), filepath.Join(t.TempDir(), "nope"), 1)
	assert.Error(t, err)
}

func TestWriteText(t *testing.T) {
	reports := []*watchreport.FileReport{
		{Path: "a", Events: 4, Missing: 0, MissingRanges: []string{}},
		{Path: "b", Events: 4, Missing: 3, MissingRanges: []string{"2", "5-6"}, Malformed: 1},
	}

	var out bytes.Buffer
	require.NoError(t, watchreport.WriteText(&out, reports))

	text := out.String()
	assert.Contains(t, text, "a: 4 events, no missing IDs.\n")
	assert.Contains(t, text, "b: 4 events, 3 missing ID(s): 2, 5-6\n")
	assert.Contains(t, text, "malformed lines: 1")
	assert.Contains(t, text, fmt.Sprintf("%d file(s), %d with missing IDs, %d missing in total", 2, 1, 3))
}

func TestWriteJSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, watchreport.WriteJSON(&out, nil))
	assert.JSONEq(t, "[]", out.String())

	out.Reset()
	reports := []*watchreport.FileReport{
		{Path: "a", Events: 2, Missing: 1, MissingRanges: []string{"2"}},
	}
	require.NoError(t, watchreport.WriteJSON(&out, reports))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "a", decoded[0]["path"])
	assert.Equal(t, []any{"2"}, decoded[0]["missingRanges"])
	assert.NotContains(t, decoded[0], "latency")
}
