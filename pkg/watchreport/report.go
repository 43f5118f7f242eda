package watchreport

// Offline analysis of the companion files written by the watcher: gaps in the sequence of
// received packet ids, end-to-end latency distribution and logger resource usage.

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/montanaflynn/stats"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/heidpi/loggerbench/pkg/watcher"
)

// FileSuffix selects the companion files when walking a directory
const FileSuffix = ".json" + watcher.CompanionSuffix

const maxLineLen = 1 << 20

// FileReport is the result of analyzing a single companion file
type FileReport struct {
	Path string `json:"path"`
	// Events is the number of sample records in the file
	Events  int `json:"events"`
	Missing uint64 `json:"missing"`
	// MissingRanges lists each gap in the received ids, as "a" for a single id or "a-b"
	MissingRanges []string `json:"missingRanges"`
	// Malformed is the number of lines that were neither samples nor stats
	Malformed int `json:"malformed"`

	Latency   *LatencyStats  `json:"latency,omitempty"`
	Resources *ResourceStats `json:"resources,omitempty"`
}

// LatencyStats summarizes the difference between watcher and generator timestamps, in microseconds
type LatencyStats struct {
	Min  float64 `json:"minUsec"`
	Mean float64 `json:"meanUsec"`
	P50  float64 `json:"p50Usec"`
	P95  float64 `json:"p95Usec"`
	P99  float64 `json:"p99Usec"`
	Max  float64 `json:"maxUsec"`
}

// ResourceStats summarizes the stats records. Memory figures are in kB, CPU in percent.
type ResourceStats struct {
	Samples          int     `json:"samples"`
	TotalCPUMean     float64 `json:"totalCpuMean"`
	LoggerCPUMean    float64 `json:"loggerCpuMean"`
	LoggerCPUMax     float64 `json:"loggerCpuMax"`
	LoggerMemoryMean float64 `json:"loggerMemoryMean"`
	LoggerMemoryMax  float64 `json:"loggerMemoryMax"`
}

// companionLine covers both record kinds in a companion file. Older files identify events by
// event_id rather than packet_id; event_id wins when both are present.
type companionLine struct {
	EventID     *uint64 `json:"event_id"`
	PacketID    *uint64 `json:"packet_id"`
	GeneratorTS uint64  `json:"generator_ts"`
	WatcherTS   uint64  `json:"watcher_ts"`

	Timestamp    *uint64 `json:"timestamp"`
	TotalCPU     float64 `json:"total_cpu"`
	LoggerCPU    float64 `json:"logger_cpu"`
	LoggerMemory uint64  `json:"logger_memory"`
}

// MissingRanges returns how many ids are absent between the smallest and largest of ids, and the
// gaps themselves in ascending order. Duplicates are ignored. ids is not modified.
func MissingRanges(ids []uint64) (uint64, []string) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)

	var missing uint64
	ranges := []string{}
	for i := 1; i < len(sorted); i++ {
		last, current := sorted[i-1], sorted[i]
		diff := current - last
		if diff <= 1 {
			continue
		}
		missing += diff - 1
		if diff == 2 {
			ranges = append(ranges, strconv.FormatUint(last+1, 10))
		} else {
			ranges = append(ranges, fmt.Sprintf("%d-%d", last+1, current-1))
		}
	}
	return missing, ranges
}

// Analyze reads the companion records from r. path is only used to label the report.
func Analyze(path string, r io.Reader) (*FileReport, error) {
	report := &FileReport{
		Path:          path,
		Events:        0,
		Missing:       0,
		MissingRanges: nil,
		Malformed:     0,
		Latency:       nil,
		Resources:     nil,
	}

	var ids []uint64
	var latencies stats.Float64Data
	var totalCPU, loggerCPU, loggerMemory stats.Float64Data

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLen)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var line companionLine
		if err := json.Unmarshal(raw, &line); err != nil {
			report.Malformed++
			continue
		}

		switch {
		case line.EventID != nil:
			ids = append(ids, *line.EventID)
		case line.PacketID != nil:
			ids = append(ids, *line.PacketID)
		case line.Timestamp != nil:
			totalCPU = append(totalCPU, line.TotalCPU)
			loggerCPU = append(loggerCPU, line.LoggerCPU)
			loggerMemory = append(loggerMemory, float64(line.LoggerMemory))
			continue
		default:
			report.Malformed++
			continue
		}

		if line.WatcherTS >= line.GeneratorTS {
			latencies = append(latencies, float64(line.WatcherTS-line.GeneratorTS))
		} else {
			latencies = append(latencies, 0)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("Error reading %q: %w", path, err)
	}

	report.Events = len(ids)
	report.Missing, report.MissingRanges = MissingRanges(ids)

	if len(latencies) != 0 {
		report.Latency = summarizeLatency(latencies)
	}
	if len(totalCPU) != 0 {
		report.Resources = &ResourceStats{
			Samples:          len(totalCPU),
			TotalCPUMean:     mustStat(stats.Mean(totalCPU)),
			LoggerCPUMean:    mustStat(stats.Mean(loggerCPU)),
			LoggerCPUMax:     mustStat(stats.Max(loggerCPU)),
			LoggerMemoryMean: mustStat(stats.Mean(loggerMemory)),
			LoggerMemoryMax:  mustStat(stats.Max(loggerMemory)),
		}
	}

	return report, nil
}

func summarizeLatency(data stats.Float64Data) *LatencyStats {
	return &LatencyStats{
		Min:  mustStat(stats.Min(data)),
		Mean: mustStat(stats.Mean(data)),
		P50:  mustStat(stats.Percentile(data, 50)),
		P95:  mustStat(stats.Percentile(data, 95)),
		P99:  mustStat(stats.Percentile(data, 99)),
		Max:  mustStat(stats.Max(data)),
	}
}

// mustStat unwraps a statistic computed over non-empty data, for which the only possible errors
// are out-of-range percentiles.
func mustStat(v float64, err error) float64 {
	if err != nil {
		panic(fmt.Errorf("unexpected error computing statistic: %w", err))
	}
	return v
}

// AnalyzeFile opens and analyzes the companion file at path
func AnalyzeFile(path string) (*FileReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("Error opening %q: %w", path, err)
	}
	defer f.Close()

	return Analyze(path, f)
}

// FindFiles returns every companion file under root, sorted by path
func FindFiles(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), FileSuffix) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Error searching %q: %w", root, err)
	}

	slices.Sort(paths)
	return paths, nil
}

// AnalyzeDir analyzes every companion file under root, at most concurrency at a time. Reports are
// returned in path order.
func AnalyzeDir(ctx context.Context, root string, concurrency int) ([]*FileReport, error) {
	paths, err := FindFiles(root)
	if err != nil {
		return nil, err
	}

	reports := make([]*FileReport, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			report, err := AnalyzeFile(path)
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return reports, nil
}

// WriteText writes a human-readable summary of each report to w
func WriteText(w io.Writer, reports []*FileReport) error {
	bw := bufio.NewWriter(w)
	for _, r := range reports {
		if r.Missing == 0 {
			fmt.Fprintf(bw, "%s: %d events, no missing IDs.\n", r.Path, r.Events)
		} else {
			fmt.Fprintf(bw, "%s: %d events, %d missing ID(s): %s\n",
				r.Path, r.Events, r.Missing, strings.Join(r.MissingRanges, ", "))
		}
		if r.Malformed != 0 {
			fmt.Fprintf(bw, "  malformed lines: %d\n", r.Malformed)
		}
		if l := r.Latency; l != nil {
			fmt.Fprintf(bw, "  latency (us): min %.0f, mean %.1f, p50 %.0f, p95 %.0f, p99 %.0f, max %.0f\n",
				l.Min, l.Mean, l.P50, l.P95, l.P99, l.Max)
		}
		if res := r.Resources; res != nil {
			fmt.Fprintf(bw, "  logger cpu (%%): mean %.1f, max %.1f; logger memory (kB): mean %.0f, max %.0f; system cpu (%%): mean %.1f\n",
				res.LoggerCPUMean, res.LoggerCPUMax, res.LoggerMemoryMean, res.LoggerMemoryMax, res.TotalCPUMean)
		}
	}

	if len(reports) > 1 {
		totalMissing := lo.SumBy(reports, func(r *FileReport) uint64 { return r.Missing })
		affected := lo.CountBy(reports, func(r *FileReport) bool { return r.Missing != 0 })
		fmt.Fprintf(bw, "%d file(s), %d with missing IDs, %d missing in total\n", len(reports), affected, totalMissing)
	}
	return bw.Flush()
}

// WriteJSON writes the reports to w as an indented JSON array
func WriteJSON(w io.Writer, reports []*FileReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if reports == nil {
		reports = []*FileReport{}
	}
	return enc.Encode(reports)
}
