package watcher

// Host and process-tree resource usage, read from /proc

import (
	"errors"
	"fmt"

	"github.com/prometheus/procfs"
)

// ProcessStats provides the resource usage figures recorded in the companion file
type ProcessStats interface {
	// SystemCPU returns the cumulative busy and total CPU time across all CPUs, in seconds
	SystemCPU() (busy float64, total float64, _ error)
	// SystemUsedMemory returns the memory in use by the whole system, in bytes
	SystemUsedMemory() (uint64, error)
	// ProcessTreeCPU returns the cumulative CPU time of the process and all its descendants, in
	// seconds
	ProcessTreeCPU(pid int) (float64, error)
	// ProcessTreeResidentMemory returns the total resident memory of the process and all its
	// descendants, in bytes
	ProcessTreeResidentMemory(pid int) (uint64, error)
}

type procfsStats struct {
	fs procfs.FS
}

// NewProcfsStats returns a ProcessStats backed by the proc filesystem mounted at mountPoint
func NewProcfsStats(mountPoint string) (ProcessStats, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("Error opening procfs at %q: %w", mountPoint, err)
	}
	return &procfsStats{fs: fs}, nil
}

// NewDefaultProcfsStats returns a ProcessStats reading from /proc
func NewDefaultProcfsStats() (ProcessStats, error) {
	return NewProcfsStats(procfs.DefaultMountPoint)
}

func (s *procfsStats) SystemCPU() (busy float64, total float64, _ error) {
	stat, err := s.fs.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("Error reading CPU stats: %w", err)
	}

	c := stat.CPUTotal
	total = c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
	idle := c.Idle + c.Iowait
	return total - idle, total, nil
}

func (s *procfsStats) SystemUsedMemory() (uint64, error) {
	info, err := s.fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("Error reading meminfo: %w", err)
	}
	if info.MemTotal == nil {
		return 0, errors.New("meminfo has no MemTotal")
	}

	var available uint64
	if info.MemAvailable != nil {
		available = *info.MemAvailable
	}

	// meminfo values are in kB
	return (*info.MemTotal - min(available, *info.MemTotal)) * 1024, nil
}

func (s *procfsStats) ProcessTreeCPU(pid int) (float64, error) {
	stats, err := s.treeStats(pid)
	if err != nil {
		return 0, err
	}

	var total float64
	for _, st := range stats {
		total += st.CPUTime()
	}
	return total, nil
}

func (s *procfsStats) ProcessTreeResidentMemory(pid int) (uint64, error) {
	stats, err := s.treeStats(pid)
	if err != nil {
		return 0, err
	}

	var total uint64
	for _, st := range stats {
		total += uint64(max(st.ResidentMemory(), 0))
	}
	return total, nil
}

// treeStats returns the stat of pid and each of its descendants. Failing to read pid itself is an
// error; descendants that exit while we're looking are skipped.
func (s *procfsStats) treeStats(pid int) ([]procfs.ProcStat, error) {
	root, err := s.fs.Proc(pid)
	if err != nil {
		return nil, fmt.Errorf("Error finding process %d: %w", pid, err)
	}
	rootStat, err := root.Stat()
	if err != nil {
		return nil, fmt.Errorf("Error reading stat of process %d: %w", pid, err)
	}

	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("Error listing processes: %w", err)
	}

	byPID := make(map[int]procfs.ProcStat, len(procs))
	parents := make(map[int]int, len(procs))
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil {
			continue
		}
		byPID[p.PID] = st
		parents[p.PID] = st.PPID
	}

	stats := []procfs.ProcStat{rootStat}
	for _, child := range descendants(pid, parents) {
		stats = append(stats, byPID[child])
	}
	return stats, nil
}

// descendants returns every process below root in the tree described by parents, which maps each
// pid to its parent pid. The order is breadth-first.
func descendants(root int, parents map[int]int) []int {
	children := make(map[int][]int)
	for pid, ppid := range parents {
		if pid != ppid {
			children[ppid] = append(children[ppid], pid)
		}
	}

	var result []int
	seen := map[int]struct{}{root: {}}
	queue := []int{root}
	for len(queue) != 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, c := range children[pid] {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			result = append(result, c)
			queue = append(queue, c)
		}
	}
	return result
}
