// Package proccollector implements the proc collector: for each pid in a
// job it parses /proc/<pid>/{stat,statm,status,io,fd} into a ProcInfo
// snapshot, tolerating per-pid failures.
//
// Grounded on original_source's proc_collector_func (include/collector/
// proc_collector_func.hpp, src/collector/proc_collector_func.cpp) for the
// exact /proc field layout, and on other_examples' psgo proc-stat reader
// for the idiomatic Go approach to parsing the parenthesized comm field in
// /proc/<pid>/stat (the command name may itself contain spaces or
// parentheses, so the field is located from the last ')' rather than by
// naive whitespace splitting).
package proccollector

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/nowzycc/lensagent/internal/collector"
	"github.com/nowzycc/lensagent/internal/model"
)

// ProcInfo is one pid's sample.
type ProcInfo struct {
	PID            int     `json:"pid"`
	Name           string  `json:"name"`
	PPID           int     `json:"ppid"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryRSSBytes uint64  `json:"memory_rss_bytes"`
	MemoryPercent  float64 `json:"memory_percent"`
	NumThreads     int     `json:"num_threads"`
	IOReadBytes    uint64  `json:"io_read_bytes"`
	IOWriteBytes   uint64  `json:"io_write_bytes"`
	NetConnCount   int     `json:"net_conn_count"`
}

// jiffySample is the per-pid (proc, total) jiffy pair used to compute a
// CPU percent delta between consecutive samples.
type jiffySample struct {
	procJiffies  uint64
	totalJiffies uint64
}

// Config is the proc collector's opaque configuration section. ProcRoot,
// when set, replaces "/proc" as the root the per-pid files, /proc/stat and
// /proc/meminfo are read from.
type Config struct {
	ProcRoot string `yaml:"proc_root"`
}

// Collector implements collector.Instance for /proc-based process sampling.
type Collector struct {
	procRoot string

	mu           sync.Mutex
	lastByPID    map[int]jiffySample
	memTotalKb   uint64
	memTotalRead bool
}

// New returns a factory suitable for registration with collector.Registry.
func New() collector.Factory {
	return func() collector.Instance {
		return &Collector{
			procRoot:  "/proc",
			lastByPID: make(map[int]jiffySample),
		}
	}
}

// Init adopts an optional proc-root override from its configuration
// section; called at most once. A missing section or field is not an
// error — the collector falls back to the real /proc.
func (c *Collector) Init(initConfig any) error {
	ic, ok := initConfig.(collector.InitConfig)
	if !ok || ic.Cfg == nil {
		return nil
	}
	var cfg Config
	if err := ic.Cfg.DecodeSection(ic.Section, &cfg); err != nil {
		return nil
	}
	if cfg.ProcRoot != "" {
		c.procRoot = cfg.ProcRoot
	}
	return nil
}

// Deinit releases no resources but satisfies the collector contract.
func (c *Collector) Deinit() {}

// Collect samples every pid in job and returns []ProcInfo. A pid whose
// stat or status file cannot be read or parsed (gone, or any other
// failure) is silently skipped for this sample; unreadable statm, io or fd
// entries only leave their fields zero. Dropping a dead pid from the job's
// pid list is done by the job registry's Find, which the orchestrator
// calls before sampling and which checks liveness with a null-signal send.
func (c *Collector) Collect(job model.Job) (any, error) {
	onlineCPUs := onlineCPUCount()
	totalJiffies, err := c.systemTotalJiffies()
	if err != nil {
		return nil, fmt.Errorf("proccollector: read /proc/stat: %w", err)
	}

	var out []ProcInfo
	for _, pid := range job.PIDs {
		info, _, err := c.snapshot(pid, totalJiffies, onlineCPUs)
		if err != nil {
			continue
		}
		out = append(out, info)
	}

	return out, nil
}

// snapshot reads all /proc files for pid and computes one ProcInfo.
func (c *Collector) snapshot(pid int, totalJiffies uint64, onlineCPUs int) (ProcInfo, uint64, error) {
	info := ProcInfo{PID: pid}

	procJiffies, err := c.readStat(pid, &info)
	if err != nil {
		return ProcInfo{}, 0, err
	}

	c.readStatm(pid, &info)

	if err := c.readStatus(pid, &info); err != nil {
		return ProcInfo{}, 0, err
	}

	c.readIO(pid, &info)
	info.NetConnCount = c.countSockets(pid)

	info.CPUPercent = c.cpuPercent(pid, procJiffies, totalJiffies, onlineCPUs)

	return info, procJiffies, nil
}

// readStat parses /proc/<pid>/stat, returning utime+stime (the process's
// total jiffies) per spec: skip pid, consume the parenthesized comm field
// (which may itself contain spaces or parentheses — located by the last
// ')' on the line), then state and ppid, then skip to fields 14/15.
func (c *Collector) readStat(pid int, info *ProcInfo) (uint64, error) {
	path := fmt.Sprintf("%s/%d/stat", c.procRoot, pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	line := strings.TrimSpace(string(data))

	open := strings.IndexByte(line, '(')
	close := strings.LastIndexByte(line, ')')
	if open < 0 || close < 0 || close < open {
		return 0, fmt.Errorf("proccollector: malformed stat line for pid %d", pid)
	}
	info.Name = line[open+1 : close]

	rest := strings.Fields(line[close+1:])
	// rest[0]=state, rest[1]=ppid, rest[2..10] fill columns 5-13,
	// rest[11]=utime(14), rest[12]=stime(15), ... rest[19]=starttime(22).
	if len(rest) < 20 {
		return 0, fmt.Errorf("proccollector: short stat line for pid %d", pid)
	}
	if ppid, err := strconv.Atoi(rest[1]); err == nil {
		info.PPID = ppid
	}
	utime, _ := strconv.ParseUint(rest[11], 10, 64)
	stime, _ := strconv.ParseUint(rest[12], 10, 64)
	return utime + stime, nil
}

// readStatm parses /proc/<pid>/statm: second field (resident pages) times
// the page size gives RSS in bytes.
func (c *Collector) readStatm(pid int, info *ProcInfo) {
	path := fmt.Sprintf("%s/%d/statm", c.procRoot, pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return
	}
	rssPages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return
	}
	info.MemoryRSSBytes = rssPages * uint64(os.Getpagesize())
}

// readStatus parses /proc/<pid>/status for VmRSS (converted to a percent
// of system MemTotal, cached once per process lifetime) and Threads.
func (c *Collector) readStatus(pid int, info *ProcInfo) error {
	path := fmt.Sprintf("%s/%d/status", c.procRoot, pid)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	memTotalKb, err := c.cachedMemTotalKb()
	if err != nil {
		memTotalKb = 0
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "VmRSS:"):
			kb := parseStatusKb(line)
			if memTotalKb > 0 {
				info.MemoryPercent = 100 * float64(kb) / float64(memTotalKb)
			}
		case strings.HasPrefix(line, "Threads:"):
			fields := strings.Fields(line)
			if len(fields) == 2 {
				if n, err := strconv.Atoi(fields[1]); err == nil {
					info.NumThreads = n
				}
			}
		}
	}
	return nil
}

func parseStatusKb(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	kb, _ := strconv.ParseUint(fields[1], 10, 64)
	return kb
}

// readIO parses /proc/<pid>/io for read_bytes and write_bytes. Missing or
// unreadable files (permission denied on some kernels) are tolerated:
// the counters simply stay zero.
func (c *Collector) readIO(pid int, info *ProcInfo) {
	path := fmt.Sprintf("%s/%d/io", c.procRoot, pid)
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "read_bytes:"):
			info.IOReadBytes = parseStatusKb(line)
		case strings.HasPrefix(line, "write_bytes:"):
			info.IOWriteBytes = parseStatusKb(line)
		}
	}
}

// countSockets enumerates /proc/<pid>/fd and counts symlinks whose target
// begins with "socket:[".
func (c *Collector) countSockets(pid int) int {
	dir := fmt.Sprintf("%s/%d/fd", c.procRoot, pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		target, err := os.Readlink(dir + "/" + e.Name())
		if err != nil {
			continue
		}
		if strings.HasPrefix(target, "socket:[") {
			count++
		}
	}
	return count
}

// cachedMemTotalKb reads /proc/meminfo once per process lifetime and
// caches the result.
func (c *Collector) cachedMemTotalKb() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.memTotalRead {
		return c.memTotalKb, nil
	}

	f, err := os.Open(c.procRoot + "/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "MemTotal:") {
			kb := parseStatusKb(line)
			c.memTotalKb = kb
			c.memTotalRead = true
			return kb, nil
		}
	}
	return 0, fmt.Errorf("proccollector: MemTotal not found in /proc/meminfo")
}

// systemTotalJiffies sums the numeric fields of /proc/stat's first line
// ("cpu  ...").
func (c *Collector) systemTotalJiffies() (uint64, error) {
	f, err := os.Open(c.procRoot + "/stat")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("proccollector: empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	var total uint64
	for _, field := range fields[1:] {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			continue
		}
		total += v
	}
	return total, nil
}

// cpuPercent computes 100·Δproc/Δtotal·onlineCPUs against the pid's last
// sample, returning 0 on the first sample for that pid. The onlineCPUs
// factor reproduces original_source's observed formula, which double
// counts on multi-core systems — see DESIGN.md for why it is kept.
func (c *Collector) cpuPercent(pid int, procJiffies, totalJiffies uint64, onlineCPUs int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.lastByPID[pid]
	c.lastByPID[pid] = jiffySample{procJiffies: procJiffies, totalJiffies: totalJiffies}
	if !ok {
		return 0
	}
	deltaTotal := totalJiffies - prev.totalJiffies
	if deltaTotal == 0 {
		return 0
	}
	deltaProc := procJiffies - prev.procJiffies
	return 100 * float64(deltaProc) / float64(deltaTotal) * float64(onlineCPUs)
}

func onlineCPUCount() int {
	n := 0
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 1
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "cpu") && len(line) > 3 && line[3] >= '0' && line[3] <= '9' {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}
