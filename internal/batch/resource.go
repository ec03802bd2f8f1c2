package batch

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// monitorInterval is how often the resource monitor samples the system
const monitorInterval = 2 * time.Second

// Throttle thresholds: above the high mark the worker pool halves, above
// the low mark it runs at three quarters.
const (
	highLoadPercent = 80.0
	lowLoadPercent  = 60.0
)

// Usage is one sample of system load
type Usage struct {
	MemoryPercent float64
	CPUPercent    float64
}

type cpuSample struct {
	busy  uint64
	total uint64
}

// Monitor samples memory and CPU pressure from procfs and tells the batch
// pipeline how many workers it may run. On platforms without procfs it
// reports zero usage and never throttles.
type Monitor struct {
	mu    sync.Mutex
	usage Usage
	prev  cpuSample

	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates a stopped monitor
func NewMonitor() *Monitor {
	return &Monitor{stop: make(chan struct{}), done: make(chan struct{})}
}

// Start begins background sampling
func (m *Monitor) Start() {
	go m.loop()
}

// Stop halts sampling
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// Usage returns the latest sample
func (m *Monitor) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// AllowedWorkers applies the throttle rules to the configured pool size
func (m *Monitor) AllowedWorkers(configured int) int {
	return allowedWorkers(configured, m.Usage())
}

func allowedWorkers(configured int, u Usage) int {
	if configured < 1 {
		configured = 1
	}
	load := u.MemoryPercent
	if u.CPUPercent > load {
		load = u.CPUPercent
	}
	allowed := configured
	switch {
	case load > highLoadPercent:
		allowed = configured / 2
	case load > lowLoadPercent:
		allowed = configured * 3 / 4
	}
	if allowed < 1 {
		allowed = 1
	}
	return allowed
}

func (m *Monitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	m.sample()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	mem, memErr := readMemoryPercent()
	cur, cpuErr := readCPUSample()

	m.mu.Lock()
	defer m.mu.Unlock()
	if memErr == nil {
		m.usage.MemoryPercent = mem
	}
	if cpuErr == nil {
		if m.prev.total > 0 && cur.total > m.prev.total {
			busy := float64(cur.busy - m.prev.busy)
			total := float64(cur.total - m.prev.total)
			m.usage.CPUPercent = busy / total * 100
		}
		m.prev = cur
	}
	if memErr != nil && cpuErr != nil {
		log.Printf("[ResourceMonitor] Sampling unavailable: %v / %v", memErr, cpuErr)
	}
}

func readMemoryPercent() (float64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	return parseMemInfo(data)
}

func parseMemInfo(data []byte) (float64, error) {
	var total, available uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("MemTotal missing")
	}
	return float64(total-available) / float64(total) * 100, nil
}

func readCPUSample() (cpuSample, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return cpuSample{}, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "cpu ") {
			return parseCPULine(line)
		}
	}
	return cpuSample{}, fmt.Errorf("aggregate cpu line missing")
}

// parseCPULine reads the aggregate "cpu" line of /proc/stat. Idle is the
// idle+iowait columns; everything else counts as busy.
func parseCPULine(line string) (cpuSample, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return cpuSample{}, fmt.Errorf("malformed cpu line %q", line)
	}
	var s cpuSample
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return cpuSample{}, fmt.Errorf("malformed cpu line %q", line)
		}
		s.total += v
		// fields 4 and 5 (idle, iowait) are not busy time
		if i != 3 && i != 4 {
			s.busy += v
		}
	}
	return s, nil
}
