// Package perf samples host health and throttles camera preview under stress.
package perf

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Stress thresholds used when Thresholds is zero.
const (
	DefaultMaxLoad = 1.5
	DefaultMaxTemp = 70.0
)

// Errors
var (
	ErrInvalidLoadAverage = errors.New("perf: invalid load average format")
)

var thermalZones = []string{
	"sys/class/thermal/thermal_zone0/temp",
	"sys/class/thermal/thermal_zone1/temp",
	"sys/class/thermal/thermal_zone2/temp",
	"sys/devices/virtual/thermal/thermal_zone0/temp",
}

// Stats is one host sample.
type Stats struct {
	LoadAverage float64
	// Temperature is the mean of the readable thermal zones in Celsius.
	Temperature float64
	HasTemp     bool
	// MemoryUsage is the percentage of memory in use (0-100).
	MemoryUsage float64
	At          time.Time
}

// Thresholds decides when the host counts as stressed.
type Thresholds struct {
	MaxLoad float64
	MaxTemp float64
}

// Stressed reports whether s crosses the thresholds.
func (t Thresholds) Stressed(s Stats) bool {
	maxLoad, maxTemp := t.MaxLoad, t.MaxTemp
	if maxLoad <= 0 {
		maxLoad = DefaultMaxLoad
	}
	if maxTemp <= 0 {
		maxTemp = DefaultMaxTemp
	}
	return s.LoadAverage > maxLoad || (s.HasTemp && s.Temperature > maxTemp)
}

// Monitor reads host statistics from procfs and sysfs.
type Monitor struct {
	// Root prefixes /proc and /sys, "/" on a real host.
	Root string

	mu     sync.RWMutex
	latest Stats
}

// NewMonitor reads the live host.
func NewMonitor() *Monitor {
	return &Monitor{Root: "/"}
}

// Sample reads fresh statistics and keeps them as the latest. A missing
// thermal zone is not an error; many hosts have none.
func (m *Monitor) Sample() (Stats, error) {
	load, err := m.loadAverage()
	if err != nil {
		return Stats{}, err
	}
	s := Stats{LoadAverage: load, At: time.Now()}
	s.Temperature, s.HasTemp = m.temperature()
	s.MemoryUsage, _ = m.memoryUsage() // non-critical

	m.mu.Lock()
	m.latest = s
	m.mu.Unlock()
	return s, nil
}

// Latest returns the last successful sample.
func (m *Monitor) Latest() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

func (m *Monitor) path(rel string) string {
	return filepath.Join(m.Root, rel)
}

func (m *Monitor) loadAverage() (float64, error) {
	data, err := os.ReadFile(m.path("proc/loadavg"))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, ErrInvalidLoadAverage
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, ErrInvalidLoadAverage
	}
	return load, nil
}

func (m *Monitor) temperature() (float64, bool) {
	var total float64
	var count int
	for _, zone := range thermalZones {
		data, err := os.ReadFile(m.path(zone))
		if err != nil {
			continue
		}
		// millidegrees Celsius
		if milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64); err == nil {
			total += milli / 1000.0
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return total / float64(count), true
}

func (m *Monitor) memoryUsage() (float64, error) {
	data, err := os.ReadFile(m.path("proc/meminfo"))
	if err != nil {
		return 0, err
	}

	var total, available int64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseInt(fields[1], 10, 64)
		case "MemAvailable:":
			available, _ = strconv.ParseInt(fields[1], 10, 64)
		}
	}
	if total <= 0 {
		return 0, nil
	}
	return 100.0 * float64(total-available) / float64(total), nil
}
