package sched

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"
)

// Config mirrors config.yml. Durations are milliseconds to keep the file
// human-editable.
type Config struct {
	MinGranularityMS int    `yaml:"min_granularity_ms"` // 1 (by default)
	LatencyMS        int    `yaml:"latency_ms"`         // 6 (by default)
	TickMS           int    `yaml:"tick_ms"`            // 1 (by default)
	CPUList          string `yaml:"cpulist"`            // e.g. "0-3,6"
	Verbose          int    `yaml:"verbose"`
	Workers          int    `yaml:"workers"`
	CSVPath          string `yaml:"csv_path"`
}

func defaultConfig() Config {
	return Config{
		MinGranularityMS: 1,
		LatencyMS:        6,
		TickMS:           1,
		CPUList:          "0-3",
		Workers:          4,
	}
}

// LoadConfig reads YAML and overrides defaults; empty or missing path keeps
// defaults only.
func LoadConfig(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	_ = yaml.Unmarshal(data, &cfg)

	// sanity clamps
	if cfg.MinGranularityMS <= 0 {
		cfg.MinGranularityMS = 1
	}
	if cfg.LatencyMS < cfg.MinGranularityMS {
		cfg.LatencyMS = 6 * cfg.MinGranularityMS
	}
	if cfg.TickMS <= 0 {
		cfg.TickMS = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CPUList == "" {
		cfg.CPUList = "0-3"
	}

	return cfg
}

func (c Config) MinGranularity() time.Duration {
	return time.Duration(c.MinGranularityMS) * time.Millisecond
}

func (c Config) Latency() time.Duration {
	return time.Duration(c.LatencyMS) * time.Millisecond
}

func (c Config) Tick() time.Duration {
	return time.Duration(c.TickMS) * time.Millisecond
}

// ParseCPUList expands "0-2,5" into a sorted, deduplicated CPU id slice.
func ParseCPUList(s string) ([]int, error) {
	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, ok := strings.Cut(part, "-")
		first, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || first < 0 {
			return nil, fmt.Errorf("bad cpulist entry %q", part)
		}
		last := first
		if ok {
			last, err = strconv.Atoi(strings.TrimSpace(hi))
			if err != nil || last < first {
				return nil, fmt.Errorf("bad cpulist range %q", part)
			}
		}
		for cpu := first; cpu <= last; cpu++ {
			seen[cpu] = true
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("empty cpulist %q", s)
	}
	cpus := make([]int, 0, len(seen))
	for cpu := range seen {
		cpus = append(cpus, cpu)
	}
	sort.Ints(cpus)
	return cpus, nil
}
