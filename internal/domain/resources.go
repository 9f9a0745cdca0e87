package domain

import (
	"fmt"
	"sort"
	"strings"
)

const (
	DefaultMemoryLimit = "4g"
	DefaultCPUCores    = 2
)

var memoryLimits = map[string]int64{
	"1g":  1 << 30,
	"2g":  2 << 30,
	"4g":  4 << 30,
	"8g":  8 << 30,
	"16g": 16 << 30,
}

var cpuCores = map[int]struct{}{1: {}, 2: {}, 4: {}, 8: {}}

// ParseMemoryLimit validates a memory choice and returns its size in bytes.
// An empty value selects DefaultMemoryLimit.
func ParseMemoryLimit(raw string) (string, int64, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		value = DefaultMemoryLimit
	}
	bytes, ok := memoryLimits[value]
	if !ok {
		return "", 0, fmt.Errorf("memory limit must be one of %s", strings.Join(MemoryOptions(), ", "))
	}
	return value, bytes, nil
}

// ParseCPUCores validates a CPU choice. Zero selects DefaultCPUCores.
func ParseCPUCores(n int) (int, error) {
	if n == 0 {
		return DefaultCPUCores, nil
	}
	if _, ok := cpuCores[n]; !ok {
		return 0, fmt.Errorf("cpu cores must be one of %v", CPUOptions())
	}
	return n, nil
}

// NanoCPUs converts a core count to the runtime's native unit.
func NanoCPUs(cores int) int64 {
	return int64(cores) * 1_000_000_000
}

// MemoryOptions lists the allowed memory choices in ascending size.
func MemoryOptions() []string {
	out := make([]string, 0, len(memoryLimits))
	for k := range memoryLimits {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return memoryLimits[out[i]] < memoryLimits[out[j]] })
	return out
}

// CPUOptions lists the allowed core counts in ascending order.
func CPUOptions() []int {
	out := make([]int, 0, len(cpuCores))
	for k := range cpuCores {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// Limits describes creation constraints for clients.
type Limits struct {
	MemoryOptions        []string `json:"memoryOptions"`
	CPUOptions           []int    `json:"cpuOptions"`
	DefaultMemory        string   `json:"defaultMemory"`
	DefaultCPU           int      `json:"defaultCpu"`
	MinPasswordLength    int      `json:"minPasswordLength"`
	MaxPasswordLength    int      `json:"maxPasswordLength"`
	MaxGroupLength       int      `json:"maxGroupLength"`
	MaxNotesBytes        int      `json:"maxNotesBytes"`
	MaxWorkspacesPerUser int      `json:"maxWorkspacesPerUser"`
}

// DefaultLimits returns the creation constraints for the given quota.
func DefaultLimits(maxPerUser int) Limits {
	return Limits{
		MemoryOptions:        MemoryOptions(),
		CPUOptions:           CPUOptions(),
		DefaultMemory:        DefaultMemoryLimit,
		DefaultCPU:           DefaultCPUCores,
		MinPasswordLength:    MinPasswordLength,
		MaxPasswordLength:    MaxPasswordLength,
		MaxGroupLength:       MaxGroupLength,
		MaxNotesBytes:        MaxNotesBytes,
		MaxWorkspacesPerUser: maxPerUser,
	}
}
