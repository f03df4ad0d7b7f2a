package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const cgroupRoot = "/sys/fs/cgroup/sadmin"

// ensureCgroup creates (or reuses) the cgroup v2 leaf for one service
// instance and applies an optional memory cap, grounded on the
// cgroups_rs-based "sadmin/<name>" hierarchy in the original persistence
// daemon's service runner.
func ensureCgroup(name string, instanceID int64, memoryLimit string) (string, error) {
	path := filepath.Join(cgroupRoot, name, strconv.FormatInt(instanceID, 10))
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("mkdir cgroup: %w", err)
	}
	if memoryLimit != "" {
		bytes, err := parseMemoryLimit(memoryLimit)
		if err != nil {
			return path, fmt.Errorf("parse memory_limit %q: %w", memoryLimit, err)
		}
		if err := os.WriteFile(filepath.Join(path, "memory.max"), []byte(strconv.FormatInt(bytes, 10)), 0644); err != nil {
			return path, fmt.Errorf("write memory.max: %w", err)
		}
	}
	return path, nil
}

// parseMemoryLimit accepts a plain byte count or a suffixed value like
// "512M"/"2G" (spec §4.5's memory_limit field).
func parseMemoryLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1024, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1024*1024, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		mult, s = 1024*1024*1024, strings.TrimSuffix(s, "G")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

// removeCgroup deletes an instance's cgroup leaf once its process has
// exited. cgroup v2 refuses rmdir while any process remains, so this is
// safe to call only after the process death is confirmed.
func removeCgroup(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
