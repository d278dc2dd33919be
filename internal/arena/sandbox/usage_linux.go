//go:build linux

package sandbox

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"arena/pkg/protocol/wire"

	"golang.org/x/sys/unix"
)

// clockTicks is USER_HZ, the unit of the cpu times in /proc/<pid>/stat.
const clockTicks = 100

// SelfUsage reports the resources consumed by the calling process.
func SelfUsage() wire.ResourceUsage {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return wire.ResourceUsage{}
	}
	return fromRusage(ru.Utime.Nano()+ru.Stime.Nano(), int64(ru.Maxrss))
}

// fromRusage converts cpu nanoseconds and a max rss in KiB.
func fromRusage(cpuNanos int64, maxrssKB int64) wire.ResourceUsage {
	return wire.ResourceUsage{
		ElapsedTime: float64(cpuNanos) / 1e9,
		PeakMemory:  maxrssKB * 1024,
	}
}

// procUsage samples a running process from procfs.
func procUsage(pid int) (wire.ResourceUsage, error) {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return wire.ResourceUsage{}, err
	}
	ticks, err := parseStatTicks(stat)
	if err != nil {
		return wire.ResourceUsage{}, err
	}
	status, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return wire.ResourceUsage{}, err
	}
	return wire.ResourceUsage{
		ElapsedTime: float64(ticks) / clockTicks,
		PeakMemory:  parseStatusKB(status, "VmHWM") * 1024,
	}, nil
}

// parseStatTicks returns utime+stime. The command name may contain spaces,
// so fields are counted from the closing parenthesis.
func parseStatTicks(stat []byte) (int64, error) {
	end := bytes.LastIndexByte(stat, ')')
	if end < 0 || end+2 > len(stat) {
		return 0, fmt.Errorf("malformed stat line")
	}
	fields := strings.Fields(string(stat[end+2:]))
	// fields[0] is the state, field 3 of stat(5); utime and stime are 14 and 15.
	if len(fields) < 13 {
		return 0, fmt.Errorf("short stat line: %d fields", len(fields))
	}
	utime, err := strconv.ParseInt(fields[11], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse utime: %w", err)
	}
	stime, err := strconv.ParseInt(fields[12], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stime: %w", err)
	}
	return utime + stime, nil
}

func parseStatusKB(status []byte, key string) int64 {
	sc := bufio.NewScanner(bytes.NewReader(status))
	for sc.Scan() {
		name, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok || name != key {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0
		}
		v, _ := strconv.ParseInt(fields[0], 10, 64)
		return v
	}
	return 0
}
