package sysdata

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// MemoryStats is the published shape of the ram and swap categories
type MemoryStats struct {
	UsagePercent float64 `json:"usage_percent"`
	UsedGB       float64 `json:"used_gb"`
	TotalGB      float64 `json:"total_gb"`
}

// SystemStats is the published shape of the system category
type SystemStats struct {
	CPUUsagePercent float64 `json:"cpu_usage_percent"`
	Cores           int     `json:"cores"`
	Load1           float64 `json:"load_1"`
	Load5           float64 `json:"load_5"`
	Load15          float64 `json:"load_15"`
}

// InterfaceStats is one entry of the network category, keyed by
// interface name
type InterfaceStats struct {
	RxBytes   uint64  `json:"rx_bytes"`
	TxBytes   uint64  `json:"tx_bytes"`
	RxPackets uint64  `json:"rx_packets"`
	TxPackets uint64  `json:"tx_packets"`
	RxBPS     float64 `json:"rx_bps"`
	TxBPS     float64 `json:"tx_bps"`
}

// cpuTimes holds the aggregate jiffy counters of the cpu line
type cpuTimes struct {
	user, nice, system, idle, iowait, irq, softirq, steal uint64
	cores                                                 int
}

func (t cpuTimes) total() uint64 {
	return t.user + t.nice + t.system + t.idle + t.iowait + t.irq + t.softirq + t.steal
}

// parseMemInfo reads /proc/meminfo text into ram and swap stats.
// Values are kB; used memory excludes buffers and page cache.
func parseMemInfo(text string) (ram, swap MemoryStats, err error) {
	fields := make(map[string]uint64)
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}
		v, perr := strconv.ParseUint(parts[1], 10, 64)
		if perr != nil {
			continue
		}
		fields[strings.TrimSuffix(parts[0], ":")] = v
	}

	total, ok := fields["MemTotal"]
	if !ok || total == 0 {
		return ram, swap, fmt.Errorf("meminfo: MemTotal missing or zero")
	}

	used := total - fields["MemFree"] - fields["Buffers"] - fields["Cached"]
	ram = MemoryStats{
		UsagePercent: round1(float64(used) / float64(total) * 100),
		UsedGB:       kbToGB(used),
		TotalGB:      kbToGB(total),
	}

	swapTotal := fields["SwapTotal"]
	swapUsed := swapTotal - fields["SwapFree"]
	swap = MemoryStats{
		UsedGB:  kbToGB(swapUsed),
		TotalGB: kbToGB(swapTotal),
	}
	if swapTotal > 0 {
		swap.UsagePercent = round1(float64(swapUsed) / float64(swapTotal) * 100)
	}
	return ram, swap, nil
}

// parseStat reads the cpu lines of /proc/stat
func parseStat(text string) (cpuTimes, error) {
	var t cpuTimes
	seen := false
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "cpu ") {
			parts := strings.Fields(line)
			if len(parts) < 8 {
				return t, fmt.Errorf("stat: short cpu line")
			}
			t.user = parseJiffies(parts[1])
			t.nice = parseJiffies(parts[2])
			t.system = parseJiffies(parts[3])
			t.idle = parseJiffies(parts[4])
			t.iowait = parseJiffies(parts[5])
			t.irq = parseJiffies(parts[6])
			t.softirq = parseJiffies(parts[7])
			if len(parts) > 8 {
				t.steal = parseJiffies(parts[8])
			}
			seen = true
		} else if strings.HasPrefix(line, "cpu") {
			t.cores++
		}
	}
	if !seen {
		return t, fmt.Errorf("stat: cpu line missing")
	}
	return t, nil
}

// parseLoadAvg reads the three load figures of /proc/loadavg
func parseLoadAvg(text string) (load [3]float64, err error) {
	parts := strings.Fields(text)
	if len(parts) < 3 {
		return load, fmt.Errorf("loadavg: short line")
	}
	for i := 0; i < 3; i++ {
		if load[i], err = strconv.ParseFloat(parts[i], 64); err != nil {
			return load, fmt.Errorf("loadavg: %w", err)
		}
	}
	return load, nil
}

// parseNetDev reads /proc/net/dev counters per interface, skipping
// the loopback device
func parseNetDev(text string) (map[string]InterfaceStats, error) {
	stats := make(map[string]InterfaceStats)
	scanner := bufio.NewScanner(strings.NewReader(text))
	line := 0
	for scanner.Scan() {
		line++
		if line <= 2 {
			continue // header
		}
		raw := strings.TrimSpace(scanner.Text())
		colon := strings.Index(raw, ":")
		if colon < 0 {
			continue
		}
		name := strings.TrimSpace(raw[:colon])
		if name == "lo" {
			continue
		}
		parts := strings.Fields(raw[colon+1:])
		if len(parts) < 10 {
			continue
		}
		stats[name] = InterfaceStats{
			RxBytes:   parseJiffies(parts[0]),
			RxPackets: parseJiffies(parts[1]),
			TxBytes:   parseJiffies(parts[8]),
			TxPackets: parseJiffies(parts[9]),
		}
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("netdev: no interfaces")
	}
	return stats, nil
}

// cpuUsagePercent derives the busy share between two readings
func cpuUsagePercent(prev, cur cpuTimes) float64 {
	totalDelta := float64(cur.total() - prev.total())
	if totalDelta <= 0 {
		return 0
	}
	idleDelta := float64(cur.idle - prev.idle)
	return round1((1 - idleDelta/totalDelta) * 100)
}

func parseJiffies(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func kbToGB(kb uint64) float64 {
	return round1(float64(kb) / (1024 * 1024))
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
