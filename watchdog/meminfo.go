package watchdog

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// meminfo holds the handful of /proc/meminfo fields check_memory needs.
type meminfo struct {
	MemFreeKB   int64
	SwapTotalKB int64
	SwapFreeKB  int64
}

func readMeminfo(path string) (meminfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return meminfo{}, fmt.Errorf("watchdog: open %s: %w", path, err)
	}
	defer f.Close()

	var m meminfo
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "MemFree":
			m.MemFreeKB = v
		case "SwapTotal":
			m.SwapTotalKB = v
		case "SwapFree":
			m.SwapFreeKB = v
		}
	}
	if err := sc.Err(); err != nil {
		return meminfo{}, err
	}
	return m, nil
}
