package health

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessFinder returns the PIDs of processes named name.
type ProcessFinder func(ctx context.Context, name string) ([]int32, error)

// FindProcesses scans the process table through gopsutil. A process
// matches when its name or the base of its executable equals name.
func FindProcesses(ctx context.Context, name string) ([]int32, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	var pids []int32
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Processes can exit mid-scan
		n, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if n == name || strings.TrimSuffix(n, " (deleted)") == name {
			pids = append(pids, p.Pid)
			continue
		}
		if exe, err := p.ExeWithContext(ctx); err == nil && baseName(exe) == name {
			pids = append(pids, p.Pid)
		}
	}
	return pids, nil
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
