package proc

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

type osProcess struct {
	p *process.Process
}

func (o osProcess) Pid() int {
	return int(o.p.Pid)
}

func (o osProcess) Terminate() error {
	return o.p.Terminate()
}

// descendants walks the process tree below pid breadth first.
// A process which disappears during the walk is skipped.
func descendants(pid int) ([]Process, error) {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("looking up process %d: %w", pid, err)
	}

	var out []Process
	seen := map[int32]struct{}{root.Pid: {}}
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			if errors.Is(err, process.ErrorNoChildren) || p != root {
				continue
			}
			return nil, fmt.Errorf("listing children of %d: %w", p.Pid, err)
		}
		for _, c := range children {
			if _, ok := seen[c.Pid]; ok {
				continue
			}
			seen[c.Pid] = struct{}{}
			out = append(out, osProcess{p: c})
			queue = append(queue, c)
		}
	}
	return out, nil
}
