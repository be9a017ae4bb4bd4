package monitor

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// maxAncestorDepth bounds parent walks so a cycle or a very deep tree
// cannot stall a caller.
const maxAncestorDepth = 10

// Inspector answers questions about OS processes without signalling
// them.
type Inspector interface {
	// Alive reports whether pid exists and is not a zombie. A non-nil
	// error means liveness could not be determined.
	Alive(pid int) (bool, error)
	// HasChildren reports whether pid currently has child processes.
	HasChildren(pid int) (bool, error)
	// IsDescendant reports whether ancestor appears among pid's
	// parents.
	IsDescendant(pid, ancestor int) bool
}

// ProcessInspector implements Inspector with gopsutil.
type ProcessInspector struct{}

func (ProcessInspector) Alive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return false, fmt.Errorf("probe pid %d: %w", pid, err)
	}
	if !exists {
		return false, nil
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, fmt.Errorf("open pid %d: %w", pid, err)
	}
	status, err := p.Status()
	if err != nil {
		// Existence was confirmed; the status read is best effort.
		return true, nil
	}
	for _, s := range status {
		if s == process.Zombie {
			return false, nil
		}
	}
	return true, nil
}

func (ProcessInspector) HasChildren(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false, fmt.Errorf("open pid %d: %w", pid, err)
	}
	children, err := p.Children()
	if err != nil {
		if errors.Is(err, process.ErrorNoChildren) {
			return false, nil
		}
		return false, fmt.Errorf("children of %d: %w", pid, err)
	}
	return len(children) > 0, nil
}

func (ProcessInspector) IsDescendant(pid, ancestor int) bool {
	return isDescendant(pid, ancestor, parentPID)
}

func parentPID(pid int) int {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ppid, err := p.Ppid()
	if err != nil {
		return 0
	}
	return int(ppid)
}

// isDescendant walks from pid upward through parent, stopping at init,
// at a self-parented process or after maxAncestorDepth hops.
func isDescendant(pid, ancestor int, parent func(int) int) bool {
	if pid <= 0 || ancestor <= 0 || pid == ancestor {
		return false
	}
	current := pid
	for i := 0; i < maxAncestorDepth; i++ {
		next := parent(current)
		if next == ancestor {
			return true
		}
		if next <= 1 || next == current {
			return false
		}
		current = next
	}
	return false
}
