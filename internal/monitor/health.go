package monitor

import "sync"

// probeHealth counts consecutive failed liveness probes per PID. A PID
// whose probe keeps failing cannot be confirmed alive and is eventually
// treated like a dead one instead of being retried forever.
type probeHealth struct {
	mu        sync.Mutex
	threshold int
	failures  map[int]int
	lastErr   map[int]string
}

func newProbeHealth(threshold int) *probeHealth {
	if threshold <= 0 {
		threshold = 1
	}
	return &probeHealth{
		threshold: threshold,
		failures:  make(map[int]int),
		lastErr:   make(map[int]string),
	}
}

func (h *probeHealth) recordSuccess(pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failures, pid)
	delete(h.lastErr, pid)
}

// recordFailure increments pid's counter and reports whether it has
// reached the threshold.
func (h *probeHealth) recordFailure(pid int, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[pid]++
	h.lastErr[pid] = err.Error()
	return h.failures[pid] >= h.threshold
}

func (h *probeHealth) forget(pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failures, pid)
	delete(h.lastErr, pid)
}

func (h *probeHealth) count(pid int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures[pid]
}

func (h *probeHealth) lastError(pid int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr[pid]
}

// prune drops counters for PIDs no longer being watched.
func (h *probeHealth) prune(watched map[int]bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for pid := range h.failures {
		if !watched[pid] {
			delete(h.failures, pid)
			delete(h.lastErr, pid)
		}
	}
}
