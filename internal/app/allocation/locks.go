package allocation

import (
	"sort"
	"sync"
)

// lockTable provides per-pool mutexes so multi-step operations against the
// same pool serialize in-process while disjoint pools proceed in parallel.
// The store's conditional updates remain the authority; these locks only
// keep one process's read-reserve-commit sequences coherent.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the given keys in sorted order (deadlock-free for any pair
// of concurrent operations) and returns the release function.
func (t *lockTable) acquire(keys ...string) func() {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k != "" && !seen[k] {
			seen[k] = true
			uniq = append(uniq, k)
		}
	}
	sort.Strings(uniq)

	held := make([]*sync.Mutex, 0, len(uniq))
	for _, k := range uniq {
		t.mu.Lock()
		m, ok := t.locks[k]
		if !ok {
			m = &sync.Mutex{}
			t.locks[k] = m
		}
		t.mu.Unlock()
		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
