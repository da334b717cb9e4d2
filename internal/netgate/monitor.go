package netgate

import "sync"

// Monitor holds the latest connectivity snapshot and the cellular permission.
// It is safe for concurrent use.
type Monitor struct {
	mu            sync.RWMutex
	snapshot      Snapshot
	allowCellular bool
	maxOverMobile int64
}

// NewMonitor creates a Monitor seeded with an initial snapshot.
func NewMonitor(initial Snapshot, allowCellular bool, maxOverMobile int64) *Monitor {
	return &Monitor{
		snapshot:      initial,
		allowCellular: allowCellular,
		maxOverMobile: maxOverMobile,
	}
}

// Update stores s and reports whether it differs from the previous snapshot.
func (m *Monitor) Update(s Snapshot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snapshot == s {
		return false
	}

	m.snapshot = s

	return true
}

// Snapshot returns the latest snapshot.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.snapshot
}

// SetCellularAllowed records the user's cellular permission.
func (m *Monitor) SetCellularAllowed(allowed bool) {
	m.mu.Lock()
	m.allowCellular = allowed
	m.mu.Unlock()
}

// CellularAllowed reports the user's cellular permission.
func (m *Monitor) CellularAllowed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.allowCellular
}

// Check evaluates the latest snapshot for a transfer of totalBytes.
// A negative totalBytes skips the size ceiling.
func (m *Monitor) Check(totalBytes int64) Verdict {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if totalBytes < 0 {
		return Evaluate(m.snapshot, m.allowCellular)
	}

	return EvaluateSize(m.snapshot, m.allowCellular, totalBytes, m.maxOverMobile)
}

// WifiEnabled reports whether the Wi-Fi radio is on.
func (m *Monitor) WifiEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.snapshot.WifiEnabled
}
