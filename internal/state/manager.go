// Package state tracks in-process probe bookkeeping shared by the worker
// pools: per-sweep dedup keys (a device must not be probed twice inside one
// sweep, even when the broker redelivers a batch) and the SNMP circuit
// breaker that suspends polling of devices that keep timing out.
package state

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// sweepHistory bounds how many sweep dedup sets are retained. Redeliveries
// arrive within the sweep period, so a handful of generations is plenty.
const sweepHistory = 8

// Manager provides thread-safe probe bookkeeping for all workers in the
// process.
type Manager struct {
	clock clockwork.Clock

	mu         sync.Mutex
	sweeps     map[string]map[int64]struct{}
	sweepOrder []string

	snmpFails     map[int64]int
	snmpSuspended map[int64]time.Time
}

// NewManager creates an empty Manager.
func NewManager(clock clockwork.Clock) *Manager {
	return &Manager{
		clock:         clock,
		sweeps:        make(map[string]map[int64]struct{}),
		snmpFails:     make(map[int64]int),
		snmpSuspended: make(map[int64]time.Time),
	}
}

// MarkProbed records that a device is being probed in the given sweep.
// Returns false when the device was already claimed for this sweep, which
// makes broker redelivery idempotent.
func (m *Manager) MarkProbed(sweepID string, deviceID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sweeps[sweepID]
	if !ok {
		set = make(map[int64]struct{})
		m.sweeps[sweepID] = set
		m.sweepOrder = append(m.sweepOrder, sweepID)
		// Drop the oldest generation once history is full.
		if len(m.sweepOrder) > sweepHistory {
			delete(m.sweeps, m.sweepOrder[0])
			m.sweepOrder = m.sweepOrder[1:]
		}
	}

	if _, dup := set[deviceID]; dup {
		return false
	}
	set[deviceID] = struct{}{}
	return true
}

// ReportSNMPSuccess resets the failure streak and lifts any suspension.
func (m *Manager) ReportSNMPSuccess(deviceID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snmpFails, deviceID)
	delete(m.snmpSuspended, deviceID)
}

// ReportSNMPFail counts a consecutive failure; once maxFails is reached the
// device's SNMP polling is suspended for backoff. Returns true when this call
// tripped the breaker.
func (m *Manager) ReportSNMPFail(deviceID int64, maxFails int, backoff time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snmpFails[deviceID]++
	if m.snmpFails[deviceID] < maxFails {
		return false
	}
	m.snmpFails[deviceID] = 0
	m.snmpSuspended[deviceID] = m.clock.Now().Add(backoff)
	return true
}

// IsSNMPSuspended reports whether the device is inside a suspension window.
// Expired suspensions are cleaned up on the way through.
func (m *Manager) IsSNMPSuspended(deviceID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.snmpSuspended[deviceID]
	if !ok {
		return false
	}
	if m.clock.Now().After(until) {
		delete(m.snmpSuspended, deviceID)
		return false
	}
	return true
}

// SuspendedCount returns how many devices are currently suspended, for the
// health endpoint.
func (m *Manager) SuspendedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	n := 0
	for _, until := range m.snmpSuspended {
		if now.Before(until) {
			n++
		}
	}
	return n
}
