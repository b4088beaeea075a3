package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestMarkProbedDedupsWithinSweep(t *testing.T) {
	m := NewManager(clockwork.NewFakeClock())
	if !m.MarkProbed("sweep-1", 42) {
		t.Fatal("first probe claim should succeed")
	}
	if m.MarkProbed("sweep-1", 42) {
		t.Error("second claim of same (sweep, device) must be rejected")
	}
	if !m.MarkProbed("sweep-2", 42) {
		t.Error("same device in a new sweep should be claimable")
	}
	if !m.MarkProbed("sweep-1", 43) {
		t.Error("different device in same sweep should be claimable")
	}
}

func TestMarkProbedEvictsOldSweeps(t *testing.T) {
	m := NewManager(clockwork.NewFakeClock())
	m.MarkProbed("sweep-0", 1)
	for i := 1; i <= sweepHistory; i++ {
		m.MarkProbed(fmt.Sprintf("sweep-%d", i), 1)
	}
	// sweep-0 fell out of history, so the claim looks fresh again.
	if !m.MarkProbed("sweep-0", 1) {
		t.Error("evicted sweep generation should not block claims")
	}
}

func TestCircuitBreakerTripsAfterMaxFails(t *testing.T) {
	m := NewManager(clockwork.NewFakeClock())
	if m.ReportSNMPFail(7, 3, time.Minute) {
		t.Error("breaker must not trip on first failure")
	}
	if m.ReportSNMPFail(7, 3, time.Minute) {
		t.Error("breaker must not trip on second failure")
	}
	if !m.ReportSNMPFail(7, 3, time.Minute) {
		t.Error("breaker should trip on third failure")
	}
	if !m.IsSNMPSuspended(7) {
		t.Error("device should be suspended after trip")
	}
	if m.SuspendedCount() != 1 {
		t.Errorf("expected 1 suspended device, got %d", m.SuspendedCount())
	}
}

func TestCircuitBreakerSuccessResetsStreak(t *testing.T) {
	m := NewManager(clockwork.NewFakeClock())
	m.ReportSNMPFail(7, 3, time.Minute)
	m.ReportSNMPFail(7, 3, time.Minute)
	m.ReportSNMPSuccess(7)
	if m.ReportSNMPFail(7, 3, time.Minute) {
		t.Error("streak should have been reset by the success")
	}
}

func TestCircuitBreakerSuspensionExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(clock)
	m.ReportSNMPFail(7, 1, time.Minute)
	if !m.IsSNMPSuspended(7) {
		t.Fatal("device should be suspended")
	}
	clock.Advance(61 * time.Second)
	if m.IsSNMPSuspended(7) {
		t.Error("suspension should expire after backoff")
	}
	if m.SuspendedCount() != 0 {
		t.Errorf("expected 0 suspended after expiry, got %d", m.SuspendedCount())
	}
}

func TestManagerConcurrentClaims(t *testing.T) {
	m := NewManager(clockwork.NewFakeClock())
	const workers = 32
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		go func() { wins <- m.MarkProbed("sweep-x", 1) }()
	}
	claimed := 0
	for i := 0; i < workers; i++ {
		if <-wins {
			claimed++
		}
	}
	if claimed != 1 {
		t.Errorf("exactly one concurrent claim should win, got %d", claimed)
	}
}
