package monitoring

import (
	"time"

	"github.com/kljama/fleetmon/internal/models"
	"github.com/kljama/fleetmon/internal/store"
)

// ringCap bounds the status-change ring kept on the device row.
const ringCap = 16

// FlapConfig holds the flap-detection thresholds. ISPK applies to devices on
// the ISP-router path, which get the tighter threshold.
type FlapConfig struct {
	K      int
	Window time.Duration
	ISPK   int
}

// Transition is the outcome of feeding one probe result through the state
// machine: the new row image plus what happened, for event emission.
type Transition struct {
	Outcome  store.ProbeOutcome
	WentDown bool
	CameUp   bool
	Downtime time.Duration

	FlapStarted bool
	FlapCleared bool
}

// Apply is the per-device reachability state machine. It is pure: next state
// depends only on the prior row image, the observed result and the clock
// instant. All time arithmetic is UTC; down_since is set exactly once on
// Up→Down and cleared exactly once on Down→Up.
func Apply(prior models.Device, reachable bool, rttMs, lossPct float64,
	isISP bool, cfg FlapConfig, now time.Time) Transition {

	now = now.UTC()
	tr := Transition{}
	out := &tr.Outcome
	out.LastProbeAt = now
	out.DownSince = prior.DownSince
	out.StatusChanges = prior.StatusChanges
	out.IsFlapping = prior.IsFlapping
	out.LossPct = &lossPct
	if reachable {
		out.RTTMs = &rttMs
	} else {
		out.RTTMs = prior.LastRTTMs
	}

	switch {
	case reachable && prior.Reachability == models.ReachabilityDown:
		// Recovery.
		out.Reachability = models.ReachabilityUp
		if prior.DownSince != nil {
			tr.Downtime = now.Sub(prior.DownSince.UTC())
		}
		out.DownSince = nil
		out.StatusChanges = pushRing(prior.StatusChanges, now)
		tr.CameUp = true

	case reachable:
		// Up stays Up; first probe of an unknown device settles it as Up
		// without counting a transition.
		out.Reachability = models.ReachabilityUp

	case prior.Reachability == models.ReachabilityDown:
		// Down stays Down; the outage extends, down_since must not move.
		out.Reachability = models.ReachabilityDown

	default:
		// Up (or never-probed) goes Down.
		out.Reachability = models.ReachabilityDown
		ds := now
		out.DownSince = &ds
		if prior.Reachability == models.ReachabilityUp {
			out.StatusChanges = pushRing(prior.StatusChanges, now)
		}
		tr.WentDown = true
	}

	k := cfg.K
	if isISP {
		k = cfg.ISPK
	}
	flapping := countWithin(out.StatusChanges, now, cfg.Window) >= k
	stable := countWithin(out.StatusChanges, now, cfg.Window) == 0

	switch {
	case flapping && !prior.IsFlapping:
		out.IsFlapping = true
		tr.FlapStarted = true
	case prior.IsFlapping && stable:
		// A full window with no transitions clears the flag.
		out.IsFlapping = false
		tr.FlapCleared = true
	}

	return tr
}

func pushRing(ring []time.Time, t time.Time) []time.Time {
	next := make([]time.Time, 0, len(ring)+1)
	next = append(next, ring...)
	next = append(next, t)
	if len(next) > ringCap {
		next = next[len(next)-ringCap:]
	}
	return next
}

func countWithin(ring []time.Time, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, t := range ring {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
