package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kljama/fleetmon/internal/models"
	"github.com/kljama/fleetmon/internal/store"
)

type fakeAlertStore struct {
	mu         sync.Mutex
	rules      []models.AlertRule
	devices    []models.Device
	windows    []models.MaintenanceWindow
	downIfaces []models.Interface
	problems   map[problemKey]*models.Problem
	nextRuleID int64
	nextProbID int64
}

func newFakeAlertStore() *fakeAlertStore {
	return &fakeAlertStore{problems: make(map[problemKey]*models.Problem)}
}

func (s *fakeAlertStore) ListRules(context.Context) ([]models.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AlertRule, len(s.rules))
	copy(out, s.rules)
	return out, nil
}

func (s *fakeAlertStore) UpsertRule(_ context.Context, r models.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].Name == r.Name {
			r.ID = s.rules[i].ID
			s.rules[i] = r
			return nil
		}
	}
	s.nextRuleID++
	r.ID = s.nextRuleID
	s.rules = append(s.rules, r)
	return nil
}

func (s *fakeAlertStore) ListEnabled(context.Context) ([]models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Device, len(s.devices))
	copy(out, s.devices)
	return out, nil
}

func (s *fakeAlertStore) ListMaintenanceWindows(context.Context) ([]models.MaintenanceWindow, error) {
	return s.windows, nil
}

func (s *fakeAlertStore) ListCriticalDown(context.Context) ([]models.Interface, error) {
	return s.downIfaces, nil
}

func (s *fakeAlertStore) OpenProblemKeys(context.Context) ([]models.Problem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Problem
	for _, p := range s.problems {
		if p.ResolvedAt == nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeAlertStore) OpenOrTouch(_ context.Context, rule models.AlertRule, deviceID int64,
	ifIndex *int, flapping bool, now time.Time) (models.Problem, bool, error) {

	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(rule.ID, deviceID, ifIndex)
	if p, ok := s.problems[key]; ok && p.ResolvedAt == nil {
		p.LastSeen = now
		p.EventCount++
		p.Flapping = flapping
		return *p, false, nil
	}
	s.nextProbID++
	p := &models.Problem{
		ID: s.nextProbID, RuleID: rule.ID, RuleName: rule.Name, DeviceID: deviceID,
		IfIndex: ifIndex, Severity: rule.Severity,
		FirstTriggered: now, LastSeen: now, Flapping: flapping, EventCount: 1,
	}
	s.problems[key] = p
	return *p, true, nil
}

func (s *fakeAlertStore) Resolve(_ context.Context, ruleID, deviceID int64, ifIndex *int,
	now time.Time) (models.Problem, error) {

	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(ruleID, deviceID, ifIndex)
	p, ok := s.problems[key]
	if !ok || p.ResolvedAt != nil {
		return models.Problem{}, store.ErrNotFound
	}
	p.ResolvedAt = &now
	return *p, nil
}

func (s *fakeAlertStore) SetSuppressed(_ context.Context, problemID int64, suppressed bool, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.problems {
		if p.ID == problemID {
			p.Suppressed = suppressed
		}
	}
	return nil
}

func (s *fakeAlertStore) openProblems() []models.Problem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Problem
	for _, p := range s.problems {
		if p.ResolvedAt == nil {
			out = append(out, *p)
		}
	}
	return out
}

type fakeSampler struct {
	rtt  map[string][]float64
	loss map[string][]float64
}

func (f *fakeSampler) QueryRecentSamples(_ context.Context, metric string, _ int,
	_ time.Duration) (map[string][]float64, error) {
	if metric == "device_ping_rtt_ms" {
		return f.rtt, nil
	}
	return f.loss, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.ProblemEvent
}

func (f *fakeNotifier) PublishProblemEvent(ev models.ProblemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeNotifier) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		out = append(out, ev.Kind)
	}
	return out
}

func mustSeed(t *testing.T, st *fakeAlertStore) {
	t.Helper()
	require.NoError(t, SeedBuiltins(context.Background(), st))
}

func newTestEngine(st *fakeAlertStore, sampler Sampler, clock clockwork.Clock) (*Engine, *fakeNotifier) {
	notify := &fakeNotifier{}
	eng := NewEngine(Config{}, st, sampler, notify, clock, zerolog.Nop())
	return eng, notify
}

func downFor(clock clockwork.Clock, d time.Duration) *time.Time {
	t := clock.Now().UTC().Add(-d)
	return &t
}

func TestSeedBuiltinsLinksParent(t *testing.T) {
	st := newFakeAlertStore()
	mustSeed(t, st)

	rules, err := st.ListRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 7)

	byName := make(map[string]models.AlertRule)
	for _, r := range rules {
		byName[r.Name] = r
	}
	child := byName[RuleISPRouterDown]
	require.NotNil(t, child.ParentRuleID)
	assert.Equal(t, byName[RuleDeviceDown].ID, *child.ParentRuleID)

	flapChild := byName[RuleISPRouterFlapping]
	require.NotNil(t, flapChild.ParentRuleID)
	assert.Equal(t, byName[RuleDeviceFlapping].ID, *flapChild.ParentRuleID)

	// Seeding twice must not duplicate.
	mustSeed(t, st)
	rules, _ = st.ListRules(context.Background())
	assert.Len(t, rules, 7)
}

func TestDeviceDownOpensProblem(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := newFakeAlertStore()
	mustSeed(t, st)
	st.devices = []models.Device{{
		ID: 1, IP: "10.0.0.20", Enabled: true,
		Reachability: models.ReachabilityDown, DownSince: downFor(clock, 2*time.Minute),
	}}
	eng, notify := newTestEngine(st, nil, clock)

	require.NoError(t, eng.Evaluate(context.Background()))

	open := st.openProblems()
	require.Len(t, open, 1)
	assert.Equal(t, RuleDeviceDown, open[0].RuleName)
	assert.Equal(t, models.SeverityHigh, open[0].Severity)
	assert.Contains(t, notify.kinds(), models.EventProblemOpened)

	// A second pass touches instead of reopening.
	require.NoError(t, eng.Evaluate(context.Background()))
	open = st.openProblems()
	require.Len(t, open, 1)
	assert.Equal(t, 2, open[0].EventCount)
}

func TestDownDeviceAlertsOnFirstPass(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := newFakeAlertStore()
	mustSeed(t, st)
	// Down for one ping sweep: the first evaluation after the transition must
	// already open the problem, not wait out a grace period.
	st.devices = []models.Device{{
		ID: 1, IP: "10.0.0.20", Enabled: true,
		Reachability: models.ReachabilityDown, DownSince: downFor(clock, 10*time.Second),
	}}
	eng, notify := newTestEngine(st, nil, clock)

	require.NoError(t, eng.Evaluate(context.Background()))

	open := st.openProblems()
	require.Len(t, open, 1)
	assert.Equal(t, RuleDeviceDown, open[0].RuleName)
	assert.Contains(t, notify.kinds(), models.EventProblemOpened)
}

func TestRecoveryResolvesAndCooldownHolds(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := newFakeAlertStore()
	mustSeed(t, st)
	st.devices = []models.Device{{
		ID: 1, IP: "10.0.0.20", Enabled: true,
		Reachability: models.ReachabilityDown, DownSince: downFor(clock, 2*time.Minute),
	}}
	eng, notify := newTestEngine(st, nil, clock)
	ctx := context.Background()

	require.NoError(t, eng.Evaluate(ctx))
	require.Len(t, st.openProblems(), 1)

	// Device recovers.
	st.devices[0].Reachability = models.ReachabilityUp
	st.devices[0].DownSince = nil
	require.NoError(t, eng.Evaluate(ctx))
	assert.Empty(t, st.openProblems())
	assert.Contains(t, notify.kinds(), models.EventProblemResolved)

	// It drops again immediately: cooldown keeps the rule quiet.
	st.devices[0].Reachability = models.ReachabilityDown
	st.devices[0].DownSince = downFor(clock, 2*time.Minute)
	require.NoError(t, eng.Evaluate(ctx))
	assert.Empty(t, st.openProblems())

	// Past the cooldown it may alert again.
	clock.Advance(6 * time.Minute)
	st.devices[0].DownSince = downFor(clock, 2*time.Minute)
	require.NoError(t, eng.Evaluate(ctx))
	assert.Len(t, st.openProblems(), 1)
}

func TestISPRuleShadowsGenericDownRule(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := newFakeAlertStore()
	mustSeed(t, st)
	st.devices = []models.Device{{
		ID: 1, IP: "10.22.1.5", IsISPRouter: true, Enabled: true,
		Reachability: models.ReachabilityDown, DownSince: downFor(clock, 45*time.Second),
	}}
	eng, _ := newTestEngine(st, nil, clock)

	require.NoError(t, eng.Evaluate(context.Background()))

	open := st.openProblems()
	require.Len(t, open, 1)
	assert.Equal(t, RuleISPRouterDown, open[0].RuleName)
	assert.Equal(t, models.SeverityCritical, open[0].Severity)
}

func TestFlappingSuppressesDownAlert(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now().UTC()
	st := newFakeAlertStore()
	mustSeed(t, st)
	st.devices = []models.Device{{
		ID: 1, IP: "10.0.0.20", Enabled: true, IsFlapping: true,
		Reachability: models.ReachabilityDown, DownSince: downFor(clock, 2*time.Minute),
		StatusChanges: []time.Time{
			now.Add(-3 * time.Minute), now.Add(-2 * time.Minute), now.Add(-time.Minute),
		},
	}}
	eng, _ := newTestEngine(st, nil, clock)

	require.NoError(t, eng.Evaluate(context.Background()))

	open := st.openProblems()
	require.Len(t, open, 1)
	assert.Equal(t, RuleDeviceFlapping, open[0].RuleName)
	assert.True(t, open[0].Flapping)
}

func TestISPRouterFlapEscalatesToCritical(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now().UTC()
	st := newFakeAlertStore()
	mustSeed(t, st)
	// Two transitions inside the window: enough for the ISP-path router,
	// below the fleet-wide threshold of three.
	ring := []time.Time{now.Add(-2 * time.Minute), now.Add(-time.Minute)}
	st.devices = []models.Device{
		{
			ID: 1, IP: "10.22.1.5", IsISPRouter: true, Enabled: true, IsFlapping: true,
			Reachability: models.ReachabilityUp, StatusChanges: ring,
		},
		{
			ID: 2, IP: "10.22.1.31", Enabled: true,
			Reachability: models.ReachabilityUp, StatusChanges: ring,
		},
	}
	eng, _ := newTestEngine(st, nil, clock)

	require.NoError(t, eng.Evaluate(context.Background()))

	open := st.openProblems()
	require.Len(t, open, 1, "only the ISP router should alert at two transitions")
	assert.Equal(t, RuleISPRouterFlapping, open[0].RuleName)
	assert.Equal(t, models.SeverityCritical, open[0].Severity)
	assert.EqualValues(t, 1, open[0].DeviceID)
}

func TestMaintenanceWindowSuppresses(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now().UTC()
	st := newFakeAlertStore()
	mustSeed(t, st)
	st.devices = []models.Device{{
		ID: 1, IP: "10.0.0.20", Enabled: true,
		Reachability: models.ReachabilityDown, DownSince: downFor(clock, 2*time.Minute),
	}}
	st.windows = []models.MaintenanceWindow{{
		ID: 1, DeviceIDs: []int64{1},
		StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour), Recurrence: "none",
	}}
	eng, _ := newTestEngine(st, nil, clock)

	require.NoError(t, eng.Evaluate(context.Background()))

	open := st.openProblems()
	require.Len(t, open, 1)
	assert.True(t, open[0].Suppressed, "problem in maintenance must be suppressed")
}

func TestDeadGatewaySuppressesDependents(t *testing.T) {
	clock := clockwork.NewFakeClock()
	branch := int64(7)
	st := newFakeAlertStore()
	mustSeed(t, st)
	st.devices = []models.Device{
		{
			ID: 1, IP: "10.22.7.5", IsISPRouter: true, BranchID: &branch, Enabled: true,
			Reachability: models.ReachabilityDown, DownSince: downFor(clock, 5*time.Minute),
		},
		{
			ID: 2, IP: "10.22.7.31", BranchID: &branch, Enabled: true,
			Class:        models.ClassATM,
			Reachability: models.ReachabilityDown, DownSince: downFor(clock, 4*time.Minute),
		},
	}
	eng, _ := newTestEngine(st, nil, clock)

	require.NoError(t, eng.Evaluate(context.Background()))

	for _, p := range st.openProblems() {
		switch p.DeviceID {
		case 1:
			assert.False(t, p.Suppressed, "gateway's own problem must stay visible")
		case 2:
			assert.True(t, p.Suppressed, "device behind a dead gateway must be suppressed")
		}
	}
}

func TestCriticalInterfaceDownOpensScopedProblem(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := newFakeAlertStore()
	mustSeed(t, st)
	st.devices = []models.Device{{
		ID: 1, IP: "10.22.1.5", IsISPRouter: true, Enabled: true,
		Reachability: models.ReachabilityUp,
	}}
	st.downIfaces = []models.Interface{{
		DeviceID: 1, IfIndex: 3, IfName: "Gi0/0", InterfaceType: "isp",
		ISPProvider: "magti", IsCritical: true, OperStatus: models.OperDown,
	}}
	eng, _ := newTestEngine(st, nil, clock)
	ctx := context.Background()

	require.NoError(t, eng.Evaluate(ctx))

	open := st.openProblems()
	require.Len(t, open, 1)
	assert.Equal(t, RuleISPLinkDown, open[0].RuleName)
	require.NotNil(t, open[0].IfIndex)
	assert.Equal(t, 3, *open[0].IfIndex)

	// Link restores: the problem resolves on the next pass.
	st.downIfaces = nil
	require.NoError(t, eng.Evaluate(ctx))
	assert.Empty(t, st.openProblems())
}

func TestLatencyRuleUsesSampler(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := newFakeAlertStore()
	mustSeed(t, st)
	st.devices = []models.Device{{
		ID: 1, IP: "10.0.0.20", Enabled: true, Reachability: models.ReachabilityUp,
	}}
	sampler := &fakeSampler{rtt: map[string][]float64{"10.0.0.20": {250, 280, 310}}}
	eng, _ := newTestEngine(st, sampler, clock)

	require.NoError(t, eng.Evaluate(context.Background()))

	open := st.openProblems()
	require.Len(t, open, 1)
	assert.Equal(t, RuleHighLatency, open[0].RuleName)
}

func TestWindowActive(t *testing.T) {
	anchor := time.Date(2026, 5, 4, 22, 0, 0, 0, time.UTC) // Monday 22:00
	end := anchor.Add(2 * time.Hour)

	oneOff := models.MaintenanceWindow{StartsAt: anchor, EndsAt: end, Recurrence: "none"}
	assert.True(t, windowActive(oneOff, anchor.Add(time.Hour)))
	assert.False(t, windowActive(oneOff, end.Add(time.Minute)))

	// The 22:00-00:00 window repeats daily and crosses midnight.
	daily := models.MaintenanceWindow{StartsAt: anchor, EndsAt: end, Recurrence: "daily"}
	assert.True(t, windowActive(daily, anchor.AddDate(0, 0, 3).Add(30*time.Minute)))
	assert.False(t, windowActive(daily, anchor.AddDate(0, 0, 3).Add(-time.Hour)))

	weekly := models.MaintenanceWindow{StartsAt: anchor, EndsAt: end, Recurrence: "weekly"}
	assert.True(t, windowActive(weekly, anchor.AddDate(0, 0, 7).Add(time.Hour)))
	assert.False(t, windowActive(weekly, anchor.AddDate(0, 0, 6).Add(time.Hour)))
}
