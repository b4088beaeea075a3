package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/kljama/fleetmon/internal/broker"
	"github.com/kljama/fleetmon/internal/influx"
	"github.com/kljama/fleetmon/internal/models"
	"github.com/kljama/fleetmon/internal/store"
)

// Store is the slice of the current-state store the engine needs.
type Store interface {
	ListRules(ctx context.Context) ([]models.AlertRule, error)
	UpsertRule(ctx context.Context, r models.AlertRule) error
	ListEnabled(ctx context.Context) ([]models.Device, error)
	ListMaintenanceWindows(ctx context.Context) ([]models.MaintenanceWindow, error)
	ListCriticalDown(ctx context.Context) ([]models.Interface, error)
	OpenProblemKeys(ctx context.Context) ([]models.Problem, error)
	OpenOrTouch(ctx context.Context, rule models.AlertRule, deviceID int64,
		ifIndex *int, flapping bool, now time.Time) (models.Problem, bool, error)
	Resolve(ctx context.Context, ruleID, deviceID int64, ifIndex *int,
		now time.Time) (models.Problem, error)
	SetSuppressed(ctx context.Context, problemID int64, suppressed bool, now time.Time) error
}

// Sampler answers batched recent-sample queries against the time-series
// backend.
type Sampler interface {
	QueryRecentSamples(ctx context.Context, metric string, n int,
		window time.Duration) (map[string][]float64, error)
}

// Notifier publishes problem lifecycle events.
type Notifier interface {
	PublishProblemEvent(ev models.ProblemEvent) error
}

// Config tunes the engine.
type Config struct {
	// SampleWindow bounds how far back latency/loss conditions look.
	SampleWindow time.Duration
	// MaxSamples caps how many recent samples are fetched per device.
	MaxSamples int
	// Debounce collects a burst of state events into one evaluation.
	Debounce time.Duration
}

// Engine evaluates every enabled rule against the device fleet. One snapshot
// evaluation is a handful of batched queries plus in-memory work, so a full
// pass over a thousand devices stays well under a second.
type Engine struct {
	cfg    Config
	store  Store
	sample Sampler
	notify Notifier
	clock  clockwork.Clock
	log    zerolog.Logger

	kick chan struct{}

	mu           sync.Mutex
	lastResolved map[problemKey]time.Time
}

type problemKey struct {
	ruleID   int64
	deviceID int64
	ifIndex  int // -1 for device-scoped problems
}

func keyOf(ruleID, deviceID int64, ifIndex *int) problemKey {
	k := problemKey{ruleID: ruleID, deviceID: deviceID, ifIndex: -1}
	if ifIndex != nil {
		k.ifIndex = *ifIndex
	}
	return k
}

// NewEngine builds an engine. sample may be nil when no time-series backend
// is reachable; latency and loss rules then never fire.
func NewEngine(cfg Config, st Store, sample Sampler, notify Notifier,
	clock clockwork.Clock, log zerolog.Logger) *Engine {

	if cfg.SampleWindow == 0 {
		cfg.SampleWindow = 15 * time.Minute
	}
	if cfg.MaxSamples == 0 {
		cfg.MaxSamples = 5
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	return &Engine{
		cfg:          cfg,
		store:        st,
		sample:       sample,
		notify:       notify,
		clock:        clock,
		log:          log,
		kick:         make(chan struct{}, 1),
		lastResolved: make(map[problemKey]time.Time),
	}
}

// HandleEvalJob runs one scheduled evaluation pass.
func (e *Engine) HandleEvalJob(ctx context.Context, job broker.Job) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("Alert evaluation panic recovered")
		}
	}()
	start := e.clock.Now()
	if err := e.Evaluate(ctx); err != nil {
		e.log.Error().Err(err).Msg("Alert evaluation failed")
		return
	}
	e.log.Debug().Dur("took", e.clock.Since(start)).Str("sweep_id", job.SweepID).
		Msg("Alert evaluation completed")
}

// HandleStateEvent requests a prompt re-evaluation after a state transition.
// Non-blocking; bursts collapse into one pass.
func (e *Engine) HandleStateEvent(models.StateEvent) {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run reacts to state-event kicks until ctx is done. Scheduled passes arrive
// separately through HandleEvalJob.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.kick:
			// Let the rest of a burst land before evaluating once.
			select {
			case <-ctx.Done():
				return
			case <-e.clock.After(e.cfg.Debounce):
			}
			if err := e.Evaluate(ctx); err != nil {
				e.log.Error().Err(err).Msg("Event-driven alert evaluation failed")
			}
		}
	}
}

type compiledRule struct {
	rule models.AlertRule
	cond Condition
}

// Evaluate runs one full pass: compute the desired problem set from current
// state, open what is missing, resolve what no longer holds, and refresh
// suppression flags.
func (e *Engine) Evaluate(ctx context.Context) error {
	now := e.clock.Now().UTC()

	rawRules, err := e.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("alerts: load rules: %w", err)
	}
	var rules []compiledRule
	needTS := false
	for _, r := range rawRules {
		cond, err := Decode(r.Condition)
		if err != nil {
			e.log.Error().Err(err).Str("rule", r.Name).Msg("Skipping rule with invalid condition")
			continue
		}
		rules = append(rules, compiledRule{rule: r, cond: cond})
		if usesTimeSeries(cond) {
			needTS = true
		}
	}

	devices, err := e.store.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("alerts: load devices: %w", err)
	}
	deviceByID := make(map[int64]models.Device, len(devices))
	for _, d := range devices {
		deviceByID[d.ID] = d
	}

	windows, err := e.store.ListMaintenanceWindows(ctx)
	if err != nil {
		return fmt.Errorf("alerts: load maintenance windows: %w", err)
	}
	inMaint := maintenanceSet(windows, now)

	var rtt, loss map[string][]float64
	if needTS && e.sample != nil {
		if rtt, err = e.sample.QueryRecentSamples(ctx, influx.MetricPingRTT,
			e.cfg.MaxSamples, e.cfg.SampleWindow); err != nil {
			e.log.Warn().Err(err).Msg("Time-series unavailable, latency/loss rules skipped this pass")
		}
		if loss, err = e.sample.QueryRecentSamples(ctx, influx.MetricPingLoss,
			e.cfg.MaxSamples, e.cfg.SampleWindow); err != nil {
			e.log.Warn().Err(err).Msg("Time-series unavailable, latency/loss rules skipped this pass")
		}
	}

	desired := e.desiredProblems(ctx, rules, devices, rtt, loss, now)

	open, err := e.store.OpenProblemKeys(ctx)
	if err != nil {
		return fmt.Errorf("alerts: load open problems: %w", err)
	}
	openByKey := make(map[problemKey]models.Problem, len(open))
	for _, p := range open {
		openByKey[keyOf(p.RuleID, p.DeviceID, p.IfIndex)] = p
	}

	active := e.reconcile(ctx, desired, openByKey, now)
	e.applySuppression(ctx, active, deviceByID, inMaint, now)
	return nil
}

type desiredProblem struct {
	rule     models.AlertRule
	ifIndex  *int
	flapping bool
}

// desiredProblems computes which (rule, device, interface) triples should
// have an open problem right now.
func (e *Engine) desiredProblems(ctx context.Context, rules []compiledRule,
	devices []models.Device, rtt, loss map[string][]float64, now time.Time) map[problemKey]desiredProblem {

	desired := make(map[problemKey]desiredProblem)

	// Child rules shadow their parent wherever their own scope matches, so an
	// ISP specialization replaces the generic rule instead of doubling it.
	shadowed := make(map[int64][]compiledRule)
	for _, cr := range rules {
		if cr.rule.ParentRuleID != nil {
			shadowed[*cr.rule.ParentRuleID] = append(shadowed[*cr.rule.ParentRuleID], cr)
		}
	}

	for _, cr := range rules {
		if _, ok := cr.cond.(InterfaceDown); ok {
			continue // handled below, fleet-wide
		}
		for _, dev := range devices {
			if !scopeMatches(cr.rule, dev) {
				continue
			}
			if childShadows(shadowed[cr.rule.ID], dev) {
				continue
			}
			// While a device oscillates, transition alerts stay quiet; the
			// flap rule carries the single problem instead.
			if dev.IsFlapping && isTransitional(cr.cond) {
				continue
			}
			facts := DeviceFacts{
				Device:      dev,
				Now:         now,
				RTTSamples:  rtt[dev.IP],
				LossSamples: loss[dev.IP],
			}
			if cr.cond.Eval(facts) {
				desired[keyOf(cr.rule.ID, dev.ID, nil)] = desiredProblem{
					rule:     cr.rule,
					flapping: dev.IsFlapping,
				}
			}
		}
	}

	var downIfaces []models.Interface
	for _, cr := range rules {
		if _, ok := cr.cond.(InterfaceDown); !ok {
			continue
		}
		if downIfaces == nil {
			var err error
			downIfaces, err = e.store.ListCriticalDown(ctx)
			if err != nil {
				e.log.Error().Err(err).Msg("Failed to load down critical interfaces")
				break
			}
		}
		for _, iface := range downIfaces {
			if cr.rule.Scope == models.ScopeISPInterfaces && iface.InterfaceType != "isp" {
				continue
			}
			ifIndex := iface.IfIndex
			desired[keyOf(cr.rule.ID, iface.DeviceID, &ifIndex)] = desiredProblem{
				rule:    cr.rule,
				ifIndex: &ifIndex,
			}
		}
	}
	return desired
}

// reconcile opens or touches desired problems and resolves stale ones,
// honoring per-rule cooldowns. Returns the open problems after the pass.
func (e *Engine) reconcile(ctx context.Context, desired map[problemKey]desiredProblem,
	open map[problemKey]models.Problem, now time.Time) []models.Problem {

	var active []models.Problem

	for key, want := range desired {
		if _, isOpen := open[key]; !isOpen && e.inCooldown(key, want.rule, now) {
			continue
		}
		p, opened, err := e.store.OpenOrTouch(ctx, want.rule, key.deviceID,
			want.ifIndex, want.flapping, now)
		if err != nil {
			e.log.Error().Err(err).Str("rule", want.rule.Name).
				Int64("device_id", key.deviceID).Msg("Failed to open problem")
			continue
		}
		active = append(active, p)
		if opened {
			e.publish(models.ProblemEvent{
				Kind:      models.EventProblemOpened,
				ProblemID: p.ID,
				RuleName:  want.rule.Name,
				DeviceID:  p.DeviceID,
				Severity:  p.Severity,
				At:        now,
			})
			e.log.Info().Str("rule", want.rule.Name).Int64("device_id", p.DeviceID).
				Str("severity", string(p.Severity)).Msg("Problem opened")
		}
	}

	for key, p := range open {
		if _, still := desired[key]; still {
			continue
		}
		ifIndex := p.IfIndex
		resolved, err := e.store.Resolve(ctx, key.ruleID, key.deviceID, ifIndex, now)
		if err != nil {
			// Already resolved by a concurrent pass is fine.
			if !errors.Is(err, store.ErrNotFound) {
				e.log.Error().Err(err).Int64("problem_id", p.ID).Msg("Failed to resolve problem")
			}
			continue
		}
		e.rememberResolved(key, now)
		e.publish(models.ProblemEvent{
			Kind:      models.EventProblemResolved,
			ProblemID: resolved.ID,
			RuleName:  resolved.RuleName,
			DeviceID:  resolved.DeviceID,
			Severity:  resolved.Severity,
			At:        now,
		})
		e.log.Info().Str("rule", resolved.RuleName).Int64("device_id", resolved.DeviceID).
			Msg("Problem resolved")
	}
	return active
}

// applySuppression marks problems suppressed while their device sits in an
// active maintenance window or behind a dead branch gateway.
func (e *Engine) applySuppression(ctx context.Context, active []models.Problem,
	devices map[int64]models.Device, inMaint map[int64]bool, now time.Time) {

	gateways := branchGateways(devices)

	for _, p := range active {
		dev, ok := devices[p.DeviceID]
		if !ok {
			continue
		}
		suppressed := inMaint[dev.ID] || behindDeadGateway(dev, gateways)
		if err := e.store.SetSuppressed(ctx, p.ID, suppressed, now); err != nil {
			e.log.Error().Err(err).Int64("problem_id", p.ID).Msg("Failed to update suppression")
		}
	}
}

func (e *Engine) inCooldown(key problemKey, rule models.AlertRule, now time.Time) bool {
	if rule.CooldownSecs <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastResolved[key]
	return ok && now.Sub(last) < time.Duration(rule.CooldownSecs)*time.Second
}

func (e *Engine) rememberResolved(key problemKey, now time.Time) {
	e.mu.Lock()
	e.lastResolved[key] = now
	e.mu.Unlock()
}

func (e *Engine) publish(ev models.ProblemEvent) {
	if err := e.notify.PublishProblemEvent(ev); err != nil {
		e.log.Error().Err(err).Str("kind", ev.Kind).Msg("Failed to publish problem event")
	}
}

func scopeMatches(rule models.AlertRule, dev models.Device) bool {
	switch rule.Scope {
	case models.ScopeISPInterfaces:
		return dev.OnISPPath()
	case models.ScopeDeviceClass:
		return dev.Class == rule.ScopeClass
	default:
		return true
	}
}

func childShadows(children []compiledRule, dev models.Device) bool {
	for _, child := range children {
		if scopeMatches(child.rule, dev) {
			return true
		}
	}
	return false
}

// branchGateways picks the ISP-path router of each branch.
func branchGateways(devices map[int64]models.Device) map[int64]models.Device {
	out := make(map[int64]models.Device)
	for _, d := range devices {
		if d.BranchID == nil || !d.OnISPPath() {
			continue
		}
		if existing, ok := out[*d.BranchID]; !ok || d.ID < existing.ID {
			out[*d.BranchID] = d
		}
	}
	return out
}

// behindDeadGateway reports whether the device's branch gateway is itself
// down, in which case everything behind it alerts for the gateway's reasons.
func behindDeadGateway(dev models.Device, gateways map[int64]models.Device) bool {
	if dev.BranchID == nil {
		return false
	}
	gw, ok := gateways[*dev.BranchID]
	if !ok || gw.ID == dev.ID {
		return false
	}
	return gw.Reachability == models.ReachabilityDown
}

// maintenanceSet resolves which devices sit inside an active window at now.
func maintenanceSet(windows []models.MaintenanceWindow, now time.Time) map[int64]bool {
	out := make(map[int64]bool)
	for _, w := range windows {
		if !windowActive(w, now) {
			continue
		}
		for _, id := range w.DeviceIDs {
			out[id] = true
		}
	}
	return out
}

// windowActive evaluates one maintenance window at the given instant.
// Recurring windows repeat the start/end time of day (and weekday, for
// weekly) of their anchor timestamps.
func windowActive(w models.MaintenanceWindow, now time.Time) bool {
	switch w.Recurrence {
	case "daily":
		return clockWithin(w.StartsAt, w.EndsAt, now)
	case "weekly":
		if now.UTC().Weekday() != w.StartsAt.UTC().Weekday() {
			return false
		}
		return clockWithin(w.StartsAt, w.EndsAt, now)
	default:
		return !now.Before(w.StartsAt) && now.Before(w.EndsAt)
	}
}

func clockWithin(start, end, now time.Time) bool {
	mins := func(t time.Time) int {
		u := t.UTC()
		return u.Hour()*60 + u.Minute()
	}
	s, e, n := mins(start), mins(end), mins(now)
	if s <= e {
		return n >= s && n < e
	}
	// Window crosses midnight.
	return n >= s || n < e
}
