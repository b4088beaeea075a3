package alerts

import (
	"context"
	"fmt"

	"github.com/kljama/fleetmon/internal/models"
)

// Built-in rule names. Operators may tune thresholds through the table; the
// seeder re-asserts the definitions on every start.
const (
	RuleDeviceDown        = "device-down"
	RuleISPRouterDown     = "isp-router-down"
	RuleDeviceFlapping    = "device-flapping"
	RuleISPRouterFlapping = "isp-router-flapping"
	RuleISPLinkDown       = "isp-link-down"
	RuleHighLatency       = "high-latency"
	RuleHighPacketLoss    = "high-packet-loss"
)

// SeedBuiltins upserts the stock rule set. The down rules carry a zero
// duration so a confirmed Up->Down transition opens a problem on the very
// next evaluation pass. ISP rules are children of their generic counterparts
// so ISP-path devices escalate instead of double-alerting.
func SeedBuiltins(ctx context.Context, st Store) error {
	type seed struct {
		name     string
		severity models.Severity
		scope    models.RuleScope
		parent   string
		cooldown int
		cond     Condition
	}
	seeds := []seed{
		{RuleDeviceDown, models.SeverityHigh, models.ScopeAllDevices, "", 300,
			DownDuration{Secs: 0}},
		{RuleISPRouterDown, models.SeverityCritical, models.ScopeISPInterfaces, RuleDeviceDown, 120,
			DownDuration{Secs: 0}},
		{RuleDeviceFlapping, models.SeverityMedium, models.ScopeAllDevices, "", 600,
			StatusChanges{Count: 3, WindowSecs: 300}},
		{RuleISPRouterFlapping, models.SeverityCritical, models.ScopeISPInterfaces, RuleDeviceFlapping, 600,
			StatusChanges{Count: 2, WindowSecs: 300}},
		{RuleISPLinkDown, models.SeverityCritical, models.ScopeISPInterfaces, "", 120,
			InterfaceDown{}},
		{RuleHighLatency, models.SeverityMedium, models.ScopeAllDevices, "", 600,
			ResponseTime{ThresholdMs: 200, Samples: 3}},
		{RuleHighPacketLoss, models.SeverityMedium, models.ScopeAllDevices, "", 600,
			PacketLoss{ThresholdPct: 20, Samples: 3}},
	}

	idByName := make(map[string]int64)
	for _, s := range seeds {
		condJSON, err := Encode(s.cond)
		if err != nil {
			return fmt.Errorf("alerts: encode %s: %w", s.name, err)
		}
		rule := models.AlertRule{
			Name:         s.name,
			Severity:     s.severity,
			Scope:        s.scope,
			Condition:    condJSON,
			Enabled:      true,
			CooldownSecs: s.cooldown,
		}
		if s.parent != "" {
			parentID, ok := idByName[s.parent]
			if !ok {
				return fmt.Errorf("alerts: rule %s seeds before its parent %s", s.name, s.parent)
			}
			rule.ParentRuleID = &parentID
		}
		if err := st.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("alerts: seed %s: %w", s.name, err)
		}

		// Parent linking needs the assigned id.
		rules, err := st.ListRules(ctx)
		if err != nil {
			return fmt.Errorf("alerts: reload rules: %w", err)
		}
		for _, r := range rules {
			idByName[r.Name] = r.ID
		}
	}
	return nil
}
