package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kljama/fleetmon/internal/models"
)

const problemColumns = `
	p.id, p.rule_id, r.name, p.device_id, p.if_index, p.severity,
	p.first_triggered, p.last_seen, p.resolved_at, p.suppressed, p.flapping,
	p.event_count`

func scanProblem(row pgx.Row) (models.Problem, error) {
	var p models.Problem
	err := row.Scan(
		&p.ID, &p.RuleID, &p.RuleName, &p.DeviceID, &p.IfIndex, &p.Severity,
		&p.FirstTriggered, &p.LastSeen, &p.ResolvedAt, &p.Suppressed,
		&p.Flapping, &p.EventCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

// OpenOrTouch opens a problem for (rule, device, ifIndex) or, when one is
// already open, bumps last_seen and event_count instead. The partial unique
// index makes the insert race-safe; a journal row is appended either way.
// Returns the row and whether it was newly opened.
func (s *Store) OpenOrTouch(ctx context.Context, rule models.AlertRule, deviceID int64,
	ifIndex *int, flapping bool, now time.Time) (models.Problem, bool, error) {

	var p models.Problem
	var opened bool

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+problemColumns+`
			FROM active_problems p JOIN alert_rules r ON r.id = p.rule_id
			WHERE p.rule_id = $1 AND p.device_id = $2
			  AND COALESCE(p.if_index, -1) = COALESCE($3, -1)
			  AND p.resolved_at IS NULL
			FOR UPDATE OF p`,
			rule.ID, deviceID, ifIndex)

		existing, err := scanProblem(row)
		switch {
		case err == nil:
			_, err = tx.Exec(ctx, `
				UPDATE active_problems
				SET last_seen = $2, event_count = event_count + 1, flapping = $3
				WHERE id = $1`, existing.ID, now, flapping)
			if err != nil {
				return err
			}
			existing.LastSeen = now
			existing.EventCount++
			existing.Flapping = flapping
			p = existing
			return s.appendHistory(ctx, tx, p, "updated", now)

		case errors.Is(err, ErrNotFound):
			row := tx.QueryRow(ctx, `
				INSERT INTO active_problems
					(rule_id, device_id, if_index, severity, first_triggered,
					 last_seen, flapping)
				VALUES ($1, $2, $3, $4, $5, $5, $6)
				RETURNING id`,
				rule.ID, deviceID, ifIndex, rule.Severity, now, flapping)
			if err := row.Scan(&p.ID); err != nil {
				return fmt.Errorf("store: open problem: %w", err)
			}
			p.RuleID = rule.ID
			p.RuleName = rule.Name
			p.DeviceID = deviceID
			p.IfIndex = ifIndex
			p.Severity = rule.Severity
			p.FirstTriggered = now
			p.LastSeen = now
			p.Flapping = flapping
			p.EventCount = 1
			opened = true
			return s.appendHistory(ctx, tx, p, "opened", now)

		default:
			return err
		}
	})
	return p, opened, err
}

// Resolve closes the open problem for (rule, device, ifIndex) if one exists.
// Resolution is terminal and idempotent: resolving an already-closed or
// absent problem is a no-op returning ErrNotFound.
func (s *Store) Resolve(ctx context.Context, ruleID, deviceID int64, ifIndex *int,
	now time.Time) (models.Problem, error) {

	var p models.Problem
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE active_problems p SET resolved_at = $4
			FROM alert_rules r
			WHERE r.id = p.rule_id
			  AND p.rule_id = $1 AND p.device_id = $2
			  AND COALESCE(p.if_index, -1) = COALESCE($3, -1)
			  AND p.resolved_at IS NULL
			RETURNING `+problemColumns,
			ruleID, deviceID, ifIndex, now)
		var err error
		p, err = scanProblem(row)
		if err != nil {
			return err
		}
		return s.appendHistory(ctx, tx, p, "resolved", now)
	})
	return p, err
}

// SetSuppressed flips dependency/maintenance suppression on an open problem.
func (s *Store) SetSuppressed(ctx context.Context, problemID int64, suppressed bool, now time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE active_problems p SET suppressed = $2
			FROM alert_rules r
			WHERE r.id = p.rule_id AND p.id = $1 AND p.suppressed <> $2
			RETURNING `+problemColumns,
			problemID, suppressed)
		p, err := scanProblem(row)
		if errors.Is(err, ErrNotFound) {
			return nil // already in the requested state
		}
		if err != nil {
			return err
		}
		return s.appendHistory(ctx, tx, p, "suppressed", now)
	})
}

func (s *Store) appendHistory(ctx context.Context, tx pgx.Tx, p models.Problem, kind string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO alert_history (problem_id, device_id, rule_id, kind, at)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.DeviceID, p.RuleID, kind, at)
	if err != nil {
		return fmt.Errorf("store: append history: %w", err)
	}
	return nil
}

// ProblemFilter narrows ListProblems. Zero values mean "no filter".
type ProblemFilter struct {
	ActiveOnly bool
	Severity   models.Severity
	DeviceID   int64
}

// ListProblems returns problems matching the filter, newest first.
func (s *Store) ListProblems(ctx context.Context, f ProblemFilter) ([]models.Problem, error) {
	query := `
		SELECT ` + problemColumns + `
		FROM active_problems p JOIN alert_rules r ON r.id = p.rule_id
		WHERE ($1 = false OR p.resolved_at IS NULL)
		  AND ($2 = '' OR p.severity = $2)
		  AND ($3 = 0 OR p.device_id = $3)
		ORDER BY p.first_triggered DESC`

	rows, err := s.pool.Query(ctx, query, f.ActiveOnly, string(f.Severity), f.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("store: list problems: %w", err)
	}
	defer rows.Close()

	var problems []models.Problem
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan problem: %w", err)
		}
		problems = append(problems, p)
	}
	return problems, rows.Err()
}

// OpenProblemKeys returns the identity keys of all open problems, which the
// alert engine uses to converge resolution after a restart.
func (s *Store) OpenProblemKeys(ctx context.Context) ([]models.Problem, error) {
	return s.ListProblems(ctx, ProblemFilter{ActiveOnly: true})
}

// ListRules returns enabled alert rules.
func (s *Store) ListRules(ctx context.Context) ([]models.AlertRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, severity, scope, scope_class, condition, enabled,
		       parent_rule, cooldown_secs
		FROM alert_rules WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list rules: %w", err)
	}
	defer rows.Close()

	var rules []models.AlertRule
	for rows.Next() {
		var r models.AlertRule
		if err := rows.Scan(&r.ID, &r.Name, &r.Severity, &r.Scope, &r.ScopeClass,
			&r.Condition, &r.Enabled, &r.ParentRuleID, &r.CooldownSecs); err != nil {
			return nil, fmt.Errorf("store: scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpsertRule inserts or replaces a rule by name. Used at startup to seed the
// built-in rule set.
func (s *Store) UpsertRule(ctx context.Context, r models.AlertRule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_rules (name, severity, scope, scope_class, condition,
		                         enabled, parent_rule, cooldown_secs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			severity = EXCLUDED.severity,
			scope = EXCLUDED.scope,
			scope_class = EXCLUDED.scope_class,
			condition = EXCLUDED.condition,
			enabled = EXCLUDED.enabled,
			parent_rule = EXCLUDED.parent_rule,
			cooldown_secs = EXCLUDED.cooldown_secs`,
		r.Name, r.Severity, r.Scope, r.ScopeClass, r.Condition,
		r.Enabled, r.ParentRuleID, r.CooldownSecs)
	if err != nil {
		return fmt.Errorf("store: upsert rule: %w", err)
	}
	return nil
}

// ListMaintenanceWindows returns every configured window; activity at a given
// instant is evaluated by the alert engine.
func (s *Store) ListMaintenanceWindows(ctx context.Context) ([]models.MaintenanceWindow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, device_ids, starts_at, ends_at, recurrence FROM maintenance_windows`)
	if err != nil {
		return nil, fmt.Errorf("store: list maintenance windows: %w", err)
	}
	defer rows.Close()

	var windows []models.MaintenanceWindow
	for rows.Next() {
		var w models.MaintenanceWindow
		if err := rows.Scan(&w.ID, &w.DeviceIDs, &w.StartsAt, &w.EndsAt, &w.Recurrence); err != nil {
			return nil, fmt.Errorf("store: scan maintenance window: %w", err)
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// PruneHistory deletes journal rows older than the cutoff.
func (s *Store) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM alert_history h
		USING active_problems p
		WHERE h.problem_id = p.id AND p.resolved_at IS NOT NULL AND h.at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("store: prune history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetSchedule returns the persisted next-fire instant for a schedule name.
func (s *Store) GetSchedule(ctx context.Context, name string) (time.Time, bool, error) {
	var next time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT next_fire FROM schedules WHERE name = $1`, name).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: get schedule: %w", err)
	}
	return next, true, nil
}

// SetSchedule persists the next-fire instant so a restart resumes without
// double-firing inside one period.
func (s *Store) SetSchedule(ctx context.Context, name string, next time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (name, next_fire) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET next_fire = EXCLUDED.next_fire`,
		name, next)
	if err != nil {
		return fmt.Errorf("store: set schedule: %w", err)
	}
	return nil
}
