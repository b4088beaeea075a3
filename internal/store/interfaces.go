package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kljama/fleetmon/internal/models"
)

const interfaceColumns = `
	id, device_id, if_index, if_name, if_alias, if_descr, if_type, if_speed_bps,
	interface_type, isp_provider, is_critical, critical_override, confidence,
	oper_status, admin_status, last_seen_at, last_status_change_at, updated_at`

func scanInterface(row pgx.Row) (models.Interface, error) {
	var i models.Interface
	err := row.Scan(
		&i.ID, &i.DeviceID, &i.IfIndex, &i.IfName, &i.IfAlias, &i.IfDescr,
		&i.IfType, &i.IfSpeed, &i.InterfaceType, &i.ISPProvider, &i.IsCritical,
		&i.CriticalOverride, &i.Confidence, &i.OperStatus, &i.AdminStatus,
		&i.LastSeenAt, &i.LastStatusChangeAt, &i.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return i, ErrNotFound
	}
	return i, err
}

func (s *Store) queryInterfaces(ctx context.Context, query string, args ...any) ([]models.Interface, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query interfaces: %w", err)
	}
	defer rows.Close()

	var ifaces []models.Interface
	for rows.Next() {
		i, err := scanInterface(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan interface: %w", err)
		}
		ifaces = append(ifaces, i)
	}
	return ifaces, rows.Err()
}

// UpsertInterface inserts or refreshes a discovered interface keyed on
// (device, ifIndex). Discovery owns metadata and classification;
// critical_override is operator state and survives every re-run, and
// is_critical stays true when the override is set regardless of what the
// classifier said.
func (s *Store) UpsertInterface(ctx context.Context, iface models.Interface) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_interfaces (
			device_id, if_index, if_name, if_alias, if_descr, if_type,
			if_speed_bps, interface_type, isp_provider, is_critical,
			confidence, oper_status, admin_status, last_seen_at, retired, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,false,now())
		ON CONFLICT (device_id, if_index) DO UPDATE SET
			if_name = EXCLUDED.if_name,
			if_alias = EXCLUDED.if_alias,
			if_descr = EXCLUDED.if_descr,
			if_type = EXCLUDED.if_type,
			if_speed_bps = EXCLUDED.if_speed_bps,
			interface_type = EXCLUDED.interface_type,
			isp_provider = EXCLUDED.isp_provider,
			is_critical = EXCLUDED.is_critical OR device_interfaces.critical_override,
			confidence = EXCLUDED.confidence,
			oper_status = EXCLUDED.oper_status,
			admin_status = EXCLUDED.admin_status,
			last_seen_at = EXCLUDED.last_seen_at,
			retired = false,
			updated_at = now()`,
		iface.DeviceID, iface.IfIndex, iface.IfName, iface.IfAlias, iface.IfDescr,
		iface.IfType, int64(iface.IfSpeed), iface.InterfaceType, iface.ISPProvider,
		iface.IsCritical, iface.Confidence, iface.OperStatus, iface.AdminStatus,
		iface.LastSeenAt)
	if err != nil {
		return fmt.Errorf("store: upsert interface: %w", err)
	}
	return nil
}

// SetOperStatus records the latest polled status. Returns the previous status
// and whether it changed; last_status_change_at moves only on change.
func (s *Store) SetOperStatus(ctx context.Context, deviceID int64, ifIndex int,
	oper, admin models.OperStatus, at time.Time) (prev models.OperStatus, changed bool, err error) {

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			SELECT oper_status FROM device_interfaces
			WHERE device_id = $1 AND if_index = $2 FOR UPDATE`,
			deviceID, ifIndex).Scan(&prev); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		changed = prev != oper
		if changed {
			_, err := tx.Exec(ctx, `
				UPDATE device_interfaces SET
					oper_status = $3, admin_status = $4, last_seen_at = $5,
					last_status_change_at = $5, updated_at = now()
				WHERE device_id = $1 AND if_index = $2`,
				deviceID, ifIndex, oper, admin, at)
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE device_interfaces SET
				oper_status = $3, admin_status = $4, last_seen_at = $5, updated_at = now()
			WHERE device_id = $1 AND if_index = $2`,
			deviceID, ifIndex, oper, admin, at)
		return err
	})
	return prev, changed, err
}

// ListInterfaces returns all live (non-retired) interfaces of a device.
func (s *Store) ListInterfaces(ctx context.Context, deviceID int64) ([]models.Interface, error) {
	return s.queryInterfaces(ctx,
		`SELECT `+interfaceColumns+` FROM device_interfaces
		 WHERE device_id = $1 AND NOT retired ORDER BY if_index`, deviceID)
}

// ListISPInterfaces returns a device's interfaces classified as ISP links.
func (s *Store) ListISPInterfaces(ctx context.Context, deviceID int64) ([]models.Interface, error) {
	return s.queryInterfaces(ctx,
		`SELECT `+interfaceColumns+` FROM device_interfaces
		 WHERE device_id = $1 AND interface_type = 'isp' AND NOT retired
		 ORDER BY if_index`, deviceID)
}

// ListCriticalDown returns every critical, live interface whose polled oper
// status is down, fleet-wide in one query. The alert engine consumes this
// once per evaluation tick.
func (s *Store) ListCriticalDown(ctx context.Context) ([]models.Interface, error) {
	return s.queryInterfaces(ctx,
		`SELECT `+interfaceColumns+` FROM device_interfaces
		 WHERE is_critical AND oper_status = $1 AND NOT retired
		 ORDER BY device_id, if_index`, models.OperDown)
}

// ISPStatus is one entry of the bulk ISP-status lookup.
type ISPStatus struct {
	Provider   string    `json:"provider"`
	Status     string    `json:"status"`
	IfName     string    `json:"if_name"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// BulkISPStatus answers "give me the ISP oper-status for this list of IPs" in
// a single indexed query. IPs with no matching device or no ISP interfaces
// are omitted, not errored.
func (s *Store) BulkISPStatus(ctx context.Context, ips []string) (map[string]map[string]ISPStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.ip, i.isp_provider, i.oper_status, i.if_name, i.last_seen_at
		FROM device_interfaces i
		JOIN devices d ON d.id = i.device_id
		WHERE d.ip = ANY($1) AND i.interface_type = 'isp' AND NOT i.retired
		ORDER BY d.ip, i.if_index`, ips)
	if err != nil {
		return nil, fmt.Errorf("store: bulk isp status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]ISPStatus)
	for rows.Next() {
		var ip, provider, ifName string
		var oper models.OperStatus
		var lastSeen time.Time
		if err := rows.Scan(&ip, &provider, &oper, &ifName, &lastSeen); err != nil {
			return nil, fmt.Errorf("store: scan isp status: %w", err)
		}
		if provider == "" {
			provider = "unknown"
		}
		if out[ip] == nil {
			out[ip] = make(map[string]ISPStatus)
		}
		// First interface per provider wins; later ifIndexes are backups.
		if _, seen := out[ip][provider]; !seen {
			out[ip][provider] = ISPStatus{
				Provider:   provider,
				Status:     oper.String(),
				IfName:     ifName,
				LastSeenAt: lastSeen,
			}
		}
	}
	return out, rows.Err()
}

// RetireStale soft-retires interfaces that discovery has not seen since the
// cutoff. Retired rows keep their history but drop out of polling and the API.
func (s *Store) RetireStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE device_interfaces SET retired = true, updated_at = now()
		WHERE last_seen_at < $1 AND NOT retired`, before)
	if err != nil {
		return 0, fmt.Errorf("store: retire stale interfaces: %w", err)
	}
	return tag.RowsAffected(), nil
}
