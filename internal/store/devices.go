package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kljama/fleetmon/internal/models"
)

const deviceColumns = `
	id, name, hostname, ip, class, vendor, model, branch_id, enabled,
	monitor_mode, snmp_version, snmp_port, credential_id, is_isp_router,
	reachability, down_since, is_flapping, last_probe_at, last_rtt_ms,
	last_loss_pct, status_changes, updated_at`

func scanDevice(row pgx.Row) (models.Device, error) {
	var d models.Device
	err := row.Scan(
		&d.ID, &d.Name, &d.Hostname, &d.IP, &d.Class, &d.Vendor, &d.Model,
		&d.BranchID, &d.Enabled, &d.Mode, &d.SNMPVersion, &d.SNMPPort,
		&d.CredentialID, &d.IsISPRouter, &d.Reachability, &d.DownSince,
		&d.IsFlapping, &d.LastProbeAt, &d.LastRTTMs, &d.LastLossPct,
		&d.StatusChanges, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}

func (s *Store) queryDevices(ctx context.Context, query string, args ...any) ([]models.Device, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ListDevices returns every registered device, enabled or not.
func (s *Store) ListDevices(ctx context.Context) ([]models.Device, error) {
	return s.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
}

// ListEnabled returns the probe target set in stable id order, which the
// scheduler relies on for deterministic batch partitioning.
func (s *Store) ListEnabled(ctx context.Context) ([]models.Device, error) {
	return s.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices WHERE enabled ORDER BY id`)
}

// ListEnabledSNMP returns enabled devices whose monitor mode includes SNMP.
func (s *Store) ListEnabledSNMP(ctx context.Context) ([]models.Device, error) {
	return s.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE enabled AND monitor_mode = $1 ORDER BY id`,
		models.ModePingSNMP)
}

// GetDevice returns one device by id.
func (s *Store) GetDevice(ctx context.Context, id int64) (models.Device, error) {
	return scanDevice(s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
}

// GetDeviceByIP returns one device by its unique IP.
func (s *Store) GetDeviceByIP(ctx context.Context, ip string) (models.Device, error) {
	return scanDevice(s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE ip = $1`, ip))
}

// GetDevicesByIDs fetches a batch of devices keyed by id.
func (s *Store) GetDevicesByIDs(ctx context.Context, ids []int64) ([]models.Device, error) {
	return s.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = ANY($1) ORDER BY id`, ids)
}

// ProbeOutcome is the full live-state image the ping worker writes after a
// probe. DownSince and the ring are computed by the state machine; the store
// persists them verbatim inside one transaction.
type ProbeOutcome struct {
	Reachability  models.Reachability
	DownSince     *time.Time
	IsFlapping    bool
	LastProbeAt   time.Time
	RTTMs         *float64
	LossPct       *float64
	StatusChanges []time.Time
}

// ApplyProbe locks the device row, hands the current image to apply, and
// persists the outcome in the same transaction. The row lock plus the
// updated_at compare-and-set make the ping worker the single effective writer
// of reachability state. The prior image is returned for event derivation.
func (s *Store) ApplyProbe(ctx context.Context, deviceID int64,
	apply func(prior models.Device) ProbeOutcome) (models.Device, ProbeOutcome, error) {

	var prior models.Device
	var out ProbeOutcome

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		prior, err = scanDevice(tx.QueryRow(ctx,
			`SELECT `+deviceColumns+` FROM devices WHERE id = $1 FOR UPDATE`, deviceID))
		if err != nil {
			return err
		}

		out = apply(prior)

		tag, err := tx.Exec(ctx, `
			UPDATE devices SET
				reachability = $2, down_since = $3, is_flapping = $4,
				last_probe_at = $5, last_rtt_ms = $6, last_loss_pct = $7,
				status_changes = $8, updated_at = now()
			WHERE id = $1 AND updated_at = $9`,
			deviceID, out.Reachability, out.DownSince, out.IsFlapping,
			out.LastProbeAt, out.RTTMs, out.LossPct, out.StatusChanges,
			prior.UpdatedAt)
		if err != nil {
			return fmt.Errorf("store: apply probe: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrStaleWrite
		}
		return nil
	})
	return prior, out, err
}

// UpdateDeviceMetadata refreshes SNMP-discovered metadata. Guarded by the
// updated_at CAS so a concurrent probe write is never clobbered; callers
// retry on ErrStaleWrite.
func (s *Store) UpdateDeviceMetadata(ctx context.Context, id int64, hostname, vendor, model string, expect time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices SET hostname = $2, vendor = $3, model = $4, updated_at = now()
		WHERE id = $1 AND updated_at = $5`,
		id, hostname, vendor, model, expect)
	if err != nil {
		return fmt.Errorf("store: update device metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleWrite
	}
	return nil
}

// ClearFlapping resets the flap flag once a device has been stable for a full
// window. Called by the ping worker only.
func (s *Store) ClearFlapping(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE devices SET is_flapping = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: clear flapping: %w", err)
	}
	return nil
}

// InsertPingResult appends to the rolling probe log. Best effort: failures
// are the caller's to log and ignore.
func (s *Store) InsertPingResult(ctx context.Context, r models.ProbeResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ping_results (device_id, at, reachable, rtt_ms, loss_pct)
		VALUES ($1, $2, $3, $4, $5)`,
		r.DeviceID, r.At, r.Reachable, r.RTTMs, r.LossPct)
	return err
}

// TrimPingResults drops rolling-log rows older than the cutoff and returns
// how many went away.
func (s *Store) TrimPingResults(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ping_results WHERE at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("store: trim ping results: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FetchEncryptedCredential implements vault.Source over device_credentials.
func (s *Store) FetchEncryptedCredential(ctx context.Context, id int64) (string, error) {
	var blob string
	err := s.pool.QueryRow(ctx,
		`SELECT encrypted FROM device_credentials WHERE id = $1`, id).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: fetch credential: %w", err)
	}
	return blob, nil
}
