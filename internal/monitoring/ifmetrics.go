package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/kljama/fleetmon/internal/broker"
	"github.com/kljama/fleetmon/internal/influx"
	"github.com/kljama/fleetmon/internal/models"
	"github.com/kljama/fleetmon/internal/store"
)

// ifMetricsRow accumulates one interface's polled counters.
type ifMetricsRow struct {
	operStat    int
	adminStat   int
	inOctets    uint64
	outOctets   uint64
	inErrors    uint64
	outErrors   uint64
	inDiscards  uint64
	outDiscards uint64
	highMbps    uint64
}

// HandleIfMetricsJob polls interface status and counters for one batch.
func (w *SNMPWorker) HandleIfMetricsJob(ctx context.Context, job broker.Job) {
	w.runBatch(ctx, job, "ifmetrics", func(ctx context.Context, dev models.Device) {
		if err := w.pollInterfaces(ctx, dev); err != nil {
			w.reportFail(dev, err, "Interface metrics poll failed")
			return
		}
		w.breaker.ReportSNMPSuccess(dev.ID)
	})
}

// pollInterfaces walks the status and counter columns once per device and
// fans the values out to the current-state table and the time-series sink.
// Only interfaces discovery has already registered are touched; a brand-new
// port waits for the next discovery walk.
func (w *SNMPWorker) pollInterfaces(ctx context.Context, dev models.Device) error {
	known, err := w.store.ListInterfaces(ctx, dev.ID)
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}
	if len(known) == 0 {
		return nil
	}

	client, ok := w.session(ctx, dev)
	if !ok {
		return fmt.Errorf("no SNMP session for %s", dev.IP)
	}
	defer client.Close()

	rows := make(map[int]*ifMetricsRow)
	row := func(index int) *ifMetricsRow {
		r, ok := rows[index]
		if !ok {
			r = &ifMetricsRow{}
			rows[index] = r
		}
		return r
	}

	w.queriesSent.Add(1)
	columns := []struct {
		oid   string
		apply func(r *ifMetricsRow, pdu gosnmp.SnmpPDU)
	}{
		{oidIfOperStatus, func(r *ifMetricsRow, pdu gosnmp.SnmpPDU) { r.operStat = toInt(pdu.Value) }},
		{oidIfAdminStatus, func(r *ifMetricsRow, pdu gosnmp.SnmpPDU) { r.adminStat = toInt(pdu.Value) }},
		{oidIfHCInOctets, func(r *ifMetricsRow, pdu gosnmp.SnmpPDU) { r.inOctets = toUint(pdu.Value) }},
		{oidIfHCOutOctets, func(r *ifMetricsRow, pdu gosnmp.SnmpPDU) { r.outOctets = toUint(pdu.Value) }},
		{oidIfInErrors, func(r *ifMetricsRow, pdu gosnmp.SnmpPDU) { r.inErrors = toUint(pdu.Value) }},
		{oidIfOutErrors, func(r *ifMetricsRow, pdu gosnmp.SnmpPDU) { r.outErrors = toUint(pdu.Value) }},
		{oidIfInDiscards, func(r *ifMetricsRow, pdu gosnmp.SnmpPDU) { r.inDiscards = toUint(pdu.Value) }},
		{oidIfOutDiscards, func(r *ifMetricsRow, pdu gosnmp.SnmpPDU) { r.outDiscards = toUint(pdu.Value) }},
		{oidIfHighSpeed, func(r *ifMetricsRow, pdu gosnmp.SnmpPDU) { r.highMbps = toUint(pdu.Value) }},
	}
	for _, col := range columns {
		col := col
		err := client.BulkWalk(col.oid, func(pdu gosnmp.SnmpPDU) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			index, ok := indexFromOID(pdu.Name, col.oid)
			if !ok {
				return nil
			}
			col.apply(row(index), pdu)
			return nil
		})
		if err != nil {
			return fmt.Errorf("walk %s: %w", col.oid, err)
		}
	}

	now := time.Now().UTC()
	for _, iface := range known {
		r, polled := rows[iface.IfIndex]
		if !polled {
			continue
		}
		oper := operFromWire(r.operStat)
		admin := operFromWire(r.adminStat)

		prev, changed, err := w.store.SetOperStatus(ctx, dev.ID, iface.IfIndex, oper, admin, now)
		switch {
		case errors.Is(err, store.ErrNotFound):
			continue
		case err != nil:
			w.log.Error().Err(err).Str("ip", dev.IP).Int("if_index", iface.IfIndex).
				Msg("Failed to persist interface status")
			continue
		}
		if changed {
			w.emitInterfaceStatus(dev, iface, prev, oper, now)
		}

		w.samples.WriteInterfaceSample(dev, iface, influx.IfSample{
			OperStatus:  oper,
			InOctets:    r.inOctets,
			OutOctets:   r.outOctets,
			InErrors:    r.inErrors,
			OutErrors:   r.outErrors,
			InDiscards:  r.inDiscards,
			OutDiscards: r.outDiscards,
			SpeedMbps:   r.highMbps,
			At:          now,
		})
	}
	return nil
}

func (w *SNMPWorker) emitInterfaceStatus(dev models.Device, iface models.Interface,
	prev, oper models.OperStatus, now time.Time) {

	ifIndex := iface.IfIndex
	ev := models.StateEvent{
		Kind:     models.EventInterfaceStatus,
		DeviceID: dev.ID,
		IP:       dev.IP,
		IfIndex:  &ifIndex,
		Old:      prev.String(),
		New:      oper.String(),
		At:       now,
	}
	if err := w.events.PublishStateEvent(ev); err != nil {
		w.log.Error().Err(err).Str("ip", dev.IP).Int("if_index", ifIndex).
			Msg("Failed to publish interface status event")
	}

	logEv := w.log.Info()
	if iface.IsCritical && oper == models.OperDown {
		logEv = w.log.Warn()
	}
	logEv.Str("ip", dev.IP).Int("if_index", ifIndex).
		Str("if_name", iface.IfName).Str("type", iface.InterfaceType).
		Str("old", prev.String()).Str("new", oper.String()).
		Msg("Interface status changed")
}
