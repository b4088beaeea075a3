package monitoring

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/kljama/fleetmon/internal/broker"
	"github.com/kljama/fleetmon/internal/classify"
	"github.com/kljama/fleetmon/internal/models"
)

// IF-MIB columns used by discovery and the metrics sweep.
const (
	oidIfDescr       = "1.3.6.1.2.1.2.2.1.2"
	oidIfType        = "1.3.6.1.2.1.2.2.1.3"
	oidIfSpeed       = "1.3.6.1.2.1.2.2.1.5"
	oidIfAdminStatus = "1.3.6.1.2.1.2.2.1.7"
	oidIfOperStatus  = "1.3.6.1.2.1.2.2.1.8"
	oidIfInDiscards  = "1.3.6.1.2.1.2.2.1.13"
	oidIfInErrors    = "1.3.6.1.2.1.2.2.1.14"
	oidIfOutDiscards = "1.3.6.1.2.1.2.2.1.19"
	oidIfOutErrors   = "1.3.6.1.2.1.2.2.1.20"
	oidIfName        = "1.3.6.1.2.1.31.1.1.1.1"
	oidIfHCInOctets  = "1.3.6.1.2.1.31.1.1.1.6"
	oidIfHCOutOctets = "1.3.6.1.2.1.31.1.1.1.10"
	oidIfHighSpeed   = "1.3.6.1.2.1.31.1.1.1.15"
	oidIfAlias       = "1.3.6.1.2.1.31.1.1.1.18"
)

// ifRecord accumulates one interface's walked columns before the upsert.
type ifRecord struct {
	descr     string
	name      string
	alias     string
	ifType    int
	speedBps  uint64
	highMbps  uint64
	adminStat int
	operStat  int
}

// HandleDiscoveryJob walks IF-MIB for every device of a discovery batch.
func (w *SNMPWorker) HandleDiscoveryJob(ctx context.Context, job broker.Job) {
	w.runBatch(ctx, job, "discovery", func(ctx context.Context, dev models.Device) {
		if err := w.discoverDevice(ctx, dev); err != nil {
			w.reportFail(dev, err, "Interface discovery failed")
			return
		}
		w.breaker.ReportSNMPSuccess(dev.ID)
	})
}

// DiscoverDevice runs one on-demand discovery, for the API's refresh
// endpoint. Unlike the batch path it returns the failure to the caller.
func (w *SNMPWorker) DiscoverDevice(ctx context.Context, deviceID int64) error {
	dev, err := w.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if dev.Mode != models.ModePingSNMP {
		return fmt.Errorf("device %d is not SNMP-monitored", deviceID)
	}
	if err := w.discoverDevice(ctx, dev); err != nil {
		w.reportFail(dev, err, "On-demand interface discovery failed")
		return err
	}
	w.breaker.ReportSNMPSuccess(dev.ID)
	return nil
}

// discoverDevice walks the interface table, classifies every entry and
// upserts the result. Known interfaces that the walk no longer returns are
// left alone here; the retention job retires them once last_seen_at goes
// stale.
func (w *SNMPWorker) discoverDevice(ctx context.Context, dev models.Device) error {
	client, ok := w.session(ctx, dev)
	if !ok {
		return fmt.Errorf("no SNMP session for %s", dev.IP)
	}
	defer client.Close()

	records := make(map[int]*ifRecord)
	rec := func(index int) *ifRecord {
		r, ok := records[index]
		if !ok {
			r = &ifRecord{}
			records[index] = r
		}
		return r
	}

	w.queriesSent.Add(1)
	columns := []struct {
		oid   string
		apply func(r *ifRecord, pdu gosnmp.SnmpPDU)
	}{
		{oidIfDescr, func(r *ifRecord, pdu gosnmp.SnmpPDU) {
			r.descr, _ = validateSNMPString(pdu.Value, "ifDescr")
		}},
		{oidIfName, func(r *ifRecord, pdu gosnmp.SnmpPDU) {
			r.name, _ = validateSNMPString(pdu.Value, "ifName")
		}},
		{oidIfAlias, func(r *ifRecord, pdu gosnmp.SnmpPDU) {
			r.alias, _ = validateSNMPString(pdu.Value, "ifAlias")
		}},
		{oidIfType, func(r *ifRecord, pdu gosnmp.SnmpPDU) { r.ifType = toInt(pdu.Value) }},
		{oidIfSpeed, func(r *ifRecord, pdu gosnmp.SnmpPDU) { r.speedBps = toUint(pdu.Value) }},
		{oidIfHighSpeed, func(r *ifRecord, pdu gosnmp.SnmpPDU) { r.highMbps = toUint(pdu.Value) }},
		{oidIfAdminStatus, func(r *ifRecord, pdu gosnmp.SnmpPDU) { r.adminStat = toInt(pdu.Value) }},
		{oidIfOperStatus, func(r *ifRecord, pdu gosnmp.SnmpPDU) { r.operStat = toInt(pdu.Value) }},
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
			col.apply(rec(index), pdu)
			return nil
		})
		if err != nil {
			return fmt.Errorf("walk %s: %w", col.oid, err)
		}
	}
	if len(records) == 0 {
		return fmt.Errorf("interface walk of %s returned nothing", dev.IP)
	}

	now := time.Now().UTC()
	sawISP := false
	for index, r := range records {
		cls := classify.Classify(r.alias, r.descr, r.name, r.ifType)
		if cls.Type == "isp" {
			sawISP = true
		}
		iface := models.Interface{
			DeviceID:      dev.ID,
			IfIndex:       index,
			IfName:        r.name,
			IfAlias:       r.alias,
			IfDescr:       r.descr,
			IfType:        r.ifType,
			IfSpeed:       speedBits(r),
			InterfaceType: cls.Type,
			ISPProvider:   cls.Provider,
			IsCritical:    cls.IsCritical,
			Confidence:    cls.Confidence,
			OperStatus:    operFromWire(r.operStat),
			AdminStatus:   operFromWire(r.adminStat),
			LastSeenAt:    now,
		}
		if err := w.store.UpsertInterface(ctx, iface); err != nil {
			return fmt.Errorf("upsert ifIndex %d: %w", index, err)
		}
	}

	if sawISP && !dev.OnISPPath() {
		w.log.Warn().Str("ip", dev.IP).Int64("device_id", dev.ID).
			Msg("Device carries ISP uplinks but is not flagged as an ISP router")
	}

	w.log.Info().Str("ip", dev.IP).Int("interfaces", len(records)).
		Msg("Interface discovery completed")
	return nil
}

// speedBits prefers ifHighSpeed (Mbps) over the 32-bit ifSpeed, which wraps
// above 4.2 Gbps.
func speedBits(r *ifRecord) uint64 {
	if r.highMbps > 0 {
		return r.highMbps * 1_000_000
	}
	return r.speedBps
}

// operFromWire maps IF-MIB status codes to the two states we track; every
// other code (testing, dormant, notPresent) reads as down.
func operFromWire(code int) models.OperStatus {
	switch code {
	case 1:
		return models.OperUp
	case 0:
		return models.OperUnknown
	default:
		return models.OperDown
	}
}

// indexFromOID extracts the ifIndex suffix of a walked column OID. Only
// entries directly under the column count; deeper instances are skipped.
func indexFromOID(name, column string) (int, bool) {
	trimmed := strings.TrimPrefix(name, ".")
	rest, ok := strings.CutPrefix(trimmed, column+".")
	if !ok {
		return 0, false
	}
	index, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return index, true
}
