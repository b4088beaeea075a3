// Package influx is the time-series side of the storage split: append-only
// samples for history queries, never consulted for live status. Writes are
// buffered and batched per sweep; when the backend is down, samples are
// retried with backoff and the oldest are dropped once the buffer fills, so
// the probe paths never block on the backend.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/kljama/fleetmon/internal/models"
)

// Time-series metric names. These are the wire contract with dashboards.
const (
	MetricPingStatus  = "device_ping_status"
	MetricPingRTT     = "device_ping_rtt_ms"
	MetricPingLoss    = "device_ping_loss_pct"
	MetricIfOper      = "interface_oper_status"
	MetricIfInOctets  = "interface_in_octets"
	MetricIfOutOctets = "interface_out_octets"
	MetricIfInErrors  = "interface_in_errors"
	MetricIfOutErrors = "interface_out_errors"
	MetricIfInDisc    = "interface_in_discards"
	MetricIfOutDisc   = "interface_out_discards"
	MetricIfSpeed     = "interface_speed"
)

// DefaultMaxBuffer bounds how many points survive a backend outage.
const DefaultMaxBuffer = 50000

// Writer handles buffered writes and range queries against InfluxDB v2.
type Writer struct {
	client    influxdb2.Client
	writeAPI  api.WriteAPIBlocking
	queryAPI  api.QueryAPI
	deleteAPI api.DeleteAPI
	org       string
	bucket    string
	log       zerolog.Logger

	mu        sync.Mutex
	buf       []*write.Point
	maxBuffer int

	dropped  atomic.Uint64
	degraded atomic.Bool
}

// NewWriter builds a Writer. maxBuffer <= 0 selects DefaultMaxBuffer.
func NewWriter(url, token, org, bucket string, maxBuffer int, log zerolog.Logger) *Writer {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	client := influxdb2.NewClient(url, token)
	return &Writer{
		client:    client,
		writeAPI:  client.WriteAPIBlocking(org, bucket),
		queryAPI:  client.QueryAPI(org),
		deleteAPI: client.DeleteAPI(),
		org:       org,
		bucket:    bucket,
		maxBuffer: maxBuffer,
		log:       log,
	}
}

// WritePingSample buffers the three ping metrics for one probe result.
func (w *Writer) WritePingSample(res models.ProbeResult, deviceName string) {
	tags := map[string]string{
		"device_ip":   res.IP,
		"device_name": deviceName,
	}
	status := 0.0
	if res.Reachable {
		status = 1.0
	}
	w.enqueue(
		point(MetricPingStatus, tags, status, res.At),
		point(MetricPingRTT, tags, res.RTTMs, res.At),
		point(MetricPingLoss, tags, res.LossPct, res.At),
	)
}

// IfSample carries one interface-metrics poll for the time-series store.
type IfSample struct {
	OperStatus  models.OperStatus
	InOctets    uint64
	OutOctets   uint64
	InErrors    uint64
	OutErrors   uint64
	InDiscards  uint64
	OutDiscards uint64
	SpeedMbps   uint64
	At          time.Time
}

// WriteInterfaceSample buffers the interface metric family for one poll.
func (w *Writer) WriteInterfaceSample(dev models.Device, iface models.Interface, s IfSample) {
	tags := map[string]string{
		"device_ip":      dev.IP,
		"device_name":    dev.Name,
		"if_index":       strconv.Itoa(iface.IfIndex),
		"if_name":        iface.IfName,
		"interface_type": iface.InterfaceType,
		"isp_provider":   iface.ISPProvider,
		"is_critical":    strconv.FormatBool(iface.IsCritical),
	}
	w.enqueue(
		point(MetricIfOper, tags, float64(s.OperStatus), s.At),
		point(MetricIfInOctets, tags, float64(s.InOctets), s.At),
		point(MetricIfOutOctets, tags, float64(s.OutOctets), s.At),
		point(MetricIfInErrors, tags, float64(s.InErrors), s.At),
		point(MetricIfOutErrors, tags, float64(s.OutErrors), s.At),
		point(MetricIfInDisc, tags, float64(s.InDiscards), s.At),
		point(MetricIfOutDisc, tags, float64(s.OutDiscards), s.At),
		point(MetricIfSpeed, tags, float64(s.SpeedMbps), s.At),
	)
}

func point(measurement string, tags map[string]string, value float64, at time.Time) *write.Point {
	p := influxdb2.NewPointWithMeasurement(measurement)
	for k, v := range tags {
		p.AddTag(k, v)
	}
	p.AddField("value", value)
	p.SetTime(at.UTC())
	return p
}

// enqueue appends points, dropping the oldest when the buffer is full.
func (w *Writer) enqueue(points ...*write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, points...)
	if over := len(w.buf) - w.maxBuffer; over > 0 {
		w.buf = w.buf[over:]
		w.dropped.Add(uint64(over))
	}
}

// Flush writes the buffered batch, retrying with exponential backoff within
// the context deadline. On persistent failure the batch goes back to the
// buffer (bounded) and the writer is marked degraded.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxElapsedTime(0), // the context bounds us
	), ctx)

	err := backoff.Retry(func() error {
		return w.writeAPI.WritePoint(ctx, batch...)
	}, policy)

	if err != nil {
		w.degraded.Store(true)
		// Requeue in front so ordering survives; enqueue trims overflow.
		w.mu.Lock()
		w.buf = append(batch, w.buf...)
		if over := len(w.buf) - w.maxBuffer; over > 0 {
			w.buf = w.buf[over:]
			w.dropped.Add(uint64(over))
		}
		w.mu.Unlock()
		return fmt.Errorf("influx: flush %d points: %w", len(batch), err)
	}

	w.degraded.Store(false)
	return nil
}

// Run flushes on the given cadence until ctx is done, then makes one final
// best-effort flush.
func (w *Writer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.Flush(flushCtx); err != nil {
				w.log.Error().Err(err).Msg("Final time-series flush failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				w.log.Warn().Err(err).Uint64("dropped_total", w.dropped.Load()).
					Msg("Time-series flush failed, will retry next cycle")
			}
		}
	}
}

// Degraded reports whether the last flush failed.
func (w *Writer) Degraded() bool { return w.degraded.Load() }

// Dropped returns the running count of samples discarded due to buffer
// overflow during backend outages.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Pending returns the current buffer depth.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// HealthCheck pings the backend.
func (w *Writer) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	health, err := w.client.Health(ctx)
	if err != nil {
		return err
	}
	if health.Status != "pass" {
		return fmt.Errorf("influx: health status %s", health.Status)
	}
	return nil
}

// PingPoint is one row of a device's ping history.
type PingPoint struct {
	T         time.Time `json:"t"`
	Reachable bool      `json:"reachable"`
	RTTMs     float64   `json:"rtt_ms"`
	LossPct   float64   `json:"loss_pct"`
}

// QueryPingHistory returns the ping series for one device IP over the range.
func (w *Writer) QueryPingHistory(ctx context.Context, ip string, start, end time.Time) ([]PingPoint, error) {
	flux := fmt.Sprintf(`
		from(bucket: %q)
			|> range(start: %s, stop: %s)
			|> filter(fn: (r) => r._measurement == %q or r._measurement == %q or r._measurement == %q)
			|> filter(fn: (r) => r.device_ip == %q)
			|> pivot(rowKey: ["_time"], columnKey: ["_measurement"], valueColumn: "_value")
			|> sort(columns: ["_time"])`,
		w.bucket, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
		MetricPingStatus, MetricPingRTT, MetricPingLoss, ip)

	result, err := w.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("influx: query ping history: %w", err)
	}
	defer result.Close()

	var points []PingPoint
	for result.Next() {
		rec := result.Record()
		p := PingPoint{T: rec.Time()}
		if v, ok := rec.ValueByKey(MetricPingStatus).(float64); ok {
			p.Reachable = v >= 0.5
		}
		if v, ok := rec.ValueByKey(MetricPingRTT).(float64); ok {
			p.RTTMs = v
		}
		if v, ok := rec.ValueByKey(MetricPingLoss).(float64); ok {
			p.LossPct = v
		}
		points = append(points, p)
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("influx: read ping history: %w", result.Err())
	}
	return points, nil
}

// QueryRecentSamples returns the newest n values of one metric per device IP
// inside the window, newest first. One batched query serves the whole fleet;
// the alert engine calls this once per evaluation tick at most.
func (w *Writer) QueryRecentSamples(ctx context.Context, metric string, n int,
	window time.Duration) (map[string][]float64, error) {

	flux := fmt.Sprintf(`
		from(bucket: %q)
			|> range(start: -%s)
			|> filter(fn: (r) => r._measurement == %q)
			|> group(columns: ["device_ip"])
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)`,
		w.bucket, window.String(), metric, n)

	result, err := w.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("influx: query recent %s: %w", metric, err)
	}
	defer result.Close()

	out := make(map[string][]float64)
	for result.Next() {
		rec := result.Record()
		ip, _ := rec.ValueByKey("device_ip").(string)
		if ip == "" {
			continue
		}
		if v, ok := rec.Value().(float64); ok {
			out[ip] = append(out[ip], v)
		}
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("influx: read recent %s: %w", metric, result.Err())
	}
	return out, nil
}

// DeleteOlderThan removes all samples before the cutoff (retention cleanup).
func (w *Writer) DeleteOlderThan(ctx context.Context, before time.Time) error {
	start := time.Unix(0, 0).UTC()
	if err := w.deleteAPI.DeleteWithName(ctx, w.org, w.bucket, start, before.UTC(), ""); err != nil {
		return fmt.Errorf("influx: retention delete: %w", err)
	}
	return nil
}

// Close flushes nothing further and releases the client.
func (w *Writer) Close() {
	w.client.Close()
}
