// Package monitoring holds the probe workers: the ICMP ping worker that owns
// the reachability state machine, and the SNMP workers for interface
// discovery and metrics. Workers consume batch jobs from the broker queue
// group and write through the store; they never talk to each other directly.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/kljama/fleetmon/internal/broker"
	"github.com/kljama/fleetmon/internal/models"
	"github.com/kljama/fleetmon/internal/store"
)

// probeSpacing is the gap between the echo requests of one probe burst.
const probeSpacing = 200 * time.Millisecond

// ProbeStats is the raw outcome of one ICMP burst against one target.
type ProbeStats struct {
	Sent     int
	Received int
	AvgRTT   time.Duration
}

// ProbeFunc runs one ICMP burst. Swappable so tests never open sockets.
type ProbeFunc func(ctx context.Context, ip string) (ProbeStats, error)

// PingStore is the slice of the store the ping worker needs.
type PingStore interface {
	GetDevicesByIDs(ctx context.Context, ids []int64) ([]models.Device, error)
	ApplyProbe(ctx context.Context, deviceID int64,
		apply func(prior models.Device) store.ProbeOutcome) (models.Device, store.ProbeOutcome, error)
	InsertPingResult(ctx context.Context, r models.ProbeResult) error
}

// EventSink publishes state-transition events.
type EventSink interface {
	PublishStateEvent(ev models.StateEvent) error
}

// SampleSink receives time-series samples. Best effort; the sink buffers.
type SampleSink interface {
	WritePingSample(res models.ProbeResult, deviceName string)
}

// ProbeClaimer dedups (sweep, device) claims so broker redelivery of a batch
// never double-probes a device.
type ProbeClaimer interface {
	MarkProbed(sweepID string, deviceID int64) bool
}

// PingConfig tunes the ping worker pool.
type PingConfig struct {
	Count       int
	Timeout     time.Duration
	Privileged  bool
	Concurrency int
	RateLimit   rate.Limit
	RateBurst   int
	Flap        FlapConfig
}

// PingWorker processes ping batch jobs. One instance serves all job handler
// goroutines; the semaphore bounds concurrent probes across batches.
type PingWorker struct {
	cfg     PingConfig
	store   PingStore
	events  EventSink
	samples SampleSink
	claims  ProbeClaimer
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	probe   ProbeFunc
	log     zerolog.Logger

	probesSent  atomic.Uint64
	inFlight    atomic.Int64
	expiredJobs atomic.Uint64
}

// NewPingWorker wires a worker pool. probe may be nil, in which case the
// pro-bing prober is used.
func NewPingWorker(cfg PingConfig, st PingStore, events EventSink, samples SampleSink,
	claims ProbeClaimer, probe ProbeFunc, log zerolog.Logger) *PingWorker {

	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	w := &PingWorker{
		cfg:     cfg,
		store:   st,
		events:  events,
		samples: samples,
		claims:  claims,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		probe:   probe,
		log:     log,
	}
	if w.probe == nil {
		w.probe = icmpProber(cfg)
	}
	return w
}

// HandleJob probes every device of one batch. Safe to call from the broker's
// delivery goroutine; probes fan out under the shared semaphore.
func (w *PingWorker) HandleJob(ctx context.Context, job broker.Job) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().
				Str("sweep_id", job.SweepID).
				Interface("panic", r).
				Msg("Ping batch panic recovered")
		}
	}()

	if !job.Deadline.IsZero() && time.Now().After(job.Deadline) {
		w.expiredJobs.Add(1)
		w.log.Warn().
			Str("sweep_id", job.SweepID).
			Time("deadline", job.Deadline).
			Int("devices", len(job.DeviceIDs)).
			Msg("Ping batch expired before delivery, dropping")
		return
	}

	devices, err := w.store.GetDevicesByIDs(ctx, job.DeviceIDs)
	if err != nil {
		w.log.Error().Err(err).Str("sweep_id", job.SweepID).Msg("Failed to load ping batch")
		return
	}

	for _, dev := range devices {
		if ctx.Err() != nil {
			return
		}
		if !job.Deadline.IsZero() && time.Now().After(job.Deadline) {
			w.expiredJobs.Add(1)
			w.log.Warn().Str("sweep_id", job.SweepID).Msg("Ping batch deadline hit mid-batch, dropping remainder")
			return
		}
		if !w.claims.MarkProbed(job.SweepID, dev.ID) {
			w.log.Debug().Int64("device_id", dev.ID).Str("sweep_id", job.SweepID).
				Msg("Device already probed this sweep, skipping")
			continue
		}
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}
		dev := dev
		go func() {
			defer w.sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					w.log.Error().Str("ip", dev.IP).Interface("panic", r).
						Msg("Pinger panic recovered")
				}
			}()
			w.probeDevice(ctx, dev)
		}()
	}
}

// probeDevice runs one probe and pushes the result through the state machine.
func (w *PingWorker) probeDevice(ctx context.Context, dev models.Device) {
	if err := w.limiter.Wait(ctx); err != nil {
		return
	}

	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)
	w.probesSent.Add(1)

	stats, err := w.probe(ctx, dev.IP)
	if err != nil {
		// Execution errors leave state untouched; a routing blip must not
		// flip a device Down on syscall failure.
		if strings.Contains(err.Error(), "unreachable") {
			w.log.Warn().Str("ip", dev.IP).Err(err).
				Msg("Network routing issue detected (fast syscall failure, check ARP/routing)")
		} else {
			w.log.Error().Str("ip", dev.IP).Err(err).Msg("Ping execution failed")
		}
		return
	}

	reachable := stats.Received >= 1
	rttMs := float64(stats.AvgRTT) / float64(time.Millisecond)
	lossPct := 100.0
	if stats.Sent > 0 {
		lossPct = 100.0 * float64(stats.Sent-stats.Received) / float64(stats.Sent)
	}
	now := time.Now().UTC()

	var tr Transition
	prior, _, err := w.store.ApplyProbe(ctx, dev.ID, func(prior models.Device) store.ProbeOutcome {
		tr = Apply(prior, reachable, rttMs, lossPct, onISPPath(prior), w.cfg.Flap, now)
		return tr.Outcome
	})
	switch {
	case errors.Is(err, store.ErrStaleWrite):
		w.log.Debug().Int64("device_id", dev.ID).Msg("Concurrent state write won, probe discarded")
		return
	case errors.Is(err, store.ErrNotFound):
		w.log.Debug().Int64("device_id", dev.ID).Msg("Device vanished mid-sweep, probe discarded")
		return
	case err != nil:
		w.log.Error().Err(err).Int64("device_id", dev.ID).Msg("Failed to persist probe outcome")
		return
	}

	w.emitTransitions(prior, tr, now)

	res := models.ProbeResult{
		DeviceID:  dev.ID,
		IP:        dev.IP,
		Reachable: reachable,
		RTTMs:     rttMs,
		LossPct:   lossPct,
		At:        now,
	}
	w.samples.WritePingSample(res, dev.Name)
	if err := w.store.InsertPingResult(ctx, res); err != nil {
		w.log.Warn().Err(err).Int64("device_id", dev.ID).Msg("Rolling probe log insert failed")
	}
}

// emitTransitions publishes the events a transition produced. State is
// already committed; a lost event is recovered by the next alert evaluation
// tick reading the table.
func (w *PingWorker) emitTransitions(prior models.Device, tr Transition, now time.Time) {
	base := models.StateEvent{
		DeviceID: prior.ID,
		IP:       prior.IP,
		Old:      string(prior.Reachability),
		New:      string(tr.Outcome.Reachability),
		At:       now,
	}

	if tr.WentDown {
		ev := base
		ev.Kind = models.EventDeviceDown
		ev.DownSince = tr.Outcome.DownSince
		w.publish(ev)
		w.log.Info().Str("ip", prior.IP).Int64("device_id", prior.ID).Msg("Device went down")
	}
	if tr.CameUp {
		ev := base
		ev.Kind = models.EventDeviceUp
		ev.Downtime = tr.Downtime.Seconds()
		w.publish(ev)
		w.log.Info().Str("ip", prior.IP).Int64("device_id", prior.ID).
			Dur("downtime", tr.Downtime).Msg("Device recovered")
	}
	if tr.FlapStarted {
		ev := base
		ev.Kind = models.EventDeviceFlapping
		w.publish(ev)
		w.log.Warn().Str("ip", prior.IP).Int64("device_id", prior.ID).Msg("Device is flapping")
	}
	if tr.FlapCleared {
		ev := base
		ev.Kind = models.EventFlapCleared
		w.publish(ev)
		w.log.Info().Str("ip", prior.IP).Int64("device_id", prior.ID).Msg("Device flap cleared")
	}
}

func (w *PingWorker) publish(ev models.StateEvent) {
	if err := w.events.PublishStateEvent(ev); err != nil {
		w.log.Error().Err(err).Str("kind", ev.Kind).Int64("device_id", ev.DeviceID).
			Msg("Failed to publish state event")
	}
}

// ProbesSent returns the running probe counter for the health endpoint.
func (w *PingWorker) ProbesSent() uint64 { return w.probesSent.Load() }

// InFlight returns how many probes are executing right now.
func (w *PingWorker) InFlight() int64 { return w.inFlight.Load() }

// ExpiredJobs returns how many batches were dropped past their deadline.
func (w *PingWorker) ExpiredJobs() uint64 { return w.expiredJobs.Load() }

// onISPPath selects the tighter flap threshold for devices carrying ISP
// uplinks.
func onISPPath(dev models.Device) bool {
	return dev.OnISPPath()
}

// icmpProber builds the production ProbeFunc on pro-bing.
func icmpProber(cfg PingConfig) ProbeFunc {
	return func(ctx context.Context, ip string) (ProbeStats, error) {
		if err := validateTarget(ip); err != nil {
			return ProbeStats{}, err
		}
		p, err := probing.NewPinger(ip)
		if err != nil {
			return ProbeStats{}, fmt.Errorf("create pinger for %s: %w", ip, err)
		}
		p.Count = cfg.Count
		p.Interval = probeSpacing
		// Overall budget: one timeout per packet plus the spacing between them.
		p.Timeout = time.Duration(cfg.Count)*cfg.Timeout +
			time.Duration(cfg.Count-1)*probeSpacing
		p.SetPrivileged(cfg.Privileged)
		if err := p.RunWithContext(ctx); err != nil {
			return ProbeStats{}, err
		}
		stats := p.Statistics()
		return ProbeStats{
			Sent:     stats.PacketsSent,
			Received: stats.PacketsRecv,
			AvgRTT:   stats.AvgRtt,
		}, nil
	}
}

// validateTarget rejects addresses a monitoring probe must never hit.
func validateTarget(ipStr string) error {
	if ipStr == "" {
		return fmt.Errorf("IP address cannot be empty")
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return fmt.Errorf("invalid IP address format: %s", ipStr)
	}
	if ip.IsLoopback() {
		return fmt.Errorf("loopback addresses not allowed: %s", ipStr)
	}
	if ip.IsMulticast() {
		return fmt.Errorf("multicast addresses not allowed: %s", ipStr)
	}
	if ip.IsLinkLocalUnicast() {
		return fmt.Errorf("link-local addresses not allowed: %s", ipStr)
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("unspecified addresses not allowed: %s", ipStr)
	}
	return nil
}
