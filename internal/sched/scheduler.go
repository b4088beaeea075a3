// Package sched emits the periodic fan-out jobs that drive the engine: ping
// and SNMP sweeps, interface discovery, alert evaluation and retention
// cleanup. It runs as a singleton behind the store's leader lock; next-fire
// instants are persisted so a restart resumes without double-firing a slot
// inside its period.
package sched

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/kljama/fleetmon/internal/broker"
	"github.com/kljama/fleetmon/internal/models"
)

// Schedule names, also the persistence keys in the schedules table.
const (
	SchedPingSweep      = "ping_sweep"
	SchedSNMPSweep      = "snmp_sweep"
	SchedIfMetricsSweep = "interface_metrics_sweep"
	SchedDiscovery      = "interface_discovery"
	SchedAlertEval      = "alert_eval"
	SchedRetention      = "retention_cleanup"
)

// Extra job types the scheduler emits beyond device batches.
const (
	JobAlertEval = "alert_eval"
	JobRetention = "retention_cleanup"
)

// DeviceSource yields the enabled target sets for sweeps.
type DeviceSource interface {
	ListEnabled(ctx context.Context) ([]models.Device, error)
	ListEnabledSNMP(ctx context.Context) ([]models.Device, error)
}

// ScheduleStore persists next-fire instants.
type ScheduleStore interface {
	GetSchedule(ctx context.Context, name string) (time.Time, bool, error)
	SetSchedule(ctx context.Context, name string, next time.Time) error
}

// JobSink publishes jobs and reports local queue depth for backpressure.
type JobSink interface {
	PublishJob(job broker.Job) error
	QueueDepth(jobType string) int
}

// Config tunes the scheduler cadences and batching.
type Config struct {
	PingInterval      time.Duration
	SNMPInterval      time.Duration
	IfMetricsInterval time.Duration
	AlertEvalInterval time.Duration
	DiscoveryHour     int // local hour of the daily discovery walk
	BatchSize         int
	QueueDepthLimit   int
}

type schedule struct {
	name string
	// next computes the following fire instant from the one that just fired.
	next func(prev, now time.Time) time.Time
	fire func(ctx context.Context, now time.Time)

	due time.Time
}

// Scheduler drives all periodic work.
type Scheduler struct {
	cfg       Config
	devices   DeviceSource
	schedules ScheduleStore
	sink      JobSink
	clock     clockwork.Clock
	log       zerolog.Logger

	items         []*schedule
	sweepsDropped atomic.Uint64
}

// New assembles a Scheduler. Run must only be called while holding the
// leader lock.
func New(cfg Config, devices DeviceSource, schedules ScheduleStore, sink JobSink,
	clock clockwork.Clock, log zerolog.Logger) *Scheduler {

	s := &Scheduler{
		cfg:       cfg,
		devices:   devices,
		schedules: schedules,
		sink:      sink,
		clock:     clock,
		log:       log,
	}

	periodic := func(period time.Duration) func(prev, now time.Time) time.Time {
		return func(prev, now time.Time) time.Time {
			next := prev.Add(period)
			if next.Before(now) {
				// Skip missed slots rather than back-fill them.
				next = now
			}
			return next
		}
	}
	daily := func(hour int) func(prev, now time.Time) time.Time {
		return func(_, now time.Time) time.Time {
			local := now.Local()
			next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, local.Location())
			if !next.After(local) {
				next = next.AddDate(0, 0, 1)
			}
			return next.UTC()
		}
	}

	s.items = []*schedule{
		{name: SchedPingSweep, next: periodic(cfg.PingInterval), fire: s.firePingSweep},
		{name: SchedSNMPSweep, next: periodic(cfg.SNMPInterval), fire: s.fireSNMPSweep},
		{name: SchedIfMetricsSweep, next: periodic(cfg.IfMetricsInterval), fire: s.fireIfMetricsSweep},
		{name: SchedAlertEval, next: periodic(cfg.AlertEvalInterval), fire: s.fireAlertEval},
		{name: SchedDiscovery, next: daily(cfg.DiscoveryHour), fire: s.fireDiscovery},
		{name: SchedRetention, next: daily((cfg.DiscoveryHour + 1) % 24), fire: s.fireRetention},
	}
	return s
}

// SweepsDropped counts sweeps skipped due to backpressure.
func (s *Scheduler) SweepsDropped() uint64 { return s.sweepsDropped.Load() }

// Run restores persisted next-fire state and loops until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	now := s.clock.Now().UTC()
	for _, item := range s.items {
		persisted, ok, err := s.schedules.GetSchedule(ctx, item.name)
		if err != nil {
			return err
		}
		if ok && persisted.After(now) {
			item.due = persisted
		} else {
			item.due = now
		}
	}

	s.log.Info().Int("schedules", len(s.items)).Msg("Scheduler running")

	ticker := s.clock.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now().UTC()
	for _, item := range s.items {
		if now.Before(item.due) {
			continue
		}
		item.fire(ctx, now)
		item.due = item.next(item.due, now)
		if err := s.schedules.SetSchedule(ctx, item.name, item.due); err != nil {
			s.log.Error().Err(err).Str("schedule", item.name).Msg("Failed to persist next fire")
		}
	}
}

// fanOut partitions devices into stable id-ordered batches and publishes one
// job per batch under a fresh sweep id.
func (s *Scheduler) fanOut(jobType string, devices []models.Device, now time.Time, period time.Duration) {
	if len(devices) == 0 {
		return
	}
	if depth := s.sink.QueueDepth(jobType); depth > s.cfg.QueueDepthLimit {
		s.sweepsDropped.Add(1)
		s.log.Warn().Str("job", jobType).Int("queue_depth", depth).
			Uint64("sweeps_dropped", s.sweepsDropped.Load()).
			Msg("Queue backlog over limit, dropping sweep")
		return
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	sweepID := uuid.NewString()
	batches := 0
	for start := 0; start < len(devices); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(devices) {
			end = len(devices)
		}
		ids := make([]int64, 0, end-start)
		for _, d := range devices[start:end] {
			ids = append(ids, d.ID)
		}
		job := broker.Job{
			Type:       jobType,
			SweepID:    sweepID,
			DeviceIDs:  ids,
			EnqueuedAt: now,
			Deadline:   now.Add(period),
		}
		if err := s.sink.PublishJob(job); err != nil {
			s.log.Error().Err(err).Str("job", jobType).Msg("Failed to publish batch")
			return
		}
		batches++
	}
	s.log.Debug().Str("job", jobType).Str("sweep_id", sweepID).
		Int("devices", len(devices)).Int("batches", batches).Msg("Sweep enqueued")
}

func (s *Scheduler) firePingSweep(ctx context.Context, now time.Time) {
	devices, err := s.devices.ListEnabled(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Ping sweep: listing enabled devices failed")
		return
	}
	s.fanOut(broker.JobPingBatch, devices, now, s.cfg.PingInterval)
}

func (s *Scheduler) fireSNMPSweep(ctx context.Context, now time.Time) {
	devices, err := s.devices.ListEnabledSNMP(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("SNMP sweep: listing devices failed")
		return
	}
	s.fanOut(broker.JobSNMPBatch, devices, now, s.cfg.SNMPInterval)
}

func (s *Scheduler) fireIfMetricsSweep(ctx context.Context, now time.Time) {
	devices, err := s.devices.ListEnabledSNMP(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Interface metrics sweep: listing devices failed")
		return
	}
	s.fanOut(broker.JobIfMetricsBatch, devices, now, s.cfg.IfMetricsInterval)
}

func (s *Scheduler) fireDiscovery(ctx context.Context, now time.Time) {
	devices, err := s.devices.ListEnabledSNMP(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Discovery: listing devices failed")
		return
	}
	// Discovery walks are slow; give the whole sweep an hour.
	s.fanOut(broker.JobDiscovery, devices, now, time.Hour)
}

func (s *Scheduler) fireAlertEval(_ context.Context, now time.Time) {
	job := broker.Job{
		Type:       JobAlertEval,
		SweepID:    uuid.NewString(),
		EnqueuedAt: now,
		Deadline:   now.Add(s.cfg.AlertEvalInterval),
	}
	if err := s.sink.PublishJob(job); err != nil {
		s.log.Error().Err(err).Msg("Failed to publish alert eval tick")
	}
}

func (s *Scheduler) fireRetention(_ context.Context, now time.Time) {
	job := broker.Job{
		Type:       JobRetention,
		SweepID:    uuid.NewString(),
		EnqueuedAt: now,
		Deadline:   now.Add(time.Hour),
	}
	if err := s.sink.PublishJob(job); err != nil {
		s.log.Error().Err(err).Msg("Failed to publish retention job")
	}
}
