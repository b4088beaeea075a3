package sched

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/kljama/fleetmon/internal/broker"
	"github.com/kljama/fleetmon/internal/models"
)

type fakeSource struct {
	devices []models.Device
}

func (f *fakeSource) ListEnabled(context.Context) ([]models.Device, error) {
	return append([]models.Device(nil), f.devices...), nil
}

func (f *fakeSource) ListEnabledSNMP(context.Context) ([]models.Device, error) {
	return append([]models.Device(nil), f.devices...), nil
}

type fakeScheduleStore struct {
	saved map[string]time.Time
}

func (f *fakeScheduleStore) GetSchedule(_ context.Context, name string) (time.Time, bool, error) {
	t, ok := f.saved[name]
	return t, ok, nil
}

func (f *fakeScheduleStore) SetSchedule(_ context.Context, name string, next time.Time) error {
	if f.saved == nil {
		f.saved = map[string]time.Time{}
	}
	f.saved[name] = next
	return nil
}

type fakeSink struct {
	jobs  []broker.Job
	depth int
}

func (f *fakeSink) PublishJob(job broker.Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeSink) QueueDepth(string) int { return f.depth }

func devices(n int) []models.Device {
	out := make([]models.Device, 0, n)
	for i := n; i >= 1; i-- { // deliberately unsorted
		out = append(out, models.Device{ID: int64(i), IP: "10.0.0.1"})
	}
	return out
}

func testConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		SNMPInterval:      60 * time.Second,
		IfMetricsInterval: 60 * time.Second,
		AlertEvalInterval: 10 * time.Second,
		DiscoveryHour:     3,
		BatchSize:         100,
		QueueDepthLimit:   5000,
	}
}

func newTestScheduler(src *fakeSource, sink *fakeSink, store *fakeScheduleStore) (*Scheduler, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	s := New(testConfig(), src, store, sink, clock, zerolog.Nop())
	return s, clock
}

func jobsOfType(jobs []broker.Job, jobType string) []broker.Job {
	var out []broker.Job
	for _, j := range jobs {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}

func TestFanOutPartitionsInStableOrder(t *testing.T) {
	sink := &fakeSink{}
	s, clock := newTestScheduler(&fakeSource{devices: devices(250)}, sink, &fakeScheduleStore{})

	s.fanOut(broker.JobPingBatch, devices(250), clock.Now().UTC(), 30*time.Second)

	batches := jobsOfType(sink.jobs, broker.JobPingBatch)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches for 250 devices at batch size 100, got %d", len(batches))
	}
	if len(batches[0].DeviceIDs) != 100 || len(batches[2].DeviceIDs) != 50 {
		t.Errorf("unexpected batch sizes %d/%d", len(batches[0].DeviceIDs), len(batches[2].DeviceIDs))
	}
	if batches[0].DeviceIDs[0] != 1 || batches[2].DeviceIDs[49] != 250 {
		t.Error("batches not in ascending device-id order")
	}
	for _, b := range batches[1:] {
		if b.SweepID != batches[0].SweepID {
			t.Error("all batches of one sweep must share a sweep id")
		}
	}
	if !batches[0].Deadline.Equal(batches[0].EnqueuedAt.Add(30 * time.Second)) {
		t.Error("batch deadline should be enqueue time plus sweep period")
	}
}

func TestFanOutDropsSweepUnderBackpressure(t *testing.T) {
	sink := &fakeSink{depth: 10000}
	s, clock := newTestScheduler(&fakeSource{devices: devices(10)}, sink, &fakeScheduleStore{})

	s.fanOut(broker.JobPingBatch, devices(10), clock.Now().UTC(), 30*time.Second)

	if len(sink.jobs) != 0 {
		t.Errorf("expected sweep dropped, got %d jobs", len(sink.jobs))
	}
	if s.SweepsDropped() != 1 {
		t.Errorf("expected drop counter 1, got %d", s.SweepsDropped())
	}
}

func TestPeriodicNextSkipsMissedSlots(t *testing.T) {
	s, _ := newTestScheduler(&fakeSource{}, &fakeSink{}, &fakeScheduleStore{})
	ping := s.items[0]
	if ping.name != SchedPingSweep {
		t.Fatalf("unexpected schedule order: %s", ping.name)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// On time: next slot is prev+period.
	next := ping.next(base, base)
	if !next.Equal(base.Add(30 * time.Second)) {
		t.Errorf("expected prev+period, got %v", next)
	}

	// Five minutes behind: missed slots are skipped, not back-filled.
	next = ping.next(base, base.Add(5*time.Minute))
	if !next.Equal(base.Add(5 * time.Minute)) {
		t.Errorf("expected catch-up to now, got %v", next)
	}
}

func TestTickFiresDueSchedulesAndPersists(t *testing.T) {
	sink := &fakeSink{}
	store := &fakeScheduleStore{}
	src := &fakeSource{devices: devices(5)}
	s, clock := newTestScheduler(src, sink, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	clock.BlockUntil(1)
	cancel()
	<-done

	if len(jobsOfType(sink.jobs, broker.JobPingBatch)) == 0 {
		t.Error("expected an immediate ping sweep on first tick")
	}
	if len(jobsOfType(sink.jobs, JobAlertEval)) == 0 {
		t.Error("expected an alert eval tick")
	}
	if _, ok := store.saved[SchedPingSweep]; !ok {
		t.Error("expected persisted next-fire for ping sweep")
	}
}

func TestRunRespectsPersistedFutureSchedule(t *testing.T) {
	sink := &fakeSink{}
	clock := clockwork.NewFakeClock()
	store := &fakeScheduleStore{saved: map[string]time.Time{}}
	// Everything persisted well in the future: nothing should fire.
	future := clock.Now().UTC().Add(time.Hour)
	for _, name := range []string{SchedPingSweep, SchedSNMPSweep, SchedIfMetricsSweep,
		SchedAlertEval, SchedDiscovery, SchedRetention} {
		store.saved[name] = future
	}

	s := New(testConfig(), &fakeSource{devices: devices(3)}, store, sink, clock, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	clock.BlockUntil(1)
	cancel()
	<-done

	if len(sink.jobs) != 0 {
		t.Errorf("no schedule was due, but %d jobs fired", len(sink.jobs))
	}
}
