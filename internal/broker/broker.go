// Package broker wraps the NATS connection used for job fan-out and
// state-transition events. Jobs go to queue groups so any worker in the pool
// picks them up at-least-once per publish; events are plain pub/sub consumed
// by the alert engine, the API cache and the websocket notifier. Per-device
// event ordering holds because every event for a device is published on the
// same subject from the same connection.
package broker

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/kljama/fleetmon/internal/models"
)

// Job types carried on fleetmon.jobs.<type>.
const (
	JobPingBatch      = "ping_batch"
	JobSNMPBatch      = "snmp_batch"
	JobIfMetricsBatch = "ifmetrics_batch"
	JobDiscovery      = "discovery"
)

const (
	jobSubjectPrefix   = "fleetmon.jobs."
	deviceEventPrefix  = "fleetmon.events.device."
	problemEventSubj   = "fleetmon.events.problems"
	workerQueueGroup   = "fleetmon-workers"
)

// Job is one batch of devices to probe or poll. Deadline derives from the
// sweep period; workers abort past it rather than probing stale targets.
type Job struct {
	Type       string    `json:"type"`
	SweepID    string    `json:"sweep_id"`
	DeviceIDs  []int64   `json:"device_ids"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Deadline   time.Time `json:"deadline"`
}

// Broker owns the NATS connection and the subscriptions created through it.
type Broker struct {
	conn *nats.Conn
	log  zerolog.Logger

	mu   sync.Mutex
	subs map[string][]*nats.Subscription
}

// Connect dials NATS with unlimited reconnects; the engine rides out broker
// restarts instead of exiting.
func Connect(url string, log zerolog.Logger) (*Broker, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Broker disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("Broker reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("broker: connect %s: %w", url, err)
	}
	return &Broker{conn: conn, log: log, subs: make(map[string][]*nats.Subscription)}, nil
}

// PublishJob fans a batch job out to the worker queue group.
func (b *Broker) PublishJob(job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("broker: marshal job: %w", err)
	}
	if err := b.conn.Publish(jobSubjectPrefix+job.Type, data); err != nil {
		return fmt.Errorf("broker: publish %s: %w", job.Type, err)
	}
	return nil
}

// SubscribeJobs registers a queue-group consumer for one job type. Handlers
// run on the subscription's own goroutine; prefetch bounds how many undelivered
// messages NATS buffers for us before dropping (backpressure, not memory blowup).
func (b *Broker) SubscribeJobs(jobType string, prefetch int, handler func(Job)) error {
	sub, err := b.conn.QueueSubscribe(jobSubjectPrefix+jobType, workerQueueGroup, func(msg *nats.Msg) {
		var job Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			b.log.Error().Err(err).Str("subject", msg.Subject).Msg("Malformed job dropped")
			return
		}
		handler(job)
	})
	if err != nil {
		return fmt.Errorf("broker: subscribe %s: %w", jobType, err)
	}
	if prefetch > 0 {
		if err := sub.SetPendingLimits(prefetch, -1); err != nil {
			return fmt.Errorf("broker: pending limits %s: %w", jobType, err)
		}
	}
	b.track(jobType, sub)
	return nil
}

// QueueDepth reports undelivered messages pending for a job type across this
// process's subscriptions. The scheduler consults it before enqueuing a sweep.
func (b *Broker) QueueDepth(jobType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, sub := range b.subs[jobType] {
		if n, _, err := sub.Pending(); err == nil {
			total += n
		}
	}
	return total
}

func (b *Broker) track(key string, sub *nats.Subscription) {
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], sub)
	b.mu.Unlock()
}

// PublishStateEvent emits a device state transition.
func (b *Broker) PublishStateEvent(ev models.StateEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("broker: marshal event: %w", err)
	}
	subject := fmt.Sprintf("%s%d", deviceEventPrefix, ev.DeviceID)
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("broker: publish event: %w", err)
	}
	return nil
}

// SubscribeStateEvents delivers every device state event to handler.
func (b *Broker) SubscribeStateEvents(handler func(models.StateEvent)) error {
	sub, err := b.conn.Subscribe(deviceEventPrefix+">", func(msg *nats.Msg) {
		var ev models.StateEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.Error().Err(err).Msg("Malformed state event dropped")
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("broker: subscribe state events: %w", err)
	}
	b.track("state_events", sub)
	return nil
}

// PublishProblemEvent emits a problem lifecycle notification.
func (b *Broker) PublishProblemEvent(ev models.ProblemEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("broker: marshal problem event: %w", err)
	}
	if err := b.conn.Publish(problemEventSubj, data); err != nil {
		return fmt.Errorf("broker: publish problem event: %w", err)
	}
	return nil
}

// SubscribeProblemEvents delivers problem lifecycle events to handler.
func (b *Broker) SubscribeProblemEvents(handler func(models.ProblemEvent)) error {
	sub, err := b.conn.Subscribe(problemEventSubj, func(msg *nats.Msg) {
		var ev models.ProblemEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.Error().Err(err).Msg("Malformed problem event dropped")
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("broker: subscribe problem events: %w", err)
	}
	b.track("problem_events", sub)
	return nil
}

// Healthy reports whether the connection is currently up.
func (b *Broker) Healthy() bool {
	return b.conn != nil && b.conn.Status() == nats.CONNECTED
}

// Close drains subscriptions so in-flight handlers finish, then closes.
func (b *Broker) Close() {
	if err := b.conn.Drain(); err != nil && !strings.Contains(err.Error(), "connection closed") {
		b.log.Warn().Err(err).Msg("Broker drain failed")
		b.conn.Close()
	}
}
