package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/kljama/fleetmon/internal/api"
	"github.com/kljama/fleetmon/internal/broker"
	"github.com/kljama/fleetmon/internal/influx"
	"github.com/kljama/fleetmon/internal/logger"
	"github.com/kljama/fleetmon/internal/monitoring"
	"github.com/kljama/fleetmon/internal/sched"
	"github.com/kljama/fleetmon/internal/state"
	"github.com/kljama/fleetmon/internal/store"
)

// healthSources collects everything the health endpoint reports on.
type healthSources struct {
	store  *store.Store
	broker *broker.Broker
	writer *influx.Writer
	mgr    *state.Manager
	pinger *monitoring.PingWorker
	snmp   *monitoring.SNMPWorker
	hub    *api.Server
}

// healthServer serves the operational health endpoint on its own port, apart
// from the public API, so probes work even when the API listener is saturated.
type healthServer struct {
	healthSources
	scheduler *sched.Scheduler // nil on non-leader instances
	startTime time.Time
	port      int
}

type healthResponse struct {
	Status    string `json:"status"` // "healthy", "degraded", "unhealthy"
	Uptime    string `json:"uptime"`
	Leader    bool   `json:"leader"`
	StoreOK   bool   `json:"store_ok"`
	BrokerOK  bool   `json:"broker_ok"`
	TSDBOK    bool   `json:"tsdb_ok"`
	TSDBDrops uint64 `json:"tsdb_dropped_points"`
	TSDBQueue int    `json:"tsdb_pending_points"`

	ProbesSent      uint64 `json:"probes_sent"`
	ProbesInFlight  int64  `json:"probes_in_flight"`
	PingJobsExpired uint64 `json:"ping_jobs_expired"`
	SNMPQueries     uint64 `json:"snmp_queries_sent"`
	SNMPJobsExpired uint64 `json:"snmp_jobs_expired"`
	SNMPSuspended   int    `json:"snmp_suspended_devices"`
	SweepsDropped   uint64 `json:"sweeps_dropped"`
	WSClients       int    `json:"ws_clients"`

	Goroutines int       `json:"goroutines"`
	MemoryMB   uint64    `json:"memory_mb"`
	Timestamp  time.Time `json:"timestamp"`
}

func newHealthServer(port int, src healthSources) *healthServer {
	return &healthServer{
		healthSources: src,
		startTime:     time.Now().UTC(),
		port:          port,
	}
}

// start begins serving health checks (non-blocking).
func (hs *healthServer) start() {
	log := logger.Component("health")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/health/ready", hs.readinessHandler)
	mux.HandleFunc("/health/live", hs.livenessHandler)

	addr := fmt.Sprintf(":%d", hs.port)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Health server panic recovered")
			}
		}()
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Msg("Health server error")
		}
	}()
	log.Info().Str("address", addr).Msg("Health check endpoint started")
}

func (hs *healthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	storeOK := hs.store.Healthy(ctx)
	brokerOK := hs.broker.Healthy()
	tsdbOK := hs.writer.HealthCheck(ctx) == nil && !hs.writer.Degraded()

	status := "healthy"
	switch {
	case !storeOK || !brokerOK:
		status = "unhealthy"
	case !tsdbOK:
		status = "degraded"
	}

	resp := healthResponse{
		Status:    status,
		Uptime:    time.Since(hs.startTime).String(),
		Leader:    hs.scheduler != nil,
		StoreOK:   storeOK,
		BrokerOK:  brokerOK,
		TSDBOK:    tsdbOK,
		TSDBDrops: hs.writer.Dropped(),
		TSDBQueue: hs.writer.Pending(),

		ProbesSent:      hs.pinger.ProbesSent(),
		ProbesInFlight:  hs.pinger.InFlight(),
		PingJobsExpired: hs.pinger.ExpiredJobs(),
		SNMPQueries:     hs.snmp.QueriesSent(),
		SNMPJobsExpired: hs.snmp.ExpiredJobs(),
		SNMPSuspended:   hs.mgr.SuspendedCount(),
		WSClients:       hs.hub.WSClients(),

		Goroutines: runtime.NumGoroutine(),
		MemoryMB:   m.Alloc / 1024 / 1024,
		Timestamp:  time.Now().UTC(),
	}
	if hs.scheduler != nil {
		resp.SweepsDropped = hs.scheduler.SweepsDropped()
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// readinessHandler gates on the stores a worker cannot run without.
func (hs *healthServer) readinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if !hs.store.Healthy(ctx) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY: device store unavailable"))
		return
	}
	if !hs.broker.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY: broker unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

func (hs *healthServer) livenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ALIVE"))
}
