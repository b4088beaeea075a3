// Package api serves the read-only HTTP surface consumed by dashboards: the
// device list, per-device detail with ISP link status, problem lists, ping
// history and the websocket update stream. Hot list endpoints are answered
// from a short-lived cache that state events evict, so dashboards never see a
// device as up for longer than one eviction after it went down.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/kljama/fleetmon/internal/influx"
	"github.com/kljama/fleetmon/internal/models"
	"github.com/kljama/fleetmon/internal/store"
)

const (
	cacheKeyDevices   = "devices"
	cacheKeyDevPrefix = "device:"

	maxHistoryRange = 7 * 24 * time.Hour
	maxBulkIPs      = 2000
)

// Store is the current-state reads the API needs.
type Store interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
	GetDevice(ctx context.Context, id int64) (models.Device, error)
	ListInterfaces(ctx context.Context, deviceID int64) ([]models.Interface, error)
	ListISPInterfaces(ctx context.Context, deviceID int64) ([]models.Interface, error)
	BulkISPStatus(ctx context.Context, ips []string) (map[string]map[string]store.ISPStatus, error)
	ListProblems(ctx context.Context, f store.ProblemFilter) ([]models.Problem, error)
}

// History answers time-series range queries.
type History interface {
	QueryPingHistory(ctx context.Context, ip string, start, end time.Time) ([]influx.PingPoint, error)
}

// Discoverer triggers an on-demand interface discovery.
type Discoverer interface {
	DiscoverDevice(ctx context.Context, deviceID int64) error
}

// Server owns the router, the response cache and the websocket hub.
type Server struct {
	store    Store
	history  History
	discover Discoverer
	hub      *Hub
	cache    *ttlcache.Cache[string, any]
	log      zerolog.Logger
}

// NewServer wires the read API. cacheTTL bounds response staleness on the
// list endpoints.
func NewServer(st Store, history History, discover Discoverer, cacheTTL time.Duration,
	log zerolog.Logger) *Server {

	cache := ttlcache.New[string, any](
		ttlcache.WithTTL[string, any](cacheTTL),
		ttlcache.WithDisableTouchOnHit[string, any](),
	)
	return &Server{
		store:    st,
		history:  history,
		discover: discover,
		hub:      NewHub(log),
		cache:    cache,
		log:      log,
	}
}

// Run starts cache expiry and the websocket hub until ctx is done.
func (s *Server) Run(ctx context.Context) {
	go s.cache.Start()
	s.hub.Run(ctx)
	s.cache.Stop()
}

// HandleStateEvent evicts affected cache entries and fans the event out to
// websocket clients. Subscribed to the broker's device event stream.
func (s *Server) HandleStateEvent(ev models.StateEvent) {
	s.cache.Delete(cacheKeyDevices)
	s.cache.Delete(cacheKeyDevPrefix + strconv.FormatInt(ev.DeviceID, 10))
	s.hub.BroadcastState(ev)
}

// HandleProblemEvent fans problem lifecycle events out to websocket clients.
func (s *Server) HandleProblemEvent(ev models.ProblemEvent) {
	s.hub.BroadcastProblem(ev)
}

// WSClients reports connected websocket subscribers for health reporting.
func (s *Server) WSClients() int {
	return s.hub.ClientCount()
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", s.handleListDevices)
		r.Get("/devices/{id}", s.handleGetDevice)
		r.Get("/devices/{id}/history", s.handleDeviceHistory)
		r.Post("/interfaces/discover/{id}", s.handleDiscover)
		r.Get("/interfaces/isp-status/bulk", s.handleBulkISPStatus)
		r.Post("/interfaces/isp-status/bulk", s.handleBulkISPStatus)
		r.Get("/problems", s.handleListProblems)
	})
	r.Get("/ws/updates", s.hub.HandleUpgrade)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// deviceJSON is the wire form of a device row.
type deviceJSON struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	Hostname     string       `json:"hostname,omitempty"`
	IP           string       `json:"ip"`
	Class        string       `json:"class"`
	Vendor       string       `json:"vendor,omitempty"`
	Model        string       `json:"model,omitempty"`
	BranchID     *int64       `json:"branch_id,omitempty"`
	Enabled      bool         `json:"enabled"`
	Mode         string       `json:"monitor_mode"`
	IsISPRouter  bool         `json:"is_isp_router"`
	Reachability string       `json:"reachability"`
	DownSince    *time.Time   `json:"down_since,omitempty"`
	DowntimeSecs *float64     `json:"downtime_secs,omitempty"`
	IsFlapping   bool         `json:"is_flapping"`
	LastProbeAt  *time.Time   `json:"last_probe_at,omitempty"`
	LastRTTMs    *float64     `json:"last_rtt_ms,omitempty"`
	LastLossPct  *float64     `json:"last_loss_pct,omitempty"`
	Interfaces   []ifaceJSON  `json:"isp_interfaces,omitempty"`
}

type ifaceJSON struct {
	IfIndex     int        `json:"if_index"`
	IfName      string     `json:"if_name"`
	IfAlias     string     `json:"if_alias,omitempty"`
	Type        string     `json:"type"`
	Provider    string     `json:"provider,omitempty"`
	IsCritical  bool       `json:"is_critical"`
	OperStatus  string     `json:"oper_status"`
	AdminStatus string     `json:"admin_status"`
	SpeedBps    uint64     `json:"speed_bps,omitempty"`
	LastChange  *time.Time `json:"last_status_change_at,omitempty"`
}

func toDeviceJSON(d models.Device, now time.Time) deviceJSON {
	out := deviceJSON{
		ID:           d.ID,
		Name:         d.Name,
		Hostname:     d.Hostname,
		IP:           d.IP,
		Class:        string(d.Class),
		Vendor:       d.Vendor,
		Model:        d.Model,
		BranchID:     d.BranchID,
		Enabled:      d.Enabled,
		Mode:         string(d.Mode),
		IsISPRouter:  d.IsISPRouter,
		Reachability: string(d.Reachability),
		DownSince:    d.DownSince,
		IsFlapping:   d.IsFlapping,
		LastProbeAt:  d.LastProbeAt,
		LastRTTMs:    d.LastRTTMs,
		LastLossPct:  d.LastLossPct,
	}
	if d.DownSince != nil {
		secs := now.Sub(d.DownSince.UTC()).Seconds()
		out.DowntimeSecs = &secs
	}
	return out
}

func toIfaceJSON(i models.Interface) ifaceJSON {
	return ifaceJSON{
		IfIndex:     i.IfIndex,
		IfName:      i.IfName,
		IfAlias:     i.IfAlias,
		Type:        i.InterfaceType,
		Provider:    i.ISPProvider,
		IsCritical:  i.IsCritical,
		OperStatus:  i.OperStatus.String(),
		AdminStatus: i.AdminStatus.String(),
		SpeedBps:    i.IfSpeed,
		LastChange:  i.LastStatusChangeAt,
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var devices []models.Device
	if item := s.cache.Get(cacheKeyDevices); item != nil {
		devices = item.Value().([]models.Device)
	} else {
		var err error
		devices, err = s.store.ListDevices(r.Context())
		if err != nil {
			s.fail(w, err, "list devices")
			return
		}
		s.cache.Set(cacheKeyDevices, any(devices), ttlcache.DefaultTTL)
	}

	class := r.URL.Query().Get("class")
	status := r.URL.Query().Get("status")
	branch := r.URL.Query().Get("branch_id")

	now := time.Now().UTC()
	out := make([]deviceJSON, 0, len(devices))
	for _, d := range devices {
		if class != "" && string(d.Class) != class {
			continue
		}
		if status != "" && string(d.Reachability) != status {
			continue
		}
		if branch != "" {
			id, err := strconv.ParseInt(branch, 10, 64)
			if err != nil || d.BranchID == nil || *d.BranchID != id {
				continue
			}
		}
		out = append(out, toDeviceJSON(d, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	key := cacheKeyDevPrefix + strconv.FormatInt(id, 10)

	if item := s.cache.Get(key); item != nil {
		writeJSON(w, http.StatusOK, item.Value())
		return
	}

	dev, err := s.store.GetDevice(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.fail(w, err, "get device")
		return
	}
	ifaces, err := s.store.ListISPInterfaces(r.Context(), id)
	if err != nil {
		s.fail(w, err, "list isp interfaces")
		return
	}

	out := toDeviceJSON(dev, time.Now().UTC())
	for _, i := range ifaces {
		out.Interfaces = append(out.Interfaces, toIfaceJSON(i))
	}
	s.cache.Set(key, any(out), ttlcache.DefaultTTL)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	dev, err := s.store.GetDevice(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.fail(w, err, "get device")
		return
	}

	rng := 24 * time.Hour
	if raw := r.URL.Query().Get("range"); raw != "" {
		rng, err = time.ParseDuration(raw)
		if err != nil || rng <= 0 || rng > maxHistoryRange {
			writeError(w, http.StatusBadRequest, "range must be a duration up to 168h")
			return
		}
	}

	end := time.Now().UTC()
	points, err := s.history.QueryPingHistory(r.Context(), dev.IP, end.Add(-rng), end)
	if err != nil {
		s.fail(w, err, "query history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"ip":        dev.IP,
		"range":     rng.String(),
		"points":    points,
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.discover.DiscoverDevice(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.log.Warn().Err(err).Int64("device_id", id).Msg("On-demand discovery failed")
		writeError(w, http.StatusBadGateway, "discovery failed: "+err.Error())
		return
	}
	s.cache.Delete(cacheKeyDevPrefix + strconv.FormatInt(id, 10))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "discovered"})
}

// handleBulkISPStatus accepts the IP list either as a device_ips query
// parameter or as a JSON body, for callers with lists too long for a URL.
func (s *Server) handleBulkISPStatus(w http.ResponseWriter, r *http.Request) {
	var ips []string
	if r.Method == http.MethodGet {
		if raw := r.URL.Query().Get("device_ips"); raw != "" {
			for _, ip := range strings.Split(raw, ",") {
				if ip = strings.TrimSpace(ip); ip != "" {
					ips = append(ips, ip)
				}
			}
		}
	} else {
		var req struct {
			IPs []string `json:"ips"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "body must be {\"ips\": [...]}")
			return
		}
		ips = req.IPs
	}
	if len(ips) == 0 || len(ips) > maxBulkIPs {
		writeError(w, http.StatusBadRequest, "between 1 and 2000 device IPs required")
		return
	}

	statuses, err := s.store.BulkISPStatus(r.Context(), ips)
	if err != nil {
		s.fail(w, err, "bulk isp status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
}

func (s *Server) handleListProblems(w http.ResponseWriter, r *http.Request) {
	f := store.ProblemFilter{
		ActiveOnly: r.URL.Query().Get("active") == "true",
		Severity:   models.Severity(r.URL.Query().Get("severity")),
	}
	if raw := r.URL.Query().Get("device_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "device_id must be an integer")
			return
		}
		f.DeviceID = id
	}

	problems, err := s.store.ListProblems(r.Context(), f)
	if err != nil {
		s.fail(w, err, "list problems")
		return
	}
	out := make([]problemJSON, 0, len(problems))
	for _, p := range problems {
		out = append(out, toProblemJSON(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"problems": out, "count": len(out)})
}

type problemJSON struct {
	ID             int64      `json:"id"`
	RuleName       string     `json:"rule_name"`
	DeviceID       int64      `json:"device_id"`
	IfIndex        *int       `json:"if_index,omitempty"`
	Severity       string     `json:"severity"`
	FirstTriggered time.Time  `json:"first_triggered"`
	LastSeen       time.Time  `json:"last_seen"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	Suppressed     bool       `json:"suppressed"`
	Flapping       bool       `json:"flapping"`
	EventCount     int        `json:"event_count"`
}

func toProblemJSON(p models.Problem) problemJSON {
	return problemJSON{
		ID:             p.ID,
		RuleName:       p.RuleName,
		DeviceID:       p.DeviceID,
		IfIndex:        p.IfIndex,
		Severity:       string(p.Severity),
		FirstTriggered: p.FirstTriggered,
		LastSeen:       p.LastSeen,
		ResolvedAt:     p.ResolvedAt,
		Suppressed:     p.Suppressed,
		Flapping:       p.Flapping,
		EventCount:     p.EventCount,
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

// fail reports a backend failure as 503: current-state reads must not
// silently serve stale or empty data when the database is down.
func (s *Server) fail(w http.ResponseWriter, err error, op string) {
	s.log.Error().Err(err).Str("op", op).Msg("API backend failure")
	writeError(w, http.StatusServiceUnavailable, "backend unavailable")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
