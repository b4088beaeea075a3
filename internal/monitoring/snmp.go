package monitoring

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/kljama/fleetmon/internal/broker"
	"github.com/kljama/fleetmon/internal/influx"
	"github.com/kljama/fleetmon/internal/models"
	"github.com/kljama/fleetmon/internal/vault"
)

// MIB-II system OIDs.
const (
	oidSysDescr = "1.3.6.1.2.1.1.1.0"
	oidSysName  = "1.3.6.1.2.1.1.5.0"
)

// SNMPClient is the slice of a gosnmp session the workers use. Swappable so
// tests never open sockets.
type SNMPClient interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	BulkWalk(rootOid string, fn gosnmp.WalkFunc) error
	Close() error
}

// SNMPDialer opens a session against one device with its credential.
type SNMPDialer func(dev models.Device, cred vault.Credential) (SNMPClient, error)

// CredentialSource resolves credential ids to decrypted secrets.
type CredentialSource interface {
	Get(ctx context.Context, id int64) (vault.Credential, error)
}

// Breaker is the SNMP circuit breaker; the state package implements it.
type Breaker interface {
	ReportSNMPSuccess(deviceID int64)
	ReportSNMPFail(deviceID int64, maxFails int, backoff time.Duration) bool
	IsSNMPSuspended(deviceID int64) bool
}

// SNMPStore is the slice of the store the SNMP workers need.
type SNMPStore interface {
	GetDevicesByIDs(ctx context.Context, ids []int64) ([]models.Device, error)
	GetDevice(ctx context.Context, id int64) (models.Device, error)
	UpdateDeviceMetadata(ctx context.Context, id int64, hostname, vendor, model string, expect time.Time) error
	UpsertInterface(ctx context.Context, iface models.Interface) error
	SetOperStatus(ctx context.Context, deviceID int64, ifIndex int,
		oper, admin models.OperStatus, at time.Time) (models.OperStatus, bool, error)
	ListInterfaces(ctx context.Context, deviceID int64) ([]models.Interface, error)
}

// IfSampleSink receives interface metric samples.
type IfSampleSink interface {
	WriteInterfaceSample(dev models.Device, iface models.Interface, s influx.IfSample)
}

// SNMPConfig tunes the SNMP worker pool.
type SNMPConfig struct {
	Timeout     time.Duration
	Retries     int
	Interval    time.Duration // sweep period; per-device budget is half of it
	Concurrency int
	RateLimit   rate.Limit
	RateBurst   int
	MaxFails    int
	Backoff     time.Duration
}

// SNMPWorker processes SNMP system polls, interface discovery and interface
// metrics batches. One instance serves all three job types.
type SNMPWorker struct {
	cfg     SNMPConfig
	store   SNMPStore
	creds   CredentialSource
	breaker Breaker
	events  EventSink
	samples IfSampleSink
	claims  ProbeClaimer
	dial    SNMPDialer
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	log     zerolog.Logger

	queriesSent atomic.Uint64
	expiredJobs atomic.Uint64
}

// NewSNMPWorker wires the pool. dial may be nil, selecting the gosnmp dialer.
func NewSNMPWorker(cfg SNMPConfig, st SNMPStore, creds CredentialSource, breaker Breaker,
	events EventSink, samples IfSampleSink, claims ProbeClaimer, dial SNMPDialer,
	log zerolog.Logger) *SNMPWorker {

	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	w := &SNMPWorker{
		cfg:     cfg,
		store:   st,
		creds:   creds,
		breaker: breaker,
		events:  events,
		samples: samples,
		claims:  claims,
		dial:    dial,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		log:     log,
	}
	if w.dial == nil {
		w.dial = gosnmpDialer(cfg)
	}
	return w
}

// QueriesSent returns the running query counter for the health endpoint.
func (w *SNMPWorker) QueriesSent() uint64 { return w.queriesSent.Load() }

// ExpiredJobs returns how many batches were dropped past their deadline.
func (w *SNMPWorker) ExpiredJobs() uint64 { return w.expiredJobs.Load() }

// HandleSystemJob refreshes sysName/sysDescr metadata for one batch.
func (w *SNMPWorker) HandleSystemJob(ctx context.Context, job broker.Job) {
	w.runBatch(ctx, job, "snmp", w.pollSystem)
}

// runBatch is the shared batch loop: deadline check, per-sweep dedup, rate
// limit, semaphore fan-out, panic recovery around each device.
func (w *SNMPWorker) runBatch(ctx context.Context, job broker.Job, claimPrefix string,
	perDevice func(ctx context.Context, dev models.Device)) {

	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Str("sweep_id", job.SweepID).Interface("panic", r).
				Msg("SNMP batch panic recovered")
		}
	}()

	if !job.Deadline.IsZero() && time.Now().After(job.Deadline) {
		w.expiredJobs.Add(1)
		w.log.Warn().Str("sweep_id", job.SweepID).Str("type", job.Type).
			Msg("SNMP batch expired before delivery, dropping")
		return
	}

	devices, err := w.store.GetDevicesByIDs(ctx, job.DeviceIDs)
	if err != nil {
		w.log.Error().Err(err).Str("sweep_id", job.SweepID).Msg("Failed to load SNMP batch")
		return
	}

	for _, dev := range devices {
		if ctx.Err() != nil {
			return
		}
		if !job.Deadline.IsZero() && time.Now().After(job.Deadline) {
			w.expiredJobs.Add(1)
			w.log.Warn().Str("sweep_id", job.SweepID).Msg("SNMP batch deadline hit mid-batch, dropping remainder")
			return
		}
		if dev.Mode != models.ModePingSNMP {
			continue
		}
		if !w.claims.MarkProbed(claimPrefix+":"+job.SweepID, dev.ID) {
			continue
		}
		if w.breaker.IsSNMPSuspended(dev.ID) {
			w.log.Debug().Str("ip", dev.IP).Msg("SNMP polling is suspended (circuit breaker), skipping")
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
						Msg("SNMP poller panic recovered")
				}
			}()
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
			// Half the sweep period bounds one device so a slow responder
			// cannot eat the whole sweep.
			devCtx, cancel := context.WithTimeout(ctx, w.cfg.Interval/2)
			defer cancel()
			perDevice(devCtx, dev)
		}()
	}
}

// session resolves the device credential and opens a client, counting the
// attempt against the circuit breaker on failure.
func (w *SNMPWorker) session(ctx context.Context, dev models.Device) (SNMPClient, bool) {
	cred := vault.Credential{Version: dev.SNMPVersion, Community: "public"}
	if dev.CredentialID != nil {
		var err error
		cred, err = w.creds.Get(ctx, *dev.CredentialID)
		if err != nil {
			w.log.Error().Err(err).Str("ip", dev.IP).Int64("credential_id", *dev.CredentialID).
				Msg("Failed to resolve SNMP credential")
			return nil, false
		}
	}

	client, err := w.dial(dev, cred)
	if err != nil {
		w.reportFail(dev, err, "SNMP connection failed")
		return nil, false
	}
	return client, true
}

func (w *SNMPWorker) reportFail(dev models.Device, err error, msg string) {
	w.log.Debug().Str("ip", dev.IP).Err(err).Msg(msg)
	if w.breaker.ReportSNMPFail(dev.ID, w.cfg.MaxFails, w.cfg.Backoff) {
		w.log.Warn().Str("ip", dev.IP).Dur("backoff", w.cfg.Backoff).
			Msg("SNMP polling failed max attempts, suspending SNMP (circuit breaker tripped)")
	}
}

// pollSystem refreshes hostname and vendor from the MIB-II system group.
func (w *SNMPWorker) pollSystem(ctx context.Context, dev models.Device) {
	client, ok := w.session(ctx, dev)
	if !ok {
		return
	}
	defer client.Close()

	w.queriesSent.Add(1)
	resp, err := client.Get([]string{oidSysName, oidSysDescr})
	if err != nil || len(resp.Variables) < 2 {
		w.reportFail(dev, err, "SNMP system query failed")
		return
	}

	hostname, err := validateSNMPString(resp.Variables[0].Value, "sysName")
	if err != nil {
		w.reportFail(dev, err, "Invalid sysName")
		return
	}
	sysDescr, err := validateSNMPString(resp.Variables[1].Value, "sysDescr")
	if err != nil {
		w.reportFail(dev, err, "Invalid sysDescr")
		return
	}

	w.breaker.ReportSNMPSuccess(dev.ID)

	vendor := vendorFromSysDescr(sysDescr)
	if vendor == "" {
		vendor = dev.Vendor
	}
	if hostname == dev.Hostname && vendor == dev.Vendor {
		return
	}
	err = w.store.UpdateDeviceMetadata(ctx, dev.ID, hostname, vendor, dev.Model, dev.UpdatedAt)
	if err != nil {
		// A probe write moved updated_at; next sweep carries a fresh image.
		w.log.Debug().Err(err).Str("ip", dev.IP).Msg("Metadata refresh skipped")
		return
	}
	w.log.Debug().Str("ip", dev.IP).Str("hostname", hostname).Msg("SNMP metadata refreshed")
}

// knownVendors maps sysDescr keywords to registry vendor names.
var knownVendors = []string{
	"cisco", "mikrotik", "juniper", "huawei", "aruba", "fortinet",
	"ubiquiti", "hpe", "tp-link", "dell",
}

func vendorFromSysDescr(sysDescr string) string {
	lower := strings.ToLower(sysDescr)
	for _, v := range knownVendors {
		if strings.Contains(lower, v) {
			return v
		}
	}
	return ""
}

// gosnmpDialer builds the production SNMPDialer.
func gosnmpDialer(cfg SNMPConfig) SNMPDialer {
	return func(dev models.Device, cred vault.Credential) (SNMPClient, error) {
		params := &gosnmp.GoSNMP{
			Target:  dev.IP,
			Port:    uint16(dev.SNMPPort),
			Timeout: cfg.Timeout,
			Retries: cfg.Retries,
		}

		version := cred.Version
		if version == "" {
			version = dev.SNMPVersion
		}
		switch version {
		case "3":
			params.Version = gosnmp.Version3
			params.SecurityModel = gosnmp.UserSecurityModel
			params.MsgFlags = gosnmp.AuthPriv
			params.SecurityParameters = &gosnmp.UsmSecurityParameters{
				UserName:                 cred.V3User,
				AuthenticationProtocol:   authProtocol(cred.V3AuthProto),
				AuthenticationPassphrase: cred.V3AuthPass,
				PrivacyProtocol:          privProtocol(cred.V3PrivProto),
				PrivacyPassphrase:        cred.V3PrivPass,
			}
		default:
			params.Version = gosnmp.Version2c
			params.Community = cred.Community
		}

		if err := params.Connect(); err != nil {
			return nil, fmt.Errorf("snmp connect %s: %w", dev.IP, err)
		}
		return &gosnmpClient{params}, nil
	}
}

type gosnmpClient struct {
	*gosnmp.GoSNMP
}

func (c *gosnmpClient) Close() error {
	if c.Conn != nil {
		return c.Conn.Close()
	}
	return nil
}

func authProtocol(name string) gosnmp.SnmpV3AuthProtocol {
	switch strings.ToLower(name) {
	case "sha":
		return gosnmp.SHA
	case "sha256":
		return gosnmp.SHA256
	case "md5":
		return gosnmp.MD5
	default:
		return gosnmp.SHA
	}
}

func privProtocol(name string) gosnmp.SnmpV3PrivProtocol {
	switch strings.ToLower(name) {
	case "aes":
		return gosnmp.AES
	case "aes256":
		return gosnmp.AES256
	case "des":
		return gosnmp.DES
	default:
		return gosnmp.AES
	}
}

// validateSNMPString sanitizes agent-supplied text: type check, null-byte
// rejection, length cap, printable ASCII only.
func validateSNMPString(value interface{}, oidName string) (string, error) {
	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return "", fmt.Errorf("invalid type for %s: expected string or []byte, got %T", oidName, value)
	}

	if strings.ContainsRune(str, 0) {
		return "", fmt.Errorf("%s contains null byte", oidName)
	}
	if len(str) > 1024 {
		str = str[:1024] + "..."
	}

	sanitized := make([]byte, 0, len(str))
	for i := 0; i < len(str); i++ {
		ch := str[i]
		if ch == '\n' || ch == '\r' || ch == '\t' {
			sanitized = append(sanitized, ' ')
		} else if ch >= 32 && ch <= 126 {
			sanitized = append(sanitized, ch)
		}
	}

	result := strings.TrimSpace(string(sanitized))
	if result == "" {
		return "", fmt.Errorf("%s is empty after sanitization", oidName)
	}
	return result, nil
}

// toUint extracts a counter value from a PDU.
func toUint(v interface{}) uint64 {
	switch n := v.(type) {
	case uint:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint64:
		return n
	case int:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case int64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	default:
		return 0
	}
}

// toInt extracts a small integer (statuses, ifType) from a PDU.
func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	default:
		return 0
	}
}
