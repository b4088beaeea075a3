// Package models holds the shared types passed between the scheduler, the
// probe workers, the alert engine and the read API. Everything here is plain
// data: no goroutines, no I/O.
package models

import (
	"strings"
	"time"
)

// Reachability is the live up/down state of a device as decided by the ping
// worker. Unknown means the device has never been probed.
type Reachability string

const (
	ReachabilityUp      Reachability = "up"
	ReachabilityDown    Reachability = "down"
	ReachabilityUnknown Reachability = "unknown"
)

// DeviceClass is the operator-facing classification of a monitored device.
type DeviceClass string

const (
	ClassATM             DeviceClass = "atm"
	ClassPaymentTerminal DeviceClass = "payment_terminal"
	ClassAccessPoint     DeviceClass = "access_point"
	ClassRouter          DeviceClass = "router"
	ClassSwitch          DeviceClass = "switch"
	ClassNVR             DeviceClass = "nvr"
	ClassOther           DeviceClass = "other"
)

// MonitorMode selects which probe paths run against a device.
type MonitorMode string

const (
	ModePingOnly MonitorMode = "ping"      // reachability only
	ModePingSNMP MonitorMode = "ping+snmp" // reachability plus SNMP polling
)

// Device is a row of the devices table. The ping worker is the only writer of
// Reachability/DownSince/IsFlapping; SNMP discovery refreshes metadata only.
type Device struct {
	ID           int64
	Name         string
	Hostname     string
	IP           string
	Class        DeviceClass
	Vendor       string
	Model        string
	BranchID     *int64
	Enabled      bool
	Mode         MonitorMode
	SNMPVersion  string // "2c" or "3"
	SNMPPort     int
	CredentialID *int64
	IsISPRouter  bool

	Reachability  Reachability
	DownSince     *time.Time
	IsFlapping    bool
	LastProbeAt   *time.Time
	LastRTTMs     *float64
	LastLossPct   *float64
	StatusChanges []time.Time // bounded ring, newest last
	UpdatedAt     time.Time   // CAS guard for lost-update protection
}

// OnISPPath reports whether the device carries ISP uplinks. The registry
// flag is authoritative; the branch addressing convention (.5 host part)
// covers devices imported before the flag existed.
func (d Device) OnISPPath() bool {
	return d.IsISPRouter || strings.HasSuffix(d.IP, ".5")
}

// OperStatus mirrors IF-MIB ifOperStatus values we care about.
type OperStatus int

const (
	OperUnknown OperStatus = 0
	OperUp      OperStatus = 1
	OperDown    OperStatus = 2
)

func (s OperStatus) String() string {
	switch s {
	case OperUp:
		return "up"
	case OperDown:
		return "down"
	default:
		return "unknown"
	}
}

// Interface is a row of device_interfaces, one per discovered (device, ifIndex).
type Interface struct {
	ID       int64
	DeviceID int64
	IfIndex  int

	IfName  string
	IfAlias string
	IfDescr string
	IfType  int
	IfSpeed uint64 // bits/s, from ifHighSpeed when available

	InterfaceType    string // classifier output, "unknown" when nothing matched
	ISPProvider      string // empty when no provider pattern matched
	IsCritical       bool
	CriticalOverride bool // operator flag, survives re-classification
	Confidence       float64

	OperStatus         OperStatus
	AdminStatus        OperStatus
	LastSeenAt         time.Time
	LastStatusChangeAt *time.Time
	UpdatedAt          time.Time
}

// ProbeResult is the outcome of one ICMP probe of one device.
type ProbeResult struct {
	DeviceID  int64
	IP        string
	Reachable bool
	RTTMs     float64
	LossPct   float64
	At        time.Time
}

// Severity orders alert importance. Critical sorts first.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// RuleScope restricts which devices a rule evaluates against.
type RuleScope string

const (
	ScopeAllDevices    RuleScope = "all"
	ScopeISPInterfaces RuleScope = "isp"
	ScopeDeviceClass   RuleScope = "class"
)

// AlertRule is a row of alert_rules. Condition is the JSON-encoded condition
// AST (see the alerts package).
type AlertRule struct {
	ID            int64
	Name          string
	Severity      Severity
	Scope         RuleScope
	ScopeClass    DeviceClass // set when Scope==ScopeDeviceClass
	Condition     []byte      // JSON AST
	Enabled       bool
	ParentRuleID  *int64
	CooldownSecs  int
}

// Problem is an open or resolved alert occurrence. At most one open row exists
// per (rule, device, interface).
type Problem struct {
	ID             int64
	RuleID         int64
	RuleName       string
	DeviceID       int64
	IfIndex        *int
	Severity       Severity
	FirstTriggered time.Time
	LastSeen       time.Time
	ResolvedAt     *time.Time
	Suppressed     bool
	Flapping       bool
	EventCount     int
}

// MaintenanceWindow suppresses alerting for its device set while active.
// Recurrence is "none", "daily" or "weekly"; for recurring windows StartsAt
// and EndsAt fix the time of day (and weekday) of each occurrence.
type MaintenanceWindow struct {
	ID         int64
	DeviceIDs  []int64
	StartsAt   time.Time
	EndsAt     time.Time
	Recurrence string
}

// Event kinds carried over the broker from workers to the alert engine, the
// API cache and the websocket notifier.
const (
	EventDeviceDown      = "device_down"
	EventDeviceUp        = "device_up"
	EventDeviceFlapping  = "device_flapping"
	EventFlapCleared     = "device_flap_cleared"
	EventInterfaceStatus = "interface_status_changed"
	EventProblemOpened   = "problem_opened"
	EventProblemUpdated  = "problem_updated"
	EventProblemResolved = "problem_resolved"
)

// StateEvent is the wire form of a state-transition event.
type StateEvent struct {
	Kind      string     `json:"kind"`
	DeviceID  int64      `json:"device_id"`
	IP        string     `json:"ip"`
	IfIndex   *int       `json:"if_index,omitempty"`
	Old       string     `json:"old"`
	New       string     `json:"new"`
	DownSince *time.Time `json:"down_since,omitempty"`
	Downtime  float64    `json:"downtime_secs,omitempty"`
	At        time.Time  `json:"timestamp"`
}

// ProblemEvent is the wire form of a problem lifecycle notification.
type ProblemEvent struct {
	Kind      string    `json:"kind"`
	ProblemID int64     `json:"problem_id"`
	RuleName  string    `json:"rule_name"`
	DeviceID  int64     `json:"device_id"`
	Severity  Severity  `json:"severity"`
	At        time.Time `json:"timestamp"`
}
