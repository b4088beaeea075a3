// Package alerts evaluates rule conditions against device state and manages
// the problem lifecycle. Conditions are stored as a JSON tree in the
// alert_rules table so operators can compose them without code changes.
package alerts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kljama/fleetmon/internal/models"
)

// Condition kinds understood by the decoder.
const (
	KindDownDuration  = "down_duration"
	KindStatusChanges = "status_changes"
	KindResponseTime  = "response_time"
	KindPacketLoss    = "packet_loss"
	KindInterfaceDown = "interface_down"
	KindAnd           = "and"
)

// DeviceFacts is everything a condition may consult for one device at one
// evaluation instant. Samples are newest first.
type DeviceFacts struct {
	Device      models.Device
	Now         time.Time
	RTTSamples  []float64
	LossSamples []float64
}

// Condition is one node of a rule's condition tree.
type Condition interface {
	// Eval reports whether the condition holds for the device right now.
	Eval(f DeviceFacts) bool
	// Kind returns the wire tag of the node.
	Kind() string
}

// DownDuration fires once a device has been continuously down for Secs.
type DownDuration struct {
	Secs int `json:"secs"`
}

func (c DownDuration) Kind() string { return KindDownDuration }

func (c DownDuration) Eval(f DeviceFacts) bool {
	if f.Device.Reachability != models.ReachabilityDown || f.Device.DownSince == nil {
		return false
	}
	return f.Now.Sub(f.Device.DownSince.UTC()) >= time.Duration(c.Secs)*time.Second
}

// StatusChanges fires when the device logged at least Count reachability
// transitions inside the trailing window.
type StatusChanges struct {
	Count      int `json:"count"`
	WindowSecs int `json:"window_secs"`
}

func (c StatusChanges) Kind() string { return KindStatusChanges }

func (c StatusChanges) Eval(f DeviceFacts) bool {
	cutoff := f.Now.Add(-time.Duration(c.WindowSecs) * time.Second)
	n := 0
	for _, t := range f.Device.StatusChanges {
		if t.After(cutoff) {
			n++
		}
	}
	return n >= c.Count
}

// ResponseTime fires when the newest Samples RTT measurements all sit at or
// above ThresholdMs. Fewer samples than required means no verdict.
type ResponseTime struct {
	ThresholdMs float64 `json:"threshold_ms"`
	Samples     int     `json:"samples"`
}

func (c ResponseTime) Kind() string { return KindResponseTime }

func (c ResponseTime) Eval(f DeviceFacts) bool {
	return samplesAbove(f.RTTSamples, c.ThresholdMs, c.Samples)
}

// PacketLoss fires when the newest Samples loss measurements all sit at or
// above ThresholdPct.
type PacketLoss struct {
	ThresholdPct float64 `json:"threshold_pct"`
	Samples      int     `json:"samples"`
}

func (c PacketLoss) Kind() string { return KindPacketLoss }

func (c PacketLoss) Eval(f DeviceFacts) bool {
	return samplesAbove(f.LossSamples, c.ThresholdPct, c.Samples)
}

func samplesAbove(samples []float64, threshold float64, need int) bool {
	if need < 1 || len(samples) < need {
		return false
	}
	for _, v := range samples[:need] {
		if v < threshold {
			return false
		}
	}
	return true
}

// InterfaceDown marks a rule as interface-scoped: the engine evaluates it per
// critical interface, not per device, so Eval on device facts never fires.
type InterfaceDown struct{}

func (c InterfaceDown) Kind() string { return KindInterfaceDown }

func (c InterfaceDown) Eval(DeviceFacts) bool { return false }

// And holds when every child holds.
type And struct {
	All []Condition `json:"-"`
}

func (c And) Kind() string { return KindAnd }

func (c And) Eval(f DeviceFacts) bool {
	for _, child := range c.All {
		if !child.Eval(f) {
			return false
		}
	}
	return len(c.All) > 0
}

type envelope struct {
	Type         string            `json:"type"`
	Secs         int               `json:"secs,omitempty"`
	Count        int               `json:"count,omitempty"`
	WindowSecs   int               `json:"window_secs,omitempty"`
	ThresholdMs  float64           `json:"threshold_ms,omitempty"`
	ThresholdPct float64           `json:"threshold_pct,omitempty"`
	Samples      int               `json:"samples,omitempty"`
	Conditions   []json.RawMessage `json:"conditions,omitempty"`
}

// Decode parses a stored condition tree.
func Decode(data []byte) (Condition, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("alerts: parse condition: %w", err)
	}
	switch env.Type {
	case KindDownDuration:
		if env.Secs < 0 {
			return nil, fmt.Errorf("alerts: down_duration secs must not be negative")
		}
		return DownDuration{Secs: env.Secs}, nil
	case KindStatusChanges:
		if env.Count < 1 || env.WindowSecs < 1 {
			return nil, fmt.Errorf("alerts: status_changes needs positive count and window")
		}
		return StatusChanges{Count: env.Count, WindowSecs: env.WindowSecs}, nil
	case KindResponseTime:
		if env.Samples < 1 {
			return nil, fmt.Errorf("alerts: response_time needs at least one sample")
		}
		return ResponseTime{ThresholdMs: env.ThresholdMs, Samples: env.Samples}, nil
	case KindPacketLoss:
		if env.Samples < 1 {
			return nil, fmt.Errorf("alerts: packet_loss needs at least one sample")
		}
		return PacketLoss{ThresholdPct: env.ThresholdPct, Samples: env.Samples}, nil
	case KindInterfaceDown:
		return InterfaceDown{}, nil
	case KindAnd:
		if len(env.Conditions) == 0 {
			return nil, fmt.Errorf("alerts: and needs at least one child")
		}
		and := And{}
		for _, raw := range env.Conditions {
			child, err := Decode(raw)
			if err != nil {
				return nil, err
			}
			and.All = append(and.All, child)
		}
		return and, nil
	case "":
		return nil, fmt.Errorf("alerts: condition missing type")
	default:
		return nil, fmt.Errorf("alerts: unknown condition type %q", env.Type)
	}
}

// Encode serializes a condition tree into its stored form.
func Encode(c Condition) ([]byte, error) {
	env, err := toEnvelope(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func toEnvelope(c Condition) (envelope, error) {
	switch v := c.(type) {
	case DownDuration:
		return envelope{Type: KindDownDuration, Secs: v.Secs}, nil
	case StatusChanges:
		return envelope{Type: KindStatusChanges, Count: v.Count, WindowSecs: v.WindowSecs}, nil
	case ResponseTime:
		return envelope{Type: KindResponseTime, ThresholdMs: v.ThresholdMs, Samples: v.Samples}, nil
	case PacketLoss:
		return envelope{Type: KindPacketLoss, ThresholdPct: v.ThresholdPct, Samples: v.Samples}, nil
	case InterfaceDown:
		return envelope{Type: KindInterfaceDown}, nil
	case And:
		env := envelope{Type: KindAnd}
		for _, child := range v.All {
			childEnv, err := toEnvelope(child)
			if err != nil {
				return envelope{}, err
			}
			raw, err := json.Marshal(childEnv)
			if err != nil {
				return envelope{}, err
			}
			env.Conditions = append(env.Conditions, raw)
		}
		return env, nil
	default:
		return envelope{}, fmt.Errorf("alerts: cannot encode condition %T", c)
	}
}

// usesTimeSeries reports whether any node of the tree consults time-series
// samples; the engine skips the backend query when no rule needs it.
func usesTimeSeries(c Condition) bool {
	switch v := c.(type) {
	case ResponseTime, PacketLoss:
		return true
	case And:
		for _, child := range v.All {
			if usesTimeSeries(child) {
				return true
			}
		}
	}
	return false
}

// isTransitional reports whether the tree alerts on a reachability
// transition, which flap suppression mutes while a device oscillates.
func isTransitional(c Condition) bool {
	switch v := c.(type) {
	case DownDuration:
		return true
	case And:
		for _, child := range v.All {
			if isTransitional(child) {
				return true
			}
		}
	}
	return false
}
