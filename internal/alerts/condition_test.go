package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kljama/fleetmon/internal/models"
)

func TestDecodeKinds(t *testing.T) {
	cases := []struct {
		json string
		want Condition
	}{
		{`{"type":"down_duration","secs":60}`, DownDuration{Secs: 60}},
		{`{"type":"status_changes","count":3,"window_secs":300}`, StatusChanges{Count: 3, WindowSecs: 300}},
		{`{"type":"response_time","threshold_ms":200,"samples":3}`, ResponseTime{ThresholdMs: 200, Samples: 3}},
		{`{"type":"packet_loss","threshold_pct":20,"samples":3}`, PacketLoss{ThresholdPct: 20, Samples: 3}},
		{`{"type":"interface_down"}`, InterfaceDown{}},
	}
	for _, tc := range cases {
		got, err := Decode([]byte(tc.json))
		require.NoError(t, err, tc.json)
		assert.Equal(t, tc.want, got, tc.json)
	}
}

func TestDecodeNestedAnd(t *testing.T) {
	raw := `{"type":"and","conditions":[
		{"type":"down_duration","secs":30},
		{"type":"status_changes","count":2,"window_secs":120}]}`

	got, err := Decode([]byte(raw))
	require.NoError(t, err)
	and, ok := got.(And)
	require.True(t, ok)
	require.Len(t, and.All, 2)
	assert.Equal(t, DownDuration{Secs: 30}, and.All[0])
}

func TestDecodeRejectsMalformed(t *testing.T) {
	bad := []string{
		`{}`,
		`{"type":"teleport"}`,
		`{"type":"status_changes","count":0,"window_secs":300}`,
		`{"type":"response_time","threshold_ms":200}`,
		`{"type":"and","conditions":[]}`,
		`not json`,
	}
	for _, raw := range bad {
		_, err := Decode([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	original := And{All: []Condition{
		DownDuration{Secs: 45},
		PacketLoss{ThresholdPct: 10, Samples: 2},
	}}
	data, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestDownDurationEval(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	since := now.Add(-90 * time.Second)
	down := models.Device{Reachability: models.ReachabilityDown, DownSince: &since}

	assert.True(t, DownDuration{Secs: 60}.Eval(DeviceFacts{Device: down, Now: now}))
	assert.False(t, DownDuration{Secs: 120}.Eval(DeviceFacts{Device: down, Now: now}))
	assert.False(t, DownDuration{Secs: 60}.Eval(DeviceFacts{
		Device: models.Device{Reachability: models.ReachabilityUp}, Now: now}))
}

func TestStatusChangesEval(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	dev := models.Device{StatusChanges: []time.Time{
		now.Add(-10 * time.Minute), // outside window
		now.Add(-4 * time.Minute),
		now.Add(-2 * time.Minute),
		now.Add(-1 * time.Minute),
	}}
	facts := DeviceFacts{Device: dev, Now: now}

	assert.True(t, StatusChanges{Count: 3, WindowSecs: 300}.Eval(facts))
	assert.False(t, StatusChanges{Count: 4, WindowSecs: 300}.Eval(facts))
}

func TestSampleConditionsNeedEnoughSamples(t *testing.T) {
	facts := DeviceFacts{RTTSamples: []float64{250, 300}, LossSamples: []float64{50}}

	// Two samples cannot satisfy a three-sample rule.
	assert.False(t, ResponseTime{ThresholdMs: 200, Samples: 3}.Eval(facts))
	assert.True(t, ResponseTime{ThresholdMs: 200, Samples: 2}.Eval(facts))
	assert.False(t, PacketLoss{ThresholdPct: 20, Samples: 3}.Eval(facts))
	assert.True(t, PacketLoss{ThresholdPct: 20, Samples: 1}.Eval(facts))
}

func TestResponseTimeOneGoodSampleBreaksStreak(t *testing.T) {
	facts := DeviceFacts{RTTSamples: []float64{250, 40, 300}}
	assert.False(t, ResponseTime{ThresholdMs: 200, Samples: 3}.Eval(facts))
}

func TestAndEval(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	since := now.Add(-2 * time.Minute)
	dev := models.Device{
		Reachability:  models.ReachabilityDown,
		DownSince:     &since,
		StatusChanges: []time.Time{now.Add(-time.Minute)},
	}
	facts := DeviceFacts{Device: dev, Now: now}

	both := And{All: []Condition{
		DownDuration{Secs: 60},
		StatusChanges{Count: 1, WindowSecs: 300},
	}}
	assert.True(t, both.Eval(facts))

	oneFails := And{All: []Condition{
		DownDuration{Secs: 60},
		StatusChanges{Count: 5, WindowSecs: 300},
	}}
	assert.False(t, oneFails.Eval(facts))
	assert.False(t, And{}.Eval(facts))
}

func TestConditionIntrospection(t *testing.T) {
	assert.True(t, usesTimeSeries(ResponseTime{Samples: 1}))
	assert.True(t, usesTimeSeries(And{All: []Condition{DownDuration{}, PacketLoss{Samples: 1}}}))
	assert.False(t, usesTimeSeries(DownDuration{}))

	assert.True(t, isTransitional(DownDuration{}))
	assert.True(t, isTransitional(And{All: []Condition{StatusChanges{}, DownDuration{}}}))
	assert.False(t, isTransitional(StatusChanges{}))
}
