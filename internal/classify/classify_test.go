package classify

import "testing"

func TestClassifyISPWithProvider(t *testing.T) {
	res := Classify("Magti_Internet_Uplink", "GigabitEthernet0/0/0", "Gi0/0/0", 6)
	if res.Type != TypeISP {
		t.Errorf("expected isp, got %s", res.Type)
	}
	if res.Provider != "magti" {
		t.Errorf("expected provider magti, got %q", res.Provider)
	}
	if !res.IsCritical {
		t.Error("isp interface must be critical")
	}
	if res.Confidence < 0.8 {
		t.Errorf("expected confidence >= 0.8, got %f", res.Confidence)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	a := Classify("Silknet WAN", "TenGigE0/1", "Te0/1", 6)
	b := Classify("Silknet WAN", "TenGigE0/1", "Te0/1", 6)
	if a != b {
		t.Errorf("classification not deterministic: %+v vs %+v", a, b)
	}
}

func TestClassifyISPKeywordWithoutProvider(t *testing.T) {
	res := Classify("internet backup", "", "Gi0/2", 6)
	if res.Type != TypeISP {
		t.Errorf("expected isp, got %s", res.Type)
	}
	if res.Provider != "" {
		t.Errorf("expected no provider, got %q", res.Provider)
	}
	if !res.IsCritical {
		t.Error("isp interface must be critical even without a provider")
	}
}

func TestClassifyProviderImpliesISP(t *testing.T) {
	// No ISP keyword anywhere, but the alias names a carrier.
	res := Classify("beeline primary", "GigabitEthernet0/0", "Gi0/0", 6)
	if res.Type != TypeISP {
		t.Errorf("provider name should imply isp, got %s", res.Type)
	}
	if res.Provider != "beeline" {
		t.Errorf("expected beeline, got %q", res.Provider)
	}
}

func TestClassifyFieldPriority(t *testing.T) {
	tests := []struct {
		name       string
		alias      string
		descr      string
		ifName     string
		ifType     int
		wantType   string
		minConf    float64
		maxConf    float64
	}{
		{"alias match", "WAN uplink", "", "Gi0/0", 6, TypeISP, 0.8, 1.0},
		{"descr match only", "", "trunk to core", "Gi0/1", 6, TypeTrunk, 0.5, 0.7},
		{"name match only", "", "", "Po1", 6, TypeTrunk, 0.3, 0.4},
		{"iftype loopback fallback", "", "", "irrelevant", 24, TypeLoopback, 0.2, 0.4},
		{"iftype lag fallback", "", "", "xyz", 161, TypeTrunk, 0.2, 0.4},
		{"no match at all", "customer port", "", "xyz9", 6, TypeUnknown, 0.0, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Classify(tt.alias, tt.descr, tt.ifName, tt.ifType)
			if res.Type != tt.wantType {
				t.Errorf("expected %s, got %s", tt.wantType, res.Type)
			}
			if res.Confidence < tt.minConf || res.Confidence > tt.maxConf {
				t.Errorf("confidence %f outside [%f,%f]", res.Confidence, tt.minConf, tt.maxConf)
			}
		})
	}
}

func TestClassifyOrderingLoopbackBeforeISP(t *testing.T) {
	// "Loopback0 uplink test" contains an uplink keyword but is a loopback.
	res := Classify("Loopback0 uplink test", "", "Lo0", 24)
	if res.Type != TypeLoopback {
		t.Errorf("loopback pattern must win over isp keywords, got %s", res.Type)
	}
}

func TestClassifyVariousTypes(t *testing.T) {
	tests := []struct {
		alias string
		want  string
	}{
		{"mgmt vlan", TypeManagement},
		{"VoIP phones", TypeVoice},
		{"CCTV cameras floor 2", TypeCamera},
		{"server farm", TypeServerLink},
		{"branch p2p link", TypeBranchLink},
		{"office access ports", TypeAccess},
		{"Port-channel10", TypeTrunk},
	}
	for _, tt := range tests {
		res := Classify(tt.alias, "", "", 6)
		if res.Type != tt.want {
			t.Errorf("alias %q: expected %s, got %s", tt.alias, tt.want, res.Type)
		}
	}
}

func TestClassifyCaseInsensitive(t *testing.T) {
	lower := Classify("magti internet", "", "", 6)
	upper := Classify("MAGTI INTERNET", "", "", 6)
	if lower.Provider != "magti" || upper.Provider != "magti" {
		t.Errorf("provider match should be case-insensitive: %q / %q", lower.Provider, upper.Provider)
	}
}
