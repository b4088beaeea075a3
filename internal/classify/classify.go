// Package classify infers what a network interface is used for from its
// IF-MIB metadata. Classification is a pure function: the same inputs always
// produce the same result, so discovery can re-run it on every walk.
package classify

import (
	"regexp"
	"strings"
)

// Interface types the classifier can produce.
const (
	TypeISP        = "isp"
	TypeTrunk      = "trunk"
	TypeAccess     = "access"
	TypeServerLink = "server_link"
	TypeBranchLink = "branch_link"
	TypeManagement = "management"
	TypeLoopback   = "loopback"
	TypeVoice      = "voice"
	TypeCamera     = "camera"
	TypeUnknown    = "unknown"
)

// Result is the classifier output for one interface.
type Result struct {
	Type       string
	Provider   string // empty when no provider pattern matched
	IsCritical bool
	Confidence float64
}

type typePattern struct {
	ifType string
	re     *regexp.Regexp
}

// Ordered by specificity: the first match wins within a field, so loopback and
// trunk patterns come before the broad ISP keywords would otherwise swallow
// names like "Port-channel1 uplink".
var typePatterns = []typePattern{
	{TypeLoopback, regexp.MustCompile(`(?i)loopback|^lo\d+$`)},
	{TypeTrunk, regexp.MustCompile(`(?i)\bpo\d+\b|\blag\d+\b|port-?channel|trunk`)},
	{TypeISP, regexp.MustCompile(`(?i)internet|\bwan\b|\bisp\b|uplink|\binet\b`)},
	{TypeManagement, regexp.MustCompile(`(?i)\bmgmt\b|management|\boob\b`)},
	{TypeVoice, regexp.MustCompile(`(?i)voice|voip|\bsip\b`)},
	{TypeCamera, regexp.MustCompile(`(?i)camera|cctv|\bnvr\b|video`)},
	{TypeServerLink, regexp.MustCompile(`(?i)server|\bsrv\b|\besxi?\b|hypervisor`)},
	{TypeBranchLink, regexp.MustCompile(`(?i)branch|p2p|point-to-point|\bl2l\b`)},
	{TypeAccess, regexp.MustCompile(`(?i)access|workstation|\buser\b|office`)},
}

// ISP providers recognized in interface metadata.
var providerPatterns = []struct {
	provider string
	re       *regexp.Regexp
}{
	{"magti", regexp.MustCompile(`(?i)magti`)},
	{"silknet", regexp.MustCompile(`(?i)silknet|silk`)},
	{"veon", regexp.MustCompile(`(?i)veon`)},
	{"beeline", regexp.MustCompile(`(?i)beeline`)},
	{"geocell", regexp.MustCompile(`(?i)geocell`)},
	{"caucasus", regexp.MustCompile(`(?i)caucasus`)},
	{"globaltel", regexp.MustCompile(`(?i)globaltel`)},
}

// IANA ifType values that identify an interface on their own.
const (
	ifTypeLoopback = 24  // softwareLoopback
	ifTypeLAG      = 161 // ieee8023adLag
)

// Classify maps interface metadata to (type, provider, criticality,
// confidence). Fields are consulted in decreasing reliability order: ifAlias
// is operator-maintained, ifDescr is vendor text, ifName is terse, ifType is
// a last resort.
func Classify(ifAlias, ifDescr, ifName string, ifType int) Result {
	var res Result
	res.Type = TypeUnknown

	if t, ok := matchType(ifAlias); ok {
		res.Type = t
		res.Confidence = 0.8
	} else if t, ok := matchType(ifDescr); ok {
		res.Type = t
		res.Confidence = 0.6
	} else if t, ok := matchType(ifName); ok {
		res.Type = t
		res.Confidence = 0.35
	} else {
		switch ifType {
		case ifTypeLoopback:
			res.Type = TypeLoopback
			res.Confidence = 0.3
		case ifTypeLAG:
			res.Type = TypeTrunk
			res.Confidence = 0.3
		}
	}

	// Provider detection scans alias and descr regardless of which field
	// decided the type; a provider name is strong evidence on its own.
	res.Provider = matchProvider(ifAlias)
	if res.Provider == "" {
		res.Provider = matchProvider(ifDescr)
	}

	if res.Provider != "" {
		// A provider name implies an ISP link even without an ISP keyword.
		if res.Type != TypeISP {
			res.Type = TypeISP
		}
		if res.Confidence < 0.8 {
			res.Confidence = 0.8
		}
	}

	res.IsCritical = res.Type == TypeISP
	return res
}

func matchType(field string) (string, bool) {
	field = strings.TrimSpace(field)
	if field == "" {
		return "", false
	}
	for _, p := range typePatterns {
		if p.re.MatchString(field) {
			return p.ifType, true
		}
	}
	return "", false
}

func matchProvider(field string) string {
	if field == "" {
		return ""
	}
	for _, p := range providerPatterns {
		if p.re.MatchString(field) {
			return p.provider
		}
	}
	return ""
}
