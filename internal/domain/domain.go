// Package domain holds the value types shared across the ingestion core,
// the detector fabric, and the profile store.
package domain

import (
	"strings"
	"time"
)

// FlowRecord is one unit handed from IngestionCore to ProfilerQueue.
type FlowRecord struct {
	// Type names the source kind that produced Data: "stdin", "argus",
	// "argus-tabs", "suricata", "nfdump", or a zeek/bro log basename.
	Type string `json:"type"`
	Data string `json:"data"`
	Ts   float64 `json:"ts"`
}

// LogSource is a single file-backed stream participating in the
// folder-merge ordering algorithm.
type LogSource struct {
	Name string // logical name, e.g. "conn", "dns", "http"
	Path string
}

// IsConn reports whether this source's logical name marks it as the
// connection log, which wins ties in the folder-merge step.
func (s LogSource) IsConn() bool {
	return strings.Contains(strings.ToLower(s.Name), "conn")
}

// ProfileId identifies a network endpoint under observation, of the
// form "profile_<address>".
type ProfileId string

// TimeWindowId identifies a fixed-duration slice of a profile's
// timeline, of the form "timewindow_<n>".
type TimeWindowId string

// Key returns the "profileid_twid" composite key used by the ARP
// cache and several ProfileStore lookups.
func Key(p ProfileId, tw TimeWindowId) string {
	return string(p) + "_" + string(tw)
}

// ArpObservation is one new_arp event as seen by ArpScanDetector.
type ArpObservation struct {
	ProfileId ProfileId
	TwId      TimeWindowId
	Saddr     string
	Daddr     string
	Uid       string
	Ts        float64
}

// EvidenceRecord is an append-only claim linking a detection to a
// profile/window.
type EvidenceRecord struct {
	TypeDetection string  `json:"type_detection"`
	DetectionInfo string  `json:"detection_info"`
	TypeEvidence  string  `json:"type_evidence"`
	ThreatLevel   float64 `json:"threat_level"`
	Confidence    float64 `json:"confidence"`
	Description   string  `json:"description"`
	Ts            float64 `json:"ts"`
	ProfileId     string  `json:"profileid"`
	TwId          string  `json:"twid"`
	Uid           string  `json:"uid"`
}

// AsnCacheEntry maps a CIDR range to an organization name and the
// instant it was last refreshed.
type AsnCacheEntry struct {
	Cidr      string
	Org       string
	UpdatedAt time.Time
}

// Stale reports whether this entry is older than maxAge.
func (e AsnCacheEntry) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(e.UpdatedAt) > maxAge
}

// IpEnrichment is the persisted per-ip enrichment record.
type IpEnrichment struct {
	Asnorg    string    `json:"asnorg"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertExport is one export_alert message.
type AlertExport struct {
	ExportTo string   `json:"export_to"`
	Msg      string   `json:"msg,omitempty"`
	Tuple    []string `json:"tuple,omitempty"` // [type_evidence, type_detection, detection_info, description]
}

// UnestablishedPortCount is one row of PortScanDetector input.
type UnestablishedPortCount struct {
	Port      string
	TotalPkts int
}
