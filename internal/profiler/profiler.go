// Package profiler implements the minimal FlowRecord consumer that
// buckets connection and ARP records into profiles and time windows,
// and republishes new_arp/new_ip/tw_closed onto the event bus so the
// detector fabric has genuine end-to-end input to react to.
package profiler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/flowwatch/flowwatch/internal/domain"
	"github.com/flowwatch/flowwatch/internal/ports"
)

// defaultWindowSeconds is the width of one time window (one hour).
const defaultWindowSeconds = 3600.0

// unestablishedConnStates are zeek conn_state codes for TCP
// connections that never completed a handshake.
var unestablishedConnStates = map[string]bool{
	"S0": true, "REJ": true, "RSTOS0": true, "RSTRH": true, "SH": true, "OTH": true,
}

// connRecord mirrors the zeek conn.log fields this profiler reads.
// Unknown fields are ignored by encoding/json.
type connRecord struct {
	Ts        float64 `json:"ts"`
	Uid       string  `json:"uid"`
	OrigH     string  `json:"id.orig_h"`
	RespH     string  `json:"id.resp_h"`
	RespP     string  `json:"id.resp_p"`
	Proto     string  `json:"proto"`
	ConnState string  `json:"conn_state"`
}

// arpRecord mirrors the zeek arp.log fields this profiler reads.
type arpRecord struct {
	Ts    float64 `json:"ts"`
	Saddr string  `json:"src"`
	Daddr string  `json:"dst"`
}

// Profiler drains a ProfilerQueue and maintains a ProfileId/twid
// bucket per source address, the way the downstream profile parser
// this repo substitutes for would.
type Profiler struct {
	queue          ports.ProfilerQueue
	bus            ports.EventBus
	store          ports.ProfileStore
	windowSeconds  float64
	log            *slog.Logger
	lastWindow     map[domain.ProfileId]domain.TimeWindowId
}

// New builds a Profiler. windowSeconds <= 0 selects the default.
func New(queue ports.ProfilerQueue, b ports.EventBus, store ports.ProfileStore, windowSeconds float64, log *slog.Logger) *Profiler {
	if windowSeconds <= 0 {
		windowSeconds = defaultWindowSeconds
	}
	if log == nil {
		log = slog.Default()
	}
	return &Profiler{
		queue:         queue,
		bus:           b,
		store:         store,
		windowSeconds: windowSeconds,
		log:           log,
		lastWindow:    make(map[domain.ProfileId]domain.TimeWindowId),
	}
}

// Run drains records until end-of-stream, then broadcasts
// stop_process to every subscriber still listening on the bus.
func (p *Profiler) Run() error {
	for rec := range p.queue.Records() {
		if rec.Type == ports.EndOfStream {
			p.bus.StopAll()
			return nil
		}
		p.handle(rec)
	}
	// The channel closed without an end-of-stream record; stop the
	// bus anyway so subscribers don't block forever.
	p.bus.StopAll()
	return nil
}

func (p *Profiler) handle(rec domain.FlowRecord) {
	switch {
	case strings.Contains(rec.Type, "arp"):
		p.handleArp(rec)
	case rec.Type == "conn" || strings.HasPrefix(rec.Type, "argus") || rec.Type == "suricata":
		p.handleConn(rec)
	default:
		// Other source kinds (dns, http, ssl, ...) are not bucketed by
		// this minimal profiler; they pass through unobserved.
	}
}

func (p *Profiler) handleConn(rec domain.FlowRecord) {
	var c connRecord
	if err := json.Unmarshal([]byte(rec.Data), &c); err != nil || c.OrigH == "" {
		return
	}
	ts := c.Ts
	if ts == 0 {
		ts = rec.Ts
	}

	profileID := domain.ProfileId("profile_" + c.OrigH)
	twID := p.windowFor(ts)
	p.rollWindow(profileID, twID, ts)

	p.publishNewIP(c.OrigH)
	if c.RespH != "" {
		p.publishNewIP(c.RespH)
	}

	if c.Proto == "tcp" && unestablishedConnStates[c.ConnState] && c.RespP != "" {
		if err := p.store.RecordUnestablishedTCP(context.Background(), profileID, twID, c.RespP); err != nil {
			p.log.Debug("profiler: recording unestablished tcp failed", "error", err)
		}
	}
}

func (p *Profiler) handleArp(rec domain.FlowRecord) {
	var a arpRecord
	if err := json.Unmarshal([]byte(rec.Data), &a); err != nil || a.Saddr == "" {
		return
	}
	ts := a.Ts
	if ts == 0 {
		ts = rec.Ts
	}

	profileID := domain.ProfileId("profile_" + a.Saddr)
	twID := p.windowFor(ts)
	p.rollWindow(profileID, twID, ts)

	payload, err := json.Marshal(map[string]any{
		"ts":        ts,
		"profileid": string(profileID),
		"twid":      string(twID),
		"saddr":     a.Saddr,
		"daddr":     a.Daddr,
		"uid":       uuid.NewString(),
	})
	if err != nil {
		return
	}
	p.bus.Publish("new_arp", string(payload))
}

func (p *Profiler) publishNewIP(ip string) {
	p.bus.Publish("new_ip", ip)
}

// windowFor buckets ts into a fixed-width time window id.
func (p *Profiler) windowFor(ts float64) domain.TimeWindowId {
	n := int64(math.Floor(ts / p.windowSeconds))
	return domain.TimeWindowId(fmt.Sprintf("timewindow_%d", n))
}

// rollWindow ensures the window exists and, if the profile has moved
// to a new window since the last record, publishes tw_closed for the
// window it left.
func (p *Profiler) rollWindow(profileID domain.ProfileId, twID domain.TimeWindowId, ts float64) {
	if err := p.store.EnsureTimeWindow(context.Background(), profileID, twID, ts); err != nil {
		p.log.Debug("profiler: ensuring time window failed", "error", err)
	}

	prev, ok := p.lastWindow[profileID]
	if ok && prev != twID {
		p.bus.Publish("tw_closed", domain.Key(profileID, prev))
	}
	p.lastWindow[profileID] = twID
}
