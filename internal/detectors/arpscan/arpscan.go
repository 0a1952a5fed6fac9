// Package arpscan implements ArpScanDetector: an EventBus subscriber
// watching for ARP-sweep behavior and ARP traffic directed outside
// the configured home network.
package arpscan

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/flowwatch/flowwatch/internal/domain"
	"github.com/flowwatch/flowwatch/internal/ports"
	"github.com/flowwatch/flowwatch/internal/telemetry"
)

const (
	scanDestThreshold = 3
	scanWindowSeconds = 30.0

	scanThreatLevel      = 60
	scanConfidence       = 0.8
	nonLocalThreatLevel  = 50
	nonLocalConfidence   = 0.8

	typeDetectionArpScan    = "ARP scan"
	typeDetectionNonLocal   = "ARP to non-local"
)

// defaultHomeNetworks are the CIDRs considered "inside" when no
// explicit home_network configuration is supplied.
var defaultHomeNetworks = []string{"192.168.0.0/16", "172.16.0.0/12", "10.0.0.0/8"}

type destEntry struct {
	uid string
	ts  float64
}

type window struct {
	dests map[string]destEntry
	order []string // insertion order, oldest first, to find first/last ts
}

// Detector subscribes to new_arp and tw_closed, maintaining a
// per-(profileid,twid) bucket of observed ARP destinations.
type Detector struct {
	store ports.ProfileStore
	bus   ports.EventBus
	log   *slog.Logger

	homeNets []*net.IPNet

	mu      sync.Mutex
	buckets map[string]*window
}

// New builds an ArpScanDetector. homeNetworks overrides the default
// CIDR set if non-empty.
func New(store ports.ProfileStore, bus ports.EventBus, homeNetworks []string, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	if len(homeNetworks) == 0 {
		homeNetworks = defaultHomeNetworks
	}
	nets := make([]*net.IPNet, 0, len(homeNetworks))
	for _, cidr := range homeNetworks {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, n)
		}
	}
	return &Detector{
		store:    store,
		bus:      bus,
		log:      log,
		homeNets: nets,
		buckets:  make(map[string]*window),
	}
}

func (d *Detector) Name() string { return "arpscan" }

// Run subscribes to new_arp and tw_closed and processes messages
// until stop_process arrives on either topic or ctx is canceled.
func (d *Detector) Run(ctx context.Context) error {
	arpSub := d.bus.Subscribe("new_arp")
	defer arpSub.Close()
	twSub := d.bus.Subscribe("tw_closed")
	defer twSub.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			payload, ok := arpSub.Next(runCtx, 0)
			if !ok {
				return
			}
			if payload == "stop_process" {
				stop()
				return
			}
			d.handleNewArp(runCtx, payload)
		}
	}()

	go func() {
		defer wg.Done()
		for {
			payload, ok := twSub.Next(runCtx, 0)
			if !ok {
				return
			}
			if payload == "stop_process" {
				stop()
				return
			}
			d.handleTwClosed(payload)
		}
	}()

	wg.Wait()
	d.bus.Publish("finished_modules", d.Name())
	return nil
}

func (d *Detector) handleTwClosed(payload string) {
	profileID, twID, ok := decodeTwClosedPayload(payload)
	if !ok {
		d.log.Debug("arpscan: dropping unparseable tw_closed payload")
		return
	}
	d.CloseTimeWindow(profileID, twID)
}

// handleNewArp decodes one new_arp payload and passes it to Observe.
func (d *Detector) handleNewArp(ctx context.Context, payload string) {
	obs, ok := decodeArpPayload(payload)
	if !ok {
		d.log.Debug("arpscan: dropping unparseable new_arp payload")
		return
	}
	d.Observe(ctx, obs)
}

// Observe is the core logic: upsert the destination, check the
// sweep threshold, and independently check the non-local perimeter
// rule.
func (d *Detector) Observe(ctx context.Context, obs domain.ArpObservation) {
	key := domain.Key(obs.ProfileId, obs.TwId)

	d.mu.Lock()
	w, exists := d.buckets[key]
	if !exists {
		w = &window{dests: make(map[string]destEntry)}
		d.buckets[key] = w
	}
	if _, seen := w.dests[obs.Daddr]; !seen {
		w.order = append(w.order, obs.Daddr)
	}
	w.dests[obs.Daddr] = destEntry{uid: obs.Uid, ts: obs.Ts}

	var scanDetected bool
	var firstTs, lastTs float64
	if len(w.dests) >= scanDestThreshold {
		firstTs, lastTs = w.dests[w.order[0]].ts, w.dests[w.order[0]].ts
		for _, daddr := range w.order {
			ts := w.dests[daddr].ts
			if ts < firstTs {
				firstTs = ts
			}
			if ts > lastTs {
				lastTs = ts
			}
		}
		if lastTs-firstTs <= scanWindowSeconds {
			scanDetected = true
			delete(d.buckets, key) // re-arm: bucket cleared on emission
		}
	}
	d.mu.Unlock()

	if scanDetected {
		d.emitScanEvidence(ctx, obs, lastTs)
	}

	if d.isNonLocal(obs) {
		d.emitNonLocalEvidence(ctx, obs)
	}
}

func (d *Detector) isNonLocal(obs domain.ArpObservation) bool {
	if obs.Saddr == "0.0.0.0" || obs.Daddr == "0.0.0.0" {
		return false // ARP probe, excluded
	}
	ip := net.ParseIP(obs.Daddr)
	if ip == nil {
		return false
	}
	for _, n := range d.homeNets {
		if n.Contains(ip) {
			return false
		}
	}
	return true
}

func (d *Detector) emitScanEvidence(ctx context.Context, obs domain.ArpObservation, ts float64) {
	ev := domain.EvidenceRecord{
		TypeDetection: typeDetectionArpScan,
		DetectionInfo: string(obs.ProfileId) + "-" + string(obs.TwId),
		TypeEvidence:  "ARPScan",
		ThreatLevel:   scanThreatLevel,
		Confidence:    scanConfidence,
		Description:   typeDetectionArpScan,
		Ts:            ts,
		ProfileId:     string(obs.ProfileId),
		TwId:          string(obs.TwId),
		Uid:           obs.Uid,
	}
	if err := d.store.SetEvidence(ctx, ev); err != nil {
		d.log.Warn("arpscan: recording scan evidence failed", "error", err)
	} else {
		telemetry.EvidenceEmitted.WithLabelValues(d.Name(), ev.TypeEvidence).Inc()
	}
}

func (d *Detector) emitNonLocalEvidence(ctx context.Context, obs domain.ArpObservation) {
	ev := domain.EvidenceRecord{
		TypeDetection: typeDetectionNonLocal,
		DetectionInfo: obs.Daddr,
		TypeEvidence:  "ARPNonLocal",
		ThreatLevel:   nonLocalThreatLevel,
		Confidence:    nonLocalConfidence,
		Description:   typeDetectionNonLocal,
		Ts:            obs.Ts,
		ProfileId:     string(obs.ProfileId),
		TwId:          string(obs.TwId),
		Uid:           obs.Uid,
	}
	if err := d.store.SetEvidence(ctx, ev); err != nil {
		d.log.Warn("arpscan: recording non-local evidence failed", "error", err)
	} else {
		telemetry.EvidenceEmitted.WithLabelValues(d.Name(), ev.TypeEvidence).Inc()
	}
}

// CloseTimeWindow removes the cache bucket for (profileID, twID);
// buckets of other profiles are left in place. It iterates a snapshot
// of the keys to avoid mutating the map while walking it.
func (d *Detector) CloseTimeWindow(profileID domain.ProfileId, twID domain.TimeWindowId) {
	key := domain.Key(profileID, twID)
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.buckets))
	for k := range d.buckets {
		keys = append(keys, k)
	}
	for _, k := range keys {
		if k == key {
			delete(d.buckets, k)
		}
	}
}
