// Package portscan implements PortScanDetector: a periodic,
// time-driven worker with no EventBus subscription.
package portscan

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowwatch/flowwatch/internal/domain"
	"github.com/flowwatch/flowwatch/internal/ports"
	"github.com/flowwatch/flowwatch/internal/telemetry"
)

const (
	scanInterval       = 60 * time.Second
	unestablishedLimit = 3
	threatLevel        = 50
	typeDetection      = "Too many not established TCP conn to the same port"
)

// Detector enumerates every profile's last time window once per tick
// and emits evidence for destination ports with more than
// unestablishedLimit unestablished TCP connections.
type Detector struct {
	store ports.ProfileStore
	log   *slog.Logger
}

// New builds a PortScanDetector over store.
func New(store ports.ProfileStore, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{store: store, log: log}
}

func (d *Detector) Name() string { return "portscan" }

// Run ticks every scanInterval until ctx is canceled.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

func (d *Detector) scan(ctx context.Context) {
	profiles, err := d.store.GetProfiles(ctx)
	if err != nil {
		d.log.Warn("portscan: listing profiles failed", "error", err)
		return
	}

	for _, profileID := range profiles {
		twID, _, err := d.store.LastTimeWindow(ctx, profileID)
		if err != nil || twID == "" {
			continue
		}

		counts, err := d.store.UnestablishedTCPDestPorts(ctx, profileID, twID)
		if err != nil {
			d.log.Warn("portscan: reading port counts failed", "profile", profileID, "error", err)
			continue
		}

		for _, c := range counts {
			if c.TotalPkts <= unestablishedLimit {
				continue
			}
			confidence := float64(c.TotalPkts) / 10.0
			if confidence > 1.0 {
				confidence = 1.0
			}
			ev := domain.EvidenceRecord{
				TypeDetection: typeDetection,
				DetectionInfo: string(profileID) + "-" + string(twID) + "-" + c.Port,
				TypeEvidence:  "PortScanType1",
				ThreatLevel:   threatLevel,
				Confidence:    confidence,
				Description:   typeDetection,
				ProfileId:     string(profileID),
				TwId:          string(twID),
			}
			if err := d.store.SetEvidence(ctx, ev); err != nil {
				d.log.Warn("portscan: recording evidence failed", "error", err)
			} else {
				telemetry.EvidenceEmitted.WithLabelValues(d.Name(), ev.TypeEvidence).Inc()
			}
		}
	}
}
