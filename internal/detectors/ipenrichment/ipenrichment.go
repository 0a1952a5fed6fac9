// Package ipenrichment implements IpEnrichmentWorker: a new_ip
// subscriber that resolves ASN organization names from a cached
// range table, an offline MaxMind database, and remote RDAP lookups.
package ipenrichment

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/flowwatch/flowwatch/internal/domain"
	"github.com/flowwatch/flowwatch/internal/ports"
)

// CacheMaxAge is the ASN cache invalidation window.
const CacheMaxAge = 30 * 24 * time.Hour

// Detector subscribes to new_ip and persists ASN enrichment.
type Detector struct {
	store   ports.ProfileStore
	bus     ports.EventBus
	offline ports.AsnLookup
	rangeLk ports.RangeLookup
	log     *slog.Logger
	now     func() time.Time
}

// New builds an IpEnrichmentWorker. offline and rangeLookup may be
// nil to skip those stages (used in tests and in minimal
// deployments).
func New(store ports.ProfileStore, b ports.EventBus, offline ports.AsnLookup, rangeLookup ports.RangeLookup, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		store:   store,
		bus:     b,
		offline: offline,
		rangeLk: rangeLookup,
		log:     log,
		now:     time.Now,
	}
}

func (d *Detector) Name() string { return "ipenrichment" }

// Run subscribes to new_ip and processes messages until stop_process
// arrives or ctx is canceled.
func (d *Detector) Run(ctx context.Context) error {
	sub := d.bus.Subscribe("new_ip")
	defer sub.Close()

	for {
		payload, ok := sub.Next(ctx, 0)
		if !ok {
			return nil
		}
		if payload == "stop_process" {
			d.bus.Publish("finished_modules", d.Name())
			return nil
		}
		d.Enrich(ctx, payload)
	}
}

// Enrich resolves and persists ASN enrichment for ip, unless ip is
// multicast or the cached entry is still fresh.
func (d *Detector) Enrich(ctx context.Context, ip string) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsMulticast() {
		return
	}

	existing, err := d.store.GetIPData(ctx, ip)
	if err == nil {
		if ts, ok := existing["asn_timestamp"].(string); ok {
			if parsedTs, err := time.Parse(time.RFC3339, ts); err == nil {
				if d.now().Sub(parsedTs) <= CacheMaxAge {
					return // still fresh, skip refresh
				}
			}
		}
	}

	org := d.lookupCachedRange(ctx, parsed)
	if org == "" {
		if d.offline != nil {
			if resolved, ok := d.offline.Lookup(ip); ok {
				org = resolved
			}
		}
		d.refreshRangeCache(ctx, ip, parsed)
	}
	if org == "" {
		org = "Unknown"
	}

	_ = d.store.SetIPData(ctx, ip, map[string]any{
		"asnorg":        org,
		"asn_timestamp": d.now().Format(time.RFC3339),
	})
}

func (d *Detector) lookupCachedRange(ctx context.Context, ip net.IP) string {
	// The ProfileStore facade keys the ASN cache by exact CIDR, so
	// only the /24, /16 and /8 ranges containing ip are looked up; a
	// cached range with any other prefix length is not found here.
	for _, bits := range []int{24, 16, 8} {
		cidr := containingCIDR(ip, bits)
		if cidr == "" {
			continue
		}
		if entry, ok, err := d.store.GetASNCacheEntry(ctx, cidr); err == nil && ok {
			if !entry.Stale(d.now(), CacheMaxAge) {
				return entry.Org
			}
		}
	}
	return ""
}

func (d *Detector) refreshRangeCache(ctx context.Context, ip string, parsed net.IP) {
	if d.rangeLk == nil || isPrivate(parsed) {
		return
	}
	cidr, org, err := d.rangeLk.LookupRange(ctx, ip)
	if err != nil || cidr == "" {
		return // RDAP failures and private addresses are swallowed
	}
	if err := d.store.SetASNCache(ctx, org, cidr); err != nil {
		d.log.Debug("ipenrichment: caching range failed", "error", err)
	}
}

func isPrivate(ip net.IP) bool {
	if ip == nil {
		return true
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

func containingCIDR(ip net.IP, prefixBits int) string {
	v4 := ip.To4()
	if v4 == nil {
		return ""
	}
	_, n, err := net.ParseCIDR(ip.String() + "/" + strconv.Itoa(prefixBits))
	if err != nil {
		return ""
	}
	return n.String()
}
