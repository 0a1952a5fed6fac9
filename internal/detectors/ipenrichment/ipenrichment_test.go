package ipenrichment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowwatch/flowwatch/internal/bus"
	"github.com/flowwatch/flowwatch/internal/domain"
)

type fakeStore struct {
	ipData map[string]map[string]any
	asn    map[string]domain.AsnCacheEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{ipData: map[string]map[string]any{}, asn: map[string]domain.AsnCacheEntry{}}
}

func (s *fakeStore) GetAllFlowLogFiles(ctx context.Context) ([]string, error) { return nil, nil }
func (s *fakeStore) AddFlowLogFile(ctx context.Context, name string) error    { return nil }
func (s *fakeStore) GetProfiles(ctx context.Context) ([]domain.ProfileId, error) {
	return nil, nil
}
func (s *fakeStore) LastTimeWindow(ctx context.Context, p domain.ProfileId) (domain.TimeWindowId, float64, error) {
	return "", 0, nil
}
func (s *fakeStore) EnsureTimeWindow(ctx context.Context, p domain.ProfileId, tw domain.TimeWindowId, startTs float64) error {
	return nil
}
func (s *fakeStore) UnestablishedTCPDestPorts(ctx context.Context, p domain.ProfileId, tw domain.TimeWindowId) ([]domain.UnestablishedPortCount, error) {
	return nil, nil
}
func (s *fakeStore) RecordUnestablishedTCP(ctx context.Context, p domain.ProfileId, tw domain.TimeWindowId, port string) error {
	return nil
}
func (s *fakeStore) SetEvidence(ctx context.Context, ev domain.EvidenceRecord) error { return nil }
func (s *fakeStore) GetIPData(ctx context.Context, ip string) (map[string]any, error) {
	if data, ok := s.ipData[ip]; ok {
		return data, nil
	}
	return map[string]any{}, nil
}
func (s *fakeStore) SetIPData(ctx context.Context, ip string, data map[string]any) error {
	existing := s.ipData[ip]
	if existing == nil {
		existing = map[string]any{}
	}
	for k, v := range data {
		existing[k] = v
	}
	s.ipData[ip] = existing
	return nil
}
func (s *fakeStore) GetASNCacheEntry(ctx context.Context, cidr string) (domain.AsnCacheEntry, bool, error) {
	e, ok := s.asn[cidr]
	return e, ok, nil
}
func (s *fakeStore) SetASNCache(ctx context.Context, org, cidr string) error {
	s.asn[cidr] = domain.AsnCacheEntry{Cidr: cidr, Org: org, UpdatedAt: time.Now()}
	return nil
}
func (s *fakeStore) Close() error { return nil }

type fakeOffline struct {
	org string
	ok  bool
}

func (f fakeOffline) Lookup(ip string) (string, bool) { return f.org, f.ok }

type fakeRangeLookup struct {
	calls int
	cidr  string
	org   string
}

func (f *fakeRangeLookup) LookupRange(ctx context.Context, ip string) (string, string, error) {
	f.calls++
	return f.cidr, f.org, nil
}

func TestEnrich_SkipsMulticast(t *testing.T) {
	store := newFakeStore()
	d := New(store, bus.New(nil), fakeOffline{org: "Should Not Be Used", ok: true}, nil, nil)

	d.Enrich(context.Background(), "224.0.0.1")

	assert.Empty(t, store.ipData)
}

func TestEnrich_UsesOfflineDBWhenNoCachedRange(t *testing.T) {
	store := newFakeStore()
	d := New(store, bus.New(nil), fakeOffline{org: "Google LLC", ok: true}, nil, nil)

	d.Enrich(context.Background(), "8.8.8.8")

	data, err := store.GetIPData(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "Google LLC", data["asnorg"])
}

func TestEnrich_UnknownWhenOfflineLookupFails(t *testing.T) {
	store := newFakeStore()
	d := New(store, bus.New(nil), fakeOffline{ok: false}, nil, nil)

	d.Enrich(context.Background(), "1.2.3.4")

	data, err := store.GetIPData(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "Unknown", data["asnorg"])
}

func TestEnrich_SkipsRefreshWithinCacheWindow(t *testing.T) {
	store := newFakeStore()
	fixedNow := time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC)
	d := New(store, bus.New(nil), fakeOffline{org: "fresh", ok: true}, nil, nil)
	d.now = func() time.Time { return fixedNow }

	store.ipData["9.9.9.9"] = map[string]any{
		"asnorg":        "Stale Org",
		"asn_timestamp": fixedNow.Add(-CacheMaxAge + time.Minute).Format(time.RFC3339),
	}

	d.Enrich(context.Background(), "9.9.9.9")

	data, _ := store.GetIPData(context.Background(), "9.9.9.9")
	assert.Equal(t, "Stale Org", data["asnorg"]) // unchanged: still fresh
}

func TestEnrich_SkipsRDAPWhenRangeAlreadyCached(t *testing.T) {
	store := newFakeStore()
	store.asn["8.8.8.0/24"] = domain.AsnCacheEntry{Cidr: "8.8.8.0/24", Org: "Cached Org", UpdatedAt: time.Now()}
	rangeLk := &fakeRangeLookup{cidr: "8.8.8.0/24", org: "RDAP Org"}
	d := New(store, bus.New(nil), fakeOffline{org: "Offline Org", ok: true}, rangeLk, nil)

	d.Enrich(context.Background(), "8.8.8.8")

	data, err := store.GetIPData(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "Cached Org", data["asnorg"])
	assert.Equal(t, 0, rangeLk.calls, "RDAP must not be consulted when a fresh cached range already resolved the org")
}

func TestEnrich_RefreshesAfterCacheWindowExpires(t *testing.T) {
	store := newFakeStore()
	fixedNow := time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC)
	d := New(store, bus.New(nil), fakeOffline{org: "Refreshed Org", ok: true}, nil, nil)
	d.now = func() time.Time { return fixedNow }

	store.ipData["9.9.9.9"] = map[string]any{
		"asnorg":        "Stale Org",
		"asn_timestamp": fixedNow.Add(-CacheMaxAge - time.Minute).Format(time.RFC3339),
	}

	d.Enrich(context.Background(), "9.9.9.9")

	data, _ := store.GetIPData(context.Background(), "9.9.9.9")
	assert.Equal(t, "Refreshed Org", data["asnorg"])
}
