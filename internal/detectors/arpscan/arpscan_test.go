package arpscan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowwatch/flowwatch/internal/bus"
	"github.com/flowwatch/flowwatch/internal/domain"
)

type fakeStore struct {
	evidences []domain.EvidenceRecord
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
func (s *fakeStore) SetEvidence(ctx context.Context, ev domain.EvidenceRecord) error {
	s.evidences = append(s.evidences, ev)
	return nil
}
func (s *fakeStore) GetIPData(ctx context.Context, ip string) (map[string]any, error) {
	return nil, nil
}
func (s *fakeStore) SetIPData(ctx context.Context, ip string, data map[string]any) error { return nil }
func (s *fakeStore) GetASNCacheEntry(ctx context.Context, cidr string) (domain.AsnCacheEntry, bool, error) {
	return domain.AsnCacheEntry{}, false, nil
}
func (s *fakeStore) SetASNCache(ctx context.Context, org, cidr string) error { return nil }
func (s *fakeStore) Close() error                                           { return nil }

func TestObserve_ScanWithinWindowEmitsAndRearms(t *testing.T) {
	store := &fakeStore{}
	b := bus.New(nil)
	d := New(store, b, nil, nil)

	base := domain.ArpObservation{ProfileId: "profile_A", TwId: "timewindow_1", Saddr: "10.0.0.5"}

	d.Observe(context.Background(), withDaddrTs(base, "2.2.2.2", 100))
	d.Observe(context.Background(), withDaddrTs(base, "2.2.2.3", 110))
	d.Observe(context.Background(), withDaddrTs(base, "2.2.2.4", 125))

	// 2.2.2.x lies outside the home networks, so each observation also
	// records an ARPNonLocal evidence; only the scan evidence is counted.
	var scans []domain.EvidenceRecord
	for _, ev := range store.evidences {
		if ev.TypeEvidence == "ARPScan" {
			scans = append(scans, ev)
		}
	}
	require.Len(t, scans, 1)
	assert.Equal(t, "ARPScan", scans[0].TypeEvidence)
	assert.Equal(t, 60.0, scans[0].ThreatLevel)
	assert.Equal(t, 0.8, scans[0].Confidence)

	d.mu.Lock()
	_, exists := d.buckets[domain.Key("profile_A", "timewindow_1")]
	d.mu.Unlock()
	assert.False(t, exists)
}

func TestObserve_SpreadBeyond30sNoEvidence(t *testing.T) {
	store := &fakeStore{}
	b := bus.New(nil)
	d := New(store, b, nil, nil)

	base := domain.ArpObservation{ProfileId: "profile_A", TwId: "timewindow_1", Saddr: "10.0.0.5"}
	d.Observe(context.Background(), withDaddrTs(base, "2.2.2.2", 100))
	d.Observe(context.Background(), withDaddrTs(base, "2.2.2.3", 120))
	d.Observe(context.Background(), withDaddrTs(base, "2.2.2.4", 135))

	for _, ev := range store.evidences {
		assert.NotEqual(t, "ARPScan", ev.TypeEvidence)
	}

	d.mu.Lock()
	w := d.buckets[domain.Key("profile_A", "timewindow_1")]
	d.mu.Unlock()
	require.NotNil(t, w)
	assert.Len(t, w.dests, 3)
}

func TestObserve_NonLocalDestinationEmitsEvidence(t *testing.T) {
	store := &fakeStore{}
	b := bus.New(nil)
	d := New(store, b, nil, nil)

	obs := domain.ArpObservation{ProfileId: "profile_A", TwId: "timewindow_1", Saddr: "10.0.0.5", Daddr: "8.8.8.8", Ts: 1}
	d.Observe(context.Background(), obs)

	require.Len(t, store.evidences, 1)
	assert.Equal(t, "ARPNonLocal", store.evidences[0].TypeEvidence)
	assert.Equal(t, 50.0, store.evidences[0].ThreatLevel)
}

func TestObserve_ArpProbeExcluded(t *testing.T) {
	store := &fakeStore{}
	b := bus.New(nil)
	d := New(store, b, nil, nil)

	obs := domain.ArpObservation{ProfileId: "profile_A", TwId: "timewindow_1", Saddr: "0.0.0.0", Daddr: "8.8.8.8", Ts: 1}
	d.Observe(context.Background(), obs)

	assert.Empty(t, store.evidences)
}

func TestCloseTimeWindow_RemovesBucket(t *testing.T) {
	store := &fakeStore{}
	b := bus.New(nil)
	d := New(store, b, nil, nil)

	obs := domain.ArpObservation{ProfileId: "profile_A", TwId: "timewindow_1", Saddr: "10.0.0.5", Daddr: "192.168.1.5", Ts: 1}
	d.Observe(context.Background(), obs)

	d.mu.Lock()
	_, exists := d.buckets[domain.Key("profile_A", "timewindow_1")]
	d.mu.Unlock()
	require.True(t, exists)

	d.CloseTimeWindow("profile_A", "timewindow_1")

	d.mu.Lock()
	_, exists = d.buckets[domain.Key("profile_A", "timewindow_1")]
	d.mu.Unlock()
	assert.False(t, exists)
}

func withDaddrTs(base domain.ArpObservation, daddr string, ts float64) domain.ArpObservation {
	base.Daddr = daddr
	base.Ts = ts
	return base
}
