package profiler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowwatch/flowwatch/internal/bus"
	"github.com/flowwatch/flowwatch/internal/domain"
	"github.com/flowwatch/flowwatch/internal/ports"
	"github.com/flowwatch/flowwatch/internal/queue"
)

type fakeStore struct {
	timeWindows        []string
	unestablishedPorts []string
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
	s.timeWindows = append(s.timeWindows, domain.Key(p, tw))
	return nil
}
func (s *fakeStore) UnestablishedTCPDestPorts(ctx context.Context, p domain.ProfileId, tw domain.TimeWindowId) ([]domain.UnestablishedPortCount, error) {
	return nil, nil
}
func (s *fakeStore) RecordUnestablishedTCP(ctx context.Context, p domain.ProfileId, tw domain.TimeWindowId, port string) error {
	s.unestablishedPorts = append(s.unestablishedPorts, port)
	return nil
}
func (s *fakeStore) SetEvidence(ctx context.Context, ev domain.EvidenceRecord) error { return nil }
func (s *fakeStore) GetIPData(ctx context.Context, ip string) (map[string]any, error) {
	return map[string]any{}, nil
}
func (s *fakeStore) SetIPData(ctx context.Context, ip string, data map[string]any) error { return nil }
func (s *fakeStore) GetASNCacheEntry(ctx context.Context, cidr string) (domain.AsnCacheEntry, bool, error) {
	return domain.AsnCacheEntry{}, false, nil
}
func (s *fakeStore) SetASNCache(ctx context.Context, org, cidr string) error { return nil }
func (s *fakeStore) Close() error                                            { return nil }

func TestProfiler_PublishesNewIPForConnRecords(t *testing.T) {
	q := queue.NewProfilerQueue(16)
	b := bus.New(nil)
	store := &fakeStore{}
	p := New(q, b, store, 3600, nil)

	sub := b.Subscribe("new_ip")

	data, _ := json.Marshal(map[string]any{"ts": 100.0, "id.orig_h": "10.0.0.1", "id.resp_h": "10.0.0.2", "proto": "tcp", "conn_state": "SF"})
	q.Push(domain.FlowRecord{Type: "conn", Data: string(data), Ts: 100})
	q.Push(domain.FlowRecord{Type: ports.EndOfStream})

	done := make(chan struct{})
	go func() { p.Run(); close(done) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	seen := map[string]bool{}
	for len(seen) < 2 {
		msg, ok := sub.Next(ctx, 0)
		require.True(t, ok)
		if msg == "stop_process" {
			break
		}
		seen[msg] = true
	}

	assert.True(t, seen["10.0.0.1"])
	assert.True(t, seen["10.0.0.2"])
	<-done
}

func TestProfiler_RecordsUnestablishedTCP(t *testing.T) {
	q := queue.NewProfilerQueue(16)
	b := bus.New(nil)
	store := &fakeStore{}
	p := New(q, b, store, 3600, nil)

	data, _ := json.Marshal(map[string]any{"ts": 100.0, "id.orig_h": "10.0.0.1", "id.resp_h": "10.0.0.2", "id.resp_p": "23", "proto": "tcp", "conn_state": "S0"})
	q.Push(domain.FlowRecord{Type: "conn", Data: string(data), Ts: 100})
	q.Push(domain.FlowRecord{Type: ports.EndOfStream})

	require.NoError(t, p.Run())

	require.Len(t, store.unestablishedPorts, 1)
	assert.Equal(t, "23", store.unestablishedPorts[0])
}

func TestProfiler_PublishesNewArpFromArpRecords(t *testing.T) {
	q := queue.NewProfilerQueue(16)
	b := bus.New(nil)
	store := &fakeStore{}
	p := New(q, b, store, 3600, nil)

	sub := b.Subscribe("new_arp")

	data, _ := json.Marshal(map[string]any{"ts": 50.0, "src": "10.0.0.5", "dst": "10.0.0.9"})
	q.Push(domain.FlowRecord{Type: "arp", Data: string(data), Ts: 50})
	q.Push(domain.FlowRecord{Type: ports.EndOfStream})

	go p.Run()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := sub.Next(ctx, 0)
	require.True(t, ok)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg), &payload))
	assert.Equal(t, "10.0.0.5", payload["saddr"])
	assert.Equal(t, "10.0.0.9", payload["daddr"])
}

func TestProfiler_PublishesTwClosedOnWindowRoll(t *testing.T) {
	q := queue.NewProfilerQueue(16)
	b := bus.New(nil)
	store := &fakeStore{}
	p := New(q, b, store, 10, nil) // 10-second windows

	sub := b.Subscribe("tw_closed")

	first, _ := json.Marshal(map[string]any{"ts": 1.0, "id.orig_h": "10.0.0.1"})
	second, _ := json.Marshal(map[string]any{"ts": 25.0, "id.orig_h": "10.0.0.1"})
	q.Push(domain.FlowRecord{Type: "conn", Data: string(first), Ts: 1})
	q.Push(domain.FlowRecord{Type: "conn", Data: string(second), Ts: 25})
	q.Push(domain.FlowRecord{Type: ports.EndOfStream})

	go p.Run()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := sub.Next(ctx, 0)
	require.True(t, ok)
	assert.Contains(t, msg, "profile_10.0.0.1")
	assert.Contains(t, msg, "timewindow_0")
}
