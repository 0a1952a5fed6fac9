package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowwatch/flowwatch/internal/domain"
)

type fakeRegistry struct {
	names []string
}

func (r *fakeRegistry) GetAllFlowLogFiles(ctx context.Context) ([]string, error) {
	return r.names, nil
}

func (r *fakeRegistry) AddFlowLogFile(ctx context.Context, name string) error {
	r.names = append(r.names, name)
	return nil
}

type recordingQueue struct {
	records []domain.FlowRecord
}

func (q *recordingQueue) Push(rec domain.FlowRecord) { q.records = append(q.records, rec) }
func (q *recordingQueue) Records() <-chan domain.FlowRecord { return nil }
func (q *recordingQueue) Close()                            {}

func writeLog(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name+".log")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFolderMerge_ConnPreferenceOnTie(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "conn", "10.0\tconn-a", "11.0\tconn-b")
	writeLog(t, dir, "dns", "10.0\tdns-a", "12.0\tdns-b")

	reg := &fakeRegistry{}
	q := &recordingQueue{}
	m := NewFolderMerge(dir, reg, q, 200*time.Millisecond, nil)

	require.NoError(t, m.RegisterPath(context.Background(), "conn", filepath.Join(dir, "conn.log")))
	require.NoError(t, m.RegisterPath(context.Background(), "dns", filepath.Join(dir, "dns.log")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Run(ctx))

	require.Len(t, q.records, 4)
	assert.Equal(t, "conn", q.records[0].Type)
	assert.Equal(t, 10.0, q.records[0].Ts)
	assert.Equal(t, "dns", q.records[1].Type)
	assert.Equal(t, 10.0, q.records[1].Ts)
	assert.Equal(t, "conn", q.records[2].Type)
	assert.Equal(t, 11.0, q.records[2].Ts)
	assert.Equal(t, "dns", q.records[3].Type)
	assert.Equal(t, 12.0, q.records[3].Ts)
}

func TestFolderMerge_QuiescenceTerminatesAfterInactivity(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "conn", "1.0\tonly-line")

	reg := &fakeRegistry{}
	q := &recordingQueue{}
	m := NewFolderMerge(dir, reg, q, 100*time.Millisecond, nil)
	require.NoError(t, m.RegisterPath(context.Background(), "conn", filepath.Join(dir, "conn.log")))

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.Run(ctx))
	elapsed := time.Since(start)

	require.Len(t, q.records, 1)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestIsIgnored(t *testing.T) {
	for _, name := range []string{"capture_loss", "loaded_scripts", "packet_filter", "stats", "weird", "reporter"} {
		assert.True(t, isIgnored(name), name)
	}
	assert.False(t, isIgnored("conn"))
	assert.False(t, isIgnored("dns"))
}

func TestParseTimestamp(t *testing.T) {
	ts, ok := parseTimestamp(`{"ts": 12.5, "foo": "bar"}`)
	assert.True(t, ok)
	assert.Equal(t, 12.5, ts)

	ts, ok = parseTimestamp(`{"foo": "bar"}`)
	assert.True(t, ok)
	assert.Equal(t, 0.0, ts)

	ts, ok = parseTimestamp("10.5\tsome\tdata")
	assert.True(t, ok)
	assert.Equal(t, 10.5, ts)

	_, ok = parseTimestamp("not-a-number\tsome\tdata")
	assert.False(t, ok)
}
