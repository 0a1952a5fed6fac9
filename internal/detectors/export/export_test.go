package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowwatch/flowwatch/internal/bus"
)

type fakeNotifier struct {
	messages []string
}

func (n *fakeNotifier) Notify(ctx context.Context, message string) error {
	n.messages = append(n.messages, message)
	return nil
}

type fakeDocs struct {
	calls []string
}

func (d *fakeDocs) AppendIndicator(ctx context.Context, ip, description string) error {
	d.calls = append(d.calls, ip+":"+description)
	return nil
}

func TestHandle_SlackDispatch(t *testing.T) {
	notifier := &fakeNotifier{}
	d := New(bus.New(nil), notifier, &fakeDocs{}, nil)

	payload, err := json.Marshal(map[string]any{"export_to": "slack", "msg": "hello"})
	require.NoError(t, err)

	d.handle(context.Background(), string(payload))

	require.Len(t, notifier.messages, 1)
	assert.Equal(t, "hello", notifier.messages[0])
}

func TestHandle_SlackDispatchWithoutNotifierConfigured(t *testing.T) {
	d := New(bus.New(nil), nil, &fakeDocs{}, nil)

	payload, _ := json.Marshal(map[string]any{"export_to": "slack", "msg": "hello"})
	assert.NotPanics(t, func() {
		d.handle(context.Background(), string(payload))
	})
}

func TestHandle_StixDispatchWithKnownType(t *testing.T) {
	docs := &fakeDocs{}
	d := New(bus.New(nil), &fakeNotifier{}, docs, nil)

	payload, _ := json.Marshal(map[string]any{
		"export_to": "stix",
		"tuple":     []string{"PortScanType1", "PortScan", "10.0.0.5", "desc"},
	})
	d.handle(context.Background(), string(payload))

	require.Len(t, docs.calls, 1)
	assert.Contains(t, docs.calls[0], "10.0.0.5")
}

func TestHandle_StixDispatchNormalizesSSHPrefix(t *testing.T) {
	docs := &fakeDocs{}
	d := New(bus.New(nil), &fakeNotifier{}, docs, nil)

	payload, _ := json.Marshal(map[string]any{
		"export_to": "stix",
		"tuple":     []string{"SSHSuccessful-by-1.2.3.4", "SSH", "1.2.3.4", "desc"},
	})
	d.handle(context.Background(), string(payload))

	require.Len(t, docs.calls, 1)
}

func TestHandle_StixDispatchRejectsUnknownType(t *testing.T) {
	docs := &fakeDocs{}
	d := New(bus.New(nil), &fakeNotifier{}, docs, nil)

	payload, _ := json.Marshal(map[string]any{
		"export_to": "stix",
		"tuple":     []string{"SomeNewEvidence", "X", "1.2.3.4", "desc"},
	})
	d.handle(context.Background(), string(payload))

	assert.Empty(t, docs.calls)
}

func TestHandle_StixDispatchSkipsNonIPDetectionInfo(t *testing.T) {
	docs := &fakeDocs{}
	d := New(bus.New(nil), &fakeNotifier{}, docs, nil)

	payload, _ := json.Marshal(map[string]any{
		"export_to": "stix",
		"tuple":     []string{"PortScanType1", "PortScan", "not-an-ip", "desc"},
	})
	d.handle(context.Background(), string(payload))

	assert.Empty(t, docs.calls)
}

func TestStixDocument_FirstWriteCreatesBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "STIX_data.json")
	doc := NewStixDocument(path)

	err := doc.AppendIndicator(context.Background(), "10.0.0.1", "desc one")
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(raw, &parsed))
	objects := parsed["objects"].([]any)
	assert.Len(t, objects, 1)
}

func TestStixDocument_SecondWriteAppendsToObjects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "STIX_data.json")
	doc := NewStixDocument(path)

	require.NoError(t, doc.AppendIndicator(context.Background(), "10.0.0.1", "desc one"))
	require.NoError(t, doc.AppendIndicator(context.Background(), "10.0.0.2", "desc two"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(raw, &parsed))
	objects := parsed["objects"].([]any)
	assert.Len(t, objects, 2)
}

func TestStixDocument_DuplicateIPIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "STIX_data.json")
	doc := NewStixDocument(path)

	require.NoError(t, doc.AppendIndicator(context.Background(), "10.0.0.1", "desc one"))
	require.NoError(t, doc.AppendIndicator(context.Background(), "10.0.0.1", "desc one again"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(raw, &parsed))
	objects := parsed["objects"].([]any)
	assert.Len(t, objects, 1)
}
