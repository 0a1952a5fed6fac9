// Package ports declares the interfaces that the ingestion core, the
// detector fabric, and the profiler depend on, so each can be wired
// against test doubles independently of the concrete adapters.
package ports

import (
	"context"
	"time"

	"github.com/flowwatch/flowwatch/internal/domain"
)

// ProfileStore is the key-value facade shared by the profiler and the
// detector fabric.
type ProfileStore interface {
	GetAllFlowLogFiles(ctx context.Context) ([]string, error)
	AddFlowLogFile(ctx context.Context, name string) error

	GetProfiles(ctx context.Context) ([]domain.ProfileId, error)
	LastTimeWindow(ctx context.Context, profileID domain.ProfileId) (domain.TimeWindowId, float64, error)
	EnsureTimeWindow(ctx context.Context, profileID domain.ProfileId, twID domain.TimeWindowId, startTs float64) error

	UnestablishedTCPDestPorts(ctx context.Context, profileID domain.ProfileId, twID domain.TimeWindowId) ([]domain.UnestablishedPortCount, error)
	RecordUnestablishedTCP(ctx context.Context, profileID domain.ProfileId, twID domain.TimeWindowId, port string) error

	SetEvidence(ctx context.Context, ev domain.EvidenceRecord) error

	GetIPData(ctx context.Context, ip string) (map[string]any, error)
	SetIPData(ctx context.Context, ip string, data map[string]any) error

	GetASNCacheEntry(ctx context.Context, cidr string) (domain.AsnCacheEntry, bool, error)
	SetASNCache(ctx context.Context, org, cidr string) error

	Close() error
}

// Subscription is the handle returned by EventBus.Subscribe.
type Subscription interface {
	// Next blocks for up to timeout (0 meaning indefinitely) waiting
	// for the next message on this subscription's topic.
	Next(ctx context.Context, timeout time.Duration) (string, bool)
	Topic() string
	Close()
}

// EventBus is process-local named-topic pub/sub.
type EventBus interface {
	Publish(topic, payload string)
	Subscribe(topic string) Subscription
	// StopAll broadcasts stop_process on every topic that currently
	// has subscribers.
	StopAll()
}

// OutputLine is one human-readable log line tagged with a
// verbosity/debug level, per the V*10+D convention.
type OutputLine struct {
	Verbosity int
	Debug     int
	Worker    string
	Message   string
}

// OutputQueue is the ordered multi-producer sink for OutputLine.
type OutputQueue interface {
	Push(line OutputLine)
	Drain() <-chan OutputLine
	Close()
}

// ProfilerQueue is the ordered single-consumer queue receiving
// FlowRecord from IngestionCore. A FlowRecord whose Type is
// EndOfStream, with its other fields empty, marks completion.
type ProfilerQueue interface {
	Push(rec domain.FlowRecord)
	Records() <-chan domain.FlowRecord
	Close()
}

// EndOfStream is the terminal FlowRecord.Type sentinel.
const EndOfStream = "__eof__"

// CaptureProcess models an external capture tool subprocess
// (zeek/bro-style), owned exclusively by IngestionCore.
type CaptureProcess interface {
	Start(ctx context.Context) error
	Wait() error
	Pid() int
	Stop() error
}

// AsnLookup resolves an IP to an ASN organization name, consulting an
// offline database.
type AsnLookup interface {
	Lookup(ip string) (org string, ok bool)
}

// RangeLookup resolves the owning CIDR range and organization for an
// IP via a remote registry (RDAP/WHOIS), used once per uncached range.
type RangeLookup interface {
	LookupRange(ctx context.Context, ip string) (cidr string, org string, err error)
}

// ChatNotifier posts a message to a chat webhook backend.
type ChatNotifier interface {
	Notify(ctx context.Context, message string) error
}

// IndicatorDocumentWriter appends an IP indicator to a persisted
// threat-intel bundle, de-duplicating by IP.
type IndicatorDocumentWriter interface {
	AppendIndicator(ctx context.Context, ip, description string) error
}
