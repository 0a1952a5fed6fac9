package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowwatch/flowwatch/internal/domain"
	"github.com/flowwatch/flowwatch/internal/ports"
	"github.com/flowwatch/flowwatch/internal/telemetry"
)

// ignoredBaseNames are zeek/bro log basenames that are never opened
// as flow sources, regardless of how they arrive in the log folder.
var ignoredBaseNames = []string{
	"capture_loss", "loaded_scripts", "packet_filter", "stats", "weird", "reporter",
}

func isIgnored(name string) bool {
	for _, ignored := range ignoredBaseNames {
		if strings.Contains(name, ignored) {
			return true
		}
	}
	return false
}

// cachedLine is the one-slot lookahead buffer for a single source.
type cachedLine struct {
	raw string
	ts  float64
}

type openSource struct {
	src    domain.LogSource
	file   *os.File
	reader *bufio.Reader
	cache  *cachedLine
	fileTS float64
}

// Registry is the minimal slice of ProfileStore the folder-merge loop
// needs: discovering newly registered log sources as they appear.
type Registry interface {
	GetAllFlowLogFiles(ctx context.Context) ([]string, error)
	AddFlowLogFile(ctx context.Context, name string) error
}

// FolderMerge implements the timestamp-ordered merge across an
// arbitrary, possibly growing, set of LogSources rooted at dir.
type FolderMerge struct {
	dir               string
	registry          Registry
	queue             ports.ProfilerQueue
	inactivityTimeout time.Duration
	log               *slog.Logger

	mu      sync.Mutex
	sources map[string]*openSource
}

// NewFolderMerge builds a merge loop rooted at dir, registering
// existing sources up front.
func NewFolderMerge(dir string, registry Registry, queue ports.ProfilerQueue, inactivityTimeout time.Duration, log *slog.Logger) *FolderMerge {
	if log == nil {
		log = slog.Default()
	}
	return &FolderMerge{
		dir:               dir,
		registry:          registry,
		queue:             queue,
		inactivityTimeout: inactivityTimeout,
		log:               log,
		sources:           make(map[string]*openSource),
	}
}

// RegisterPath opens path as a new LogSource named name, unless
// already open or ignored.
func (m *FolderMerge) RegisterPath(ctx context.Context, name, path string) error {
	if isIgnored(name) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sources[name]; exists {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	m.sources[name] = &openSource{
		src:    domain.LogSource{Name: name, Path: path},
		file:   f,
		reader: bufio.NewReader(f),
	}
	return m.registry.AddFlowLogFile(ctx, name)
}

// Run drives the merge loop until quiescence (inactivityTimeout
// elapsed with every lookahead slot empty) or ctx is canceled.
func (m *FolderMerge) Run(ctx context.Context) error {
	defer m.closeAll()

	lastUpdated := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m.fillLookaheads(&lastUpdated)

		selected := m.selectNext()
		if selected == "" {
			if time.Since(lastUpdated) >= m.inactivityTimeout {
				return nil
			}
			if err := m.refreshSources(ctx); err != nil {
				m.log.Debug("foldermerge: refresh sources failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		m.emit(selected)
		if err := m.refreshSources(ctx); err != nil {
			m.log.Debug("foldermerge: refresh sources failed", "error", err)
		}
	}
}

// fillLookaheads reads one line per source whose cache slot is empty.
func (m *FolderMerge) fillLookaheads(lastUpdated *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, source := range m.sources {
		if source.cache != nil {
			continue
		}
		line, err := source.reader.ReadString('\n')
		if err != nil && line == "" {
			continue // EOF or transient read error: do not advance lastUpdated
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		ts, ok := parseTimestamp(line)
		if !ok {
			telemetry.RecordsDropped.WithLabelValues(source.src.Name, "unparseable_timestamp").Inc()
			m.log.Debug("foldermerge: dropping line with unparseable timestamp", "source", source.src.Name)
			continue
		}

		source.cache = &cachedLine{raw: line, ts: ts}
		source.fileTS = ts
		*lastUpdated = time.Now()
	}
}

// parseTimestamp decodes a line as JSON (reading field "ts", default
// 0) or, on failure, as tab-delimited with the timestamp in field 0.
func parseTimestamp(line string) (float64, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err == nil {
		ts, ok := obj["ts"]
		if !ok {
			return 0, true
		}
		switch v := ts.(type) {
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, false
			}
			return v, true
		default:
			return 0, false
		}
	}

	fields := strings.SplitN(line, "\t", 2)
	ts, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || math.IsNaN(ts) || math.IsInf(ts, 0) {
		return 0, false
	}
	return ts, true
}

// selectNext returns the name of the source to emit next: the
// smallest file_time, with a conn-named source winning when its
// cached line ties that smallest timestamp.
func (m *FolderMerge) selectNext() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var bestName string
	var bestTS float64
	var bestIsConn bool

	for name, source := range m.sources {
		if source.cache == nil {
			continue
		}
		isConn := source.src.IsConn()
		if bestName == "" || source.fileTS < bestTS ||
			(source.fileTS == bestTS && isConn && !bestIsConn) {
			bestName = name
			bestTS = source.fileTS
			bestIsConn = isConn
		}
	}

	return bestName
}

func (m *FolderMerge) emit(name string) {
	m.mu.Lock()
	source, ok := m.sources[name]
	if !ok || source.cache == nil {
		m.mu.Unlock()
		return
	}
	cache := source.cache
	source.cache = nil
	srcName := source.src.Name
	m.mu.Unlock()

	telemetry.RecordsIngested.WithLabelValues(srcName).Inc()
	m.queue.Push(domain.FlowRecord{Type: srcName, Data: cache.raw, Ts: cache.ts})
}

// refreshSources asks the registry for newly discovered log files and
// opens any this merge loop doesn't already track.
func (m *FolderMerge) refreshSources(ctx context.Context) error {
	names, err := m.registry.GetAllFlowLogFiles(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		m.mu.Lock()
		_, exists := m.sources[name]
		m.mu.Unlock()
		if exists {
			continue
		}
		path := m.dir + string(os.PathSeparator) + name + ".log"
		if err := m.RegisterPath(ctx, name, path); err != nil {
			m.log.Debug("foldermerge: could not open newly discovered source", "name", name, "error", err)
		}
	}
	return nil
}

func (m *FolderMerge) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, source := range m.sources {
		source.file.Close()
	}
}
