// Package ingest implements IngestionCore: source-kind dispatch, the
// folder-merge timestamp ordering algorithm, paced single-pass file
// readers, the external netflow decoder invocation, and the capture
// subprocess plus filesystem watcher used for live/pcap modes.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flowwatch/flowwatch/internal/domain"
	"github.com/flowwatch/flowwatch/internal/ports"
)

// SourceKind names one of the input-source contracts in SPEC_FULL.md §4.1.
type SourceKind string

const (
	KindStdin           SourceKind = "stdin"
	KindInterface       SourceKind = "interface"
	KindPcap            SourceKind = "pcap"
	KindFlowLogFolder   SourceKind = "flow-log-folder"
	KindFlowLogFile     SourceKind = "flow-log-file"
	KindNetflowBinary   SourceKind = "netflow-binary"
	KindBinetflow       SourceKind = "binetflow"
	KindBinetflowTabs   SourceKind = "binetflow-tabs"
	KindSuricata        SourceKind = "suricata"
)

// folderMergeInactivityFile is the inactivity timeout used for
// single-file and folder flow-log sources.
const folderMergeInactivityFile = time.Second

// folderMergeInactivityPcap is the inactivity timeout used once a
// pcap replay is complete and no more lines are expected soon.
const folderMergeInactivityPcap = 30 * time.Second

// Descriptor configures one IngestionCore run.
type Descriptor struct {
	Kind             SourceKind
	Path             string // file path, pcap path, or "-" for stdin
	Iface            string
	CaptureFilter    string
	TcpInactivityTmo string
	CaptureTool      string
	NfdumpPath       string
	OutputDir        string
	ScriptsDir       string
}

// Core drives one ingestion run to completion.
type Core struct {
	desc     Descriptor
	registry Registry
	queue    ports.ProfilerQueue
	log      *slog.Logger
}

// New builds a Core for the given descriptor.
func New(desc Descriptor, registry Registry, queue ports.ProfilerQueue, log *slog.Logger) *Core {
	if log == nil {
		log = slog.Default()
	}
	return &Core{desc: desc, registry: registry, queue: queue, log: log}
}

// Run dispatches to the handler for desc.Kind and blocks until the
// source is exhausted, ctx is canceled, or a fatal error occurs.
func (c *Core) Run(ctx context.Context) error {
	defer func() {
		c.queue.Push(domain.FlowRecord{Type: ports.EndOfStream})
		c.queue.Close()
	}()

	switch c.desc.Kind {
	case KindStdin:
		r, closer, err := c.openStdin()
		if err != nil {
			return err
		}
		defer closer()
		return ReadStdin(ctx, r, c.queue)

	case KindBinetflow, KindBinetflowTabs:
		f, err := os.Open(c.desc.Path)
		if err != nil {
			return fmt.Errorf("ingest: opening %s: %w", c.desc.Path, err)
		}
		defer f.Close()
		return ReadBinetflow(ctx, f, c.queue)

	case KindSuricata:
		f, err := os.Open(c.desc.Path)
		if err != nil {
			return fmt.Errorf("ingest: opening %s: %w", c.desc.Path, err)
		}
		defer f.Close()
		return ReadSuricata(ctx, f, c.queue)

	case KindNetflowBinary:
		nfdumpPath := c.desc.NfdumpPath
		if nfdumpPath == "" {
			nfdumpPath = "nfdump"
		}
		return ReadNfdump(ctx, nfdumpPath, c.desc.Path, c.queue)

	case KindFlowLogFile:
		return c.runFolderMerge(ctx, func(m *FolderMerge) error {
			name := strings.TrimSuffix(filepath.Base(c.desc.Path), filepath.Ext(c.desc.Path))
			return m.RegisterPath(ctx, name, c.desc.Path)
		}, folderMergeInactivityFile)

	case KindFlowLogFolder:
		return c.runFolderMerge(ctx, func(m *FolderMerge) error {
			return c.registerFolder(ctx, m, c.desc.Path)
		}, folderMergeInactivityFile)

	case KindPcap:
		return c.runCapture(ctx, CaptureOptions{
			ToolPath:         c.captureTool(),
			PcapPath:         c.desc.Path,
			OutputDir:        c.desc.OutputDir,
			CaptureFilter:    c.captureFilter(),
			TcpInactivityTmo: c.desc.TcpInactivityTmo,
			ScriptsDir:       c.desc.ScriptsDir,
		}, folderMergeInactivityPcap)

	case KindInterface:
		return c.runCapture(ctx, CaptureOptions{
			ToolPath:         c.captureTool(),
			Iface:            c.desc.Iface,
			OutputDir:        c.desc.OutputDir,
			CaptureFilter:    c.captureFilter(),
			TcpInactivityTmo: c.desc.TcpInactivityTmo,
			ScriptsDir:       c.desc.ScriptsDir,
		}, time.Duration(1<<62)) // effectively infinite: live capture never quiesces on its own

	default:
		return fmt.Errorf("ingest: unrecognized source kind %q", c.desc.Kind)
	}
}

func (c *Core) captureTool() string {
	if c.desc.CaptureTool != "" {
		return c.desc.CaptureTool
	}
	return "zeek"
}

func (c *Core) captureFilter() string {
	if c.desc.CaptureFilter != "" {
		return c.desc.CaptureFilter
	}
	return "ip or not ip"
}

func (c *Core) openStdin() (io.Reader, func(), error) {
	if c.desc.Path == "" || c.desc.Path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(c.desc.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: opening %s: %w", c.desc.Path, err)
	}
	return f, func() { f.Close() }, nil
}

// registerFolder enumerates .log files in dir, excluding the
// ignore-set, and registers each with m.
func (c *Core) registerFolder(ctx context.Context, m *FolderMerge, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("ingest: reading folder %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".log")
		if isIgnored(name) {
			continue
		}
		if err := m.RegisterPath(ctx, name, filepath.Join(dir, e.Name())); err != nil {
			c.log.Debug("ingest: could not open flow log", "name", name, "error", err)
		}
	}
	return nil
}

func (c *Core) runFolderMerge(ctx context.Context, register func(*FolderMerge) error, inactivity time.Duration) error {
	m := NewFolderMerge(c.desc.Path, c.registry, c.queue, inactivity, c.log)
	if err := register(m); err != nil {
		return err
	}
	return m.Run(ctx)
}

// runCapture spawns the capture tool, watches its output directory
// for newly created log files, and runs the folder-merge loop over
// whatever it produces.
func (c *Core) runCapture(ctx context.Context, opts CaptureOptions, inactivity time.Duration) error {
	proc := NewCaptureSubprocess(opts, c.log)
	if err := proc.Start(ctx); err != nil {
		return fmt.Errorf("ingest: starting capture tool: %w", err)
	}
	defer proc.Stop()

	if err := DropPrivileges(c.log); err != nil {
		c.log.Warn("ingest: privilege drop failed", "error", err)
	}

	m := NewFolderMerge(opts.OutputDir, c.registry, c.queue, inactivity, c.log)

	watcher, err := NewOutputWatcher(opts.OutputDir, m, c.log)
	if err != nil {
		return fmt.Errorf("ingest: starting output watcher: %w", err)
	}
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go watcher.Run(watchCtx)

	return m.Run(ctx)
}
