package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/flowwatch/flowwatch/internal/ports"
)

// CaptureOptions describes one invocation of the external capture
// tool (zeek/bro-style), in live-interface or pcap-replay mode.
type CaptureOptions struct {
	ToolPath          string
	Iface             string // live mode when set
	PcapPath          string // pcap mode when set
	OutputDir         string
	CaptureFilter     string
	TcpInactivityTmo  string
	ScriptsDir        string
}

// CaptureSubprocess owns the external capture tool's lifecycle: it
// clears the output directory of stale .log files, launches the tool
// in its own process group so it (and any children) can be killed as
// a unit, and tracks the child pid for Stop.
//
// Grounded on the same SysProcAttr{Setsid:true} + process-group-kill
// pattern this codebase already uses to manage a different external
// tool's lifecycle.
type CaptureSubprocess struct {
	opts CaptureOptions
	log  *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
}

// NewCaptureSubprocess builds a not-yet-started capture subprocess
// handle.
func NewCaptureSubprocess(opts CaptureOptions, log *slog.Logger) *CaptureSubprocess {
	if log == nil {
		log = slog.Default()
	}
	return &CaptureSubprocess{opts: opts, log: log}
}

// Start clears the output directory of prior .log files and launches
// the capture tool.
func (c *CaptureSubprocess) Start(ctx context.Context) error {
	if err := clearStaleLogs(c.opts.OutputDir); err != nil {
		return fmt.Errorf("capture: clearing output dir: %w", err)
	}

	args := c.buildArgs()
	cmd := execCommandContext(ctx, c.opts.ToolPath, args...)
	cmd.Dir = c.opts.OutputDir
	setProcessGroup(cmd)

	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err == nil {
		cmd.Stdout = devnull
		cmd.Stderr = devnull
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("capture: starting %s: %w", c.opts.ToolPath, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.Stop()
	}()

	return nil
}

func (c *CaptureSubprocess) buildArgs() []string {
	parameter := "-i"
	if c.opts.PcapPath != "" {
		parameter = "-r"
	}
	target := c.opts.Iface
	if c.opts.PcapPath != "" {
		target = c.opts.PcapPath
	}
	args := []string{"-C", parameter, target}
	if c.opts.TcpInactivityTmo != "" {
		args = append(args, c.opts.TcpInactivityTmo)
	}
	args = append(args, "local", "-f", c.opts.CaptureFilter)
	if c.opts.ScriptsDir != "" {
		args = append(args, c.opts.ScriptsDir)
	}
	return args
}

// Pid returns the capture tool's process id, or 0 if not started.
func (c *CaptureSubprocess) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Wait blocks until the capture tool exits.
func (c *CaptureSubprocess) Wait() error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil {
		return nil
	}
	return cmd.Wait()
}

// Stop terminates the capture tool's entire process group.
func (c *CaptureSubprocess) Stop() error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return killProcessGroup(cmd.Process.Pid)
}

var _ ports.CaptureProcess = (*CaptureSubprocess)(nil)

func clearStaleLogs(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".log") {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

// OutputWatcher watches a capture tool's output directory for newly
// created .log files and registers each with a FolderMerge as it
// appears.
type OutputWatcher struct {
	watcher *fsnotify.Watcher
	merge   *FolderMerge
	log     *slog.Logger
}

// NewOutputWatcher starts an fsnotify watch on dir.
func NewOutputWatcher(dir string, merge *FolderMerge, log *slog.Logger) (*OutputWatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("capture: fsnotify: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("capture: watching %s: %w", dir, err)
	}
	return &OutputWatcher{watcher: w, merge: merge, log: log}, nil
}

// Run drains fsnotify events until ctx is canceled, registering newly
// created .log files with the merge loop.
func (w *OutputWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !strings.HasSuffix(ev.Name, ".log") {
				continue
			}
			name := strings.TrimSuffix(filepath.Base(ev.Name), ".log")
			if isIgnored(name) {
				continue
			}
			if err := w.merge.RegisterPath(ctx, name, ev.Name); err != nil {
				w.log.Debug("capture: watcher could not register source", "name", name, "error", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("capture: fsnotify error", "error", err)
		}
	}
}
