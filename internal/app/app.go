// Package app wires the ingestion core, the event bus, the profile
// store, the detector fabric, and the profiler into a single runnable
// Application, the way the teacher's own Application facade
// orchestrates its services and infrastructure.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flowwatch/flowwatch/internal/bus"
	"github.com/flowwatch/flowwatch/internal/config"
	"github.com/flowwatch/flowwatch/internal/detectors/arpscan"
	"github.com/flowwatch/flowwatch/internal/detectors/export"
	"github.com/flowwatch/flowwatch/internal/detectors/ipenrichment"
	"github.com/flowwatch/flowwatch/internal/detectors/portscan"
	"github.com/flowwatch/flowwatch/internal/ingest"
	"github.com/flowwatch/flowwatch/internal/ports"
	"github.com/flowwatch/flowwatch/internal/profiler"
	"github.com/flowwatch/flowwatch/internal/queue"
	"github.com/flowwatch/flowwatch/internal/storage"
	"github.com/flowwatch/flowwatch/internal/telemetry"
)

// Application holds the wired components of one flowwatchd run.
type Application struct {
	Config *config.Config
	Log    *slog.Logger

	Store   *storage.Adapter
	Bus     ports.EventBus
	Queue   ports.ProfilerQueue
	Core    *ingest.Core
	Profile *profiler.Profiler

	detectors []detector
}

type detector interface {
	Name() string
	Run(ctx context.Context) error
}

// New builds and bootstraps an Application from cfg.
func New(cfg *config.Config, log *slog.Logger) (*Application, error) {
	if log == nil {
		log = slog.Default()
	}
	app := &Application{Config: cfg, Log: log}
	if err := app.bootstrap(); err != nil {
		return nil, fmt.Errorf("app: bootstrap failed: %w", err)
	}
	return app, nil
}

func (app *Application) bootstrap() error {
	telemetry.InitMetrics()

	store, err := app.initStorage()
	if err != nil {
		return err
	}
	app.Store = store

	app.Bus = bus.New(app.Log)
	app.Queue = queue.NewProfilerQueue(0)

	app.Core = ingest.New(app.sourceDescriptor(), app.Store, app.Queue, app.Log)
	app.Profile = profiler.New(app.Queue, app.Bus, app.Store, 0, app.Log)

	app.detectors = append(app.detectors, portscan.New(app.Store, app.Log))
	app.detectors = append(app.detectors, arpscan.New(app.Store, app.Bus, app.Config.HomeNetworks, app.Log))

	offline, rangeLookup := app.initAsnLookups()
	app.detectors = append(app.detectors, ipenrichment.New(app.Store, app.Bus, offline, rangeLookup, app.Log))

	notifier := app.initSlackNotifier()
	docs := export.NewStixDocument(app.Config.StixPath)
	app.detectors = append(app.detectors, export.New(app.Bus, notifier, docs, app.Log))

	return nil
}

func (app *Application) initStorage() (*storage.Adapter, error) {
	if err := os.MkdirAll(filepath.Dir(app.Config.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("app: creating db directory: %w", err)
	}
	return storage.Open(app.Config.DBPath, app.Log)
}

func (app *Application) initAsnLookups() (ports.AsnLookup, ports.RangeLookup) {
	var offline ports.AsnLookup
	if db, err := ipenrichment.OpenMaxMind(app.Config.AsnDBPath); err == nil {
		offline = db
	} else {
		app.Log.Warn("app: offline ASN database unavailable, falling back to RDAP only", "path", app.Config.AsnDBPath, "error", err)
	}

	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	rangeLookup := ipenrichment.NewRDAPClient(httpClient)
	return offline, rangeLookup
}

func (app *Application) initSlackNotifier() ports.ChatNotifier {
	if app.Config.SlackBotToken == "" || app.Config.SlackChannel == "" {
		app.Log.Info("app: SLACK_BOT_TOKEN or slack channel not configured, slack export disabled")
		return nil
	}
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	return export.NewSlackNotifier(app.Config.SlackBotToken, app.Config.SlackChannel, httpClient)
}

func (app *Application) sourceDescriptor() ingest.Descriptor {
	return ingest.Descriptor{
		Kind:             ingest.SourceKind(app.Config.SourceKind),
		Path:             app.Config.SourcePath,
		Iface:            app.Config.Interface,
		CaptureFilter:    app.Config.CaptureFilter,
		TcpInactivityTmo: app.Config.TCPInactivityTimeout,
		CaptureTool:      app.Config.CaptureTool,
		NfdumpPath:       app.Config.NfdumpPath,
		OutputDir:        filepath.Join(filepath.Dir(app.Config.DBPath), "capture"),
	}
}

// Run starts the ingestion core, the profiler, and every detector,
// then blocks until the core finishes and the profiler has drained its
// records, a component fails, or ctx is canceled.
func (app *Application) Run(ctx context.Context) error {
	app.Log.Info("flowwatchd starting", "source", app.Config.SourceKind)

	errChan := make(chan error, len(app.detectors)+2)

	for _, d := range app.detectors {
		d := d
		go func() {
			if err := d.Run(ctx); err != nil {
				errChan <- fmt.Errorf("detector %s: %w", d.Name(), err)
			}
		}()
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		if err := app.Profile.Run(); err != nil {
			errChan <- fmt.Errorf("profiler: %w", err)
		}
	}()

	coreDone := make(chan error, 1)
	go func() {
		coreDone <- app.Core.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		app.Log.Info("flowwatchd shutting down")
		app.Bus.StopAll()
	case err := <-errChan:
		app.cleanup()
		return err
	case err := <-coreDone:
		if err != nil {
			app.cleanup()
			return fmt.Errorf("ingestion core: %w", err)
		}
		<-drained // the profiler has consumed every record the core queued
	}

	return app.cleanup()
}

func (app *Application) cleanup() error {
	if app.Store != nil {
		return app.Store.Close()
	}
	return nil
}
