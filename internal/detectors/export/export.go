// Package export implements AlertExporter: an export_alert subscriber
// dispatching to a chat webhook or a STIX indicator document.
package export

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"

	"github.com/flowwatch/flowwatch/internal/domain"
	"github.com/flowwatch/flowwatch/internal/ports"
	"github.com/flowwatch/flowwatch/internal/telemetry"
)

// typeEvidenceDescriptions maps internal evidence-type codes to
// human-readable descriptions. The SSHSuccessful-by-<ip> family is
// normalized by prefix match before the table lookup.
var typeEvidenceDescriptions = map[string]string{
	"PortScanType1": "Too many not established TCP connections to the same destination port",
	"ARPScan":       "ARP scan: multiple destinations contacted in a short window",
	"ARPNonLocal":   "ARP request directed outside the configured home network",
	"SSHSuccessful": "Successful SSH login from an unexpected source",
}

const sshSuccessfulPrefix = "SSHSuccessful-by-"

func normalizeTypeEvidence(code string) string {
	if strings.HasPrefix(code, sshSuccessfulPrefix) {
		return "SSHSuccessful"
	}
	return code
}

// Detector subscribes to export_alert and dispatches to the backend
// named in each message's export_to field.
type Detector struct {
	bus      ports.EventBus
	notifier ports.ChatNotifier // may be nil if Slack export is not configured
	docs     ports.IndicatorDocumentWriter
	log      *slog.Logger
}

// New builds an AlertExporter. notifier may be nil, meaning Slack
// export is unconfigured and its messages are logged and dropped.
func New(b ports.EventBus, notifier ports.ChatNotifier, docs ports.IndicatorDocumentWriter, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{bus: b, notifier: notifier, docs: docs, log: log}
}

func (d *Detector) Name() string { return "export" }

// Run subscribes to export_alert and processes messages until
// stop_process arrives or ctx is canceled.
func (d *Detector) Run(ctx context.Context) error {
	sub := d.bus.Subscribe("export_alert")
	defer sub.Close()

	for {
		payload, ok := sub.Next(ctx, 0)
		if !ok {
			return nil
		}
		if payload == "stop_process" {
			d.bus.Publish("finished_modules", d.Name())
			return nil
		}
		d.handle(ctx, payload)
	}
}

func (d *Detector) handle(ctx context.Context, payload string) {
	var alert domain.AlertExport
	if err := json.Unmarshal([]byte(payload), &alert); err != nil {
		d.log.Debug("export: dropping unparseable export_alert payload")
		return
	}

	switch alert.ExportTo {
	case "slack":
		d.exportSlack(ctx, alert)
	case "stix":
		d.exportStix(ctx, alert)
	default:
		d.log.Warn("export: unknown export_to backend", "export_to", alert.ExportTo)
	}
}

func (d *Detector) exportSlack(ctx context.Context, alert domain.AlertExport) {
	if d.notifier == nil {
		d.log.Warn("export: slack export requested but no bot token configured")
		return
	}
	message := alert.Msg
	if message == "" && len(alert.Tuple) > 0 {
		message = strings.Join(alert.Tuple, " ")
	}
	telemetry.ExportsAttempted.WithLabelValues("slack").Inc()
	if err := d.notifier.Notify(ctx, message); err != nil {
		telemetry.ExportErrors.WithLabelValues("slack").Inc()
		d.log.Warn("export: slack notify failed", "error", err)
	}
}

func (d *Detector) exportStix(ctx context.Context, alert domain.AlertExport) {
	if len(alert.Tuple) < 3 {
		d.log.Warn("export: stix export requires [type_evidence, type_detection, detection_info, description]")
		return
	}
	typeEvidence := normalizeTypeEvidence(alert.Tuple[0])
	description, known := typeEvidenceDescriptions[typeEvidence]
	if !known {
		d.log.Warn("export: unknown evidence-type code, refusing stix export", "type_evidence", typeEvidence)
		return
	}
	ip := alert.Tuple[2]
	if net.ParseIP(ip) == nil {
		d.log.Debug("export: stix detection_info is not an ip, skipping", "detection_info", ip)
		return
	}
	telemetry.ExportsAttempted.WithLabelValues("stix").Inc()
	if err := d.docs.AppendIndicator(ctx, ip, description); err != nil {
		telemetry.ExportErrors.WithLabelValues("stix").Inc()
		d.log.Warn("export: appending stix indicator failed", "error", err)
	}
}
