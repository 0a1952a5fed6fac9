package ingest

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/flowwatch/flowwatch/internal/domain"
	"github.com/flowwatch/flowwatch/internal/ports"
	"github.com/flowwatch/flowwatch/internal/telemetry"
)

// linePacingInterval is the fixed inter-line pacing applied to
// single-pass file sources (binetflow, suricata) so downstream
// parsers always get a scheduling point between records. Inherited
// as-is rather than re-derived; see the design notes on this
// constant.
const linePacingInterval = 20 * time.Millisecond

// ReadStdin streams lines from r until EOF, tagging each as "stdin".
// There is no timestamp ordering: this is always the sole source.
func ReadStdin(ctx context.Context, r io.Reader, queue ports.ProfilerQueue) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		telemetry.RecordsIngested.WithLabelValues("stdin").Inc()
		queue.Push(domain.FlowRecord{Type: "stdin", Data: scanner.Text()})
	}
	return scanner.Err()
}

// ReadBinetflow streams a CSV/TSV bidirectional-flow file, detecting
// the delimiter from the header line's presence of a tab character.
// The header is emitted first, then each non-empty line, paced by
// linePacingInterval.
func ReadBinetflow(ctx context.Context, r io.Reader, queue ports.ProfilerQueue) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return scanner.Err()
	}
	header := scanner.Text()
	tag := "argus"
	if strings.Contains(header, "\t") {
		tag = "argus-tabs"
	}

	telemetry.RecordsIngested.WithLabelValues(tag).Inc()
	queue.Push(domain.FlowRecord{Type: tag, Data: header})
	if err := pace(ctx); err != nil {
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		telemetry.RecordsIngested.WithLabelValues(tag).Inc()
		queue.Push(domain.FlowRecord{Type: tag, Data: line})
		if err := pace(ctx); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ReadSuricata streams a JSON-events-per-line file, tagging each
// non-empty line "suricata", paced by linePacingInterval.
func ReadSuricata(ctx context.Context, r io.Reader, queue ports.ProfilerQueue) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		telemetry.RecordsIngested.WithLabelValues("suricata").Inc()
		queue.Push(domain.FlowRecord{Type: "suricata", Data: line})
		if err := pace(ctx); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func pace(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(linePacingInterval):
		return nil
	}
}
