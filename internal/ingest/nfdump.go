package ingest

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/flowwatch/flowwatch/internal/domain"
	"github.com/flowwatch/flowwatch/internal/ports"
	"github.com/flowwatch/flowwatch/internal/telemetry"
)

// execCommandContext is a package variable so the command runner can
// be replaced, the way the teacher's wireless driver swaps its command
// executor.
var execCommandContext = exec.CommandContext

// ReadNfdump invokes the external nfdump decoder against path and
// streams its CSV stdout as "nfdump"-tagged records. Lines whose
// first character is not a digit are skipped (nfdump headers and
// summaries).
func ReadNfdump(ctx context.Context, nfdumpPath, path string, queue ports.ProfilerQueue) error {
	cmd := execCommandContext(ctx, nfdumpPath, "-b", "-N", "-o", "csv", "-q", "-r", path)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("nfdump: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("nfdump: start: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !startsWithDigit(line) {
			continue
		}
		telemetry.RecordsIngested.WithLabelValues("nfdump").Inc()
		queue.Push(domain.FlowRecord{Type: "nfdump", Data: line})
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("nfdump: %w", err)
	}
	return scanner.Err()
}

func startsWithDigit(line string) bool {
	if line == "" {
		return false
	}
	return strings.IndexByte("0123456789", line[0]) >= 0
}
