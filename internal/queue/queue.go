// Package queue implements the two in-memory queues that carry data
// out of the ingestion core: ProfilerQueue (ordered FlowRecord stream)
// and OutputQueue (human-readable log lines).
package queue

import (
	"sync"

	"github.com/flowwatch/flowwatch/internal/domain"
	"github.com/flowwatch/flowwatch/internal/ports"
)

const defaultCapacity = 4096

// ProfilerQueue is a bounded-channel implementation of
// ports.ProfilerQueue.
type ProfilerQueue struct {
	ch        chan domain.FlowRecord
	closeOnce sync.Once
}

// NewProfilerQueue builds a ProfilerQueue with room for capacity
// buffered records; capacity <= 0 uses a sensible default.
func NewProfilerQueue(capacity int) *ProfilerQueue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &ProfilerQueue{ch: make(chan domain.FlowRecord, capacity)}
}

func (q *ProfilerQueue) Push(rec domain.FlowRecord) {
	q.ch <- rec
}

func (q *ProfilerQueue) Records() <-chan domain.FlowRecord {
	return q.ch
}

func (q *ProfilerQueue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}

var _ ports.ProfilerQueue = (*ProfilerQueue)(nil)

// OutputQueue is a bounded-channel implementation of
// ports.OutputQueue.
type OutputQueue struct {
	ch        chan ports.OutputLine
	closeOnce sync.Once
}

// NewOutputQueue builds an OutputQueue with room for capacity
// buffered lines; capacity <= 0 uses a sensible default.
func NewOutputQueue(capacity int) *OutputQueue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &OutputQueue{ch: make(chan ports.OutputLine, capacity)}
}

func (q *OutputQueue) Push(line ports.OutputLine) {
	select {
	case q.ch <- line:
	default:
		// Never block ingestion on a stalled log consumer; drop the
		// oldest line to make room instead.
		select {
		case <-q.ch:
		default:
		}
		select {
		case q.ch <- line:
		default:
		}
	}
}

func (q *OutputQueue) Drain() <-chan ports.OutputLine {
	return q.ch
}

func (q *OutputQueue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}

var _ ports.OutputQueue = (*OutputQueue)(nil)
