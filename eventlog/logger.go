// Package eventlog implements C7: a strongly-typed event record for every
// task/buffer state-machine transition, streamed into a compile-time
// selectable in-memory circular buffer (see event.go, built with
// `!noeventlog`) or fully elided (event_stub.go, built with `noeventlog`).
package eventlog

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler silently discards every record. Enabled returns false so
// callers skip formatting entirely, making a disabled logger free.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

var loggerPtr atomic.Pointer[slog.Logger]
var configured atomic.Bool

func init() {
	loggerPtr.Store(slog.New(nopHandler{}))
}

// SetLogger configures the logger the event log mirrors its records into
// at Debug level. By default the runtime produces no slog output. Pass
// nil to restore the silent default.
func SetLogger(l *slog.Logger) {
	if l == nil {
		loggerPtr.Store(slog.New(nopHandler{}))
		configured.Store(false)
		return
	}
	loggerPtr.Store(l)
	configured.Store(true)
}

// Logger returns the event log's current logger.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// Kind identifies the state-machine transition an Event records.
type Kind uint8

const (
	TaskCreated Kind = iota
	TaskLaunched
	TaskRan
	TaskFinished
	TaskCanceled
	GroupJoined
	GroupCanceled
	BufferSetAcquired
	BufferSetReleased
	BufferConflictDetected
	ArenaAllocated
	KernelDispatched
)

func (k Kind) String() string {
	switch k {
	case TaskCreated:
		return "task_created"
	case TaskLaunched:
		return "task_launched"
	case TaskRan:
		return "task_ran"
	case TaskFinished:
		return "task_finished"
	case TaskCanceled:
		return "task_canceled"
	case GroupJoined:
		return "group_joined"
	case GroupCanceled:
		return "group_canceled"
	case BufferSetAcquired:
		return "buffer_set_acquired"
	case BufferSetReleased:
		return "buffer_set_released"
	case BufferConflictDetected:
		return "buffer_conflict_detected"
	case ArenaAllocated:
		return "arena_allocated"
	case KernelDispatched:
		return "kernel_dispatched"
	default:
		return "unknown"
	}
}

// Event is one fixed-size record: a state-machine transition for Subject
// (typically a task or buffer identity) carrying a short free-form Detail.
type Event struct {
	Kind    Kind
	Subject uint64
	Detail  string
	AtNanos int64
}
