//go:build noeventlog

package eventlog

// Record is a no-op under the noeventlog build tag: event emission is
// fully eliminated rather than merely disabled at runtime (spec §4.7
// "when all loggers are disabled at compile time, event emission must be
// fully eliminated").
func Record(kind Kind, subject uint64, detail string) {}

// Snapshot always returns nil under noeventlog.
func Snapshot() []Event { return nil }

// Reset is a no-op under noeventlog.
func Reset() {}

// Len is always 0 under noeventlog.
func Len() int { return 0 }
