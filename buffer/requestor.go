package buffer

import "sync/atomic"

// RequestorID identifies whoever is acquiring a buffer: a task identity or
// the sentinel Host value for host-issued acquires.
type RequestorID uint64

// Host is the sentinel requestor identity used by host-side (non-task)
// acquire/release calls (spec §6: "a sentinel host-requestor id").
const Host RequestorID = 0

var nextRequestor atomic.Uint64

// NewRequestorID allocates a fresh, never-reused requestor identity. Task
// creation calls this once per task; it is never Host (Host is reserved as
// 0 and this counter starts at 1).
func NewRequestorID() RequestorID {
	return RequestorID(nextRequestor.Add(1))
}

// Access is the kind of access a requestor asks a buffer for.
type Access uint8

const (
	// AccessUnspecified is never valid on an acquire request.
	AccessUnspecified Access = iota
	AccessRead
	AccessWrite
	AccessReadWrite
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read_write"
	default:
		return "unspecified"
	}
}

// isWriteLike reports whether a requires exclusive access.
func (a Access) isWriteLike() bool {
	return a == AccessWrite || a == AccessReadWrite
}
