// Package arena implements C1: a device-addressable backing for some or
// all of a logical buffer's bytes.
//
// An Arena never decides on its own when it should exist or hold valid
// data — BufferState (package buffer) owns that decision. Arena only
// knows its own allocation kind, what it is bound to, and how to move
// bytes to or from another Arena of a compatible type.
package arena

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Type identifies a storage backing kind.
type Type uint8

const (
	// None is the sentinel "no arena" type; it is never a key of
	// BufferState's existing-arena map.
	None Type = iota
	// MainMemory is ordinary CPU heap.
	MainMemory
	// OpenCLBuffer is an OpenCL cl_mem buffer allocation.
	OpenCLBuffer
	// OpenCLTexture is an OpenCL image/texture allocation.
	OpenCLTexture
	// GLBuffer is an OpenGL ES buffer object.
	GLBuffer
	// DSPION is a Hexagon DSP ION allocation.
	DSPION

	numTypes
)

// Last is the highest-valued concrete arena Type, useful for callers that
// need to enumerate every possible type in ascending order.
const Last = DSPION

// NumTypes is the total number of Type values, including None. Callers
// that index a dense [NumTypes]-shaped table by Type (e.g. buffer's
// per-(src,dst) copy statistics) size it off this instead of a sparse map.
const NumTypes = int(numTypes)

func (t Type) String() string {
	switch t {
	case MainMemory:
		return "main_memory"
	case OpenCLBuffer:
		return "opencl_buffer"
	case OpenCLTexture:
		return "opencl_texture"
	case GLBuffer:
		return "gl_buffer"
	case DSPION:
		return "dsp_ion"
	default:
		return "none"
	}
}

// AllocKind is the allocation state of an Arena.
type AllocKind uint8

const (
	// Unallocated means no backing storage exists yet.
	Unallocated AllocKind = iota
	// Internal means the runtime owns the allocation.
	Internal
	// External means the arena wraps caller-supplied storage (e.g. an
	// external memregion passed to create_buffer).
	External
	// Bound means the arena aliases another arena's storage.
	Bound
)

// ErrCopyFailed wraps a fatal, non-recoverable driver failure during Copy.
// Per spec §7 this is RuntimeFatal and is never meant to be retried.
var ErrCopyFailed = errors.New("arena: copy failed (driver error)")

// CopyFunc performs a blocking, byte-accurate transfer from src into dst.
// It is invoked only when CanCopy(src, dst) holds.
type CopyFunc func(src, dst *Arena) error

var (
	copyPathsMu sync.RWMutex
	copyPaths   = map[[2]Type]CopyFunc{}
)

// RegisterCopyPath installs the transfer function used whenever data must
// move from an arena of type src to one of type dst. Drivers/backends
// register these during their own init; the core never hardcodes a path.
func RegisterCopyPath(src, dst Type, fn CopyFunc) {
	copyPathsMu.Lock()
	defer copyPathsMu.Unlock()
	copyPaths[[2]Type{src, dst}] = fn
}

func lookupCopyPath(src, dst Type) (CopyFunc, bool) {
	copyPathsMu.RLock()
	defer copyPathsMu.RUnlock()
	fn, ok := copyPaths[[2]Type{src, dst}]
	return fn, ok
}

func init() {
	// Host-to-host is always available: a plain byte copy.
	RegisterCopyPath(MainMemory, MainMemory, func(src, dst *Arena) error {
		dst.bytes = append(dst.bytes[:0], src.bytes...)
		return nil
	})
}

// Arena is one device-addressable backing of a buffer's bytes.
//
// Arena is safe for concurrent use; Ref/Unref/Invalidate/mapping state are
// all atomic or mutex-guarded. BufferState additionally guards the arena
// pointer itself (not just its fields) against a concurrent destroy, via its
// own arenaGuard (see buffer.State), since an Arena has no way to protect
// callers from reading through a pointer that destruction has already freed.
type Arena struct {
	typ       Type
	allocKind AllocKind
	boundTo   *Arena

	mu         sync.Mutex
	valid      bool
	hostMapped bool

	refcount atomic.Int64

	size  uint64
	bytes []byte // only meaningful for MainMemory-backed arenas
}

// New constructs an Arena of the given type and allocation kind. size is
// the number of bytes the arena must be able to hold once allocated.
func New(typ Type, kind AllocKind, size uint64) *Arena {
	a := &Arena{typ: typ, allocKind: kind, size: size}
	if kind != Unallocated && typ == MainMemory {
		a.bytes = make([]byte, size)
	}
	return a
}

// NewBound constructs an Arena of the given type that aliases boundTo's
// storage (allocation kind Bound).
func NewBound(typ Type, boundTo *Arena) *Arena {
	return &Arena{typ: typ, allocKind: Bound, boundTo: boundTo, size: boundTo.size}
}

// Type returns the arena's storage kind.
func (a *Arena) Type() Type { return a.typ }

// AllocKind returns the arena's allocation state.
func (a *Arena) AllocKind() AllocKind { return a.allocKind }

// BoundTo returns the arena this one aliases storage with, or nil.
func (a *Arena) BoundTo() *Arena { return a.boundTo }

// Size returns the buffer size in bytes this arena backs.
func (a *Arena) Size() uint64 { return a.size }

// Ref increments the arena's reference count.
func (a *Arena) Ref() { a.refcount.Add(1) }

// Unref decrements the arena's reference count and returns the new value.
func (a *Arena) Unref() int64 { return a.refcount.Add(-1) }

// RefCount returns the current reference count.
func (a *Arena) RefCount() int64 { return a.refcount.Load() }

// IsValid reports whether this arena currently holds valid data, or
// whether it aliases an arena that does (per spec §9's note that bound-to
// peers of a valid arena should be treated as implicitly valid).
func (a *Arena) IsValid() bool {
	a.mu.Lock()
	valid := a.valid
	a.mu.Unlock()
	if valid {
		return true
	}
	if a.boundTo != nil {
		return a.boundTo.IsValid()
	}
	return false
}

// MarkValid sets the valid flag. Precondition: AllocKind != Unallocated.
func (a *Arena) MarkValid() {
	if a.allocKind == Unallocated {
		panic("arena: MarkValid on unallocated arena")
	}
	a.mu.Lock()
	a.valid = true
	a.mu.Unlock()
}

// Invalidate clears the valid flag. The caller must ensure no device is
// actively reading/writing through this arena.
func (a *Arena) Invalidate() {
	a.mu.Lock()
	a.valid = false
	a.mu.Unlock()
}

// MarkHostMapped/ClearHostMapped track whether the arena is currently
// mapped for direct host access; CanCopy refuses to target a mapped
// destination.
func (a *Arena) MarkHostMapped() {
	a.mu.Lock()
	a.hostMapped = true
	a.mu.Unlock()
}

func (a *Arena) ClearHostMapped() {
	a.mu.Lock()
	a.hostMapped = false
	a.mu.Unlock()
}

func (a *Arena) isHostMapped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hostMapped
}

// Bytes exposes the backing byte slice for MainMemory arenas, for tests
// and for the default host-to-host copy path. It is nil for any other
// arena type.
func (a *Arena) Bytes() []byte { return a.bytes }

// CanCopy is a pure policy predicate: may dst currently be the target of
// a copy from src?
func CanCopy(src, dst *Arena) bool {
	if src == nil || dst == nil || src == dst {
		return false
	}
	if dst.isHostMapped() {
		return false
	}
	// Arenas that already alias the same physical storage never need (and
	// must not attempt) a physical copy between them.
	if dst.boundTo == src || src.boundTo == dst || (src.boundTo != nil && src.boundTo == dst.boundTo) {
		return false
	}
	_, ok := lookupCopyPath(src.typ, dst.typ)
	return ok
}

// Copy performs a blocking, byte-accurate transfer from src to dst. Must
// only be called when CanCopy(src, dst) holds; failures are fatal driver
// errors (spec §7 RuntimeFatal).
func Copy(src, dst *Arena) error {
	fn, ok := lookupCopyPath(src.typ, dst.typ)
	if !ok {
		return fmt.Errorf("arena: no copy path %s->%s: %w", src.typ, dst.typ, ErrCopyFailed)
	}
	if err := fn(src, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}
	return nil
}
