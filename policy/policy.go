// Package policy implements C3: BufferPolicy, the single place that knows
// how an acquire request translates into arena types, allocation, and the
// copy-to-make-valid dance. BufferPolicy itself is stateless beyond the
// executor-device -> arena-type mapping and the registered allocators;
// every other decision is delegated to the buffer.State it is given.
//
// A single Policy instance is meant to live for the lifetime of one runtime
// session (created by runtime_init, discarded by runtime_shutdown); it is
// not a package-level singleton so that shutdown can actually drop it.
package policy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/hetero/arena"
	"github.com/gogpu/hetero/buffer"
	"github.com/gogpu/hetero/device"
	"github.com/gogpu/hetero/eventlog"
)

// Scope controls how much of the acquire protocol RequestAcquire performs.
type Scope uint8

const (
	// Tentative reserves a spot in the acquire order without allocating or
	// making any arena valid yet (spec §4.4 phase one).
	Tentative Scope = iota
	// Confirm finalises a previously tentative acquire: allocates any
	// missing per-device arenas and makes them valid.
	Confirm
	// Full performs a tentative-then-confirm acquire in one call, for
	// callers that never need the two-phase dance (e.g. host acquires).
	Full
)

// Action is the kind of request being made against a buffer.
type Action uint8

const (
	ActionRead Action = iota
	ActionWrite
	ActionReadWrite
	// ActionRelease drops a previously granted acquire.
	ActionRelease
)

func (a Action) access() buffer.Access {
	switch a {
	case ActionRead:
		return buffer.AccessRead
	case ActionWrite:
		return buffer.AccessWrite
	case ActionReadWrite:
		return buffer.AccessReadWrite
	default:
		return buffer.AccessUnspecified
	}
}

// ErrReleaseNeedsNoDeviceSet is returned if a caller passes Action ==
// ActionRelease to RequestAcquire; use Release instead.
var ErrReleaseNeedsNoDeviceSet = errors.New("policy: use Release for ActionRelease")

// AllocFunc allocates a fresh, as-yet-invalid arena of type t able to hold
// size bytes. external, if non-nil, is caller-supplied backing storage
// (create_buffer's external memregion form) that the allocator should wrap
// rather than copy.
type AllocFunc func(t arena.Type, size uint64, external []byte) *arena.Arena

var (
	allocatorsMu sync.RWMutex
	allocators   = map[arena.Type]AllocFunc{}
)

// RegisterAllocator installs the allocation function used for arenas of
// type t. Backends register these during their own init, the same way
// arena.RegisterCopyPath works; MainMemory has a built-in default.
func RegisterAllocator(t arena.Type, fn AllocFunc) {
	allocatorsMu.Lock()
	defer allocatorsMu.Unlock()
	allocators[t] = fn
}

func lookupAllocator(t arena.Type) (AllocFunc, bool) {
	allocatorsMu.RLock()
	defer allocatorsMu.RUnlock()
	fn, ok := allocators[t]
	return fn, ok
}

func init() {
	RegisterAllocator(arena.MainMemory, func(t arena.Type, size uint64, external []byte) *arena.Arena {
		if external != nil {
			a := arena.New(t, arena.External, size)
			copy(a.Bytes(), external)
			return a
		}
		return arena.New(t, arena.Internal, size)
	})
}

// Result is what RequestAcquire hands back: the usual conflict-reporting
// envelope plus, on a successful Confirm/Full, the arena granted to each
// requested device.
type Result struct {
	buffer.ConflictInfo
	PerDeviceArena map[device.Executor]*arena.Arena
}

// Policy is C3: the pure mapping from executor device to arena type, plus
// the allocate/copy orchestration that turns an acquire request into
// concrete arenas on a buffer.State.
type Policy struct{}

// New constructs a Policy. Policy carries no mutable state of its own; one
// instance may be shared freely across goroutines.
func New() *Policy {
	return &Policy{}
}

// ArenaTypeFor returns the arena type that dev should use to access a
// buffer (spec §4.3 get_arena_type_accessed_by). When textureHint is set
// and dev is GPUCL, the buffer is known to be used as a texture sampler
// target and OpenCLTexture is returned instead of the ordinary OpenCL
// buffer type.
func (p *Policy) ArenaTypeFor(dev device.Executor, textureHint bool) arena.Type {
	if textureHint && dev == device.GPUCL {
		return arena.OpenCLTexture
	}
	switch dev {
	case device.CPU:
		return arena.MainMemory
	case device.GPUCL:
		return arena.OpenCLBuffer
	case device.GPUGL:
		return arena.GLBuffer
	case device.GPUTexture:
		return arena.OpenCLTexture
	case device.DSP:
		return arena.DSPION
	default:
		return arena.None
	}
}

func (p *Policy) allocate(t arena.Type, size uint64, external []byte) (*arena.Arena, error) {
	fn, ok := lookupAllocator(t)
	if !ok {
		return nil, fmt.Errorf("policy: no allocator registered for arena type %s", t)
	}
	return fn(t, size, external), nil
}

// RequestAcquire drives one (requestor, deviceSet, action) request against
// state according to scope (spec §4.3/§4.4). If lock is true, state's own
// mutex is taken for the duration; callers that already hold it (e.g. as
// part of a multi-buffer BufferAcquireSet pass) should pass false.
func (p *Policy) RequestAcquire(state *buffer.State, requestor buffer.RequestorID, deviceSet device.Set, action Action, scope Scope, textureHint bool, lock bool) (Result, error) {
	if action == ActionRelease {
		return Result{}, ErrReleaseNeedsNoDeviceSet
	}
	if lock {
		state.Lock()
		defer state.Unlock()
	}

	access := action.access()

	switch scope {
	case Tentative:
		ci := state.AddAcquireRequestorUnsafe(requestor, deviceSet, access, true)
		return Result{ConflictInfo: ci}, nil

	case Confirm:
		if err := state.ConfirmTentativeUnsafe(requestor); err != nil {
			return Result{}, err
		}
		return p.confirmDevices(state, requestor, deviceSet, access, textureHint)

	case Full:
		ci := state.AddAcquireRequestorUnsafe(requestor, deviceSet, access, false)
		if !ci.OK {
			return Result{ConflictInfo: ci}, nil
		}
		return p.confirmDevices(state, requestor, deviceSet, access, textureHint)

	default:
		return Result{}, fmt.Errorf("policy: unknown scope %d", scope)
	}
}

// confirmDevices allocates (if needed) and validates the arena for every
// device in deviceSet, recording the choice in the requestor's acquire
// entry. The caller must already hold state's lock.
func (p *Policy) confirmDevices(state *buffer.State, requestor buffer.RequestorID, deviceSet device.Set, access buffer.Access, textureHint bool) (Result, error) {
	perDevice := make(map[device.Executor]*arena.Arena)

	write := access != buffer.AccessRead

	var firstErr error
	deviceSet.ForEach(func(dev device.Executor) bool {
		t := p.ArenaTypeFor(dev, textureHint)
		if !state.HasUnsafe(t) {
			if _, ok := lookupAllocator(t); !ok {
				firstErr = fmt.Errorf("policy: no allocator registered for arena type %s", t)
				return false
			}
		}
		wasAbsent := !state.HasUnsafe(t)
		a, err := state.EnsureArenaUnsafe(t, func() *arena.Arena {
			alloc, _ := p.allocate(t, state.SizeInBytes(), nil)
			return alloc
		})
		if err != nil {
			firstErr = err
			return false
		}
		if wasAbsent {
			eventlog.Record(eventlog.ArenaAllocated, uint64(requestor), t.String())
		}

		pick := state.PickOptimalCopyFromUnsafe(a)
		switch pick.Outcome {
		case buffer.AlreadyValid:
		case buffer.FoundSource:
			if err := state.CopyValidDataUnsafe(pick.Source, a); err != nil {
				firstErr = err
				return false
			}
		case buffer.NoSource:
			// A freshly created buffer with no valid data anywhere yet:
			// the first writer will designate a as unique valid below.
		case buffer.CopyConflict:
			firstErr = buffer.ErrCopyConflict
			return false
		}

		a.Ref()
		if err := state.UpdateAcquireInfoWithArenaUnsafe(requestor, dev, a); err != nil {
			firstErr = err
			return false
		}
		if write {
			if err := state.DesignateAsUniqueValidUnsafe(a); err != nil {
				firstErr = err
				return false
			}
		}
		perDevice[dev] = a
		return true
	})

	if firstErr != nil {
		return Result{}, firstErr
	}
	return Result{ConflictInfo: buffer.ConflictInfo{OK: true}, PerDeviceArena: perDevice}, nil
}

// Release drops requestor's acquire entry on state (spec §4.3 release).
func (p *Policy) Release(state *buffer.State, requestor buffer.RequestorID, lock bool) (uint64, error) {
	if lock {
		state.Lock()
		defer state.Unlock()
	}
	return state.RemoveAcquireRequestorUnsafe(requestor)
}

// RemoveMatchingArena opportunistically drops the arena dev would use to
// access state, if one exists and it is not the buffer's sole valid-data
// arena (spec §4.3 remove_matching_arena: a cache-pressure hint, never
// allowed to destroy the only copy of a buffer's data).
func (p *Policy) RemoveMatchingArena(state *buffer.State, dev device.Executor, textureHint bool, lock bool) error {
	if lock {
		state.Lock()
		defer state.Unlock()
	}
	t := p.ArenaTypeFor(dev, textureHint)
	a := state.ArenaUnsafe(t)
	if a == nil {
		return nil
	}
	if state.IsValidDataArenaUnsafe(t) && p.isSoleValidArena(state, t) {
		return nil
	}
	return state.RemoveArenaUnsafe(a, true)
}

func (p *Policy) isSoleValidArena(state *buffer.State, t arena.Type) bool {
	for other := arena.MainMemory; other <= arena.Last; other++ {
		if other == t {
			continue
		}
		if state.IsValidDataArenaUnsafe(other) {
			return false
		}
	}
	return true
}
