// Package acquire implements C4: BufferAcquireSet, the per-task helper
// that atomically acquires a whole set of buffers in a deadlock-free
// order, with two-phase (tentative/confirm) commit and conflict-driven
// dynamic dependency injection.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gogpu/hetero/arena"
	"github.com/gogpu/hetero/buffer"
	"github.com/gogpu/hetero/device"
	"github.com/gogpu/hetero/eventlog"
	"github.com/gogpu/hetero/policy"
)

// Status is the lifecycle state of a Set.
type Status uint8

const (
	Idle Status = iota
	TentativelyAcquired
	FullyAcquired
)

func (s Status) String() string {
	switch s {
	case TentativelyAcquired:
		return "tentatively_acquired"
	case FullyAcquired:
		return "fully_acquired"
	default:
		return "idle"
	}
}

// Errors returned by Set's operations.
var (
	ErrNotIdle             = errors.New("acquire: set is not idle")
	ErrTooManyDevices      = errors.New("acquire: device set exceeds MaxMultiDevice")
	ErrUnspecifiedDevice   = errors.New("acquire: device set contains an unspecified device")
	ErrOverrideNotSubset   = errors.New("acquire: override device set is not a subset of the task-wide device set")
	ErrConflict            = errors.New("acquire: buffer acquisition conflicted and could not be resolved")
	ErrNotTentative        = errors.New("acquire: set is not in the tentatively_acquired state")
)

// Resolver lets the conflict-resolution loop in Acquire turn a persistent
// conflict into a dynamic control dependency, so that the calling task is
// rescheduled to retry only after the conflicting task finishes (spec
// §4.4/§4.5). Implemented by the task package; acquire never imports it to
// avoid a cycle.
type Resolver interface {
	// AddDynamicControlDependency attempts to make the task that owns this
	// Set run again after the task identified by conflicter finishes.
	// ok is false if conflicter has already finished (the caller should
	// retry acquisition once more); alreadyFinished distinguishes that
	// case from an outright failure (e.g. conflicter unknown).
	AddDynamicControlDependency(conflicter buffer.RequestorID) (ok bool, alreadyFinished bool)
}

// cellFake and cellTentative are the two sentinel cell values from spec
// §3; nil itself is never stored once a buffer has been added; we model
// the distinction with a small struct instead of raw *arena.Arena so a nil
// "not yet populated" cell is distinguishable from "deliberately skipped".
type cellKind uint8

const (
	cellEmpty cellKind = iota
	cellTentative
	cellFake
	cellArena
)

type cell struct {
	kind  cellKind
	arena *arena.Arena
}

// entry is one buffer this Set was told to acquire.
type entry struct {
	state           *buffer.State
	action          policy.Action
	textureHint     bool
	preacquired     map[device.Executor]*arena.Arena
	overrideDevices *device.Set

	cells map[device.Executor]cell
}

func actionSuperset(a, b policy.Action) policy.Action {
	if a == b {
		return a
	}
	return policy.ActionReadWrite
}

// Set is C4: BufferAcquireSet.
type Set struct {
	policy *policy.Policy

	status    Status
	requestor buffer.RequestorID
	deviceSet device.Set

	byState map[*buffer.State]*entry
	order   []*entry // populated by Acquire, sorted by buffer identity
}

// New constructs an empty, idle Set bound to p for the arena-type mapping
// and allocate/copy orchestration it needs during confirm.
func New(p *policy.Policy) *Set {
	return &Set{policy: p, byState: make(map[*buffer.State]*entry)}
}

// Status returns the set's current lifecycle state.
func (s *Set) Status() Status { return s.status }

// Add registers state as a buffer this set must acquire with the given
// action, coalescing with any previous Add of the same buffer into the
// superset access (spec §4.4 de-duplication).
func (s *Set) Add(state *buffer.State, action policy.Action, textureHint bool) {
	if e, ok := s.byState[state]; ok {
		e.action = actionSuperset(e.action, action)
		e.textureHint = e.textureHint || textureHint
		return
	}
	e := &entry{state: state, action: action, textureHint: textureHint}
	s.byState[state] = e
}

// SetPreacquiredArena records a caller-supplied, already device-accessible
// arena for (state, dev): both acquire passes skip the policy path for it
// and neither ref nor unref the arena (spec §4.4 pre-acquired override).
func (s *Set) SetPreacquiredArena(state *buffer.State, dev device.Executor, a *arena.Arena) {
	e, ok := s.byState[state]
	if !ok {
		e = &entry{state: state}
		s.byState[state] = e
	}
	if e.preacquired == nil {
		e.preacquired = make(map[device.Executor]*arena.Arena)
	}
	e.preacquired[dev] = a
}

// SetOverrideDeviceSet narrows the task-wide device set to subset for this
// one buffer; devices in the task-wide set but outside subset get a
// fake_arena cell for this buffer (spec §4.4 override device sets).
func (s *Set) SetOverrideDeviceSet(state *buffer.State, subset device.Set) {
	e, ok := s.byState[state]
	if !ok {
		e = &entry{state: state}
		s.byState[state] = e
	}
	e.overrideDevices = &subset
}

// sortedEntries returns every added entry, ordered ascending by the
// owning buffer's identity. This order, applied system-wide, is what
// makes concurrent multi-buffer acquisition deadlock-free (spec §4.4).
func (s *Set) sortedEntries() []*entry {
	out := make([]*entry, 0, len(s.byState))
	for _, e := range s.byState {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].state.ID().Index() < out[j].state.ID().Index()
	})
	return out
}

// Acquire runs the full two-phase acquire protocol for requestor across
// deviceSet (spec §4.4). If setupDepsOnConflict is true and a confirmed
// conflicter is found, resolver is used to inject a dynamic control
// dependency rather than failing outright.
func (s *Set) Acquire(requestor buffer.RequestorID, deviceSet device.Set, setupDepsOnConflict bool, resolver Resolver) error {
	if s.status != Idle {
		return ErrNotIdle
	}
	if deviceSet.Count() > device.MaxMultiDevice {
		return ErrTooManyDevices
	}
	if deviceSet.Has(device.Unspecified) {
		return ErrUnspecifiedDevice
	}
	for _, e := range s.byState {
		if e.overrideDevices != nil && (*e.overrideDevices)&^deviceSet != 0 {
			return ErrOverrideNotSubset
		}
	}

	s.requestor = requestor
	s.deviceSet = deviceSet
	s.order = s.sortedEntries()

	if err := s.acquireTentative(requestor, deviceSet, setupDepsOnConflict, resolver); err != nil {
		return err
	}
	s.status = TentativelyAcquired

	if err := s.acquireConfirm(requestor, deviceSet); err != nil {
		return err
	}
	s.status = FullyAcquired
	eventlog.Record(eventlog.BufferSetAcquired, uint64(requestor), deviceSet.String())
	return nil
}

func (s *Set) deviceSetFor(e *entry, taskWide device.Set) device.Set {
	if e.overrideDevices == nil {
		return taskWide
	}
	return *e.overrideDevices
}

// acquireTentative is pass 1 (spec §4.4).
func (s *Set) acquireTentative(requestor buffer.RequestorID, taskWide device.Set, setupDepsOnConflict bool, resolver Resolver) error {
	for i, e := range s.order {
		if e.preacquired != nil && len(e.preacquired) > 0 {
			continue
		}
		devSet := s.deviceSetFor(e, taskWide)

		res, err := s.policy.RequestAcquire(e.state, requestor, devSet, e.action, policy.Tentative, e.textureHint, true)
		if err != nil {
			s.releaseTentativeUpTo(i)
			return err
		}
		if res.OK {
			continue
		}
		resolved, ferr := s.resolveConflict(e, requestor, devSet, res.ConflictInfo, setupDepsOnConflict, resolver)
		if ferr != nil {
			s.releaseTentativeUpTo(i)
			return ferr
		}
		if !resolved {
			s.releaseTentativeUpTo(i)
			return ErrConflict
		}
	}
	return nil
}

// resolveConflict handles one buffer's failed tentative acquire. It either
// spins until the conflict resolves or disappears, or (when
// setupDepsOnConflict is true and a confirmed conflicter is found) asks
// resolver to set up a dynamic dependency. Returns resolved=true if the
// caller should move on to the next buffer (the retry succeeded inline).
func (s *Set) resolveConflict(e *entry, requestor buffer.RequestorID, devSet device.Set, first buffer.ConflictInfo, setupDepsOnConflict bool, resolver Resolver) (resolved bool, err error) {
	eventlog.Record(eventlog.BufferConflictDetected, uint64(requestor), "")
	res := first
	for !res.HasConflictingRequestor {
		// The conflicter is itself only tentative; spin until it either
		// confirms (giving us a concrete conflicter to depend on) or
		// releases (letting our own tentative acquire through).
		time.Sleep(time.Microsecond)
		var rerr error
		var r policy.Result
		r, rerr = s.policy.RequestAcquire(e.state, requestor, devSet, e.action, policy.Tentative, e.textureHint, true)
		if rerr != nil {
			return false, rerr
		}
		if r.OK {
			return true, nil
		}
		res = r.ConflictInfo
	}

	if !setupDepsOnConflict || resolver == nil {
		return false, fmt.Errorf("%w: conflicting requestor %d", ErrConflict, res.ConflictingRequestor)
	}

	ok, alreadyFinished := resolver.AddDynamicControlDependency(res.ConflictingRequestor)
	if ok {
		// Dependency installed; the current task will be retried once the
		// conflicter finishes. Fail this attempt so the scheduler parks it.
		return false, fmt.Errorf("%w: deferred on conflicting requestor %d", ErrConflict, res.ConflictingRequestor)
	}
	if alreadyFinished {
		r, rerr := s.policy.RequestAcquire(e.state, requestor, devSet, e.action, policy.Tentative, e.textureHint, true)
		if rerr != nil {
			return false, rerr
		}
		if r.OK {
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: conflicting requestor %d", ErrConflict, res.ConflictingRequestor)
}

func (s *Set) releaseTentativeUpTo(n int) {
	for i := 0; i < n; i++ {
		e := s.order[i]
		if e.preacquired != nil && len(e.preacquired) > 0 {
			continue
		}
		_, _ = s.policy.Release(e.state, s.requestor, true)
	}
}

// acquireConfirm is pass 2 (spec §4.4): guaranteed to succeed once pass 1
// has reserved every buffer.
func (s *Set) acquireConfirm(requestor buffer.RequestorID, taskWide device.Set) error {
	for _, e := range s.order {
		e.cells = make(map[device.Executor]cell)

		devSet := s.deviceSetFor(e, taskWide)
		taskWide.ForEach(func(dev device.Executor) bool {
			if !devSet.Has(dev) {
				e.cells[dev] = cell{kind: cellFake}
			}
			return true
		})

		if e.preacquired != nil && len(e.preacquired) > 0 {
			for dev, a := range e.preacquired {
				e.cells[dev] = cell{kind: cellArena, arena: a}
			}
			continue
		}

		res, err := s.policy.RequestAcquire(e.state, requestor, devSet, e.action, policy.Confirm, e.textureHint, true)
		if err != nil {
			return err
		}
		for dev, a := range res.PerDeviceArena {
			e.cells[dev] = cell{kind: cellArena, arena: a}
		}
	}
	return nil
}

// FindAcquiredArena returns the arena recorded for (state, dev), or nil if
// the cell is empty, fake, or state was never added to this set (spec
// §4.4 find_acquired_arena).
func (s *Set) FindAcquiredArena(state *buffer.State, dev device.Executor) *arena.Arena {
	e, ok := s.byState[state]
	if !ok || e.cells == nil {
		return nil
	}
	c, ok := e.cells[dev]
	if !ok || c.kind != cellArena {
		return nil
	}
	return c.arena
}

// Release drops requestor's reservation on every non-preacquired buffer in
// the set and returns it to idle (spec §4.4 release).
func (s *Set) Release(requestor buffer.RequestorID) {
	for _, e := range s.order {
		if e.preacquired != nil && len(e.preacquired) > 0 {
			continue
		}
		_, _ = s.policy.Release(e.state, requestor, true)
		e.cells = nil
	}
	s.status = Idle
	eventlog.Record(eventlog.BufferSetReleased, uint64(requestor), "")
}

// BlockingAcquire retries Acquire with a short spin followed by
// microsecond-scale sleeps between attempts (spec §4.4 blocking_acquire).
// Returns ctx.Err() without completing the acquire if ctx is canceled
// between attempts. When setupDepsOnConflict is true it does not retry:
// the first conflicting attempt's ErrConflict-wrapped error is returned.
func (s *Set) BlockingAcquire(ctx context.Context, requestor buffer.RequestorID, deviceSet device.Set, setupDepsOnConflict bool, resolver Resolver) error {
	const spinIterations = 10
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.Acquire(requestor, deviceSet, setupDepsOnConflict, resolver)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		lastErr = err
		s.status = Idle
		if attempt >= spinIterations {
			select {
			case <-time.After(time.Microsecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if setupDepsOnConflict {
			// A dependency was installed; the caller should stop spinning
			// and wait to be rescheduled rather than busy-loop forever.
			return lastErr
		}
	}
}
