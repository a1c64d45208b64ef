// Package buffer implements C2: BufferState, the ref-counted identity of a
// logical buffer, and the acquire-set bookkeeping (AcquireInfo) that the
// acquire protocol (spec §4.2/§4.4) is built on.
package buffer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/hetero/arena"
	"github.com/gogpu/hetero/device"
	"github.com/gogpu/hetero/internal/ident"
)

// ID is a stable identity for a BufferState, unique among live buffers (the
// index of a closed buffer may be handed to a later one), used as the
// deterministic sort key that makes multi-buffer acquisition
// deadlock-free (spec §4.4): acquiring in ascending ID order, system-wide,
// establishes a total order that no two acquires can invert.
type ID = ident.Handle[ident.BufferMarker]

var idGen = ident.NewIdentityManager[ident.BufferMarker]()

// Errors returned by the BufferState API (spec §7: reported at the API
// boundary, never propagated through the task graph).
var (
	ErrArenaExists         = errors.New("buffer: arena of this type already exists")
	ErrAnotherArenaValid   = errors.New("buffer: another arena already holds valid data")
	ErrArenaNotFound       = errors.New("buffer: no arena of this type")
	ErrArenaStillBound     = errors.New("buffer: another arena is bound to this one")
	ErrNoCopySource        = errors.New("buffer: no valid arena to copy from")
	ErrCopyConflict        = errors.New("buffer: valid arenas exist but none can copy right now")
	ErrNotTentative        = errors.New("buffer: acquire entry is not tentative")
	ErrRequestorNotFound   = errors.New("buffer: requestor has no acquire entry")
	ErrRequestorConflict   = errors.New("buffer: requestor already holds a conflicting acquire entry")
	ErrDeviceNotAcquired   = errors.New("buffer: device has no acquired arena to update")
)

// AcquireInfo is one requestor's reservation on a BufferState (spec §3).
type AcquireInfo struct {
	Requestor      RequestorID
	DeviceSet      device.Set
	Access         Access
	Tentative      bool
	PerDeviceArena map[device.Executor]*arena.Arena
	Multiplicity   uint64
}

func (info *AcquireInfo) clone() *AcquireInfo {
	cp := *info
	if info.PerDeviceArena != nil {
		cp.PerDeviceArena = make(map[device.Executor]*arena.Arena, len(info.PerDeviceArena))
		for k, v := range info.PerDeviceArena {
			cp.PerDeviceArena[k] = v
		}
	}
	return &cp
}

// ConflictInfo is the result of attempting to add (or confirm) an acquire
// requestor.
type ConflictInfo struct {
	OK                      bool
	HasConflictingRequestor bool
	ConflictingRequestor    RequestorID
	Multiplicity            uint64
}

// PickOutcome enumerates the possible results of PickOptimalCopyFrom.
type PickOutcome uint8

const (
	AlreadyValid PickOutcome = iota
	FoundSource
	NoSource
	CopyConflict
)

// PickResult is the outcome of searching for a copy source for dst.
type PickResult struct {
	Outcome PickOutcome
	Source  *arena.Arena
}

// arenaEntry holds one registered arena plus its retirement state. Retiring
// (RemoveArenaUnsafe with del=true, or Close) and reading (ArenaUnsafe) race
// by design: an evictor goroutine may tear an arena down while a task
// goroutine is still mid-read of the same BufferState, so both paths go
// through State.arenaGuard rather than relying on State.mu alone (spec §4.2
// arenas may be read and destroyed from different goroutines without both
// sides holding the buffer's main lock for the whole operation).
type arenaEntry struct {
	ptr     *arena.Arena
	typ     arena.Type
	retired bool
}

// retire takes e's arena for destruction exactly once. Later calls (e.g. a
// second Close on an already-torn-down entry) are no-ops that return nil.
// Caller must hold s.arenaGuard for writing.
func (e *arenaEntry) retire() *arena.Arena {
	if e.retired {
		return nil
	}
	e.retired = true
	v := e.ptr
	e.ptr = nil
	return v
}

// State is C2: the logical identity of a buffer, orthogonal to any
// particular device's view of it.
//
// All mutating methods are serialised through mu; Unsafe-suffixed
// variants assume the caller already holds mu (spec §4.2: "callers that
// already hold equivalent exclusion may invoke unsafe_* variants").
type State struct {
	id          ID
	sizeInBytes uint64

	mu                  sync.Mutex
	cond                *sync.Cond
	pendingHostAcquires bool

	// arenaGuard serialises retirement (destruction) of arenaEntry values
	// against concurrent reads of the same entries; see arenaEntry's doc.
	// Any number of readers may hold it for reading at once, but retiring an
	// entry takes it exclusively for the duration of the retire() call.
	arenaGuard sync.RWMutex
	arenas     map[arena.Type]*arenaEntry
	validData  map[arena.Type]bool

	acquireOrder []RequestorID
	acquireSet   map[RequestorID]*AcquireInfo

	deviceHints device.Set

	stats *Statistics
}

// New constructs an empty BufferState of the given size. statsEnabled
// turns on per-(src,dst) copy-duration tracking (spec §6).
func New(sizeInBytes uint64, statsEnabled bool, printOnDealloc bool) *State {
	s := &State{
		id:          idGen.Alloc(),
		sizeInBytes: sizeInBytes,
		arenas:      make(map[arena.Type]*arenaEntry),
		validData:   make(map[arena.Type]bool),
		acquireSet:  make(map[RequestorID]*AcquireInfo),
	}
	s.cond = sync.NewCond(&s.mu)
	if statsEnabled {
		s.stats = NewStatistics(printOnDealloc)
	}
	return s
}

// ID returns the buffer's stable identity, used for deadlock-free
// multi-buffer acquire ordering.
func (s *State) ID() ID { return s.id }

// SizeInBytes returns the immutable buffer size.
func (s *State) SizeInBytes() uint64 { return s.sizeInBytes }

// Statistics returns the buffer's copy-duration statistics table, or nil
// if statistics are disabled.
func (s *State) Statistics() *Statistics { return s.stats }

// Lock acquires the buffer's mutex for external exclusion, e.g. across a
// sequence of Unsafe calls.
func (s *State) Lock() { s.mu.Lock() }

// Unlock releases the buffer's mutex.
func (s *State) Unlock() { s.mu.Unlock() }

// Close releases every arena the state owns. Destroying a BufferState
// while any task still holds an acquire is a programming error; Close
// does not attempt to detect that.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.PrintOnDealloc() {
		fmt.Print(s.stats.String())
	}
	s.arenaGuard.Lock()
	for _, e := range s.arenas {
		e.retire()
	}
	s.arenaGuard.Unlock()
	s.arenas = nil
	s.validData = nil
	idGen.Release(s.id)
}

// --- arena management -------------------------------------------------

// AddArena inserts a into the state's arena set.
func (s *State) AddArena(a *arena.Arena, hasValidData bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AddArenaUnsafe(a, hasValidData)
}

func (s *State) AddArenaUnsafe(a *arena.Arena, hasValidData bool) error {
	if _, exists := s.arenas[a.Type()]; exists {
		return ErrArenaExists
	}
	if hasValidData {
		for _, v := range s.validData {
			if v {
				return ErrAnotherArenaValid
			}
		}
	}
	s.arenas[a.Type()] = &arenaEntry{ptr: a, typ: a.Type()}
	s.validData[a.Type()] = hasValidData
	if hasValidData {
		if arenaPtr := s.arenaUnsafe(a.Type()); arenaPtr != nil {
			arenaPtr.MarkValid()
		}
	}
	return nil
}

// Has reports whether an arena of type t exists in the state.
func (s *State) Has(t arena.Type) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.HasUnsafe(t)
}

func (s *State) HasUnsafe(t arena.Type) bool {
	_, ok := s.arenas[t]
	return ok
}

// IsValidDataArena reports whether t is currently marked as holding valid
// data.
func (s *State) IsValidDataArena(t arena.Type) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.IsValidDataArenaUnsafe(t)
}

func (s *State) IsValidDataArenaUnsafe(t arena.Type) bool {
	return s.validData[t]
}

// Arena returns the arena of type t, or nil if none exists or it has
// already been retired by a concurrent destroy.
func (s *State) Arena(t arena.Type) *arena.Arena {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arenaUnsafe(t)
}

func (s *State) arenaUnsafe(t arena.Type) *arena.Arena {
	return s.ArenaUnsafe(t)
}

// ArenaUnsafe is the Unsafe (caller-holds-lock) variant of Arena.
func (s *State) ArenaUnsafe(t arena.Type) *arena.Arena {
	e, ok := s.arenas[t]
	if !ok {
		return nil
	}
	s.arenaGuard.RLock()
	defer s.arenaGuard.RUnlock()
	if e.retired {
		return nil
	}
	return e.ptr
}

// EnsureArenaUnsafe returns the existing arena of type t, creating one via
// factory and registering it (with no valid data) if absent. Callers must
// already hold the state's lock.
func (s *State) EnsureArenaUnsafe(t arena.Type, factory func() *arena.Arena) (*arena.Arena, error) {
	if a := s.ArenaUnsafe(t); a != nil {
		return a, nil
	}
	a := factory()
	if err := s.AddArenaUnsafe(a, false); err != nil {
		return nil, err
	}
	return a, nil
}

// InvalidateArena clears a's valid flag. The caller ensures no device is
// actively accessing it.
func (s *State) InvalidateArena(a *arena.Arena) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InvalidateArenaUnsafe(a)
}

func (s *State) InvalidateArenaUnsafe(a *arena.Arena) {
	a.Invalidate()
	s.validData[a.Type()] = false
}

// RemoveArena detaches a from the state. If del is true, no other arena
// may currently be bound to a.
func (s *State) RemoveArena(a *arena.Arena, del bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.RemoveArenaUnsafe(a, del)
}

func (s *State) RemoveArenaUnsafe(a *arena.Arena, del bool) error {
	if del {
		s.arenaGuard.RLock()
		for _, e := range s.arenas {
			if e.retired {
				continue
			}
			if other := e.ptr; other != nil && other != a && other.BoundTo() == a {
				s.arenaGuard.RUnlock()
				return ErrArenaStillBound
			}
		}
		s.arenaGuard.RUnlock()
	}
	e, ok := s.arenas[a.Type()]
	if !ok {
		return ErrArenaNotFound
	}
	if del {
		s.arenaGuard.Lock()
		e.retire()
		s.arenaGuard.Unlock()
	}
	delete(s.arenas, a.Type())
	delete(s.validData, a.Type())
	return nil
}

// PickOptimalCopyFrom searches for a source to populate dst with valid
// data (spec §4.2).
func (s *State) PickOptimalCopyFrom(dst *arena.Arena) PickResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PickOptimalCopyFromUnsafe(dst)
}

func (s *State) PickOptimalCopyFromUnsafe(dst *arena.Arena) PickResult {
	if dst.IsValid() {
		return PickResult{Outcome: AlreadyValid, Source: dst}
	}

	var anyValid bool
	var boundSource *arena.Arena
	var firstSource *arena.Arena

	for t := arena.MainMemory; t <= arena.Last; t++ {
		a := s.arenaUnsafe(t)
		if a == nil || !a.IsValid() {
			continue
		}
		anyValid = true
		if boundSource == nil && (a.BoundTo() == dst || dst.BoundTo() == a) {
			boundSource = a
		}
		if firstSource == nil && arena.CanCopy(a, dst) {
			firstSource = a
		}
	}

	if boundSource != nil {
		return PickResult{Outcome: FoundSource, Source: boundSource}
	}
	if firstSource != nil {
		return PickResult{Outcome: FoundSource, Source: firstSource}
	}
	if anyValid {
		return PickResult{Outcome: CopyConflict}
	}
	return PickResult{Outcome: NoSource}
}

// CopyValidData copies from src into dst, marking dst valid. Precondition:
// src is valid and CanCopy(src, dst).
func (s *State) CopyValidData(src, dst *arena.Arena) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CopyValidDataUnsafe(src, dst)
}

func (s *State) CopyValidDataUnsafe(src, dst *arena.Arena) error {
	if !src.IsValid() {
		return fmt.Errorf("buffer: copy source not valid: %w", ErrNoCopySource)
	}
	if !arena.CanCopy(src, dst) {
		return fmt.Errorf("buffer: cannot copy %s->%s: %w", src.Type(), dst.Type(), ErrCopyConflict)
	}
	start := time.Now()
	if err := arena.Copy(src, dst); err != nil {
		return err
	}
	if s.stats != nil {
		s.stats.Record(src.Type(), dst.Type(), time.Since(start))
	}
	dst.MarkValid()
	s.validData[dst.Type()] = true
	return nil
}

// DesignateAsUniqueValid makes a the sole arena holding valid data,
// copying data in first if necessary (spec §4.2).
func (s *State) DesignateAsUniqueValid(a *arena.Arena) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DesignateAsUniqueValidUnsafe(a)
}

func (s *State) DesignateAsUniqueValidUnsafe(a *arena.Arena) error {
	if !a.IsValid() {
		pick := s.PickOptimalCopyFromUnsafe(a)
		switch pick.Outcome {
		case AlreadyValid:
			// a is implicitly valid via a bound-to peer; nothing to copy.
		case FoundSource:
			if err := s.CopyValidDataUnsafe(pick.Source, a); err != nil {
				return err
			}
		case NoSource:
			// No arena holds valid data yet: a becomes the first valid one.
		case CopyConflict:
			return ErrCopyConflict
		}
	}
	a.MarkValid()
	s.arenaGuard.RLock()
	for t, e := range s.arenas {
		if t == a.Type() {
			continue
		}
		if e.retired {
			continue
		}
		other := e.ptr
		if other == nil {
			continue
		}
		// Arenas bound to `a` physically share its storage: the arena
		// layer elides the redundant physical invalidate, but the
		// bookkeeping still reports them as not independently valid.
		other.Invalidate()
		s.validData[t] = false
	}
	s.arenaGuard.RUnlock()
	s.validData[a.Type()] = true
	return nil
}

// --- acquire protocol ---------------------------------------------------

func (s *State) findFirstConfirmed() (RequestorID, bool) {
	for _, r := range s.acquireOrder {
		if info, ok := s.acquireSet[r]; ok && !info.Tentative {
			return r, true
		}
	}
	return 0, false
}

// AddAcquireRequestor attempts to add requestor's reservation (spec §4.2).
func (s *State) AddAcquireRequestor(requestor RequestorID, deviceSet device.Set, access Access, tentative bool) ConflictInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AddAcquireRequestorUnsafe(requestor, deviceSet, access, tentative)
}

func (s *State) AddAcquireRequestorUnsafe(requestor RequestorID, deviceSet device.Set, access Access, tentative bool) ConflictInfo {
	if existing, ok := s.acquireSet[requestor]; ok {
		selfConflict := false
		switch {
		case tentative:
			selfConflict = true
		case existing.Tentative:
			selfConflict = true
		case access == AccessRead && existing.Access != AccessRead:
			selfConflict = true
		}
		if selfConflict {
			return ConflictInfo{
				OK:                      false,
				HasConflictingRequestor: true,
				ConflictingRequestor:    requestor,
				Multiplicity:            existing.Multiplicity,
			}
		}
		existing.Multiplicity++
		return ConflictInfo{OK: true, Multiplicity: existing.Multiplicity}
	}

	ok := true
	if access == AccessRead {
		for _, r := range s.acquireOrder {
			if s.acquireSet[r].Access != AccessRead {
				ok = false
				break
			}
		}
	} else {
		ok = len(s.acquireOrder) == 0
	}

	if !ok {
		conflicter, hasConfirmed := s.findFirstConfirmed()
		var mult uint64
		if hasConfirmed {
			mult = s.acquireSet[conflicter].Multiplicity
		}
		return ConflictInfo{
			OK:                      false,
			HasConflictingRequestor: hasConfirmed,
			ConflictingRequestor:    conflicter,
			Multiplicity:            mult,
		}
	}

	mult := uint64(0)
	if !tentative {
		mult = 1
	}
	s.acquireSet[requestor] = &AcquireInfo{
		Requestor:    requestor,
		DeviceSet:    deviceSet,
		Access:       access,
		Tentative:    tentative,
		Multiplicity: mult,
	}
	s.acquireOrder = append(s.acquireOrder, requestor)

	deviceSet.ForEach(func(e device.Executor) bool {
		if e != device.GPUTexture {
			s.deviceHints = s.deviceHints.With(e)
		}
		return true
	})

	return ConflictInfo{OK: true, Multiplicity: mult}
}

// ConfirmTentative flips requestor's tentative entry to confirmed.
func (s *State) ConfirmTentative(requestor RequestorID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ConfirmTentativeUnsafe(requestor)
}

func (s *State) ConfirmTentativeUnsafe(requestor RequestorID) error {
	info, ok := s.acquireSet[requestor]
	if !ok {
		return ErrRequestorNotFound
	}
	if !info.Tentative {
		return ErrNotTentative
	}
	info.Tentative = false
	info.Multiplicity = 1
	return nil
}

// UpdateAcquireInfoWithArena records the arena chosen for dev.
func (s *State) UpdateAcquireInfoWithArena(requestor RequestorID, dev device.Executor, a *arena.Arena) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.UpdateAcquireInfoWithArenaUnsafe(requestor, dev, a)
}

func (s *State) UpdateAcquireInfoWithArenaUnsafe(requestor RequestorID, dev device.Executor, a *arena.Arena) error {
	info, ok := s.acquireSet[requestor]
	if !ok {
		return ErrRequestorNotFound
	}
	if info.PerDeviceArena == nil {
		info.PerDeviceArena = make(map[device.Executor]*arena.Arena)
	}
	info.PerDeviceArena[dev] = a
	return nil
}

// RemoveAcquireRequestor releases requestor's reservation, returning the
// remaining multiplicity (0 once fully removed).
func (s *State) RemoveAcquireRequestor(requestor RequestorID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.RemoveAcquireRequestorUnsafe(requestor)
}

func (s *State) RemoveAcquireRequestorUnsafe(requestor RequestorID) (uint64, error) {
	info, ok := s.acquireSet[requestor]
	if !ok {
		return 0, ErrRequestorNotFound
	}

	remove := func() {
		delete(s.acquireSet, requestor)
		for i, r := range s.acquireOrder {
			if r == requestor {
				s.acquireOrder = append(s.acquireOrder[:i], s.acquireOrder[i+1:]...)
				break
			}
		}
	}

	var remaining uint64
	if info.Tentative {
		remove()
		remaining = 0
	} else if info.Multiplicity <= 1 {
		for _, a := range info.PerDeviceArena {
			a.Unref()
		}
		remove()
		remaining = 0
	} else {
		info.Multiplicity--
		remaining = info.Multiplicity
	}

	if len(s.acquireSet) == 0 && s.pendingHostAcquires {
		s.cond.Signal()
	}
	return remaining, nil
}

// AcquireInfoFor returns a copy of requestor's current acquire entry, if
// any.
func (s *State) AcquireInfoFor(requestor RequestorID) (AcquireInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.acquireSet[requestor]
	if !ok {
		return AcquireInfo{}, false
	}
	return *info.clone(), true
}

// AcquireSetLen returns the number of distinct requestors currently in the
// acquire set.
func (s *State) AcquireSetLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acquireOrder)
}

// WaitForReleaseSignal blocks the calling (host) goroutine until the
// acquire set becomes empty. Only host-issued acquires may call this.
func (s *State) WaitForReleaseSignal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingHostAcquires = true
	for len(s.acquireSet) != 0 {
		s.cond.Wait()
	}
	s.pendingHostAcquires = false
}

// DeviceHints returns the set of devices that have ever acquired this
// buffer (excluding gpu_texture, per spec §4.2).
func (s *State) DeviceHints() device.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceHints
}
