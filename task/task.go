// Package task implements C5: Task, the unit of scheduled work, its
// lifecycle state machine, successor notification, cancellation,
// finish_after deferral, and poly-task alternative selection.
package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/gogpu/hetero/buffer"
	"github.com/gogpu/hetero/eventlog"
)

// Errors returned by Task/Group operations (spec §7: InvalidArgument /
// AlreadyLaunched are reported at the API boundary, never propagated
// through the graph).
var (
	ErrAlreadyLaunched = errors.New("task: already launched")
	ErrNotBound        = errors.New("task: not bound")
	ErrGroupCanceled   = errors.New("task: group already canceled")
	// ErrTaskCanceled is returned by Wait when the task (or its group) was
	// canceled before it ran (spec §7 TaskCanceled).
	ErrTaskCanceled = errors.New("task: canceled")
	// ErrDeferred is returned by a Body to signal that this attempt does
	// not finish the task: Execute releases ownership and leaves completion
	// to something else, either a dynamic control dependency set up during
	// the attempt (which re-drives the task once it clears) or a
	// collaborator that later calls FinishExternally, as gputask does after
	// a successful dispatch.
	ErrDeferred = errors.New("task: execution deferred pending a dynamic dependency")
)

// Body is the user-supplied work a task performs. A deferred execution
// (see ErrDeferred) may return any result/err; both are discarded.
type Body func(ctx *Context) (any, error)

type depKind uint8

const (
	depControl depKind = iota
	depData
)

type successorEdge struct {
	task *Task
	kind depKind
	slot int
}

// state bits, packed into Task.stateBits. Distinct from refcount and
// predecessorCount, which are their own atomics (spec §5: "Task
// state-word bit updates use acquire/release semantics"). Unrelated to
// Attribute, which is the caller-supplied immutable task-kind mask.
const (
	bitBound uint32 = 1 << iota
	bitLaunched
	bitRunning
	bitHasCancelRequest
	bitCanceled
	bitCompleted
	// bitFinishing is the single CAS gate `finish` claims before doing any
	// work, so that Execute's own cancel-check and a concurrent Cancel()
	// racing it can never both run finish's body for the same task (spec
	// §8 invariant 4: at-most-once cleanup).
	bitFinishing
)

// Task is C5.
type Task struct {
	requestor buffer.RequestorID
	attrs     Attribute
	body      Body

	stateBits atomic.Uint32

	refcount         atomic.Int64
	predecessorCount atomic.Int32
	readyClaimed     atomic.Bool

	owner atomic.Pointer[schedulerHandle]

	// Padding between the lock-free scheduling fields above (read/written
	// by every PredecessorFinished/Execute call, often from a different
	// goroutine than the one holding mu) and the mutex-guarded fields
	// below, so the two groups don't share a cache line.
	_ cpu.CacheLinePad

	mu           sync.Mutex
	successors   []successorEdge
	finishAfter  *Task
	alternatives []*Task
	tls          map[StorageKey]any
	exceptions   []error

	currentGroup atomic.Pointer[Group]

	scheduler Scheduler

	result any
	args   map[int]any

	done chan struct{}
}

type schedulerHandle struct{ s Scheduler }

// New constructs an unlaunched task running body, with the given
// immutable attributes. The task starts bound (spec §3: "a value-task
// starts at completed-with-value"; ordinary tasks start bound since this
// rendering does not model a separate slot-by-slot unbound phase).
func New(body Body, attrs Attribute) *Task {
	t := &Task{
		requestor: buffer.NewRequestorID(),
		attrs:     attrs,
		body:      body,
		done:      make(chan struct{}),
	}
	t.setBit(bitBound)
	register(t)
	eventlog.Record(eventlog.TaskCreated, uint64(t.requestor), attrs.String())
	return t
}

// NewValue constructs an already-completed task holding v, which is never
// scheduled (spec §8 testable property 7).
func NewValue(v any) *Task {
	t := &Task{
		requestor: buffer.NewRequestorID(),
		result:    v,
		done:      make(chan struct{}),
	}
	t.setBit(bitBound | bitLaunched | bitCompleted)
	close(t.done)
	return t
}

// Requestor returns the buffer-acquire requestor identity this task uses,
// i.e. its own process-wide identity (spec glossary: "Requestor ... an
// opaque identifier, typically a task identity").
func (t *Task) Requestor() buffer.RequestorID { return t.requestor }

// Attributes returns the task's immutable attribute mask.
func (t *Task) Attributes() Attribute { return t.attrs }

func (t *Task) loadBits() uint32            { return t.stateBits.Load() }
func (t *Task) setBit(bit uint32)           { t.stateBits.Or(bit) }
func (t *Task) clearBit(bit uint32)         { t.stateBits.And(^bit) }
func (t *Task) hasBit(bit uint32) bool      { return t.loadBits()&bit != 0 }
func (t *Task) casBit(bit uint32, want bool) bool {
	for {
		old := t.loadBits()
		has := old&bit != 0
		if has == want {
			return false
		}
		var next uint32
		if want {
			next = old | bit
		} else {
			next = old &^ bit
		}
		if t.stateBits.CompareAndSwap(old, next) {
			return true
		}
	}
}

func (t *Task) Bound() bool           { return t.hasBit(bitBound) }
func (t *Task) Launched() bool        { return t.hasBit(bitLaunched) }
func (t *Task) Running() bool         { return t.hasBit(bitRunning) }
func (t *Task) CancelRequested() bool { return t.hasBit(bitHasCancelRequest) }
func (t *Task) Canceled() bool        { return t.hasBit(bitCanceled) }
func (t *Task) Completed() bool       { return t.hasBit(bitCompleted) }
func (t *Task) Finished() bool        { return t.Canceled() || t.Completed() }

// Ref increments the task's reference count.
func (t *Task) Ref() { t.refcount.Add(1) }

// Unref decrements the task's reference count.
func (t *Task) Unref() int64 { return t.refcount.Add(-1) }

// --- task-local storage -------------------------------------------------

// SetLocal stores value under key in this task's task_local_storage.
func (t *Task) SetLocal(key StorageKey, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tls == nil {
		t.tls = make(map[StorageKey]any)
	}
	t.tls[key] = value
}

// Local retrieves the value stored under key, if any.
func (t *Task) Local(key StorageKey) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.tls[key]
	return v, ok
}

// --- dependency wiring ---------------------------------------------------

// AddControlDependency makes succ depend on t finishing, with no value
// transfer (spec §4.5 add_control_dependency). Must be called before succ
// is launched.
func (t *Task) AddControlDependency(succ *Task) error {
	if succ.Launched() {
		return ErrAlreadyLaunched
	}
	t.mu.Lock()
	t.successors = append(t.successors, successorEdge{task: succ, kind: depControl})
	t.mu.Unlock()
	succ.predecessorCount.Add(1)
	return nil
}

// AddDataDependency makes succ depend on t finishing and copies t's
// return value into succ's argument slot on completion.
func (t *Task) AddDataDependency(succ *Task, slot int) error {
	if succ.Launched() {
		return ErrAlreadyLaunched
	}
	t.mu.Lock()
	t.successors = append(t.successors, successorEdge{task: succ, kind: depData, slot: slot})
	t.mu.Unlock()
	succ.predecessorCount.Add(1)
	return nil
}

// Then wires a control dependency from t to successor (t -> successor).
func (t *Task) Then(successor *Task) error { return t.AddControlDependency(successor) }

// After wires a control dependency from predecessor to t (predecessor -> t).
func (t *Task) After(predecessor *Task) error { return predecessor.AddControlDependency(t) }

// AddDynamicControlDependency makes succ depend on t post-launch (spec
// §4.5): if t has not yet finished, succ is appended to t's successor
// list, succ's predecessor counter is incremented, and succ's running bit
// and scheduling claim are reset so it can be re-driven once t finishes.
// Returns false if t has already finished.
func (t *Task) AddDynamicControlDependency(succ *Task) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Finished() {
		return false
	}
	t.successors = append(t.successors, successorEdge{task: succ, kind: depControl})
	succ.predecessorCount.Add(1)
	succ.clearBit(bitRunning)
	succ.readyClaimed.Store(false)
	return true
}

// --- lifecycle ------------------------------------------------------------

// Launch transitions the task bound -> launched, joins group if non-nil,
// and schedules it immediately if it has no outstanding predecessors
// (spec §4.5 launch).
func (t *Task) Launch(group *Group, scheduler Scheduler) error {
	if !t.Bound() {
		return ErrNotBound
	}
	if !t.casBit(bitLaunched, true) {
		return ErrAlreadyLaunched
	}
	t.Ref()
	if group != nil {
		if err := group.Join(t); err != nil {
			return err
		}
	}
	eventlog.Record(eventlog.TaskLaunched, uint64(t.requestor), "")
	t.maybeBecomeReady(scheduler)
	return nil
}

// PredecessorFinished atomically decrements the predecessor counter; at
// zero, if the task is launched and not canceled, it becomes ready (spec
// §4.5 predecessor_finished).
func (t *Task) PredecessorFinished(scheduler Scheduler) {
	if t.predecessorCount.Add(-1) == 0 {
		t.maybeBecomeReady(scheduler)
	}
}

func (t *Task) maybeBecomeReady(scheduler Scheduler) {
	if !t.Launched() || t.Canceled() || t.predecessorCount.Load() != 0 {
		return
	}
	if !t.readyClaimed.CompareAndSwap(false, true) {
		return
	}
	t.scheduler = scheduler
	if t.attrs.bypassesQueue() {
		scheduler.RunDirect(t)
	} else {
		scheduler.Enqueue(t)
	}
}

// requestOwnership is the atomic compare-exchange gate from spec §4.5
// execute step 1: only the first caller for a given execution attempt
// proceeds.
func (t *Task) requestOwnership(scheduler Scheduler) bool {
	return t.owner.CompareAndSwap(nil, &schedulerHandle{s: scheduler})
}

func (t *Task) clearOwnership() { t.owner.Store(nil) }

func (t *Task) groupCanceled() bool {
	g := t.currentGroup.Load()
	return g != nil && g.Canceled()
}

// Execute drives one execution attempt (spec §4.5 execute). Returns false
// if a concurrent attempt already owns this execution and the caller
// should back off (it will be rescheduled).
func (t *Task) Execute(scheduler Scheduler) bool {
	if !t.requestOwnership(scheduler) {
		return false
	}
	prev := setCurrentTask(t)
	defer setCurrentTask(prev)

	if t.CancelRequested() || t.groupCanceled() {
		t.finish(nil, nil, true)
		return true
	}

	if !t.casBit(bitRunning, true) {
		t.clearOwnership()
		return false
	}

	eventlog.Record(eventlog.TaskRan, uint64(t.requestor), "")
	ctx := &Context{task: t, args: t.snapshotArgs()}
	result, err := t.body(ctx)

	if errors.Is(err, ErrDeferred) {
		t.clearOwnership()
		return false
	}
	if t.hasFinishAfterPending() {
		t.clearOwnership()
		return true
	}
	t.finish(result, err, false)
	return true
}

func (t *Task) snapshotArgs() map[int]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.args == nil {
		return nil
	}
	cp := make(map[int]any, len(t.args))
	for k, v := range t.args {
		cp[k] = v
	}
	return cp
}

func (t *Task) hasFinishAfterPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishAfter != nil
}

// FinishExternally completes t directly, bypassing Execute/body, for
// collaborators whose work happens entirely off a task.Scheduler thread
// (spec §6 "Foreign callbacks": a GPU runtime's on_kernel_complete "must
// be treated as equivalent to Task::finish(canceled=false)"). Safe to
// call from any goroutine, including a foreign runtime's own callback
// thread; it is the caller's responsibility to ensure it happens exactly
// once per execution attempt.
func (t *Task) FinishExternally(result any, err error) {
	t.clearOwnership()
	t.finish(result, err, false)
}

// finish propagates the result/cancellation to successors exactly once,
// leaves groups, signals waiters, and releases the launch-time reference
// (spec §4.5 execute step 6, §8 invariant 4). Idempotent: only the first
// caller to claim bitFinishing (whichever of Execute's own cancel-check,
// a concurrent Cancel(), or FinishExternally gets there first) actually
// runs; every later caller for the same task is a no-op.
func (t *Task) finish(result any, err error, canceled bool) {
	if !t.casBit(bitFinishing, true) {
		return
	}
	t.mu.Lock()
	if canceled {
		t.setBit(bitCanceled)
	} else {
		t.result = result
		if err != nil {
			t.exceptions = append(t.exceptions, err)
		}
		t.setBit(bitCompleted)
	}
	successors := t.successors
	t.successors = nil
	t.mu.Unlock()

	if canceled {
		eventlog.Record(eventlog.TaskCanceled, uint64(t.requestor), "")
	} else {
		eventlog.Record(eventlog.TaskFinished, uint64(t.requestor), "")
	}

	for _, edge := range successors {
		t.notifySuccessor(edge, canceled)
	}

	t.leaveGroups()
	close(t.done)
	unregister(t.requestor)
	t.Unref()
}

func (t *Task) notifySuccessor(edge successorEdge, producerCanceled bool) {
	succ := edge.task
	if edge.kind == depData && !producerCanceled {
		succ.mu.Lock()
		if succ.args == nil {
			succ.args = make(map[int]any)
		}
		succ.args[edge.slot] = t.result
		succ.mu.Unlock()
	}
	if len(t.exceptions) > 0 {
		succ.mu.Lock()
		succ.exceptions = append(succ.exceptions, t.exceptions...)
		succ.mu.Unlock()
	}
	if producerCanceled {
		succ.Cancel()
	}
	sched := t.scheduler
	if sched == nil {
		sched = succ.scheduler
	}
	if sched != nil {
		succ.PredecessorFinished(sched)
	}
}

// Cancel requests cancellation (spec §4.5 cancel, §8 invariant 8:
// monotonic). Tasks that have not yet started running transition straight
// to canceled and propagate; running tasks observe the request via
// Context.AbortOnCancel.
func (t *Task) Cancel() {
	if !t.casBit(bitHasCancelRequest, true) {
		return
	}
	if !t.Running() && !t.Finished() {
		t.finish(nil, nil, true)
	}
}

// FinishAfter defers t's observable completion until other finishes (spec
// §4.5/§9 finish_after): a zero-body stub successor task is created on
// other; when it runs it calls finish() on t with other's result and
// other's last recorded error, read at that moment. Valid only from within
// t's own running body.
func (t *Task) FinishAfter(other *Task) {
	t.mu.Lock()
	prevStub := t.finishAfter
	stub := &Task{
		requestor: buffer.NewRequestorID(),
		attrs:     Stub,
		done:      make(chan struct{}),
	}
	stub.setBit(bitBound)
	register(stub)
	stub.body = func(*Context) (any, error) {
		t.finish(other.stubResult(), other.stubErr(), false)
		return nil, nil
	}
	t.finishAfter = stub
	t.mu.Unlock()

	_ = other.AddControlDependency(stub)
	if prevStub != nil {
		prevStub.AddDynamicControlDependency(stub)
	}
	_ = stub.Launch(nil, t.scheduler)
}

func (t *Task) stubResult() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (t *Task) stubErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.exceptions) == 0 {
		return nil
	}
	return t.exceptions[len(t.exceptions)-1]
}

// Wait blocks until t finishes or ctx is canceled, cooperatively inlining t
// onto the calling goroutine if the caller is itself running inside another
// task (spec §4.5 wait, §5 suspension points). A canceled ctx returns
// ctx.Err() and leaves t running; the caller may Wait again later.
func (t *Task) Wait(ctx context.Context) (any, error) {
	if CurrentTask() != nil && t.Launched() && t.predecessorCount.Load() == 0 {
		t.Execute(inlineScheduler{})
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if t.Canceled() {
		return nil, ErrTaskCanceled
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.exceptions) > 0 {
		return nil, t.exceptions[0]
	}
	return t.result, nil
}

// inlineScheduler is the owner recorded for a cooperative inline-wait
// attempt; its Enqueue/RunDirect are no-ops. Wait inlines only a task that
// is launched and has no outstanding predecessors; a task that is not, or
// that defers (e.g. via a GPU queue), leaves the waiter blocking on t.done.
type inlineScheduler struct{}

func (inlineScheduler) Enqueue(*Task)   {}
func (inlineScheduler) RunDirect(*Task) {}

// --- poly-task (alternative implementations) ------------------------------

// SetAlternatives installs the alternative-implementation tasks for a
// poly-task (spec §4.5/§9): variant 0 is t itself.
func (t *Task) SetAlternatives(alts ...*Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alternatives = alts
}

// SelectAlternative runs selector over t's alternatives (selector returns
// 0 for t itself, or a 1-based index into the alternatives) and returns
// the chosen task.
func (t *Task) SelectAlternative(selector func(alts []*Task) int) *Task {
	t.mu.Lock()
	alts := t.alternatives
	t.mu.Unlock()
	if len(alts) == 0 {
		return t
	}
	idx := selector(alts)
	if idx <= 0 || idx > len(alts) {
		return t
	}
	return alts[idx-1]
}

// FinalizePoly is called once chosen (a member of t's alternatives group)
// has run: every other member leaves its groups and is unreffed so it
// does not linger (spec §4.5 poly-task finalisation).
func (t *Task) FinalizePoly(chosen *Task) {
	t.mu.Lock()
	alts := t.alternatives
	t.mu.Unlock()
	all := append([]*Task{t}, alts...)
	for _, alt := range all {
		if alt == chosen {
			continue
		}
		alt.leaveGroups()
		alt.Unref()
	}
}

// --- groups ----------------------------------------------------------------

func (t *Task) leaveGroups() {
	if g := t.currentGroup.Load(); g != nil {
		g.leave(t)
		t.currentGroup.Store(nil)
	}
}

// registry lets the buffer-acquire conflict resolver (package acquire, via
// the Resolver adapter in resolver.go) look a task up by its requestor
// identity.
var registry sync.Map // buffer.RequestorID -> *Task

func register(t *Task)   { registry.Store(t.requestor, t) }
func unregister(r buffer.RequestorID) { registry.Delete(r) }

// Lookup returns the task registered under requestor, if it is still
// live (i.e. has not finished and been cleaned up).
func Lookup(requestor buffer.RequestorID) (*Task, bool) {
	v, ok := registry.Load(requestor)
	if !ok {
		return nil, false
	}
	return v.(*Task), true
}
