// Package gputask implements C6: GPUTask and TaskBundleDispatch, the
// GPU/accelerator specialisation of task.Task that dispatches kernels
// through a foreign vendor runtime and batches several GPU tasks under a
// single collective buffer acquisition.
package gputask

import (
	"context"
	"errors"

	"github.com/gogpu/hetero/acquire"
	"github.com/gogpu/hetero/arena"
	"github.com/gogpu/hetero/buffer"
	"github.com/gogpu/hetero/device"
	"github.com/gogpu/hetero/eventlog"
	"github.com/gogpu/hetero/policy"
	"github.com/gogpu/hetero/task"
)

// KernelHandle opaquely identifies a compiled kernel; kernel compilation
// itself is out of scope (spec non-goal), so this package never resolves
// one to anything beyond a value passed through to Runtime.Dispatch.
type KernelHandle uint64

// LaunchRange is a 1-, 2-, or 3-dimensional global/local work size.
type LaunchRange struct {
	Dims   int
	Global [3]uint32
	Local  [3]uint32
}

// ArgKind classifies one kernel argument slot (spec §4.6 argument
// dispatch rules).
type ArgKind uint8

const (
	ArgValue ArgKind = iota
	ArgLocalAlloc
	ArgBufferIn
	ArgBufferOut
	ArgBufferInOut
	ArgTexture
	ArgSampler
)

func (k ArgKind) isBuffer() bool {
	return k == ArgBufferIn || k == ArgBufferOut || k == ArgBufferInOut || k == ArgTexture
}

func (k ArgKind) access() policy.Action {
	switch k {
	case ArgBufferIn:
		return policy.ActionRead
	case ArgBufferOut:
		return policy.ActionWrite
	default:
		return policy.ActionReadWrite
	}
}

// Arg is one kernel argument slot, as described by the kernel's static
// signature.
type Arg struct {
	Kind ArgKind

	// ArgValue: Value holds the argument itself, copied into the task's
	// stable side-tuple at launch.
	Value any

	// ArgLocalAlloc: ElemSize * Count is the byte count passed to the
	// driver's local-memory argument setter.
	ElemSize uint32
	Count    uint32

	// ArgBufferIn/Out/InOut/Texture: the logical buffer this slot binds.
	Buffer *buffer.State

	// ArgSampler: passed through untouched.
	Sampler any
}

// DispatchedArg is the driver-ready form of one Arg, resolved for the
// executing device (spec §4.6): buffer/texture args carry the concrete
// arena chosen by the task's BufferAcquireSet.
type DispatchedArg struct {
	Kind       ArgKind
	Value      any
	LocalBytes uint64
	Arena      *arena.Arena
	Sampler    any
}

var (
	ErrNoRuntime              = errors.New("gputask: no Runtime configured")
	ErrBundleMismatchedDevice = errors.New("gputask: all tasks in a bundle must target the same executor device")
	ErrBundleEmpty            = errors.New("gputask: bundle has no tasks")
)

// Runtime is the foreign GPU (or DSP) vendor collaborator (spec §1/§4.6):
// it owns kernel compilation and device queues, both out of scope here.
// Dispatch must arrange for complete to be invoked exactly once, from any
// thread, once the kernel (or bundle tail) finishes or fails.
type Runtime interface {
	Dispatch(dev device.Executor, kernel KernelHandle, rng LaunchRange, args []DispatchedArg, complete func(error)) error
}

// GPUTask is C6: a Task whose body dispatches to a Runtime instead of
// running inline CPU code.
type GPUTask struct {
	*task.Task

	dev    device.Executor
	kernel KernelHandle
	rng    LaunchRange
	args   []Arg
	rt     Runtime

	policy     *policy.Policy
	acquireSet *acquire.Set

	firstExecution     bool
	doesBundleDispatch bool
	textureHint        bool

	bundle *TaskBundleDispatch
}

// New constructs an unlaunched GPUTask targeting dev, dispatching kernel
// over rng with args, using p for buffer-arena orchestration and rt as
// the vendor runtime collaborator.
func New(dev device.Executor, kernel KernelHandle, rng LaunchRange, args []Arg, p *policy.Policy, rt Runtime) *GPUTask {
	gt := &GPUTask{
		dev:            dev,
		kernel:         kernel,
		rng:            rng,
		args:           args,
		rt:             rt,
		policy:         p,
		acquireSet:     acquire.New(p),
		firstExecution: true,
	}
	gt.Task = task.New(gt.execute, task.GPU)
	for _, a := range args {
		if a.Kind.isBuffer() {
			gt.acquireSet.Add(a.Buffer, a.Kind.access(), a.Kind == ArgTexture)
		}
	}
	return gt
}

// SetTextureHint records v on gt. Acquisition does not read the recorded
// value: every texture-kind (ArgTexture) argument is already added to the
// acquire set with the texture hint when the task is constructed, so it
// gets a gpu_texture arena instead of a plain gpu_cl buffer whatever v is.
func (gt *GPUTask) SetTextureHint(v bool) { gt.textureHint = v }

// joinBundle marks gt as a non-acquiring member of a TaskBundleDispatch
// (spec §4.6 does_bundle_dispatch).
func (gt *GPUTask) joinBundle(b *TaskBundleDispatch) {
	gt.doesBundleDispatch = true
	gt.bundle = b
}

func (gt *GPUTask) deviceSet() device.Set { return device.NewSet(gt.dev) }

// execute is the task.Body driving one execution attempt (spec §4.6/§4.5
// execute): when not bundled it blockingly acquires its own buffers, then
// dispatches to the runtime and defers completion to the foreign
// callback by returning task.ErrDeferred — symmetrical with
// task.Context.FinishAfter, but here the "other" task is the implicit
// foreign dispatch rather than another Task.
func (gt *GPUTask) execute(ctx *task.Context) (any, error) {
	if gt.rt == nil {
		return nil, ErrNoRuntime
	}

	if !gt.doesBundleDispatch {
		if gt.firstExecution || gt.acquireSet.Status() == acquire.Idle {
			resolver := gt.Task.Resolver()
			// execute runs on a scheduler-owned goroutine with no caller
			// context of its own to thread through; cancellation of a
			// dispatched kernel is out of scope (spec non-goal), so this
			// acquire blocks unconditionally.
			if err := gt.acquireSet.BlockingAcquire(context.Background(), gt.Task.Requestor(), gt.deviceSet(), true, resolver); err != nil {
				return nil, err
			}
		}
		gt.firstExecution = false
	}

	dispatched := gt.resolveArgs()
	eventlog.Record(eventlog.KernelDispatched, uint64(gt.kernel), gt.dev.String())
	err := gt.rt.Dispatch(gt.dev, gt.kernel, gt.rng, dispatched, func(dispatchErr error) {
		gt.onKernelComplete(dispatchErr)
	})
	if err != nil {
		if !gt.doesBundleDispatch {
			gt.acquireSet.Release(gt.Task.Requestor())
		}
		return nil, err
	}
	return nil, task.ErrDeferred
}

func (gt *GPUTask) resolveArgs() []DispatchedArg {
	out := make([]DispatchedArg, len(gt.args))
	for i, a := range gt.args {
		switch a.Kind {
		case ArgValue:
			out[i] = DispatchedArg{Kind: a.Kind, Value: a.Value}
		case ArgLocalAlloc:
			out[i] = DispatchedArg{Kind: a.Kind, LocalBytes: uint64(a.ElemSize) * uint64(a.Count)}
		case ArgSampler:
			out[i] = DispatchedArg{Kind: a.Kind, Sampler: a.Sampler}
		case ArgBufferIn, ArgBufferOut, ArgBufferInOut, ArgTexture:
			set := gt.acquireSet
			if gt.bundle != nil {
				set = gt.bundle.acquireSet
			}
			out[i] = DispatchedArg{Kind: a.Kind, Arena: set.FindAcquiredArena(a.Buffer, gt.dev)}
		}
	}
	return out
}

// onKernelComplete is the single foreign-callback entry point (spec §6
// "Foreign callbacks"): the vendor runtime calls this from its own thread
// exactly once per dispatch. It is equivalent to Task::finish(canceled =
// false) for a standalone task; for a bundled task it hands off to
// TaskBundleDispatch.onMemberComplete, which finishes this member and
// releases the bundle's shared acquire set once the last member completes.
func (gt *GPUTask) onKernelComplete(err error) {
	if gt.bundle != nil {
		gt.bundle.onMemberComplete(gt, err)
		return
	}
	gt.acquireSet.Release(gt.Task.Requestor())
	gt.Task.FinishExternally(nil, err)
}
