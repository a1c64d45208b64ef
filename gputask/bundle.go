package gputask

import (
	"context"
	"sync/atomic"

	"github.com/gogpu/hetero/acquire"
	"github.com/gogpu/hetero/device"
	"github.com/gogpu/hetero/policy"
	"github.com/gogpu/hetero/task"
)

// TaskBundleDispatch is C6's bundling collaborator: it unions N GPU
// tasks' buffer requests into one BufferAcquireSet, acquires it once, and
// releases it only after every member has completed (spec §4.6).
type TaskBundleDispatch struct {
	dev        device.Executor
	tasks      []*GPUTask
	acquireSet *acquire.Set

	remaining atomic.Int32
}

// NewBundle collects tasks (the first is the root that triggered
// bundling) into a dispatch unit. All tasks must target the same
// executor device (spec §4.6).
func NewBundle(p *policy.Policy, tasks ...*GPUTask) (*TaskBundleDispatch, error) {
	if len(tasks) == 0 {
		return nil, ErrBundleEmpty
	}
	dev := tasks[0].dev
	for _, t := range tasks {
		if t.dev != dev {
			return nil, ErrBundleMismatchedDevice
		}
	}

	b := &TaskBundleDispatch{
		dev:        dev,
		tasks:      tasks,
		acquireSet: acquire.New(p),
	}
	for _, t := range tasks {
		for _, a := range t.args {
			if a.Kind.isBuffer() {
				b.acquireSet.Add(a.Buffer, a.Kind.access(), a.Kind == ArgTexture)
			}
		}
		t.joinBundle(b)
	}
	b.remaining.Store(int32(len(tasks)))
	return b, nil
}

// Launch blockingly acquires the bundle's shared buffer set once (using
// the root task's identity as the requestor and conflict-resolution
// anchor) and then launches every member task in order. Returns ctx.Err()
// without launching any member if the acquire is canceled via ctx.
func (b *TaskBundleDispatch) Launch(ctx context.Context, group *task.Group, scheduler task.Scheduler) error {
	root := b.tasks[0]
	resolver := root.Task.Resolver()
	if err := b.acquireSet.BlockingAcquire(ctx, root.Task.Requestor(), device.NewSet(b.dev), true, resolver); err != nil {
		return err
	}
	for _, t := range b.tasks {
		if err := t.Task.Launch(group, scheduler); err != nil {
			return err
		}
	}
	return nil
}

// onMemberComplete finishes the individual member task that just
// dispatched (each task in a bundle still completes on its own), and
// releases the whole bundle's shared acquire set once every member has
// completed — "after the last task's completion callback fires" (spec
// §4.6). The release happens before the last member is finished, so a
// Wait on that member returns only after the set is released.
func (b *TaskBundleDispatch) onMemberComplete(gt *GPUTask, err error) {
	if b.remaining.Add(-1) == 0 {
		b.acquireSet.Release(b.tasks[0].Task.Requestor())
	}
	gt.Task.FinishExternally(nil, err)
}
