package task

// Scheduler is the collaborator that actually runs ready tasks. The CPU
// worker pool and work-stealing tree it is backed by are out of scope for
// this package (spec §1 non-goals); Scheduler is the seam a concrete pool
// implementation plugs into.
type Scheduler interface {
	// Enqueue places t into the scheduler's ordinary work queue.
	Enqueue(t *Task)
	// RunDirect executes t immediately, bypassing the queue. Used for
	// task kinds that must not wait behind unrelated CPU work (gpu,
	// blocking, inlined, dsp, poly; spec §4.5 predecessor_finished).
	RunDirect(t *Task)
}

// Context is passed to a task's Body. It exposes the bound arguments, the
// running task's own identity for cancellation polling, and finish_after.
type Context struct {
	task *Task
	args map[int]any
}

// Arg returns the value bound to data-dependency slot i, or nil if none
// was ever recorded.
func (c *Context) Arg(i int) any {
	if c.args == nil {
		return nil
	}
	return c.args[i]
}

// AbortOnCancel reports whether the running task has a pending cancel
// request; well-behaved bodies poll this at cooperative points (spec §5
// cancellation: "explicit abort_on_cancel() polls inside user code").
func (c *Context) AbortOnCancel() bool {
	return c.task.CancelRequested()
}

// FinishAfter defers c's task's observable completion until other
// finishes (spec §4.5 finish_after). Valid only from within the task's own
// body.
func (c *Context) FinishAfter(other *Task) {
	c.task.FinishAfter(other)
}

// Task returns the task this Context belongs to.
func (c *Context) Task() *Task { return c.task }
