// Package hetero is the public entry point to the heterogeneous-compute
// task runtime: runtime_init/runtime_shutdown, Config, and the task/group/
// buffer submission API that sits on top of the task, gputask, buffer,
// acquire and policy packages.
package hetero

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gogpu/hetero/arena"
	"github.com/gogpu/hetero/buffer"
	"github.com/gogpu/hetero/device"
	"github.com/gogpu/hetero/eventlog"
	"github.com/gogpu/hetero/gputask"
	"github.com/gogpu/hetero/policy"
	"github.com/gogpu/hetero/task"
)

// Config configures a runtime session, built with functional options and
// passed to Init (spec §6: "recognised options on the runtime
// configuration object").
type Config struct {
	cpuWorkers               int
	gpuEnabled               bool
	dspEnabled               bool
	logger                   *slog.Logger
	bufferStatistics         bool
	statisticsPrintOnDealloc bool
}

// Option configures a Config.
type Option func(*Config)

// WithCPUWorkers sets the CPU worker pool's goroutine count. The default
// (0) asks task.NewWorkerPool to size itself off GOMAXPROCS.
func WithCPUWorkers(n int) Option { return func(c *Config) { c.cpuWorkers = n } }

// WithGPUEnabled toggles whether the runtime accepts GPU-attributed task
// creation; while it is disabled, CreateGPUTask fails with
// ErrDeviceDisabled for every device other than DSP.
func WithGPUEnabled(v bool) Option { return func(c *Config) { c.gpuEnabled = v } }

// WithDSPEnabled toggles DSP-attributed task acceptance, mirroring
// WithGPUEnabled.
func WithDSPEnabled(v bool) Option { return func(c *Config) { c.dspEnabled = v } }

// WithLogger installs the slog.Logger the event log and runtime mirror
// their records into (nil restores silence).
func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.logger = l } }

// WithBufferStatistics enables per-(src,dst) copy-duration statistics on
// every buffer created after Init (spec.md §3, §6).
func WithBufferStatistics(v bool) Option { return func(c *Config) { c.bufferStatistics = v } }

// WithStatisticsPrintOnDealloc, combined with WithBufferStatistics, prints
// each buffer's statistics table to standard output when the buffer is
// closed.
func WithStatisticsPrintOnDealloc(v bool) Option {
	return func(c *Config) { c.statisticsPrintOnDealloc = v }
}

func newConfig(opts ...Option) *Config {
	c := &Config{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Errors returned by the runtime session API.
var (
	ErrNotInitialized = errors.New("hetero: runtime not initialized")
	ErrAlreadyRunning = errors.New("hetero: runtime already initialized")
	ErrDeviceDisabled = errors.New("hetero: device kind disabled by Config")
)

// Runtime is one initialised runtime session: the owner of the session's
// BufferPolicy instance and CPU worker pool.
type Runtime struct {
	cfg    *Config
	policy *policy.Policy
	pool   *task.WorkerPool
}

var (
	globalMu sync.Mutex
	global   *Runtime
)

// Init starts a runtime session and installs it as the process-wide
// global (core/global.go's GetGlobal/ResetGlobal pattern). Calling Init
// twice without an intervening Shutdown fails with ErrAlreadyRunning.
func Init(opts ...Option) (*Runtime, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return nil, ErrAlreadyRunning
	}
	cfg := newConfig(opts...)
	if cfg.logger != nil {
		eventlog.SetLogger(cfg.logger)
	}
	rt := &Runtime{
		cfg:    cfg,
		policy: policy.New(),
		pool:   task.NewWorkerPool(cfg.cpuWorkers),
	}
	global = rt
	return rt, nil
}

// Shutdown tears rt down: it stops the CPU worker pool and drops the
// process-wide global, letting a later Init start a fresh session.
// Idempotent; calling it twice, or on an already-superseded Runtime, is a
// no-op.
func (rt *Runtime) Shutdown() {
	globalMu.Lock()
	if global == rt {
		global = nil
	}
	globalMu.Unlock()
	rt.pool.Close()
}

// Global returns the current process-wide Runtime, or ErrNotInitialized
// if Init hasn't been called (or has been shut down) yet.
func Global() (*Runtime, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		return nil, ErrNotInitialized
	}
	return global, nil
}

// Policy exposes the session's BufferPolicy instance to collaborator
// packages (gputask.New) that need it to construct their own
// acquire.Set.
func (rt *Runtime) Policy() *policy.Policy { return rt.policy }

// Scheduler exposes the session's CPU worker pool as a task.Scheduler.
func (rt *Runtime) Scheduler() *task.WorkerPool { return rt.pool }

// CreateBuffer allocates a new logical buffer of sizeInBytes, honoring the
// session's buffer-statistics Config options.
func (rt *Runtime) CreateBuffer(sizeInBytes uint64) *buffer.State {
	return buffer.New(sizeInBytes, rt.cfg.bufferStatistics, rt.cfg.statisticsPrintOnDealloc)
}

// CreateBufferFromMemory copies data into a new External-kind MainMemory
// arena that becomes the buffer's initial valid arena (spec.md §6
// "create_buffer ... external memregion form"); later writes to data are
// not seen by the buffer.
func (rt *Runtime) CreateBufferFromMemory(data []byte) (*buffer.State, error) {
	b := buffer.New(uint64(len(data)), rt.cfg.bufferStatistics, rt.cfg.statisticsPrintOnDealloc)
	a := arena.New(arena.MainMemory, arena.External, uint64(len(data)))
	copy(a.Bytes(), data)
	a.MarkValid()
	a.Ref()
	if err := b.AddArena(a, true); err != nil {
		return nil, err
	}
	return b, nil
}

// AcquireHost acquires state for the host (the calling goroutine, not a
// Task) against deviceSet, using buffer.Host as the requestor identity
// (spec §6: "host-side acquire/release with a sentinel host-requestor
// id"). The acquire itself is a single non-blocking attempt, so ctx is
// only consulted up front: a ctx already Done when AcquireHost is called
// fails fast with ctx.Err() instead of spending a policy request on work
// the caller has already abandoned.
func (rt *Runtime) AcquireHost(ctx context.Context, state *buffer.State, deviceSet device.Set, action policy.Action) (policy.Result, error) {
	if err := ctx.Err(); err != nil {
		return policy.Result{}, err
	}
	state.Lock()
	defer state.Unlock()
	return rt.policy.RequestAcquire(state, buffer.Host, deviceSet, action, policy.Full, false, false)
}

// ReleaseHost drops the host's acquire entry on state.
func (rt *Runtime) ReleaseHost(state *buffer.State) error {
	state.Lock()
	defer state.Unlock()
	_, err := rt.policy.Release(state, buffer.Host, false)
	return err
}

// CreateTask constructs a new CPU task bound to this runtime, ready to be
// launched with Launch.
func (rt *Runtime) CreateTask(body task.Body, attrs task.Attribute) *task.Task {
	return task.New(body, attrs)
}

// CreateGPUTask constructs a GPUTask against dev, rejecting dev kinds the
// session's Config disabled at Init (spec §6: gpu/dsp-attributed task
// creation is conditioned on WithGPUEnabled/WithDSPEnabled).
func (rt *Runtime) CreateGPUTask(dev device.Executor, kernel gputask.KernelHandle, rng gputask.LaunchRange, args []gputask.Arg, runtime gputask.Runtime) (*gputask.GPUTask, error) {
	switch dev {
	case device.DSP:
		if !rt.cfg.dspEnabled {
			return nil, ErrDeviceDisabled
		}
	default:
		if !rt.cfg.gpuEnabled {
			return nil, ErrDeviceDisabled
		}
	}
	return gputask.New(dev, kernel, rng, args, rt.policy, runtime), nil
}

// CreateGroup returns a new, empty task Group.
func (rt *Runtime) CreateGroup() *task.Group { return task.NewGroup() }

// Launch submits t to the runtime's scheduler, optionally as a member of
// group (nil for none).
func (rt *Runtime) Launch(t *task.Task, group *task.Group) error {
	return t.Launch(group, rt.pool)
}

// TaskHandle is a typed convenience wrapper around *task.Task for callers
// who know their task's result type up front, sparing them a type
// assertion at every Wait call site.
type TaskHandle[R any] struct {
	t *task.Task
}

// NewTaskHandle wraps an already-constructed task.
func NewTaskHandle[R any](t *task.Task) TaskHandle[R] { return TaskHandle[R]{t: t} }

// Task returns the handle's underlying *task.Task, for APIs (Then, After,
// AddControlDependency, ...) that only deal in the untyped form.
func (h TaskHandle[R]) Task() *task.Task { return h.t }

// Launch submits the handle's task to rt's scheduler.
func (h TaskHandle[R]) Launch(rt *Runtime, group *task.Group) error {
	return rt.Launch(h.t, group)
}

// Wait blocks until the task finishes or ctx is canceled, and returns its
// result cast to R. A zero R and the task's error are returned if the task
// was canceled, ctx expired, or its result cannot be asserted to R.
func (h TaskHandle[R]) Wait(ctx context.Context) (R, error) {
	var zero R
	v, err := h.t.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	r, ok := v.(R)
	if !ok {
		return zero, errors.New("hetero: task result type mismatch")
	}
	return r, nil
}
