// Command heterodemo exercises the public hetero API end to end: it
// starts a runtime, runs a small CPU task graph with a control
// dependency, then dispatches a GPU task against a software Runtime that
// simply copies its input arena into its output arena.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/gogpu/hetero"
	"github.com/gogpu/hetero/buffer"
	"github.com/gogpu/hetero/device"
	"github.com/gogpu/hetero/gputask"
	"github.com/gogpu/hetero/task"
)

// softwareRuntime is a test/demo stand-in for a real vendor GPU runtime
// (spec.md §1 keeps the real one external); it runs the "kernel" inline
// on the calling goroutine and reports completion synchronously.
type softwareRuntime struct{}

func (softwareRuntime) Dispatch(dev device.Executor, kernel gputask.KernelHandle, rng gputask.LaunchRange, args []gputask.DispatchedArg, complete func(error)) error {
	var in, out *gputask.DispatchedArg
	for i := range args {
		switch args[i].Kind {
		case gputask.ArgBufferIn:
			in = &args[i]
		case gputask.ArgBufferOut:
			out = &args[i]
		}
	}
	if in != nil && out != nil {
		copy(out.Arena.Bytes(), in.Arena.Bytes())
	}
	go complete(nil)
	return nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	rt, err := hetero.Init(
		hetero.WithCPUWorkers(4),
		hetero.WithGPUEnabled(true),
		hetero.WithLogger(logger),
		hetero.WithBufferStatistics(true),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init:", err)
		os.Exit(1)
	}
	defer rt.Shutdown()

	runCPUGraph(rt)
	runGPUTask(rt)
}

func runCPUGraph(rt *hetero.Runtime) {
	first := rt.CreateTask(func(*task.Context) (any, error) {
		return 1, nil
	}, task.Anonymous)

	second := rt.CreateTask(func(ctx *task.Context) (any, error) {
		return ctx.Arg(0).(int) + 41, nil
	}, task.Anonymous)
	_ = first.AddDataDependency(second, 0)

	if err := rt.Launch(first, nil); err != nil {
		fmt.Fprintln(os.Stderr, "launch first:", err)
		return
	}
	if err := rt.Launch(second, nil); err != nil {
		fmt.Fprintln(os.Stderr, "launch second:", err)
		return
	}

	result, err := second.Wait(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "wait:", err)
		return
	}
	fmt.Println("cpu graph result:", result)
}

func runGPUTask(rt *hetero.Runtime) {
	in := rt.CreateBuffer(64)
	out := rt.CreateBuffer(64)
	defer in.Close()
	defer out.Close()

	gt, err := rt.CreateGPUTask(
		device.GPUCL,
		gputask.KernelHandle(1),
		gputask.LaunchRange{Dims: 1, Global: [3]uint32{64}},
		[]gputask.Arg{
			{Kind: gputask.ArgBufferIn, Buffer: in},
			{Kind: gputask.ArgBufferOut, Buffer: out},
		},
		softwareRuntime{},
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create gpu task:", err)
		return
	}

	if err := gt.Task.Launch(nil, rt.Scheduler()); err != nil {
		fmt.Fprintln(os.Stderr, "launch gpu task:", err)
		return
	}
	if _, err := gt.Task.Wait(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "gpu task:", err)
		return
	}
	fmt.Println("gpu task completed")

	if err := rt.ReleaseHost(in); err != nil && err != buffer.ErrRequestorNotFound {
		fmt.Fprintln(os.Stderr, "release in:", err)
	}
}
