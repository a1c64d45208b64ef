package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// syncScheduler runs everything inline and synchronously, suitable for
// deterministic tests of the dependency/finish machinery without pulling
// in a real worker pool.
type syncScheduler struct{}

func (syncScheduler) Enqueue(t *Task)   { t.Execute(syncScheduler{}) }
func (syncScheduler) RunDirect(t *Task) { t.Execute(syncScheduler{}) }

func TestLaunchRunsBodyAndCompletes(t *testing.T) {
	ran := false
	tk := New(func(ctx *Context) (any, error) {
		ran = true
		return 42, nil
	}, Anonymous)

	if err := tk.Launch(nil, syncScheduler{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	v, err := tk.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !ran {
		t.Fatal("body never ran")
	}
	if v != 42 {
		t.Fatalf("result = %v, want 42", v)
	}
	if !tk.Completed() {
		t.Fatal("task not marked completed")
	}
}

func TestLaunchTwiceFails(t *testing.T) {
	tk := New(func(ctx *Context) (any, error) { return nil, nil }, Anonymous)
	if err := tk.Launch(nil, syncScheduler{}); err != nil {
		t.Fatalf("first Launch: %v", err)
	}
	if err := tk.Launch(nil, syncScheduler{}); !errors.Is(err, ErrAlreadyLaunched) {
		t.Fatalf("second Launch = %v, want ErrAlreadyLaunched", err)
	}
}

func TestControlDependencyOrdersExecution(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) Body {
		return func(ctx *Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	pred := New(record("pred"), Anonymous)
	succ := New(record("succ"), Anonymous)
	if err := pred.AddControlDependency(succ); err != nil {
		t.Fatalf("AddControlDependency: %v", err)
	}

	if err := succ.Launch(nil, syncScheduler{}); err != nil {
		t.Fatalf("Launch succ: %v", err)
	}
	if err := pred.Launch(nil, syncScheduler{}); err != nil {
		t.Fatalf("Launch pred: %v", err)
	}
	if _, err := succ.Wait(context.Background()); err != nil {
		t.Fatalf("Wait succ: %v", err)
	}

	if len(order) != 2 || order[0] != "pred" || order[1] != "succ" {
		t.Fatalf("order = %v, want [pred succ]", order)
	}
}

func TestDataDependencyDeliversArgument(t *testing.T) {
	producer := New(func(ctx *Context) (any, error) { return "hello", nil }, Anonymous)
	var got any
	consumer := New(func(ctx *Context) (any, error) {
		got = ctx.Arg(0)
		return nil, nil
	}, Anonymous)

	if err := producer.AddDataDependency(consumer, 0); err != nil {
		t.Fatalf("AddDataDependency: %v", err)
	}
	if err := consumer.Launch(nil, syncScheduler{}); err != nil {
		t.Fatal(err)
	}
	if err := producer.Launch(nil, syncScheduler{}); err != nil {
		t.Fatal(err)
	}
	if _, err := consumer.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got != "hello" {
		t.Fatalf("consumer saw %v, want hello", got)
	}
}

func TestCancelBeforeRunPropagatesToSuccessor(t *testing.T) {
	predRan := false
	succRan := false
	pred := New(func(ctx *Context) (any, error) { predRan = true; return nil, nil }, Anonymous)
	succ := New(func(ctx *Context) (any, error) { succRan = true; return nil, nil }, Anonymous)
	if err := pred.AddControlDependency(succ); err != nil {
		t.Fatal(err)
	}

	if err := succ.Launch(nil, syncScheduler{}); err != nil {
		t.Fatal(err)
	}
	pred.Cancel()
	if err := pred.Launch(nil, syncScheduler{}); err != nil {
		t.Fatal(err)
	}

	if _, err := succ.Wait(context.Background()); !errors.Is(err, ErrTaskCanceled) {
		t.Fatalf("succ.Wait() = %v, want ErrTaskCanceled", err)
	}
	if predRan || succRan {
		t.Fatal("canceled chain ran a body")
	}
}

func TestGroupWaitBlocksUntilEmpty(t *testing.T) {
	g := NewGroup()
	release := make(chan struct{})
	tk := New(func(ctx *Context) (any, error) {
		<-release
		return nil, nil
	}, Blocking)

	if err := tk.Launch(g, realAsyncScheduler{}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var waitDone bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.Wait(context.Background())
		waitDone = true
	}()

	time.Sleep(10 * time.Millisecond)
	if waitDone {
		t.Fatal("Wait returned before member finished")
	}
	close(release)
	wg.Wait()
	if !waitDone {
		t.Fatal("Wait never returned")
	}
	if g.Len() != 0 {
		t.Fatalf("group still has %d members", g.Len())
	}
}

func TestGroupCancelCancelsMembers(t *testing.T) {
	g := NewGroup()
	started := make(chan struct{})
	body := func(ctx *Context) (any, error) {
		close(started)
		for !ctx.AbortOnCancel() {
			time.Sleep(time.Millisecond)
		}
		return nil, nil
	}
	tk := New(body, Blocking)
	if err := tk.Launch(g, realAsyncScheduler{}); err != nil {
		t.Fatal(err)
	}
	<-started
	g.Cancel()
	if !tk.CancelRequested() {
		t.Fatal("member did not observe group cancellation")
	}
}

func TestFinishAfterDefersCompletion(t *testing.T) {
	inner := New(func(ctx *Context) (any, error) { return "deferred-value", nil }, Anonymous)

	outer := New(func(ctx *Context) (any, error) {
		ctx.FinishAfter(inner)
		return "ignored", nil
	}, Anonymous)

	if err := outer.Launch(nil, syncScheduler{}); err != nil {
		t.Fatal(err)
	}
	if outer.Completed() {
		t.Fatal("outer completed before its finish_after target ran")
	}
	if err := inner.Launch(nil, syncScheduler{}); err != nil {
		t.Fatal(err)
	}

	v, err := outer.Wait(context.Background())
	if err != nil {
		t.Fatalf("outer.Wait: %v", err)
	}
	if v != "deferred-value" {
		t.Fatalf("outer result = %v, want deferred-value", v)
	}
}

func TestValueTaskIsImmediatelyComplete(t *testing.T) {
	v := NewValue(7)
	if !v.Completed() || !v.Launched() {
		t.Fatal("value task should start completed and launched")
	}
	res, err := v.Wait(context.Background())
	if err != nil || res != 7 {
		t.Fatalf("Wait() = (%v, %v), want (7, nil)", res, err)
	}
}

func TestFinishWalksSuccessorsExactlyOnce(t *testing.T) {
	var count int
	var mu sync.Mutex
	pred := New(func(ctx *Context) (any, error) { return nil, nil }, Anonymous)
	succ := New(func(ctx *Context) (any, error) {
		mu.Lock()
		count++
		mu.Unlock()
		return nil, nil
	}, Anonymous)
	if err := pred.AddControlDependency(succ); err != nil {
		t.Fatal(err)
	}
	if err := succ.Launch(nil, syncScheduler{}); err != nil {
		t.Fatal(err)
	}
	if err := pred.Launch(nil, syncScheduler{}); err != nil {
		t.Fatal(err)
	}
	if _, err := succ.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	got := count
	mu.Unlock()
	if got != 1 {
		t.Fatalf("successor notified %d times, want 1", got)
	}
	// finish() moves t.successors out under lock before walking, so a
	// re-entrant call can never walk (and renotify) the same list twice.
	pred.mu.Lock()
	leftover := len(pred.successors)
	pred.mu.Unlock()
	if leftover != 0 {
		t.Fatalf("successors not cleared after finish: %d left", leftover)
	}
}

func TestSelectAlternativeFinalizesLosers(t *testing.T) {
	primary := New(func(ctx *Context) (any, error) { return "primary", nil }, Poly)
	alt1 := New(func(ctx *Context) (any, error) { return "alt1", nil }, Poly|GPU)
	alt2 := New(func(ctx *Context) (any, error) { return "alt2", nil }, Poly|DSP)
	primary.SetAlternatives(alt1, alt2)

	if !primary.Attributes().bypassesQueue() {
		t.Fatal("poly task should bypass the scheduler queue (spec §4.5)")
	}

	g := NewGroup()
	if err := g.Join(primary); err != nil {
		t.Fatal(err)
	}
	if err := g.Join(alt1); err != nil {
		t.Fatal(err)
	}
	if err := g.Join(alt2); err != nil {
		t.Fatal(err)
	}

	chosen := primary.SelectAlternative(func(alts []*Task) int { return 1 })
	if chosen != alt1 {
		t.Fatalf("chosen = %p, want alt1 %p", chosen, alt1)
	}
	primary.FinalizePoly(chosen)

	if g.Len() != 1 {
		t.Fatalf("group has %d members after finalize, want 1 (alt1 only)", g.Len())
	}
}

// realAsyncScheduler backs the two group tests above with real goroutine
// execution, since those tests rely on a body that actually blocks
// concurrently with the test goroutine rather than running to completion
// inline.
type realAsyncScheduler struct{}

func (realAsyncScheduler) Enqueue(t *Task)   { go t.Execute(realAsyncScheduler{}) }
func (realAsyncScheduler) RunDirect(t *Task) { go t.Execute(realAsyncScheduler{}) }

// TestConcurrentCancelAndExecuteFinishExactlyOnce races Cancel() against
// Execute() many times, each racing on a fresh task, to catch the
// double-finish (double close(done), double successor notification) that
// an unsynchronized "both paths think they own completion" bug would
// cause. Run with -race to catch the channel/slice corruption directly.
func TestConcurrentCancelAndExecuteFinishExactlyOnce(t *testing.T) {
	for i := 0; i < 500; i++ {
		tk := New(func(*Context) (any, error) {
			return i, nil
		}, Anonymous)

		succ := New(func(*Context) (any, error) {
			return nil, nil
		}, Anonymous)
		if err := tk.AddControlDependency(succ); err != nil {
			t.Fatalf("AddControlDependency: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			tk.Cancel()
		}()
		go func() {
			defer wg.Done()
			tk.Execute(syncScheduler{})
		}()
		wg.Wait()

		if err := succ.Launch(nil, syncScheduler{}); err != nil {
			t.Fatalf("Launch succ: %v", err)
		}

		select {
		case <-tk.done:
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: task never finished", i)
		}
	}
}
