package acquire

import (
	"testing"

	"github.com/gogpu/hetero/arena"
	"github.com/gogpu/hetero/buffer"
	"github.com/gogpu/hetero/device"
	"github.com/gogpu/hetero/policy"
)

func init() {
	trivialAlloc := func(t arena.Type, size uint64, external []byte) *arena.Arena {
		return arena.New(t, arena.Internal, size)
	}
	policy.RegisterAllocator(arena.DSPION, trivialAlloc)
	policy.RegisterAllocator(arena.OpenCLBuffer, trivialAlloc)
	policy.RegisterAllocator(arena.GLBuffer, trivialAlloc)
	policy.RegisterAllocator(arena.OpenCLTexture, trivialAlloc)
}

func TestAcquireSingleBufferReadThenRelease(t *testing.T) {
	p := policy.New()
	s := buffer.New(16, false, false)
	set := New(p)
	set.Add(s, policy.ActionRead, false)

	r := buffer.NewRequestorID()
	if err := set.Acquire(r, device.NewSet(device.CPU), false, nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if set.Status() != FullyAcquired {
		t.Fatalf("Status() = %v, want FullyAcquired", set.Status())
	}
	if a := set.FindAcquiredArena(s, device.CPU); a == nil {
		t.Fatal("expected an arena to be recorded for cpu")
	}

	set.Release(r)
	if set.Status() != Idle {
		t.Fatalf("Status() after Release = %v, want Idle", set.Status())
	}
	if s.AcquireSetLen() != 0 {
		t.Fatal("expected the underlying buffer's acquire set to be empty after Release")
	}
}

func TestAcquireDeduplicatesRepeatedBufferToSuperset(t *testing.T) {
	p := policy.New()
	s := buffer.New(16, false, false)
	set := New(p)
	set.Add(s, policy.ActionRead, false)
	set.Add(s, policy.ActionWrite, false)

	if len(set.byState) != 1 {
		t.Fatalf("expected a single coalesced entry, got %d", len(set.byState))
	}
	e := set.byState[s]
	if e.action != policy.ActionReadWrite {
		t.Fatalf("coalesced action = %v, want ActionReadWrite", e.action)
	}
}

func TestAcquireConflictingWriterFails(t *testing.T) {
	p := policy.New()
	s := buffer.New(16, false, false)

	owner := New(p)
	owner.Add(s, policy.ActionWrite, false)
	ownerReq := buffer.NewRequestorID()
	if err := owner.Acquire(ownerReq, device.NewSet(device.CPU), false, nil); err != nil {
		t.Fatalf("owner Acquire: %v", err)
	}

	challenger := New(p)
	challenger.Add(s, policy.ActionRead, false)
	challengerReq := buffer.NewRequestorID()
	err := challenger.Acquire(challengerReq, device.NewSet(device.CPU), false, nil)
	if err == nil {
		t.Fatal("expected the challenger's acquire to fail while the owner holds a write")
	}
	if challenger.Status() != Idle {
		t.Fatalf("challenger Status() = %v, want Idle after failed acquire", challenger.Status())
	}

	owner.Release(ownerReq)
	if err := challenger.Acquire(challengerReq, device.NewSet(device.CPU), false, nil); err != nil {
		t.Fatalf("challenger Acquire after release: %v", err)
	}
}

type fakeResolver struct {
	calledWith buffer.RequestorID
	ok         bool
	finished   bool
}

func (f *fakeResolver) AddDynamicControlDependency(conflicter buffer.RequestorID) (bool, bool) {
	f.calledWith = conflicter
	return f.ok, f.finished
}

func TestAcquireConflictInvokesResolverWhenRequested(t *testing.T) {
	p := policy.New()
	s := buffer.New(16, false, false)

	owner := New(p)
	owner.Add(s, policy.ActionWrite, false)
	ownerReq := buffer.NewRequestorID()
	if err := owner.Acquire(ownerReq, device.NewSet(device.CPU), false, nil); err != nil {
		t.Fatalf("owner Acquire: %v", err)
	}

	challenger := New(p)
	challenger.Add(s, policy.ActionRead, false)
	challengerReq := buffer.NewRequestorID()
	resolver := &fakeResolver{ok: true}
	err := challenger.Acquire(challengerReq, device.NewSet(device.CPU), true, resolver)
	if err == nil {
		t.Fatal("expected acquire to report failure so the scheduler parks the task")
	}
	if resolver.calledWith != ownerReq {
		t.Fatalf("resolver invoked with %v, want owner %v", resolver.calledWith, ownerReq)
	}
}

func TestAcquireOverrideDeviceSetFillsFakeCells(t *testing.T) {
	p := policy.New()
	s1 := buffer.New(16, false, false)
	s2 := buffer.New(16, false, false)
	set := New(p)
	set.Add(s1, policy.ActionRead, false)
	set.Add(s2, policy.ActionRead, false)
	set.SetOverrideDeviceSet(s1, device.NewSet(device.CPU))

	r := buffer.NewRequestorID()
	full := device.NewSet(device.CPU, device.DSP)
	if err := set.Acquire(r, full, false, nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if a := set.FindAcquiredArena(s1, device.DSP); a != nil {
		t.Fatal("expected dsp cell to be fake (nil) for s1 due to the override")
	}
	if a := set.FindAcquiredArena(s1, device.CPU); a == nil {
		t.Fatal("expected an arena for cpu, which is within the override subset")
	}
}

func TestAcquireRejectsOverrideThatIsNotSubset(t *testing.T) {
	p := policy.New()
	s := buffer.New(16, false, false)
	set := New(p)
	set.Add(s, policy.ActionRead, false)
	set.SetOverrideDeviceSet(s, device.NewSet(device.DSP))

	r := buffer.NewRequestorID()
	if err := set.Acquire(r, device.NewSet(device.CPU), false, nil); err != ErrOverrideNotSubset {
		t.Fatalf("Acquire = %v, want ErrOverrideNotSubset", err)
	}
}

func TestAcquirePreacquiredArenaSkipsPolicy(t *testing.T) {
	p := policy.New()
	s := buffer.New(16, false, false)
	set := New(p)
	set.Add(s, policy.ActionRead, false)

	preacquired := arena.New(arena.MainMemory, arena.Internal, 16)
	preacquired.MarkValid()
	set.SetPreacquiredArena(s, device.CPU, preacquired)

	r := buffer.NewRequestorID()
	if err := set.Acquire(r, device.NewSet(device.CPU), false, nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := set.FindAcquiredArena(s, device.CPU); got != preacquired {
		t.Fatalf("FindAcquiredArena = %v, want the preacquired arena", got)
	}
	if s.AcquireSetLen() != 0 {
		t.Fatal("a pre-acquired buffer must never be registered in the buffer's own acquire set")
	}
}
