package buffer

import (
	"testing"

	"github.com/gogpu/hetero/arena"
	"github.com/gogpu/hetero/device"
)

func TestAddArenaRejectsDuplicateType(t *testing.T) {
	s := New(16, false, false)
	a1 := arena.New(arena.MainMemory, arena.Internal, 16)
	if err := s.AddArena(a1, true); err != nil {
		t.Fatalf("AddArena: %v", err)
	}
	a2 := arena.New(arena.MainMemory, arena.Internal, 16)
	if err := s.AddArena(a2, false); err != ErrArenaExists {
		t.Fatalf("AddArena duplicate type = %v, want ErrArenaExists", err)
	}
}

func TestAddArenaRejectsSecondValid(t *testing.T) {
	s := New(16, false, false)
	host := arena.New(arena.MainMemory, arena.Internal, 16)
	if err := s.AddArena(host, true); err != nil {
		t.Fatalf("AddArena host: %v", err)
	}
	gpu := arena.New(arena.OpenCLBuffer, arena.Internal, 16)
	if err := s.AddArena(gpu, true); err != ErrAnotherArenaValid {
		t.Fatalf("AddArena second valid = %v, want ErrAnotherArenaValid", err)
	}
}

func TestDesignateAsUniqueValidCopiesAndInvalidatesPeers(t *testing.T) {
	arena.RegisterCopyPath(arena.MainMemory, arena.OpenCLBuffer, func(src, dst *arena.Arena) error {
		return nil
	})

	s := New(4, false, false)
	host := arena.New(arena.MainMemory, arena.Internal, 4)
	copy(host.Bytes(), []byte{9, 9, 9, 9})
	if err := s.AddArena(host, true); err != nil {
		t.Fatalf("AddArena host: %v", err)
	}
	gpu := arena.New(arena.OpenCLBuffer, arena.Internal, 4)
	if err := s.AddArena(gpu, false); err != nil {
		t.Fatalf("AddArena gpu: %v", err)
	}

	if err := s.DesignateAsUniqueValid(gpu); err != nil {
		t.Fatalf("DesignateAsUniqueValid: %v", err)
	}
	if !gpu.IsValid() {
		t.Fatal("gpu arena should be valid after designation")
	}
	if host.IsValid() {
		t.Fatal("host arena should be invalidated after gpu becomes the unique valid arena")
	}
	if !s.IsValidDataArena(arena.OpenCLBuffer) || s.IsValidDataArena(arena.MainMemory) {
		t.Fatal("valid-data bookkeeping did not follow the designation")
	}
}

func TestReaderCoalescing(t *testing.T) {
	s := New(16, false, false)
	r1, r2 := NewRequestorID(), NewRequestorID()

	c1 := s.AddAcquireRequestor(r1, device.NewSet(device.CPU), AccessRead, false)
	if !c1.OK {
		t.Fatalf("first reader should succeed: %+v", c1)
	}
	c2 := s.AddAcquireRequestor(r2, device.NewSet(device.CPU), AccessRead, false)
	if !c2.OK {
		t.Fatalf("second reader should succeed: %+v", c2)
	}
	if s.AcquireSetLen() != 2 {
		t.Fatalf("AcquireSetLen() = %d, want 2", s.AcquireSetLen())
	}
	info1, _ := s.AcquireInfoFor(r1)
	info2, _ := s.AcquireInfoFor(r2)
	if info1.Multiplicity != 1 || info2.Multiplicity != 1 {
		t.Fatalf("expected multiplicity 1 for each reader, got %d and %d", info1.Multiplicity, info2.Multiplicity)
	}
}

func TestWriterExclusivity(t *testing.T) {
	s := New(16, false, false)
	writer := NewRequestorID()
	reader := NewRequestorID()

	c := s.AddAcquireRequestor(writer, device.NewSet(device.CPU), AccessWrite, false)
	if !c.OK {
		t.Fatalf("writer should succeed on empty set: %+v", c)
	}

	c2 := s.AddAcquireRequestor(reader, device.NewSet(device.CPU), AccessRead, false)
	if c2.OK {
		t.Fatal("reader must conflict while a writer holds the buffer")
	}
	if !c2.HasConflictingRequestor || c2.ConflictingRequestor != writer {
		t.Fatalf("expected confirmed conflict with writer, got %+v", c2)
	}

	if _, err := s.RemoveAcquireRequestor(writer); err != nil {
		t.Fatalf("RemoveAcquireRequestor: %v", err)
	}
	c3 := s.AddAcquireRequestor(reader, device.NewSet(device.CPU), AccessRead, false)
	if !c3.OK {
		t.Fatalf("reader should succeed once writer releases: %+v", c3)
	}
}

func TestSelfConflictRules(t *testing.T) {
	s := New(16, false, false)
	r := NewRequestorID()

	if c := s.AddAcquireRequestor(r, device.NewSet(device.CPU), AccessRead, true); !c.OK {
		t.Fatalf("initial tentative acquire should succeed: %+v", c)
	}
	if c := s.AddAcquireRequestor(r, device.NewSet(device.CPU), AccessRead, true); c.OK {
		t.Fatal("a second tentative request from the same requestor must self-conflict")
	}
	if c := s.AddAcquireRequestor(r, device.NewSet(device.CPU), AccessRead, false); c.OK {
		t.Fatal("confirming a requestor that is still tentative via AddAcquireRequestor must self-conflict")
	}

	if err := s.ConfirmTentative(r); err != nil {
		t.Fatalf("ConfirmTentative: %v", err)
	}
	if c := s.AddAcquireRequestor(r, device.NewSet(device.CPU), AccessWrite, false); !c.OK {
		t.Fatalf("re-requesting write after a confirmed read should succeed via multiplicity: %+v", c)
	}
	if c := s.AddAcquireRequestor(r, device.NewSet(device.CPU), AccessRead, false); !c.OK {
		t.Fatalf("re-requesting the same read access should succeed via multiplicity: %+v", c)
	}
}

func TestRemoveAcquireRequestorMultiplicity(t *testing.T) {
	s := New(16, false, false)
	r := NewRequestorID()
	s.AddAcquireRequestor(r, device.NewSet(device.CPU), AccessRead, false)
	s.AddAcquireRequestor(r, device.NewSet(device.CPU), AccessRead, false)

	remaining, err := s.RemoveAcquireRequestor(r)
	if err != nil {
		t.Fatalf("RemoveAcquireRequestor: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("remaining = %d, want 1", remaining)
	}
	if s.AcquireSetLen() != 1 {
		t.Fatal("requestor should still be present with multiplicity 1")
	}

	remaining, err = s.RemoveAcquireRequestor(r)
	if err != nil {
		t.Fatalf("RemoveAcquireRequestor: %v", err)
	}
	if remaining != 0 || s.AcquireSetLen() != 0 {
		t.Fatal("requestor should be fully removed at multiplicity 0")
	}
}

func TestRemoveArenaRejectsWhenBound(t *testing.T) {
	s := New(16, false, false)
	base := arena.New(arena.MainMemory, arena.Internal, 16)
	base.MarkValid()
	if err := s.AddArena(base, true); err != nil {
		t.Fatalf("AddArena base: %v", err)
	}
	bound := arena.NewBound(arena.OpenCLBuffer, base)
	if err := s.AddArena(bound, false); err != nil {
		t.Fatalf("AddArena bound: %v", err)
	}

	if err := s.RemoveArena(base, true); err != ErrArenaStillBound {
		t.Fatalf("RemoveArena(base, del=true) = %v, want ErrArenaStillBound", err)
	}
	if err := s.RemoveArena(base, false); err != nil {
		t.Fatalf("RemoveArena(base, del=false) = %v", err)
	}
}
