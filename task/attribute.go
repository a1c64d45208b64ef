package task

// Attribute is an immutable bitmask describing a task's kind, fixed at
// creation (spec §3's Task.attributes).
type Attribute uint32

const (
	Anonymous Attribute = 1 << iota
	Blocking
	Big
	Little
	LongRunning
	Stub
	Trigger
	Pfor
	NonCancelable
	Yield
	GPU
	CPU
	DSP
	Inlined
	Poly
)

// Has reports whether a includes every bit set in f.
func (a Attribute) Has(f Attribute) bool { return a&f == f }

// bypassesQueue reports whether a ready task of this kind should be run
// directly rather than placed into the scheduler's queue (spec §4.5
// predecessor_finished: "for certain task kinds (gpu/blocking/inlined/dsp
// /poly), bypass the scheduler's queue and run it directly").
func (a Attribute) bypassesQueue() bool {
	return a.Has(GPU) || a.Has(Blocking) || a.Has(Inlined) || a.Has(DSP) || a.Has(Poly)
}

func (a Attribute) String() string {
	names := []struct {
		bit  Attribute
		name string
	}{
		{Anonymous, "anonymous"}, {Blocking, "blocking"}, {Big, "big"},
		{Little, "little"}, {LongRunning, "long_running"}, {Stub, "stub"},
		{Trigger, "trigger"}, {Pfor, "pfor"}, {NonCancelable, "non_cancelable"},
		{Yield, "yield"}, {GPU, "gpu"}, {CPU, "cpu"}, {DSP, "dsp"}, {Inlined, "inlined"},
		{Poly, "poly"},
	}
	out := ""
	for _, n := range names {
		if a.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "none"
	}
	return out
}
