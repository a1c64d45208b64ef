package buffer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gogpu/hetero/arena"
)

// statIndex flattens a (src,dst) arena.Type pair into a single slot in
// Statistics.entries, the same dense-array-over-sparse-map trade every
// arena.Type value is small and enumerable, so there is no allocate/free
// lifecycle to manage (unlike a resource-ID tracker index) and the table
// can simply be sized to arena.NumTypes*arena.NumTypes up front.
func statIndex(src, dst arena.Type) int {
	return int(src)*arena.NumTypes + int(dst)
}

// runningStat accumulates mean/variance of copy durations using Welford's
// online algorithm, so no raw sample history needs to be retained.
type runningStat struct {
	count uint64
	mean  float64
	m2    float64
}

func (r *runningStat) add(sample time.Duration) {
	r.count++
	x := float64(sample)
	delta := x - r.mean
	r.mean += delta / float64(r.count)
	delta2 := x - r.mean
	r.m2 += delta * delta2
}

func (r *runningStat) variance() float64 {
	if r.count < 2 {
		return 0
	}
	return r.m2 / float64(r.count-1)
}

// Sample is a read-only snapshot of one (src,dst) copy-duration distribution.
type Sample struct {
	Src, Dst arena.Type
	Count    uint64
	Mean     time.Duration
	Variance float64 // variance of durations measured in nanoseconds^2
}

// Statistics tracks per-(src,dst) copy-duration statistics for a single
// BufferState, enabled only when the runtime configuration asks for it
// (spec §6 "buffer statistics enabled"). entries is a flattened
// [arena.NumTypes*arena.NumTypes] dense table rather than a map, since
// every (src,dst) pair is known and bounded at compile time.
type Statistics struct {
	mu             sync.Mutex
	entries        [arena.NumTypes * arena.NumTypes]*runningStat
	printOnDealloc bool
}

// NewStatistics constructs an empty Statistics table.
func NewStatistics(printOnDealloc bool) *Statistics {
	return &Statistics{printOnDealloc: printOnDealloc}
}

// Record adds one observed copy duration for the given arena-type pair.
func (s *Statistics) Record(src, dst arena.Type, d time.Duration) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := statIndex(src, dst)
	rs := s.entries[idx]
	if rs == nil {
		rs = &runningStat{}
		s.entries[idx] = rs
	}
	rs.add(d)
}

// Snapshot returns every tracked (src,dst) pair's statistics, sorted for
// deterministic output.
func (s *Statistics) Snapshot() []Sample {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, 0, len(s.entries))
	for idx, rs := range s.entries {
		if rs == nil {
			continue
		}
		out = append(out, Sample{
			Src:      arena.Type(idx / arena.NumTypes),
			Dst:      arena.Type(idx % arena.NumTypes),
			Count:    rs.count,
			Mean:     time.Duration(rs.mean),
			Variance: rs.variance(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Src != out[j].Src {
			return out[i].Src < out[j].Src
		}
		return out[i].Dst < out[j].Dst
	})
	return out
}

// PrintOnDealloc reports whether the owning BufferState should print this
// table when it is torn down (spec §6 "statistics print-on-dealloc").
func (s *Statistics) PrintOnDealloc() bool {
	return s != nil && s.printOnDealloc
}

// String renders the statistics table for diagnostic printing.
func (s *Statistics) String() string {
	if s == nil {
		return "<no statistics>"
	}
	out := ""
	for _, sample := range s.Snapshot() {
		out += fmt.Sprintf("%s->%s: n=%d mean=%s var=%.2f\n",
			sample.Src, sample.Dst, sample.Count, sample.Mean, sample.Variance)
	}
	return out
}
