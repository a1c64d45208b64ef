// Package device defines the executor device tags used throughout the
// runtime to say which compute backend a task or buffer view targets.
package device

import "strings"

// Executor is an enumerated tag identifying a compute backend.
type Executor uint8

// The recognised executor tags. Unspecified is never a valid member of an
// acquire request's device set; it exists only as a caller error sentinel.
const (
	Unspecified Executor = iota
	CPU
	GPUCL
	GPUGL
	GPUTexture
	DSP

	numExecutors // sentinel, keep last
)

// String returns the stable, log-friendly name for the executor tag.
func (e Executor) String() string {
	switch e {
	case CPU:
		return "cpu"
	case GPUCL:
		return "gpu_cl"
	case GPUGL:
		return "gpu_gl"
	case GPUTexture:
		return "gpu_texture"
	case DSP:
		return "dsp"
	default:
		return "unspecified"
	}
}

// MaxMultiDevice bounds the number of distinct executor devices a single
// task may run on concurrently (spec MULTI_DEVICE_COUNT). The runtime only
// ever uses 1 in practice, but the acquire machinery is written generally.
const MaxMultiDevice = 4

// Set is a small bitset of Executor tags.
type Set uint8

// NewSet builds a Set from the given executors.
func NewSet(executors ...Executor) Set {
	var s Set
	for _, e := range executors {
		s = s.With(e)
	}
	return s
}

// With returns a Set with e added.
func (s Set) With(e Executor) Set {
	if e == Unspecified || e >= numExecutors {
		return s
	}
	return s | (1 << uint(e))
}

// Without returns a Set with e removed.
func (s Set) Without(e Executor) Set {
	return s &^ (1 << uint(e))
}

// Has reports whether e is a member of s.
func (s Set) Has(e Executor) bool {
	if e == Unspecified || e >= numExecutors {
		return false
	}
	return s&(1<<uint(e)) != 0
}

// Count returns the number of members in s.
func (s Set) Count() int {
	n := 0
	for e := CPU; e < numExecutors; e++ {
		if s.Has(e) {
			n++
		}
	}
	return n
}

// IsEmpty reports whether s has no members.
func (s Set) IsEmpty() bool { return s == 0 }

// ForEach calls fn once for every member of s, in tag order. Iteration
// stops early if fn returns false.
func (s Set) ForEach(fn func(Executor) bool) {
	for e := CPU; e < numExecutors; e++ {
		if s.Has(e) {
			if !fn(e) {
				return
			}
		}
	}
}

// String renders the set as a comma-joined list of member names, e.g.
// "cpu,gpu_cl".
func (s Set) String() string {
	var parts []string
	s.ForEach(func(e Executor) bool {
		parts = append(parts, e.String())
		return true
	})
	return strings.Join(parts, ",")
}
