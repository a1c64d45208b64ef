package task

import "sync/atomic"

// StorageKey identifies a slot in a task's task_local_storage map (spec
// §3). Keys are allocated from a process-wide registry so unrelated
// packages never collide.
type StorageKey uint64

var nextStorageKey atomic.Uint64

// NewStorageKey allocates a fresh, process-wide unique task-local-storage
// key.
func NewStorageKey() StorageKey {
	return StorageKey(nextStorageKey.Add(1))
}
