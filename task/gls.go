package task

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// currentTaskByGoroutine models the "thread's current task" TLS slot from
// spec §4.5 execute/wait. Go has no native thread-local storage and tasks
// may legitimately migrate across goroutines (inline waits, worker pools),
// so the slot is keyed by the calling goroutine's numeric id, parsed out
// of a runtime.Stack dump the same way the small goroutine-local-storage
// libraries in the wider Go ecosystem do it.
var currentTaskByGoroutine sync.Map // goroutine id (uint64) -> *Task

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// setCurrentTask installs t as the calling goroutine's current task,
// returning whatever was previously installed (nil if none).
func setCurrentTask(t *Task) *Task {
	gid := goroutineID()
	prev, _ := currentTaskByGoroutine.Load(gid)
	if t == nil {
		currentTaskByGoroutine.Delete(gid)
	} else {
		currentTaskByGoroutine.Store(gid, t)
	}
	if prev == nil {
		return nil
	}
	return prev.(*Task)
}

// CurrentTask returns the task currently executing on the calling
// goroutine, or nil if none.
func CurrentTask() *Task {
	gid := goroutineID()
	v, ok := currentTaskByGoroutine.Load(gid)
	if !ok {
		return nil
	}
	return v.(*Task)
}
