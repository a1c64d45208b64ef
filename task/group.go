package task

import (
	"context"
	"sync"

	"github.com/gogpu/hetero/eventlog"
)

// Group is C5's Group: a bag of currently-running/launched tasks that can
// be waited on or canceled as a unit (spec §4: "Group ... cancelling a
// group is equivalent to cancelling every task currently a member of it").
type Group struct {
	mu       sync.Mutex
	cond     *sync.Cond
	members  map[*Task]struct{}
	canceled bool
}

// NewGroup returns an empty, live group.
func NewGroup() *Group {
	g := &Group{members: make(map[*Task]struct{})}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Join adds t as a member, failing if the group has already been
// canceled (a task cannot join a dead group).
func (g *Group) Join(t *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.canceled {
		return ErrGroupCanceled
	}
	g.members[t] = struct{}{}
	t.currentGroup.Store(g)
	eventlog.Record(eventlog.GroupJoined, uint64(t.requestor), "")
	return nil
}

func (g *Group) leave(t *Task) {
	g.mu.Lock()
	delete(g.members, t)
	if len(g.members) == 0 {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// Wait blocks until every task that was ever a member of g has finished, or
// ctx is canceled (spec §4.5: group wait == wait for membership to empty).
// sync.Cond has no native ctx support, so a watcher goroutine wakes the
// waiter with a spurious Broadcast when ctx.Done() fires; the loop then
// observes ctx.Err() and returns instead of re-blocking.
func (g *Group) Wait(ctx context.Context) error {
	if ctx.Done() != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				g.mu.Lock()
				g.cond.Broadcast()
				g.mu.Unlock()
			case <-stop:
			}
		}()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.members) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.cond.Wait()
	}
	return nil
}

// Cancel marks the group dead and cancels every task currently a member.
// Future Join calls fail with ErrGroupCanceled.
func (g *Group) Cancel() {
	g.mu.Lock()
	g.canceled = true
	members := make([]*Task, 0, len(g.members))
	for t := range g.members {
		members = append(members, t)
	}
	g.mu.Unlock()

	eventlog.Record(eventlog.GroupCanceled, uint64(len(members)), "")
	for _, t := range members {
		t.Cancel()
	}
}

// Canceled reports whether Cancel has been called on g.
func (g *Group) Canceled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.canceled
}

// Len reports the current member count, mostly useful for tests.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}
