package task

import "github.com/gogpu/hetero/buffer"

// resolverAdapter implements acquire.Resolver on behalf of self, without
// the acquire package ever importing task (that import would cycle back
// through buffer). It is handed to acquire.Set.Acquire as the
// conflict-resolution collaborator for self's own acquisition attempt.
type resolverAdapter struct {
	self *Task
}

// Resolver returns t's acquire.Resolver, usable for any acquire.Set whose
// requestor is t.
func (t *Task) Resolver() *resolverAdapter { return &resolverAdapter{self: t} }

// AddDynamicControlDependency looks conflicter up in the task registry and,
// if it is still live, wires self as one of its successors so self is
// re-driven once conflicter finishes (spec §4.4: "the acquiring task
// establishes a dynamic control dependency on the conflicting task").
// alreadyFinished is true when conflicter is no longer registered, meaning
// it has already finished and the acquire attempt should simply be
// retried rather than deferred.
func (a *resolverAdapter) AddDynamicControlDependency(conflicter buffer.RequestorID) (ok bool, alreadyFinished bool) {
	conflictTask, found := Lookup(conflicter)
	if !found {
		return false, true
	}
	if conflictTask.AddDynamicControlDependency(a.self) {
		return true, false
	}
	return false, true
}
