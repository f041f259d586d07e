package sched

import (
	"reflect"
	"sync"
)

// Runnable is an object the scheduler can run on the main loop.
type Runnable interface {
	Run()
}

type actionKind uint8

const (
	actionFunc actionKind = iota + 1
	actionRunnable
)

// Action is the work of a task: either a plain function or a Runnable.
// Identity for dedup and removal is the function itself (its code pointer)
// or the Runnable value, never the position in the queue.
type Action struct {
	kind actionKind
	fn   func()
	fnID uintptr
	r    Runnable
}

// Func wraps a plain function. Only a top-level function, or one func value
// reused as is, has a stable identity. A method value identifies the method,
// not its receiver, and two closures may or may not compare equal depending
// on inlining. Use Runner with a pointer receiver for work that ScheduleOnce
// or RemoveScheduled must recognise. Func(nil) is the zero Action.
func Func(fn func()) Action {
	if fn == nil {
		return Action{}
	}
	return Action{kind: actionFunc, fn: fn, fnID: reflect.ValueOf(fn).Pointer()}
}

// Runner wraps a Runnable. Use pointer receivers so that distinct objects
// have distinct identities. Runner(nil) is the zero Action.
func Runner(r Runnable) Action {
	if r == nil {
		return Action{}
	}
	return Action{kind: actionRunnable, r: r}
}

// IsZero reports whether the action was never set.
func (a Action) IsZero() bool { return a.kind == 0 }

func (a Action) run() {
	switch a.kind {
	case actionFunc:
		a.fn()
	case actionRunnable:
		a.r.Run()
	}
}

// same reports whether a and b refer to the same work.
func (a Action) same(b Action) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case actionFunc:
		return a.fnID == b.fnID
	case actionRunnable:
		ta, tb := reflect.TypeOf(a.r), reflect.TypeOf(b.r)
		if ta != tb || ta == nil || !ta.Comparable() {
			return false
		}
		return a.r == b.r
	}
	return false
}

// Task is one pending execution of an action.
type Task struct {
	action Action
	uptime uint32 // earliest uptime at which the task may run
	next   *Task
}

var taskPool = sync.Pool{New: func() any { return new(Task) }}

func newTask(a Action, uptime uint32) *Task {
	t := taskPool.Get().(*Task)
	t.action = a
	t.uptime = uptime
	t.next = nil
	return t
}

// release recycles a task once it was executed or removed.
func release(t *Task) {
	*t = Task{}
	taskPool.Put(t)
}
