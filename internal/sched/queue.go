package sched

// taskQueue is the run queue: a singly linked list ordered by uptime, head
// pointer only. It does no locking of its own; callers hold the critical
// section for the whole operation because the list is torn mid-relink.
type taskQueue struct {
	head *Task
}

// insert places t after every task with the same or an earlier uptime.
func (q *taskQueue) insert(t *Task) {
	p := &q.head
	for *p != nil && (*p).uptime <= t.uptime {
		p = &(*p).next
	}
	t.next = *p
	*p = t
}

// insertReplacing inserts t and drops every other task with the same action,
// both before and after the insertion point.
func (q *taskQueue) insertReplacing(t *Task) {
	p := &q.head
	for *p != nil && (*p).uptime <= t.uptime {
		if (*p).action.same(t.action) {
			dup := *p
			*p = dup.next
			release(dup)
			continue
		}
		p = &(*p).next
	}
	t.next = *p
	*p = t

	// everything after the new task
	p = &t.next
	for *p != nil {
		if (*p).action.same(t.action) {
			dup := *p
			*p = dup.next
			release(dup)
			continue
		}
		p = &(*p).next
	}
}

// pushFront makes t the head regardless of its uptime.
func (q *taskQueue) pushFront(t *Task) {
	t.next = q.head
	q.head = t
}

// remove drops all tasks running a and returns how many were removed.
func (q *taskQueue) remove(a Action) int {
	n := 0
	p := &q.head
	for *p != nil {
		if (*p).action.same(a) {
			t := *p
			*p = t.next
			release(t)
			n++
			continue
		}
		p = &(*p).next
	}
	return n
}

func (q *taskQueue) contains(a Action) bool {
	for t := q.head; t != nil; t = t.next {
		if t.action.same(a) {
			return true
		}
	}
	return false
}

// popDue unlinks and returns the head if it is due at now.
func (q *taskQueue) popDue(now uint32) *Task {
	t := q.head
	if t == nil || t.uptime > now {
		return nil
	}
	q.head = t.next
	t.next = nil
	return t
}

// peek returns the uptime of the head, if any.
func (q *taskQueue) peek() (uint32, bool) {
	if q.head == nil {
		return 0, false
	}
	return q.head.uptime, true
}

func (q *taskQueue) empty() bool { return q.head == nil }

// len walks the list; there is no cached length.
func (q *taskQueue) len() int {
	n := 0
	for t := q.head; t != nil; t = t.next {
		n++
	}
	return n
}
