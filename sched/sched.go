// Package sched implements a single-threaded cooperative task runtime.
//
// The scheduler runs one task at a time on the calling goroutine's schedule:
// a task executes until it explicitly suspends (Yield, Sleep, WaitUntil) and
// is resumed later by the scheduler loop. Time is a virtual tick counter that
// only advances when every live task is blocked, which keeps test runs fully
// deterministic.
package sched

// TaskFunc is the body of a cooperative task. The task may only suspend
// through the methods of the Task it receives.
type TaskFunc func(t *Task)

// Scheduler owns a set of cooperative tasks and the virtual clock they share.
type Scheduler struct {
	tasks []*Task
	now   uint64
}

// Task is the handle a running task uses to suspend itself. It must not be
// retained or used outside the task function it was passed to.
type Task struct {
	sch    *Scheduler
	resume chan struct{}
	parked chan struct{}
	done   bool

	// Blocking state; a task is runnable when ready is nil, ready() reports
	// true, or the virtual clock has reached a nonzero wake tick.
	ready func() bool
	wake  uint64
}

// New creates an empty scheduler with the clock at zero.
func New() *Scheduler {
	return &Scheduler{}
}

// Now returns the current virtual time in ticks.
func (s *Scheduler) Now() uint64 {
	return s.now
}

// Spawn adds a new task to the scheduler. The task does not run until the
// next Run call reaches it.
func (s *Scheduler) Spawn(fn TaskFunc) {
	t := &Task{
		sch:    s,
		resume: make(chan struct{}),
		parked: make(chan struct{}),
	}
	s.tasks = append(s.tasks, t)

	go func() {
		<-t.resume
		fn(t)
		t.done = true
		t.parked <- struct{}{}
	}()
}

// Run resumes tasks until all of them have finished or none can make
// progress. It returns the number of ticks the virtual clock advanced.
// Tasks blocked on a condition with no timeout are abandoned runnable
// state-wise when nothing else can wake them; Run returns rather than spin.
func (s *Scheduler) Run() uint64 {
	start := s.now

	for len(s.tasks) > 0 {
		progress := false

		for i := 0; i < len(s.tasks); i++ {
			t := s.tasks[i]
			if !t.runnable() {
				continue
			}
			t.ready = nil
			t.wake = 0

			t.resume <- struct{}{}
			<-t.parked
			progress = true

			if t.done {
				s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
				i--
			}
		}

		if progress {
			continue
		}

		// Nothing ran; advance the clock to the earliest wake tick, if any.
		next := uint64(0)
		for _, t := range s.tasks {
			if t.wake > 0 && (next == 0 || t.wake < next) {
				next = t.wake
			}
		}
		if next == 0 {
			// Every remaining task is blocked on a condition no task can
			// satisfy; running further would loop forever.
			break
		}
		s.now = next
	}

	return s.now - start
}

// Idle reports whether the scheduler has no live tasks.
func (s *Scheduler) Idle() bool {
	return len(s.tasks) == 0
}

func (t *Task) runnable() bool {
	if t.ready == nil {
		return true
	}
	if t.ready() {
		return true
	}
	return t.wake > 0 && t.sch.now >= t.wake
}

// park hands control back to the scheduler loop.
func (t *Task) park() {
	t.parked <- struct{}{}
	<-t.resume
}

// Yield suspends the task until the next scheduler pass.
func (t *Task) Yield() {
	t.park()
}

// Sleep suspends the task for at least the given number of virtual ticks.
func (t *Task) Sleep(ticks uint64) {
	t.wake = t.sch.now + ticks
	t.ready = func() bool { return false }
	t.park()
}

// WaitUntil suspends the task until cond reports true. cond is evaluated by
// the scheduler loop between task resumptions and must not suspend.
func (t *Task) WaitUntil(cond func() bool) {
	t.ready = cond
	t.park()
}

// WaitUntilFor suspends the task until cond reports true or the timeout in
// ticks elapses. It returns the final value of cond.
func (t *Task) WaitUntilFor(cond func() bool, timeout uint64) bool {
	t.wake = t.sch.now + timeout
	t.ready = cond
	t.park()
	return cond()
}
