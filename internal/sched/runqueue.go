package sched

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/sirupsen/logrus"

	"cfsagent/internal/enclave"
)

// CpuState bundles everything one agent owns: the run queue, the task the
// last transaction placed on the CPU, the tick-driven preemption request,
// and the CPU's message channel. Mu guards the run queue and is the only
// lock the core takes besides the thread-safe allocator's internal one; it
// is never held across CPUs.
type CpuState struct {
	Mu          sync.Mutex
	RunQueue    *RunQueue
	Current     *Task
	PreemptCurr bool
	Channel     enclave.Channel
}

// rqKey orders the tree by (vruntime ascending, id ascending). The id
// tiebreak keeps equal-vruntime picks FIFO and deterministic.
type rqKey struct {
	vruntime time.Duration
	id       enclave.TaskID
}

func compareKeys(a, b any) int {
	ka, kb := a.(rqKey), b.(rqKey)
	switch {
	case ka.vruntime < kb.vruntime:
		return -1
	case ka.vruntime > kb.vruntime:
		return 1
	case ka.id < kb.id:
		return -1
	case ka.id > kb.id:
		return 1
	default:
		return 0
	}
}

// RunQueue is the per-CPU timeline of runnable tasks. minVruntime is a
// cached floor for incoming tasks and never decreases.
type RunQueue struct {
	tree           *redblacktree.Tree
	minVruntime    time.Duration
	minGranularity time.Duration
	latency        time.Duration
}

func NewRunQueue(minGranularity, latency time.Duration) *RunQueue {
	return &RunQueue{
		tree:           redblacktree.NewWith(compareKeys),
		minGranularity: minGranularity,
		latency:        latency,
	}
}

func (rq *RunQueue) Size() int   { return rq.tree.Size() }
func (rq *RunQueue) Empty() bool { return rq.tree.Empty() }

// MinVruntime exposes the cached floor, mainly for tests and debug dumps.
func (rq *RunQueue) MinVruntime() time.Duration { return rq.minVruntime }

// EnqueueTask inserts a task that was off-CPU. The task's vruntime is
// clamped up to minVruntime so a long sleep does not turn into a monopoly
// on the CPU while it catches up to everyone else.
func (rq *RunQueue) EnqueueTask(t *Task) {
	if t.CPU < 0 {
		logrus.WithField("task", t.ID).Error("enqueue of task without a cpu")
		if StrictChecks {
			panic("sched: enqueue of task without a cpu")
		}
	}
	if t.Vruntime < rq.minVruntime {
		t.Vruntime = rq.minVruntime
	}
	t.SetState(StateRunnable)
	rq.insert(t)
}

// PutPrevTask reinserts a task that was just running. Its accumulated
// vruntime is authoritative and must not be bumped.
func (rq *RunQueue) PutPrevTask(t *Task) {
	if t.CPU < 0 {
		logrus.WithField("task", t.ID).Error("put-prev of task without a cpu")
		if StrictChecks {
			panic("sched: put-prev of task without a cpu")
		}
	}
	rq.insert(t)
}

// PickNextTask returns prev unchanged when it is still Running and no
// preemption was requested. Otherwise it reconciles prev against its
// post-message state and returns the task with the smallest (vruntime, id),
// or nil if the queue is empty.
// runtime reports the enclave's cumulative on-CPU nanoseconds for a task and
// is snapshotted on the picked task for the preemption tick.
func (rq *RunQueue) PickNextTask(prev *Task, alloc TaskAllocator, cs *CpuState,
	runtime func(enclave.TaskID) uint64) *Task {
	// Keep-running fast path.
	if prev != nil && prev.State() == StateRunning && !cs.PreemptCurr {
		return prev
	}

	// Past here a fresh pick happens, so the preemption request is spent.
	cs.PreemptCurr = false

	// A Done prev is freed only on the way out: UpdateMinVruntime still
	// consults cs.Current, which may be prev, and the record must not be
	// recycled under it.
	var freePrev *Task

	if prev != nil {
		switch prev.State() {
		case StateBlocked:
			// Stays off the timeline until its next wakeup.
		case StateDone:
			rq.Erase(prev)
			freePrev = prev
		case StateRunnable:
			// A yield: the task went Running -> Runnable without leaving
			// the CPU, so it re-enters the timeline here.
			rq.PutPrevTask(prev)
		case StateRunning:
			// Preemption was requested; demote and requeue.
			rq.PutPrevTask(prev)
			prev.SetState(StateRunnable)
		}
	}

	if rq.tree.Empty() {
		rq.UpdateMinVruntime(cs)
		if freePrev != nil {
			alloc.Free(freePrev)
		}
		return nil
	}

	node := rq.tree.Left()
	next := node.Value.(*Task)
	rq.tree.Remove(node.Key)

	next.SetState(StateRunning)
	next.RuntimeAtFirstPick = runtime(next.ID)

	rq.UpdateMinVruntime(cs)
	if freePrev != nil {
		alloc.Free(freePrev)
	}
	return next
}

// Erase removes a task if present. Absence is tolerated: TaskDeparted can
// race with a wakeup the agent has not enqueued yet.
func (rq *RunQueue) Erase(t *Task) {
	key := rqKey{t.Vruntime, t.ID}
	if _, found := rq.tree.Get(key); !found {
		logrus.WithField("task", t.ID).Trace("erase of task not in run queue")
		return
	}
	rq.tree.Remove(key)
}

// UpdateMinVruntime refreshes the cached floor from the current task (when
// it is still in contention) and the leftmost queued task, keeping it
// monotonic.
func (rq *RunQueue) UpdateMinVruntime(cs *CpuState) {
	curr := cs.Current
	if curr != nil && curr.State() != StateRunnable && curr.State() != StateRunning {
		curr = nil
	}

	vruntime := rq.minVruntime
	if curr != nil {
		vruntime = curr.Vruntime
	}
	if !rq.tree.Empty() {
		leftmost := rq.tree.Left().Value.(*Task)
		if curr == nil || leftmost.Vruntime < vruntime {
			vruntime = leftmost.Vruntime
		}
	}

	if vruntime > rq.minVruntime {
		rq.minVruntime = vruntime
	}
}

// MinPreemptionGranularity is the on-CPU slice the current task is entitled
// to before a tick may preempt it. With n the number of tasks the CPU is
// handling (queue plus current), every task should run within latency, but
// never in slices smaller than minGranularity.
func (rq *RunQueue) MinPreemptionGranularity() time.Duration {
	tasks := time.Duration(rq.tree.Size() + 1)
	if tasks*rq.minGranularity > rq.latency {
		return rq.minGranularity
	}
	// ceil(latency/tasks), so tasks*slice always covers latency.
	return (rq.latency + tasks - 1) / tasks
}

func (rq *RunQueue) insert(t *Task) {
	rq.tree.Put(rqKey{t.Vruntime, t.ID}, t)
	if leftmost := rq.tree.Left().Value.(*Task); leftmost.Vruntime > rq.minVruntime {
		rq.minVruntime = leftmost.Vruntime
	}
}

// contains reports tree membership, for invariant checks.
func (rq *RunQueue) contains(t *Task) bool {
	_, found := rq.tree.Get(rqKey{t.Vruntime, t.ID})
	return found
}
