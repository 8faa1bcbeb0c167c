package sched

import (
	"io"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"cfsagent/internal/enclave"
)

func TestMain(m *testing.M) {
	StrictChecks = true
	logrus.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func zeroRuntime(enclave.TaskID) uint64 { return 0 }

// newRQ returns a CpuState with a fresh run queue and an allocator to make
// tasks with.
func newRQ(t *testing.T, minGranularity, latency time.Duration) (*CpuState, TaskAllocator) {
	t.Helper()
	cs := &CpuState{RunQueue: NewRunQueue(minGranularity, latency)}
	return cs, NewSingleThreadedTaskAllocator()
}

func newQueuedTask(t *testing.T, alloc TaskAllocator, cs *CpuState, id enclave.TaskID, vruntime time.Duration) *Task {
	t.Helper()
	task := alloc.Allocate(id)
	task.CPU = 0
	task.Vruntime = vruntime
	cs.RunQueue.EnqueueTask(task)
	return task
}

func TestEnqueueClampsToMinVruntime(t *testing.T) {
	cs, alloc := newRQ(t, time.Millisecond, 6*time.Millisecond)

	t1 := newQueuedTask(t, alloc, cs, 1, 10*time.Millisecond)
	if got := cs.RunQueue.MinVruntime(); got != 10*time.Millisecond {
		t.Fatalf("minVruntime = %v, want 10ms", got)
	}
	if picked := cs.RunQueue.PickNextTask(nil, alloc, cs, zeroRuntime); picked != t1 {
		t.Fatalf("picked %v, want t1", picked)
	}

	// A task waking with an old vruntime must not be placed in the past.
	t2 := newQueuedTask(t, alloc, cs, 2, 0)
	if t2.Vruntime != 10*time.Millisecond {
		t.Fatalf("t2 vruntime = %v, want clamped to 10ms", t2.Vruntime)
	}
}

func TestPickOrdersByVruntimeThenID(t *testing.T) {
	cs, alloc := newRQ(t, time.Millisecond, 6*time.Millisecond)

	// Task 7 goes in first: enqueued after the others it would be clamped up
	// to their 5ms floor and lose the vruntime ordering this test checks.
	newQueuedTask(t, alloc, cs, 7, 2*time.Millisecond)
	newQueuedTask(t, alloc, cs, 3, 5*time.Millisecond)
	newQueuedTask(t, alloc, cs, 1, 5*time.Millisecond)

	want := []enclave.TaskID{7, 1, 3}
	for _, id := range want {
		next := cs.RunQueue.PickNextTask(nil, alloc, cs, zeroRuntime)
		if next == nil || next.ID != id {
			t.Fatalf("picked %v, want task %d", next, id)
		}
		if next.State() != StateRunning {
			t.Fatalf("picked task state = %v, want Running", next.State())
		}
		// Park the picked task off the timeline for the rest of the test.
		next.SetState(StateBlocked)
	}
	if next := cs.RunQueue.PickNextTask(nil, alloc, cs, zeroRuntime); next != nil {
		t.Fatalf("pick on empty tree = %v, want nil", next)
	}
}

func TestKeepRunningFastPath(t *testing.T) {
	cs, alloc := newRQ(t, time.Millisecond, 6*time.Millisecond)

	t1 := newQueuedTask(t, alloc, cs, 1, 0)
	newQueuedTask(t, alloc, cs, 2, 0)

	prev := cs.RunQueue.PickNextTask(nil, alloc, cs, zeroRuntime)
	if prev != t1 {
		t.Fatalf("picked %v, want t1", prev)
	}
	cs.Current = prev

	// Without a preemption request the current task keeps the CPU even
	// though task 2 has equal vruntime.
	if next := cs.RunQueue.PickNextTask(prev, alloc, cs, zeroRuntime); next != prev {
		t.Fatalf("fast path returned %v, want prev", next)
	}
}

func TestPutPrevKeepsVruntime(t *testing.T) {
	cs, alloc := newRQ(t, time.Millisecond, 6*time.Millisecond)

	t1 := newQueuedTask(t, alloc, cs, 1, 0)
	prev := cs.RunQueue.PickNextTask(nil, alloc, cs, zeroRuntime)
	if prev != t1 {
		t.Fatalf("picked %v, want t1", prev)
	}
	cs.Current = prev
	prev.Vruntime = 3 * time.Millisecond // accrued while running
	cs.PreemptCurr = true

	next := cs.RunQueue.PickNextTask(prev, alloc, cs, zeroRuntime)
	if next != t1 {
		t.Fatalf("repick = %v, want t1", next)
	}
	if t1.Vruntime != 3*time.Millisecond {
		t.Fatalf("vruntime = %v, want 3ms preserved across put-prev", t1.Vruntime)
	}
	if cs.PreemptCurr {
		t.Fatal("preempt request not consumed by pick")
	}
}

func TestPickReconcilesPrev(t *testing.T) {
	t.Run("blocked stays out", func(t *testing.T) {
		cs, alloc := newRQ(t, time.Millisecond, 6*time.Millisecond)
		t1 := newQueuedTask(t, alloc, cs, 1, 0)
		prev := cs.RunQueue.PickNextTask(nil, alloc, cs, zeroRuntime)
		cs.Current = prev
		prev.SetState(StateBlocked)

		if next := cs.RunQueue.PickNextTask(prev, alloc, cs, zeroRuntime); next != nil {
			t.Fatalf("pick = %v, want nil", next)
		}
		if cs.RunQueue.contains(t1) {
			t.Fatal("blocked task re-entered the tree")
		}
	})

	t.Run("done is freed", func(t *testing.T) {
		cs, alloc := newRQ(t, time.Millisecond, 6*time.Millisecond)
		prev := newQueuedTask(t, alloc, cs, 1, 0)
		cs.RunQueue.PickNextTask(nil, alloc, cs, zeroRuntime)
		cs.Current = prev
		prev.SetState(StateDone)

		if next := cs.RunQueue.PickNextTask(prev, alloc, cs, zeroRuntime); next != nil {
			t.Fatalf("pick = %v, want nil", next)
		}
		if alloc.Get(1) != nil {
			t.Fatal("done task not freed by pick")
		}
	})

	t.Run("yielded runnable is requeued", func(t *testing.T) {
		cs, alloc := newRQ(t, time.Millisecond, 6*time.Millisecond)
		t1 := newQueuedTask(t, alloc, cs, 1, 0)
		prev := cs.RunQueue.PickNextTask(nil, alloc, cs, zeroRuntime)
		cs.Current = prev
		prev.SetState(StateRunnable) // yield

		// Tree was otherwise empty, so the yielder is picked right back.
		if next := cs.RunQueue.PickNextTask(prev, alloc, cs, zeroRuntime); next != t1 {
			t.Fatalf("pick = %v, want t1 again", next)
		}
	})
}

func TestEraseTolerantOfAbsence(t *testing.T) {
	cs, alloc := newRQ(t, time.Millisecond, 6*time.Millisecond)

	t1 := alloc.Allocate(1)
	t1.CPU = 0
	cs.RunQueue.Erase(t1) // never enqueued

	t2 := newQueuedTask(t, alloc, cs, 2, 0)
	cs.RunQueue.Erase(t2)
	cs.RunQueue.Erase(t2) // double erase
	if cs.RunQueue.Size() != 0 {
		t.Fatalf("size = %d, want 0", cs.RunQueue.Size())
	}
}

func TestPreemptionGranularity(t *testing.T) {
	cases := []struct {
		queued         int // tasks in tree; n = queued + 1
		minGranularity time.Duration
		latency        time.Duration
		want           time.Duration
	}{
		{0, time.Millisecond, 6 * time.Millisecond, 6 * time.Millisecond},
		{1, time.Millisecond, 6 * time.Millisecond, 3 * time.Millisecond},
		{2, time.Millisecond, 6 * time.Millisecond, 2 * time.Millisecond},
		{3, time.Millisecond, 6 * time.Millisecond, 1500 * time.Microsecond},
		{4, time.Millisecond, 6 * time.Millisecond, 1200 * time.Microsecond},
		// Oversubscribed: the floor wins.
		{9, time.Millisecond, 6 * time.Millisecond, time.Millisecond},
		{1, time.Millisecond, 4 * time.Millisecond, 2 * time.Millisecond},
		// Exactly at the boundary (n*gran == latency) the share equals the floor.
		{6, time.Millisecond, 7 * time.Millisecond, time.Millisecond},
	}

	for _, tc := range cases {
		cs, alloc := newRQ(t, tc.minGranularity, tc.latency)
		for i := 0; i < tc.queued; i++ {
			newQueuedTask(t, alloc, cs, enclave.TaskID(i+1), 0)
		}
		got := cs.RunQueue.MinPreemptionGranularity()
		if got != tc.want {
			t.Errorf("slice(n=%d, gran=%v, lat=%v) = %v, want %v",
				tc.queued+1, tc.minGranularity, tc.latency, got, tc.want)
		}
		if got < tc.minGranularity {
			t.Errorf("slice %v below min granularity %v", got, tc.minGranularity)
		}
		n := time.Duration(tc.queued + 1)
		if n*tc.minGranularity <= tc.latency && n*got < tc.latency {
			t.Errorf("n*slice = %v does not cover latency %v", n*got, tc.latency)
		}
	}
}

// TestMinVruntimeMonotonic churns the queue through random enqueue, accrue,
// preempt and pick cycles and asserts minVruntime and every task's vruntime
// never go backwards.
func TestMinVruntimeMonotonic(t *testing.T) {
	cs, alloc := newRQ(t, time.Millisecond, 6*time.Millisecond)
	r := rand.New(rand.NewSource(7))

	var (
		current *Task
		nextID  enclave.TaskID = 1
		lastMin time.Duration
		lastVR  = make(map[enclave.TaskID]time.Duration)
	)

	for i := 0; i < 2000; i++ {
		switch r.Intn(3) {
		case 0:
			task := alloc.Allocate(nextID)
			task.CPU = 0
			task.Vruntime = time.Duration(r.Intn(8)) * time.Millisecond
			cs.RunQueue.EnqueueTask(task)
			nextID++
		case 1:
			if current != nil {
				current.Vruntime += time.Duration(r.Intn(3)) * time.Millisecond
				cs.PreemptCurr = true
			}
		case 2:
			current = cs.RunQueue.PickNextTask(current, alloc, cs, zeroRuntime)
			cs.Current = current
		}

		if min := cs.RunQueue.MinVruntime(); min < lastMin {
			t.Fatalf("step %d: minVruntime went backwards: %v -> %v", i, lastMin, min)
		} else {
			lastMin = min
		}
		alloc.ForEach(func(task *Task) bool {
			if task.Vruntime < lastVR[task.ID] {
				t.Fatalf("step %d: task %d vruntime went backwards: %v -> %v",
					i, task.ID, lastVR[task.ID], task.Vruntime)
			}
			lastVR[task.ID] = task.Vruntime
			return true
		})
	}
}
