package sched

import (
	"sync"
	"testing"
	"time"

	"cfsagent/internal/enclave"
)

func testAllocator(t *testing.T, alloc TaskAllocator) {
	t.Helper()

	task := alloc.Allocate(7)
	if task.ID != 7 || task.CPU != -1 || task.State() != StateBlocked {
		t.Fatalf("fresh task = %+v, want id 7, cpu -1, Blocked", task)
	}
	if alloc.Get(7) != task {
		t.Fatal("Get did not return the allocated record")
	}

	// Dirty the record, free it, and make sure a recycled record comes back
	// clean.
	task.CPU = 3
	task.Vruntime = time.Second
	task.SetState(StateRunnable)
	alloc.Free(task)
	if alloc.Get(7) != nil {
		t.Fatal("freed task still resolvable")
	}

	again := alloc.Allocate(9)
	if again.CPU != -1 || again.Vruntime != 0 || again.State() != StateBlocked {
		t.Fatalf("recycled task = %+v, want reset", again)
	}

	alloc.Allocate(10)
	var seen []enclave.TaskID
	alloc.ForEach(func(t *Task) bool {
		seen = append(seen, t.ID)
		return true
	})
	if len(seen) != 2 {
		t.Fatalf("ForEach visited %v, want 2 tasks", seen)
	}
}

func TestThreadSafeAllocator(t *testing.T) {
	testAllocator(t, NewThreadSafeTaskAllocator())
}

func TestSingleThreadedAllocator(t *testing.T) {
	testAllocator(t, NewSingleThreadedTaskAllocator())
}

func TestThreadSafeAllocatorConcurrent(t *testing.T) {
	alloc := NewThreadSafeTaskAllocator()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := enclave.TaskID(g*1000 + i)
				task := alloc.Allocate(id)
				if got := alloc.Get(id); got != task {
					t.Errorf("Get(%d) = %v, want allocated record", id, got)
					return
				}
				alloc.Free(task)
			}
		}(g)
	}
	wg.Wait()

	count := 0
	alloc.ForEach(func(*Task) bool { count++; return true })
	if count != 0 {
		t.Fatalf("%d records leaked", count)
	}
}
