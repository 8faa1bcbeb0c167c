package sched

import (
	"sync"

	"cfsagent/internal/enclave"
)

// TaskAllocator owns task record storage. Allocate creates the record for a
// new task id, Get looks one up, Free releases it for reuse, and ForEach
// visits every live record until fn returns false.
type TaskAllocator interface {
	Allocate(id enclave.TaskID) *Task
	Get(id enclave.TaskID) *Task
	Free(t *Task)
	ForEach(fn func(t *Task) bool)
}

// threadSafeAllocator is safe for concurrent Allocate/Free across agents.
// Records are pooled.
type threadSafeAllocator struct {
	mu    sync.Mutex
	tasks map[enclave.TaskID]*Task
	pool  sync.Pool
}

// NewThreadSafeTaskAllocator returns the allocator used when multiple agents
// share one scheduler.
func NewThreadSafeTaskAllocator() TaskAllocator {
	return &threadSafeAllocator{
		tasks: make(map[enclave.TaskID]*Task),
		pool:  sync.Pool{New: func() any { return new(Task) }},
	}
}

func (a *threadSafeAllocator) Allocate(id enclave.TaskID) *Task {
	t := a.pool.Get().(*Task)
	t.reset(id)
	a.mu.Lock()
	a.tasks[id] = t
	a.mu.Unlock()
	return t
}

func (a *threadSafeAllocator) Get(id enclave.TaskID) *Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tasks[id]
}

func (a *threadSafeAllocator) Free(t *Task) {
	a.mu.Lock()
	delete(a.tasks, t.ID)
	a.mu.Unlock()
	a.pool.Put(t)
}

func (a *threadSafeAllocator) ForEach(fn func(t *Task) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.tasks {
		if !fn(t) {
			return
		}
	}
}

// singleThreadedAllocator is the unsynchronized variant for single-agent
// setups and benchmarks. Freed records go to a freelist.
type singleThreadedAllocator struct {
	tasks map[enclave.TaskID]*Task
	free  []*Task
}

// NewSingleThreadedTaskAllocator returns the unsynchronized pooled variant.
func NewSingleThreadedTaskAllocator() TaskAllocator {
	return &singleThreadedAllocator{tasks: make(map[enclave.TaskID]*Task)}
}

func (a *singleThreadedAllocator) Allocate(id enclave.TaskID) *Task {
	var t *Task
	if n := len(a.free); n > 0 {
		t = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		t = new(Task)
	}
	t.reset(id)
	a.tasks[id] = t
	return t
}

func (a *singleThreadedAllocator) Get(id enclave.TaskID) *Task {
	return a.tasks[id]
}

func (a *singleThreadedAllocator) Free(t *Task) {
	delete(a.tasks, t.ID)
	a.free = append(a.free, t)
}

func (a *singleThreadedAllocator) ForEach(fn func(t *Task) bool) {
	for _, t := range a.tasks {
		if !fn(t) {
			return
		}
	}
}
