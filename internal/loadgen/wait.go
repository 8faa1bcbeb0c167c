package loadgen

import "sync"

// ThreadWait is the per-worker wait primitive of the orchestrator contract.
// MarkIdle never sleeps; only WaitUntilRunnable does.
type ThreadWait struct {
	mu       sync.Mutex
	cond     *sync.Cond
	runnable []bool
}

// NewThreadWait sizes the primitive for worker ids 0..n-1.
func NewThreadWait(n int) *ThreadWait {
	w := &ThreadWait{runnable: make([]bool, n)}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *ThreadWait) MarkRunnable(sid int) {
	w.mu.Lock()
	w.runnable[sid] = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *ThreadWait) MarkIdle(sid int) {
	w.mu.Lock()
	w.runnable[sid] = false
	w.mu.Unlock()
}

func (w *ThreadWait) WaitUntilRunnable(sid int) {
	w.mu.Lock()
	for !w.runnable[sid] {
		w.cond.Wait()
	}
	w.mu.Unlock()
}
