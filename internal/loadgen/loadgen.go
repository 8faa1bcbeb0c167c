// Package loadgen is the experimental load driver expected by scheduler
// integrations: a dispatcher hands batches of synthetic requests to worker
// threads through per-worker work records and a wait primitive.
//
// The hand-off contract is strict and must not be reordered:
//
//   - the dispatcher only writes a worker's requests after observing its
//     published numRequests at 0, and never marks a worker runnable unless
//     it was observed idle;
//   - a worker marks itself idle BEFORE zeroing numRequests, so a zero
//     always means the worker is already parked (or about to park) in
//     WaitUntilRunnable and the next wakeup cannot be lost.
package loadgen

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Request is one synthetic unit of work.
type Request struct {
	ID       string
	Assigned time.Time
	Started  time.Time
	Finished time.Time
	Service  time.Duration
}

// WorkerWork is the shared record between the dispatcher and one worker.
// numRequests is release-stored by the dispatcher and acquire-loaded by the
// worker; requests is only written while numRequests is 0.
type WorkerWork struct {
	numRequests atomic.Int64
	requests    []Request
}

// Options tune a load generation run.
type Options struct {
	NumWorkers int
	Batch      int
	Service    time.Duration
	Requests   int // total synthetic requests to push through
}

// Summary reports a finished run.
type Summary struct {
	Served      int
	Elapsed     time.Duration
	MeanLatency time.Duration
	MaxLatency  time.Duration
	PerWorker   []int
}

// Orchestrator owns the dispatcher loop, the worker goroutines, and the
// ingress queue. Worker ids start at 1; id 0 is the dispatcher, kept so
// workers index their records by their own id.
type Orchestrator struct {
	opts    Options
	work    []*WorkerWork
	wait    *ThreadWait
	ingress chan Request
	results [][]Request // written by each worker for its own id only
	stop    atomic.Bool
	log     *logrus.Logger
}

func New(opts Options, log *logrus.Logger) *Orchestrator {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.Batch <= 0 {
		opts.Batch = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	o := &Orchestrator{
		opts:    opts,
		work:    make([]*WorkerWork, opts.NumWorkers+1),
		wait:    NewThreadWait(opts.NumWorkers + 1),
		ingress: make(chan Request, opts.Requests),
		results: make([][]Request, opts.NumWorkers+1),
		log:     log,
	}
	for sid := range o.work {
		o.work[sid] = &WorkerWork{}
	}
	return o
}

// Run pushes Options.Requests requests through the workers and blocks until
// every one is served and every worker has exited.
func (o *Orchestrator) Run() Summary {
	start := time.Now()

	for i := 0; i < o.opts.Requests; i++ {
		o.ingress <- Request{ID: uuid.NewString(), Service: o.opts.Service}
	}

	var wg sync.WaitGroup
	for sid := 1; sid <= o.opts.NumWorkers; sid++ {
		wg.Add(1)
		go func(sid int) {
			defer wg.Done()
			o.worker(sid)
		}(sid)
	}

	assigned := 0
	for assigned < o.opts.Requests {
		n := o.dispatch()
		assigned += n
		if n == 0 {
			// Every idle worker was already fed, or none is idle yet.
			time.Sleep(50 * time.Microsecond)
		}
	}
	o.terminate(&wg)

	return o.summarize(start)
}

// dispatch assigns one batch to every idle worker, returning how many
// requests were handed out.
func (o *Orchestrator) dispatch() int {
	assigned := 0
	for sid := 1; sid <= o.opts.NumWorkers; sid++ {
		work := o.work[sid]
		if work.numRequests.Load() != 0 {
			// Not observed idle; feeding it now could lose the worker.
			continue
		}

		batch := work.requests[:0]
		for len(batch) < o.opts.Batch {
			select {
			case req := <-o.ingress:
				req.Assigned = time.Now()
				batch = append(batch, req)
			default:
				goto filled
			}
		}
	filled:
		if len(batch) == 0 {
			return assigned
		}
		work.requests = batch
		work.numRequests.Store(int64(len(batch)))
		o.wait.MarkRunnable(sid)
		assigned += len(batch)
	}
	return assigned
}

func (o *Orchestrator) worker(sid int) {
	work := o.work[sid]
	o.wait.WaitUntilRunnable(sid)

	for {
		n := work.numRequests.Load()
		if n == 0 && o.stop.Load() {
			return
		}
		for i := range work.requests[:n] {
			req := &work.requests[i]
			req.Started = time.Now()
			o.serve(req)
			req.Finished = time.Now()
			o.results[sid] = append(o.results[sid], *req)
		}

		o.wait.MarkIdle(sid)
		// Zero after MarkIdle: the dispatcher takes a zero to mean the
		// worker is already idle, so the edge WaitUntilRunnable observes is
		// always a fresh assignment.
		work.numRequests.Store(0)
		o.wait.WaitUntilRunnable(sid)
	}
}

// serve burns the request's service time.
func (o *Orchestrator) serve(req *Request) {
	if req.Service > 0 {
		time.Sleep(req.Service)
	}
}

// terminate wakes parked workers until every one has exited.
func (o *Orchestrator) terminate(wg *sync.WaitGroup) {
	o.stop.Store(true)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			return
		default:
			for sid := 1; sid <= o.opts.NumWorkers; sid++ {
				o.wait.MarkRunnable(sid)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}
}

func (o *Orchestrator) summarize(start time.Time) Summary {
	sum := Summary{
		Elapsed:   time.Since(start),
		PerWorker: make([]int, o.opts.NumWorkers+1),
	}
	var total time.Duration
	for sid := 1; sid <= o.opts.NumWorkers; sid++ {
		sum.PerWorker[sid] = len(o.results[sid])
		for _, req := range o.results[sid] {
			sum.Served++
			lat := req.Finished.Sub(req.Assigned)
			total += lat
			if lat > sum.MaxLatency {
				sum.MaxLatency = lat
			}
		}
	}
	if sum.Served > 0 {
		sum.MeanLatency = total / time.Duration(sum.Served)
	}
	o.log.WithFields(logrus.Fields{
		"served":  sum.Served,
		"elapsed": sum.Elapsed,
		"mean":    sum.MeanLatency,
		"max":     sum.MaxLatency,
	}).Info("load generation finished")
	return sum
}
