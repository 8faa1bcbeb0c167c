package sched

import (
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// Agent drives one CPU's scheduling loop. It owns an OS thread pinned to its
// CPU and is single-threaded cooperative with respect to that CPU's state:
// it is either draining messages or parked in LocalYield.
type Agent struct {
	cpu   int
	sched *Scheduler
	log   *logrus.Logger
}

func NewAgent(cpu int, sched *Scheduler) *Agent {
	return &Agent{cpu: cpu, sched: sched, log: sched.log}
}

// Run executes the agent loop until the scheduler is finished and this CPU
// has drained. Call it on its own goroutine.
func (a *Agent) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := setAffinity(a.cpu); err != nil {
		a.log.WithError(err).WithField("cpu", a.cpu).Warn("cpu affinity not applied")
	}

	a.sched.enclave.SignalReady(a.cpu)
	a.sched.enclave.WaitReady()

	a.log.WithField("cpu", a.cpu).Info("agent ready")

	for !a.sched.Finished() || !a.sched.Empty(a.cpu) {
		a.sched.Schedule(a.cpu)
	}

	a.log.WithField("cpu", a.cpu).Info("agent done")
}

// StartAgents launches one agent per scheduler CPU and returns a join
// function that blocks until all of them exit and then validates pre-exit
// state.
func StartAgents(s *Scheduler) (join func()) {
	var wg sync.WaitGroup
	for _, cpu := range s.CPUs() {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			NewAgent(cpu, s).Run()
		}(cpu)
	}
	return func() {
		wg.Wait()
		s.ValidatePreExitState()
	}
}
