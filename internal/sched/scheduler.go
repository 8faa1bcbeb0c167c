package sched

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"cfsagent/internal/enclave"
	"cfsagent/internal/trace"
)

// Scheduler is the core of the user-space CFS agent. It owns one CpuState
// per delegated CPU, the task allocator, the global tunables, and the
// round-robin pointer used to place new and waking tasks.
//
// Tasks accumulate virtual runtime while on-CPU; each CPU's agent always
// runs the task with the least vruntime in its queue. There are no weights.
type Scheduler struct {
	enclave enclave.Enclave
	cpus    []int
	states  map[int]*CpuState
	alloc   TaskAllocator

	minGranularity time.Duration
	latency        time.Duration

	// Round-robin pointer for CPU selection. Only the default-channel agent
	// invokes selection, so no lock is needed.
	rrNext int

	finished atomic.Bool

	log *logrus.Logger
	rec *trace.Recorder
}

// New builds a scheduler over the given CPU set. The first CPU's channel is
// the default channel, which receives messages for not-yet-associated tasks.
func New(enc enclave.Enclave, cpus []int, alloc TaskAllocator,
	minGranularity, latency time.Duration, log *logrus.Logger) *Scheduler {
	if len(cpus) == 0 {
		panic("sched: empty cpu set")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Scheduler{
		enclave:        enc,
		cpus:           append([]int(nil), cpus...),
		states:         make(map[int]*CpuState, len(cpus)),
		alloc:          alloc,
		minGranularity: minGranularity,
		latency:        latency,
		log:            log,
	}
	for _, cpu := range s.cpus {
		s.states[cpu] = &CpuState{
			RunQueue: NewRunQueue(minGranularity, latency),
			Channel:  enc.MakeChannel(cpu),
		}
	}
	return s
}

// SetRecorder attaches a trace recorder. Must be called before agents start.
func (s *Scheduler) SetRecorder(rec *trace.Recorder) { s.rec = rec }

// CpuState exposes a CPU's state, mainly for tests and debug dumps.
func (s *Scheduler) CpuState(cpu int) *CpuState { return s.states[cpu] }

// CPUs returns the delegated CPU set.
func (s *Scheduler) CPUs() []int { return s.cpus }

// Allocator returns the task allocator.
func (s *Scheduler) Allocator() TaskAllocator { return s.alloc }

// Schedule runs one agent iteration for cpu: drain the channel, then commit
// a run choice. It must only be called from the agent bound to cpu.
func (s *Scheduler) Schedule(cpu int) {
	agentBarrier := s.enclave.AgentBarrier(cpu)
	cs := s.states[cpu]

	for {
		msg, ok := cs.Channel.Peek()
		if !ok {
			break
		}
		s.dispatch(msg)
		cs.Channel.Consume(msg)
	}

	s.CfsSchedule(cpu, agentBarrier, s.enclave.BoostedPriority(cpu))
}

// dispatch applies one message to the task state machine and the run queues.
func (s *Scheduler) dispatch(msg enclave.Message) {
	s.log.WithFields(logrus.Fields{
		"msg":    msg.Kind,
		"task":   msg.Task,
		"seqnum": msg.Seqnum,
	}).Trace("dispatch")

	if msg.Kind == enclave.MsgCpuTick {
		s.checkPreemptTick(msg.CPU)
		return
	}
	if msg.Kind == enclave.MsgTaskNew {
		s.taskNew(msg)
		return
	}

	task := s.alloc.Get(msg.Task)
	if task == nil {
		s.programmingError("message for unknown task", logrus.Fields{"msg": msg.Kind, "task": msg.Task})
		return
	}
	if msg.Seqnum <= task.Seqnum {
		s.programmingError("seqnum went backwards", logrus.Fields{"task": msg.Task, "seqnum": msg.Seqnum})
	}
	task.Seqnum = msg.Seqnum

	switch msg.Kind {
	case enclave.MsgTaskRunnable:
		s.taskRunnable(task, msg)
	case enclave.MsgTaskDeparted:
		s.taskDeparted(task, msg)
	case enclave.MsgTaskDead:
		s.taskDead(task, msg)
	case enclave.MsgTaskYield:
		s.taskYield(task, msg)
	case enclave.MsgTaskBlocked:
		s.taskBlocked(task, msg)
	case enclave.MsgTaskPreempted:
		s.taskPreempted(task, msg)
	case enclave.MsgTaskSwitchto:
		s.taskSwitchto(task, msg)
	default:
		s.programmingError("unhandled message kind", logrus.Fields{"msg": msg.Kind})
	}
}

func (s *Scheduler) taskNew(msg enclave.Message) {
	task := s.alloc.Allocate(msg.Task)
	task.Seqnum = msg.Seqnum
	// No run queue is assigned yet, so no lock is needed for the initial
	// state.
	s.emit(trace.KindNew, task, -1)

	if msg.Runnable {
		cpu := s.selectTaskRq()
		s.migrate(task, cpu, msg.Seqnum)
	}
	// Otherwise wait for the wakeup, avoiding a race between migration and
	// the wakeup showing up on the default channel.
}

func (s *Scheduler) taskRunnable(task *Task, msg enclave.Message) {
	if task.CPU < 0 {
		// No more messages can be pending for this task until the agent puts
		// it on-CPU, so it is safe to migrate.
		cpu := s.selectTaskRq()
		s.migrate(task, cpu, msg.Seqnum)
		return
	}
	cs := s.states[task.CPU]
	cs.Mu.Lock()
	if cs.Current == task {
		// The next pick reconciles via PutPrevTask.
		task.SetState(StateRunnable)
	} else {
		cs.RunQueue.EnqueueTask(task)
		s.emit(trace.KindEnqueue, task, task.CPU)
	}
	cs.Mu.Unlock()
}

// handleTaskDone covers both TaskDeparted and TaskDead. The run-queue lock
// pairs the state transition with the erase, otherwise a departure on the
// default channel could race a wakeup that has not enqueued the task yet.
func (s *Scheduler) handleTaskDone(task *Task) {
	if task.CPU < 0 {
		task.SetState(StateDone)
		s.emit(trace.KindDone, task, -1)
		s.alloc.Free(task)
		return
	}

	cs := s.states[task.CPU]
	cs.Mu.Lock()
	task.SetState(StateDone)
	s.emit(trace.KindDone, task, task.CPU)
	if cs.Current != task {
		cs.RunQueue.Erase(task)
		s.alloc.Free(task)
		cs.RunQueue.UpdateMinVruntime(cs)
	}
	// When the task is current, the next PickNextTask reconciles it.
	cs.Mu.Unlock()
}

func (s *Scheduler) taskDeparted(task *Task, msg enclave.Message) {
	s.handleTaskDone(task)
	if msg.FromSwitchto {
		s.ping(msg.CPU)
	}
}

func (s *Scheduler) taskDead(task *Task, msg enclave.Message) {
	s.handleTaskDone(task)
}

func (s *Scheduler) taskYield(task *Task, msg enclave.Message) {
	cs := s.states[msg.CPU]
	s.assertCurrent(cs, task, msg)

	cs.Mu.Lock()
	// Running -> Runnable triggers a PutPrevTask on the next pick.
	task.SetState(StateRunnable)
	cs.Mu.Unlock()
	s.emit(trace.KindYield, task, msg.CPU)

	if msg.FromSwitchto {
		s.ping(msg.CPU)
	}
}

func (s *Scheduler) taskBlocked(task *Task, msg enclave.Message) {
	cs := s.states[msg.CPU]
	s.assertCurrent(cs, task, msg)

	cs.Mu.Lock()
	task.SetState(StateBlocked)
	cs.Mu.Unlock()
	s.emit(trace.KindBlock, task, msg.CPU)

	if msg.FromSwitchto {
		s.ping(msg.CPU)
	}
}

func (s *Scheduler) taskPreempted(task *Task, msg enclave.Message) {
	cs := s.states[msg.CPU]
	s.assertCurrent(cs, task, msg)

	// No state change: the next pick re-evaluates the timeline.
	s.emit(trace.KindPreempt, task, msg.CPU)

	if msg.FromSwitchto {
		s.ping(msg.CPU)
	}
}

func (s *Scheduler) taskSwitchto(task *Task, msg enclave.Message) {
	// A switchto hand-off is a voluntary trip off-CPU.
	cs := s.states[task.CPU]
	cs.Mu.Lock()
	task.SetState(StateBlocked)
	cs.Mu.Unlock()
	s.emit(trace.KindBlock, task, task.CPU)
}

// checkPreemptTick requests a fresh pick when the current task has been
// on-CPU longer than its slice.
func (s *Scheduler) checkPreemptTick(cpu int) {
	cs := s.states[cpu]
	if cs == nil || cs.Current == nil {
		return
	}
	cs.Mu.Lock()
	residency := time.Duration(s.enclave.TaskRuntime(cs.Current.ID) - cs.Current.RuntimeAtFirstPick)
	if residency > cs.RunQueue.MinPreemptionGranularity() {
		cs.PreemptCurr = true
	}
	cs.Mu.Unlock()
}

// selectTaskRq picks the run queue for a new or waking task. Plain round
// robin; only ever invoked from the default-channel agent, which keeps the
// pointer race-free.
func (s *Scheduler) selectTaskRq() int {
	cpu := s.cpus[s.rrNext%len(s.cpus)]
	s.rrNext++
	return cpu
}

// migrate binds an unassigned task to cpu: associate its channel at the
// message barrier, enqueue under the target lock, and ping the target agent
// so it notices the new task.
func (s *Scheduler) migrate(task *Task, cpu int, barrier enclave.BarrierToken) {
	if task.CPU != -1 {
		s.programmingError("migrate of task with a cpu", logrus.Fields{"task": task.ID, "cpu": task.CPU})
		return
	}

	cs := s.states[cpu]
	for {
		err := cs.Channel.AssociateTask(task.ID, barrier)
		if err == nil {
			break
		}
		if errors.Is(err, enclave.ErrStaleBarrier) {
			barrier = task.Seqnum
			continue
		}
		s.log.WithError(err).Fatalf("associate task %d with cpu %d", task.ID, cpu)
	}

	s.log.WithFields(logrus.Fields{"task": task.ID, "cpu": cpu}).Debug("migrating task")
	task.CPU = cpu

	cs.Mu.Lock()
	cs.RunQueue.EnqueueTask(task)
	cs.Mu.Unlock()
	s.emit(trace.KindEnqueue, task, cpu)

	s.ping(cpu)
}

// CfsSchedule commits a run choice for cpu, or yields the CPU locally.
func (s *Scheduler) CfsSchedule(cpu int, agentBarrier enclave.BarrierToken, prioBoost bool) {
	req := s.enclave.RunRequest(cpu)
	cs := s.states[cpu]
	prev := cs.Current

	if prioBoost {
		// The kernel temporarily outranks us: whatever we wanted on the CPU
		// will not be running. Put current back according to its state and
		// sleep until the CPU actually idles; the next loop iteration
		// resyncs without consuming any messages.
		if prev != nil {
			cs.Mu.Lock()
			switch prev.State() {
			case StateBlocked:
			case StateDone:
				cs.RunQueue.Erase(prev)
				s.alloc.Free(prev)
			case StateRunnable:
				cs.RunQueue.PutPrevTask(prev)
			case StateRunning:
				cs.RunQueue.PutPrevTask(prev)
				prev.SetState(StateRunnable)
			}
			cs.PreemptCurr = false
			cs.Current = nil
			cs.RunQueue.UpdateMinVruntime(cs)
			cs.Mu.Unlock()
		}
		req.LocalYield(agentBarrier, enclave.RtlaOnIdle)
		return
	}

	cs.Mu.Lock()
	next := cs.RunQueue.PickNextTask(prev, s.alloc, cs, s.enclave.TaskRuntime)
	cs.Mu.Unlock()

	cs.Current = next

	if next == nil {
		s.emit(trace.KindIdle, nil, cpu)
		req.LocalYield(agentBarrier, 0)
		return
	}

	req.Open(enclave.RunRequestOptions{
		Target:        next.ID,
		TargetBarrier: next.Seqnum,
		AgentBarrier:  agentBarrier,
		CommitFlags:   enclave.CommitAtTxnCommit | enclave.AllowTaskOncpu,
	})

	before := s.enclave.TaskRuntime(next.ID)
	if req.Commit() {
		next.Vruntime += time.Duration(s.enclave.TaskRuntime(next.ID) - before)
		s.emit(trace.KindCommit, next, cpu)
		s.log.WithFields(logrus.Fields{"task": next.ID, "cpu": cpu}).Trace("task oncpu")
	} else {
		// A stale agent barrier: the pending messages will bring our view up
		// to date. Only the last value of cs.Current matters, so keeping the
		// picked task is correct.
		s.log.WithFields(logrus.Fields{"cpu": cpu, "state": req.State()}).Debug("commit failed")
	}
}

// Empty reports whether cpu has nothing to run.
func (s *Scheduler) Empty(cpu int) bool {
	cs := s.states[cpu]
	cs.Mu.Lock()
	defer cs.Mu.Unlock()
	return cs.Current == nil && cs.RunQueue.Empty()
}

// Finished reports whether termination has been requested.
func (s *Scheduler) Finished() bool { return s.finished.Load() }

// Terminate asks every agent to exit once its CPU drains, and wakes them.
func (s *Scheduler) Terminate() {
	s.finished.Store(true)
	for _, cpu := range s.cpus {
		s.ping(cpu)
	}
}

// ValidatePreExitState asserts every run queue is empty. A non-empty queue
// after drain is a programming error.
func (s *Scheduler) ValidatePreExitState() {
	for _, cpu := range s.cpus {
		cs := s.states[cpu]
		cs.Mu.Lock()
		empty := cs.RunQueue.Empty()
		cs.Mu.Unlock()
		if !empty {
			s.programmingError("run queue not empty at exit", logrus.Fields{"cpu": cpu})
		}
	}
}

func (s *Scheduler) ping(cpu int) {
	s.enclave.Ping(cpu)
}

func (s *Scheduler) assertCurrent(cs *CpuState, task *Task, msg enclave.Message) {
	if cs == nil || cs.Current != task {
		s.programmingError("current diverges from message cpu",
			logrus.Fields{"msg": msg.Kind, "task": task.ID, "cpu": msg.CPU})
	}
}

func (s *Scheduler) programmingError(what string, fields logrus.Fields) {
	s.log.WithFields(fields).Error(what)
	if StrictChecks {
		panic("sched: " + what)
	}
}

func (s *Scheduler) emit(kind trace.Kind, task *Task, cpu int) {
	if s.rec == nil {
		return
	}
	ev := trace.Event{At: time.Now(), Kind: kind, CPU: cpu}
	if task != nil {
		ev.Task = task.ID
		ev.Vruntime = task.Vruntime
	}
	s.rec.Record(ev)
}
