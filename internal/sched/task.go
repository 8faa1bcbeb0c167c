package sched

import (
	"time"

	"github.com/sirupsen/logrus"

	"cfsagent/internal/enclave"
)

// TaskState is the lifecycle state of a task as driven by enclave messages.
type TaskState int32

const (
	StateBlocked TaskState = iota
	StateRunnable
	StateRunning
	StateDone
	numStates // sentinel, only for assertions
)

func (s TaskState) String() string {
	switch s {
	case StateBlocked:
		return "Blocked"
	case StateRunnable:
		return "Runnable"
	case StateRunning:
		return "Running"
	case StateDone:
		return "Done"
	default:
		return "Invalid"
	}
}

// validFrom[next] is the bitmask of states a task may transition from.
var validFrom = [numStates]uint8{
	StateBlocked:  1 << StateRunning,
	StateRunnable: 1<<StateBlocked | 1<<StateRunning,
	StateRunning:  1 << StateRunnable,
	StateDone:     1<<StateBlocked | 1<<StateRunnable | 1<<StateRunning,
}

// StrictChecks makes illegal state transitions and other programming errors
// panic instead of logging. Tests turn it on; release runs leave it off and
// continue at best effort.
var StrictChecks = false

const stateTraceLen = 8

// Task is one schedulable unit delegated to the agent. Vruntime orders the
// run queue; Seqnum is the barrier token of the last consumed message and is
// required to commit a run transaction for the task.
type Task struct {
	ID  enclave.TaskID
	CPU int // owning CPU, -1 until first migration

	Vruntime           time.Duration
	Seqnum             enclave.BarrierToken
	RuntimeAtFirstPick uint64 // enclave runtime ns snapshot at last pick

	state TaskState

	// bounded ring of recent states, reported on illegal transitions
	trace  [stateTraceLen]TaskState
	ntrace int
}

func (t *Task) State() TaskState { return t.state }

// SetState transitions the task, validating against the transition map.
func (t *Task) SetState(next TaskState) {
	if validFrom[next]&(1<<t.state) == 0 {
		logrus.WithFields(logrus.Fields{
			"task": t.ID,
			"from": t.state,
			"to":   next,
		}).Errorf("illegal state transition, trace %v", t.recentStates())
		if StrictChecks {
			panic("sched: illegal state transition")
		}
	}
	t.trace[t.ntrace%stateTraceLen] = t.state
	t.ntrace++
	t.state = next
}

// reset reinitializes a recycled task record.
func (t *Task) reset(id enclave.TaskID) {
	*t = Task{ID: id, CPU: -1, state: StateBlocked}
}

func (t *Task) recentStates() []TaskState {
	n := t.ntrace
	if n > stateTraceLen {
		n = stateTraceLen
	}
	out := make([]TaskState, 0, n)
	for i := t.ntrace - n; i < t.ntrace; i++ {
		out = append(out, t.trace[i%stateTraceLen])
	}
	return out
}
