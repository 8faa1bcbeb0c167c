// Package enclave defines the surface the scheduler core consumes from the
// kernel scheduling-class delegation facility: per-CPU message channels,
// run-request transactions, and per-task/per-agent status queries. The byte
// layout of the kernel ABI is not modeled here; Sim provides an in-memory
// implementation used by tests and the demo driver.
package enclave

import "errors"

// TaskID is the opaque global task identifier supplied by the enclave.
type TaskID uint64

// BarrierToken is a monotonic token used by the enclave to detect stale
// views. Commits and channel associations referencing a stale token fail
// cleanly.
type BarrierToken uint64

// ErrStaleBarrier is returned by Channel.AssociateTask when the supplied
// barrier no longer matches the task's latest message. The caller retries;
// any other association failure is fatal.
var ErrStaleBarrier = errors.New("enclave: stale barrier")

// MessageKind enumerates the task lifecycle messages delivered on a CPU's
// channel. Dispatch switches on this tag.
type MessageKind uint8

const (
	MsgTaskNew MessageKind = iota
	MsgTaskRunnable
	MsgTaskDeparted
	MsgTaskDead
	MsgTaskYield
	MsgTaskBlocked
	MsgTaskPreempted
	MsgTaskSwitchto
	MsgCpuTick
)

func (k MessageKind) String() string {
	switch k {
	case MsgTaskNew:
		return "TaskNew"
	case MsgTaskRunnable:
		return "TaskRunnable"
	case MsgTaskDeparted:
		return "TaskDeparted"
	case MsgTaskDead:
		return "TaskDead"
	case MsgTaskYield:
		return "TaskYield"
	case MsgTaskBlocked:
		return "TaskBlocked"
	case MsgTaskPreempted:
		return "TaskPreempted"
	case MsgTaskSwitchto:
		return "TaskSwitchto"
	case MsgCpuTick:
		return "CpuTick"
	default:
		return "Unknown"
	}
}

// Message is a single tagged variant carrying every payload field the core
// needs. Seqnum is the per-task barrier token of the message; CPU is the
// originating CPU for tick and switchto-carrying messages.
type Message struct {
	Kind         MessageKind
	Task         TaskID
	Seqnum       BarrierToken
	Runnable     bool
	CPU          int
	FromSwitchto bool
}

// Channel is the ordered kernel-to-agent message queue for one CPU.
type Channel interface {
	// Peek returns the head message without consuming it.
	Peek() (Message, bool)
	// Consume removes msg, which must be the current head.
	Consume(msg Message)
	// AssociateTask moves future messages for id onto this channel. Returns
	// ErrStaleBarrier if barrier does not match the task's latest message.
	AssociateTask(id TaskID, barrier BarrierToken) error
}

// Commit flags, bit-exact with the kernel interface.
const (
	CommitAtTxnCommit uint32 = 1 << iota
	AllowTaskOncpu
	RtlaOnIdle
)

// TxnState reports the outcome of the last commit attempt, for logging.
type TxnState int

const (
	TxnIdle TxnState = iota
	TxnOpen
	TxnCommitted
	TxnStaleAgent
	TxnStaleTarget
	TxnNoTask
)

func (s TxnState) String() string {
	switch s {
	case TxnIdle:
		return "idle"
	case TxnOpen:
		return "open"
	case TxnCommitted:
		return "committed"
	case TxnStaleAgent:
		return "stale-agent"
	case TxnStaleTarget:
		return "stale-target"
	case TxnNoTask:
		return "no-task"
	default:
		return "unknown"
	}
}

// RunRequestOptions parameterize a run transaction.
type RunRequestOptions struct {
	Target        TaskID
	TargetBarrier BarrierToken
	AgentBarrier  BarrierToken
	CommitFlags   uint32
}

// RunRequest is the per-CPU transaction handle. Open then Commit to place a
// task on the CPU; LocalYield to give the CPU back to the kernel.
type RunRequest interface {
	Open(opts RunRequestOptions)
	// Commit returns false when the transaction failed, typically because a
	// barrier went stale. State reports why.
	Commit() bool
	State() TxnState
	// LocalYield is the agent's only intentional sleep. It returns on message
	// arrival, ping, or (with RtlaOnIdle) the CPU going idle. A stale
	// agentBarrier returns immediately.
	LocalYield(agentBarrier BarrierToken, flags uint32)
}

// Enclave bundles everything the scheduler needs from the kernel facility.
type Enclave interface {
	// MakeChannel returns the message channel for cpu, creating it on first
	// use. The channel is valid for the enclave's lifetime.
	MakeChannel(cpu int) Channel
	RunRequest(cpu int) RunRequest
	// AgentBarrier is the agent's current barrier token for cpu.
	AgentBarrier(cpu int) BarrierToken
	// BoostedPriority reports whether the kernel temporarily outranks the
	// agent on cpu.
	BoostedPriority(cpu int) bool
	// TaskRuntime is the monotone cumulative on-CPU nanoseconds for a task.
	TaskRuntime(id TaskID) uint64
	// Ping wakes the agent bound to cpu.
	Ping(cpu int)
	// SignalReady marks the agent for cpu as started; WaitReady blocks until
	// every agent has signaled.
	SignalReady(cpu int)
	WaitReady()
}
