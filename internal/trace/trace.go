// Package trace collects scheduler status events and optionally streams
// them to CSV. Recording is best-effort: an agent never blocks on the
// recorder, events are dropped when the consumer falls behind.
package trace

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"cfsagent/internal/enclave"
)

// Kind is the type of scheduler event.
type Kind int

const (
	KindNew Kind = iota
	KindEnqueue
	KindCommit
	KindYield
	KindBlock
	KindPreempt
	KindDone
	KindIdle
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "New"
	case KindEnqueue:
		return "Enqueue"
	case KindCommit:
		return "Commit"
	case KindYield:
		return "Yield"
	case KindBlock:
		return "Block"
	case KindPreempt:
		return "Preempt"
	case KindDone:
		return "Done"
	case KindIdle:
		return "Idle"
	default:
		return "Unknown"
	}
}

// Event is emitted on key scheduler actions.
type Event struct {
	At       time.Time
	Kind     Kind
	Task     enclave.TaskID
	CPU      int
	Vruntime time.Duration
}

// Recorder consumes events on a buffered channel. Run drains until Close.
type Recorder struct {
	runID string
	ch    chan Event
	done  chan struct{}
	log   *logrus.Logger

	csvFile   *os.File
	csvWriter *csv.Writer
}

func NewRecorder(log *logrus.Logger) *Recorder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recorder{
		runID: uuid.NewString(),
		ch:    make(chan Event, 256),
		done:  make(chan struct{}),
		log:   log,
	}
}

// RunID identifies this recording session in CSV output.
func (r *Recorder) RunID() string { return r.runID }

// EnableCSV opens path for CSV output. Must be called before Run.
func (r *Recorder) EnableCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("trace: open csv: %w", err)
	}
	w := csv.NewWriter(f)
	w.Write([]string{"run_id", "timestamp", "event", "task_id", "cpu", "vruntime_ns"})
	w.Flush()
	r.csvFile = f
	r.csvWriter = w
	return nil
}

// Record enqueues an event without blocking; it is dropped if the consumer
// is behind.
func (r *Recorder) Record(ev Event) {
	select {
	case r.ch <- ev:
	default:
	}
}

// Run consumes events until Close is called, then flushes any CSV output.
func (r *Recorder) Run() {
	for {
		select {
		case ev := <-r.ch:
			r.handle(ev)
		case <-r.done:
			for {
				select {
				case ev := <-r.ch:
					r.handle(ev)
				default:
					r.flush()
					return
				}
			}
		}
	}
}

// Close stops Run after the queue drains.
func (r *Recorder) Close() { close(r.done) }

func (r *Recorder) handle(ev Event) {
	r.log.WithFields(logrus.Fields{
		"cpu":      ev.CPU,
		"task":     ev.Task,
		"vruntime": ev.Vruntime,
	}).Debug(ev.Kind.String())

	if r.csvWriter != nil {
		r.csvWriter.Write([]string{
			r.runID,
			ev.At.Format(time.RFC3339Nano),
			ev.Kind.String(),
			strconv.FormatUint(uint64(ev.Task), 10),
			strconv.Itoa(ev.CPU),
			strconv.FormatInt(ev.Vruntime.Nanoseconds(), 10),
		})
		r.csvWriter.Flush()
	}
}

func (r *Recorder) flush() {
	if r.csvWriter != nil {
		r.csvWriter.Flush()
		r.csvFile.Close()
	}
}
