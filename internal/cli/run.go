package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"cfsagent/internal/enclave"
	"cfsagent/internal/sched"
	"cfsagent/internal/trace"
)

func newRunCmd() *cobra.Command {
	var (
		cpulist string
		tasks   int
		work    time.Duration
		csvPath string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler against the simulated enclave",
		Long: "Spawns one agent per CPU over an in-memory enclave, feeds it a\n" +
			"batch of tasks with a fixed amount of virtual work each, and runs\n" +
			"until every task has departed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := sched.LoadConfig(cfgPath)
			if cmd.Flags().Changed("cpus") {
				cfg.CPUList = cpulist
			}
			if cmd.Flags().Changed("tasks") {
				cfg.Workers = tasks
			}
			if cmd.Flags().Changed("csv") {
				cfg.CSVPath = csvPath
			}
			cfg.Verbose = verbose
			return runSimulation(cfg, work)
		},
	}

	cmd.Flags().StringVar(&cpulist, "cpus", "0-3", "cpu ids to schedule, e.g. 0-2,5")
	cmd.Flags().IntVar(&tasks, "tasks", 4, "number of simulated tasks")
	cmd.Flags().DurationVar(&work, "work", 30*time.Millisecond, "virtual work per task")
	cmd.Flags().StringVar(&csvPath, "csv", "", "write a trace CSV to this path")
	return cmd
}

func runSimulation(cfg sched.Config, work time.Duration) error {
	log := newLogger()

	cpus, err := sched.ParseCPUList(cfg.CPUList)
	if err != nil {
		return err
	}

	sim := enclave.NewSim(cpus)
	sim.SetBlockingYield(true)

	s := sched.New(sim, cpus, sched.NewThreadSafeTaskAllocator(),
		cfg.MinGranularity(), cfg.Latency(), log)

	rec := trace.NewRecorder(log)
	if cfg.CSVPath != "" {
		if err := rec.EnableCSV(cfg.CSVPath); err != nil {
			return err
		}
	}
	s.SetRecorder(rec)
	go rec.Run()
	defer rec.Close()

	// Workload: every task owns `work` of virtual on-CPU time, consumed in
	// minGranularity bursts each time its transaction commits.
	var mu sync.Mutex
	remaining := make(map[enclave.TaskID]time.Duration, cfg.Workers)
	for i := 1; i <= cfg.Workers; i++ {
		remaining[enclave.TaskID(i)] = work
	}
	sim.SetRunHook(func(id enclave.TaskID) time.Duration {
		mu.Lock()
		defer mu.Unlock()
		rem := remaining[id]
		if rem <= 0 {
			return 0
		}
		burst := cfg.MinGranularity()
		if burst > rem {
			burst = rem
		}
		remaining[id] -= burst
		return burst
	})

	join := sched.StartAgents(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sim.TickLoop(ctx, cfg.Tick())

	start := time.Now()
	for i := 1; i <= cfg.Workers; i++ {
		sim.PostTaskNew(enclave.TaskID(i), true)
	}

	// Depart each task once its work is spent, then drain the agents.
	departed := make(map[enclave.TaskID]bool, cfg.Workers)
	for len(departed) < cfg.Workers {
		time.Sleep(cfg.Tick())
		var done []enclave.TaskID
		mu.Lock()
		for id, rem := range remaining {
			if rem <= 0 && !departed[id] {
				departed[id] = true
				done = append(done, id)
			}
		}
		mu.Unlock()
		for _, id := range done {
			sim.PostTaskDead(id)
		}
	}

	s.Terminate()
	join()
	elapsed := time.Since(start)

	fmt.Printf("run %s: %d tasks on %d cpus in %s (%d commits, %d ticks)\n",
		rec.RunID(), cfg.Workers, len(cpus), elapsed.Round(time.Millisecond),
		sim.Commits(), sim.Ticks())
	for i := 1; i <= cfg.Workers; i++ {
		id := enclave.TaskID(i)
		fmt.Printf("  task %04d: oncpu=%s\n", id,
			time.Duration(sim.TaskRuntime(id)).Round(time.Microsecond))
	}
	return nil
}
