package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cfsagent/internal/loadgen"
)

func newLoadgenCmd() *cobra.Command {
	var opts loadgen.Options

	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Exercise the dispatcher/worker hand-off contract standalone",
		RunE: func(cmd *cobra.Command, args []string) error {
			sum := loadgen.New(opts, newLogger()).Run()

			fmt.Printf("served %d requests in %s (mean %s, max %s)\n",
				sum.Served, sum.Elapsed.Round(time.Millisecond),
				sum.MeanLatency.Round(time.Microsecond),
				sum.MaxLatency.Round(time.Microsecond))
			for sid := 1; sid < len(sum.PerWorker); sid++ {
				fmt.Printf("  worker %02d: %d requests\n", sid, sum.PerWorker[sid])
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.NumWorkers, "workers", 4, "number of worker threads")
	cmd.Flags().IntVar(&opts.Batch, "batch", 8, "max requests per hand-off")
	cmd.Flags().DurationVar(&opts.Service, "service", 500*time.Microsecond, "service time per request")
	cmd.Flags().IntVar(&opts.Requests, "requests", 1000, "total requests to push")
	return cmd
}
