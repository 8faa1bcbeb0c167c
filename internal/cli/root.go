// Package cli wires the cfsagent command line.
package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cfsagent/internal/sched"
)

var (
	cfgPath string
	verbose int
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cfsagent",
		Short:         "User-space CFS scheduling agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config.yml")
	root.PersistentFlags().IntVarP(&verbose, "verbose", "v", 0, "verbosity (0-3)")
	root.AddCommand(newRunCmd())
	root.AddCommand(newLoadgenCmd())
	return root
}

// newLogger maps the verbose flag onto logrus levels and turns strict
// checks on at the highest level.
func newLogger() *logrus.Logger {
	log := logrus.New()
	switch {
	case verbose <= 0:
		log.SetLevel(logrus.WarnLevel)
	case verbose == 1:
		log.SetLevel(logrus.InfoLevel)
	case verbose == 2:
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.TraceLevel)
		sched.StrictChecks = true
	}
	return log
}
