// Command coupler runs the particle to mesh coupling step on a box or gocfd
// mesh, either on a goroutine world inside one process or on one process
// per rank connected over TCP.
//
// Single process, four ranks:
//
//	coupler run --ranks 4 --cells 16 --particles 5000 --steps 10
//
// Three processes, one per terminal:
//
//	coupler run --mpi-addr :5000 --mpi-alladdr :5000,:5001,:5002
//	coupler run --mpi-addr :5001 --mpi-alladdr :5000,:5001,:5002
//	coupler run --mpi-addr :5002 --mpi-alladdr :5000,:5001,:5002
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/notargets/DEMCoupling/coupling"
	"github.com/notargets/DEMCoupling/kernel"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:          "coupler",
		Short:        "Couple a particle cloud to a partitioned cell mesh",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("--log-level: %w", err)
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	root.AddCommand(newRunCmd(), newKernelsCmd())
	return root
}

func newKernelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kernels",
		Short: "List the registered distribution kernels and drag models",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "kernels:")
			for _, name := range kernel.Names() {
				fmt.Fprintf(out, "  %s\n", name)
			}
			fmt.Fprintln(out, "drag models:")
			for _, name := range coupling.DragNames() {
				fmt.Fprintf(out, "  %s\n", name)
			}
		},
	}
}
