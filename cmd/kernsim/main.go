package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	rootCmd = &cobra.Command{
		Use:     "kernsim",
		Short:   "Virtual-processor scheduling core simulator",
		Long:    "kernsim boots the VP scheduler, pool, sync primitives, and a demo dispatch queue for manual exploration and smoke benchmarking.",
		Version: version,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(benchCmd)
}
