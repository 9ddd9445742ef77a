// Command sagactl provisions the queues and tables the saga services expect.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "sagactl",
		Short:   "Operate the fulfillment saga's AWS resources",
		Version: Version,
	}

	rootCmd.AddCommand(tablesCmd())
	rootCmd.AddCommand(topologyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
