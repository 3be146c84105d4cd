// Command bookingctl runs booking maintenance tasks from the shell.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tripledger/booking/internal/config"
)

var Version = "dev"

func main() {
	config.LoadDotEnv()

	rootCmd := &cobra.Command{
		Use:          "bookingctl",
		Short:        "Operate the booking payment service",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(runDueCmd())
	rootCmd.AddCommand(resyncCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(outboxCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
