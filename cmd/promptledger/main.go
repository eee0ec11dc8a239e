package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "promptledger",
		Short: "Prompt Ledger - versioned prompts and batch evaluations",
		Long: `Prompt Ledger keeps a commit history of prompt documents and their
evaluations, and runs evaluations over datasets as resumable batches
processed by a pool of queue workers.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
