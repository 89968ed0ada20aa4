// Mauzo — approval-gated tool execution for revenue operations.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mauzo",
	Short: "Mauzo — approval-gated tool execution for revenue operations.",
	Long: `Mauzo is the execution core of a revenue-operations copilot. It routes
tool calls through a risk policy, parks side-effecting operations for human
approval, groups local writes into reviewable change sessions with rollback,
and runs stored workflow automations within composition guardrails.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, opsCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
