// Package main implements apctl, the operator CLI for autopilotd.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL of the autopilotd HTTP API
	serverURL string
	// actor is recorded on every state change and decision
	actor string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "apctl",
	Short: "Operate the autopilot control loop",
	Long: `apctl talks to the autopilotd HTTP API. It starts, pauses, resumes and
stops the loop, decides pending approvals, promotes deployments and shows
status and cycle reports.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:9191", "autopilotd server URL")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "operator name recorded with actions")

	rootCmd.AddCommand(statusCmd)
	for _, c := range controlCmds() {
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(approvalsCmd, approveCmd, rejectCmd)
	rootCmd.AddCommand(reportsCmd, transitionsCmd, cycleCmd, promoteCmd)
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "apctl"
}
