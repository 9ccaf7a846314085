// Command escalationctl is the supervisor's command-line client for the escalation
// service.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultServerURL = "http://localhost:8080"

type globalOptions struct {
	serverURL string
	jsonOut   bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "escalationctl",
		Short:         "Answer caller questions escalated by the voice agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.serverURL, "server", envOr("ESCALATION_SERVER", defaultServerURL), "escalation service base URL")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print raw JSON responses")
	root.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	root.AddCommand(
		newPendingCmd(opts),
		newRequestsCmd(opts),
		newShowCmd(opts),
		newResolveCmd(opts),
		newUnresolveCmd(opts),
		newSweepCmd(opts),
		newEscalateCmd(opts),
		newKnowledgeCmd(opts),
		newStatusCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
