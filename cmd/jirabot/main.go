package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "jirabot",
	Short: "Ticket hygiene and LLM triage bot for Jira",
	Long: `jirabot keeps a Jira project healthy: deterministic hygiene rules catch
stale tickets, missing fields, and invalid workflow states, while an LLM
backend drafts triage plans and reviews custom-field requests.

Runs are dry-run by default; pass --dry-run=false to actually write to Jira.

Configuration comes from the environment; a .env file in the working
directory is honored. JIRA_BASE_URL plus either JIRA_EMAIL+JIRA_API_TOKEN
or JIRA_BEARER_TOKEN are required for commands that touch the tracker.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
