package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jirabot/jirabot/internal/config"
	"github.com/jirabot/jirabot/internal/tracker"
	"github.com/jirabot/jirabot/internal/types"
)

var (
	sweepDryRun     bool
	sweepMode       string
	sweepJQL        string
	sweepMaxResults int
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a hygiene/triage sweep over matching tickets",
	Long: `Run one orchestration pass: load tickets with the configured JQL,
evaluate hygiene rules, optionally run LLM triage, and dispatch the
resulting actions.

Sweeps are dry-run by default and only print what they would do. Pass
--dry-run=false to write comments, labels, and transitions to Jira.

Examples:
  jirabot sweep                                  # dry-run, hygiene rules only
  jirabot sweep --mode=combined                  # rules + LLM triage, dry-run
  jirabot sweep --dry-run=false                  # actually apply actions
  jirabot sweep --jql='project = OPS AND updated < -30d'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log := newLogger(cfg.LogLevel)

		mode := types.Mode(sweepMode)
		if !mode.IsValid() {
			return fmt.Errorf("invalid --mode %q (want hygiene, llm, or combined)", sweepMode)
		}

		orch, _, err := buildOrchestrator(&cfg, log)
		if err != nil {
			return err
		}

		jql := sweepJQL
		if jql == "" {
			jql = cfg.Run.SweepJQL
		}

		run, err := orch.Run(context.Background(), mode, sweepDryRun,
			tracker.Query{JQL: jql, MaxResults: sweepMaxResults})
		if err != nil {
			return err
		}
		printRun(run)
		if run.OverallStatus == types.RunFailed {
			os.Exit(1)
		}
		return nil
	},
}

func printRun(run *types.OrchestrationRun) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\nRun %s (%s%s)\n", cyan(run.ID), run.Mode, dryRunSuffix(run.DryRun))

	violations := 0
	for _, r := range run.RuleResults {
		if r.Violated {
			violations++
		}
	}
	fmt.Printf("  Tickets:    %d\n", len(run.PerTicketStatus))
	fmt.Printf("  Violations: %d (of %d rule evaluations)\n", violations, len(run.RuleResults))
	if len(run.LLMResults) > 0 {
		parsed := 0
		for _, r := range run.LLMResults {
			if r.Parsed() {
				parsed++
			}
		}
		fmt.Printf("  LLM tasks:  %d (%d parsed)\n", len(run.LLMResults), parsed)
	}

	for _, a := range run.ActionsTaken {
		switch a.Outcome {
		case types.OutcomeApplied:
			fmt.Printf("  %s %s %s (%s)\n", green("✓"), a.Request.Kind, a.Request.TicketKey, gray(a.Request.Source))
		case types.OutcomeWouldApply:
			fmt.Printf("  %s would %s %s (%s)\n", yellow("→"), a.Request.Kind, a.Request.TicketKey, gray(a.Request.Source))
		case types.OutcomeNoop:
			fmt.Printf("  %s skip %s %s (already satisfied)\n", gray("-"), a.Request.Kind, a.Request.TicketKey)
		case types.OutcomeFailed:
			fmt.Printf("  %s %s %s: %s\n", red("✗"), a.Request.Kind, a.Request.TicketKey, a.Error)
		}
	}

	for key, cause := range run.TicketErrors {
		fmt.Printf("  %s %s: %s\n", red("✗"), key, cause)
	}

	switch run.OverallStatus {
	case types.RunCompleted:
		fmt.Printf("\n%s Run completed\n", green("✓"))
	case types.RunPartialFailure:
		fmt.Printf("\n%s Run completed with %d ticket error(s)\n", yellow("!"), len(run.TicketErrors))
	case types.RunFailed:
		fmt.Printf("\n%s Run failed\n", red("✗"))
	}
}

func dryRunSuffix(dryRun bool) string {
	if dryRun {
		return ", dry-run"
	}
	return ""
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", true, "Print actions without writing to Jira")
	sweepCmd.Flags().StringVar(&sweepMode, "mode", "hygiene", "Evaluation mode: hygiene, llm, or combined")
	sweepCmd.Flags().StringVar(&sweepJQL, "jql", "", "Override the configured sweep JQL")
	sweepCmd.Flags().IntVar(&sweepMaxResults, "max-results", 0, "Cap the number of tickets fetched (0 = default)")
}
