package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"maestro/internal/types"
)

var (
	budgetTaskID      string
	budgetHard        bool
	budgetSummaryDays int

	checkpointName  string
	checkpointNotes string

	goldensAgent    string
	goldensTemplate string
	goldensLimit    int
)

// budgetCmd groups the spend-limit operations.
var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect and adjust spend limits",
}

var budgetSetCmd = &cobra.Command{
	Use:   "set [project] [usd]",
	Short: "Set the project budget, or a per-task budget with --task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		usd, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		if budgetTaskID != "" {
			if err := mgr.SetTaskBudget(name, budgetTaskID, usd); err != nil {
				return err
			}
			fmt.Printf("Task %s budget set to $%.2f\n", budgetTaskID, usd)
			return nil
		}
		if err := mgr.SetProjectBudget(name, usd); err != nil {
			return err
		}
		fmt.Printf("Project budget set to $%.2f\n", usd)
		return nil
	},
}

var budgetCheckCmd = &cobra.Command{
	Use:   "check [project] [task] [usd]",
	Short: "Check whether a hypothetical spend would be allowed",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		usd, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[2], err)
		}
		result, err := mgr.EnforceBudget(args[0], args[1], usd)
		if err != nil {
			return err
		}
		if result.Allowed {
			fmt.Printf("Allowed. Remaining: $%.4f\n", result.RemainingUSD)
			if result.ShouldEscalate {
				fmt.Println("Warning: project spend is near its limit.")
			}
			return nil
		}
		fmt.Printf("Rejected (%s limit): %s\n", result.Exceeded, result.Message)
		if result.ShouldAbort {
			fmt.Println("Nothing left to spend; the workflow would abort here.")
		}
		return nil
	},
}

var budgetResetCmd = &cobra.Command{
	Use:   "reset [project]",
	Short: "Zero recorded spend for a task (--task) or the whole project",
	Long: `Zeroes the effective spend. The default soft reset appends compensating
records so the cost history survives; --hard deletes the records.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := mgr.ResetBudget(args[0], budgetTaskID, budgetHard); err != nil {
			return err
		}
		scope := "project"
		if budgetTaskID != "" {
			scope = "task " + budgetTaskID
		}
		fmt.Printf("Budget reset for %s\n", scope)
		return nil
	},
}

var budgetSummaryCmd = &cobra.Command{
	Use:   "summary [project]",
	Short: "Aggregate spend by agent and task over a time window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		until := time.Now().UTC()
		since := until.AddDate(0, 0, -budgetSummaryDays)
		summary, err := mgr.BudgetSummary(args[0], since, until)
		if err != nil {
			return err
		}
		fmt.Printf("Spend over the last %d days: $%.4f (%d records)\n",
			budgetSummaryDays, summary.TotalUSD, summary.RecordCount)
		if len(summary.ByAgent) > 0 {
			fmt.Println("By agent:")
			for agent, usd := range summary.ByAgent {
				fmt.Printf("  %-12s $%.4f\n", agent, usd)
			}
		}
		if len(summary.ByTask) > 0 {
			fmt.Println("By task:")
			for task, usd := range summary.ByTask {
				fmt.Printf("  %-12s $%.4f\n", task, usd)
			}
		}
		return nil
	},
}

// pruneCmd trims history per the project's retention config.
var pruneCmd = &cobra.Command{
	Use:   "prune [project]",
	Short: "Remove audit entries and checkpoints beyond the retention window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pruned, err := mgr.PruneHistory(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d rows\n", pruned)
		return nil
	},
}

// goldensCmd lists captured golden examples.
var goldensCmd = &cobra.Command{
	Use:   "goldens [project]",
	Short: "List captured golden examples",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		goldens, err := mgr.ListGoldens(args[0], types.AgentKind(goldensAgent), goldensTemplate, goldensLimit)
		if err != nil {
			return err
		}
		if len(goldens) == 0 {
			fmt.Println("No golden examples captured yet.")
			return nil
		}
		for _, g := range goldens {
			fmt.Printf("%s  %s/%s  score=%.1f  %s\n",
				g.ExampleID, g.Agent, g.TemplateName, g.Score, g.CreatedAt.Format("2006-01-02"))
		}
		return nil
	},
}

// checkpointCmd groups the snapshot operations.
var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Create and list workflow checkpoints",
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create [project]",
	Short: "Snapshot the current workflow state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cp, err := mgr.CreateCheckpoint(args[0], checkpointName, checkpointNotes)
		if err != nil {
			return err
		}
		fmt.Printf("Created checkpoint %s (%s)\n", cp.ID, cp.Name)
		return nil
	},
}

var checkpointListCmd = &cobra.Command{
	Use:   "list [project]",
	Short: "List checkpoints, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		checkpoints, err := mgr.ListCheckpoints(args[0])
		if err != nil {
			return err
		}
		if len(checkpoints) == 0 {
			fmt.Println("No checkpoints.")
			return nil
		}
		for _, cp := range checkpoints {
			fmt.Printf("%s  %-24s phase=%-14s tasks=%d/%d  %s\n",
				cp.ID, cp.Name, cp.Phase, cp.TaskProgress.Completed, cp.TaskProgress.Total,
				cp.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	budgetSetCmd.Flags().StringVar(&budgetTaskID, "task", "", "Task id (sets a per-task budget)")
	budgetResetCmd.Flags().StringVar(&budgetTaskID, "task", "", "Task id (resets only that task)")
	budgetResetCmd.Flags().BoolVar(&budgetHard, "hard", false, "Delete spend records instead of compensating")
	budgetSummaryCmd.Flags().IntVar(&budgetSummaryDays, "days", 7, "Window length in days")
	budgetCmd.AddCommand(budgetSetCmd)
	budgetCmd.AddCommand(budgetCheckCmd)
	budgetCmd.AddCommand(budgetResetCmd)
	budgetCmd.AddCommand(budgetSummaryCmd)

	goldensCmd.Flags().StringVar(&goldensAgent, "agent", "", "Filter by agent kind")
	goldensCmd.Flags().StringVar(&goldensTemplate, "template", "", "Filter by template name")
	goldensCmd.Flags().IntVar(&goldensLimit, "limit", 20, "Maximum examples to show")

	checkpointCreateCmd.Flags().StringVar(&checkpointName, "name", "manual", "Checkpoint name")
	checkpointCreateCmd.Flags().StringVar(&checkpointNotes, "notes", "", "Free-form notes")
	checkpointCmd.AddCommand(checkpointCreateCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
}
