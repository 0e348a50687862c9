package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusJSON bool

// initCmd creates a project directory with default config and database.
var initCmd = &cobra.Command{
	Use:   "init [project]",
	Short: "Initialize a new project",
	Long: `Creates <base-dir>/<project> with a default configuration file and an
empty workflow database. Edit the config to set budgets and tune the
auto-improvement knobs, and drop an agents.yaml next to it to map agent
kinds to CLI binaries.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := mgr.InitProject(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Initialized project %s\n", cfg.ProjectName)
		if cfg.Budget.Enabled {
			fmt.Printf("Budget enforcement is on (invocation cap $%.2f)\n", cfg.Budget.InvocationBudgetUSD)
		}
		return nil
	},
}

// listCmd lists initialized projects.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List initialized projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := mgr.ListProjects()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No projects. Run 'maestro init <name>' to create one.")
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

// statusCmd reports workflow, task and budget state for a project.
var statusCmd = &cobra.Command{
	Use:   "status [project]",
	Short: "Show project workflow status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := mgr.GetStatus(args[0])
		if err != nil {
			return err
		}
		if statusJSON {
			return json.NewEncoder(os.Stdout).Encode(status)
		}

		fmt.Printf("Project:       %s\n", status.Project)
		fmt.Printf("Current phase: %s\n", status.CurrentPhase)
		for _, phase := range []string{"planning", "validation", "implementation", "verification", "completion"} {
			if ps, ok := status.PhaseStatus[phase]; ok {
				fmt.Printf("  %-15s %s\n", phase, ps)
			}
		}
		fmt.Printf("Tasks:         %d/%d completed, %d failed, %d pending\n",
			status.Tasks.Completed, status.Tasks.Total, status.Tasks.Failed, status.Tasks.Pending)
		fmt.Printf("Total cost:    $%.4f\n", status.TotalCostUSD)
		if len(status.AuditCounts) > 0 {
			fmt.Printf("Invocations:  ")
			for st, n := range status.AuditCounts {
				fmt.Printf(" %s=%d", st, n)
			}
			fmt.Println()
		}
		if intr := status.PendingInterrupt; intr != nil {
			fmt.Printf("\nPENDING ESCALATION [%s] %s\n", intr.QuestionID, intr.Question)
			fmt.Printf("Options: %v\n", intr.Options)
			fmt.Printf("Answer with: maestro respond %s <answer> --question %s\n", status.Project, intr.QuestionID)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Emit status as JSON")
}
