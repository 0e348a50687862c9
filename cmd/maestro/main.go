package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"maestro/internal/llm"
	"maestro/internal/project"
)

var (
	// Global flags
	baseDir      string
	registryPath string
	judgeModel   string
	timeout      time.Duration

	mgr *project.Manager
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "maestro",
	Short: "maestro - budgeted multi-agent workflow orchestrator",
	Long: `maestro drives a five-phase software workflow (planning, validation,
implementation, verification, completion) by shelling out to coding-agent
CLIs, with per-task and per-project budget enforcement, a full audit trail,
checkpoints, and automatic prompt evaluation and optimization.

Each project lives in its own directory under the base dir with a config
file and a SQLite database. Set GEMINI_API_KEY to enable the evaluation
and optimization subsystems.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		opts := project.Options{RegistryPath: registryPath}
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			judge, err := llm.NewGenAIClient(cmd.Context(), key, judgeModel)
			if err != nil {
				return fmt.Errorf("failed to create judge client: %w", err)
			}
			opts.Judge = judge
		}
		mgr = project.NewManager(baseDir, opts)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if mgr != nil {
			_ = mgr.CloseEverything()
		}
	},
}

func init() {
	defaultBase := os.Getenv("MAESTRO_BASE_DIR")
	if defaultBase == "" {
		if home, err := os.UserHomeDir(); err == nil {
			defaultBase = filepath.Join(home, ".maestro", "projects")
		} else {
			defaultBase = "projects"
		}
	}

	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", defaultBase, "Directory holding project directories")
	rootCmd.PersistentFlags().StringVar(&registryPath, "registry", "", "Path to agents.yaml (default: <project>/agents.yaml)")
	rootCmd.PersistentFlags().StringVar(&judgeModel, "judge-model", "", "Model for evaluation and optimization (default: gemini-2.0-flash)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Hour, "Overall operation timeout")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(respondCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(goldensCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
