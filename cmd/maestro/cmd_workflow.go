package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"maestro/internal/events"
	"maestro/internal/project"
	"maestro/internal/workflow"
)

var (
	startPhase     int
	endPhase       int
	skipValidation bool
	afk            bool
	follow         bool

	resumeResponse string

	respondQuestion string
	respondContext  []string

	rollbackPhase      int
	rollbackCheckpoint string
)

// startCmd runs the workflow for a project.
var startCmd = &cobra.Command{
	Use:   "start [project]",
	Short: "Run the workflow",
	Long: `Runs the five-phase workflow for a project. By default all phases run
in interactive mode: escalations suspend the workflow until you answer
with 'maestro respond'. With --afk escalations are auto-resolved with
their default option and the run keeps going.

Phases: 1=planning 2=validation 3=implementation 4=verification 5=completion`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		stopFollowing, err := followEvents(name)
		if err != nil {
			return err
		}
		defer stopFollowing()

		err = mgr.Start(ctx, name, project.StartOptions{
			StartPhase:     startPhase,
			EndPhase:       endPhase,
			SkipValidation: skipValidation,
			Autonomous:     afk,
		})
		return reportRunOutcome(name, err)
	},
}

// resumeCmd re-enters a suspended or paused workflow.
var resumeCmd = &cobra.Command{
	Use:   "resume [project]",
	Short: "Resume a suspended or paused workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		stopFollowing, err := followEvents(name)
		if err != nil {
			return err
		}
		defer stopFollowing()

		err = mgr.Resume(ctx, name, project.ResumeOptions{
			Autonomous:     afk,
			SkipValidation: skipValidation,
			HumanResponse:  resumeResponse,
		})
		return reportRunOutcome(name, err)
	},
}

// pauseCmd asks a running workflow to stop between nodes.
var pauseCmd = &cobra.Command{
	Use:   "pause [project]",
	Short: "Pause a running workflow at the next safe point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := mgr.Pause(args[0]); err != nil {
			return err
		}
		fmt.Println("Pause requested. Resume with 'maestro resume'.")
		return nil
	},
}

// respondCmd answers a pending escalation and resumes.
var respondCmd = &cobra.Command{
	Use:   "respond [project] [answer]",
	Short: "Answer a pending escalation and resume the workflow",
	Long: `Answers the pending escalation question and resumes the workflow.
Recognized answers are continue, retry, rollback and abort; anything else
is treated as continue with your text recorded as context.

Extra context reaches the agents on retry:
  maestro respond myproj retry --context "hint=use the v2 API"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, answer := args[0], args[1]
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		extra := make(map[string]string, len(respondContext))
		for _, pair := range respondContext {
			key, value, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("context must be key=value, got %q", pair)
			}
			extra[key] = value
		}

		stopFollowing, err := followEvents(name)
		if err != nil {
			return err
		}
		defer stopFollowing()

		err = mgr.RespondToEscalation(ctx, name, respondQuestion, answer, extra)
		return reportRunOutcome(name, err)
	},
}

// resetCmd clears workflow state and returns tasks to pending.
var resetCmd = &cobra.Command{
	Use:   "reset [project]",
	Short: "Reset workflow state (audit and budget history stay)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := mgr.Reset(args[0]); err != nil {
			return err
		}
		fmt.Println("Workflow reset. All tasks are pending again.")
		return nil
	},
}

// rollbackCmd rewinds to a phase or restores a checkpoint.
var rollbackCmd = &cobra.Command{
	Use:   "rollback [project]",
	Short: "Rewind to an earlier phase or restore a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		switch {
		case rollbackCheckpoint != "" && rollbackPhase != 0:
			return fmt.Errorf("use either --phase or --checkpoint, not both")
		case rollbackCheckpoint != "":
			if err := mgr.RollbackToCheckpoint(name, rollbackCheckpoint); err != nil {
				return err
			}
			fmt.Printf("Restored checkpoint %s\n", rollbackCheckpoint)
		case rollbackPhase != 0:
			if err := mgr.RollbackToPhase(name, rollbackPhase); err != nil {
				return err
			}
			fmt.Printf("Workflow will re-enter phase %d on the next run\n", rollbackPhase)
		default:
			return fmt.Errorf("one of --phase or --checkpoint is required")
		}
		return nil
	},
}

// followEvents prints the progress stream while a run is in flight.
func followEvents(name string) (stop func(), err error) {
	if !follow {
		return func() {}, nil
	}
	broadcaster, err := mgr.Broadcaster(name)
	if err != nil {
		return nil, err
	}
	ch := broadcaster.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range ch {
			printEvent(event)
		}
	}()
	return func() {
		broadcaster.Unsubscribe(ch)
		<-done
	}, nil
}

func printEvent(event events.Event) {
	switch {
	case event.TaskID != "":
		fmt.Printf("[%s] %s task=%s %s\n", event.Timestamp.Format("15:04:05"), event.Type, event.TaskID, event.Message)
	case event.Node != "":
		fmt.Printf("[%s] %s %s %s\n", event.Timestamp.Format("15:04:05"), event.Type, event.Node, event.Message)
	default:
		fmt.Printf("[%s] %s %s\n", event.Timestamp.Format("15:04:05"), event.Type, event.Message)
	}
}

// reportRunOutcome turns the engine's sentinel errors into operator guidance.
func reportRunOutcome(name string, err error) error {
	switch {
	case err == nil:
		fmt.Println("Workflow finished.")
		return nil
	case errors.Is(err, workflow.ErrSuspended):
		status, serr := mgr.GetStatus(name)
		if serr == nil && status.PendingInterrupt != nil {
			intr := status.PendingInterrupt
			fmt.Printf("Workflow suspended: %s\n", intr.Question)
			fmt.Printf("Options: %s\n", strings.Join(intr.Options, ", "))
			fmt.Printf("Answer with: maestro respond %s <answer> --question %s\n", name, intr.QuestionID)
		}
		return err
	case errors.Is(err, workflow.ErrPaused):
		fmt.Println("Workflow paused. Resume with 'maestro resume'.")
		return nil
	default:
		return err
	}
}

func init() {
	for _, cmd := range []*cobra.Command{startCmd, resumeCmd} {
		cmd.Flags().BoolVar(&afk, "afk", false, "Auto-resolve escalations and keep running")
		cmd.Flags().BoolVar(&skipValidation, "skip-validation", false, "Skip the plan validation phase")
	}
	for _, cmd := range []*cobra.Command{startCmd, resumeCmd, respondCmd} {
		cmd.Flags().BoolVar(&follow, "follow", false, "Print progress events while running")
	}
	startCmd.Flags().IntVar(&startPhase, "start-phase", 0, "First phase to run (1-5, default full range)")
	startCmd.Flags().IntVar(&endPhase, "end-phase", 0, "Last phase to run (1-5, default full range)")

	resumeCmd.Flags().StringVar(&resumeResponse, "response", "", "Answer for the pending escalation")

	respondCmd.Flags().StringVar(&respondQuestion, "question", "", "Question id being answered (defaults to the pending one)")
	respondCmd.Flags().StringSliceVar(&respondContext, "context", nil, "Extra context as key=value (repeatable)")

	rollbackCmd.Flags().IntVar(&rollbackPhase, "phase", 0, "Phase to rewind to (1-5)")
	rollbackCmd.Flags().StringVar(&rollbackCheckpoint, "checkpoint", "", "Checkpoint id to restore")
}
