// cmd/trigger.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openfleetlabs/fleetmind/api/schemas"
	"github.com/openfleetlabs/fleetmind/internal/observability"
	"github.com/openfleetlabs/fleetmind/internal/orchestrator"
)

func newTriggerCmd() *cobra.Command {
	var (
		workflow    string
		emergency   bool
		denyConsent bool
		timeout     time.Duration
	)

	triggerCmd := &cobra.Command{
		Use:   "trigger [vehicle-id]",
		Short: "Submits a maintenance task and runs it to completion",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			rt, err := buildRuntime(ctx, appCfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize runtime: %w", err)
			}
			defer rt.Shutdown()

			payload := map[string]any{}
			if len(args) == 1 {
				payload["vehicle_id"] = args[0]
			}

			taskID, err := rt.Orchestrator.Submit(schemas.TaskRequest{
				Workflow:  workflow,
				Payload:   payload,
				Emergency: emergency,
			})
			if err != nil {
				return fmt.Errorf("failed to submit task: %w", err)
			}
			logger.Info("Task submitted",
				zap.String("task_id", taskID),
				zap.String("workflow", workflow))

			// The CLI stands in for the customer at the consent gate: grant
			// (or deny) as soon as the task suspends there.
			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			go answerConsent(waitCtx, rt.Orchestrator, taskID, !denyConsent)

			if err := rt.Orchestrator.Wait(waitCtx, taskID); err != nil {
				return fmt.Errorf("task did not settle: %w", err)
			}

			task, err := rt.Orchestrator.Task(taskID)
			if err != nil {
				return err
			}
			out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(task, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to render task: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			if task.Status != schemas.TaskCompleted {
				return fmt.Errorf("task %s ended %s: %s", taskID, task.Status, task.Error)
			}
			return nil
		},
	}

	triggerCmd.Flags().StringVarP(&workflow, "workflow", "w", schemas.WorkflowMaintenance,
		fmt.Sprintf("workflow to run (one of %v)", schemas.WorkflowNames()))
	triggerCmd.Flags().BoolVar(&emergency, "emergency", false, "treat as an emergency task")
	triggerCmd.Flags().BoolVar(&denyConsent, "deny-consent", false, "answer the consent gate with a refusal")
	triggerCmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the task to settle")
	return triggerCmd
}

// answerConsent polls for the consent gate and delivers the decision once.
func answerConsent(ctx context.Context, orch *orchestrator.Orchestrator, taskID string, grant bool) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			task, err := orch.Task(taskID)
			if err != nil || task.Status.Terminal() {
				return
			}
			if task.Status == schemas.TaskAwaitingConsent {
				err := orch.Consent(taskID, grant)
				if err == nil || errors.Is(err, orchestrator.ErrTaskAlreadyTerminal) {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func init() {
	rootCmd.AddCommand(newTriggerCmd())
}
