package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"argus/api"
	"argus/core"
)

// newSubmitCmd creates the 'submit' command
func newSubmitCmd() *cobra.Command {
	var (
		destination  string
		surface      string
		agentID      string
		caseID       string
		timeout      time.Duration
		params       string
		wait         bool
		pollInterval time.Duration
		showOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "submit <tool-id>",
		Short: "Submit a tool execution",
		Long: `Queue a tool against a target. With --wait the command polls until the
execution reaches a terminal state and exits non-zero unless it succeeded.`,
		Example: `  argus submit loki --target /evidence/host-01 --case case-42 --timeout 30m --wait
  argus submit yara --target /mnt/image --surface remote_agent --agent edge-7 \
    --params '{"rules": "/opt/rules/apt.yar"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.SubmitExecutionRequest{
				ToolID: args[0],
				Target: api.TargetRequest{
					Surface:     core.Surface(surface),
					AgentID:     agentID,
					Destination: destination,
				},
				CaseID:         caseID,
				TimeoutSeconds: int(timeout / time.Second),
			}
			if params != "" {
				if err := json.Unmarshal([]byte(params), &req.Parameters); err != nil {
					return fmt.Errorf("--params must be a JSON object: %w", err)
				}
			}

			client := newAPIClient(serverURL)
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			exec, err := client.submitExecution(ctx, req)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to submit execution: %w", err)
			}

			out := cmd.OutOrStdout()
			if !wait {
				if outputJSON {
					return outputAsJSON(out, exec)
				}
				successColor.Fprintf(out, "✓ Execution queued: %s\n", exec.ID)
				return nil
			}

			if !quiet && !outputJSON {
				infoColor.Fprintf(out, "Execution queued: %s\n", exec.ID)
			}

			var s *spinner.Spinner
			if !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
				s.Suffix = fmt.Sprintf(" Running %s...", exec.ToolID)
				s.Start()
			}

			// The server enforces the tool timeout; allow a margin for queueing
			waitCtx, waitCancel := context.WithTimeout(cmd.Context(), timeout+5*time.Minute)
			defer waitCancel()
			final, err := waitForExecution(waitCtx, client, exec.ID, pollInterval, showOutput)

			if s != nil {
				s.Stop()
			}
			if err != nil {
				return err
			}

			if outputJSON {
				if err := outputAsJSON(out, final); err != nil {
					return err
				}
			} else {
				renderExecution(out, final)
			}
			if final.Status != core.ExecutionStatusSucceeded {
				return fmt.Errorf("execution %s finished with status %s", final.ID, final.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&destination, "target", "t", "", "Target host, path or tenant (required)")
	cmd.Flags().StringVar(&surface, "surface", string(core.SurfaceLocal), "Execution surface (local, remote_agent)")
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id for remote_agent targets")
	cmd.Flags().StringVar(&caseID, "case", "", "Case id the execution belongs to")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Hour, "Execution timeout")
	cmd.Flags().StringVar(&params, "params", "", "Tool parameters as a JSON object")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the execution to finish")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", time.Second, "Status poll interval with --wait")
	cmd.Flags().BoolVar(&showOutput, "output", false, "Include captured output when the execution finishes")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

// waitForExecution polls until the execution is terminal
func waitForExecution(ctx context.Context, client *apiClient, id string, interval time.Duration, includeOutput bool) (*core.ToolExecution, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		reqCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		exec, err := client.getExecution(reqCtx, id, false)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to poll execution %s: %w", id, err)
		}
		if exec.Status.IsTerminal() {
			if !includeOutput {
				return exec, nil
			}
			reqCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
			defer cancel()
			return client.getExecution(reqCtx, id, true)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up waiting for execution %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// newStatusCmd creates the 'status' command
func newStatusCmd() *cobra.Command {
	var showOutput bool

	cmd := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			exec, err := newAPIClient(serverURL).getExecution(ctx, args[0], showOutput)
			if err != nil {
				return fmt.Errorf("failed to get execution: %w", err)
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), exec)
			}
			renderExecution(cmd.OutOrStdout(), exec)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showOutput, "output", false, "Include captured output")
	return cmd
}

// newCancelCmd creates the 'cancel' command
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a queued or running execution",
		Long:  "Request cancellation. Cancelling an execution that already finished is a no-op.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			exec, err := newAPIClient(serverURL).cancelExecution(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to cancel execution: %w", err)
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), exec)
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Cancellation requested: %s (status: %s)\n", exec.ID, exec.Status)
			}
			return nil
		},
	}
}

// newQueuesCmd creates the 'queues' command
func newQueuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show execution queue depth and running counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			stats, err := newAPIClient(serverURL).listQueues(ctx)
			if err != nil {
				return fmt.Errorf("failed to list queues: %w", err)
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), stats)
			}
			renderQueues(cmd.OutOrStdout(), stats)
			return nil
		},
	}
}
