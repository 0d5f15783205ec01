// handlers_coordination.go implements the multi-agent commands.
package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/agentdef"
	"github.com/wardenhq/warden/internal/coordination"
	"github.com/wardenhq/warden/pkg/models"
)

func buildDelegateCmd() *cobra.Command {
	var flags commonFlags
	var to, task, taskContext string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "delegate",
		Short: "Delegate a task to another agent",
		Long: `Send a delegation request to another agent's inbox. With --wait the
command polls the sender's inbox for the response.`,
		Example: `  warden delegate --vault ~/vault --agent planner --to researcher \
    --task "collect sources on topic X" --wait 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelegate(cmd, flags, to, task, taskContext, wait)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&to, "to", "", "Recipient agent id")
	cmd.Flags().StringVar(&task, "task", "", "Task description")
	cmd.Flags().StringVar(&taskContext, "context", "", "Extra context for the task")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait this long for the response")
	return cmd
}

func runDelegate(cmd *cobra.Command, flags commonFlags, to, task, taskContext string, wait time.Duration) error {
	rt, err := newRuntime(flags)
	if err != nil {
		return err
	}
	def, fromPath, err := rt.resolveAgent(flags)
	if err != nil {
		return err
	}
	if to == "" || task == "" {
		return models.NewError(models.CodeInvalidInput, "--to and --task are required")
	}

	recipient, err := agentdef.Resolve(rt.cfg.Vault.Path, to)
	if err != nil {
		return err
	}

	coordinator := coordination.New(rt.mailbox, rt.logger)
	result := coordinator.Delegate(def.ID, fromPath, to, recipient.AgentPath,
		task, taskContext, nil, wait > 0)
	if !result.Success {
		return models.Errorf(models.CodeTransientIO, "delegation failed: %s", result.Error)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Delegated to %s (delegation %s)\n", to, result.DelegationID)

	if wait > 0 {
		collected, err := coordinator.Collect(cmd.Context(), fromPath, def.ID, []string{to}, wait)
		if err != nil {
			return err
		}
		if len(collected.Responses) == 0 {
			fmt.Fprintf(out, "No response from %s within %s\n", to, wait)
			return nil
		}
		response := collected.Responses[0]
		fmt.Fprintf(out, "Response from %s: success=%v %s\n",
			response.AgentID, response.Response.Success, string(response.Response.Payload))
	}
	return nil
}
