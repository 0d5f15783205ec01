// Package main provides the CLI entry point for the Warden agent runtime.
//
// Warden runs vault-resident agents: each agent is a directory holding an
// AGENT.md definition, a MEMORY.md working memory, session transcripts, and
// an inbox for agent-to-agent messages.
//
// # Basic Usage
//
// Run one turn against an agent:
//
//	warden run --vault ~/vault --agent researcher "summarize today's notes"
//
// Start an interactive chat:
//
//	warden chat --vault ~/vault --agent researcher
//
// List the agents under a vault:
//
//	warden agents --vault ~/vault
//
// # Environment Variables
//
//   - VAULT_PATH: vault root (overrides the config file)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - WARDEN_HOST / WARDEN_METRICS_PORT: metrics endpoint binding
//   - WARDEN_LOG_LEVEL: log level (debug, info, warn, error)
//
// # Exit Codes
//
//	0  success
//	2  user error (bad input, unknown agent or session)
//	3  session lock conflict
//	4  internal failure after retry escalation
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/retry"
	"github.com/wardenhq/warden/pkg/models"
)

const (
	exitOK           = 0
	exitGeneric      = 1
	exitUserError    = 2
	exitLockConflict = 3
	exitEscalated    = 4
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "warden",
		Short:         "Vault-resident agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildRunCmd(),
		buildChatCmd(),
		buildAgentsCmd(),
		buildSessionsCmd(),
		buildSendCmd(),
		buildInboxCmd(),
		buildDelegateCmd(),
		buildServeMetricsCmd(),
	)
	return root
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	switch models.CodeOf(err) {
	case models.CodeLockHeld:
		return exitLockConflict
	case models.CodeInvalidInput, models.CodeAgentNotFound, models.CodeSessionNotFound:
		return exitUserError
	}

	var esc *retry.EscalationError
	if errors.As(err, &esc) {
		return exitEscalated
	}
	return exitGeneric
}
