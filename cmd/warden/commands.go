// commands.go contains the cobra command definitions and their flag wiring.
// Each builder creates one command and hands off to its handler.
package main

import (
	"github.com/spf13/cobra"
)

// commonFlags are shared by every command that addresses an agent.
type commonFlags struct {
	configPath string
	vaultPath  string
	agentID    string
	agentPath  string
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&f.vaultPath, "vault", "", "Vault root directory")
	cmd.Flags().StringVar(&f.agentID, "agent", "", "Agent id, discovered under the vault")
	cmd.Flags().StringVar(&f.agentPath, "agent-path", "", "Agent directory, addressed directly")
}

func buildRunCmd() *cobra.Command {
	var flags commonFlags
	var sessionID string
	var newSession bool

	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Run one turn against an agent",
		Long: `Run one turn: resolve the agent, lock the session, call the model with
the agent's context and tools, persist the transcript, and print the reply.`,
		Example: `  # One turn against the researcher agent
  warden run --vault ~/vault --agent researcher "summarize today's notes"

  # Continue a specific session
  warden run --vault ~/vault --agent researcher --session 4f2c... "and yesterday?"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTurn(cmd, flags, args[0], sessionID, newSession)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&sessionID, "session", "", "Continue a specific session")
	cmd.Flags().BoolVar(&newSession, "new-session", false, "Force a fresh session")
	return cmd
}

func buildChatCmd() *cobra.Command {
	var flags commonFlags
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with an agent",
		Long: `Read messages from stdin and run one turn per line against the same
session. Exit with /quit, Ctrl-D, or an interrupt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, flags, sessionID)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&sessionID, "session", "", "Continue a specific session")
	return cmd
}

func buildAgentsCmd() *cobra.Command {
	var flags commonFlags

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the agents discovered under the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgents(cmd, flags)
		},
	}

	flags.register(cmd)
	return cmd
}

func buildSessionsCmd() *cobra.Command {
	var flags commonFlags
	var endID string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List an agent's sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if endID != "" {
				return runEndSession(cmd, flags, endID)
			}
			return runSessions(cmd, flags)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&endID, "end", "", "End the given session instead of listing")
	return cmd
}

func buildSendCmd() *cobra.Command {
	var flags commonFlags
	var to, subject, operation, payload string

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a request message from one agent to another",
		Example: `  warden send --vault ~/vault --agent researcher --to archivist \
    --subject "index request" --operation index --payload '{"path":"notes/"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, flags, to, subject, operation, payload)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&to, "to", "", "Recipient agent id")
	cmd.Flags().StringVar(&subject, "subject", "", "Message subject")
	cmd.Flags().StringVar(&operation, "operation", "", "Requested operation")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	return cmd
}

func buildInboxCmd() *cobra.Command {
	var flags commonFlags
	var unreadOnly bool

	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Show an agent's inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInbox(cmd, flags, unreadOnly)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&unreadOnly, "unread", false, "Only show unread messages")
	return cmd
}

func buildServeMetricsCmd() *cobra.Command {
	var flags commonFlags

	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Expose the Prometheus metrics endpoint",
		Long:  `Serve /metrics until interrupted. The binding comes from the config file or WARDEN_HOST / WARDEN_METRICS_PORT.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeMetrics(cmd, flags)
		},
	}

	flags.register(cmd)
	return cmd
}
