// handlers.go wires the runtime together and implements the command handlers.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/agentdef"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/loop"
	"github.com/wardenhq/warden/internal/mailbox"
	"github.com/wardenhq/warden/internal/memory"
	"github.com/wardenhq/warden/internal/observability"
	"github.com/wardenhq/warden/internal/providers/anthropic"
	"github.com/wardenhq/warden/internal/retry"
	"github.com/wardenhq/warden/internal/sessions"
	"github.com/wardenhq/warden/pkg/models"
)

// runtime holds the wired components shared by the command handlers.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	metrics  *observability.Metrics
	sessions *sessions.Store
	locker   *sessions.Locker
	memory   *memory.Store
	mailbox  *mailbox.Mailbox
}

func newRuntime(flags commonFlags) (*runtime, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.vaultPath != "" {
		cfg.Vault.Path = flags.vaultPath
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	bus := events.NewBus(events.Config{}, logger)
	manager := retry.NewManager(retry.DefaultManagerConfig(), bus, logger, nil)

	metrics := observability.NewMetrics(nil)
	bus.Subscribe(models.EventRetryAttempt, func(event models.Event) {
		metrics.Retries.WithLabelValues(event.Retry.Name).Inc()
	})
	bus.Subscribe(models.EventRetryEscalated, func(event models.Event) {
		metrics.Escalations.WithLabelValues(event.Retry.Name).Inc()
	})

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		metrics:  metrics,
		sessions: sessions.NewStore(manager, logger),
		locker:   sessions.NewLocker(),
		memory:   memory.NewStore(cfg.MemoryLimits()),
		mailbox:  mailbox.New(logger),
	}, nil
}

// resolveAgent turns the flags into a definition plus its directory.
func (rt *runtime) resolveAgent(flags commonFlags) (*agentdef.Definition, string, error) {
	if flags.agentPath != "" {
		def, err := agentdef.Load(flags.agentPath)
		if err != nil {
			return nil, "", err
		}
		return def, flags.agentPath, nil
	}
	if rt.cfg.Vault.Path == "" || flags.agentID == "" {
		return nil, "", models.NewError(models.CodeInvalidInput,
			"either --agent-path or a vault plus --agent is required")
	}
	found, err := agentdef.Resolve(rt.cfg.Vault.Path, flags.agentID)
	if err != nil {
		return nil, "", err
	}
	return found.Definition, found.AgentPath, nil
}

// newRunner builds a turn runner bound to one agent directory.
func (rt *runtime) newRunner(agentPath string) (*loop.Runner, error) {
	llm, err := anthropic.New(anthropic.Config{
		APIKey:    rt.cfg.LLM.APIKey,
		Model:     rt.cfg.LLM.Model,
		MaxTokens: rt.cfg.LLM.MaxTokens,
		BaseURL:   rt.cfg.LLM.BaseURL,
	})
	if err != nil {
		return nil, err
	}

	return loop.NewRunner(rt.cfg.LoopConfig(), loop.Deps{
		Sessions:   rt.sessions,
		Locker:     rt.locker,
		Memory:     rt.memory,
		LLM:        llm,
		Tools:      memoryToolRegistry(rt.memory, agentPath, rt.logger),
		Bus:        rt.bus,
		Metrics:    rt.metrics,
		Logger:     rt.logger,
		Summarizer: &loop.ModelSummarizer{LLM: llm},
		Model:      rt.cfg.LLM.Model,
	})
}

func runTurn(cmd *cobra.Command, flags commonFlags, message, sessionID string, newSession bool) error {
	rt, err := newRuntime(flags)
	if err != nil {
		return err
	}
	_, agentPath, err := rt.resolveAgent(flags)
	if err != nil {
		return err
	}
	runner, err := rt.newRunner(agentPath)
	if err != nil {
		return err
	}

	result := runner.Run(cmd.Context(), loop.Input{
		Message:    message,
		AgentPath:  agentPath,
		SessionID:  sessionID,
		NewSession: newSession,
	})
	if result.Err != nil {
		return result.Err
	}

	fmt.Fprintln(cmd.OutOrStdout(), result.Response)
	return nil
}

func runChat(cmd *cobra.Command, flags commonFlags, sessionID string) error {
	rt, err := newRuntime(flags)
	if err != nil {
		return err
	}
	def, agentPath, err := rt.resolveAgent(flags)
	if err != nil {
		return err
	}
	runner, err := rt.newRunner(agentPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Chatting with %s. /quit to exit.\n", def.ID)

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}
		if cmd.Context().Err() != nil {
			break
		}

		result := runner.Run(cmd.Context(), loop.Input{
			Message:   line,
			AgentPath: agentPath,
			SessionID: sessionID,
		})
		if result.Err != nil {
			fmt.Fprintf(out, "[%s]\n", result.Err)
			continue
		}
		sessionID = result.SessionID
		fmt.Fprintln(out, result.Response)
	}
	return scanner.Err()
}

func runAgents(cmd *cobra.Command, flags commonFlags) error {
	rt, err := newRuntime(flags)
	if err != nil {
		return err
	}
	if rt.cfg.Vault.Path == "" {
		return models.NewError(models.CodeInvalidInput, "a vault is required")
	}

	found, err := agentdef.Discover(rt.cfg.Vault.Path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(found) == 0 {
		fmt.Fprintln(out, "No agents found.")
		return nil
	}
	for _, agent := range found {
		fmt.Fprintf(out, "%-20s %-8s %s\n",
			agent.Definition.ID, agent.Definition.Type, agent.AgentPath)
	}
	return nil
}

func runSessions(cmd *cobra.Command, flags commonFlags) error {
	rt, err := newRuntime(flags)
	if err != nil {
		return err
	}
	def, agentPath, err := rt.resolveAgent(flags)
	if err != nil {
		return err
	}

	list, err := rt.sessions.ListSessions(agentPath, def.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}
	for _, session := range list {
		fmt.Fprintf(out, "%s  %-7s %4d msgs  updated %s\n",
			session.ID, session.Status, session.MessageCount,
			session.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runEndSession(cmd *cobra.Command, flags commonFlags, sessionID string) error {
	rt, err := newRuntime(flags)
	if err != nil {
		return err
	}
	_, agentPath, err := rt.resolveAgent(flags)
	if err != nil {
		return err
	}

	if err := rt.sessions.EndSession(agentPath, sessionID, models.SessionEnded); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Ended session %s\n", sessionID)
	return nil
}

func runSend(cmd *cobra.Command, flags commonFlags, to, subject, operation, payload string) error {
	rt, err := newRuntime(flags)
	if err != nil {
		return err
	}
	def, fromPath, err := rt.resolveAgent(flags)
	if err != nil {
		return err
	}
	if to == "" || operation == "" {
		return models.NewError(models.CodeInvalidInput, "--to and --operation are required")
	}

	recipient, err := agentdef.Resolve(rt.cfg.Vault.Path, to)
	if err != nil {
		return err
	}

	var body any
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return models.WrapError(models.CodeInvalidInput, "payload is not valid JSON", err)
	}

	msg, err := mailbox.NewRequest(def.ID, to, operation, subject, body)
	if err != nil {
		return err
	}
	result := rt.mailbox.Send(msg, fromPath, recipient.AgentPath)
	if !result.Success {
		return models.Errorf(models.CodeTransientIO, "send failed: %s", result.Error)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s\n", msg.ID, to)
	return nil
}

func runInbox(cmd *cobra.Command, flags commonFlags, unreadOnly bool) error {
	rt, err := newRuntime(flags)
	if err != nil {
		return err
	}
	def, agentPath, err := rt.resolveAgent(flags)
	if err != nil {
		return err
	}

	stats, err := rt.mailbox.GetInboxStats(agentPath)
	if err != nil {
		return err
	}
	envelopes, err := rt.mailbox.Receive(agentPath, def.ID, mailbox.ReceiveOptions{
		UnreadOnly: unreadOnly,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d messages (%d unread, %d pending)\n",
		stats.Total, stats.Unread, stats.Pending)
	for _, env := range envelopes {
		msg := env.Message
		fmt.Fprintf(out, "%s  %-8s %-8s from %-15s %s\n",
			msg.ID, msg.Type, msg.Status, msg.From, msg.Subject)
	}
	return nil
}

func runServeMetrics(cmd *cobra.Command, flags commonFlags) error {
	rt, err := newRuntime(flags)
	if err != nil {
		return err
	}

	rt.logger.Info("serving metrics", "addr", rt.cfg.MetricsAddr())
	return observability.ServeMetrics(cmd.Context(), rt.cfg.MetricsAddr())
}
