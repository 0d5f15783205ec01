// Package coordination builds multi-agent primitives on top of the mailbox:
// delegation, handoff, fan-out distribution, response collection, and
// sequential skill chains.
package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/mailbox"
	"github.com/wardenhq/warden/pkg/models"
)

// CollectPollInterval is how often Collect re-reads the initiator's inbox.
const CollectPollInterval = 200 * time.Millisecond

// Coordinator runs the multi-agent primitives for one initiating agent.
type Coordinator struct {
	mail   *mailbox.Mailbox
	logger *slog.Logger
}

// New creates a coordinator.
func New(mail *mailbox.Mailbox, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		mail:   mail,
		logger: logger.With("component", "coordination"),
	}
}

// DelegationPayload is the request payload of a delegation message.
type DelegationPayload struct {
	DelegationID   string `json:"delegationId"`
	Task           string `json:"task"`
	Context        string `json:"context,omitempty"`
	Deadline       string `json:"deadline,omitempty"`
	ExpectResponse bool   `json:"expectResponse"`
}

// DelegationResult reports a delegation send.
type DelegationResult struct {
	Success      bool          `json:"success"`
	DelegationID string        `json:"delegationId"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// Delegate sends a non-blocking delegation request to the target agent.
func (c *Coordinator) Delegate(fromID, fromDir, toID, toDir, task, taskContext string, deadline *time.Time, expectResponse bool) DelegationResult {
	start := time.Now()
	result := DelegationResult{DelegationID: uuid.NewString()}

	payload := DelegationPayload{
		DelegationID:   result.DelegationID,
		Task:           task,
		Context:        taskContext,
		ExpectResponse: expectResponse,
	}
	if deadline != nil {
		payload.Deadline = deadline.Format(time.RFC3339)
	}

	msg, err := mailbox.NewRequest(fromID, toID, "delegate", "Delegation: "+task, payload)
	if err != nil {
		result.Duration = time.Since(start)
		result.Error = err.Error()
		return result
	}

	send := c.mail.Send(msg, fromDir, toDir)
	result.Duration = time.Since(start)
	result.Success = send.Success
	result.Error = send.Error
	if send.Success {
		c.logger.Info("task delegated",
			"delegation_id", result.DelegationID, "from", fromID, "to", toID)
	}
	return result
}

// HandoffContext carries the transferred state of a handoff.
type HandoffContext struct {
	Memory              string `json:"memory,omitempty"`
	CurrentState        string `json:"currentState,omitempty"`
	PendingTasks        string `json:"pendingTasks,omitempty"`
	ImportantNotes      string `json:"importantNotes,omitempty"`
	ConversationSummary string `json:"conversationSummary,omitempty"`
}

// Handoff transfers responsibility to another agent with high priority and
// the full transferred context.
func (c *Coordinator) Handoff(fromID, fromDir, toID, toDir, reason string, handoffCtx HandoffContext) mailbox.SendResult {
	msg, err := mailbox.NewRequest(fromID, toID, "handoff", "Handoff: "+reason, handoffCtx)
	if err != nil {
		return mailbox.SendResult{Error: err.Error()}
	}
	msg.Priority = mailbox.PriorityHigh

	result := c.mail.Send(msg, fromDir, toDir)
	if result.Success {
		c.logger.Info("handoff sent", "from", fromID, "to", toID, "reason", reason)
	}
	return result
}

// Target identifies one recipient agent of a distribution.
type Target struct {
	ID  string
	Dir string
}

// MultiAgentTask is a snapshot of a fan-out distribution.
type MultiAgentTask struct {
	TaskID      string                      `json:"taskId"`
	Description string                      `json:"description"`
	StartedAt   time.Time                   `json:"startedAt"`
	Delegations map[string]DelegationResult `json:"delegations"`
}

// Distribute delegates a subtask to each target in sequence. The subtask
// generator maps a target agent id to its task text.
func (c *Coordinator) Distribute(fromID, fromDir, description string, targets []Target, subtask func(agentID string) string) MultiAgentTask {
	task := MultiAgentTask{
		TaskID:      uuid.NewString(),
		Description: description,
		StartedAt:   time.Now(),
		Delegations: make(map[string]DelegationResult, len(targets)),
	}
	for _, target := range targets {
		task.Delegations[target.ID] = c.Delegate(
			fromID, fromDir, target.ID, target.Dir,
			subtask(target.ID), description, nil, true)
	}
	return task
}

// CollectedResponse is one harvested response.
type CollectedResponse struct {
	AgentID    string                  `json:"agentId"`
	Response   mailbox.ResponsePayload `json:"response"`
	ReceivedAt time.Time               `json:"receivedAt"`
}

// CollectResult reports a collection round.
type CollectResult struct {
	Responses []CollectedResponse `json:"responses"`
	Missing   []string            `json:"missing,omitempty"`
}

// Collect polls the initiator's inbox for response envelopes from the
// expected agents until all arrive or the timeout passes. Each harvested
// message is marked processed. Ordering is deterministic: by arrival, ties
// broken by agent id.
func (c *Coordinator) Collect(ctx context.Context, inboxDir, selfID string, expected []string, timeout time.Duration) (CollectResult, error) {
	pending := make(map[string]bool, len(expected))
	for _, agentID := range expected {
		pending[agentID] = true
	}

	var result CollectResult
	deadline := time.Now().Add(timeout)

	for len(pending) > 0 {
		envelopes, err := c.mail.Receive(inboxDir, selfID, mailbox.ReceiveOptions{Type: mailbox.TypeResponse})
		if err != nil {
			return result, err
		}

		// Receive returns newest first; harvest oldest first so arrival
		// order is preserved.
		var batch []CollectedResponse
		for i := len(envelopes) - 1; i >= 0; i-- {
			envelope := envelopes[i]
			msg := envelope.Message
			if !pending[msg.From] || msg.Status == mailbox.StatusProcessed {
				continue
			}
			body, err := mailbox.ParseResponse(msg)
			if err != nil {
				c.logger.Warn("skipping unparseable response", "message_id", msg.ID, "error", err)
				continue
			}
			receivedAt := msg.Timestamp
			if envelope.DeliveredAt != nil {
				receivedAt = *envelope.DeliveredAt
			}
			batch = append(batch, CollectedResponse{
				AgentID:    msg.From,
				Response:   body,
				ReceivedAt: receivedAt,
			})
			delete(pending, msg.From)
			if err := c.mail.MarkAsProcessed(inboxDir, msg.ID); err != nil {
				c.logger.Warn("mark processed failed", "message_id", msg.ID, "error", err)
			}
		}
		sort.SliceStable(batch, func(i, j int) bool {
			if !batch[i].ReceivedAt.Equal(batch[j].ReceivedAt) {
				return batch[i].ReceivedAt.Before(batch[j].ReceivedAt)
			}
			return batch[i].AgentID < batch[j].AgentID
		})
		result.Responses = append(result.Responses, batch...)

		if len(pending) == 0 || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return c.withMissing(result, pending), ctx.Err()
		case <-time.After(CollectPollInterval):
		}
	}

	return c.withMissing(result, pending), nil
}

func (c *Coordinator) withMissing(result CollectResult, pending map[string]bool) CollectResult {
	for agentID := range pending {
		result.Missing = append(result.Missing, agentID)
	}
	sort.Strings(result.Missing)
	return result
}

// SkillStep is one step of a skill chain.
type SkillStep struct {
	// Name identifies the skill.
	Name string

	// Invoke runs the skill with the previous step's output.
	Invoke func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// SkillChainResult reports a chain run; Outputs holds one entry per
// completed step.
type SkillChainResult struct {
	Outputs  []json.RawMessage `json:"outputs"`
	Failed   string            `json:"failed,omitempty"`
	StepsRun int               `json:"stepsRun"`
}

// SkillChain invokes the steps in order, feeding each step's output into the
// next. On failure it stops and returns the partial results with the error.
func (c *Coordinator) SkillChain(ctx context.Context, input json.RawMessage, steps []SkillStep) (SkillChainResult, error) {
	var result SkillChainResult
	current := input

	for _, step := range steps {
		output, err := step.Invoke(ctx, current)
		if err != nil {
			result.Failed = step.Name
			return result, models.WrapError(models.CodeToolTransient,
				fmt.Sprintf("skill %q failed", step.Name), err)
		}
		result.Outputs = append(result.Outputs, output)
		result.StepsRun++
		current = output
	}
	return result, nil
}
