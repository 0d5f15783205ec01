package loop

import (
	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/agentdef"
	"github.com/wardenhq/warden/internal/sessions"
	"github.com/wardenhq/warden/pkg/models"
)

// Input starts one turn. The agent is addressed either directly by AgentPath
// or by AgentID discovered under VaultPath.
type Input struct {
	// Message is the user's message for this turn. Required.
	Message string

	// VaultPath is the vault root, used with AgentID.
	VaultPath string

	// AgentPath addresses the agent's directory directly.
	AgentPath string

	// AgentID addresses the agent by id under VaultPath.
	AgentID string

	// SessionID continues a specific session; empty selects or creates one.
	SessionID string

	// NewSession forces a fresh session.
	NewSession bool

	// FlushMemory forces a memory flush during PERSIST even when the
	// context estimate is under the flush threshold.
	FlushMemory bool
}

// IntakeOutput is the resolved state a turn runs against.
type IntakeOutput struct {
	// RunID identifies this turn; it owns the session lock.
	RunID string

	// SessionID is the selected session.
	SessionID string

	// Session is the selected session's metadata.
	Session *models.Session

	// AgentDef is the resolved agent definition.
	AgentDef *agentdef.Definition

	// AgentPath is the agent's directory.
	AgentPath string

	// Lock is the acquired lease; nil when intake failed.
	Lock *sessions.Lease

	// Errors lists intake failures; non-empty means the turn cannot run.
	Errors []error
}

func (o *IntakeOutput) failed() bool { return len(o.Errors) > 0 }

// intake resolves the agent, selects the session, and acquires the lock.
func (r *Runner) intake(input Input) IntakeOutput {
	out := IntakeOutput{RunID: uuid.NewString()}

	if input.Message == "" {
		out.Errors = append(out.Errors,
			models.NewError(models.CodeInvalidInput, "message is required"))
		return out
	}

	switch {
	case input.AgentPath != "":
		def, err := agentdef.Load(input.AgentPath)
		if err != nil {
			out.Errors = append(out.Errors, err)
			return out
		}
		out.AgentDef = def
		out.AgentPath = input.AgentPath
	case input.VaultPath != "" && input.AgentID != "":
		found, err := agentdef.Resolve(input.VaultPath, input.AgentID)
		if err != nil {
			out.Errors = append(out.Errors, err)
			return out
		}
		out.AgentDef = found.Definition
		out.AgentPath = found.AgentPath
	default:
		out.Errors = append(out.Errors, models.NewError(models.CodeInvalidInput,
			"either agentPath or vaultPath+agentId is required"))
		return out
	}

	session, err := r.selectSession(input, out.AgentDef.ID, out.AgentPath)
	if err != nil {
		out.Errors = append(out.Errors, err)
		return out
	}
	out.Session = session
	out.SessionID = session.ID

	lock, err := r.locker.Acquire(session.ID, out.RunID, r.config.LockTTL)
	if err != nil {
		if models.HasCode(err, models.CodeLockHeld) && r.metrics != nil {
			r.metrics.LockConflicts.Inc()
		}
		out.Errors = append(out.Errors, err)
		return out
	}
	out.Lock = lock

	r.logger.Info("turn started",
		"run_id", out.RunID, "agent_id", out.AgentDef.ID, "session_id", session.ID)
	return out
}

func (r *Runner) selectSession(input Input, agentID, agentPath string) (*models.Session, error) {
	if input.SessionID != "" {
		return r.sessions.GetSession(agentPath, input.SessionID)
	}
	if input.NewSession {
		return r.sessions.CreateSession(agentPath, agentID)
	}
	return r.sessions.GetOrCreateSession(agentPath, agentID)
}
