// Package sessions persists session metadata and append-only transcripts
// under each agent's directory, and provides the advisory session lock.
package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/retry"
	"github.com/wardenhq/warden/pkg/models"
)

const (
	sessionsDir    = "sessions"
	metadataFile   = "metadata.json"
	transcriptFile = "transcript.jsonl"
)

// Store reads and writes sessions under <agentPath>/sessions/<id>/.
// Transcript files are append-only: lines are never rewritten.
type Store struct {
	retries *retry.Manager
	logger  *slog.Logger
}

// NewStore creates a session store. retries may be nil, in which case I/O
// failures surface immediately.
func NewStore(retries *retry.Manager, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		retries: retries,
		logger:  logger.With("component", "sessions"),
	}
}

func sessionDir(agentPath, sessionID string) string {
	return filepath.Join(agentPath, sessionsDir, sessionID)
}

// CreateSession creates a fresh active session.
func (s *Store) CreateSession(agentPath, agentID string) (*models.Session, error) {
	now := time.Now()
	session := &models.Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Status:    models.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	dir := sessionDir(agentPath, session.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, models.WrapError(models.CodeTransientIO, "create session directory", err)
	}
	if err := s.writeMetadata(agentPath, session); err != nil {
		return nil, err
	}

	s.logger.Info("session created", "session_id", session.ID, "agent_id", agentID)
	return session, nil
}

// GetOrCreateSession returns the most recently updated active session for the
// agent, creating one when none exists.
func (s *Store) GetOrCreateSession(agentPath, agentID string) (*models.Session, error) {
	existing, err := s.ListSessions(agentPath, agentID)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if existing[i].Status == models.SessionActive {
			return &existing[i], nil
		}
	}
	return s.CreateSession(agentPath, agentID)
}

// GetSession loads one session's metadata.
func (s *Store) GetSession(agentPath, sessionID string) (*models.Session, error) {
	path := filepath.Join(sessionDir(agentPath, sessionID), metadataFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.Errorf(models.CodeSessionNotFound, "session %s not found", sessionID)
		}
		return nil, models.WrapError(models.CodeTransientIO, "read session metadata", err)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, models.WrapError(models.CodeTransientIO, "decode session metadata", err)
	}
	return &session, nil
}

// AppendToTranscript assigns an id and timestamp to the partial message and
// appends it to the session's transcript. The append is retried on I/O
// failure when a retry manager is configured.
func (s *Store) AppendToTranscript(agentPath, sessionID string, partial models.Message) (models.Message, error) {
	if _, err := s.GetSession(agentPath, sessionID); err != nil {
		return models.Message{}, err
	}

	msg := partial
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Timestamp = time.Now()

	line, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, models.WrapError(models.CodeInvalidInput, "encode transcript message", err)
	}

	path := filepath.Join(sessionDir(agentPath, sessionID), transcriptFile)
	write := func() error {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return models.WrapError(models.CodeTransientIO, "open transcript", err)
		}
		defer f.Close()
		if _, err := f.Write(append(line, '\n')); err != nil {
			return models.WrapError(models.CodeTransientIO, "append transcript", err)
		}
		return f.Sync()
	}

	if s.retries != nil {
		err = s.retries.Do(context.Background(), "transcript-append", write)
	} else {
		err = write()
	}
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ReadTranscript returns the session's messages in file order. A missing
// transcript yields an empty slice. Corrupted lines are skipped with a
// warning; the remainder is the transcript.
func (s *Store) ReadTranscript(agentPath, sessionID string) ([]models.Message, error) {
	path := filepath.Join(sessionDir(agentPath, sessionID), transcriptFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, models.WrapError(models.CodeTransientIO, "open transcript", err)
	}
	defer f.Close()

	var messages []models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("skipping corrupted transcript line",
				"session_id", sessionID, "line", lineNo, "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, models.WrapError(models.CodeTransientIO, "read transcript", err)
	}
	return messages, nil
}

// UpdateSession merges the patch into the session metadata.
func (s *Store) UpdateSession(agentPath, sessionID string, patch models.SessionPatch) (*models.Session, error) {
	session, err := s.GetSession(agentPath, sessionID)
	if err != nil {
		return nil, err
	}

	if patch.UpdatedAt != nil {
		session.UpdatedAt = *patch.UpdatedAt
	} else {
		session.UpdatedAt = time.Now()
	}
	if patch.MessageCount != nil {
		session.MessageCount = *patch.MessageCount
	}
	if patch.Title != nil {
		session.Title = *patch.Title
	}
	if patch.Status != nil {
		session.Status = *patch.Status
	}

	if err := s.writeMetadata(agentPath, session); err != nil {
		return nil, err
	}
	return session, nil
}

// EndSession sets a terminal status. Idempotent: ending an already-terminal
// session is a no-op.
func (s *Store) EndSession(agentPath, sessionID string, status models.SessionStatus) error {
	session, err := s.GetSession(agentPath, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return nil
	}
	if !status.Terminal() {
		return models.Errorf(models.CodeInvalidInput, "status %q is not terminal", status)
	}

	session.Status = status
	session.UpdatedAt = time.Now()
	return s.writeMetadata(agentPath, session)
}

// ListSessions returns the agent's sessions sorted by updatedAt descending.
func (s *Store) ListSessions(agentPath, agentID string) ([]models.Session, error) {
	root := filepath.Join(agentPath, sessionsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, models.WrapError(models.CodeTransientIO, "list sessions", err)
	}

	var sessions []models.Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		session, err := s.GetSession(agentPath, entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable session", "session_id", entry.Name(), "error", err)
			continue
		}
		if agentID != "" && session.AgentID != agentID {
			continue
		}
		sessions = append(sessions, *session)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// writeMetadata writes metadata atomically via temp+rename.
func (s *Store) writeMetadata(agentPath string, session *models.Session) error {
	dir := sessionDir(agentPath, session.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.WrapError(models.CodeTransientIO, "create session directory", err)
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return models.WrapError(models.CodeInvalidInput, "encode session metadata", err)
	}

	tmp, err := os.CreateTemp(dir, ".metadata-*")
	if err != nil {
		return models.WrapError(models.CodeTransientIO, "create temp metadata file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return models.WrapError(models.CodeTransientIO, "write session metadata", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return models.WrapError(models.CodeTransientIO, "close session metadata", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, metadataFile)); err != nil {
		os.Remove(tmpPath)
		return models.WrapError(models.CodeTransientIO, "rename session metadata", err)
	}
	return nil
}
