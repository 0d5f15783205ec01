// Package mailbox moves messages between agents through per-agent inbox
// files and an append-only message log.
package mailbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/models"
)

const (
	inboxFile = "inbox.json"
	logFile   = "messages.log"
)

// MessageType classifies a mail message.
type MessageType string

const (
	// TypeRequest asks the recipient to perform an operation.
	TypeRequest MessageType = "request"

	// TypeResponse answers a request.
	TypeResponse MessageType = "response"

	// TypeNotify is a one-way notification.
	TypeNotify MessageType = "notify"
)

// Priority orders message handling.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Status is the delivery state of a message. Transitions are monotone:
// pending → delivered → read → processed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusProcessed Status = "processed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusDelivered: 1,
	StatusRead:      2,
	StatusProcessed: 3,
}

// Message is one inter-agent mail message.
type Message struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      MessageType     `json:"type"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Priority  Priority        `json:"priority"`
	Status    Status          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	ReplyTo   string          `json:"replyTo,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Envelope wraps a message with its delivery timeline. Timeline fields,
// once set, are never cleared.
type Envelope struct {
	Message     Message    `json:"message"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// SendResult reports a send attempt.
type SendResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ReceiveOptions filter a receive call.
type ReceiveOptions struct {
	// Type, when set, keeps only messages of that type.
	Type MessageType

	// UnreadOnly keeps only messages not yet read.
	UnreadOnly bool
}

// InboxStats summarizes an inbox.
type InboxStats struct {
	Total      int                 `json:"total"`
	Unread     int                 `json:"unread"`
	Pending    int                 `json:"pending"`
	ByType     map[MessageType]int `json:"byType"`
	ByPriority map[Priority]int    `json:"byPriority"`
}

// Mailbox delivers messages between agent directories. Inbox mutations are
// read-modify-write of the whole JSON document under a per-path mutex,
// written atomically via temp+rename.
type Mailbox struct {
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a mailbox.
func New(logger *slog.Logger) *Mailbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{
		logger: logger.With("component", "mailbox"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (m *Mailbox) pathLock(dir string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[dir]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[dir] = lock
	}
	return lock
}

// NewMessage builds a message with id, timestamp, and defaults filled in.
func NewMessage(from, to string, msgType MessageType, subject string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, models.WrapError(models.CodeInvalidInput, "encode mail payload", err)
	}
	return Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Type:      msgType,
		Subject:   subject,
		Payload:   raw,
		Priority:  PriorityNormal,
		Status:    StatusPending,
		Timestamp: time.Now(),
	}, nil
}

// Send writes the message into the recipient's inbox with deliveredAt set
// and records the exchange in both agents' message logs. Delivery fails when
// the recipient directory does not exist.
func (m *Mailbox) Send(msg Message, senderDir, recipientDir string) SendResult {
	if info, err := os.Stat(recipientDir); err != nil || !info.IsDir() {
		err := fmt.Sprintf("recipient directory %s does not exist", recipientDir)
		m.logger.Warn("send failed", "to", msg.To, "error", err)
		return SendResult{Error: err}
	}

	now := time.Now()
	msg.Status = StatusDelivered
	envelope := Envelope{Message: msg, DeliveredAt: &now}

	lock := m.pathLock(recipientDir)
	lock.Lock()
	err := m.mutateInbox(recipientDir, func(envelopes []Envelope) []Envelope {
		return append(envelopes, envelope)
	})
	lock.Unlock()
	if err != nil {
		return SendResult{Error: err.Error()}
	}

	m.appendLog(senderDir, "sent", msg)
	m.appendLog(recipientDir, "received", msg)
	m.logger.Info("message delivered",
		"message_id", msg.ID, "from", msg.From, "to", msg.To, "type", msg.Type)
	return SendResult{Success: true}
}

// Receive returns the recipient's envelopes, newest first, after filters.
func (m *Mailbox) Receive(recipientDir, recipientID string, opts ReceiveOptions) ([]Envelope, error) {
	envelopes, err := m.readInbox(recipientDir)
	if err != nil {
		return nil, err
	}

	var out []Envelope
	for _, envelope := range envelopes {
		msg := envelope.Message
		if recipientID != "" && msg.To != recipientID {
			continue
		}
		if opts.Type != "" && msg.Type != opts.Type {
			continue
		}
		if opts.UnreadOnly && statusRank[msg.Status] >= statusRank[StatusRead] {
			continue
		}
		out = append(out, envelope)
	}

	// Newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetMessageByID returns one envelope from the inbox.
func (m *Mailbox) GetMessageByID(recipientDir, messageID string) (*Envelope, error) {
	envelopes, err := m.readInbox(recipientDir)
	if err != nil {
		return nil, err
	}
	for i := range envelopes {
		if envelopes[i].Message.ID == messageID {
			return &envelopes[i], nil
		}
	}
	return nil, models.Errorf(models.CodeInvalidInput, "message %s not found", messageID)
}

// MarkAsRead advances the message to read. Already-read or processed
// messages are left unchanged.
func (m *Mailbox) MarkAsRead(recipientDir, messageID string) error {
	return m.advance(recipientDir, messageID, StatusRead)
}

// MarkAsProcessed advances the message to processed.
func (m *Mailbox) MarkAsProcessed(recipientDir, messageID string) error {
	return m.advance(recipientDir, messageID, StatusProcessed)
}

func (m *Mailbox) advance(recipientDir, messageID string, target Status) error {
	lock := m.pathLock(recipientDir)
	lock.Lock()
	defer lock.Unlock()

	found := false
	err := m.mutateInbox(recipientDir, func(envelopes []Envelope) []Envelope {
		now := time.Now()
		for i := range envelopes {
			if envelopes[i].Message.ID != messageID {
				continue
			}
			found = true
			// Status only moves forward; timeline fields are never cleared.
			if statusRank[target] > statusRank[envelopes[i].Message.Status] {
				envelopes[i].Message.Status = target
				switch target {
				case StatusRead:
					if envelopes[i].ReadAt == nil {
						envelopes[i].ReadAt = &now
					}
				case StatusProcessed:
					if envelopes[i].ProcessedAt == nil {
						envelopes[i].ProcessedAt = &now
					}
				}
			}
			break
		}
		return envelopes
	})
	if err != nil {
		return err
	}
	if !found {
		return models.Errorf(models.CodeInvalidInput, "message %s not found", messageID)
	}
	return nil
}

// DeleteMessage removes one envelope from the inbox.
func (m *Mailbox) DeleteMessage(recipientDir, messageID string) error {
	lock := m.pathLock(recipientDir)
	lock.Lock()
	defer lock.Unlock()

	found := false
	err := m.mutateInbox(recipientDir, func(envelopes []Envelope) []Envelope {
		out := envelopes[:0]
		for _, envelope := range envelopes {
			if envelope.Message.ID == messageID {
				found = true
				continue
			}
			out = append(out, envelope)
		}
		return out
	})
	if err != nil {
		return err
	}
	if !found {
		return models.Errorf(models.CodeInvalidInput, "message %s not found", messageID)
	}
	return nil
}

// GetInboxStats counts messages by type, priority, and read state.
func (m *Mailbox) GetInboxStats(recipientDir string) (InboxStats, error) {
	envelopes, err := m.readInbox(recipientDir)
	if err != nil {
		return InboxStats{}, err
	}

	stats := InboxStats{
		ByType:     make(map[MessageType]int),
		ByPriority: make(map[Priority]int),
	}
	for _, envelope := range envelopes {
		msg := envelope.Message
		stats.Total++
		stats.ByType[msg.Type]++
		stats.ByPriority[msg.Priority]++
		if statusRank[msg.Status] < statusRank[StatusRead] {
			stats.Unread++
		}
		if msg.Status == StatusPending {
			stats.Pending++
		}
	}
	return stats, nil
}

func (m *Mailbox) readInbox(dir string) ([]Envelope, error) {
	data, err := os.ReadFile(filepath.Join(dir, inboxFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, models.WrapError(models.CodeTransientIO, "read inbox", err)
	}

	var envelopes []Envelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, models.WrapError(models.CodeTransientIO, "decode inbox", err)
	}
	return envelopes, nil
}

// mutateInbox applies fn to the inbox contents and writes the result back
// atomically. Callers hold the per-path lock.
func (m *Mailbox) mutateInbox(dir string, fn func([]Envelope) []Envelope) error {
	envelopes, err := m.readInbox(dir)
	if err != nil {
		return err
	}

	next := fn(envelopes)
	if next == nil {
		next = []Envelope{}
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return models.WrapError(models.CodeInvalidInput, "encode inbox", err)
	}

	tmp, err := os.CreateTemp(dir, ".inbox-*")
	if err != nil {
		return models.WrapError(models.CodeTransientIO, "create temp inbox file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return models.WrapError(models.CodeTransientIO, "write inbox", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return models.WrapError(models.CodeTransientIO, "close inbox file", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, inboxFile)); err != nil {
		os.Remove(tmpPath)
		return models.WrapError(models.CodeTransientIO, "rename inbox file", err)
	}
	return nil
}

// appendLog records one audit line; failures are logged, not surfaced.
func (m *Mailbox) appendLog(dir, direction string, msg Message) {
	if dir == "" {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, logFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		m.logger.Warn("message log unavailable", "dir", dir, "error", err)
		return
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s id=%s from=%s to=%s type=%s subject=%q\n",
		time.Now().Format(time.RFC3339), direction, msg.ID, msg.From, msg.To, msg.Type, msg.Subject)
	if _, err := f.WriteString(line); err != nil {
		m.logger.Warn("message log write failed", "dir", dir, "error", err)
	}
}
