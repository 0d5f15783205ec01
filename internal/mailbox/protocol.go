package mailbox

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wardenhq/warden/pkg/models"
)

// RequestPayload asks the recipient to perform an operation.
type RequestPayload struct {
	From          string          `json:"from"`
	To            string          `json:"to"`
	Operation     string          `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId"`
	Timeout       int             `json:"timeout,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// ResponsePayload answers a request.
type ResponsePayload struct {
	CorrelationID string          `json:"correlationId"`
	Success       bool            `json:"success"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// NotifyPayload is a one-way event notification.
type NotifyPayload struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const requestSchema = `{
  "type": "object",
  "required": ["from", "to", "operation", "correlationId"],
  "properties": {
    "from": {"type": "string", "minLength": 1},
    "to": {"type": "string", "minLength": 1},
    "operation": {"type": "string", "minLength": 1},
    "payload": {},
    "correlationId": {"type": "string", "minLength": 1},
    "timeout": {"type": "integer", "minimum": 0},
    "metadata": {"type": "object"}
  }
}`

const responseSchema = `{
  "type": "object",
  "required": ["correlationId", "success"],
  "properties": {
    "correlationId": {"type": "string", "minLength": 1},
    "success": {"type": "boolean"},
    "payload": {},
    "error": {"type": "string"}
  }
}`

const notifySchema = `{
  "type": "object",
  "required": ["event"],
  "properties": {
    "event": {"type": "string", "minLength": 1},
    "payload": {}
  }
}`

var protocolSchemas = map[MessageType]string{
	TypeRequest:  requestSchema,
	TypeResponse: responseSchema,
	TypeNotify:   notifySchema,
}

var schemaCache sync.Map

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(name); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", schema)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(name, compiled)
	return compiled, nil
}

// ValidatePayload checks the message payload against its type's schema.
func ValidatePayload(msg Message) error {
	schemaText, ok := protocolSchemas[msg.Type]
	if !ok {
		return models.Errorf(models.CodeInvalidInput, "unknown message type %q", msg.Type)
	}

	schema, err := compileSchema(string(msg.Type), schemaText)
	if err != nil {
		return models.WrapError(models.CodeInvalidInput, "compile protocol schema", err)
	}

	var decoded any
	if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
		return models.WrapError(models.CodeInvalidInput, "decode mail payload", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return models.WrapError(models.CodeInvalidInput, "mail payload invalid", err)
	}
	return nil
}

// NewRequest builds a validated request message. The payload's correlationId
// is a fresh uuid unless provided.
func NewRequest(from, to, operation, subject string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, models.WrapError(models.CodeInvalidInput, "encode request payload", err)
	}

	body := RequestPayload{
		From:          from,
		To:            to,
		Operation:     operation,
		Payload:       raw,
		CorrelationID: uuid.NewString(),
	}
	msg, err := newProtocolMessage(from, to, TypeRequest, subject, body)
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

// NewResponse builds a validated response message correlated to a request.
func NewResponse(from, to, correlationID string, success bool, payload any, errText string) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, models.WrapError(models.CodeInvalidInput, "encode response payload", err)
	}

	body := ResponsePayload{
		CorrelationID: correlationID,
		Success:       success,
		Payload:       raw,
		Error:         errText,
	}
	subject := "Response"
	return newProtocolMessage(from, to, TypeResponse, subject, body)
}

// NewNotify builds a validated notify message.
func NewNotify(from, to, event, subject string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, models.WrapError(models.CodeInvalidInput, "encode notify payload", err)
	}
	return newProtocolMessage(from, to, TypeNotify, subject, NotifyPayload{Event: event, Payload: raw})
}

func newProtocolMessage(from, to string, msgType MessageType, subject string, body any) (Message, error) {
	msg, err := NewMessage(from, to, msgType, subject, body)
	if err != nil {
		return Message{}, err
	}
	if err := ValidatePayload(msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// CreateReply builds a response to the given request message: from/to are
// swapped, the subject gains a "Re: " prefix, and the response payload's
// correlationId equals the request message id.
func CreateReply(request Message, success bool, payload any, errText string) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, models.WrapError(models.CodeInvalidInput, "encode reply payload", err)
	}

	body := ResponsePayload{
		CorrelationID: request.ID,
		Success:       success,
		Payload:       raw,
		Error:         errText,
	}
	msg, err := NewMessage(request.To, request.From, TypeResponse, "Re: "+request.Subject, body)
	if err != nil {
		return Message{}, err
	}
	msg.ReplyTo = request.ID
	if err := ValidatePayload(msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ParseRequest decodes a request message's payload.
func ParseRequest(msg Message) (RequestPayload, error) {
	var body RequestPayload
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		return RequestPayload{}, models.WrapError(models.CodeInvalidInput, "decode request payload", err)
	}
	return body, nil
}

// ParseResponse decodes a response message's payload.
func ParseResponse(msg Message) (ResponsePayload, error) {
	var body ResponsePayload
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		return ResponsePayload{}, models.WrapError(models.CodeInvalidInput, "decode response payload", err)
	}
	return body, nil
}

// ParseNotify decodes a notify message's payload.
func ParseNotify(msg Message) (NotifyPayload, error) {
	var body NotifyPayload
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		return NotifyPayload{}, models.WrapError(models.CodeInvalidInput, "decode notify payload", err)
	}
	return body, nil
}
