// Package types defines the domain model shared by every fleetlink component:
// the wire envelope, receipts, worker states and durable task records.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Command is the wire-level command name carried by every Message.
type Command string

// Protocol commands handled by the core itself.
const (
	CommandBind    Command = "bind"
	CommandUnbind  Command = "unbind"
	CommandPing    Command = "ping"
	CommandPong    Command = "pong"
	CommandReceipt Command = "receipt"
)

// Business commands routed to the external executor. The list is not
// exhaustive: any command outside the protocol set is treated as business.
const (
	CommandCollectArticle    Command = "collect_article"
	CommandCollectComment    Command = "collect_comment"
	CommandGetArticleReading Command = "get_article_reading"
)

// IsProtocol reports whether c is consumed by the messaging core rather than
// handed to the business dispatcher.
func (c Command) IsProtocol() bool {
	switch c {
	case CommandBind, CommandUnbind, CommandPing, CommandPong, CommandReceipt:
		return true
	}
	return false
}

// ErrInvalidMessage is wrapped by every validation failure.
var ErrInvalidMessage = errors.New("invalid message")

// ValidationError names the offending field of a malformed wire message.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidMessage }

// Message is the wire envelope. It is treated as immutable once built:
// queues wrap it with their own delivery metadata instead of editing it.
type Message struct {
	Command   Command         `json:"command"`
	DeviceID  string          `json:"device_id"`
	TraceID   string          `json:"trace_id"`
	Penetrate string          `json:"penetrate,omitempty"`
	Timestamp int64           `json:"timestamp"` // epoch milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a Message with a fresh trace id. payload may be nil, a
// json.RawMessage, or any JSON-serialisable value.
func NewMessage(cmd Command, deviceID string, payload any) (Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Command:   cmd,
		DeviceID:  deviceID,
		TraceID:   uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// WithDevice returns a copy of m addressed to deviceID.
func (m Message) WithDevice(deviceID string) Message {
	m.DeviceID = deviceID
	return m
}

// Encode serialises the message as a JSON text frame.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses and validates a JSON text frame.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate checks the fields every command needs. Business commands must
// carry a trace id so receipts can be correlated.
func (m Message) Validate() error {
	if m.Command == "" {
		return &ValidationError{Field: "command", Reason: "is required"}
	}
	if !m.Command.IsProtocol() && m.TraceID == "" {
		return &ValidationError{Field: "trace_id", Reason: "is required for " + string(m.Command)}
	}
	return nil
}

// DecodePayload unmarshals the payload into v.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

// ExecStatus is the lifecycle step reported by a receipt.
type ExecStatus int

const (
	ExecReceived  ExecStatus = 1
	ExecSucceeded ExecStatus = 2
	ExecFailed    ExecStatus = 3
	ExecTimedOut  ExecStatus = 4
)

func (s ExecStatus) String() string {
	switch s {
	case ExecReceived:
		return "received"
	case ExecSucceeded:
		return "succeeded"
	case ExecFailed:
		return "failed"
	case ExecTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("exec_status(%d)", int(s))
	}
}

// Receipt is the payload of an outbound receipt message.
type Receipt struct {
	Topic      string          `json:"topic"`
	AppType    string          `json:"app_type"`
	ExecCmd    Command         `json:"exec_cmd"`
	ExecStatus ExecStatus      `json:"exec_status"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data,omitempty"`
	ErrCode    int             `json:"errcode"`
}

// NewReceipt builds the receipt message for origin. trace_id and penetrate
// are copied verbatim so the server can correlate it with the request.
func NewReceipt(origin Message, appType string, status ExecStatus, text string, data any) (Message, error) {
	rawData, err := marshalPayload(data)
	if err != nil {
		return Message{}, err
	}
	errCode := 0
	if status == ExecFailed || status == ExecTimedOut {
		errCode = int(status)
	}
	payload, err := json.Marshal(Receipt{
		Topic:      string(CommandReceipt),
		AppType:    appType,
		ExecCmd:    origin.Command,
		ExecStatus: status,
		Message:    text,
		Data:       rawData,
		ErrCode:    errCode,
	})
	if err != nil {
		return Message{}, fmt.Errorf("marshal receipt: %w", err)
	}
	return Message{
		Command:   CommandReceipt,
		DeviceID:  origin.DeviceID,
		TraceID:   origin.TraceID,
		Penetrate: origin.Penetrate,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}, nil
}

// WorkerState is the state of one worker's finite state machine.
type WorkerState string

const (
	StateInit             WorkerState = "INIT"
	StateNotLogined       WorkerState = "NOT_LOGINED"
	StateIdle             WorkerState = "IDLE"
	StateWorking          WorkerState = "WORKING"
	StateWorkingException WorkerState = "WORKING_EXCEPTION"
	StateIdleException    WorkerState = "IDLE_EXCEPTION"
)

// ParseWorkerState accepts the canonical upper-case names.
func ParseWorkerState(s string) (WorkerState, bool) {
	switch st := WorkerState(s); st {
	case StateInit, StateNotLogined, StateIdle, StateWorking, StateWorkingException, StateIdleException:
		return st, true
	}
	return "", false
}

// ConnStatus is the status of a pooled connection.
type ConnStatus string

const (
	ConnConnected    ConnStatus = "connected"
	ConnDisconnected ConnStatus = "disconnected"
)

// TaskStatus is the status of a ledger record.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskFailed     TaskStatus = "failed"
	TaskCompleted  TaskStatus = "completed"
)

// TaskRecord is one durable ledger entry, keyed by the originating trace id.
// Times are epoch milliseconds so the stored form is stable across restarts.
type TaskRecord struct {
	ID         string          `json:"id"`
	Command    Command         `json:"command"`
	Content    json.RawMessage `json:"content"`
	AccountID  string          `json:"account_id"`
	DeviceID   string          `json:"device_id"`
	ReceivedAt int64           `json:"received_at"`
	TimeoutAt  int64           `json:"timeout_at"`
	Status     TaskStatus      `json:"status"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// Expired reports whether the record's timeout horizon is behind now.
func (r *TaskRecord) Expired(now time.Time) bool {
	return r.TimeoutAt <= now.UnixMilli()
}

// Message decodes the original wire message stored in Content.
func (r *TaskRecord) Message() (Message, error) {
	var m Message
	if err := json.Unmarshal(r.Content, &m); err != nil {
		return Message{}, fmt.Errorf("decode task %s content: %w", r.ID, err)
	}
	return m, nil
}

// LedgerData is the persisted form of the whole ledger table.
type LedgerData struct {
	Tasks     map[string]*TaskRecord `json:"tasks"`
	SchemaVer int                    `json:"schema_ver"`
}
