// Package protocol defines the newline-delimited JSON wire protocol spoken
// between the harness gateway and its clients.
//
// Each envelope is a single UTF-8 JSON object terminated by '\n' with a
// top-level "kind" discriminator. Parsing is strict: a validator returns
// nothing rather than a partially-filled envelope when any field is missing
// or misshaped. Invalid lines are skipped by the decoder, never fatal.
package protocol

import (
	"encoding/json"
	"fmt"

	harness "github.com/jmoyers/harness-sub010"
)

// Envelope kinds, client to server.
const (
	KindAuth      = "auth"
	KindCommand   = "command"
	KindPtyInput  = "pty.input"
	KindPtyResize = "pty.resize"
	KindPtySignal = "pty.signal"
)

// Envelope kinds, server to client.
const (
	KindAuthOK           = "auth.ok"
	KindAuthError        = "auth.error"
	KindCommandAccepted  = "command.accepted"
	KindCommandCompleted = "command.completed"
	KindCommandFailed    = "command.failed"
	KindPtyOutput        = "pty.output"
	KindPtyEvent         = "pty.event"
	KindPtyExit          = "pty.exit"
	KindStreamEvent      = "stream.event"
)

// Signals accepted on a pty.signal envelope.
const (
	SignalInterrupt = "interrupt"
	SignalEOF       = "eof"
	SignalTerminate = "terminate"
)

// Envelope is a decoded wire message. Concrete types below.
type Envelope interface {
	envelopeKind() string
}

// Auth is the first client envelope when the server requires a token.
type Auth struct {
	Token string `json:"token"`
}

// Command wraps an RPC-style command. Raw holds the full command object,
// including its "type" field, so the dispatcher can unmarshal typed params.
type Command struct {
	CommandID string          `json:"commandId"`
	Type      string          `json:"-"`
	Raw       json.RawMessage `json:"command"`
}

// NewCommand builds a Command envelope from any params struct carrying a
// "type" field in its JSON form.
func NewCommand(commandID string, params any) (Command, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Command{}, fmt.Errorf("protocol: marshal command: %w", err)
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Type == "" {
		return Command{}, fmt.Errorf("protocol: command params missing type")
	}
	return Command{CommandID: commandID, Type: probe.Type, Raw: raw}, nil
}

// PtyInput carries base64 keyboard bytes for a session.
type PtyInput struct {
	SessionID  string `json:"sessionId"`
	DataBase64 string `json:"dataBase64"`
}

// PtyResize requests a terminal resize.
type PtyResize struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// PtySignal delivers one of the enumerated signals to a session.
type PtySignal struct {
	SessionID string `json:"sessionId"`
	Signal    string `json:"signal"`
}

// AuthOK acknowledges a successful auth.
type AuthOK struct{}

// AuthError reports an auth failure; the server closes the connection after
// sending it.
type AuthError struct {
	Error string `json:"error"`
}

// CommandAccepted is sent immediately when a command is accepted, before
// any side effect.
type CommandAccepted struct {
	CommandID string `json:"commandId"`
}

// CommandCompleted is the successful terminal reply for a command.
type CommandCompleted struct {
	CommandID string          `json:"commandId"`
	Result    json.RawMessage `json:"result"`
}

// CommandError is the error payload on a command.failed envelope. Kind is a
// stable string clients match on.
type CommandError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// CommandFailed is the failing terminal reply for a command.
type CommandFailed struct {
	CommandID string       `json:"commandId"`
	Error     CommandError `json:"error"`
}

// PtyOutput carries a chunk of PTY bytes. Cursor is the broker byte cursor
// after the chunk.
type PtyOutput struct {
	SessionID   string `json:"sessionId"`
	Cursor      uint64 `json:"cursor"`
	ChunkBase64 string `json:"chunkBase64"`
}

// PTY event types carried on a pty.event envelope.
const (
	PtyEventNotify            = "notify"
	PtyEventSessionExit       = "session-exit"
	PtyEventTurnCompleted     = "turn-completed"
	PtyEventAttentionRequired = "attention-required"
)

// PtyEventBody is the event payload of a pty.event envelope.
type PtyEventBody struct {
	Type   string              `json:"type"`
	Record map[string]any      `json:"record,omitempty"`
	Exit   *harness.ExitStatus `json:"exit,omitempty"`
	Reason string              `json:"reason,omitempty"`
}

// PtyEvent delivers a sideband session event to event subscribers.
type PtyEvent struct {
	SessionID string       `json:"sessionId"`
	Event     PtyEventBody `json:"event"`
}

// PtyExit reports the child process exit for a session.
type PtyExit struct {
	SessionID string             `json:"sessionId"`
	Exit      harness.ExitStatus `json:"exit"`
}

// StreamEvent delivers an observed event to a stream subscriber.
type StreamEvent struct {
	Event harness.ObservedEvent `json:"event"`
}

func (Auth) envelopeKind() string             { return KindAuth }
func (Command) envelopeKind() string          { return KindCommand }
func (PtyInput) envelopeKind() string         { return KindPtyInput }
func (PtyResize) envelopeKind() string        { return KindPtyResize }
func (PtySignal) envelopeKind() string        { return KindPtySignal }
func (AuthOK) envelopeKind() string           { return KindAuthOK }
func (AuthError) envelopeKind() string        { return KindAuthError }
func (CommandAccepted) envelopeKind() string  { return KindCommandAccepted }
func (CommandCompleted) envelopeKind() string { return KindCommandCompleted }
func (CommandFailed) envelopeKind() string    { return KindCommandFailed }
func (PtyOutput) envelopeKind() string        { return KindPtyOutput }
func (PtyEvent) envelopeKind() string         { return KindPtyEvent }
func (PtyExit) envelopeKind() string          { return KindPtyExit }
func (StreamEvent) envelopeKind() string      { return KindStreamEvent }

// Encode marshals an envelope as a single JSON line, '\n' terminated.
func Encode(e Envelope) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", e.envelopeKind(), err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("protocol: reshape %s: %w", e.envelopeKind(), err)
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	kind, _ := json.Marshal(e.envelopeKind())
	m["kind"] = kind
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", e.envelopeKind(), err)
	}
	return append(out, '\n'), nil
}
