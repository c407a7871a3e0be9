package protocol

import (
	"encoding/base64"
	"encoding/json"
	"math"

	harness "github.com/jmoyers/harness-sub010"
)

// Parse decodes one wire line into an envelope. It returns false for any
// line that is not a JSON object, has an unknown kind, or fails the strict
// per-kind validation. Parse never panics on input.
func Parse(line []byte) (Envelope, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(line, &m); err != nil || m == nil {
		return nil, false
	}
	kind, ok := getString(m, "kind")
	if !ok {
		return nil, false
	}
	switch kind {
	case KindAuth:
		return parseAuth(m)
	case KindCommand:
		return parseCommand(m)
	case KindPtyInput:
		return parsePtyInput(m)
	case KindPtyResize:
		return parsePtyResize(m)
	case KindPtySignal:
		return parsePtySignal(m)
	case KindAuthOK:
		return AuthOK{}, true
	case KindAuthError:
		return parseAuthError(m)
	case KindCommandAccepted:
		return parseCommandAccepted(m)
	case KindCommandCompleted:
		return parseCommandCompleted(m)
	case KindCommandFailed:
		return parseCommandFailed(m)
	case KindPtyOutput:
		return parsePtyOutput(m)
	case KindPtyEvent:
		return parsePtyEvent(m)
	case KindPtyExit:
		return parsePtyExit(m)
	case KindStreamEvent:
		return parseStreamEvent(m)
	}
	return nil, false
}

func parseAuth(m map[string]json.RawMessage) (Envelope, bool) {
	token, ok := getString(m, "token")
	if !ok {
		return nil, false
	}
	return Auth{Token: token}, true
}

func parseCommand(m map[string]json.RawMessage) (Envelope, bool) {
	id, ok := getString(m, "commandId")
	if !ok || id == "" {
		return nil, false
	}
	raw, ok := m["command"]
	if !ok {
		return nil, false
	}
	var cmd map[string]json.RawMessage
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd == nil {
		return nil, false
	}
	typ, ok := getString(cmd, "type")
	if !ok || typ == "" {
		return nil, false
	}
	return Command{CommandID: id, Type: typ, Raw: raw}, true
}

func parsePtyInput(m map[string]json.RawMessage) (Envelope, bool) {
	sid, ok := getString(m, "sessionId")
	if !ok || sid == "" {
		return nil, false
	}
	data, ok := getString(m, "dataBase64")
	if !ok {
		return nil, false
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return nil, false
	}
	return PtyInput{SessionID: sid, DataBase64: data}, true
}

func parsePtyResize(m map[string]json.RawMessage) (Envelope, bool) {
	sid, ok := getString(m, "sessionId")
	if !ok || sid == "" {
		return nil, false
	}
	cols, ok := getInt(m, "cols")
	if !ok || cols < 1 || cols > 10000 {
		return nil, false
	}
	rows, ok := getInt(m, "rows")
	if !ok || rows < 1 || rows > 10000 {
		return nil, false
	}
	return PtyResize{SessionID: sid, Cols: int(cols), Rows: int(rows)}, true
}

func parsePtySignal(m map[string]json.RawMessage) (Envelope, bool) {
	sid, ok := getString(m, "sessionId")
	if !ok || sid == "" {
		return nil, false
	}
	sig, ok := getString(m, "signal")
	if !ok {
		return nil, false
	}
	switch sig {
	case SignalInterrupt, SignalEOF, SignalTerminate:
	default:
		return nil, false
	}
	return PtySignal{SessionID: sid, Signal: sig}, true
}

func parseAuthError(m map[string]json.RawMessage) (Envelope, bool) {
	msg, ok := getString(m, "error")
	if !ok {
		return nil, false
	}
	return AuthError{Error: msg}, true
}

func parseCommandAccepted(m map[string]json.RawMessage) (Envelope, bool) {
	id, ok := getString(m, "commandId")
	if !ok || id == "" {
		return nil, false
	}
	return CommandAccepted{CommandID: id}, true
}

func parseCommandCompleted(m map[string]json.RawMessage) (Envelope, bool) {
	id, ok := getString(m, "commandId")
	if !ok || id == "" {
		return nil, false
	}
	result, ok := m["result"]
	if !ok {
		return nil, false
	}
	return CommandCompleted{CommandID: id, Result: result}, true
}

func parseCommandFailed(m map[string]json.RawMessage) (Envelope, bool) {
	id, ok := getString(m, "commandId")
	if !ok || id == "" {
		return nil, false
	}
	raw, ok := m["error"]
	if !ok {
		return nil, false
	}
	var e map[string]json.RawMessage
	if err := json.Unmarshal(raw, &e); err != nil || e == nil {
		return nil, false
	}
	kind, ok := getString(e, "kind")
	if !ok || kind == "" {
		return nil, false
	}
	msg, _ := getString(e, "message")
	return CommandFailed{CommandID: id, Error: CommandError{Kind: kind, Message: msg}}, true
}

func parsePtyOutput(m map[string]json.RawMessage) (Envelope, bool) {
	sid, ok := getString(m, "sessionId")
	if !ok || sid == "" {
		return nil, false
	}
	cursor, ok := getUint(m, "cursor")
	if !ok {
		return nil, false
	}
	chunk, ok := getString(m, "chunkBase64")
	if !ok {
		return nil, false
	}
	if _, err := base64.StdEncoding.DecodeString(chunk); err != nil {
		return nil, false
	}
	return PtyOutput{SessionID: sid, Cursor: cursor, ChunkBase64: chunk}, true
}

func parsePtyEvent(m map[string]json.RawMessage) (Envelope, bool) {
	sid, ok := getString(m, "sessionId")
	if !ok || sid == "" {
		return nil, false
	}
	raw, ok := m["event"]
	if !ok {
		return nil, false
	}
	var body PtyEventBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, false
	}
	switch body.Type {
	case PtyEventNotify, PtyEventSessionExit, PtyEventTurnCompleted, PtyEventAttentionRequired:
	default:
		return nil, false
	}
	return PtyEvent{SessionID: sid, Event: body}, true
}

func parsePtyExit(m map[string]json.RawMessage) (Envelope, bool) {
	sid, ok := getString(m, "sessionId")
	if !ok || sid == "" {
		return nil, false
	}
	raw, ok := m["exit"]
	if !ok {
		return nil, false
	}
	var exit harness.ExitStatus
	if err := json.Unmarshal(raw, &exit); err != nil {
		return nil, false
	}
	return PtyExit{SessionID: sid, Exit: exit}, true
}

func parseStreamEvent(m map[string]json.RawMessage) (Envelope, bool) {
	raw, ok := m["event"]
	if !ok {
		return nil, false
	}
	var ev harness.ObservedEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, false
	}
	if ev.Type == "" {
		return nil, false
	}
	return StreamEvent{Event: ev}, true
}

// EncodeBase64 encodes raw PTY bytes for the wire.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes a wire payload. Returns false on malformed input.
func DecodeBase64(s string) ([]byte, bool) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return data, true
}

// --- field helpers ---

func getString(m map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := m[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// getInt extracts an integral JSON number. Fractional values, NaN, Inf, and
// non-numbers are rejected.
func getInt(m map[string]json.RawMessage, key string) (int64, bool) {
	raw, ok := m[key]
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

func getUint(m map[string]json.RawMessage, key string) (uint64, bool) {
	n, ok := getInt(m, key)
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}
