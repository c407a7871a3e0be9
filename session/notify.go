// Package session holds the per-conversation runtime: the status machine,
// agent hook mapping, and controller claim logic.
package session

import (
	"sort"
	"strings"

	harness "github.com/jmoyers/harness-sub010"
)

// Hint is the status transition suggested by a hook event.
type Hint int

const (
	HintNone Hint = iota
	HintRunning
	HintNeedsInput
	HintCompleted
)

// NotifyResult is the normalized interpretation of one hook record.
type NotifyResult struct {
	// EventName is the normalized event identity, e.g. "claude.stop" or
	// "codex.notify.unmapped".
	EventName string
	// StatusHint drives the session status machine; HintNone leaves it alone.
	StatusHint Hint
	// Summary becomes the attention reason when the hint is needs-input.
	Summary string
}

// notifyMapper interprets one agent's hook records.
type notifyMapper func(record map[string]any) NotifyResult

// mappers dispatches by agent type. The critique agent speaks the codex
// hook dialect.
var mappers = map[harness.AgentType]notifyMapper{
	harness.AgentCodex:    mapCodex,
	harness.AgentClaude:   mapClaude,
	harness.AgentCursor:   mapCursor,
	harness.AgentCritique: mapCodex,
}

// MapNotify interprets a raw hook record for the given agent. Unmapped
// payloads come back as "<agent>.notify.unmapped" with the record keys
// joined into the summary for diagnosis.
func MapNotify(agent harness.AgentType, record map[string]any) NotifyResult {
	if m, ok := mappers[agent]; ok {
		return m(record)
	}
	return unmapped(string(agent), record)
}

// normalizeEvent lowercases and strips non-alphanumerics, so that
// "agent-turn-complete", "AgentTurnComplete", and "agent_turn_complete"
// all collapse to one token.
func normalizeEvent(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func eventName(record map[string]any) string {
	for _, key := range []string{"hook_event_name", "hookEventName", "event", "type"} {
		if v, ok := record[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func unmapped(agent string, record map[string]any) NotifyResult {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return NotifyResult{
		EventName: agent + ".notify.unmapped",
		Summary:   strings.Join(keys, ","),
	}
}

func mapCodex(record map[string]any) NotifyResult {
	name := eventName(record)
	if name == "" {
		return unmapped("codex", record)
	}
	if normalizeEvent(name) == "agentturncomplete" {
		return NotifyResult{EventName: "codex.agent-turn-complete", StatusHint: HintCompleted}
	}
	return NotifyResult{EventName: "codex." + normalizeEvent(name)}
}

// approvalGrantTokens and approvalAskTokens classify Claude notification
// subtypes into running vs needs-input.
var (
	approvalGrantTokens = map[string]bool{
		"permissionapproved": true,
		"permissiongranted":  true,
		"approvalapproved":   true,
		"approvalgranted":    true,
	}
	approvalAskTokens = map[string]bool{
		"permissionrequest": true,
		"approvalrequest":   true,
		"approvalrequired":  true,
		"inputrequired":     true,
	}
)

func mapClaude(record map[string]any) NotifyResult {
	name := eventName(record)
	if name == "" {
		return unmapped("claude", record)
	}
	norm := normalizeEvent(name)
	switch norm {
	case "userpromptsubmit", "pretooluse":
		return NotifyResult{EventName: "claude." + norm, StatusHint: HintRunning}
	case "stop", "subagentstop", "sessionend":
		return NotifyResult{EventName: "claude." + norm, StatusHint: HintCompleted}
	case "notification":
		sub, _ := record["notification_type"].(string)
		token := normalizeEvent(sub)
		switch {
		case approvalGrantTokens[token]:
			return NotifyResult{EventName: "claude.notification." + token, StatusHint: HintRunning}
		case approvalAskTokens[token]:
			return NotifyResult{EventName: "claude.notification." + token, StatusHint: HintNeedsInput, Summary: sub}
		}
		return NotifyResult{EventName: "claude.notification"}
	}
	return NotifyResult{EventName: "claude." + norm}
}

func mapCursor(record map[string]any) NotifyResult {
	name := eventName(record)
	if name == "" {
		return unmapped("cursor", record)
	}
	norm := normalizeEvent(name)

	if finalStatus, ok := record["final_status"].(string); ok {
		switch normalizeEvent(finalStatus) {
		case "aborted", "cancelled", "completed":
			return NotifyResult{EventName: "cursor." + norm, StatusHint: HintCompleted}
		}
	}

	switch {
	case norm == "beforesubmitprompt":
		return NotifyResult{EventName: "cursor." + norm, StatusHint: HintRunning}
	case strings.HasPrefix(norm, "before") &&
		(strings.Contains(norm, "shell") || strings.Contains(norm, "mcp") || strings.Contains(norm, "tool")):
		return NotifyResult{EventName: "cursor." + norm, StatusHint: HintRunning}
	case norm == "stop", norm == "sessionend", strings.Contains(norm, "abort"):
		return NotifyResult{EventName: "cursor." + norm, StatusHint: HintCompleted}
	case strings.HasPrefix(norm, "after") && strings.Contains(norm, "tool"):
		return NotifyResult{EventName: "cursor." + norm, Summary: "tool finished (hook)"}
	}
	return NotifyResult{EventName: "cursor." + norm}
}
