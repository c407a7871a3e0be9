package session

import (
	"testing"

	harness "github.com/jmoyers/harness-sub010"
)

type published struct {
	eventType string
	payload   map[string]any
}

func newTestRuntime(t *testing.T, agent harness.AgentType) (*Runtime, *[]published) {
	t.Helper()
	var events []published
	r := New("s1", agent, harness.Scope{TenantID: "t", UserID: "u", WorkspaceID: "w"},
		WithPublish(func(eventType string, payload map[string]any) {
			events = append(events, published{eventType: eventType, payload: payload})
		}),
	)
	return r, &events
}

func lastStatus(t *testing.T, events []published) map[string]any {
	t.Helper()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].eventType == harness.ObservedSessionStatus {
			return events[i].payload
		}
	}
	t.Fatal("no session-status event published")
	return nil
}

func TestNeedsInputRoundTrip(t *testing.T) {
	r, events := newTestRuntime(t, harness.AgentClaude)
	r.Claim("ctrl-a", harness.ControllerHuman, "", false)

	r.HandleNotify(map[string]any{
		"hook_event_name":   "Notification",
		"notification_type": "permissionRequest",
	})
	snap := r.Snapshot()
	if snap.Status != harness.StatusNeedsInput {
		t.Fatalf("status = %s, want needs-input", snap.Status)
	}
	if snap.AttentionReason != "permissionRequest" {
		t.Errorf("attentionReason = %q, want permissionRequest", snap.AttentionReason)
	}
	st := lastStatus(t, *events)
	if st["attentionReason"] != "permissionRequest" {
		t.Errorf("published reason = %v", st["attentionReason"])
	}

	// Input from the current controller returns to running.
	r.HandleInput("ctrl-a")
	snap = r.Snapshot()
	if snap.Status != harness.StatusRunning {
		t.Errorf("status = %s, want running", snap.Status)
	}
	if snap.AttentionReason != "" {
		t.Errorf("attentionReason = %q, want cleared", snap.AttentionReason)
	}
}

func TestInputFromNonControllerIgnored(t *testing.T) {
	r, _ := newTestRuntime(t, harness.AgentClaude)
	r.Claim("ctrl-a", harness.ControllerHuman, "", false)
	r.HandleNotify(map[string]any{
		"hook_event_name":   "Notification",
		"notification_type": "permissionRequest",
	})

	r.HandleInput("ctrl-b")
	if got := r.Snapshot().Status; got != harness.StatusNeedsInput {
		t.Errorf("status = %s, want needs-input preserved", got)
	}
}

func TestCompletedThenOutputResumesRunning(t *testing.T) {
	r, _ := newTestRuntime(t, harness.AgentCodex)
	r.HandleNotify(map[string]any{"hook_event_name": "agent-turn-complete"})
	if got := r.Snapshot().Status; got != harness.StatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
	r.HandleOutput()
	if got := r.Snapshot().Status; got != harness.StatusRunning {
		t.Errorf("status = %s, want running", got)
	}
}

func TestNotifyWithoutHintKeepsStatus(t *testing.T) {
	r, events := newTestRuntime(t, harness.AgentCodex)
	before := len(*events)
	r.HandleNotify(map[string]any{"hook_event_name": "misc-progress"})
	if got := r.Snapshot().Status; got != harness.StatusRunning {
		t.Errorf("status = %s, want running", got)
	}
	if len(*events) != before {
		t.Errorf("hint-less notify published a status event")
	}
	if r.Telemetry() == nil {
		t.Error("telemetry not recorded")
	}
}

func TestClaimTakeoverScenario(t *testing.T) {
	r, events := newTestRuntime(t, harness.AgentCodex)

	if got := r.Claim("A", harness.ControllerHuman, "", false); got != harness.ClaimClaimed {
		t.Fatalf("claim A = %s, want claimed", got)
	}
	if got := r.Claim("B", harness.ControllerHuman, "", false); got != harness.ClaimAlreadyOwned {
		t.Fatalf("claim B = %s, want already-owned", got)
	}
	if got := r.Claim("B", harness.ControllerHuman, "", true); got != harness.ClaimClaimed {
		t.Fatalf("takeover B = %s, want claimed", got)
	}

	st := lastStatus(t, *events)
	ctrl, ok := st["controller"].(map[string]any)
	if !ok || ctrl["controllerId"] != "B" {
		t.Errorf("published controller = %v, want B", st["controller"])
	}
	if !r.IsController("B") {
		t.Error("B is not the controller after takeover")
	}
}

func TestAgentCannotDisplaceHuman(t *testing.T) {
	r, _ := newTestRuntime(t, harness.AgentCodex)
	r.Claim("human-1", harness.ControllerHuman, "", false)
	if got := r.Claim("agent-1", harness.ControllerAgent, "", true); got != harness.ClaimTakeoverDeclined {
		t.Errorf("agent takeover = %s, want takeover-declined", got)
	}
	if !r.IsController("human-1") {
		t.Error("human lost the claim")
	}
}

func TestReclaimByOwnerIsClaimed(t *testing.T) {
	r, _ := newTestRuntime(t, harness.AgentCodex)
	r.Claim("A", harness.ControllerHuman, "", false)
	if got := r.Claim("A", harness.ControllerHuman, "", false); got != harness.ClaimClaimed {
		t.Errorf("reclaim = %s, want claimed", got)
	}
}

func TestRelease(t *testing.T) {
	r, _ := newTestRuntime(t, harness.AgentCodex)
	r.Claim("A", harness.ControllerHuman, "", false)
	if !r.Release("A") {
		t.Fatal("release by owner failed")
	}
	if r.Controller() != nil {
		t.Error("controller not cleared")
	}
	if r.Release("A") {
		t.Error("second release reported success")
	}
}

func TestExitCoalescing(t *testing.T) {
	r, events := newTestRuntime(t, harness.AgentCodex)

	if !r.HandleExit(harness.ExitStatus{Code: 0}) {
		t.Fatal("first exit not applied")
	}
	statusEvents := len(*events)
	if r.HandleExit(harness.ExitStatus{Code: 1}) {
		t.Error("second exit applied")
	}
	if len(*events) != statusEvents {
		t.Error("second exit published an event")
	}

	snap := r.Snapshot()
	if snap.Status != harness.StatusExited || snap.Live {
		t.Errorf("snapshot = %+v, want exited and not live", snap)
	}
	if snap.LastExit == nil || snap.LastExit.Code != 0 {
		t.Errorf("lastExit = %+v, want first exit preserved", snap.LastExit)
	}

	// Everything after exited is dropped.
	r.HandleOutput()
	r.HandleNotify(map[string]any{"hook_event_name": "Stop"})
	if got := r.Snapshot().Status; got != harness.StatusExited {
		t.Errorf("status = %s, want exited", got)
	}
}

func TestAdapterStateSurvivesExit(t *testing.T) {
	r, _ := newTestRuntime(t, harness.AgentClaude)
	r.HandleNotify(map[string]any{"hook_event_name": "PreToolUse", "tool": "bash"})
	r.HandleExit(harness.ExitStatus{Code: 0})
	tel := r.Telemetry()
	if tel == nil || tel["tool"] != "bash" {
		t.Errorf("telemetry after exit = %v, want preserved", tel)
	}
}
