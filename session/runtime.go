package session

import (
	"log/slog"
	"sync"
	"time"

	harness "github.com/jmoyers/harness-sub010"
)

// PublishFunc receives observed-event payloads from the runtime. The
// payload always carries "sessionId".
type PublishFunc func(eventType string, payload map[string]any)

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithPublish sets the observed-event sink.
func WithPublish(fn PublishFunc) Option {
	return func(r *Runtime) { r.publish = fn }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// Runtime is the per-conversation state machine. It owns all mutable
// session fields; every mutation goes through its lock.
type Runtime struct {
	mu sync.Mutex

	id    string
	agent harness.AgentType
	scope harness.Scope

	status          harness.Status
	attentionReason string
	controller      *harness.Controller
	lastEventAt     time.Time
	lastExit        *harness.ExitStatus
	exitedAt        time.Time
	latestTelemetry map[string]any
	adapterState    map[string]any
	processID       int
	exited          bool

	publish PublishFunc
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Runtime in the running state.
func New(id string, agent harness.AgentType, scope harness.Scope, opts ...Option) *Runtime {
	r := &Runtime{
		id:      id,
		agent:   agent,
		scope:   scope,
		status:  harness.StatusRunning,
		publish: func(string, map[string]any) {},
		logger:  slog.New(discardHandler{}),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ID returns the session identifier.
func (r *Runtime) ID() string { return r.id }

// Scope returns the session's scope tuple.
func (r *Runtime) Scope() harness.Scope { return r.scope }

// SetProcessID records the PTY child pid for snapshots.
func (r *Runtime) SetProcessID(pid int) {
	r.mu.Lock()
	r.processID = pid
	r.mu.Unlock()
}

// Snapshot returns the current runtime view.
func (r *Runtime) Snapshot() harness.RuntimeSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := harness.RuntimeSnapshot{
		Status:          r.status,
		Live:            !r.exited,
		AttentionReason: r.attentionReason,
		ProcessID:       r.processID,
		LastEventAt:     r.lastEventAt,
	}
	if r.lastExit != nil {
		exit := *r.lastExit
		snap.LastExit = &exit
	}
	if r.controller != nil {
		ctrl := *r.controller
		snap.Controller = &ctrl
	}
	return snap
}

// Telemetry returns the most recent hook record, if any.
func (r *Runtime) Telemetry() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latestTelemetry
}

// HandleOutput reacts to a PTY output chunk: a completed session goes back
// to running. Exited sessions ignore output.
func (r *Runtime) HandleOutput() {
	r.mu.Lock()
	if r.exited {
		r.mu.Unlock()
		return
	}
	r.lastEventAt = r.now()
	changed := false
	if r.status == harness.StatusCompleted {
		r.status = harness.StatusRunning
		changed = true
	}
	r.mu.Unlock()
	if changed {
		r.publishStatus()
	}
}

// HandleNotify applies one hook record: updates telemetry, maps the record
// through the agent dispatch table, and applies any status hint. Returns
// the normalized result.
func (r *Runtime) HandleNotify(record map[string]any) NotifyResult {
	res := MapNotify(r.agent, record)

	r.mu.Lock()
	if r.exited {
		r.mu.Unlock()
		return res
	}
	r.lastEventAt = r.now()
	r.latestTelemetry = record

	changed := false
	switch res.StatusHint {
	case HintRunning:
		if r.status != harness.StatusRunning {
			r.status = harness.StatusRunning
			r.attentionReason = ""
			changed = true
		}
	case HintNeedsInput:
		if r.status == harness.StatusRunning {
			r.status = harness.StatusNeedsInput
			switch {
			case res.Summary != "":
				r.attentionReason = res.Summary
			case r.attentionReason != "":
				// keep the existing reason
			default:
				r.attentionReason = "input required"
			}
			changed = true
		}
	case HintCompleted:
		if r.status == harness.StatusRunning || r.status == harness.StatusNeedsInput {
			r.status = harness.StatusCompleted
			r.attentionReason = ""
			changed = true
		}
	}
	r.mu.Unlock()

	if changed {
		r.publishStatus()
	}
	return res
}

// HandleInput reacts to keyboard input from controllerID. Input from the
// current controller moves needs-input back to running.
func (r *Runtime) HandleInput(controllerID string) {
	r.mu.Lock()
	if r.exited || r.status != harness.StatusNeedsInput {
		r.mu.Unlock()
		return
	}
	if r.controller != nil && r.controller.ControllerID != controllerID {
		r.mu.Unlock()
		return
	}
	r.status = harness.StatusRunning
	r.attentionReason = ""
	r.mu.Unlock()
	r.publishStatus()
}

// Respond forces the session to running, as an explicit session.respond
// command does regardless of prior state.
func (r *Runtime) Respond() {
	r.mu.Lock()
	if r.exited {
		r.mu.Unlock()
		return
	}
	changed := r.status != harness.StatusRunning
	r.status = harness.StatusRunning
	r.attentionReason = ""
	r.mu.Unlock()
	if changed {
		r.publishStatus()
	}
}

// HandleExit records the terminal transition. Only the first call has any
// effect; the runtime drops everything after exited. Returns true when this
// call performed the transition.
func (r *Runtime) HandleExit(exit harness.ExitStatus) bool {
	r.mu.Lock()
	if r.exited {
		r.mu.Unlock()
		return false
	}
	r.exited = true
	r.status = harness.StatusExited
	r.lastExit = &exit
	r.exitedAt = r.now()
	r.lastEventAt = r.exitedAt
	r.mu.Unlock()
	r.publishStatus()
	return true
}

// Exited reports whether the terminal transition happened.
func (r *Runtime) Exited() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exited
}

// Controller returns a copy of the current claim, or nil.
func (r *Runtime) Controller() *harness.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.controller == nil {
		return nil
	}
	ctrl := *r.controller
	return &ctrl
}

// IsController reports whether controllerID currently owns the session.
func (r *Runtime) IsController(controllerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controller != nil && r.controller.ControllerID == controllerID
}

// Claim is a compare-and-swap on the controller slot. An unclaimed session
// is claimed outright; re-claiming by the current owner refreshes the
// claim. A different owner blocks the claim unless takeover is set; an
// agent requesting takeover from a human controller is declined.
func (r *Runtime) Claim(controllerID string, ctype harness.ControllerType, label string, takeover bool) harness.ClaimAction {
	if ctype == "" {
		ctype = harness.ControllerHuman
	}

	r.mu.Lock()
	cur := r.controller
	switch {
	case cur == nil || cur.ControllerID == controllerID:
		// fall through to claim
	case !takeover:
		r.mu.Unlock()
		return harness.ClaimAlreadyOwned
	case ctype == harness.ControllerAgent && cur.ControllerType == harness.ControllerHuman:
		r.mu.Unlock()
		return harness.ClaimTakeoverDeclined
	}
	r.controller = &harness.Controller{
		ControllerID:    controllerID,
		ControllerType:  ctype,
		ControllerLabel: label,
		ClaimedAt:       r.now(),
	}
	r.mu.Unlock()

	r.publishStatus()
	return harness.ClaimClaimed
}

// Release drops the claim when controllerID owns it.
func (r *Runtime) Release(controllerID string) bool {
	r.mu.Lock()
	if r.controller == nil || r.controller.ControllerID != controllerID {
		r.mu.Unlock()
		return false
	}
	r.controller = nil
	r.mu.Unlock()
	r.publishStatus()
	return true
}

// publishStatus emits a session-status observed event with the current
// snapshot. Called without the lock held.
func (r *Runtime) publishStatus() {
	snap := r.Snapshot()
	payload := map[string]any{
		"sessionId": r.id,
		"status":    string(snap.Status),
		"live":      snap.Live,
	}
	if snap.AttentionReason != "" {
		payload["attentionReason"] = snap.AttentionReason
	}
	if snap.Controller != nil {
		payload["controller"] = map[string]any{
			"controllerId":    snap.Controller.ControllerID,
			"controllerType":  string(snap.Controller.ControllerType),
			"controllerLabel": snap.Controller.ControllerLabel,
		}
	}
	if snap.LastExit != nil {
		payload["lastExit"] = map[string]any{
			"code":   snap.LastExit.Code,
			"signal": snap.LastExit.Signal,
		}
	}
	r.publish(harness.ObservedSessionStatus, payload)
}
