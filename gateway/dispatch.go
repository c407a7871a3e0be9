package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	harness "github.com/jmoyers/harness-sub010"
	"github.com/jmoyers/harness-sub010/broker"
	"github.com/jmoyers/harness-sub010/protocol"
	"github.com/jmoyers/harness-sub010/ptyhost"
	"github.com/jmoyers/harness-sub010/state"
)

// dispatchTimeout bounds one command's store work.
const dispatchTimeout = 30 * time.Second

// sessionView is the wire shape of one session row.
type sessionView struct {
	SessionID string                  `json:"sessionId"`
	AgentType harness.AgentType       `json:"agentType"`
	Scope     harness.Scope           `json:"scope"`
	CreatedAt time.Time               `json:"createdAt"`
	Runtime   harness.RuntimeSnapshot `json:"runtime"`
}

func viewOf(sess *Session) sessionView {
	return sessionView{
		SessionID: sess.ID,
		AgentType: sess.Agent,
		Scope:     sess.Scope,
		CreatedAt: sess.CreatedAt,
		Runtime:   sess.Runtime.Snapshot(),
	}
}

// handleCommand acknowledges, dispatches, and sends exactly one terminal
// reply.
func (c *conn) handleCommand(cmd protocol.Command) {
	start := time.Now()
	c.send(protocol.CommandAccepted{CommandID: cmd.CommandID})

	result, err := c.dispatch(cmd)
	c.srv.obs.RecordCommand(context.Background(), cmd.Type, err == nil, time.Since(start))

	if err != nil {
		var he *harness.Error
		msg := err.Error()
		if errors.As(err, &he) {
			msg = he.Message
		}
		c.send(protocol.CommandFailed{
			CommandID: cmd.CommandID,
			Error:     protocol.CommandError{Kind: harness.KindOf(err), Message: msg},
		})
		return
	}

	raw, merr := json.Marshal(result)
	if merr != nil {
		c.send(protocol.CommandFailed{
			CommandID: cmd.CommandID,
			Error:     protocol.CommandError{Kind: harness.KindInternal, Message: "marshal result"},
		})
		return
	}
	c.send(protocol.CommandCompleted{CommandID: cmd.CommandID, Result: raw})
}

func decodeParams[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, harness.Errf(harness.KindInvalidArgument, "malformed command params: %v", err)
	}
	return v, nil
}

func (c *conn) requireStore() (state.Store, error) {
	if c.srv.store == nil {
		return nil, harness.Errf(harness.KindInternal, "no state store configured")
	}
	return c.srv.store, nil
}

func (c *conn) dispatch(cmd protocol.Command) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	switch cmd.Type {
	case protocol.CmdSessionList:
		return c.sessionList(cmd.Raw)
	case protocol.CmdSessionStatus:
		return c.sessionStatus(cmd.Raw)
	case protocol.CmdSessionSnapshot:
		return c.sessionSnapshot(cmd.Raw)
	case protocol.CmdSessionRespond:
		return c.sessionRespond(cmd.Raw)
	case protocol.CmdSessionInterrupt:
		return c.sessionInterrupt(cmd.Raw)
	case protocol.CmdSessionRemove:
		return c.sessionRemove(ctx, cmd.Raw)
	case protocol.CmdSessionClaim:
		return c.sessionClaim(cmd.Raw)
	case protocol.CmdSessionRelease:
		return c.sessionRelease(cmd.Raw)
	case protocol.CmdAttentionList:
		return c.attentionList()

	case protocol.CmdPtyStart:
		return c.ptyStart(ctx, cmd.Raw)
	case protocol.CmdPtyAttach:
		return c.ptyAttach(cmd.Raw)
	case protocol.CmdPtyDetach:
		return c.ptyDetach(cmd.Raw)
	case protocol.CmdPtySubscribeEvents:
		return c.ptySubscribeEvents(cmd.Raw)
	case protocol.CmdPtyUnsubscribeEvents:
		return c.ptyUnsubscribeEvents(cmd.Raw)
	case protocol.CmdPtyClose:
		return c.ptyClose(ctx, cmd.Raw)

	case protocol.CmdDirectoryUpsert:
		return c.directoryUpsert(ctx, cmd.Raw)
	case protocol.CmdDirectoryList:
		return c.directoryList(ctx, cmd.Raw)
	case protocol.CmdDirectoryArchive:
		return c.directoryArchive(ctx, cmd.Raw)

	case protocol.CmdRepositoryUpsert:
		return c.repositoryUpsert(ctx, cmd.Raw)
	case protocol.CmdRepositoryList:
		return c.repositoryList(ctx, cmd.Raw)
	case protocol.CmdRepositoryUpdate:
		return c.repositoryUpdate(ctx, cmd.Raw)
	case protocol.CmdRepositoryArchive:
		return c.repositoryArchive(ctx, cmd.Raw)

	case protocol.CmdTaskCreate:
		return c.taskCreate(ctx, cmd.Raw)
	case protocol.CmdTaskUpdate:
		return c.taskUpdate(ctx, cmd.Raw)
	case protocol.CmdTaskDelete:
		return c.taskDelete(ctx, cmd.Raw)
	case protocol.CmdTaskList:
		return c.taskList(ctx, cmd.Raw)
	case protocol.CmdTaskReorder:
		return c.taskReorder(ctx, cmd.Raw)
	case protocol.CmdTaskReady:
		return c.taskSetStatus(ctx, cmd.Raw, harness.TaskReady)
	case protocol.CmdTaskDraft:
		return c.taskSetStatus(ctx, cmd.Raw, harness.TaskDraft)
	case protocol.CmdTaskComplete:
		return c.taskSetStatus(ctx, cmd.Raw, harness.TaskCompleted)
	case protocol.CmdTaskClaim:
		return c.taskClaim(ctx, cmd.Raw)
	case protocol.CmdTaskPull:
		return c.taskPull(ctx, cmd.Raw)

	case protocol.CmdConversationCreate:
		return c.conversationCreate(ctx, cmd.Raw)
	case protocol.CmdConversationUpdateTitle:
		return c.conversationUpdateTitle(ctx, cmd.Raw)
	case protocol.CmdConversationList:
		return c.conversationList(ctx, cmd.Raw)
	case protocol.CmdConversationArchive:
		return c.conversationArchive(ctx, cmd.Raw)

	case protocol.CmdStreamSubscribe:
		return c.streamSubscribe(cmd.Raw)
	case protocol.CmdStreamUnsubscribe:
		return c.streamUnsubscribe()
	case protocol.CmdObservedList:
		return c.observedList(ctx, cmd.Raw)
	case protocol.CmdKeyEventsSubscribe:
		return c.keyEventsSubscribe()
	case protocol.CmdKeyEventsUnsubscribe:
		return c.keyEventsUnsubscribe()
	}
	return nil, harness.Errf(harness.KindUnknownCommand, "unknown command %q", cmd.Type)
}

// --- sessions ---

func (c *conn) sessionList(raw json.RawMessage) (any, error) {
	p, err := decodeParams[protocol.SessionListParams](raw)
	if err != nil {
		return nil, err
	}
	views := []sessionView{}
	for _, sess := range c.srv.sessions.List(p.Limit) {
		views = append(views, viewOf(sess))
	}
	// Counts cover every session even when the view is truncated by limit.
	all := c.srv.sessions.List(0)
	live := 0
	for _, sess := range all {
		if sess.Live() {
			live++
		}
	}
	return map[string]any{"sessions": views, "total": len(all), "live": live}, nil
}

func (c *conn) sessionStatus(raw json.RawMessage) (any, error) {
	p, err := decodeParams[protocol.SessionRefParams](raw)
	if err != nil {
		return nil, err
	}
	sess, err := c.srv.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session": viewOf(sess)}, nil
}

func (c *conn) sessionSnapshot(raw json.RawMessage) (any, error) {
	p, err := decodeParams[protocol.SessionRefParams](raw)
	if err != nil {
		return nil, err
	}
	sess, err := c.srv.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	chunks := []map[string]any{}
	for _, chunk := range sess.Broker.Tail() {
		chunks = append(chunks, map[string]any{
			"cursor":      chunk.Cursor,
			"chunkBase64": protocol.EncodeBase64(chunk.Data),
		})
	}
	return map[string]any{
		"sessionId": sess.ID,
		"cursor":    sess.Broker.Cursor(),
		"chunks":    chunks,
	}, nil
}

func (c *conn) sessionRespond(raw json.RawMessage) (any, error) {
	p, err := decodeParams[protocol.SessionRespondParams](raw)
	if err != nil {
		return nil, err
	}
	sess, err := c.srv.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Live() {
		return nil, harness.Errf(harness.KindSessionNotLive, "session %s has exited", p.SessionID)
	}
	if !c.srv.sessions.mayDrive(sess, c.id) {
		return nil, harness.Errf(harness.KindNotController, "session %s is claimed", p.SessionID)
	}
	if err := sess.host.Write(append([]byte(p.Text), '\r')); err != nil {
		return nil, harness.Errf(harness.KindInternal, "write: %v", err)
	}
	sess.Runtime.Respond()
	c.srv.hub.Publish(harness.ObservedSessionPrompt, sess.Scope, map[string]any{
		"sessionId": sess.ID,
		"chars":     len(p.Text),
	})
	return map[string]any{"ok": true}, nil
}

func (c *conn) sessionInterrupt(raw json.RawMessage) (any, error) {
	p, err := decodeParams[protocol.SessionRefParams](raw)
	if err != nil {
		return nil, err
	}
	sess, err := c.srv.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Live() {
		return nil, harness.Errf(harness.KindSessionNotLive, "session %s has exited", p.SessionID)
	}
	if !c.srv.sessions.mayDrive(sess, c.id) {
		return nil, harness.Errf(harness.KindNotController, "session %s is claimed", p.SessionID)
	}
	if err := sess.host.Signal(protocol.SignalInterrupt); err != nil {
		return nil, harness.Errf(harness.KindInternal, "interrupt: %v", err)
	}
	return map[string]any{"ok": true}, nil
}

func (c *conn) sessionRemove(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeParams[protocol.SessionRefParams](raw)
	if err != nil {
		return nil, err
	}
	sess, err := c.srv.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	snap := sess.Runtime.Snapshot()
	if err := c.srv.sessions.Remove(p.SessionID); err != nil {
		return nil, err
	}
	if c.srv.store != nil {
		// Best effort: the conversation row may not exist for ad-hoc
		// sessions.
		if err := c.srv.store.SaveRuntimeSnapshot(ctx, p.SessionID, snap); err != nil && !errors.Is(err, state.ErrNotFound) {
			c.srv.logger.Debug("gateway: persist snapshot", "sessionId", p.SessionID, "error", err)
		}
	}
	return map[string]any{"ok": true}, nil
}

func (c *conn) sessionClaim(raw json.RawMessage) (any, error) {
	p, err := decodeParams[protocol.SessionClaimParams](raw)
	if err != nil {
		return nil, err
	}
	if p.SessionID == "" || p.ControllerID == "" {
		return nil, harness.Errf(harness.KindInvalidArgument, "sessionId and controllerId required")
	}
	sess, err := c.srv.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	action := c.srv.sessions.Claim(sess, c.id, p.ControllerID, p.ControllerType, p.ControllerLabel, p.Takeover)
	return map[string]any{"action": string(action)}, nil
}

func (c *conn) sessionRelease(raw json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		SessionID    string `json:"sessionId"`
		ControllerID string `json:"controllerId"`
	}](raw)
	if err != nil {
		return nil, err
	}
	sess, err := c.srv.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	released := c.srv.sessions.Release(sess, p.ControllerID)
	return map[string]any{"released": released}, nil
}

func (c *conn) attentionList() (any, error) {
	views := []sessionView{}
	for _, sess := range c.srv.sessions.Attention() {
		views = append(views, viewOf(sess))
	}
	return map[string]any{"sessions": views}, nil
}

// --- pty ---

func (c *conn) ptyStart(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeParams[protocol.PtyStartParams](raw)
	if err != nil {
		return nil, err
	}
	if len(p.Command) == 0 {
		return nil, harness.Errf(harness.KindInvalidArgument, "command required")
	}

	agent := harness.AgentCodex
	var scope harness.Scope
	if c.srv.store != nil && p.SessionID != "" {
		if conv, cerr := c.srv.store.GetConversation(ctx, p.SessionID); cerr == nil {
			agent = conv.AgentType
			scope = conv.Scope
		}
	}

	env := os.Environ()
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	spec := ptyhost.Spec{
		Command: p.Command,
		Dir:     p.Dir,
		Env:     env,
		Cols:    p.Cols,
		Rows:    p.Rows,
	}
	sess, err := c.srv.sessions.Start(context.Background(), p.SessionID, agent, scope, spec, c.id)
	if err != nil {
		return nil, err
	}
	c.srv.obs.RecordSessionStarted(ctx, string(agent))
	return map[string]any{"sessionId": sess.ID, "pid": sess.Runtime.Snapshot().ProcessID}, nil
}

func (c *conn) ptyAttach(raw json.RawMessage) (any, error) {
	p, err := decodeParams[protocol.PtyAttachParams](raw)
	if err != nil {
		return nil, err
	}
	sess, err := c.srv.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}

	since := sess.Broker.Cursor()
	if p.SinceCursor != nil {
		since = *p.SinceCursor
	}

	c.mu.Lock()
	if old, attached := c.attachments[sess.ID]; attached {
		sess.Broker.Detach(old)
	}
	c.mu.Unlock()

	handle := sess.Broker.Attach(since, c.ptyOutputDeliver(sess.ID))

	// Exit fan-out for attached connections.
	exitSub := sess.subscribeEvents(func(eventType string, _ map[string]any, exit *harness.ExitStatus) {
		if eventType == "exit" && exit != nil {
			c.send(protocol.PtyExit{SessionID: sess.ID, Exit: *exit})
		}
	})

	c.mu.Lock()
	c.attachments[sess.ID] = handle
	c.eventSubs["attach:"+sess.ID] = exitSub
	c.mu.Unlock()

	return map[string]any{"cursor": sess.Broker.Cursor()}, nil
}

// ptyOutputDeliver builds the broker subscriber that forwards chunks as
// pty.output envelopes. Called with the broker lock held; send only
// enqueues.
func (c *conn) ptyOutputDeliver(sessionID string) broker.DeliverFunc {
	return func(chunk broker.Chunk) {
		c.send(protocol.PtyOutput{
			SessionID:   sessionID,
			Cursor:      chunk.Cursor,
			ChunkBase64: protocol.EncodeBase64(chunk.Data),
		})
	}
}

func (c *conn) ptyDetach(raw json.RawMessage) (any, error) {
	p, err := decodeParams[protocol.SessionRefParams](raw)
	if err != nil {
		return nil, err
	}
	sess, err := c.srv.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	handle, attached := c.attachments[p.SessionID]
	delete(c.attachments, p.SessionID)
	exitSub, hasExit := c.eventSubs["attach:"+p.SessionID]
	delete(c.eventSubs, "attach:"+p.SessionID)
	c.mu.Unlock()
	if attached {
		sess.Broker.Detach(handle)
	}
	if hasExit {
		sess.unsubscribeEvents(exitSub)
	}
	return map[string]any{"ok": true}, nil
}

func (c *conn) ptySubscribeEvents(raw json.RawMessage) (any, error) {
	p, err := decodeParams[protocol.SessionRefParams](raw)
	if err != nil {
		return nil, err
	}
	sess, err := c.srv.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	handle := sess.subscribeEvents(func(eventType string, record map[string]any, exit *harness.ExitStatus) {
		switch eventType {
		case "notify":
			c.send(protocol.PtyEvent{
				SessionID: sess.ID,
				Event:     protocol.PtyEventBody{Type: protocol.PtyEventNotify, Record: record},
			})
		case "exit":
			c.send(protocol.PtyEvent{
				SessionID: sess.ID,
				Event:     protocol.PtyEventBody{Type: protocol.PtyEventSessionExit, Exit: exit},
			})
		}
	})
	c.mu.Lock()
	if old, ok := c.eventSubs[p.SessionID]; ok {
		defer sess.unsubscribeEvents(old)
	}
	c.eventSubs[p.SessionID] = handle
	c.mu.Unlock()
	return map[string]any{"ok": true}, nil
}

func (c *conn) ptyUnsubscribeEvents(raw json.RawMessage) (any, error) {
	p, err := decodeParams[protocol.SessionRefParams](raw)
	if err != nil {
		return nil, err
	}
	sess, err := c.srv.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	handle, ok := c.eventSubs[p.SessionID]
	delete(c.eventSubs, p.SessionID)
	c.mu.Unlock()
	if ok {
		sess.unsubscribeEvents(handle)
	}
	return map[string]any{"ok": true}, nil
}

func (c *conn) ptyClose(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeParams[protocol.SessionRefParams](raw)
	if err != nil {
		return nil, err
	}
	sess, err := c.srv.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	c.srv.sessions.Close(sess)
	c.srv.obs.RecordSessionExited(ctx, string(sess.Agent))
	return map[string]any{"ok": true}, nil
}

// --- directories ---

func (c *conn) directoryUpsert(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.DirectoryUpsertParams](raw)
	if err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, harness.Errf(harness.KindInvalidArgument, "path required")
	}

	// Same path inside the same scope reuses the existing row.
	dir := harness.Directory{
		DirectoryID: harness.NewID(),
		Path:        p.Path,
		Scope:       p.Scope,
		CreatedAt:   time.Now().UTC(),
	}
	existing, err := store.ListDirectories(ctx, p.Scope)
	if err != nil {
		return nil, harness.Errf(harness.KindInternal, "list directories: %v", err)
	}
	for _, d := range existing {
		if d.Path == p.Path {
			dir = d
			break
		}
	}
	if err := store.UpsertDirectory(ctx, dir); err != nil {
		return nil, harness.Errf(harness.KindInternal, "upsert directory: %v", err)
	}
	c.srv.hub.Publish(harness.ObservedDirectoryGit, p.Scope, map[string]any{
		"directoryId": dir.DirectoryID,
		"path":        dir.Path,
	})
	return map[string]any{"directory": dir}, nil
}

func (c *conn) directoryList(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.ScopeParams](raw)
	if err != nil {
		return nil, err
	}
	dirs, err := store.ListDirectories(ctx, p.Scope)
	if err != nil {
		return nil, harness.Errf(harness.KindInternal, "list directories: %v", err)
	}
	if dirs == nil {
		dirs = []harness.Directory{}
	}
	return map[string]any{"directories": dirs}, nil
}

func (c *conn) directoryArchive(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.DirectoryRefParams](raw)
	if err != nil {
		return nil, err
	}
	if err := store.ArchiveDirectory(ctx, p.DirectoryID, time.Now().UTC()); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, harness.Errf(harness.KindDirectoryMissing, "directory %s not found", p.DirectoryID)
		}
		return nil, harness.Errf(harness.KindInternal, "archive directory: %v", err)
	}
	return map[string]any{"ok": true}, nil
}

// --- repositories ---

func (c *conn) repositoryUpsert(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.RepositoryUpsertParams](raw)
	if err != nil {
		return nil, err
	}
	if p.Name == "" || p.RemoteURL == "" {
		return nil, harness.Errf(harness.KindInvalidArgument, "name and remoteUrl required")
	}

	repo := harness.Repository{
		RepositoryID:  harness.NewID(),
		Scope:         p.Scope,
		Name:          p.Name,
		RemoteURL:     p.RemoteURL,
		DefaultBranch: p.DefaultBranch,
		Metadata:      p.Metadata,
		CreatedAt:     time.Now().UTC(),
	}
	existing, err := store.ListRepositories(ctx, p.Scope)
	if err != nil {
		return nil, harness.Errf(harness.KindInternal, "list repositories: %v", err)
	}
	for _, r := range existing {
		if r.RemoteURL == p.RemoteURL {
			repo.RepositoryID = r.RepositoryID
			repo.CreatedAt = r.CreatedAt
			break
		}
	}
	if err := store.UpsertRepository(ctx, repo); err != nil {
		return nil, harness.Errf(harness.KindInternal, "upsert repository: %v", err)
	}
	c.srv.hub.Publish(harness.ObservedRepositoryUpserted, p.Scope, map[string]any{
		"repositoryId": repo.RepositoryID,
		"name":         repo.Name,
	})
	return map[string]any{"repository": repo}, nil
}

func (c *conn) repositoryList(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.ScopeParams](raw)
	if err != nil {
		return nil, err
	}
	repos, err := store.ListRepositories(ctx, p.Scope)
	if err != nil {
		return nil, harness.Errf(harness.KindInternal, "list repositories: %v", err)
	}
	if repos == nil {
		repos = []harness.Repository{}
	}
	return map[string]any{"repositories": repos}, nil
}

func (c *conn) repositoryUpdate(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.RepositoryUpdateParams](raw)
	if err != nil {
		return nil, err
	}
	repo, err := store.GetRepository(ctx, p.RepositoryID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, harness.Errf(harness.KindInvalidArgument, "repository %s not found", p.RepositoryID)
		}
		return nil, harness.Errf(harness.KindInternal, "get repository: %v", err)
	}
	if p.Name != "" {
		repo.Name = p.Name
	}
	if p.DefaultBranch != "" {
		repo.DefaultBranch = p.DefaultBranch
	}
	if p.Metadata != nil {
		repo.Metadata = p.Metadata
	}
	if err := store.UpdateRepository(ctx, repo); err != nil {
		return nil, harness.Errf(harness.KindInternal, "update repository: %v", err)
	}
	c.srv.hub.Publish(harness.ObservedRepositoryUpdated, repo.Scope, map[string]any{
		"repositoryId": repo.RepositoryID,
	})
	return map[string]any{"repository": repo}, nil
}

func (c *conn) repositoryArchive(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.RepositoryRefParams](raw)
	if err != nil {
		return nil, err
	}
	repo, err := store.GetRepository(ctx, p.RepositoryID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, harness.Errf(harness.KindInvalidArgument, "repository %s not found", p.RepositoryID)
		}
		return nil, harness.Errf(harness.KindInternal, "get repository: %v", err)
	}
	if err := store.ArchiveRepository(ctx, p.RepositoryID, time.Now().UTC()); err != nil {
		return nil, harness.Errf(harness.KindInternal, "archive repository: %v", err)
	}
	c.srv.hub.Publish(harness.ObservedRepositoryArchived, repo.Scope, map[string]any{
		"repositoryId": repo.RepositoryID,
	})
	return map[string]any{"ok": true}, nil
}

// --- tasks ---

func (c *conn) taskCreate(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.TaskCreateParams](raw)
	if err != nil {
		return nil, err
	}
	if p.Title == "" {
		return nil, harness.Errf(harness.KindInvalidArgument, "title required")
	}
	switch p.ScopeKind {
	case harness.TaskScopeRepository:
		if p.RepositoryID == "" {
			return nil, harness.Errf(harness.KindInvalidArgument, "repositoryId required for repository tasks")
		}
	case harness.TaskScopeProject:
		if p.ProjectID == "" {
			return nil, harness.Errf(harness.KindInvalidArgument, "projectId required for project tasks")
		}
	default:
		return nil, harness.Errf(harness.KindInvalidArgument, "unknown scopeKind %q", p.ScopeKind)
	}

	// New tasks append to the end of the ordering.
	siblings, err := store.ListTasks(ctx, state.TaskFilter{
		Scope: p.Scope, RepositoryID: p.RepositoryID, ProjectID: p.ProjectID,
	})
	if err != nil {
		return nil, harness.Errf(harness.KindInternal, "list tasks: %v", err)
	}
	order := 1.0
	if len(siblings) > 0 {
		order = siblings[len(siblings)-1].OrderIndex + 1
	}

	now := time.Now().UTC()
	task := harness.Task{
		TaskID:       harness.NewID(),
		Scope:        p.Scope,
		ScopeKind:    p.ScopeKind,
		RepositoryID: p.RepositoryID,
		ProjectID:    p.ProjectID,
		Title:        p.Title,
		Body:         p.Body,
		Status:       harness.TaskDraft,
		OrderIndex:   order,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateTask(ctx, task); err != nil {
		return nil, harness.Errf(harness.KindInternal, "create task: %v", err)
	}
	c.srv.hub.Publish(harness.ObservedTaskCreated, p.Scope, map[string]any{"taskId": task.TaskID})
	return map[string]any{"task": task}, nil
}

func (c *conn) getTask(ctx context.Context, store state.Store, id string) (harness.Task, error) {
	task, err := store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return task, harness.Errf(harness.KindTaskNotFound, "task %s not found", id)
		}
		return task, harness.Errf(harness.KindInternal, "get task: %v", err)
	}
	return task, nil
}

func (c *conn) taskUpdate(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.TaskUpdateParams](raw)
	if err != nil {
		return nil, err
	}
	task, err := c.getTask(ctx, store, p.TaskID)
	if err != nil {
		return nil, err
	}
	if p.Title != nil {
		task.Title = *p.Title
	}
	if p.Body != nil {
		task.Body = *p.Body
	}
	task.UpdatedAt = time.Now().UTC()
	if err := store.UpdateTask(ctx, task); err != nil {
		return nil, harness.Errf(harness.KindInternal, "update task: %v", err)
	}
	c.srv.hub.Publish(harness.ObservedTaskUpdated, task.Scope, map[string]any{"taskId": task.TaskID})
	return map[string]any{"task": task}, nil
}

func (c *conn) taskDelete(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.TaskRefParams](raw)
	if err != nil {
		return nil, err
	}
	task, err := c.getTask(ctx, store, p.TaskID)
	if err != nil {
		return nil, err
	}
	if err := store.DeleteTask(ctx, p.TaskID); err != nil {
		return nil, harness.Errf(harness.KindInternal, "delete task: %v", err)
	}
	c.srv.hub.Publish(harness.ObservedTaskDeleted, task.Scope, map[string]any{"taskId": task.TaskID})
	return map[string]any{"ok": true}, nil
}

func (c *conn) taskList(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.TaskListParams](raw)
	if err != nil {
		return nil, err
	}
	tasks, err := store.ListTasks(ctx, state.TaskFilter{
		Scope: p.Scope, RepositoryID: p.RepositoryID, ProjectID: p.ProjectID,
	})
	if err != nil {
		return nil, harness.Errf(harness.KindInternal, "list tasks: %v", err)
	}
	if tasks == nil {
		tasks = []harness.Task{}
	}
	return map[string]any{"tasks": tasks}, nil
}

func (c *conn) taskReorder(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.TaskReorderParams](raw)
	if err != nil {
		return nil, err
	}
	task, err := c.getTask(ctx, store, p.TaskID)
	if err != nil {
		return nil, err
	}
	task.OrderIndex = p.OrderIndex
	task.UpdatedAt = time.Now().UTC()
	if err := store.UpdateTask(ctx, task); err != nil {
		return nil, harness.Errf(harness.KindInternal, "reorder task: %v", err)
	}
	c.srv.hub.Publish(harness.ObservedTaskReordered, task.Scope, map[string]any{
		"taskId":     task.TaskID,
		"orderIndex": task.OrderIndex,
	})
	return map[string]any{"task": task}, nil
}

func (c *conn) taskSetStatus(ctx context.Context, raw json.RawMessage, status harness.TaskStatus) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.TaskRefParams](raw)
	if err != nil {
		return nil, err
	}
	task, err := c.getTask(ctx, store, p.TaskID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	task.Status = status
	task.UpdatedAt = now
	switch status {
	case harness.TaskCompleted:
		task.CompletedAt = &now
	case harness.TaskDraft, harness.TaskReady:
		// Dropping back clears any claim.
		task.ClaimedByControllerID = ""
		task.ClaimedByProjectID = ""
		task.ClaimedAt = nil
		task.CompletedAt = nil
	}
	if err := store.UpdateTask(ctx, task); err != nil {
		return nil, harness.Errf(harness.KindInternal, "update task: %v", err)
	}
	c.srv.hub.Publish(harness.ObservedTaskUpdated, task.Scope, map[string]any{
		"taskId": task.TaskID,
		"status": string(task.Status),
	})
	return map[string]any{"task": task}, nil
}

func (c *conn) taskClaim(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.TaskClaimParams](raw)
	if err != nil {
		return nil, err
	}
	if p.ControllerID == "" {
		return nil, harness.Errf(harness.KindInvalidArgument, "controllerId required")
	}
	task, err := c.getTask(ctx, store, p.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status != harness.TaskReady {
		return nil, harness.Errf(harness.KindInvalidArgument, "task %s is %s, not ready", task.TaskID, task.Status)
	}
	now := time.Now().UTC()
	task.Status = harness.TaskClaimed
	task.ClaimedByControllerID = p.ControllerID
	task.ClaimedByProjectID = p.ProjectID
	task.BranchName = p.BranchName
	task.BaseBranch = p.BaseBranch
	task.ClaimedAt = &now
	task.UpdatedAt = now
	if err := store.UpdateTask(ctx, task); err != nil {
		return nil, harness.Errf(harness.KindInternal, "claim task: %v", err)
	}
	c.srv.hub.Publish(harness.ObservedTaskUpdated, task.Scope, map[string]any{
		"taskId": task.TaskID,
		"status": string(task.Status),
	})
	return map[string]any{"task": task}, nil
}

func (c *conn) taskPull(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.TaskPullParams](raw)
	if err != nil {
		return nil, err
	}
	if p.ControllerID == "" {
		return nil, harness.Errf(harness.KindInvalidArgument, "controllerId required")
	}
	ready, err := store.ListTasks(ctx, state.TaskFilter{
		Scope: p.Scope, RepositoryID: p.RepositoryID, Status: harness.TaskReady,
	})
	if err != nil {
		return nil, harness.Errf(harness.KindInternal, "list tasks: %v", err)
	}
	if len(ready) == 0 {
		return map[string]any{"task": nil}, nil
	}
	now := time.Now().UTC()
	task := ready[0]
	task.Status = harness.TaskClaimed
	task.ClaimedByControllerID = p.ControllerID
	task.ClaimedAt = &now
	task.UpdatedAt = now
	if err := store.UpdateTask(ctx, task); err != nil {
		return nil, harness.Errf(harness.KindInternal, "claim task: %v", err)
	}
	c.srv.hub.Publish(harness.ObservedTaskUpdated, task.Scope, map[string]any{
		"taskId": task.TaskID,
		"status": string(task.Status),
	})
	return map[string]any{"task": task}, nil
}

// --- conversations ---

func (c *conn) conversationCreate(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.ConversationCreateParams](raw)
	if err != nil {
		return nil, err
	}
	if !harness.ValidAgentType(string(p.AgentType)) {
		return nil, harness.Errf(harness.KindInvalidArgument, "unknown agentType %q", p.AgentType)
	}
	if p.DirectoryID == "" {
		return nil, harness.Errf(harness.KindInvalidArgument, "directoryId required")
	}
	if _, err := store.GetDirectory(ctx, p.DirectoryID); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, harness.Errf(harness.KindDirectoryMissing, "directory %s not found", p.DirectoryID)
		}
		return nil, harness.Errf(harness.KindInternal, "get directory: %v", err)
	}

	id := p.SessionID
	if id == "" {
		id = harness.NewID()
	}
	conv := harness.Conversation{
		ThreadID:    id,
		DirectoryID: p.DirectoryID,
		Scope:       p.Scope,
		Title:       p.Title,
		AgentType:   p.AgentType,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.CreateConversation(ctx, conv); err != nil {
		return nil, harness.Errf(harness.KindInternal, "create conversation: %v", err)
	}
	return map[string]any{"conversation": conv}, nil
}

func (c *conn) conversationUpdateTitle(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.ConversationUpdateTitleParams](raw)
	if err != nil {
		return nil, err
	}
	if err := store.UpdateConversationTitle(ctx, p.SessionID, p.Title); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, harness.Errf(harness.KindSessionNotFound, "conversation %s not found", p.SessionID)
		}
		return nil, harness.Errf(harness.KindInternal, "update title: %v", err)
	}
	return map[string]any{"ok": true}, nil
}

func (c *conn) conversationList(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.ScopeParams](raw)
	if err != nil {
		return nil, err
	}
	convs, err := store.ListConversations(ctx, p.Scope)
	if err != nil {
		return nil, harness.Errf(harness.KindInternal, "list conversations: %v", err)
	}
	// Live runtime state wins over the persisted snapshot.
	for i := range convs {
		if sess, serr := c.srv.sessions.Get(convs[i].ThreadID); serr == nil {
			convs[i].Runtime = sess.Runtime.Snapshot()
		}
	}
	if convs == nil {
		convs = []harness.Conversation{}
	}
	return map[string]any{"conversations": convs}, nil
}

func (c *conn) conversationArchive(ctx context.Context, raw json.RawMessage) (any, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	p, err := decodeParams[protocol.SessionRefParams](raw)
	if err != nil {
		return nil, err
	}
	if sess, serr := c.srv.sessions.Get(p.SessionID); serr == nil {
		snap := sess.Runtime.Snapshot()
		c.srv.sessions.Remove(p.SessionID)
		if err := store.SaveRuntimeSnapshot(ctx, p.SessionID, snap); err != nil && !errors.Is(err, state.ErrNotFound) {
			c.srv.logger.Debug("gateway: persist snapshot", "sessionId", p.SessionID, "error", err)
		}
	}
	if err := store.ArchiveConversation(ctx, p.SessionID, time.Now().UTC()); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, harness.Errf(harness.KindSessionNotFound, "conversation %s not found", p.SessionID)
		}
		return nil, harness.Errf(harness.KindInternal, "archive conversation: %v", err)
	}
	return map[string]any{"ok": true}, nil
}

// --- streams ---

func (c *conn) streamSubscribe(raw json.RawMessage) (any, error) {
	p, err := decodeParams[protocol.StreamSubscribeParams](raw)
	if err != nil {
		return nil, err
	}
	after := c.srv.hub.Cursor()
	if p.AfterCursor != nil {
		after = *p.AfterCursor
	}

	c.mu.Lock()
	if c.streamOn {
		c.srv.hub.Unsubscribe(c.streamSub)
		c.streamOn = false
	}
	c.mu.Unlock()

	sub := c.srv.hub.Subscribe(p.Scope, after, func(ev harness.ObservedEvent) {
		c.send(protocol.StreamEvent{Event: ev})
	})

	c.mu.Lock()
	c.streamSub = sub
	c.streamOn = true
	c.mu.Unlock()

	return map[string]any{"cursor": c.srv.hub.Cursor()}, nil
}

// observedList reads the durable observed log, covering history the hub
// retention ring has already evicted.
func (c *conn) observedList(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeParams[protocol.ObservedListParams](raw)
	if err != nil {
		return nil, err
	}
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 256
	}
	events, err := store.ListObservedSince(ctx, p.Scope, p.AfterCursor, limit)
	if err != nil {
		return nil, harness.Errf(harness.KindInternal, "list observed: %v", err)
	}
	if events == nil {
		events = []harness.ObservedEvent{}
	}
	return map[string]any{"events": events}, nil
}

func (c *conn) streamUnsubscribe() (any, error) {
	c.mu.Lock()
	on, sub := c.streamOn, c.streamSub
	c.streamOn = false
	c.mu.Unlock()
	if on {
		c.srv.hub.Unsubscribe(sub)
	}
	return map[string]any{"ok": true}, nil
}

func (c *conn) keyEventsSubscribe() (any, error) {
	c.mu.Lock()
	if c.keyOn {
		c.srv.hub.Unsubscribe(c.keySub)
		c.keyOn = false
	}
	c.mu.Unlock()

	sub := c.srv.hub.Subscribe(harness.Scope{}, c.srv.hub.Cursor(), func(ev harness.ObservedEvent) {
		if ev.Type == harness.ObservedSessionKeyEvent {
			c.send(protocol.StreamEvent{Event: ev})
		}
	})

	c.mu.Lock()
	c.keySub = sub
	c.keyOn = true
	c.mu.Unlock()
	return map[string]any{"ok": true}, nil
}

func (c *conn) keyEventsUnsubscribe() (any, error) {
	c.mu.Lock()
	on, sub := c.keyOn, c.keySub
	c.keyOn = false
	c.mu.Unlock()
	if on {
		c.srv.hub.Unsubscribe(sub)
	}
	return map[string]any{"ok": true}, nil
}
