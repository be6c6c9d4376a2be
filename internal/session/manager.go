// Package session orchestrates coding-agent sessions: each session pairs one
// agent run with one git branch/worktree and one execution environment.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/environment"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/gitops"
	"github.com/agentdock/agentdock/internal/session/store"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

const eventSource = "session-manager"

// maxSessionsPerCreate bounds the count parameter on session creation.
const maxSessionsPerCreate = 10

// Streamer delivers session events to the connected client.
type Streamer interface {
	SendOutput(sessionID, content, subAgent string)
	SendPermissionRequest(sessionID string, req *v1.PermissionRequest)
	SendStatusChange(sessionID string, status v1.SessionStatus)
	SendError(sessionID, content string)
	Detach(sessionID string)
}

// Config holds session manager settings.
type Config struct {
	OutputBufferSize    int
	StopGracePeriod     time.Duration
	DefaultParentBranch string
	// CleanupOnRemove removes the worktree and branch when a session is
	// deleted.
	CleanupOnRemove bool
}

// CreateParams describes a session creation request.
type CreateParams struct {
	ProjectID     string
	Name          string
	RepoPath      string
	ParentBranch  string
	InitialPrompt string
	// Count creates several sessions from the same prompt; names after the
	// first get a -2, -3, ... suffix.
	Count       int
	Environment v1.EnvironmentConfig
}

// runtime is the in-memory state of one live session.
type runtime struct {
	id string

	// mu serializes state mutations: input, stop, permission resolution.
	mu sync.Mutex
	// gitMu guards git operations on the session worktree. It is always
	// acquired before mu so a stop cannot deadlock against a rebase.
	gitMu sync.Mutex

	backend environment.Backend
	gate    *PermissionGate

	stopped atomic.Bool
	done    chan struct{}
}

// Manager owns the session registry and drives session lifecycles.
type Manager struct {
	store    store.Store
	git      *gitops.Manager
	bus      bus.EventBus
	streamer Streamer
	logger   *logger.Logger
	cfg      Config

	docker      environment.DockerRunner
	creds       *environment.EnvCredentials
	sshDefaults environment.SSHDefaults

	mu       sync.RWMutex
	runtimes map[string]*runtime
}

// Options carries the manager's dependencies.
type Options struct {
	Store  store.Store
	Git    *gitops.Manager
	Bus    bus.EventBus
	Logger *logger.Logger
	Config Config

	// Docker is required only for docker environments.
	Docker      environment.DockerRunner
	Credentials *environment.EnvCredentials
	SSHDefaults environment.SSHDefaults
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	if opts.Config.OutputBufferSize <= 0 {
		opts.Config.OutputBufferSize = 1000
	}
	if opts.Config.StopGracePeriod <= 0 {
		opts.Config.StopGracePeriod = 10 * time.Second
	}
	if opts.Config.DefaultParentBranch == "" {
		opts.Config.DefaultParentBranch = "main"
	}
	return &Manager{
		store:       opts.Store,
		git:         opts.Git,
		bus:         opts.Bus,
		logger:      log.WithFields(zap.String("component", "session-manager")),
		cfg:         opts.Config,
		docker:      opts.Docker,
		creds:       opts.Credentials,
		sshDefaults: opts.SSHDefaults,
		runtimes:    make(map[string]*runtime),
	}
}

// SetStreamer wires the protocol server in after construction.
func (m *Manager) SetStreamer(s Streamer) {
	m.streamer = s
}

// legalTransitions is the closed set of reachable status changes.
var legalTransitions = map[v1.SessionStatus][]v1.SessionStatus{
	v1.SessionStatusInitializing: {v1.SessionStatusRunning, v1.SessionStatusError},
	v1.SessionStatusRunning:      {v1.SessionStatusWaitingInput, v1.SessionStatusCompleted, v1.SessionStatusError},
	v1.SessionStatusWaitingInput: {v1.SessionStatusRunning, v1.SessionStatusCompleted, v1.SessionStatusError},
}

func transitionAllowed(from, to v1.SessionStatus) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Create creates count sessions, each on its own branch and worktree.
// Worktree and environment provisioning run asynchronously; the returned
// sessions are in initializing status.
func (m *Manager) Create(ctx context.Context, params CreateParams) ([]*v1.Session, error) {
	if params.Name == "" {
		return nil, apperrors.ValidationError("name", "name is required")
	}
	if params.RepoPath == "" {
		return nil, apperrors.ValidationError("repo_path", "repository path is required")
	}
	if err := environment.ValidateConfig(params.Environment); err != nil {
		return nil, apperrors.ValidationError("environment", err.Error())
	}
	if params.Count <= 0 {
		params.Count = 1
	}
	if params.Count > maxSessionsPerCreate {
		return nil, apperrors.ValidationError("count",
			fmt.Sprintf("count must be at most %d", maxSessionsPerCreate))
	}
	if params.ParentBranch == "" {
		params.ParentBranch = m.cfg.DefaultParentBranch
	}

	sessions := make([]*v1.Session, 0, params.Count)
	for i := 0; i < params.Count; i++ {
		name := params.Name
		if i > 0 {
			name = fmt.Sprintf("%s-%d", params.Name, i+1)
		}

		session := &v1.Session{
			ProjectID:    params.ProjectID,
			Name:         name,
			Status:       v1.SessionStatusInitializing,
			ParentBranch: params.ParentBranch,
			Branch:       m.git.BranchName(name),
			Environment:  params.Environment,
		}
		if err := m.store.CreateSession(ctx, session); err != nil {
			return sessions, apperrors.InternalError("failed to persist session", err)
		}

		rt := &runtime{
			id:   session.ID,
			gate: NewPermissionGate(m.cfg.OutputBufferSize, m.logger.WithSessionID(session.ID)),
			done: make(chan struct{}),
		}
		m.mu.Lock()
		m.runtimes[session.ID] = rt
		m.mu.Unlock()

		m.publish(bus.SubjectSessionCreated, map[string]interface{}{
			"session_id": session.ID,
			"name":       session.Name,
			"branch":     session.Branch,
		})

		go m.provision(rt, session, params)
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// provision creates the worktree, builds the backend, and starts the agent.
// Any failure here is terminal for the session attempt.
func (m *Manager) provision(rt *runtime, session *v1.Session, params CreateParams) {
	ctx := context.Background()
	log := m.logger.WithSessionID(session.ID)

	wt, err := m.git.CreateWorktree(ctx, session.ID, session.Name, params.RepoPath, session.ParentBranch)
	if err != nil {
		log.WithError(err).Error("worktree creation failed")
		m.failProvision(rt, session.ID, fmt.Sprintf("worktree creation failed: %v", err))
		return
	}

	session.WorktreePath = wt.Path
	session.Branch = wt.Branch
	if err := m.store.UpdateSession(ctx, session); err != nil {
		log.WithError(err).Error("failed to persist worktree path")
	}

	backend, err := environment.New(session.Environment, environment.Options{
		SessionID:       session.ID,
		Workspace:       wt.Path,
		Logger:          log,
		Docker:          m.docker,
		Credentials:     m.creds,
		SSHDefaults:     m.sshDefaults,
		StopGracePeriod: m.cfg.StopGracePeriod,
	})
	if err != nil {
		log.WithError(err).Error("environment setup failed")
		m.git.RemoveWorktree(ctx, session.ID, true)
		m.failProvision(rt, session.ID, fmt.Sprintf("environment setup failed: %v", err))
		return
	}

	if err := backend.Start(ctx); err != nil {
		log.WithError(err).Error("environment start failed")
		m.git.RemoveWorktree(ctx, session.ID, true)
		m.failProvision(rt, session.ID, fmt.Sprintf("environment start failed: %v", err))
		return
	}

	rt.mu.Lock()
	rt.backend = backend
	stopped := rt.stopped.Load()
	rt.mu.Unlock()

	if stopped {
		// Stop arrived mid-provisioning
		backend.Stop(ctx)
	}

	m.setStatus(ctx, session.ID, v1.SessionStatusRunning, nil)
	go m.pump(rt)

	if params.InitialPrompt != "" && !stopped {
		if err := m.Input(ctx, session.ID, params.InitialPrompt); err != nil {
			log.WithError(err).Warn("failed to deliver initial prompt")
		}
	}
}

// failProvision marks the session errored and closes its runtime.
func (m *Manager) failProvision(rt *runtime, sessionID, message string) {
	ctx := context.Background()
	m.setStatus(ctx, sessionID, v1.SessionStatusError, &message)
	if m.streamer != nil {
		m.streamer.SendError(sessionID, message)
	}
	close(rt.done)
}

// pump consumes backend events until the stream closes.
func (m *Manager) pump(rt *runtime) {
	ctx := context.Background()
	log := m.logger.WithSessionID(rt.id)

	for ev := range rt.backend.Events() {
		switch ev.Type {
		case environment.EventOutput:
			m.handleOutput(ctx, rt, ev.Data, ev.SubAgent)
		case environment.EventPermission:
			m.handlePermission(ctx, rt, ev.Request)
		case environment.EventError:
			log.Warn("backend error", zap.String("detail", ev.Data))
			if m.streamer != nil {
				m.streamer.SendError(rt.id, ev.Data)
			}
		case environment.EventExit:
			m.handleExit(ctx, rt, ev.ExitCode)
		}
	}
	close(rt.done)
}

// handleOutput persists and forwards one line of agent output, unless the
// session is gated on a permission decision, in which case it is buffered.
func (m *Manager) handleOutput(ctx context.Context, rt *runtime, line, subAgent string) {
	if rt.gate.Intercept(line, subAgent) {
		return
	}
	m.emitOutput(ctx, rt.id, line, subAgent)
}

// emitOutput persists an assistant message and forwards it to the client.
func (m *Manager) emitOutput(ctx context.Context, sessionID, line, subAgent string) {
	msg := &v1.Message{
		SessionID: sessionID,
		Role:      v1.MessageRoleAssistant,
		Content:   line,
	}
	if subAgent != "" {
		msg.SubAgents = []v1.SubAgentOutput{{Name: subAgent, Output: line}}
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		m.logger.WithSessionID(sessionID).WithError(err).Warn("failed to persist assistant message")
	}
	if m.streamer != nil {
		m.streamer.SendOutput(sessionID, line, subAgent)
	}
}

// handlePermission opens the gate for a new request. A second request while
// one is pending is denied immediately.
func (m *Manager) handlePermission(ctx context.Context, rt *runtime, req *v1.PermissionRequest) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err := rt.gate.Open(req); err != nil {
		m.logger.WithSessionID(rt.id).Warn("denying concurrent permission request",
			zap.String("request_id", req.ID),
			zap.String("action", req.Action))
		if sendErr := rt.backend.Send(ctx, environment.EncodeDecision(req.ID, false)); sendErr != nil {
			m.logger.WithSessionID(rt.id).WithError(sendErr).Warn("failed to deny permission request")
		}
		return
	}

	m.setStatus(ctx, rt.id, v1.SessionStatusWaitingInput, nil)
	if m.streamer != nil {
		m.streamer.SendPermissionRequest(rt.id, req)
	}
	m.publish(bus.SubjectPermissionRequested, map[string]interface{}{
		"session_id": rt.id,
		"request_id": req.ID,
		"action":     req.Action,
	})
}

// handleExit finalizes the session when the backend terminates.
func (m *Manager) handleExit(ctx context.Context, rt *runtime, exitCode int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	// Drop any unresolved permission request, then deliver the output
	// buffered behind it before the terminal status.
	rt.gate.Abandon()
	for _, out := range rt.gate.Flush() {
		m.emitOutput(ctx, rt.id, out.Content, out.SubAgent)
	}

	if rt.stopped.Load() || exitCode == 0 {
		m.setStatus(ctx, rt.id, v1.SessionStatusCompleted, nil)
		return
	}
	msg := fmt.Sprintf("agent exited with code %d", exitCode)
	m.setStatus(ctx, rt.id, v1.SessionStatusError, &msg)
	if m.streamer != nil {
		m.streamer.SendError(rt.id, msg)
	}
}

// setStatus applies a status change if it is a legal transition, persists it,
// and notifies client and bus subscribers.
func (m *Manager) setStatus(ctx context.Context, sessionID string, to v1.SessionStatus, errorMessage *string) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.WithSessionID(sessionID).WithError(err).Warn("status change for unknown session")
		return
	}
	if session.Status == to {
		return
	}
	if !transitionAllowed(session.Status, to) {
		m.logger.WithSessionID(sessionID).Warn("illegal status transition dropped",
			zap.String("from", string(session.Status)),
			zap.String("to", string(to)))
		return
	}
	if err := m.store.UpdateSessionStatus(ctx, sessionID, to, errorMessage); err != nil {
		m.logger.WithSessionID(sessionID).WithError(err).Error("failed to persist status")
		return
	}

	if m.streamer != nil {
		m.streamer.SendStatusChange(sessionID, to)
	}
	m.publish(bus.SubjectSessionStatusChanged, map[string]interface{}{
		"session_id": sessionID,
		"status":     string(to),
	})
}

func (m *Manager) publish(subject string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	ev := bus.NewEvent(subject, eventSource, data)
	if err := m.bus.Publish(context.Background(), subject, ev); err != nil {
		m.logger.WithError(err).Warn("failed to publish event", zap.String("subject", subject))
	}
}

func (m *Manager) runtime(sessionID string) *runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runtimes[sessionID]
}

// Get returns one session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*v1.Session, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFound("session", sessionID)
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to load session", err)
	}
	return session, nil
}

// List returns all sessions ordered by creation time.
func (m *Manager) List(ctx context.Context) ([]*v1.Session, error) {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, apperrors.InternalError("failed to list sessions", err)
	}
	return sessions, nil
}

// Messages returns the session's conversation log in insertion order.
func (m *Manager) Messages(ctx context.Context, sessionID string) ([]*v1.Message, error) {
	messages, err := m.store.ListMessages(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFound("session", sessionID)
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to list messages", err)
	}
	return messages, nil
}

// Input delivers one line of user input to the session's agent. The message
// is persisted before it is forwarded to the backend.
func (m *Manager) Input(ctx context.Context, sessionID, content string) error {
	if content == "" {
		return apperrors.ValidationError("content", "content is required")
	}
	rt := m.runtime(sessionID)
	if rt == nil {
		return apperrors.NotFound("session", sessionID)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return apperrors.NotFound("session", sessionID)
	}
	if session.Status == v1.SessionStatusInitializing || session.Status.IsTerminal() {
		return apperrors.ValidationError("status",
			fmt.Sprintf("session does not accept input in status %q", session.Status))
	}

	err = m.store.AppendMessage(ctx, &v1.Message{
		SessionID: sessionID,
		Role:      v1.MessageRoleUser,
		Content:   content,
	})
	if err != nil {
		return apperrors.InternalError("failed to persist message", err)
	}

	if err := rt.backend.Send(ctx, content); err != nil {
		return apperrors.EnvironmentError("failed to deliver input", err)
	}

	// Delivered input resumes a session that was waiting on it.
	if session.Status == v1.SessionStatusWaitingInput {
		m.setStatus(ctx, sessionID, v1.SessionStatusRunning, nil)
	}
	return nil
}

// ResolvePermission applies an approve or deny decision to the session's
// pending permission request, then resumes output delivery.
func (m *Manager) ResolvePermission(ctx context.Context, sessionID, requestID string, approved bool) error {
	rt := m.runtime(sessionID)
	if rt == nil {
		return apperrors.NotFound("session", sessionID)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	req, err := rt.gate.Resolve(requestID)
	if err != nil {
		return err
	}

	if err := rt.backend.Send(ctx, environment.EncodeDecision(req.ID, approved)); err != nil {
		return apperrors.EnvironmentError("failed to deliver permission decision", err)
	}

	m.setStatus(ctx, sessionID, v1.SessionStatusRunning, nil)
	for _, out := range rt.gate.Flush() {
		m.emitOutput(ctx, sessionID, out.Content, out.SubAgent)
	}

	m.logger.WithSessionID(sessionID).Info("permission resolved",
		zap.String("request_id", req.ID),
		zap.String("action", req.Action),
		zap.Bool("approved", approved))
	return nil
}

// Stop terminates the session's backend. It is idempotent and waits for any
// in-flight git operation before touching the backend.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	rt := m.runtime(sessionID)
	if rt == nil {
		// A session surviving a restart has no runtime; stopping a
		// terminal session is a no-op.
		session, err := m.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status.IsTerminal() {
			return nil
		}
		return apperrors.EnvironmentError("session has no live environment", nil)
	}

	rt.gitMu.Lock()
	defer rt.gitMu.Unlock()

	rt.mu.Lock()
	if rt.stopped.Swap(true) {
		rt.mu.Unlock()
		return nil
	}
	if req := rt.gate.Abandon(); req != nil {
		m.logger.WithSessionID(sessionID).Info("abandoning pending permission request",
			zap.String("request_id", req.ID))
	}
	backend := rt.backend
	rt.mu.Unlock()

	if backend == nil {
		// Stop mid-provisioning: provision notices the flag and stops
		// the backend once it exists.
		msg := "session stopped during initialization"
		m.setStatus(ctx, sessionID, v1.SessionStatusError, &msg)
		return nil
	}

	if err := backend.Stop(ctx); err != nil {
		return apperrors.EnvironmentError("failed to stop environment", err)
	}

	// The exit event drives the transition to completed.
	select {
	case <-rt.done:
	case <-time.After(m.cfg.StopGracePeriod + 5*time.Second):
		m.logger.WithSessionID(sessionID).Warn("timed out waiting for backend exit")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Delete stops the session if needed, removes its worktree per configuration,
// and deletes the persisted session with its message log.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if !session.Status.IsTerminal() {
		if err := m.Stop(ctx, sessionID); err != nil {
			return err
		}
	}

	// Environment artifacts that outlive Stop, such as a stopped container
	// and its volumes, are removed only here.
	if rt := m.runtime(sessionID); rt != nil {
		rt.mu.Lock()
		backend := rt.backend
		rt.mu.Unlock()
		if cleaner, ok := backend.(environment.Cleaner); ok {
			if err := cleaner.Cleanup(ctx); err != nil {
				m.logger.WithSessionID(sessionID).WithError(err).Warn("environment cleanup failed")
			}
		}
	}

	if m.cfg.CleanupOnRemove {
		if err := m.git.RemoveWorktree(ctx, sessionID, true); err != nil {
			m.logger.WithSessionID(sessionID).WithError(err).Warn("worktree cleanup failed")
		}
	}

	if m.streamer != nil {
		m.streamer.Detach(sessionID)
	}

	if err := m.store.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return apperrors.InternalError("failed to delete session", err)
	}

	m.mu.Lock()
	delete(m.runtimes, sessionID)
	m.mu.Unlock()

	m.publish(bus.SubjectSessionDeleted, map[string]interface{}{
		"session_id": sessionID,
	})
	return nil
}

// Rebase replays the session branch onto the tip of its parent branch. Input
// is quiesced for the duration; a conflict leaves the worktree untouched.
func (m *Manager) Rebase(ctx context.Context, sessionID string) (*v1.GitResult, error) {
	rt := m.runtime(sessionID)
	if rt == nil {
		return nil, apperrors.NotFound("session", sessionID)
	}

	rt.gitMu.Lock()
	defer rt.gitMu.Unlock()
	rt.mu.Lock()
	defer rt.mu.Unlock()

	err := m.git.RebaseFromParent(ctx, sessionID)
	if err == nil {
		return &v1.GitResult{Success: true}, nil
	}
	if errors.Is(err, gitops.ErrRebaseConflict) {
		return &v1.GitResult{Conflict: true, Detail: err.Error()}, nil
	}
	if errors.Is(err, gitops.ErrWorktreeNotFound) {
		return nil, apperrors.NotFound("worktree", sessionID)
	}
	return nil, apperrors.InternalError("rebase failed", err)
}

// Merge merges the session branch into its parent and optionally removes the
// worktree and branch. A conflict aborts the merge and reports it.
func (m *Manager) Merge(ctx context.Context, sessionID string, deleteWorktree bool) (*v1.GitResult, error) {
	rt := m.runtime(sessionID)
	if rt == nil {
		return nil, apperrors.NotFound("session", sessionID)
	}

	rt.gitMu.Lock()
	defer rt.gitMu.Unlock()
	rt.mu.Lock()
	defer rt.mu.Unlock()

	err := m.git.MergeAndCleanup(ctx, sessionID, deleteWorktree)
	if err == nil {
		return &v1.GitResult{Success: true}, nil
	}
	if errors.Is(err, gitops.ErrMergeConflict) {
		return &v1.GitResult{Conflict: true, Detail: err.Error()}, nil
	}
	if errors.Is(err, gitops.ErrWorktreeNotFound) {
		return nil, apperrors.NotFound("worktree", sessionID)
	}
	return nil, apperrors.InternalError("merge failed", err)
}

// OnClientAttach resends current session state to a freshly connected client:
// the status and, if present, the pending permission request.
func (m *Manager) OnClientAttach(sessionID string) {
	if m.streamer == nil {
		return
	}
	session, err := m.store.GetSession(context.Background(), sessionID)
	if err != nil {
		return
	}
	m.streamer.SendStatusChange(sessionID, session.Status)

	if rt := m.runtime(sessionID); rt != nil {
		if req := rt.gate.Pending(); req != nil {
			m.streamer.SendPermissionRequest(sessionID, req)
		}
	}
}

// Shutdown stops all live sessions, for service shutdown.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.runtimes))
	for id := range m.runtimes {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Stop(ctx, id); err != nil {
				m.logger.WithSessionID(id).WithError(err).Warn("shutdown stop failed")
			}
		}(id)
	}
	wg.Wait()
}
