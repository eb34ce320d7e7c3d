// Package orchestrator implements the Edge-Worker (§4.9): the process that
// owns the session registry, persistence-writer goroutine, webhook intake,
// and graceful shutdown for every active SessionCoordinator.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cyrus-run/cyrus/internal/activitystream"
	"github.com/cyrus-run/cyrus/internal/common/appctx"
	"github.com/cyrus-run/cyrus/internal/common/config"
	"github.com/cyrus-run/cyrus/internal/common/constants"
	"github.com/cyrus-run/cyrus/internal/common/logger"
	"github.com/cyrus-run/cyrus/internal/forensics"
	"github.com/cyrus-run/cyrus/internal/persist"
	"github.com/cyrus-run/cyrus/internal/router"
	"github.com/cyrus-run/cyrus/internal/runner"
	"github.com/cyrus-run/cyrus/internal/session"
	"github.com/cyrus-run/cyrus/internal/statemachine"
	"github.com/cyrus-run/cyrus/internal/tracker"
	"github.com/google/uuid"
)

// persistRequest is one coalesced unit of work for the persistence-writer
// goroutine (§5: "the writer coalesces bursts by taking only the most recent
// pending snapshot per (session, key)").
type persistRequest struct {
	trackerSessionID string
	snapshot         persist.SessionSnapshot
}

// Orchestrator is the Edge-Worker composition root (§4.9).
type Orchestrator struct {
	log      *logger.Logger
	cfg      func() *config.Config
	tr       tracker.IssueTracker
	rt       *router.Router
	factory  runner.Factory
	store    *persist.Store
	hub      *activitystream.Hub
	forensic *forensics.Store // optional; nil disables the supplemental audit log

	registry *registry

	persistCh   chan persistRequest
	persistDone chan struct{}

	// stopCh is closed by Shutdown; background work that must outlive the
	// request that started it (ralph continuations) detaches from it via
	// appctx.Detached rather than the request's own context.
	stopCh chan struct{}

	mu        sync.Mutex
	accepting bool
}

// New wires an Orchestrator. cfg is called on every webhook to read the
// current repository list, so it can be backed by a configwatch.Manager's
// Current() method and observe hot reloads.
func New(log *logger.Logger, cfg func() *config.Config, tr tracker.IssueTracker, rt *router.Router, factory runner.Factory, store *persist.Store, hub *activitystream.Hub, forensic *forensics.Store) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	return &Orchestrator{
		log:         log.WithFields(zap.String("component", "orchestrator")),
		cfg:         cfg,
		tr:          tr,
		rt:          rt,
		factory:     factory,
		store:       store,
		hub:         hub,
		forensic:    forensic,
		registry:    newRegistry(),
		persistCh:   make(chan persistRequest, 64),
		persistDone: make(chan struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start performs crash recovery (§4.9) and opens the persistence-writer
// goroutine. It does not launch any runner processes — non-terminal sessions
// are reconstructed dormant and wait for a tracker prompt.
func (o *Orchestrator) Start(ctx context.Context) error {
	go o.persistenceWriter()

	state := o.store.Load()
	if state == nil {
		o.log.Info("no persisted state found, starting with an empty registry")
		o.setAccepting(true)
		return nil
	}

	recovered := 0
	for _, snap := range state.State.AgentSessions {
		if isTerminalStatus(snap.Status) {
			continue
		}
		dormant := snap
		dormant.Status = string(statemachine.Stopped)
		o.registry.insertDormant(snap.IssueID, dormant)
		recovered++
	}
	o.log.Info("crash recovery complete", zap.Int("sessions_recovered_dormant", recovered))

	o.setAccepting(true)
	return nil
}

func isTerminalStatus(status string) bool {
	return statemachine.Status(status) == statemachine.Completed || statemachine.Status(status) == statemachine.Failed
}

func (o *Orchestrator) setAccepting(v bool) {
	o.mu.Lock()
	o.accepting = v
	o.mu.Unlock()
}

func (o *Orchestrator) isAccepting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.accepting
}

// Shutdown implements §4.9/§5's graceful shutdown: stop accepting webhooks,
// signal stop(reason="shutdown") to every live coordinator fanned out via
// errgroup, wait bounded time, force-persist, exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.setAccepting(false)
	close(o.stopCh)

	drainCtx, cancel := context.WithTimeout(ctx, constants.ShutdownDrainWindow)
	defer cancel()

	coordinators := o.registry.liveCoordinators()
	group, gctx := errgroup.WithContext(drainCtx)
	for _, c := range coordinators {
		c := c
		group.Go(func() error {
			if err := c.Stop(gctx, "shutdown"); err != nil {
				o.log.Warn("coordinator stop returned an error during shutdown", zap.Error(err))
			}
			return nil
		})
	}
	_ = group.Wait()

	for _, c := range coordinators {
		o.forcePersist(c.Session())
	}

	close(o.persistCh)
	<-o.persistDone

	o.log.Info("orchestrator shutdown complete")
	return nil
}

// Status returns the current ActiveWorkStatus for the /status endpoint.
func (o *Orchestrator) Status() persist.ActiveWorkStatus {
	return o.registry.activeWorkStatus()
}

// Dispatch routes a normalized webhook event to the Router, then to the
// session registry, in O(1) (§4.9).
func (o *Orchestrator) Dispatch(ctx context.Context, ev tracker.WebhookEvent) error {
	if !o.isAccepting() {
		return fmt.Errorf("orchestrator is shutting down, rejecting dispatch")
	}

	switch e := ev.(type) {
	case tracker.AgentSessionCreated:
		return o.startNewSession(ctx, e.CommonFields, e.SessionID, e.Prompt)
	case tracker.IssueCommentMention:
		return o.startNewSession(ctx, e.CommonFields, "", e.Prompt)
	case tracker.IssueAssigned:
		return o.startNewSession(ctx, e.CommonFields, "", "")
	case tracker.AgentSessionPrompted:
		return o.handlePrompted(ctx, e)
	case tracker.IssueUnassigned:
		return o.handleUnassigned(ctx, e)
	case tracker.IssueStatusChanged:
		o.log.Info("issue status changed", zap.String("issue_id", e.IssueID), zap.String("status", e.Status))
		return nil
	default:
		return fmt.Errorf("unhandled webhook event kind %v", ev.Kind())
	}
}

func (o *Orchestrator) startNewSession(ctx context.Context, common tracker.CommonFields, existingTrackerSessionID, prompt string) error {
	repo, err := o.rt.Route(eventForRouting(common), o.cfg().Repositories)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	selection := runner.Selection{IssueID: common.IssueID, RunnerType: runner.TypeClaude, Model: o.cfg().DefaultModel, FallbackModel: o.cfg().DefaultFallbackModel}
	s := session.New(sessionID, existingTrackerSessionID, repo.ID, common.IssueID, repo.WorkspaceBaseDir, selection)
	session.ForLabels(s, common.Labels, prompt, repo.RalphCompletionPhrase)

	c := session.NewCoordinator(o.log, o.tr, o.factory, o.onPersist, o.onNextIteration, s)
	if o.hub != nil {
		c.SetDebugPublisher(activitystream.NewPublisher(o.hub))
	}

	o.registry.insertLive(common.IssueID, c)

	if err := c.Start(ctx, prompt); err != nil {
		return err
	}
	if o.forensic != nil {
		o.forensic.RecordTransition(s.ID, "Created", "Starting", "InitializeRunner", time.Now().UTC())
	}
	return nil
}

// handlePrompted implements §4.7/§4.9's resume path: a live, streaming
// session gets the follow-up pushed in place; a dormant (Stopped) session is
// reconstructed fresh and driven through Resume via Start.
func (o *Orchestrator) handlePrompted(ctx context.Context, e tracker.AgentSessionPrompted) error {
	if c, ok := o.registry.lookupByTrackerID(e.SessionID); ok {
		if err := c.SendFollowUp(ctx, e.Prompt); err == nil {
			return nil
		}
		// Not streaming (or not Running): fall through to a fresh resumed run
		// using the same tracker session id.
	}

	snap, dormant := o.registry.isDormant(e.SessionID)
	if !dormant {
		// Unknown session id: treat as a brand-new conversation on the issue.
		return o.startNewSession(ctx, e.CommonFields, e.SessionID, e.Prompt)
	}

	repo, err := o.rt.Route(eventForRouting(e.CommonFields), o.cfg().Repositories)
	if err != nil {
		return err
	}

	selection := runner.Selection{
		IssueID:         snap.IssueID,
		RunnerType:      runner.TypeClaude,
		Model:           o.cfg().DefaultModel,
		FallbackModel:   o.cfg().DefaultFallbackModel,
		ResumeSessionID: snap.TrackerSessionID,
	}
	s := session.New(snap.ID, snap.TrackerSessionID, repo.ID, snap.IssueID, snap.WorkspacePath, selection)
	s.Machine = statemachine.Restore(snap.ID, statemachine.Stopped)
	// Ralph loop state survives the restart with the rest of the snapshot
	// rather than being recomputed from the webhook's current labels, which
	// may have changed since the loop was started.
	s.RalphState = snap.RalphState

	c := session.NewCoordinator(o.log, o.tr, o.factory, o.onPersist, o.onNextIteration, s)
	if o.hub != nil {
		c.SetDebugPublisher(activitystream.NewPublisher(o.hub))
	}

	o.registry.insertLive(snap.IssueID, c)
	if o.forensic != nil {
		o.forensic.RecordTransition(s.ID, "Stopped", "Starting", "Resume", time.Now().UTC())
	}
	return c.Start(ctx, e.Prompt)
}

func (o *Orchestrator) handleUnassigned(ctx context.Context, e tracker.IssueUnassigned) error {
	trackerID, ok := o.registry.trackerIDForIssue(e.IssueID)
	if !ok {
		return nil
	}
	c, ok := o.registry.lookupByTrackerID(trackerID)
	if !ok {
		return nil
	}
	return c.Stop(ctx, "issue unassigned")
}

func (o *Orchestrator) onPersist(s *session.Session) {
	o.persistCh <- persistRequest{trackerSessionID: s.TrackerSessionID, snapshot: toSnapshot(s)}
	if s.Machine.IsTerminal() {
		o.registry.markFinalized(s.TrackerSessionID)
	}
}

func (o *Orchestrator) onNextIteration(s *session.Session, continuationPrompt string) {
	go func() {
		ctx, cancel := appctx.Detached(context.Background(), o.stopCh, constants.TrackerRPCTimeout)
		defer cancel()
		if c, ok := o.registry.lookupByTrackerID(s.TrackerSessionID); ok {
			if err := c.SendFollowUp(ctx, continuationPrompt); err != nil {
				o.log.Warn("ralph continuation follow-up failed", zap.String("session_id", s.ID), zap.Error(err))
			}
		}
	}()
}

// forcePersist writes a session snapshot synchronously, used only during
// shutdown once the coalescing writer has been asked to drain.
func (o *Orchestrator) forcePersist(s *session.Session) {
	state := o.store.Load()
	if state == nil {
		doc := persist.NewStateDocument()
		state = &persist.PersistedState{Version: persist.StateVersion, State: doc}
	}
	state.State.AgentSessions[s.TrackerSessionID] = toSnapshot(s)
	if err := o.store.Save(state); err != nil {
		o.log.Warn("force-persist failed during shutdown", zap.Error(err))
	}
}

// persistenceWriter is the single serialized writer goroutine (§4.9, §5): it
// coalesces bursts by always applying only the most recent pending request
// per session before the next Save.
func (o *Orchestrator) persistenceWriter() {
	defer close(o.persistDone)

	pending := make(map[string]persist.SessionSnapshot)
	ticker := time.NewTicker(constants.ConfigDebounceWindow)
	defer ticker.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		state := o.store.Load()
		if state == nil {
			doc := persist.NewStateDocument()
			state = &persist.PersistedState{Version: persist.StateVersion, State: doc}
		}
		for id, snap := range pending {
			state.State.AgentSessions[id] = snap
		}
		if err := o.store.Save(state); err != nil {
			o.log.Warn("persistence writer save failed", zap.Error(err))
		}
		pending = make(map[string]persist.SessionSnapshot)
	}

	for {
		select {
		case req, ok := <-o.persistCh:
			if !ok {
				flush()
				return
			}
			pending[req.trackerSessionID] = req.snapshot
		case <-ticker.C:
			flush()
		}
	}
}

func toSnapshot(s *session.Session) persist.SessionSnapshot {
	return persist.SessionSnapshot{
		ID:               s.ID,
		TrackerSessionID: s.TrackerSessionID,
		RepositoryID:     s.RepositoryID,
		IssueID:          s.IssueID,
		WorkspacePath:    s.WorkspacePath,
		Status:           string(s.Machine.Status()),
		StartedAt:        s.StartedAt,
		EndedAt:          s.EndedAt,
		ExitCode:         s.ExitCode,
		StderrTail:       s.StderrTail,
		RalphState:       s.RalphState,
		Version:          time.Now().UTC().UnixNano(),
	}
}

// eventForRouting adapts CommonFields back into a minimal WebhookEvent so it
// can be passed through Router.Route, which only reads Common().
func eventForRouting(common tracker.CommonFields) tracker.WebhookEvent {
	return tracker.IssueAssigned{CommonFields: common}
}
