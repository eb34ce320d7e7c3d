package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cyrus-run/cyrus/internal/common/constants"
	"github.com/cyrus-run/cyrus/internal/common/cyruserrors"
	"github.com/cyrus-run/cyrus/internal/common/logger"
	"github.com/cyrus-run/cyrus/internal/common/retry"
	"github.com/cyrus-run/cyrus/internal/normalizer"
	"github.com/cyrus-run/cyrus/internal/paralleltracker"
	"github.com/cyrus-run/cyrus/internal/ralph"
	"github.com/cyrus-run/cyrus/internal/runner"
	"github.com/cyrus-run/cyrus/internal/statemachine"
	"github.com/cyrus-run/cyrus/internal/tracker"
)

// PersistFunc is how a Coordinator hands a snapshot to the single
// persistence-writer goroutine (§5, §4.9).
type PersistFunc func(*Session)

// DebugPublisher fans a posted activity out to the operator's /debug/stream
// tail (SPEC_FULL.md §2b). It must not block the caller.
type DebugPublisher interface {
	Publish(sessionID, contentType, body string, ephemeral bool)
}

// NextIterationFunc is invoked when the RalphWiggumController decides to
// restart the session with a continuation prompt (§4.4, §4.7).
type NextIterationFunc func(s *Session, continuationPrompt string)

// Coordinator owns one session's entire goroutine-local state (§4.7). Every
// mutation to Session happens on the single goroutine running Coordinator's
// event loop; callers only ever send onto eventCh or call the public methods,
// which themselves only enqueue.
type Coordinator struct {
	log      *logger.Logger
	tr       tracker.IssueTracker
	factory  runner.Factory
	persist  PersistFunc
	onNextIt NextIterationFunc

	session *Session

	eventCh chan runner.Event
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu       sync.Mutex // guards only the few fields read from other goroutines
	stopped  bool
	finished bool

	debug DebugPublisher

	// pendingTaskUses buffers Task tool-use actions seen in the turn
	// currently in flight, so a fan-out can be detected against the whole
	// turn rather than just the first Action event (§4.3).
	pendingTaskUses []paralleltracker.TaskUse
}

// SetDebugPublisher wires an optional /debug/stream tail. Safe to call before
// Start; nil disables tailing (the default).
func (c *Coordinator) SetDebugPublisher(p DebugPublisher) { c.debug = p }

// NewCoordinator creates a Coordinator for a brand-new or restored Session.
func NewCoordinator(log *logger.Logger, tr tracker.IssueTracker, factory runner.Factory, persist PersistFunc, onNextIt NextIterationFunc, s *Session) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{
		log:      log.WithSession(s.ID),
		tr:       tr,
		factory:  factory,
		persist:  persist,
		onNextIt: onNextIt,
		session:  s,
		eventCh:  make(chan runner.Event, 64),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Session returns the coordinator's owned session. Callers outside the
// coordinator's own goroutine must treat the result as read-only.
func (c *Coordinator) Session() *Session { return c.session }

// Start implements §4.7's start(prompt, selection): pre-creates the tracker
// agentSessionId, invokes the runner factory, and drives the state machine
// through InitializeRunner/RunnerInitialized.
func (c *Coordinator) Start(ctx context.Context, prompt string) error {
	if _, err := c.session.Machine.Apply(statemachine.InitializeRunner, true); err != nil {
		return err
	}

	if c.session.TrackerSessionID == "" {
		result, err := c.createTrackerSession(ctx)
		if err != nil {
			c.session.Machine.Apply(statemachine.ErrorEvent, false)
			return cyruserrors.New(cyruserrors.KindTransientIO, "creating tracker session", err)
		}
		c.session.TrackerSessionID = result.AgentSessionID
	}

	rn, err := c.factory(c.session.RunnerSelection)
	if err != nil {
		c.session.Machine.Apply(statemachine.ErrorEvent, false)
		return cyruserrors.New(cyruserrors.KindInvalidConfig, "constructing runner", err)
	}
	c.session.runnerHandle = rn

	// The runner is considered initialized once construction succeeds; the
	// transition happens before any event can reach run()'s consumer loop so
	// MessageReceived never races InitializeRunner/RunnerInitialized.
	c.session.Machine.Apply(statemachine.RunnerInitialized, true)
	c.session.inputActive = rn.SupportsStreamingInput()

	go c.run(ctx)

	_, err = rn.Start(ctx, prompt, func(ev runner.Event) {
		select {
		case c.eventCh <- ev:
		case <-c.stopCh:
		}
	})
	if err != nil {
		c.session.Machine.Apply(statemachine.ErrorEvent, false)
		return cyruserrors.New(cyruserrors.KindRunnerAborted, "runner start failed", err)
	}
	return nil
}

func (c *Coordinator) createTrackerSession(ctx context.Context) (*tracker.CreateSessionResult, error) {
	var result *tracker.CreateSessionResult
	err := retry.Do(ctx, retry.DefaultPolicy(), func(error) bool { return true }, func(ctx context.Context) error {
		r, err := c.tr.CreateAgentSessionOnIssue(c.session.IssueID, "")
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// SendFollowUp implements §4.7's sendFollowUp: only valid when streaming and
// Running.
func (c *Coordinator) SendFollowUp(ctx context.Context, content string) error {
	if !c.session.inputActive || c.session.Machine.Status() != statemachine.Running {
		return cyruserrors.ErrNotStreaming
	}
	if err := c.session.runnerHandle.PushMessage(ctx, content); err != nil {
		return err
	}
	c.appendNarrative(runner.Thought{Text: content})
	return nil
}

// Stop implements §4.7's stop(reason): cooperative abort with a bounded grace
// window, idempotent.
func (c *Coordinator) Stop(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return cyruserrors.ErrAlreadyDone
	}
	if c.session.Machine.IsTerminal() {
		c.mu.Unlock()
		return cyruserrors.ErrAlreadyDone
	}
	c.stopped = true
	c.mu.Unlock()

	c.session.Machine.Apply(statemachine.StopSignal, false)

	stopCtx, cancel := context.WithTimeout(ctx, constants.StopGraceWindow)
	defer cancel()

	runnerExited := true
	if c.session.runnerHandle != nil {
		if err := c.session.runnerHandle.Stop(stopCtx); err != nil {
			runnerExited = false
			c.log.Warn("runner stop returned an error", zap.Error(err), zap.String("reason", reason))
		}
	}
	// A runner that stopped cleanly ends the event loop at once; otherwise
	// the loop is given the grace window to see a Final event.
	if runnerExited {
		close(c.stopCh)
	}

	select {
	case <-stopCtx.Done():
		c.log.Warn("runner did not stop within the grace window, forcing Failed", zap.String("reason", reason))
		c.session.Machine.Apply(statemachine.ErrorEvent, false)
	case <-c.doneCh:
	}

	if !runnerExited {
		close(c.stopCh)
	}
	c.session.Machine.Apply(statemachine.RunnerStopped, false)
	return nil
}

// run is the single-consumer event loop (§5): all state-machine transitions,
// narrative appends, and tracker posts for this session happen here, totally
// ordered.
func (c *Coordinator) run(ctx context.Context) {
	defer close(c.doneCh)

	cleanupTicker := time.NewTicker(constants.ParallelGroupCleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case ev, ok := <-c.eventCh:
			if !ok {
				return
			}
			c.onRunnerEvent(ctx, ev)
			if _, ok := ev.(runner.Final); ok {
				return
			}
		case <-cleanupTicker.C:
			if dropped := c.session.ParallelGroups.CleanupExpired(time.Now().UTC()); dropped > 0 {
				c.log.Debug("dropped expired parallel task groups", zap.Int("count", dropped))
			}
		case <-c.stopCh:
			return
		}
	}
}

// onRunnerEvent implements §4.7's hot path.
func (c *Coordinator) onRunnerEvent(ctx context.Context, ev runner.Event) {
	c.session.Machine.Apply(statemachine.MessageReceived, false)
	c.appendNarrative(ev)

	switch e := ev.(type) {
	case runner.Thought:
		// §4.6's text-accumulation rule: only post once a different part id
		// arrives (or Flush is forced below), since runners emit cumulative
		// snapshots rather than incremental deltas.
		if flushed, ok := c.session.Normalizer.Accumulate(e.PartID, e.Text); ok {
			c.postThought(ctx, flushed)
		}
	case runner.Action:
		c.handleAction(ctx, e)
	case runner.Result:
		c.handleResult(ctx, e)
	case runner.Error:
		c.flushPendingTaskUses(ctx)
		c.flushThought(ctx)
		c.postActivity(ctx, ev)
	case runner.Final:
		c.flushPendingTaskUses(ctx)
		c.flushThought(ctx)
		c.postActivity(ctx, ev)
		c.completeAndPersist(ctx)
	}
}

func (c *Coordinator) appendNarrative(ev runner.Event) {
	c.session.Narrative = append(c.session.Narrative, ev)
}

// flushThought forces out any text buffered in the Normalizer (§4.6: "e.g. on
// a non-text event or session completion") so accumulated thought text from
// one part never leaks past a tool call or the end of the session.
func (c *Coordinator) flushThought(ctx context.Context) {
	if flushed, ok := c.session.Normalizer.Flush(); ok {
		c.postThought(ctx, flushed)
	}
}

func (c *Coordinator) postThought(ctx context.Context, text string) {
	c.postActivityContent(ctx, tracker.ActivityThought, tracker.TextBody{Text: text}, false)
}

// handleAction implements §4.7's Action branch together with §4.3's fan-out
// detection: an Action bound to an already-detected group updates that
// group in place; otherwise Task-named actions are buffered until the
// current turn resolves (flushPendingTaskUses), and any other action is
// posted standalone.
func (c *Coordinator) handleAction(ctx context.Context, action runner.Action) {
	if g := c.session.ParallelGroups.FindGroupForToolUse(action.ToolUseID); g != nil {
		c.pendingTaskUses = nil
		if view, ok := c.session.ParallelGroups.UpdateAction(g.ID, action.ToolUseID, actionDetail(action)); ok {
			c.postGroupProgress(ctx, view)
		}
		return
	}

	if action.Name != "Task" {
		c.flushPendingTaskUses(ctx)
		c.postActivity(ctx, action)
		return
	}

	c.pendingTaskUses = append(c.pendingTaskUses, paralleltracker.TaskUse{ToolUseID: action.ToolUseID, Description: action.Detail})
}

// handleResult implements §4.7's Result branch together with §4.3's
// completion tracking: a Result bound to a fan-out group either completes
// that sub-agent (and the whole group, if it was the last one outstanding)
// or merely re-renders the group's unified view.
func (c *Coordinator) handleResult(ctx context.Context, result runner.Result) {
	c.flushPendingTaskUses(ctx)

	g := c.session.ParallelGroups.FindGroupForToolUse(result.ToolUseID)
	if g == nil {
		c.postActivity(ctx, result)
		return
	}

	if summary, done := c.session.ParallelGroups.CompleteSubAgent(g.ID, result.ToolUseID, result.IsError); done {
		c.postGroupSummary(ctx, summary)
	} else if view, ok := c.session.ParallelGroups.Render(g.ID); ok {
		c.postGroupProgress(ctx, view)
	}
}

// flushPendingTaskUses evaluates the just-ended turn's buffered Task
// tool-uses for a fan-out (§4.3): ≥2 forms a group, posted synchronously as
// its initial ephemeral progress view; fewer than 2 was never a fan-out and
// is posted as a standalone action instead.
func (c *Coordinator) flushPendingTaskUses(ctx context.Context) {
	uses := c.pendingTaskUses
	c.pendingTaskUses = nil
	if len(uses) == 0 {
		return
	}
	if len(uses) < 2 {
		for _, u := range uses {
			c.postActivity(ctx, runner.Action{ToolUseID: u.ToolUseID, Name: "Task", Detail: u.Description})
		}
		return
	}

	g := c.session.ParallelGroups.DetectFanOut(uses)
	if g == nil {
		return
	}
	if view, ok := c.session.ParallelGroups.Render(g.ID); ok {
		c.postGroupProgress(ctx, view)
	}
}

func (c *Coordinator) postGroupProgress(ctx context.Context, view string) {
	c.postActivityContent(ctx, tracker.ActivityAction, tracker.TextBody{Text: view}, true)
}

func (c *Coordinator) postGroupSummary(ctx context.Context, summary string) {
	c.postActivityContent(ctx, tracker.ActivityResult, tracker.TextBody{Text: summary}, false)
}

func actionDetail(action runner.Action) string {
	return normalizer.RenderToolName(action.Name) + " " + action.Detail
}

func (c *Coordinator) postActivity(ctx context.Context, ev runner.Event) {
	contentType, body, ephemeral := renderActivity(ev)
	c.postActivityContent(ctx, contentType, body, ephemeral)
}

func (c *Coordinator) postActivityContent(ctx context.Context, contentType tracker.ActivityContentType, body tracker.ActivityContent, ephemeral bool) {
	if c.debug != nil {
		text := ""
		if tb, ok := body.(tracker.TextBody); ok {
			text = tb.Text
		}
		c.debug.Publish(c.session.ID, string(contentType), text, ephemeral)
	}

	err := retry.Do(ctx, retry.DefaultPolicy(), func(err error) bool {
		kind, _ := cyruserrors.AsKind(err)
		return kind.IsRetriable() || kind == cyruserrors.KindUnknown
	}, func(ctx context.Context) error {
		return c.tr.PostAgentActivity(c.session.TrackerSessionID, contentType, body, ephemeral)
	})
	if err != nil {
		c.log.Warn("activity post failed after retries, buffering", zap.Error(err))
		text := ""
		if tb, ok := body.(tracker.TextBody); ok {
			text = tb.Text
		}
		c.session.BufferedActivities = append(c.session.BufferedActivities, BufferedActivity{
			ContentType: string(contentType),
			Body:        text,
			Ephemeral:   ephemeral,
		})
	}
}

// renderActivity maps a RunnerEvent onto the tracker's ActivityContent shape
// (§4.6, §6), stripping a leading final marker when present.
func renderActivity(ev runner.Event) (tracker.ActivityContentType, tracker.ActivityContent, bool) {
	switch e := ev.(type) {
	case runner.Thought:
		return tracker.ActivityThought, tracker.TextBody{Text: e.Text}, false
	case runner.Action:
		return tracker.ActivityAction, tracker.ToolCallBody{Action: normalizer.RenderToolName(e.Name), Parameter: e.Detail}, true
	case runner.Result:
		body := tracker.ToolCallBody{Result: normalizer.FormatResult("", e.Output)}
		if e.IsError {
			return tracker.ActivityError, body, false
		}
		return tracker.ActivityResult, body, false
	case runner.Error:
		return tracker.ActivityError, tracker.TextBody{Text: e.Err.Error()}, false
	case runner.Final:
		text, _ := normalizer.StripFinalMarker(e.Text)
		return tracker.ActivityResponse, tracker.TextBody{Text: text}, false
	default:
		return tracker.ActivityThought, tracker.TextBody{}, false
	}
}

// completeAndPersist implements §4.7: drives ResultReceived/CleanupComplete,
// persists through the caller-supplied PersistFunc, consults Ralph, and
// either requests a next iteration or releases the session.
func (c *Coordinator) completeAndPersist(ctx context.Context) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()

	now := time.Now().UTC()
	c.session.EndedAt = &now

	c.session.Machine.Apply(statemachine.ResultReceived, false)
	c.session.Machine.Apply(statemachine.CleanupComplete, false)

	if c.persist != nil {
		c.persist(c.session)
	}

	if !c.session.RalphState.Active {
		return
	}

	finalText := ""
	if n := len(c.session.Narrative); n > 0 {
		if f, ok := c.session.Narrative[n-1].(runner.Final); ok {
			finalText = f.Text
		}
	}

	decision := ralph.Evaluate(c.session.RalphState, finalText)
	c.session.RalphState = decision.NextState
	if decision.Continue && c.onNextIt != nil {
		c.onNextIt(c.session, decision.ContinuationPrompt)
	}
}

// ClassifyExit maps a runner process exit code to the §4.7/§7 failure
// taxonomy and returns the truncated stderr tail to report, if any.
func ClassifyExit(exitCode int, aborted bool, stderr string) (cyruserrors.Kind, string) {
	tail := stderr
	if len(tail) > constants.StderrTailChars {
		tail = tail[len(tail)-constants.StderrTailChars:]
	}
	switch {
	case exitCode == 143:
		return cyruserrors.KindRunnerTerminated, ""
	case aborted:
		return cyruserrors.KindRunnerAborted, ""
	case exitCode != 0:
		return cyruserrors.KindRunnerProcessExit, tail
	default:
		return cyruserrors.KindUnknown, ""
	}
}

// ForLabels seeds a Session's RalphState from an issue's labels (§4.4).
func ForLabels(s *Session, labels []string, originalPrompt, completionPhrase string) {
	s.RalphState = ralph.FromLabels(labels, originalPrompt, completionPhrase)
}
