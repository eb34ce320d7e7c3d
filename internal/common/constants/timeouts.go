// Package constants provides application-wide timing budgets shared across
// the session, persistence, and orchestration layers.
package constants

import "time"

// Timeouts and budgets for the session and persistence lifecycle (§5).
const (
	// StopGraceWindow is how long stop(reason) waits for a runner to exit
	// cooperatively after StopSignal before the coordinator forces Failed.
	StopGraceWindow = 30 * time.Second

	// TrackerRPCTimeout is the deadline applied to every outbound tracker RPC
	// (activity posts, session creation, issue state updates).
	TrackerRPCTimeout = 15 * time.Second

	// ShutdownDrainWindow bounds how long the Orchestrator waits for active
	// sessions to finish during graceful shutdown before force-persisting
	// them as Failed with reason "shutdown".
	ShutdownDrainWindow = 45 * time.Second

	// ConfigDebounceWindow is the fsnotify debounce applied before a config
	// file change is validated and swapped in (§4.8).
	ConfigDebounceWindow = 500 * time.Millisecond

	// ParallelGroupTTL is how long after its creation a parallel task group
	// may be dropped by cleanup (§4.3); a group whose sub-agents have all
	// completed is removed at once and does not wait for it.
	ParallelGroupTTL = time.Hour

	// ParallelGroupCleanupInterval is how often a Coordinator sweeps its
	// ParallelTaskTracker for groups older than ParallelGroupTTL (§4.3).
	ParallelGroupCleanupInterval = 10 * time.Minute

	// MaxActivityBodyChars is the cap on rendered tool-result bodies before
	// truncation (§4.6).
	MaxActivityBodyChars = 10000

	// TruncationFloorRatio is the minimum fraction of MaxActivityBodyChars a
	// truncated body must retain; the cut point is the last line break at or
	// above this fraction of the cap.
	TruncationFloorRatio = 0.8

	// StderrTailChars is how much of a failed runner's stderr is retained
	// when posting a ProcessExit failure (§4.5, §4.7).
	StderrTailChars = 1500
)
