// Package paralleltracker implements the ParallelTaskTracker (§4.3): it
// detects fan-out sub-agent turns and consolidates their progress into a
// single ephemeral activity per session.
package paralleltracker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SubAgentStatus is one sub-agent's progress within a group.
type SubAgentStatus int

const (
	SubAgentRunning SubAgentStatus = iota
	SubAgentCompleted
	SubAgentFailed
)

func (s SubAgentStatus) glyph() string {
	switch s {
	case SubAgentCompleted:
		return "✅"
	case SubAgentFailed:
		return "❌"
	default:
		return "🔄"
	}
}

// SubAgent is one Task-tool-use member of a fan-out group.
type SubAgent struct {
	ToolUseID     string
	Description   string
	ToolCount     int
	CurrentAction string
	Status        SubAgentStatus
}

// Group is one fan-out group (§3): created synchronously the instant ≥2
// Task tool-use blocks are seen in a single assistant turn.
type Group struct {
	ID                      string
	CreatedAt               time.Time
	EphemeralActivityPending bool
	SubAgents               map[string]*SubAgent // keyed by ToolUseID
	order                   []string             // insertion order for stable rendering
}

// Tracker owns every fan-out group for one session (§5: "one tracker per
// session. No cross-session sharing"). Every method takes an internal mutex,
// though in practice only the owning session's event loop touches it.
type Tracker struct {
	mu     sync.Mutex
	groups map[string]*Group
	ttl    time.Duration
}

// New creates an empty Tracker. ttl defaults to one hour (§4.3) if zero.
func New(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Tracker{groups: make(map[string]*Group), ttl: ttl}
}

// TaskUse is one Task-tool-use content block observed in an assistant turn.
type TaskUse struct {
	ToolUseID   string
	Description string
}

// DetectFanOut inspects one assistant turn's Task-tool-use blocks. If there
// are ≥2, it synchronously creates a new Group with EphemeralActivityPending
// set true before any async tracker call can complete (§4.3), and returns it.
// Fewer than 2 Task uses is not a fan-out; DetectFanOut returns nil.
func (t *Tracker) DetectFanOut(uses []TaskUse) *Group {
	if len(uses) < 2 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	g := &Group{
		ID:                       uuid.NewString(),
		CreatedAt:                time.Now().UTC(),
		EphemeralActivityPending: true,
		SubAgents:                make(map[string]*SubAgent, len(uses)),
	}
	for _, u := range uses {
		g.SubAgents[u.ToolUseID] = &SubAgent{ToolUseID: u.ToolUseID, Description: u.Description}
		g.order = append(g.order, u.ToolUseID)
	}
	t.groups[g.ID] = g
	return g
}

// FindGroupForToolUse returns the group owning toolUseID, if any.
func (t *Tracker) FindGroupForToolUse(toolUseID string) *Group {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, g := range t.groups {
		if _, ok := g.SubAgents[toolUseID]; ok {
			return g
		}
	}
	return nil
}

// UpdateAction records a sub-agent's current action and increments its tool
// count, then returns the group's re-rendered unified view (§4.3: "update
// toolCount/currentAction in place and re-render the unified view").
func (t *Tracker) UpdateAction(groupID, toolUseID, action string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.groups[groupID]
	if !ok {
		return "", false
	}
	sub, ok := g.SubAgents[toolUseID]
	if !ok {
		return "", false
	}
	sub.ToolCount++
	sub.CurrentAction = action
	return render(g), true
}

// CompleteSubAgent marks one sub-agent done (successfully or not). If every
// sub-agent in the group has reported, the group is removed and a final
// summary is returned along with done=true (§4.3).
func (t *Tracker) CompleteSubAgent(groupID, toolUseID string, failed bool) (summary string, groupComplete bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.groups[groupID]
	if !ok {
		return "", false
	}
	sub, ok := g.SubAgents[toolUseID]
	if !ok {
		return "", false
	}
	if failed {
		sub.Status = SubAgentFailed
	} else {
		sub.Status = SubAgentCompleted
	}

	for _, id := range g.order {
		if g.SubAgents[id].Status == SubAgentRunning {
			return "", false
		}
	}

	delete(t.groups, groupID)
	return renderSummary(g), true
}

// Render returns the group's current unified view without mutating it.
func (t *Tracker) Render(groupID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[groupID]
	if !ok {
		return "", false
	}
	return render(g), true
}

// CleanupExpired drops groups older than the tracker's TTL (§4.3: "a periodic
// cleanup drops groups older than one hour") and returns how many were dropped.
func (t *Tracker) CleanupExpired(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for id, g := range t.groups {
		if now.Sub(g.CreatedAt) > t.ttl {
			delete(t.groups, id)
			dropped++
		}
	}
	return dropped
}

// render builds the fixed-format tree described in §4.3: a header line
// followed by one status/description/count line per sub-agent and a sub-line
// for its current action.
func render(g *Group) string {
	total := len(g.order)
	done := 0
	for _, id := range g.order {
		if g.SubAgents[id].Status != SubAgentRunning {
			done++
		}
	}

	var b strings.Builder
	if done == total {
		fmt.Fprintf(&b, "Completed %d agents\n", total)
	} else {
		fmt.Fprintf(&b, "Running %d of %d agents…\n", total-done, total)
	}

	ids := make([]string, len(g.order))
	copy(ids, g.order)
	sort.SliceStable(ids, func(i, j int) bool {
		return indexOf(g.order, ids[i]) < indexOf(g.order, ids[j])
	})

	for _, id := range ids {
		sub := g.SubAgents[id]
		fmt.Fprintf(&b, "%s %s (%d tools)\n", sub.Status.glyph(), sub.Description, sub.ToolCount)
		if sub.CurrentAction != "" {
			fmt.Fprintf(&b, "  %s\n", sub.CurrentAction)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func indexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

func renderSummary(g *Group) string {
	succeeded, failed := 0, 0
	for _, id := range g.order {
		if g.SubAgents[id].Status == SubAgentFailed {
			failed++
		} else {
			succeeded++
		}
	}
	if failed == 0 {
		return fmt.Sprintf("Completed %d agents", len(g.order))
	}
	return fmt.Sprintf("Completed %d agents (%d failed)", len(g.order), failed)
}
