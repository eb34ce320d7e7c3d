package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// RoutingLabels holds include/exclude label routing with a tie-break priority (§3, §4.1).
type RoutingLabels struct {
	Include  []string `mapstructure:"include" json:"include,omitempty"`
	Exclude  []string `mapstructure:"exclude" json:"exclude,omitempty"`
	Priority int      `mapstructure:"priority" json:"priority"`
}

// RepositoryConfig is the identity, credentials and routing hints for one source
// repository (§3).
type RepositoryConfig struct {
	ID               string `mapstructure:"id" json:"id"`
	Name             string `mapstructure:"name" json:"name"`
	RepositoryPath   string `mapstructure:"repositoryPath" json:"repositoryPath"`
	BaseBranch       string `mapstructure:"baseBranch" json:"baseBranch"`
	WorkspaceBaseDir string `mapstructure:"workspaceBaseDir" json:"workspaceBaseDir,omitempty"`

	TrackerToken       string `mapstructure:"trackerToken" json:"trackerToken,omitempty"`
	TrackerWorkspaceID string `mapstructure:"trackerWorkspaceId" json:"trackerWorkspaceId,omitempty"`

	TeamKeys      []string       `mapstructure:"teamKeys" json:"teamKeys,omitempty"`
	RoutingLabels *RoutingLabels `mapstructure:"routingLabels" json:"routingLabels,omitempty"`
	ProjectKeys   []string       `mapstructure:"projectKeys" json:"projectKeys,omitempty"`

	AllowedTools    []string            `mapstructure:"allowedTools" json:"allowedTools,omitempty"`
	DisallowedTools []string            `mapstructure:"disallowedTools" json:"disallowedTools,omitempty"`
	LabelPrompts    map[string][]string `mapstructure:"labelPrompts" json:"labelPrompts,omitempty"`
	IsActive        bool                `mapstructure:"isActive" json:"isActive"`

	// RalphCompletionPhrase, if set, is the phrase the RalphWiggumController
	// (§4.4) looks for in a final response to deactivate a ralph-wiggum loop
	// early, regardless of the iteration bound.
	RalphCompletionPhrase string `mapstructure:"ralphCompletionPhrase" json:"ralphCompletionPhrase,omitempty"`
}

// defaultAllowedTools is the §6 default allowedTools list applied when a
// repository entry omits the field.
func defaultAllowedTools() []string {
	return []string{
		"Read(**)", "Edit(**)", "Task", "WebFetch", "WebSearch",
		"TodoRead", "TodoWrite", "NotebookRead", "NotebookEdit", "Batch", "Bash",
	}
}

func defaultLabelPrompts() map[string][]string {
	return map[string][]string{
		"debugger": {"Bug"},
		"builder":  {"Feature"},
		"scoper":   {"PRD"},
	}
}

// applyDefaults fills the §6 repository defaults for any field left unset.
func (r *RepositoryConfig) applyDefaults(cyrusHome string) {
	if r.WorkspaceBaseDir == "" {
		r.WorkspaceBaseDir = filepath.Join(cyrusHome, "workspaces")
	}
	if r.AllowedTools == nil {
		r.AllowedTools = defaultAllowedTools()
	}
	if r.LabelPrompts == nil {
		r.LabelPrompts = defaultLabelPrompts()
	}
	if r.TeamKeys == nil {
		r.TeamKeys = []string{}
	}
	// IsActive defaults to false (the zero value), matching §6.
}

// IsCatchAll reports whether this repository carries no routing filters at all:
// no team keys, no routing labels, no project keys (§3 invariant, §4.1 step 3).
func (r *RepositoryConfig) IsCatchAll() bool {
	return len(r.TeamKeys) == 0 && r.RoutingLabels == nil && len(r.ProjectKeys) == 0
}

// validateRepositories enforces the "at most one catch-all repository" invariant
// per §3. The spec's own resolved Open Question: two catch-alls is a rejected,
// ambiguous configuration rather than "pick the first".
func validateRepositories(repos []RepositoryConfig) error {
	seenIDs := make(map[string]bool, len(repos))
	catchAllCount := 0

	for _, r := range repos {
		if r.ID == "" {
			return fmt.Errorf("repository entry missing required id field")
		}
		if seenIDs[r.ID] {
			return fmt.Errorf("duplicate repository id %q", r.ID)
		}
		seenIDs[r.ID] = true

		if r.IsCatchAll() {
			catchAllCount++
		}
	}

	if catchAllCount > 1 {
		return fmt.Errorf("ambiguous configuration: %d workspace catch-all repositories found, at most one is allowed", catchAllCount)
	}
	return nil
}

// marshalConfig renders cfg as indented JSON matching the §6 document shape.
func marshalConfig(cfg *Config) ([]byte, error) {
	return json.MarshalIndent(cfg, "", "  ")
}
