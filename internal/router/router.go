// Package router implements the repository routing decision described in §4.1:
// team-key exact match, then label include/exclude with priority, then a
// workspace catch-all fallback.
package router

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/cyrus-run/cyrus/internal/common/config"
	"github.com/cyrus-run/cyrus/internal/common/logger"
	"github.com/cyrus-run/cyrus/internal/tracker"
)

// LabelFetcher fetches the current labels for an issue, used only for the
// label-routing step. A failure here is logged and the router falls through
// to the catch-all step rather than failing the whole route.
type LabelFetcher func(issueID string) ([]string, error)

// Router decides which RepositoryConfig owns an inbound webhook event.
type Router struct {
	log         *logger.Logger
	fetchLabels LabelFetcher
}

// New creates a Router. fetchLabels may be nil, in which case label routing
// is skipped entirely (as if every label fetch failed).
func New(log *logger.Logger, fetchLabels LabelFetcher) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{log: log, fetchLabels: fetchLabels}
}

// Route implements the §4.1 selection order: team-key, then label, then
// catch-all, then none. It never revisits an earlier step once one produces a
// match.
func (r *Router) Route(event tracker.WebhookEvent, repos []config.RepositoryConfig) (*config.RepositoryConfig, error) {
	common := event.Common()

	if repo := matchTeamKey(common.TeamKey, repos); repo != nil {
		return repo, nil
	}

	repo, err := r.matchLabels(common, repos)
	if err != nil {
		r.log.Warn("label routing failed, falling through to catch-all",
			zap.String("issue_id", common.IssueID),
			zap.Error(err),
		)
	} else if repo != nil {
		return repo, nil
	}

	repo, err = matchCatchAll(common.OrganizationID, repos)
	if err != nil {
		return nil, err
	}
	if repo != nil {
		return repo, nil
	}

	return nil, fmt.Errorf("routing failure: no repository matched organization %s team %s", common.OrganizationID, common.TeamKey)
}

// matchTeamKey implements §4.1 step 1: exact team-key match among active repos.
func matchTeamKey(teamKey string, repos []config.RepositoryConfig) *config.RepositoryConfig {
	if teamKey == "" {
		return nil
	}
	var match *config.RepositoryConfig
	count := 0
	for i := range repos {
		repo := &repos[i]
		if !repo.IsActive {
			continue
		}
		for _, k := range repo.TeamKeys {
			if k == teamKey {
				count++
				match = repo
				break
			}
		}
	}
	if count == 1 {
		return match
	}
	return nil
}

// matchLabels implements §4.1 step 2: label include/exclude with priority.
func (r *Router) matchLabels(common tracker.CommonFields, repos []config.RepositoryConfig) (*config.RepositoryConfig, error) {
	labels := common.Labels
	if r.fetchLabels != nil && len(labels) == 0 {
		fetched, err := r.fetchLabels(common.IssueID)
		if err != nil {
			return nil, err
		}
		labels = fetched
	}

	labelSet := make(map[string]bool, len(labels))
	for _, l := range labels {
		labelSet[l] = true
	}

	type candidate struct {
		repo    *config.RepositoryConfig
		matched []string
		order   int
	}
	var candidates []candidate

	for i := range repos {
		repo := &repos[i]
		if !repo.IsActive || repo.RoutingLabels == nil {
			continue
		}
		rl := repo.RoutingLabels

		excluded := false
		for _, ex := range rl.Exclude {
			if labelSet[ex] {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}

		var matched []string
		for _, inc := range rl.Include {
			if labelSet[inc] {
				matched = append(matched, inc)
			}
		}
		if len(matched) == 0 {
			continue
		}

		candidates = append(candidates, candidate{repo: repo, matched: matched, order: i})
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].repo.RoutingLabels.Priority != candidates[j].repo.RoutingLabels.Priority {
			return candidates[i].repo.RoutingLabels.Priority > candidates[j].repo.RoutingLabels.Priority
		}
		return candidates[i].order < candidates[j].order
	})

	best := candidates[0]
	r.log.Info("label-routed webhook",
		zap.String("repository_id", best.repo.ID),
		zap.String("labels", strings.Join(best.matched, ",")),
	)
	return best.repo, nil
}

// matchCatchAll implements §4.1 step 3: the single workspace catch-all for the
// event's organization. More than one catch-all is a rejected, ambiguous
// configuration (§3 invariant, §9 resolved Open Question).
func matchCatchAll(organizationID string, repos []config.RepositoryConfig) (*config.RepositoryConfig, error) {
	var found []*config.RepositoryConfig
	for i := range repos {
		repo := &repos[i]
		if !repo.IsActive || !repo.IsCatchAll() {
			continue
		}
		if organizationID != "" && repo.TrackerWorkspaceID != "" && repo.TrackerWorkspaceID != organizationID {
			continue
		}
		found = append(found, repo)
	}

	if len(found) > 1 {
		return nil, fmt.Errorf("ambiguous routing: %d workspace catch-all repositories are active", len(found))
	}
	if len(found) == 1 {
		return found[0], nil
	}
	return nil, nil
}
