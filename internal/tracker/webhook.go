package tracker

import (
	"encoding/json"
	"fmt"
)

// rawTeam mirrors the embedded team record inside a webhook issue payload.
type rawTeam struct {
	Key string `json:"key"`
}

// rawIssue mirrors the embedded issue record (§6).
type rawIssue struct {
	ID         string   `json:"id"`
	Identifier string   `json:"identifier"`
	Title      string   `json:"title"`
	Team       rawTeam  `json:"team"`
	Labels     []string `json:"labels"`
	StateType  string   `json:"stateType"`
}

// rawAgentSession mirrors the embedded agent session record for session events.
type rawAgentSession struct {
	ID string `json:"id"`
}

// rawMessage mirrors the embedded message record carrying prompt text.
type rawMessage struct {
	Content string `json:"content"`
}

// rawPayload is the minimum webhook body shape described in §6, before
// normalization into a WebhookEvent.
type rawPayload struct {
	Type            string          `json:"type"`
	Action          string          `json:"action"`
	OrganizationID  string          `json:"organizationId"`
	Issue           rawIssue        `json:"issue"`
	AgentSession    rawAgentSession `json:"agentSession"`
	Message         rawMessage      `json:"message"`
	Author          string          `json:"author"`
	Attachments     []string        `json:"attachments"`
}

// ParsePayload normalizes a raw webhook request body into a WebhookEvent.
// It returns an error for malformed JSON (HTTP 400 per §6) or an unrecognized
// action (treated as a routing-adjacent failure by the caller).
func ParsePayload(body []byte) (WebhookEvent, error) {
	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}

	common := CommonFields{
		OrganizationID:  raw.OrganizationID,
		IssueID:         raw.Issue.ID,
		IssueIdentifier: raw.Issue.Identifier,
		TeamKey:         raw.Issue.Team.Key,
		Labels:          raw.Issue.Labels,
		Attachments:     raw.Attachments,
	}

	switch raw.Action {
	case "assigned":
		return IssueAssigned{CommonFields: common}, nil
	case "unassigned":
		return IssueUnassigned{CommonFields: common}, nil
	case "commented":
		return IssueCommentMention{CommonFields: common, Prompt: raw.Message.Content, Author: raw.Author}, nil
	case "created":
		return AgentSessionCreated{
			CommonFields: common,
			SessionID:    raw.AgentSession.ID,
			Prompt:       raw.Message.Content,
			Author:       raw.Author,
		}, nil
	case "prompted":
		return AgentSessionPrompted{
			CommonFields: common,
			SessionID:    raw.AgentSession.ID,
			Prompt:       raw.Message.Content,
			Author:       raw.Author,
		}, nil
	case "status_changed":
		return IssueStatusChanged{CommonFields: common, Status: raw.Issue.StateType}, nil
	default:
		return nil, fmt.Errorf("unrecognized webhook action %q", raw.Action)
	}
}
