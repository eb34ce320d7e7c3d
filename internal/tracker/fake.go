package tracker

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// PostedActivity records one call to PostAgentActivity, for test assertions.
type PostedActivity struct {
	AgentSessionID string
	ContentType    ActivityContentType
	Body           ActivityContent
	Ephemeral      bool
}

// Fake is an in-memory IssueTracker used by coordinator/orchestrator tests. It
// is not a real tracker transport — the concrete Linear adapter is out of
// scope (§1) — but it satisfies the same capability interface so the core can
// be exercised without any network dependency.
type Fake struct {
	mu sync.Mutex

	Issues map[string]*IssueData

	Activities    []PostedActivity
	IssueStates   map[string]IssueStateType
	sessionSeq    int
	FailNextPosts int // when > 0, PostAgentActivity fails and decrements this counter
}

// NewFake returns an empty Fake tracker.
func NewFake() *Fake {
	return &Fake{
		Issues:      make(map[string]*IssueData),
		IssueStates: make(map[string]IssueStateType),
	}
}

func (f *Fake) GetIssue(id string) (*IssueData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.Issues[id]
	if !ok {
		return nil, fmt.Errorf("issue %s not found", id)
	}
	return issue, nil
}

func (f *Fake) CreateAgentSessionOnIssue(issueID string, externalLink string) (*CreateSessionResult, error) {
	return f.createSession()
}

func (f *Fake) CreateAgentSessionOnComment(commentID string, externalLink string) (*CreateSessionResult, error) {
	return f.createSession()
}

func (f *Fake) createSession() (*CreateSessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionSeq++
	return &CreateSessionResult{
		Success:        true,
		AgentSessionID: uuid.NewString(),
		LastSyncID:     fmt.Sprintf("sync-%d", f.sessionSeq),
	}, nil
}

func (f *Fake) PostAgentActivity(agentSessionID string, contentType ActivityContentType, body ActivityContent, ephemeral bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailNextPosts > 0 {
		f.FailNextPosts--
		return fmt.Errorf("fake tracker: simulated transient post failure")
	}

	f.Activities = append(f.Activities, PostedActivity{
		AgentSessionID: agentSessionID,
		ContentType:    contentType,
		Body:           body,
		Ephemeral:      ephemeral,
	})
	return nil
}

func (f *Fake) UpdateIssueState(issueID string, stateType IssueStateType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.IssueStates[issueID] = stateType
	return nil
}

func (f *Fake) UploadFile(path string, filename string, contentType string, makePublic bool) (*UploadResult, error) {
	return &UploadResult{AssetURL: "fake://" + filename, Size: 0, ContentType: contentType}, nil
}

// ActivitiesFor returns every activity posted for the given session, in order.
func (f *Fake) ActivitiesFor(agentSessionID string) []PostedActivity {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PostedActivity
	for _, a := range f.Activities {
		if a.AgentSessionID == agentSessionID {
			out = append(out, a)
		}
	}
	return out
}
