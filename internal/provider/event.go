// Package provider defines the normalized event that event providers
// deliver to the dispatcher.
package provider

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/logfields"
)

// Event is a preprocessed webhook event.
// Fields that are not available for the event type are empty strings, 0 or
// nil.
type Event struct {
	// JSON is the raw event payload, filter rules are evaluated against it.
	JSON     []byte
	Provider string

	DeliveryID string
	EventType  string

	RepositoryOwner string
	Repository      string

	// Comment fields, set for pull request comment events.
	PullRequestNr int
	CommentUser   string
	CommentBody   string

	// WorkflowRun is set for workflow run events.
	WorkflowRun *WorkflowRun
}

// WorkflowRun is a CI workflow run status change.
type WorkflowRun struct {
	// Action is one of "requested", "in_progress", "completed".
	Action     string
	Name       string
	RunID      int64
	URL        string
	HeadBranch string
	HeadSHA    string
	// Conclusion is only set for completed runs.
	Conclusion string
}

func (e *Event) String() string {
	return fmt.Sprintf("%s (deliveryID: %s)", e.EventType, e.DeliveryID)
}

func (e *Event) LogFields() []zap.Field {
	fields := make([]zap.Field, 0, 6) // cap == max. size of fields we append

	if e.DeliveryID != "" {
		fields = append(fields, zap.String("github.delivery_id", e.DeliveryID))
	}

	if e.Repository != "" {
		fields = append(fields, logfields.Repository(e.RepositoryOwner+"/"+e.Repository))
	}

	if e.PullRequestNr != 0 {
		fields = append(fields, logfields.PullRequest(e.PullRequestNr))
	}

	if e.CommentUser != "" {
		fields = append(fields, logfields.User(e.CommentUser))
	}

	if e.WorkflowRun != nil {
		fields = append(fields, logfields.WorkflowRun(e.WorkflowRun.RunID))
	}

	return fields
}
