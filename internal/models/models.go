// Package models contains the persistent records of the merge-queue:
// repositories, pull requests, builds and their workflow runs.
package models

import (
	"fmt"
	"strings"
	"time"
)

// RepositoryName identifies a repository by owner and name.
// Both parts are folded to lowercase on construction, equality and map keys
// compare the folded form.
type RepositoryName struct {
	owner string
	name  string
}

func NewRepositoryName(owner, name string) RepositoryName {
	return RepositoryName{
		owner: strings.ToLower(owner),
		name:  strings.ToLower(name),
	}
}

func (r RepositoryName) Owner() string { return r.owner }
func (r RepositoryName) Name() string  { return r.name }

func (r RepositoryName) String() string {
	return fmt.Sprintf("%s/%s", r.owner, r.name)
}

// BuildStatus is the aggregate state of a build or of a single workflow run.
// Pending is the only non-terminal state.
type BuildStatus string

const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusSuccess   BuildStatus = "success"
	BuildStatusFailure   BuildStatus = "failure"
	BuildStatusCancelled BuildStatus = "cancelled"
)

func (s BuildStatus) IsFinished() bool {
	return s != BuildStatusPending
}

// BuildKind distinguishes the two CI runs a pull request can have
// outstanding: a merge-intent run (approve) and a speculative run (try).
type BuildKind string

const (
	BuildKindApprove BuildKind = "approve"
	BuildKindTry     BuildKind = "try"
)

// WorkflowType names the CI system a workflow run belongs to.
type WorkflowType string

const (
	WorkflowTypeGithub   WorkflowType = "github"
	WorkflowTypeExternal WorkflowType = "external"
)

type Repository struct {
	ID        int64
	Name      RepositoryName
	CreatedAt time.Time
}

// PullRequest is the local record of a platform pull request, created lazily
// on the first command that touches it. Build references are nil until a
// build of that kind was started.
type PullRequest struct {
	ID         int64
	Repository RepositoryName
	Number     int

	ApproveBuild *Build
	TryBuild     *Build

	CreatedAt time.Time
}

// Build is one CI run triggered for a pull request, either of kind approve
// or try. Its branch and commit hash identify the ref CI ran on.
type Build struct {
	ID         int64
	Repository RepositoryName
	Kind       BuildKind
	Branch     string
	CommitSHA  string
	Status     BuildStatus
	CreatedAt  time.Time
}

// Workflow is a single CI execution tracked against a build.
type Workflow struct {
	ID        int64
	BuildID   int64
	Name      string
	RunID     int64
	URL       string
	Status    BuildStatus
	Type      WorkflowType
	CreatedAt time.Time
}
