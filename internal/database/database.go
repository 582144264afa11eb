// Package database persists the merge-queue state: repositories, pull
// requests, builds and workflow runs.
//
// The Client interface is the capability consumed by the command handlers.
// Two backends implement it, SQLite and PostgreSQL, selected by the
// configured driver.
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/merganser/merganser/internal/models"
)

// Open opens the backend selected by driver.
func Open(driver, dsn string) (Client, error) {
	switch driver {
	case "sqlite":
		return OpenSQLite(dsn)
	case "postgres":
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
}

// ErrNotExist is returned when a queried record does not exist.
var ErrNotExist = errors.New("record does not exist")

// ErrBuildExists is returned by AssociateBuild when the pull request already
// has a pending build of the same kind. The uniqueness is enforced by the
// database, two racing commands cannot both create one.
var ErrBuildExists = errors.New("a pending build of this kind already exists")

// ErrWorkflowExists is returned by CreateWorkflow when a workflow with the
// same url is already recorded for the build.
var ErrWorkflowExists = errors.New("workflow is already recorded for this build")

// Client is the data access interface of the merge-queue.
// All operations may fail with a generic error, callers must not assume
// multi-step atomicity across calls.
type Client interface {
	Migrate(ctx context.Context) error
	Close() error

	// CreateRepository inserts the repository row if it does not exist.
	CreateRepository(ctx context.Context, name models.RepositoryName) error

	// GetOrCreatePullRequest fetches the pull request row, inserting it
	// first if it does not exist. Build references are populated with the
	// newest build of each kind, or left nil.
	GetOrCreatePullRequest(ctx context.Context, repo models.RepositoryName, number int) (*models.PullRequest, error)

	// GetPullRequestForBuild returns the pull request owning the build.
	GetPullRequestForBuild(ctx context.Context, buildID int64) (*models.PullRequest, error)

	// FindBuild returns the newest build for the branch and commit,
	// or ErrNotExist.
	FindBuild(ctx context.Context, repo models.RepositoryName, branch, commitSHA string) (*models.Build, error)

	// AssociateBuild creates a new pending build of the given kind for the
	// pull request and makes it the pull request's current build of that
	// kind. Returns ErrBuildExists if a pending build of the kind exists.
	AssociateBuild(ctx context.Context, pr *models.PullRequest, kind models.BuildKind, branch, commitSHA string) (*models.Build, error)

	// CreateWorkflow records a workflow run reported for a build.
	CreateWorkflow(ctx context.Context, build *models.Build, name, url string, runID int64, workflowType models.WorkflowType, status models.BuildStatus) (*models.Workflow, error)

	// GetWorkflowsForBuild returns all workflow runs of a build.
	GetWorkflowsForBuild(ctx context.Context, build *models.Build) ([]*models.Workflow, error)

	UpdateBuildStatus(ctx context.Context, buildID int64, status models.BuildStatus) error

	// UpdateWorkflowStatus updates the workflow identified by its remote
	// run id.
	UpdateWorkflowStatus(ctx context.Context, runID int64, status models.BuildStatus) error
}
