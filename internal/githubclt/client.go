// Package githubclt provides the github API client of the merge-queue bot.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/merganser/merganser/internal/logfields"
	"github.com/merganser/merganser/internal/mergerr"
	"github.com/merganser/merganser/internal/models"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

// ErrBranchNotFound is returned by UpdateRef when the ref to update does not
// exist.
var ErrBranchNotFound = errors.New("branch does not exist")

// ErrMergeConflict is returned by MergeBranches when the branches can not be
// merged automatically.
var ErrMergeConflict = errors.New("merge conflict")

// New returns a new github api client.
func New(oauthAPIToken string) *Client {
	httpClient := newHTTPClient(oauthAPIToken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is a github API client.
// Methods return a mergerr.RetryableError when an operation can be retried,
// e.g. when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// Bind returns a RepoClient bound to one repository.
func (clt *Client) Bind(repo models.RepositoryName) *RepoClient {
	return &RepoClient{
		clt:  clt,
		repo: repo,
		logger: clt.logger.With(
			logfields.RepositoryOwner(repo.Owner()),
			logfields.Repository(repo.Name()),
		),
	}
}

// PullRequest is the subset of the platform pull request representation the
// bot acts on.
type PullRequest struct {
	Number  int
	Title   string
	URL     string
	HeadSHA string
	HeadRef string
	BaseRef string
	State   string
}

// RepoClient executes platform operations on one repository.
type RepoClient struct {
	clt    *Client
	repo   models.RepositoryName
	logger *zap.Logger
}

// RepositoryName identifies the repository the client is bound to.
func (r *RepoClient) RepositoryName() models.RepositoryName {
	return r.repo
}

func (r *RepoClient) GetPullRequest(ctx context.Context, number int) (*PullRequest, error) {
	pr, _, err := r.clt.restClt.PullRequests.Get(ctx, r.repo.Owner(), r.repo.Name(), number)
	if err != nil {
		return nil, r.clt.wrapRetryableErrors(err)
	}

	head := pr.GetHead()
	if head == nil || head.GetSHA() == "" {
		return nil, errors.New("got pull request object with empty head")
	}

	return &PullRequest{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		URL:     pr.GetHTMLURL(),
		HeadSHA: head.GetSHA(),
		HeadRef: head.GetRef(),
		BaseRef: pr.GetBase().GetRef(),
		State:   pr.GetState(),
	}, nil
}

// CreateIssueComment creates a comment in an issue or pull request.
func (r *RepoClient) CreateIssueComment(ctx context.Context, issueOrPRNr int, comment string) error {
	_, _, err := r.clt.restClt.Issues.CreateComment(
		ctx, r.repo.Owner(), r.repo.Name(), issueOrPRNr,
		&github.IssueComment{Body: &comment},
	)

	return r.clt.wrapRetryableErrors(err)
}

// UpdateIssueComment replaces the body of an existing comment.
func (r *RepoClient) UpdateIssueComment(ctx context.Context, commentID int64, comment string) error {
	_, _, err := r.clt.restClt.Issues.EditComment(
		ctx, r.repo.Owner(), r.repo.Name(), commentID,
		&github.IssueComment{Body: &comment},
	)

	return r.clt.wrapRetryableErrors(err)
}

// MergeBranches merges head into base and returns the SHA of the created
// merge commit.
// If the branches can not be merged automatically ErrMergeConflict is
// returned. If base already contains head an empty SHA and no error is
// returned.
func (r *RepoClient) MergeBranches(ctx context.Context, base, head, commitMessage string) (string, error) {
	commit, resp, err := r.clt.restClt.Repositories.Merge(
		ctx, r.repo.Owner(), r.repo.Name(),
		&github.RepositoryMergeRequest{
			Base:          &base,
			Head:          &head,
			CommitMessage: &commitMessage,
		},
	)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusConflict {
			return "", fmt.Errorf("merging %s into %s: %w", head, base, ErrMergeConflict)
		}

		return "", r.clt.wrapRetryableErrors(err)
	}

	if resp.StatusCode == http.StatusNoContent {
		// base already contains head, nothing was merged
		return "", nil
	}

	return commit.GetSHA(), nil
}

// BranchHead returns the commit SHA the branch currently points to.
func (r *RepoClient) BranchHead(ctx context.Context, branch string) (string, error) {
	br, _, err := r.clt.restClt.Repositories.GetBranch(ctx, r.repo.Owner(), r.repo.Name(), branch, 1)
	if err != nil {
		return "", r.clt.wrapRetryableErrors(err)
	}

	sha := br.GetCommit().GetSHA()
	if sha == "" {
		return "", fmt.Errorf("branch %s has no head commit", branch)
	}

	return sha, nil
}

// UpdateRef force-updates the branch ref to the commit.
// If the ref does not exist ErrBranchNotFound is returned; creating and
// updating a ref are different platform operations.
func (r *RepoClient) UpdateRef(ctx context.Context, branch, commitSHA string) error {
	ref := branchRef(branch)

	_, _, err := r.clt.restClt.Git.UpdateRef(
		ctx, r.repo.Owner(), r.repo.Name(),
		&github.Reference{
			Ref:    &ref,
			Object: &github.GitObject{SHA: &commitSHA},
		},
		true,
	)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) &&
			respErr.Response.StatusCode == http.StatusUnprocessableEntity &&
			strings.Contains(respErr.Message, "Reference does not exist") {
			return fmt.Errorf("updating ref %s: %w", ref, ErrBranchNotFound)
		}

		return r.clt.wrapRetryableErrors(err)
	}

	return nil
}

// CreateRef creates the branch ref pointing at the commit.
func (r *RepoClient) CreateRef(ctx context.Context, branch, commitSHA string) error {
	ref := branchRef(branch)

	_, _, err := r.clt.restClt.Git.CreateRef(
		ctx, r.repo.Owner(), r.repo.Name(),
		&github.Reference{
			Ref:    &ref,
			Object: &github.GitObject{SHA: &commitSHA},
		},
	)

	return r.clt.wrapRetryableErrors(err)
}

// CancelWorkflowRuns requests cancellation of the given workflow runs.
// Cancellation is asynchronous on the platform side, a successful return
// only means the requests were accepted.
func (r *RepoClient) CancelWorkflowRuns(ctx context.Context, runIDs []int64) error {
	for _, runID := range runIDs {
		_, err := r.clt.restClt.Actions.CancelWorkflowRunByID(ctx, r.repo.Owner(), r.repo.Name(), runID)
		if err != nil {
			var acceptedErr *github.AcceptedError
			if errors.As(err, &acceptedErr) {
				// 202, cancellation was scheduled
				continue
			}

			return fmt.Errorf("cancelling workflow run %d: %w", runID, r.clt.wrapRetryableErrors(err))
		}
	}

	return nil
}

func branchRef(branch string) string {
	return "refs/heads/" + strings.TrimPrefix(branch, "refs/heads/")
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return mergerr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.AbuseRateLimitError:
		if v.RetryAfter != nil {
			return mergerr.NewRetryableError(err, time.Now().Add(*v.RetryAfter))
		}

		return mergerr.NewRetryableAnytimeError(err)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return mergerr.NewRetryableAnytimeError(err)
		}
	}

	return err
}
