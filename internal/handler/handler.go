// Package handler executes the bot commands and drives the pull request →
// build → workflow state machine.
//
// Every handler follows the same shape: permission check, get-or-create of
// the local pull request record, state inspection, platform side effect,
// database status transition, confirmation comment. Unauthorized commands
// are ignored quietly, without an error and without a comment.
package handler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/command"
	"github.com/merganser/merganser/internal/database"
	"github.com/merganser/merganser/internal/githubclt"
	"github.com/merganser/merganser/internal/logfields"
	"github.com/merganser/merganser/internal/models"
	"github.com/merganser/merganser/internal/permission"
)

const loggerName = "handler"

// RepositoryClient is the platform capability the handlers act through,
// bound to one repository.
type RepositoryClient interface {
	RepositoryName() models.RepositoryName
	GetPullRequest(ctx context.Context, number int) (*githubclt.PullRequest, error)
	CreateIssueComment(ctx context.Context, issueOrPRNr int, comment string) error
	MergeBranches(ctx context.Context, base, head, commitMessage string) (string, error)
	BranchHead(ctx context.Context, branch string) (string, error)
	UpdateRef(ctx context.Context, branch, commitSHA string) error
	CreateRef(ctx context.Context, branch, commitSHA string) error
	CancelWorkflowRuns(ctx context.Context, runIDs []int64) error
}

// Branches names the automation branches the bot owns in every repository.
type Branches struct {
	// Try is the branch try builds run on.
	Try string
	// TryMerge is the scratch branch try merge commits are created on.
	TryMerge string
	// Merge is the branch approve builds run on.
	Merge string
}

func DefaultBranches() Branches {
	return Branches{
		Try:      "automation/merganser/try",
		TryMerge: "automation/merganser/try-merge",
		Merge:    "automation/merganser/auto",
	}
}

// Handlers executes bot commands against the database and platform
// capabilities.
type Handlers struct {
	db       database.Client
	branches Branches
	logger   *zap.Logger
}

func New(db database.Client, branches Branches) *Handlers {
	return &Handlers{
		db:       db,
		branches: branches,
		logger:   zap.L().Named(loggerName),
	}
}

// HandleCommand runs the handler matching cmd for the pull request the
// command was posted on.
func (h *Handlers) HandleCommand(
	ctx context.Context,
	clt RepositoryClient,
	perms permission.Resolver,
	cmd command.Command,
	prNumber int,
	username string,
) error {
	switch c := cmd.(type) {
	case command.Approve:
		return h.Approve(ctx, clt, perms, prNumber, username, username)
	case command.ApproveEq:
		return h.Approve(ctx, clt, perms, prNumber, username, c.Reviewer)
	case command.ApproveCancel:
		return h.ApproveCancel(ctx, clt, perms, prNumber, username)
	case command.Try:
		return h.Try(ctx, clt, perms, prNumber, username, c.Parent)
	case command.TryCancel:
		return h.TryCancel(ctx, clt, perms, prNumber, username)
	case command.Ping:
		return h.Ping(ctx, clt, prNumber)
	default:
		return fmt.Errorf("unsupported command type %T", cmd)
	}
}

// Ping answers with a pong comment. It is the only unprivileged command.
func (h *Handlers) Ping(ctx context.Context, clt RepositoryClient, prNumber int) error {
	return clt.CreateIssueComment(ctx, prNumber, msgPong)
}

// allowed checks the invoking user's permission.
// Denied commands are ignored quietly: no comment, no error.
func (h *Handlers) allowed(ctx context.Context, clt RepositoryClient, perms permission.Resolver, username string, perm permission.Permission) bool {
	if perms.ResolveUser(ctx, username, perm) {
		return true
	}

	h.logger.Info(
		"unauthorized command ignored",
		logfields.Event("command_unauthorized"),
		logfields.Repository(clt.RepositoryName().String()),
		logfields.User(username),
		zap.String("merganser.permission", string(perm)),
	)

	return false
}

// bestEffort runs fn and logs instead of propagating its error.
// It is used for side effects that are secondary to the authoritative local
// state change, e.g. remote workflow cancellation.
func (h *Handlers) bestEffort(event string, logger *zap.Logger, fn func() error) {
	if err := fn(); err != nil {
		logger.Warn(
			"best-effort operation failed",
			logfields.Event(event),
			zap.Error(err),
		)
	}
}

func (h *Handlers) repoLogger(clt RepositoryClient, prNumber int) *zap.Logger {
	return h.logger.With(
		logfields.Repository(clt.RepositoryName().String()),
		logfields.PullRequest(prNumber),
	)
}
