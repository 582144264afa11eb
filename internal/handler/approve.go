package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/merganser/merganser/internal/database"
	"github.com/merganser/merganser/internal/githubclt"
	"github.com/merganser/merganser/internal/logfields"
	"github.com/merganser/merganser/internal/models"
	"github.com/merganser/merganser/internal/permission"
)

// Approve starts an approve build: the pull request head merged into the
// current head of its base branch, built on the merge branch. When the build
// succeeds the base branch is fast-forwarded to the merge commit.
// approver is the user the approval is recorded for, it differs from
// username for "r=<reviewer>".
func (h *Handlers) Approve(ctx context.Context, clt RepositoryClient, perms permission.Resolver, prNumber int, username, approver string) error {
	if !h.allowed(ctx, clt, perms, username, permission.Approve) {
		return nil
	}

	logger := h.repoLogger(clt, prNumber).With(logfields.User(username))

	ghPR, err := clt.GetPullRequest(ctx, prNumber)
	if err != nil {
		return fmt.Errorf("fetching pull request: %w", err)
	}

	pr, err := h.db.GetOrCreatePullRequest(ctx, clt.RepositoryName(), prNumber)
	if err != nil {
		return fmt.Errorf("loading pull request record: %w", err)
	}

	if pr.ApproveBuild != nil && pr.ApproveBuild.Status == models.BuildStatusPending {
		return clt.CreateIssueComment(ctx, prNumber, fmt.Sprintf(msgAlreadyRunningFmt, "merge"))
	}

	baseSHA, err := clt.BranchHead(ctx, ghPR.BaseRef)
	if err != nil {
		return fmt.Errorf("resolving head of base branch %s: %w", ghPR.BaseRef, err)
	}

	if err := SetBranchToRevision(ctx, clt, h.branches.Merge, baseSHA); err != nil {
		return fmt.Errorf("setting %s to base %s: %w", h.branches.Merge, baseSHA, err)
	}

	mergeSHA, err := clt.MergeBranches(
		ctx, h.branches.Merge, ghPR.HeadSHA,
		fmt.Sprintf("Merge #%d: %s\n\nApproved-by: %s", prNumber, ghPR.Title, approver),
	)
	if err != nil {
		if errors.Is(err, githubclt.ErrMergeConflict) {
			return clt.CreateIssueComment(ctx, prNumber, msgMergeConflict)
		}

		return fmt.Errorf("creating merge commit: %w", err)
	}

	if mergeSHA == "" {
		// base already contains the PR head, build the base itself
		mergeSHA = baseSHA
	}

	_, err = h.db.AssociateBuild(ctx, pr, models.BuildKindApprove, h.branches.Merge, mergeSHA)
	if err != nil {
		if errors.Is(err, database.ErrBuildExists) {
			return clt.CreateIssueComment(ctx, prNumber, fmt.Sprintf(msgAlreadyRunningFmt, "merge"))
		}

		return fmt.Errorf("recording approve build: %w", err)
	}

	logger.Info(
		"approve build started",
		logfields.Event("approve_build_started"),
		logfields.Commit(mergeSHA),
		logfields.User(approver),
	)

	return clt.CreateIssueComment(ctx, prNumber, fmt.Sprintf(msgApprovedFmt, ghPR.HeadSHA, approver))
}

// ApproveCancel cancels the pending approve build of the pull request.
func (h *Handlers) ApproveCancel(ctx context.Context, clt RepositoryClient, perms permission.Resolver, prNumber int, username string) error {
	if !h.allowed(ctx, clt, perms, username, permission.Approve) {
		return nil
	}

	pr, err := h.getOrCreateAfterFetch(ctx, clt, prNumber)
	if err != nil {
		return err
	}

	return h.cancelBuild(ctx, clt, prNumber, pr.ApproveBuild)
}
