package handler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/database"
	"github.com/merganser/merganser/internal/githubclt"
	"github.com/merganser/merganser/internal/logfields"
	"github.com/merganser/merganser/internal/models"
	"github.com/merganser/merganser/internal/permission"
)

// Try starts a try build: the pull request head merged into a parent
// revision, built on the try branch.
// Parent is the revision to merge onto, the head of the pull request's base
// branch when empty.
func (h *Handlers) Try(ctx context.Context, clt RepositoryClient, perms permission.Resolver, prNumber int, username, parent string) error {
	if !h.allowed(ctx, clt, perms, username, permission.TryBuild) {
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

	if pr.TryBuild != nil && pr.TryBuild.Status == models.BuildStatusPending {
		return clt.CreateIssueComment(ctx, prNumber, fmt.Sprintf(msgAlreadyRunningFmt, "try"))
	}

	if parent == "" {
		parent, err = clt.BranchHead(ctx, ghPR.BaseRef)
		if err != nil {
			return fmt.Errorf("resolving head of base branch %s: %w", ghPR.BaseRef, err)
		}
	}

	if err := SetBranchToRevision(ctx, clt, h.branches.TryMerge, parent); err != nil {
		return fmt.Errorf("setting %s to parent %s: %w", h.branches.TryMerge, parent, err)
	}

	mergeSHA, err := clt.MergeBranches(
		ctx, h.branches.TryMerge, ghPR.HeadSHA,
		fmt.Sprintf("Try #%d: %s", prNumber, ghPR.Title),
	)
	if err != nil {
		if errors.Is(err, githubclt.ErrMergeConflict) {
			return clt.CreateIssueComment(ctx, prNumber, msgMergeConflict)
		}

		return fmt.Errorf("creating try merge commit: %w", err)
	}

	if mergeSHA == "" {
		// parent already contains the PR head, build the parent itself
		mergeSHA = parent
	}

	if err := SetBranchToRevision(ctx, clt, h.branches.Try, mergeSHA); err != nil {
		return fmt.Errorf("setting %s to merge commit %s: %w", h.branches.Try, mergeSHA, err)
	}

	_, err = h.db.AssociateBuild(ctx, pr, models.BuildKindTry, h.branches.Try, mergeSHA)
	if err != nil {
		if errors.Is(err, database.ErrBuildExists) {
			// lost a race against a concurrent try command
			return clt.CreateIssueComment(ctx, prNumber, fmt.Sprintf(msgAlreadyRunningFmt, "try"))
		}

		return fmt.Errorf("recording try build: %w", err)
	}

	logger.Info(
		"try build started",
		logfields.Event("try_build_started"),
		logfields.Commit(mergeSHA),
		zap.String("merganser.parent", parent),
	)

	return clt.CreateIssueComment(ctx, prNumber, fmt.Sprintf(msgTryStartedFmt, ghPR.HeadSHA, mergeSHA))
}

// TryCancel cancels the pending try build of the pull request.
func (h *Handlers) TryCancel(ctx context.Context, clt RepositoryClient, perms permission.Resolver, prNumber int, username string) error {
	if !h.allowed(ctx, clt, perms, username, permission.TryBuild) {
		return nil
	}

	pr, err := h.getOrCreateAfterFetch(ctx, clt, prNumber)
	if err != nil {
		return err
	}

	return h.cancelBuild(ctx, clt, prNumber, pr.TryBuild)
}
