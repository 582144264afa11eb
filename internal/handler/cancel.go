package handler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/logfields"
	"github.com/merganser/merganser/internal/models"
)

// getOrCreateAfterFetch fetches the platform-side pull request before the
// local get-or-create, so that commands on unknown pull request numbers fail
// instead of creating dangling records.
func (h *Handlers) getOrCreateAfterFetch(ctx context.Context, clt RepositoryClient, prNumber int) (*models.PullRequest, error) {
	if _, err := clt.GetPullRequest(ctx, prNumber); err != nil {
		return nil, fmt.Errorf("fetching pull request: %w", err)
	}

	pr, err := h.db.GetOrCreatePullRequest(ctx, clt.RepositoryName(), prNumber)
	if err != nil {
		return nil, fmt.Errorf("loading pull request record: %w", err)
	}

	return pr, nil
}

// cancelBuild cancels a pending build.
//
// Without a pending build it is an idempotent no-op answered with an
// informational comment. Remote workflow cancellation is best-effort: the
// build is marked cancelled locally even when the cancellation request
// failed, the local record must not stay pending forever.
func (h *Handlers) cancelBuild(ctx context.Context, clt RepositoryClient, prNumber int, build *models.Build) error {
	logger := h.repoLogger(clt, prNumber)

	if build == nil || build.Status != models.BuildStatusPending {
		return clt.CreateIssueComment(ctx, prNumber, msgNoBuildInProgress)
	}

	logger = logger.With(logfields.Build(build.ID))

	workflows, err := h.db.GetWorkflowsForBuild(ctx, build)
	if err != nil {
		return fmt.Errorf("loading workflows of build %d: %w", build.ID, err)
	}

	var runIDs []int64

	for _, workflow := range workflows {
		if workflow.Status == models.BuildStatusPending && workflow.Type == models.WorkflowTypeGithub {
			runIDs = append(runIDs, workflow.RunID)
		}
	}

	if len(runIDs) > 0 {
		h.bestEffort("workflow_cancellation_failed", logger.With(zap.Int64s("github.workflow_run_ids", runIDs)), func() error {
			return clt.CancelWorkflowRuns(ctx, runIDs)
		})
	}

	if err := h.db.UpdateBuildStatus(ctx, build.ID, models.BuildStatusCancelled); err != nil {
		return fmt.Errorf("marking build %d cancelled: %w", build.ID, err)
	}

	logger.Info("build cancelled", logfields.Event("build_cancelled"))

	return clt.CreateIssueComment(ctx, prNumber, msgBuildCancelled)
}
