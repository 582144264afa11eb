package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/database"
	"github.com/merganser/merganser/internal/logfields"
	"github.com/merganser/merganser/internal/models"
)

// WorkflowRunEvent is a CI status update for a workflow run, delivered by
// the platform.
type WorkflowRunEvent struct {
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

// HandleWorkflowRun tracks a workflow run against the build it ran for and
// finishes the build when its last workflow completed.
//
// Runs on branches or commits without a matching build are not ours and are
// ignored. Builds only transition out of pending once, stale events for
// finished builds are ignored too.
func (h *Handlers) HandleWorkflowRun(ctx context.Context, clt RepositoryClient, ev *WorkflowRunEvent) error {
	logger := h.logger.With(
		logfields.Repository(clt.RepositoryName().String()),
		logfields.WorkflowRun(ev.RunID),
		logfields.Branch(ev.HeadBranch),
		logfields.Commit(ev.HeadSHA),
	)

	build, err := h.db.FindBuild(ctx, clt.RepositoryName(), ev.HeadBranch, ev.HeadSHA)
	if err != nil {
		if errors.Is(err, database.ErrNotExist) {
			logger.Debug(
				"ignoring workflow run without matching build",
				logfields.Event("workflow_run_ignored"),
			)

			return nil
		}

		return fmt.Errorf("looking up build for workflow run: %w", err)
	}

	if build.Status.IsFinished() {
		logger.Debug(
			"ignoring workflow run for finished build",
			logfields.Event("workflow_run_ignored"),
			logfields.Build(build.ID),
		)

		return nil
	}

	switch ev.Action {
	case "requested", "in_progress":
		_, err := h.db.CreateWorkflow(ctx, build, ev.Name, ev.URL, ev.RunID, models.WorkflowTypeGithub, models.BuildStatusPending)
		if err != nil && !errors.Is(err, database.ErrWorkflowExists) {
			return fmt.Errorf("recording workflow run: %w", err)
		}

		return nil

	case "completed":
		return h.completeWorkflowRun(ctx, clt, logger, build, ev)

	default:
		logger.Debug(
			"ignoring workflow run event with unknown action",
			logfields.Event("workflow_run_ignored"),
			zap.String("github.workflow_run.action", ev.Action),
		)

		return nil
	}
}

func (h *Handlers) completeWorkflowRun(ctx context.Context, clt RepositoryClient, logger *zap.Logger, build *models.Build, ev *WorkflowRunEvent) error {
	status := conclusionToStatus(ev.Conclusion)

	err := h.db.UpdateWorkflowStatus(ctx, ev.RunID, status)
	if errors.Is(err, database.ErrNotExist) {
		// the run completed without an earlier requested/in_progress
		// event, record it directly in its final state
		_, err = h.db.CreateWorkflow(ctx, build, ev.Name, ev.URL, ev.RunID, models.WorkflowTypeGithub, status)
	}
	if err != nil {
		return fmt.Errorf("updating workflow run status: %w", err)
	}

	workflows, err := h.db.GetWorkflowsForBuild(ctx, build)
	if err != nil {
		return fmt.Errorf("loading workflows of build %d: %w", build.ID, err)
	}

	buildStatus := models.BuildStatusSuccess

	for _, workflow := range workflows {
		switch workflow.Status {
		case models.BuildStatusPending:
			// the build finishes when its last workflow completed
			return nil
		case models.BuildStatusFailure, models.BuildStatusCancelled:
			buildStatus = models.BuildStatusFailure
		}
	}

	// side effects first: if landing or commenting fails the build stays
	// pending and a retried event runs them again, a build that is already
	// terminal is never reprocessed
	if err := h.finishBuild(ctx, clt, build, buildStatus, workflows); err != nil {
		return err
	}

	if err := h.db.UpdateBuildStatus(ctx, build.ID, buildStatus); err != nil {
		return fmt.Errorf("updating build status: %w", err)
	}

	logger.Info(
		"build finished",
		logfields.Event("build_finished"),
		logfields.Build(build.ID),
		zap.String("merganser.build_status", string(buildStatus)),
	)

	return nil
}

// finishBuild posts the result comment and, for successful approve builds,
// lands the merge commit on the base branch.
func (h *Handlers) finishBuild(ctx context.Context, clt RepositoryClient, build *models.Build, status models.BuildStatus, workflows []*models.Workflow) error {
	pr, err := h.db.GetPullRequestForBuild(ctx, build.ID)
	if err != nil {
		return fmt.Errorf("loading pull request of build %d: %w", build.ID, err)
	}

	if status == models.BuildStatusSuccess && build.Kind == models.BuildKindApprove {
		ghPR, err := clt.GetPullRequest(ctx, pr.Number)
		if err != nil {
			return fmt.Errorf("fetching pull request: %w", err)
		}

		if err := clt.UpdateRef(ctx, ghPR.BaseRef, build.CommitSHA); err != nil {
			return fmt.Errorf("fast-forwarding %s to %s: %w", ghPR.BaseRef, build.CommitSHA, err)
		}

		return clt.CreateIssueComment(ctx, pr.Number, fmt.Sprintf(msgLandedFmt, ghPR.BaseRef))
	}

	if status == models.BuildStatusSuccess {
		return clt.CreateIssueComment(ctx, pr.Number,
			fmt.Sprintf(msgBuildSucceededFmt, workflowList(workflows)))
	}

	return clt.CreateIssueComment(ctx, pr.Number,
		fmt.Sprintf(msgBuildFailedFmt, workflowList(workflows)))
}

func workflowList(workflows []*models.Workflow) string {
	var b strings.Builder

	for _, workflow := range workflows {
		fmt.Fprintf(&b, "\n- [%s](%s): %s", workflow.Name, workflow.URL, workflow.Status)
	}

	return b.String()
}

func conclusionToStatus(conclusion string) models.BuildStatus {
	switch conclusion {
	case "success", "neutral", "skipped":
		return models.BuildStatusSuccess
	case "cancelled":
		return models.BuildStatusCancelled
	default:
		// failure, timed_out, action_required, startup_failure, stale
		return models.BuildStatusFailure
	}
}
