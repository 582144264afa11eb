package handler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/merganser/merganser/internal/database"
	"github.com/merganser/merganser/internal/githubclt"
	"github.com/merganser/merganser/internal/models"
	"github.com/merganser/merganser/internal/permission"
)

var testRepo = models.NewRepositoryName("merganser", "testrepo")

type refCall struct {
	branch string
	sha    string
}

type fakeRepoClient struct {
	pr    *githubclt.PullRequest
	prErr error

	branchHeads map[string]string

	comments []string

	updateRefCalls []refCall
	createRefCalls []refCall
	updateRefErrs  map[string]error

	mergeSHA   string
	mergeErr   error
	mergeCalls []refCall // branch=base, sha=head

	cancelledRuns [][]int64
	cancelErr     error
}

func newFakeRepoClient() *fakeRepoClient {
	return &fakeRepoClient{
		pr: &githubclt.PullRequest{
			Number:  1,
			Title:   "add feature",
			HeadSHA: "headsha",
			HeadRef: "feature",
			BaseRef: "main",
			State:   "open",
		},
		branchHeads:   map[string]string{"main": "basesha"},
		updateRefErrs: map[string]error{},
		mergeSHA:      "mergesha",
	}
}

func (f *fakeRepoClient) RepositoryName() models.RepositoryName { return testRepo }

func (f *fakeRepoClient) GetPullRequest(_ context.Context, _ int) (*githubclt.PullRequest, error) {
	return f.pr, f.prErr
}

func (f *fakeRepoClient) CreateIssueComment(_ context.Context, _ int, comment string) error {
	f.comments = append(f.comments, comment)
	return nil
}

func (f *fakeRepoClient) MergeBranches(_ context.Context, base, head, _ string) (string, error) {
	f.mergeCalls = append(f.mergeCalls, refCall{branch: base, sha: head})
	return f.mergeSHA, f.mergeErr
}

func (f *fakeRepoClient) BranchHead(_ context.Context, branch string) (string, error) {
	sha, exist := f.branchHeads[branch]
	if !exist {
		return "", fmt.Errorf("branch %s not found", branch)
	}

	return sha, nil
}

func (f *fakeRepoClient) UpdateRef(_ context.Context, branch, sha string) error {
	f.updateRefCalls = append(f.updateRefCalls, refCall{branch: branch, sha: sha})
	return f.updateRefErrs[branch]
}

func (f *fakeRepoClient) CreateRef(_ context.Context, branch, sha string) error {
	f.createRefCalls = append(f.createRefCalls, refCall{branch: branch, sha: sha})
	return nil
}

func (f *fakeRepoClient) CancelWorkflowRuns(_ context.Context, runIDs []int64) error {
	f.cancelledRuns = append(f.cancelledRuns, runIDs)
	return f.cancelErr
}

type staticResolver struct {
	allowed map[permission.Permission]bool
}

func (r *staticResolver) ResolveUser(_ context.Context, _ string, perm permission.Permission) bool {
	return r.allowed[perm]
}

func allowAll() permission.Resolver {
	return &staticResolver{allowed: map[permission.Permission]bool{
		permission.TryBuild: true,
		permission.Approve:  true,
	}}
}

func denyAll() permission.Resolver {
	return &staticResolver{allowed: map[permission.Permission]bool{}}
}

func newTestHandlers(t *testing.T) (*Handlers, database.Client) {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "merganser.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	return New(db, DefaultBranches()), db
}

func TestPingAnswersWithPong(t *testing.T) {
	h, _ := newTestHandlers(t)
	clt := newFakeRepoClient()

	require.NoError(t, h.Ping(context.Background(), clt, 1))
	require.Equal(t, []string{msgPong}, clt.comments)
}

func TestUnauthorizedCommandsAreIgnoredQuietly(t *testing.T) {
	h, db := newTestHandlers(t)
	ctx := context.Background()
	clt := newFakeRepoClient()

	require.NoError(t, h.Try(ctx, clt, denyAll(), 1, "intruder", ""))
	require.NoError(t, h.Approve(ctx, clt, denyAll(), 1, "intruder", "intruder"))
	require.NoError(t, h.ApproveCancel(ctx, clt, denyAll(), 1, "intruder"))
	require.NoError(t, h.TryCancel(ctx, clt, denyAll(), 1, "intruder"))

	assert.Empty(t, clt.comments)
	assert.Empty(t, clt.updateRefCalls)

	pr, err := db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)
	assert.Nil(t, pr.TryBuild)
	assert.Nil(t, pr.ApproveBuild)
}

func TestTryStartsBuild(t *testing.T) {
	h, db := newTestHandlers(t)
	ctx := context.Background()
	clt := newFakeRepoClient()

	require.NoError(t, h.Try(ctx, clt, allowAll(), 1, "alice", ""))

	// try-merge branch moved to base head, then try branch to the merge commit
	require.Equal(t, []refCall{
		{branch: "automation/merganser/try-merge", sha: "basesha"},
		{branch: "automation/merganser/try", sha: "mergesha"},
	}, clt.updateRefCalls)
	require.Equal(t, []refCall{
		{branch: "automation/merganser/try-merge", sha: "headsha"},
	}, clt.mergeCalls)

	pr, err := db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)
	require.NotNil(t, pr.TryBuild)
	assert.Equal(t, models.BuildStatusPending, pr.TryBuild.Status)
	assert.Equal(t, "automation/merganser/try", pr.TryBuild.Branch)
	assert.Equal(t, "mergesha", pr.TryBuild.CommitSHA)

	require.Len(t, clt.comments, 1)
	assert.Equal(t, fmt.Sprintf(msgTryStartedFmt, "headsha", "mergesha"), clt.comments[0])
}

func TestTryWithExplicitParentSkipsBaseLookup(t *testing.T) {
	h, _ := newTestHandlers(t)
	clt := newFakeRepoClient()
	clt.branchHeads = nil // BranchHead must not be called

	require.NoError(t, h.Try(context.Background(), clt, allowAll(), 1, "alice", "parentsha"))

	require.NotEmpty(t, clt.updateRefCalls)
	assert.Equal(t, refCall{branch: "automation/merganser/try-merge", sha: "parentsha"}, clt.updateRefCalls[0])
}

func TestSecondTryWhileBuildPendingIsRejected(t *testing.T) {
	h, _ := newTestHandlers(t)
	ctx := context.Background()
	clt := newFakeRepoClient()

	require.NoError(t, h.Try(ctx, clt, allowAll(), 1, "alice", ""))
	require.NoError(t, h.Try(ctx, clt, allowAll(), 1, "bob", ""))

	require.Len(t, clt.comments, 2)
	assert.Equal(t, fmt.Sprintf(msgAlreadyRunningFmt, "try"), clt.comments[1])
	// the second command must not have moved any refs
	assert.Len(t, clt.updateRefCalls, 2)
}

func TestTryMergeConflictIsReportedNotPropagated(t *testing.T) {
	h, db := newTestHandlers(t)
	ctx := context.Background()
	clt := newFakeRepoClient()
	clt.mergeErr = fmt.Errorf("merging: %w", githubclt.ErrMergeConflict)

	require.NoError(t, h.Try(ctx, clt, allowAll(), 1, "alice", ""))

	require.Equal(t, []string{msgMergeConflict}, clt.comments)

	pr, err := db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)
	assert.Nil(t, pr.TryBuild)
}

func TestApproveStartsBuild(t *testing.T) {
	h, db := newTestHandlers(t)
	ctx := context.Background()
	clt := newFakeRepoClient()

	require.NoError(t, h.Approve(ctx, clt, allowAll(), 1, "alice", "alice"))

	pr, err := db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)
	require.NotNil(t, pr.ApproveBuild)
	assert.Equal(t, "automation/merganser/auto", pr.ApproveBuild.Branch)

	require.Len(t, clt.comments, 1)
	assert.Equal(t, fmt.Sprintf(msgApprovedFmt, "headsha", "alice"), clt.comments[0])
}

func TestApproveEqRecordsReviewer(t *testing.T) {
	h, _ := newTestHandlers(t)
	clt := newFakeRepoClient()

	require.NoError(t, h.Approve(context.Background(), clt, allowAll(), 1, "alice", "bob"))

	require.Len(t, clt.comments, 1)
	assert.Contains(t, clt.comments[0], "`bob`")
}

func TestApproveCancelWithoutBuildIsANoOp(t *testing.T) {
	h, _ := newTestHandlers(t)
	clt := newFakeRepoClient()

	require.NoError(t, h.ApproveCancel(context.Background(), clt, allowAll(), 1, "alice"))

	require.Equal(t, []string{msgNoBuildInProgress}, clt.comments)
	assert.Empty(t, clt.cancelledRuns)
}

func TestApproveCancelWithFinishedBuildIsANoOp(t *testing.T) {
	h, db := newTestHandlers(t)
	ctx := context.Background()
	clt := newFakeRepoClient()

	require.NoError(t, h.Approve(ctx, clt, allowAll(), 1, "alice", "alice"))

	pr, err := db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)
	require.NoError(t, db.UpdateBuildStatus(ctx, pr.ApproveBuild.ID, models.BuildStatusSuccess))

	clt.comments = nil
	require.NoError(t, h.ApproveCancel(ctx, clt, allowAll(), 1, "alice"))

	require.Equal(t, []string{msgNoBuildInProgress}, clt.comments)
	assert.Empty(t, clt.cancelledRuns)

	pr, err = db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusSuccess, pr.ApproveBuild.Status)
}

func TestApproveCancelCancelsOnlyPendingGithubWorkflows(t *testing.T) {
	h, db := newTestHandlers(t)
	ctx := context.Background()
	clt := newFakeRepoClient()

	require.NoError(t, h.Approve(ctx, clt, allowAll(), 1, "alice", "alice"))

	pr, err := db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)
	build := pr.ApproveBuild

	_, err = db.CreateWorkflow(ctx, build, "CI", "https://ci/1", 100, models.WorkflowTypeGithub, models.BuildStatusPending)
	require.NoError(t, err)
	_, err = db.CreateWorkflow(ctx, build, "Lint", "https://ci/2", 200, models.WorkflowTypeGithub, models.BuildStatusSuccess)
	require.NoError(t, err)
	_, err = db.CreateWorkflow(ctx, build, "Ext", "https://ci/3", 300, models.WorkflowTypeExternal, models.BuildStatusPending)
	require.NoError(t, err)

	clt.comments = nil
	require.NoError(t, h.ApproveCancel(ctx, clt, allowAll(), 1, "alice"))

	require.Equal(t, [][]int64{{100}}, clt.cancelledRuns)
	require.Equal(t, []string{msgBuildCancelled}, clt.comments)

	pr, err = db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusCancelled, pr.ApproveBuild.Status)
}

func TestApproveCancelMarksBuildCancelledEvenIfRemoteCancellationFails(t *testing.T) {
	h, db := newTestHandlers(t)
	ctx := context.Background()
	clt := newFakeRepoClient()

	require.NoError(t, h.Approve(ctx, clt, allowAll(), 1, "alice", "alice"))

	pr, err := db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)

	_, err = db.CreateWorkflow(ctx, pr.ApproveBuild, "CI", "https://ci/1", 100, models.WorkflowTypeGithub, models.BuildStatusPending)
	require.NoError(t, err)

	clt.cancelErr = errors.New("remote cancellation failed")
	clt.comments = nil

	require.NoError(t, h.ApproveCancel(ctx, clt, allowAll(), 1, "alice"))

	require.Equal(t, []string{msgBuildCancelled}, clt.comments)

	pr, err = db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusCancelled, pr.ApproveBuild.Status)
}

func TestTryCancelCancelsPendingTryBuild(t *testing.T) {
	h, db := newTestHandlers(t)
	ctx := context.Background()
	clt := newFakeRepoClient()

	require.NoError(t, h.Try(ctx, clt, allowAll(), 1, "alice", ""))

	clt.comments = nil
	require.NoError(t, h.TryCancel(ctx, clt, allowAll(), 1, "alice"))

	require.Equal(t, []string{msgBuildCancelled}, clt.comments)

	pr, err := db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusCancelled, pr.TryBuild.Status)
}

func TestWorkflowRunLifecycleFinishesTryBuild(t *testing.T) {
	h, db := newTestHandlers(t)
	ctx := context.Background()
	clt := newFakeRepoClient()

	require.NoError(t, h.Try(ctx, clt, allowAll(), 1, "alice", ""))
	clt.comments = nil

	ev := WorkflowRunEvent{
		Action:     "in_progress",
		Name:       "CI",
		RunID:      100,
		URL:        "https://ci/1",
		HeadBranch: "automation/merganser/try",
		HeadSHA:    "mergesha",
	}
	require.NoError(t, h.HandleWorkflowRun(ctx, clt, &ev))

	assert.Empty(t, clt.comments)

	ev.Action = "completed"
	ev.Conclusion = "success"
	require.NoError(t, h.HandleWorkflowRun(ctx, clt, &ev))

	pr, err := db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusSuccess, pr.TryBuild.Status)

	require.Len(t, clt.comments, 1)
	assert.True(t, strings.HasPrefix(clt.comments[0], ":sunny: Build successful"), clt.comments[0])
}

func TestWorkflowRunFailureFailsBuild(t *testing.T) {
	h, db := newTestHandlers(t)
	ctx := context.Background()
	clt := newFakeRepoClient()

	require.NoError(t, h.Try(ctx, clt, allowAll(), 1, "alice", ""))
	clt.comments = nil

	ev := WorkflowRunEvent{
		Action:     "completed",
		Conclusion: "failure",
		Name:       "CI",
		RunID:      100,
		URL:        "https://ci/1",
		HeadBranch: "automation/merganser/try",
		HeadSHA:    "mergesha",
	}
	require.NoError(t, h.HandleWorkflowRun(ctx, clt, &ev))

	pr, err := db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusFailure, pr.TryBuild.Status)

	require.Len(t, clt.comments, 1)
	assert.True(t, strings.HasPrefix(clt.comments[0], ":broken_heart: Build failed"), clt.comments[0])
}

func TestWorkflowRunWaitsForAllWorkflows(t *testing.T) {
	h, db := newTestHandlers(t)
	ctx := context.Background()
	clt := newFakeRepoClient()

	require.NoError(t, h.Try(ctx, clt, allowAll(), 1, "alice", ""))
	clt.comments = nil

	pr, err := db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)

	_, err = db.CreateWorkflow(ctx, pr.TryBuild, "Lint", "https://ci/2", 200, models.WorkflowTypeGithub, models.BuildStatusPending)
	require.NoError(t, err)

	ev := WorkflowRunEvent{
		Action:     "completed",
		Conclusion: "success",
		Name:       "CI",
		RunID:      100,
		URL:        "https://ci/1",
		HeadBranch: "automation/merganser/try",
		HeadSHA:    "mergesha",
	}
	require.NoError(t, h.HandleWorkflowRun(ctx, clt, &ev))

	// one workflow still pending, the build must stay pending
	pr, err = db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusPending, pr.TryBuild.Status)
	assert.Empty(t, clt.comments)
}

func TestSuccessfulApproveBuildLandsOnBaseBranch(t *testing.T) {
	h, db := newTestHandlers(t)
	ctx := context.Background()
	clt := newFakeRepoClient()

	require.NoError(t, h.Approve(ctx, clt, allowAll(), 1, "alice", "alice"))
	clt.comments = nil
	clt.updateRefCalls = nil

	ev := WorkflowRunEvent{
		Action:     "completed",
		Conclusion: "success",
		Name:       "CI",
		RunID:      100,
		URL:        "https://ci/1",
		HeadBranch: "automation/merganser/auto",
		HeadSHA:    "mergesha",
	}
	require.NoError(t, h.HandleWorkflowRun(ctx, clt, &ev))

	require.Equal(t, []refCall{{branch: "main", sha: "mergesha"}}, clt.updateRefCalls)
	require.Equal(t, []string{fmt.Sprintf(msgLandedFmt, "main")}, clt.comments)

	pr, err := db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusSuccess, pr.ApproveBuild.Status)
}

func TestFailedLandingIsRetriableUntilTheBaseBranchMoved(t *testing.T) {
	h, db := newTestHandlers(t)
	ctx := context.Background()
	clt := newFakeRepoClient()

	require.NoError(t, h.Approve(ctx, clt, allowAll(), 1, "alice", "alice"))
	clt.comments = nil
	clt.updateRefCalls = nil

	ev := WorkflowRunEvent{
		Action:     "completed",
		Conclusion: "success",
		Name:       "CI",
		RunID:      100,
		URL:        "https://ci/1",
		HeadBranch: "automation/merganser/auto",
		HeadSHA:    "mergesha",
	}

	clt.updateRefErrs["main"] = errors.New("502 bad gateway")
	require.Error(t, h.HandleWorkflowRun(ctx, clt, &ev))

	// the build must stay pending so that a redelivery of the event is
	// processed again instead of being dropped as stale
	pr, err := db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusPending, pr.ApproveBuild.Status)
	assert.Empty(t, clt.comments)

	delete(clt.updateRefErrs, "main")
	require.NoError(t, h.HandleWorkflowRun(ctx, clt, &ev))

	require.NotEmpty(t, clt.updateRefCalls)
	assert.Equal(t, refCall{branch: "main", sha: "mergesha"}, clt.updateRefCalls[len(clt.updateRefCalls)-1])
	require.Equal(t, []string{fmt.Sprintf(msgLandedFmt, "main")}, clt.comments)

	pr, err = db.GetOrCreatePullRequest(ctx, testRepo, 1)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusSuccess, pr.ApproveBuild.Status)
}

func TestWorkflowRunWithoutMatchingBuildIsIgnored(t *testing.T) {
	h, _ := newTestHandlers(t)
	clt := newFakeRepoClient()

	ev := WorkflowRunEvent{
		Action:     "completed",
		Conclusion: "success",
		RunID:      100,
		HeadBranch: "unrelated",
		HeadSHA:    "somesha",
	}
	require.NoError(t, h.HandleWorkflowRun(context.Background(), clt, &ev))

	assert.Empty(t, clt.comments)
}
