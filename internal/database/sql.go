package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/merganser/merganser/internal/models"
)

// sqlClient implements Client on top of database/sql.
// Queries are written with '?' placeholders, rebind converts them to the
// dialect's placeholder style. isUniqueViolation classifies the dialect's
// unique-constraint errors.
type sqlClient struct {
	db                *sql.DB
	schema            string
	rebind            func(query string) string
	isUniqueViolation func(err error) bool
}

func (c *sqlClient) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, c.schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	return nil
}

func (c *sqlClient) Close() error { return c.db.Close() }

func (c *sqlClient) CreateRepository(ctx context.Context, name models.RepositoryName) error {
	_, err := c.db.ExecContext(ctx, c.rebind(
		`INSERT INTO repositories (owner, name) VALUES (?, ?)
		 ON CONFLICT (owner, name) DO NOTHING`),
		name.Owner(), name.Name(),
	)

	return err
}

func (c *sqlClient) GetOrCreatePullRequest(ctx context.Context, repo models.RepositoryName, number int) (*models.PullRequest, error) {
	_, err := c.db.ExecContext(ctx, c.rebind(
		`INSERT INTO pull_requests (repo_owner, repo_name, number) VALUES (?, ?, ?)
		 ON CONFLICT (repo_owner, repo_name, number) DO NOTHING`),
		repo.Owner(), repo.Name(), number,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting pull request: %w", err)
	}

	pr := models.PullRequest{
		Repository: repo,
		Number:     number,
	}

	err = c.db.QueryRowContext(ctx, c.rebind(
		`SELECT id, created_at FROM pull_requests
		 WHERE repo_owner = ? AND repo_name = ? AND number = ?`),
		repo.Owner(), repo.Name(), number,
	).Scan(&pr.ID, &pr.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("selecting pull request: %w", err)
	}

	pr.ApproveBuild, err = c.newestBuild(ctx, pr.ID, repo, models.BuildKindApprove)
	if err != nil {
		return nil, err
	}

	pr.TryBuild, err = c.newestBuild(ctx, pr.ID, repo, models.BuildKindTry)
	if err != nil {
		return nil, err
	}

	return &pr, nil
}

func (c *sqlClient) newestBuild(ctx context.Context, prID int64, repo models.RepositoryName, kind models.BuildKind) (*models.Build, error) {
	build := models.Build{
		Repository: repo,
		Kind:       kind,
	}

	err := c.db.QueryRowContext(ctx, c.rebind(
		`SELECT id, branch, commit_sha, status, created_at FROM builds
		 WHERE pull_request_id = ? AND kind = ?
		 ORDER BY id DESC LIMIT 1`),
		prID, string(kind),
	).Scan(&build.ID, &build.Branch, &build.CommitSHA, &build.Status, &build.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting newest %s build: %w", kind, err)
	}

	return &build, nil
}

func (c *sqlClient) GetPullRequestForBuild(ctx context.Context, buildID int64) (*models.PullRequest, error) {
	var pr models.PullRequest
	var owner, name string

	err := c.db.QueryRowContext(ctx, c.rebind(
		`SELECT p.id, p.repo_owner, p.repo_name, p.number, p.created_at
		 FROM pull_requests p JOIN builds b ON b.pull_request_id = p.id
		 WHERE b.id = ?`),
		buildID,
	).Scan(&pr.ID, &owner, &name, &pr.Number, &pr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("selecting pull request of build: %w", err)
	}

	pr.Repository = models.NewRepositoryName(owner, name)

	pr.ApproveBuild, err = c.newestBuild(ctx, pr.ID, pr.Repository, models.BuildKindApprove)
	if err != nil {
		return nil, err
	}

	pr.TryBuild, err = c.newestBuild(ctx, pr.ID, pr.Repository, models.BuildKindTry)
	if err != nil {
		return nil, err
	}

	return &pr, nil
}

func (c *sqlClient) FindBuild(ctx context.Context, repo models.RepositoryName, branch, commitSHA string) (*models.Build, error) {
	build := models.Build{
		Repository: repo,
	}
	var kind string

	err := c.db.QueryRowContext(ctx, c.rebind(
		`SELECT id, kind, branch, commit_sha, status, created_at FROM builds
		 WHERE repo_owner = ? AND repo_name = ? AND branch = ? AND commit_sha = ?
		 ORDER BY id DESC LIMIT 1`),
		repo.Owner(), repo.Name(), branch, commitSHA,
	).Scan(&build.ID, &kind, &build.Branch, &build.CommitSHA, &build.Status, &build.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("selecting build: %w", err)
	}

	build.Kind = models.BuildKind(kind)

	return &build, nil
}

func (c *sqlClient) AssociateBuild(ctx context.Context, pr *models.PullRequest, kind models.BuildKind, branch, commitSHA string) (*models.Build, error) {
	build := models.Build{
		Repository: pr.Repository,
		Kind:       kind,
		Branch:     branch,
		CommitSHA:  commitSHA,
		Status:     models.BuildStatusPending,
	}

	err := c.db.QueryRowContext(ctx, c.rebind(
		`INSERT INTO builds (pull_request_id, repo_owner, repo_name, kind, branch, commit_sha, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 RETURNING id, created_at`),
		pr.ID, pr.Repository.Owner(), pr.Repository.Name(),
		string(kind), branch, commitSHA, string(models.BuildStatusPending),
	).Scan(&build.ID, &build.CreatedAt)
	if err != nil {
		if c.isUniqueViolation(err) {
			return nil, ErrBuildExists
		}

		return nil, fmt.Errorf("inserting build: %w", err)
	}

	switch kind {
	case models.BuildKindApprove:
		pr.ApproveBuild = &build
	case models.BuildKindTry:
		pr.TryBuild = &build
	}

	return &build, nil
}

func (c *sqlClient) CreateWorkflow(ctx context.Context, build *models.Build, name, url string, runID int64, workflowType models.WorkflowType, status models.BuildStatus) (*models.Workflow, error) {
	workflow := models.Workflow{
		BuildID: build.ID,
		Name:    name,
		RunID:   runID,
		URL:     url,
		Status:  status,
		Type:    workflowType,
	}

	err := c.db.QueryRowContext(ctx, c.rebind(
		`INSERT INTO workflows (build_id, name, run_id, url, status, type)
		 VALUES (?, ?, ?, ?, ?, ?)
		 RETURNING id, created_at`),
		build.ID, name, runID, url, string(status), string(workflowType),
	).Scan(&workflow.ID, &workflow.CreatedAt)
	if err != nil {
		if c.isUniqueViolation(err) {
			return nil, ErrWorkflowExists
		}

		return nil, fmt.Errorf("inserting workflow: %w", err)
	}

	return &workflow, nil
}

func (c *sqlClient) GetWorkflowsForBuild(ctx context.Context, build *models.Build) ([]*models.Workflow, error) {
	rows, err := c.db.QueryContext(ctx, c.rebind(
		`SELECT id, build_id, name, run_id, url, status, type, created_at
		 FROM workflows WHERE build_id = ? ORDER BY id`),
		build.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting workflows: %w", err)
	}
	defer rows.Close()

	var result []*models.Workflow

	for rows.Next() {
		var workflow models.Workflow
		var status, workflowType string

		err := rows.Scan(
			&workflow.ID, &workflow.BuildID, &workflow.Name, &workflow.RunID,
			&workflow.URL, &status, &workflowType, &workflow.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow row: %w", err)
		}

		workflow.Status = models.BuildStatus(status)
		workflow.Type = models.WorkflowType(workflowType)
		result = append(result, &workflow)
	}

	return result, rows.Err()
}

func (c *sqlClient) UpdateBuildStatus(ctx context.Context, buildID int64, status models.BuildStatus) error {
	res, err := c.db.ExecContext(ctx, c.rebind(
		`UPDATE builds SET status = ? WHERE id = ?`),
		string(status), buildID,
	)
	if err != nil {
		return fmt.Errorf("updating build status: %w", err)
	}

	return errNotExistIfNoRows(res)
}

func (c *sqlClient) UpdateWorkflowStatus(ctx context.Context, runID int64, status models.BuildStatus) error {
	res, err := c.db.ExecContext(ctx, c.rebind(
		`UPDATE workflows SET status = ? WHERE run_id = ?`),
		string(status), runID,
	)
	if err != nil {
		return fmt.Errorf("updating workflow status: %w", err)
	}

	return errNotExistIfNoRows(res)
}

func errNotExistIfNoRows(res sql.Result) error {
	cnt, err := res.RowsAffected()
	if err != nil {
		return nil // driver does not report affected rows, assume success
	}

	if cnt == 0 {
		return ErrNotExist
	}

	return nil
}

// rebindQuestionMarks replaces '?' placeholders with numbered '$N' ones.
func rebindQuestionMarks(query string) string {
	var b strings.Builder
	n := 0

	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}

		n++
		fmt.Fprintf(&b, "$%d", n)
	}

	return b.String()
}
