package githubclt

import (
	"context"
	"fmt"

	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/logfields"
	"github.com/merganser/merganser/internal/models"
	"github.com/merganser/merganser/internal/permission"
)

// PermissionSource loads the permission snapshot of a repository from the
// repository's collaborator list.
//
// Collaborators with write, maintain or admin access may approve and start
// try builds, collaborators with triage access may only start try builds.
type PermissionSource struct {
	clt *Client
}

func NewPermissionSource(clt *Client) *PermissionSource {
	return &PermissionSource{clt: clt}
}

func (s *PermissionSource) Load(ctx context.Context, repo models.RepositoryName) (*permission.UserPermissions, error) {
	perms := permission.NewUserPermissions()

	vars := map[string]any{
		"owner": githubv4.String(repo.Owner()),
		"name":  githubv4.String(repo.Name()),
		"after": (*githubv4.String)(nil),
	}

	for {
		var q struct {
			Repository struct {
				Collaborators struct {
					PageInfo struct {
						EndCursor   githubv4.String
						HasNextPage bool
					}
					Edges []struct {
						Permission githubv4.RepositoryPermission
						Node       struct {
							Login string
						}
					}
				} `graphql:"collaborators(first: 100, after: $after)"`
			} `graphql:"repository(owner: $owner, name: $name)"`
		}

		err := s.clt.graphQLClt.Query(ctx, &q, vars)
		if err != nil {
			return nil, fmt.Errorf("querying collaborators of %s: %w", repo, err)
		}

		for _, edge := range q.Repository.Collaborators.Edges {
			grantPermissions(perms, edge.Node.Login, edge.Permission)
		}

		pageInfo := q.Repository.Collaborators.PageInfo
		if !pageInfo.HasNextPage {
			break
		}

		vars["after"] = githubv4.NewString(pageInfo.EndCursor)
	}

	s.clt.logger.Debug(
		"loaded user permissions",
		logfields.Event("github_permissions_loaded"),
		logfields.Repository(repo.String()),
		zap.Int("github.approve_users", perms.UserCount(permission.Approve)),
		zap.Int("github.try_users", perms.UserCount(permission.TryBuild)),
	)

	return perms, nil
}

func grantPermissions(perms *permission.UserPermissions, login string, repoPermission githubv4.RepositoryPermission) {
	switch repoPermission {
	case githubv4.RepositoryPermissionAdmin,
		githubv4.RepositoryPermissionMaintain,
		githubv4.RepositoryPermissionWrite:
		perms.Grant(login, permission.Approve)
		perms.Grant(login, permission.TryBuild)

	case githubv4.RepositoryPermissionTriage:
		perms.Grant(login, permission.TryBuild)
	}
}
