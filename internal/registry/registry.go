// Package registry discovers the repositories the bot is installed in and
// keeps one RepositoryState per repository for the process lifetime.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/merganser/merganser/internal/database"
	"github.com/merganser/merganser/internal/githubclt"
	"github.com/merganser/merganser/internal/handler"
	"github.com/merganser/merganser/internal/logfields"
	"github.com/merganser/merganser/internal/models"
	"github.com/merganser/merganser/internal/permission"
)

const loggerName = "registry"

// Platform enumerates installations and binds per-repository clients.
type Platform interface {
	ListInstallations(ctx context.Context) ([]*githubclt.Installation, error)
	ListInstallationRepositories(ctx context.Context, installationID int64) ([]models.RepositoryName, error)
	Bind(repo models.RepositoryName) handler.RepositoryClient
}

// githubPlatform adapts githubclt.Client to the Platform interface.
type githubPlatform struct {
	*githubclt.Client
}

func (p *githubPlatform) Bind(repo models.RepositoryName) handler.RepositoryClient {
	return p.Client.Bind(repo)
}

// NewGithubPlatform returns a Platform backed by the github API client.
func NewGithubPlatform(clt *githubclt.Client) Platform {
	return &githubPlatform{Client: clt}
}

// RepositoryState owns everything the bot needs to act on one repository:
// the bound platform client and the permission resolver.
// It is created at registry load time and lives until re-enumeration.
type RepositoryState struct {
	Name           models.RepositoryName
	InstallationID int64
	Client         handler.RepositoryClient
	Permissions    permission.Resolver
}

// Registry maps repository names to their state.
// The map is built once by Load and read concurrently afterwards.
type Registry struct {
	repositories map[models.RepositoryName]*RepositoryState
}

// New returns a Registry holding the given repository states.
func New(states ...*RepositoryState) *Registry {
	repositories := make(map[models.RepositoryName]*RepositoryState, len(states))

	for _, state := range states {
		repositories[state.Name] = state
	}

	return &Registry{repositories: repositories}
}

// Get returns the state of a repository or nil if the repository is not
// registered.
func (r *Registry) Get(name models.RepositoryName) *RepositoryState {
	return r.repositories[name]
}

func (r *Registry) Len() int {
	return len(r.repositories)
}

// Loader builds the Registry by enumerating the installations of the bot
// account.
type Loader struct {
	platform         Platform
	db               database.Client
	permissionSource permission.Source
	permissionTTL    time.Duration
	logger           *zap.Logger
}

func NewLoader(platform Platform, db database.Client, permissionSource permission.Source, permissionTTL time.Duration) *Loader {
	return &Loader{
		platform:         platform,
		db:               db,
		permissionSource: permissionSource,
		permissionTTL:    permissionTTL,
		logger:           zap.L().Named(loggerName),
	}
}

// Load enumerates all installations and their repositories and builds the
// registry.
//
// Any platform API failure aborts the whole load, callers retry the whole
// load rather than recovering partially. A repository discovered under two
// different installations fails the load, ownership would be ambiguous.
func (l *Loader) Load(ctx context.Context) (*Registry, error) {
	installations, err := l.platform.ListInstallations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing installations: %w", err)
	}

	var lock sync.Mutex
	installationRepos := map[models.RepositoryName]int64{}

	g, gctx := errgroup.WithContext(ctx)

	for _, installation := range installations {
		installation := installation

		g.Go(func() error {
			repos, err := l.platform.ListInstallationRepositories(gctx, installation.ID)
			if err != nil {
				return fmt.Errorf("listing repositories of installation %d: %w", installation.ID, err)
			}

			lock.Lock()
			defer lock.Unlock()

			for _, repo := range repos {
				if otherID, exist := installationRepos[repo]; exist {
					return fmt.Errorf(
						"repository %s is accessible via installation %d and %d, ambiguous ownership",
						repo, otherID, installation.ID,
					)
				}

				installationRepos[repo] = installation.ID
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := New()

	for repo, installationID := range installationRepos {
		state, err := l.newRepositoryState(ctx, repo, installationID)
		if err != nil {
			return nil, err
		}

		result.repositories[repo] = state

		l.logger.Info(
			"repository registered",
			logfields.Event("repository_registered"),
			logfields.Repository(repo.String()),
			zap.Int64("github.installation_id", installationID),
		)
	}

	return result, nil
}

func (l *Loader) newRepositoryState(ctx context.Context, repo models.RepositoryName, installationID int64) (*RepositoryState, error) {
	if err := l.db.CreateRepository(ctx, repo); err != nil {
		return nil, fmt.Errorf("persisting repository %s: %w", repo, err)
	}

	resolver, err := permission.NewCachingResolver(ctx, repo, l.permissionSource, l.permissionTTL)
	if err != nil {
		return nil, fmt.Errorf("loading permissions of %s: %w", repo, err)
	}

	return &RepositoryState{
		Name:           repo,
		InstallationID: installationID,
		Client:         l.platform.Bind(repo),
		Permissions:    resolver,
	}, nil
}
