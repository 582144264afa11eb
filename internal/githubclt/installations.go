package githubclt

import (
	"context"
	"fmt"

	"github.com/google/go-github/v59/github"

	"github.com/merganser/merganser/internal/models"
)

// Installation is one installation of the bot's github app.
type Installation struct {
	ID      int64
	Account string
}

// ListInstallations enumerates every installation of the bot's github app.
func (clt *Client) ListInstallations(ctx context.Context) ([]*Installation, error) {
	var result []*Installation

	opts := github.ListOptions{PerPage: 100}

	for {
		installations, resp, err := clt.restClt.Apps.ListInstallations(ctx, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, installation := range installations {
			result = append(result, &Installation{
				ID:      installation.GetID(),
				Account: installation.GetAccount().GetLogin(),
			})
		}

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// ListInstallationRepositories lists the repositories an installation has
// access to. It authenticates as the installation via a short-lived
// installation token.
func (clt *Client) ListInstallationRepositories(ctx context.Context, installationID int64) ([]models.RepositoryName, error) {
	token, _, err := clt.restClt.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return nil, fmt.Errorf("creating installation token for installation %d: %w",
			installationID, clt.wrapRetryableErrors(err))
	}

	installationClt := github.NewClient(newHTTPClient(token.GetToken()))

	var result []models.RepositoryName

	opts := github.ListOptions{PerPage: 100}

	for {
		repos, resp, err := installationClt.Apps.ListRepos(ctx, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, repo := range repos.Repositories {
			result = append(result, models.NewRepositoryName(
				repo.GetOwner().GetLogin(),
				repo.GetName(),
			))
		}

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}
