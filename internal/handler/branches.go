package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/merganser/merganser/internal/githubclt"
)

// RefClient is the subset of RepositoryClient needed to move a branch
// pointer.
type RefClient interface {
	UpdateRef(ctx context.Context, branch, commitSHA string) error
	CreateRef(ctx context.Context, branch, commitSHA string) error
}

// SetBranchToRevision makes branch point at commitSHA.
//
// The ref is force-updated first and only created when the update failed
// because the ref does not exist. Updating-then-falling-back avoids the race
// between a separate existence check and the following write. Any other
// failure propagates unchanged.
func SetBranchToRevision(ctx context.Context, clt RefClient, branch, commitSHA string) error {
	err := clt.UpdateRef(ctx, branch, commitSHA)
	if err == nil {
		return nil
	}

	if !errors.Is(err, githubclt.ErrBranchNotFound) {
		return err
	}

	if err := clt.CreateRef(ctx, branch, commitSHA); err != nil {
		return fmt.Errorf("creating branch %s after update reported it missing: %w", branch, err)
	}

	return nil
}
