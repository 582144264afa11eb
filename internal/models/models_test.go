package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRepositoryNameIsCaseFolded(t *testing.T) {
	a := NewRepositoryName("Owner", "Repo")
	b := NewRepositoryName("owner", "repo")

	assert.Equal(t, a, b)
	assert.Equal(t, "owner/repo", a.String())
	assert.Equal(t, "owner", a.Owner())
	assert.Equal(t, "repo", a.Name())
}

func TestRepositoryNameNormalizationIsIdempotent(t *testing.T) {
	a := NewRepositoryName("OWNER", "REPO")
	b := NewRepositoryName(a.Owner(), a.Name())

	assert.Equal(t, a, b)
}

func TestBuildStatusIsFinished(t *testing.T) {
	assert.False(t, BuildStatusPending.IsFinished())

	for _, status := range []BuildStatus{BuildStatusSuccess, BuildStatusFailure, BuildStatusCancelled} {
		assert.True(t, status.IsFinished(), string(status))
	}
}
