package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/merganser/merganser/internal/models"
)

type fakeSource struct {
	loadCnt int
	perms   *UserPermissions
	err     error
}

func (s *fakeSource) Load(_ context.Context, _ models.RepositoryName) (*UserPermissions, error) {
	s.loadCnt++

	if s.err != nil {
		return nil, s.err
	}

	return s.perms, nil
}

func permsWith(username string, perm Permission) *UserPermissions {
	perms := NewUserPermissions()
	perms.Grant(username, perm)

	return perms
}

func TestResolveAnswersFromSnapshot(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	source := &fakeSource{perms: permsWith("alice", Approve)}

	resolver, err := NewCachingResolver(context.Background(), models.NewRepositoryName("own", "repo"), source, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, source.loadCnt)

	assert.True(t, resolver.ResolveUser(context.Background(), "alice", Approve))
	assert.False(t, resolver.ResolveUser(context.Background(), "alice", TryBuild))
	assert.False(t, resolver.ResolveUser(context.Background(), "bob", Approve))

	// no invalidation happened, the initial snapshot answered every query
	assert.Equal(t, 1, source.loadCnt)
}

func TestResolverConstructionFailsWhenInitialLoadFails(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	source := &fakeSource{err: errors.New("remote down")}

	_, err := NewCachingResolver(context.Background(), models.NewRepositoryName("own", "repo"), source, time.Hour)
	require.Error(t, err)
}

func TestInvalidatedCacheReloadsExactlyOnce(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	source := &fakeSource{perms: permsWith("alice", Approve)}

	resolver, err := NewCachingResolver(context.Background(), models.NewRepositoryName("own", "repo"), source, time.Hour)
	require.NoError(t, err)

	source.perms = permsWith("bob", Approve)
	resolver.Invalidate()

	assert.True(t, resolver.ResolveUser(context.Background(), "bob", Approve))
	assert.Equal(t, 2, source.loadCnt)

	// the reload rearmed the cache, further queries do not reload again
	assert.False(t, resolver.ResolveUser(context.Background(), "alice", Approve))
	assert.Equal(t, 2, source.loadCnt)
}

func TestFailedReloadAnswersFromStaleSnapshot(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	source := &fakeSource{perms: permsWith("alice", TryBuild)}

	resolver, err := NewCachingResolver(context.Background(), models.NewRepositoryName("own", "repo"), source, time.Hour)
	require.NoError(t, err)

	source.err = errors.New("remote down")
	resolver.Invalidate()

	assert.True(t, resolver.ResolveUser(context.Background(), "alice", TryBuild))
	assert.Equal(t, 2, source.loadCnt)

	// still invalidated, the next query tries to reload again
	assert.True(t, resolver.ResolveUser(context.Background(), "alice", TryBuild))
	assert.Equal(t, 3, source.loadCnt)
}

func TestCachedUserPermissionsTTLExpiry(t *testing.T) {
	cached := NewCachedUserPermissions(NewUserPermissions(), time.Nanosecond)

	time.Sleep(10 * time.Millisecond)

	assert.True(t, cached.IsInvalidated())

	cached.Reload(NewUserPermissions())
	assert.False(t, cached.invalidated)
}
