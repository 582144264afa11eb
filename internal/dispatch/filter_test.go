package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merganser/merganser/internal/provider"
)

func TestFilterMatch(t *testing.T) {
	filter, err := NewFilter(`.comment.user.login != "renovate[bot]"`)
	require.NoError(t, err)

	ev := provider.Event{
		JSON: []byte(`{"comment": {"user": {"login": "alice"}}}`),
	}

	match, err := filter.Match(context.Background(), &ev)
	require.NoError(t, err)
	assert.True(t, match)

	ev.JSON = []byte(`{"comment": {"user": {"login": "renovate[bot]"}}}`)

	match, err = filter.Match(context.Background(), &ev)
	require.NoError(t, err)
	assert.False(t, match)
}

func TestFilterRejectsNonBoolResults(t *testing.T) {
	filter, err := NewFilter(`.comment.user.login`)
	require.NoError(t, err)

	ev := provider.Event{
		JSON: []byte(`{"comment": {"user": {"login": "alice"}}}`),
	}

	_, err = filter.Match(context.Background(), &ev)
	require.Error(t, err)
}

func TestFilterRejectsInvalidQueries(t *testing.T) {
	_, err := NewFilter(`.[invalid`)
	require.Error(t, err)
}

func TestFilterRejectsEmptyPayload(t *testing.T) {
	filter, err := NewFilter(`true`)
	require.NoError(t, err)

	_, err = filter.Match(context.Background(), &provider.Event{})
	require.Error(t, err)
}
