package chatstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chats.sqlite")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureUserIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.EnsureUser(ctx, "alice")
	require.NoError(t, err)
	id2, err := s.EnsureUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "expected a stable user id across calls")
}

func TestAppendMessageAssignsDenseIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	userID, err := s.EnsureUser(ctx, "bob")
	require.NoError(t, err)
	chatID, err := s.NextChatID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), chatID)

	m1, err := s.AppendMessage(ctx, userID, chatID, sql.NullInt64{}, "user", "hello")
	require.NoError(t, err)
	m2, err := s.AppendMessage(ctx, userID, chatID, sql.NullInt64{}, "assistant", "hi there")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m1)
	assert.Equal(t, int64(2), m2)

	msgs, err := s.FetchChat(ctx, userID, chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, "hi there", msgs[1].Body)
}

func TestFetchChatMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	userID, err := s.EnsureUser(ctx, "carol")
	require.NoError(t, err)

	_, err = s.FetchChat(ctx, userID, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteChatRemovesMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	userID, err := s.EnsureUser(ctx, "dave")
	require.NoError(t, err)
	chatID, err := s.NextChatID(ctx, userID)
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, userID, chatID, sql.NullInt64{}, "user", "hello")
	require.NoError(t, err)

	require.NoError(t, s.DeleteChat(ctx, userID, chatID))

	_, err = s.FetchChat(ctx, userID, chatID)
	assert.ErrorIs(t, err, ErrNotFound)
}
