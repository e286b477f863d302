package sessionmgr_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/kvstore"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/kvstore/kvstoretest"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/sessionmgr"
)

func newManager() *sessionmgr.Manager {
	return sessionmgr.New(kvstoretest.New(), kvstore.NewKeyNamer("test", ":"))
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	mgr := newManager()

	sess, err := mgr.Create(ctx, "10.0.0.2", "u1")
	require.NoError(t, err)
	require.NotEmpty(t, sess.SessionSecret)

	bySecret, err := mgr.LookupBySecret(ctx, sess.SessionSecret)
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, bySecret.SessionID)
	assert.Equal(t, sess.User, bySecret.User)

	byID, err := mgr.LookupByID(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sess.SessionSecret, byID.SessionSecret)

	byUser, err := mgr.LookupByUsername(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, byUser.SessionID)

	require.NoError(t, mgr.Remove(ctx, sess))

	_, err = mgr.LookupByID(ctx, sess.SessionID)
	assert.ErrorIs(t, err, sessionmgr.ErrNotFound)
	_, err = mgr.LookupBySecret(ctx, sess.SessionSecret)
	assert.ErrorIs(t, err, sessionmgr.ErrNotFound)
	_, err = mgr.LookupByUsername(ctx, "u1")
	assert.ErrorIs(t, err, sessionmgr.ErrNotFound)
}

func TestCreateInvalidatesPriorSessionForUser(t *testing.T) {
	ctx := context.Background()
	mgr := newManager()

	first, err := mgr.Create(ctx, "10.0.0.2", "u1")
	require.NoError(t, err)

	second, err := mgr.Create(ctx, "10.0.0.3", "u1")
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	_, err = mgr.LookupByID(ctx, first.SessionID)
	assert.ErrorIs(t, err, sessionmgr.ErrNotFound)

	byUser, err := mgr.LookupByUsername(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, second.SessionID, byUser.SessionID)
}

func TestSessionIDsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	mgr := newManager()

	a, err := mgr.Create(ctx, "10.0.0.2", "u1")
	require.NoError(t, err)
	b, err := mgr.Create(ctx, "10.0.0.2", "u2")
	require.NoError(t, err)

	assert.Less(t, a.SessionID, b.SessionID)
}

func TestRefreshFailsOnSecretMismatch(t *testing.T) {
	ctx := context.Background()
	mgr := newManager()

	sess, err := mgr.Create(ctx, "10.0.0.2", "u1")
	require.NoError(t, err)

	tampered := *sess
	tampered.SessionSecret = "not-the-real-secret"
	err = mgr.Refresh(ctx, &tampered)
	assert.ErrorIs(t, err, sessionmgr.ErrRefreshFailed)
}

func TestRefreshSucceedsAndUpdatesLastAccessed(t *testing.T) {
	ctx := context.Background()
	mgr := newManager()

	sess, err := mgr.Create(ctx, "10.0.0.2", "u1")
	require.NoError(t, err)
	before := sess.LastAccessed

	require.NoError(t, mgr.Refresh(ctx, sess))
	assert.False(t, sess.LastAccessed.Before(before))
}
