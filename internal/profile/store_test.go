package profile

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, "portal-auth", time.Hour), mr
}

func TestRegisterCodeAndRetrieve(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RegisterCode(ctx, "code-abc", Entry{
		Profile:             OIDCProfile{Sub: "u1", Email: "u1@ex"},
		APIID:               "api1",
		AccessToken:         "must-be-cleared",
		AuthenticatedUserID: "sub=u1",
		Scope:               []string{"read"},
	}))

	entry, err := store.Retrieve(ctx, "code-abc")
	require.NoError(t, err)
	assert.Equal(t, "u1", entry.Profile.Sub)
	assert.Equal(t, "api1", entry.APIID)
	assert.Equal(t, "sub=u1", entry.AuthenticatedUserID)
	assert.Equal(t, []string{"read"}, entry.Scope)
	assert.Empty(t, entry.AccessToken)
}

func TestRegisterTokensMirrorsRefreshToken(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	entry := Entry{
		Profile:             OIDCProfile{Sub: "u1"},
		APIID:               "api1",
		AccessToken:         "at-1",
		RefreshToken:        "rt-1",
		AuthenticatedUserID: "sub=u1",
		Scope:               []string{"read"},
	}
	require.NoError(t, store.RegisterTokens(ctx, entry))

	byAccess, err := store.Retrieve(ctx, "at-1")
	require.NoError(t, err)
	byRefresh, err := store.Retrieve(ctx, "rt-1")
	require.NoError(t, err)

	assert.Equal(t, byAccess.Profile, byRefresh.Profile)
	assert.Equal(t, "at-1", byRefresh.AccessToken)
	assert.Equal(t, "sub=u1", byRefresh.AuthenticatedUserID)
}

func TestRegisterTokensWithoutRefreshToken(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RegisterTokens(ctx, Entry{
		Profile:     OIDCProfile{Sub: "u2"},
		APIID:       "api1",
		AccessToken: "at-2",
	}))

	_, err := store.Retrieve(ctx, "at-2")
	require.NoError(t, err)
}

func TestRetrieveMissingReturnsErrNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Retrieve(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIsBestEffort(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RegisterCode(ctx, "code-del", Entry{Profile: OIDCProfile{Sub: "u1"}, APIID: "api1"}))
	require.NoError(t, store.Delete(ctx, "code-del"))

	_, err := store.Retrieve(ctx, "code-del")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete(ctx, "code-del"))
}

func TestEntriesExpire(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RegisterCode(ctx, "code-ttl", Entry{Profile: OIDCProfile{Sub: "u1"}, APIID: "api1"}))

	mr.FastForward(2 * time.Hour)

	_, err := store.Retrieve(ctx, "code-ttl")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterValidation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, store.RegisterCode(ctx, "", Entry{Profile: OIDCProfile{Sub: "u1"}, APIID: "api1"}))
	assert.Error(t, store.RegisterTokens(ctx, Entry{Profile: OIDCProfile{Sub: "u1"}}))
}
