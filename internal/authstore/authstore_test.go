package authstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/orchestrator/internal/artifact"
)

func TestStore_LoadEmptyReturnsNil(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	tok, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestStore_SaveThenLoadRoundTrips(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	tok := &artifact.Token{
		Access: "access-1", Refresh: "refresh-1",
		AcquiredAt: time.Now().Truncate(time.Second),
		ExpiresAt:  time.Now().Add(time.Hour).Truncate(time.Second),
		AppID:      "app-1", UserID: "user-1",
	}
	require.NoError(t, s.Save(tok))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, tok.Access, loaded.Access)
	assert.Equal(t, tok.UserID, loaded.UserID)
}

func TestStore_SaveOverwritesSingleton(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	first := &artifact.Token{Access: "a1", AcquiredAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.Save(first))

	second := &artifact.Token{Access: "a2", AcquiredAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.Save(second))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "a2", loaded.Access)
}
