package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set")
	}

	runStoreSuite(t, func(t *testing.T, clock *fakeClock) Store {
		store, err := NewRedisStore(context.Background(), redisURL, Options{Now: clock.Now})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "", Options{})
	require.Error(t, err)

	_, err = NewRedisStore(context.Background(), "not a url", Options{})
	require.Error(t, err)
}
