package bootstrap

import (
	"testing"

	"huddle/internal/queue"
	"huddle/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeClose_ReleasesConnections(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	db := testutil.NewTestDB(t)

	rt := &Runtime{DB: db, Redis: rdb, Tasks: queue.NewInline()}
	require.NoError(t, rt.Close())

	assert.Error(t, rdb.Ping(t.Context()).Err(), "redis client is closed")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Error(t, sqlDB.Ping())
}

func TestRuntimeClose_Empty(t *testing.T) {
	assert.NoError(t, (&Runtime{}).Close())
}
