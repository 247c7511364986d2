package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), mr.Addr())
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())

	client2, err := Connect(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer client2.Close()
}

func TestConnect_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Connect(context.Background(), addr)
	assert.Error(t, err)

	_, err = Connect(context.Background(), "redis://:bad:url")
	assert.Error(t, err)
}

func TestParseChannel(t *testing.T) {
	scope, id, ok := ParseChannel(ConversationChannel(42))
	assert.True(t, ok)
	assert.Equal(t, "conversation", scope)
	assert.Equal(t, uint(42), id)

	scope, id, ok = ParseChannel(UserChannel(7))
	assert.True(t, ok)
	assert.Equal(t, "user", scope)
	assert.Equal(t, uint(7), id)

	_, _, ok = ParseChannel("chat:conv:abc")
	assert.False(t, ok)
	_, _, ok = ParseChannel("other:1")
	assert.False(t, ok)
}
