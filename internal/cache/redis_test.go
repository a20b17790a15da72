package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	rc, err := NewRedis(context.Background(), "redis://"+mr.Addr()+"/0", 3)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, 3, rc.Options().DB)

	require.NoError(t, rc.Set(context.Background(), "k", "v", 0).Err())
	mr.Select(3)
	assert.True(t, mr.Exists("k"))
}

func TestNewRedisErrors(t *testing.T) {
	_, err := NewRedis(context.Background(), "not-a-url", -1)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = NewRedis(context.Background(), "redis://"+addr, -1)
	assert.Error(t, err)
}
