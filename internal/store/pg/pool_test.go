package pg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/config"
)

func TestPoolConfig(t *testing.T) {
	c := config.Common{
		DBDSN:                   "postgres://u:p@localhost:5432/dispatch?sslmode=disable",
		DBPoolMaxConns:          7,
		DBPoolMinConns:          1,
		DBPoolMaxConnLifetime:   "10m",
		DBPoolMaxConnIdleTime:   "1m",
		DBPoolHealthCheckPeriod: "15s",
	}
	pc, err := PoolConfig(c)
	require.NoError(t, err)
	assert.Equal(t, int32(7), pc.MaxConns)
	assert.Equal(t, int32(1), pc.MinConns)
	assert.Equal(t, 10*time.Minute, pc.MaxConnLifetime)
	assert.Equal(t, time.Minute, pc.MaxConnIdleTime)
	assert.Equal(t, 15*time.Second, pc.HealthCheckPeriod)
}

func TestPoolConfig_BadDuration(t *testing.T) {
	_, err := PoolConfig(config.Common{
		DBDSN:                 "postgres://localhost/dispatch",
		DBPoolMaxConnLifetime: "forever",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_POOL_MAX_CONN_LIFETIME")
}

func TestPoolConfig_BadDSN(t *testing.T) {
	_, err := PoolConfig(config.Common{DBDSN: "postgres://%zz"})
	assert.Error(t, err)
}
