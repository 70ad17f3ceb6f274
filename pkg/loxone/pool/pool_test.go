package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	p := New(Config{MaxConnections: 2})

	p1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, p.Stats().InUse)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.Error(t, err)

	p1.Release()
	assert.Equal(t, 1, p.Stats().InUse)

	p3, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p3.Release()
	p2.Release()

	assert.Equal(t, 0, p.Stats().InUse)
}

func TestReleaseIdempotent(t *testing.T) {
	p := New(Config{MaxConnections: 1})
	permit, err := p.Acquire(context.Background())
	require.NoError(t, err)
	permit.Release()
	permit.Release() // must not panic or double-free the semaphore
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestHealthDegradesAfterConsecutiveErrors(t *testing.T) {
	p := New(Config{UnhealthyThreshold: 3})
	assert.True(t, p.Health())
	p.RecordError()
	p.RecordError()
	assert.True(t, p.Health())
	p.RecordError()
	assert.False(t, p.Health())
	p.RecordSuccess()
	assert.True(t, p.Health())
}
