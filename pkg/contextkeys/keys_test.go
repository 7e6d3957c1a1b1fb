package contextkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrincipal(t *testing.T) {
	ctx := context.Background()

	_, ok := PrincipalFrom(ctx)
	assert.False(t, ok)
	assert.Nil(t, ActorID(ctx))

	ctx = WithPrincipal(ctx, Principal{UserID: 7, TenantID: 3})
	p, ok := PrincipalFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, int64(3), p.TenantID)

	actor := ActorID(ctx)
	require.NotNil(t, actor)
	assert.Equal(t, int64(7), *actor)
}

func TestRequestID(t *testing.T) {
	assert.Equal(t, "", RequestIDFrom(context.Background()))
	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestIDFrom(ctx))
}
