package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	assert.Equal(t, "", UserID(context.Background()))

	ctx := WithMeta(context.Background(), &Meta{UserID: " u_1 ", UserEmail: "a@example.com"})
	m := FromContext(ctx)
	require.NotNil(t, m)
	assert.Equal(t, "a@example.com", m.UserEmail)
	assert.Equal(t, "u_1", UserID(ctx))
}

func TestFromContext_RejectsBlankUser(t *testing.T) {
	ctx := WithMeta(context.Background(), &Meta{UserID: "  "})
	assert.Nil(t, FromContext(ctx))

	ctx = WithMeta(context.Background(), nil)
	assert.Nil(t, FromContext(ctx))
}
