package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTryPushAndPopRoundTrip(t *testing.T) {
	q := New[int](2)
	require.NoError(t, q.TryPush(1))
	require.NoError(t, q.TryPush(2))
	require.Equal(t, 2, q.Len())

	v, err := q.Pop(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestTryPushReturnsErrFullAtCapacity(t *testing.T) {
	q := New[int](1)
	require.NoError(t, q.TryPush(1))
	err := q.TryPush(2)
	require.ErrorIs(t, err, ErrFull)
}

func TestPopReturnsErrorWhenContextCancelled(t *testing.T) {
	q := New[int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	require.Error(t, err)
}

func TestCapReportsConfiguredCapacity(t *testing.T) {
	q := New[string](5)
	require.Equal(t, 5, q.Cap())
	require.Equal(t, 0, q.Len())
}
