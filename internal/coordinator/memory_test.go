package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_SetExExpires(t *testing.T) {
	c := NewMemory()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SetEx(ctx, "apikey:abc", "hash|w1", 20*time.Millisecond))

	_, found, err := c.Get(ctx, "apikey:abc")
	require.NoError(t, err)
	require.True(t, found)

	require.Eventually(t, func() bool {
		_, found, err := c.Get(ctx, "apikey:abc")
		require.NoError(t, err)
		return !found
	}, time.Second, 5*time.Millisecond)
}

func TestMemory_WrongTypeAccess(t *testing.T) {
	c := NewMemory()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "worker:w1:status", "online"))

	_, err := c.HashGetAll(ctx, "worker:w1:status")
	require.Error(t, err)

	require.NoError(t, c.HashSet(ctx, WorkerInfoKey("w1"), map[string]string{"status": "online"}))

	_, _, err = c.Get(ctx, WorkerInfoKey("w1"))
	require.Error(t, err)
}

func TestMemory_DelClearsEveryKind(t *testing.T) {
	c := NewMemory()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v"))
	require.NoError(t, c.PushRight(ctx, "l", "a"))
	require.NoError(t, c.SetAdd(ctx, "s", "m"))

	require.NoError(t, c.Del(ctx, "k", "l", "s"))

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)

	n, err := c.ListLen(ctx, "l")
	require.NoError(t, err)
	require.Zero(t, n)

	card, err := c.SetCard(ctx, "s")
	require.NoError(t, err)
	require.Zero(t, card)
}

func TestMemory_SubscriptionContextCancel(t *testing.T) {
	c := NewMemory()
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := c.Subscribe(ctx, ChannelTaskUpdate)
	require.NoError(t, err)

	require.NoError(t, c.Publish(context.Background(), ChannelTaskUpdate, []byte("one")))
	msg := receiveMessage(t, sub)
	require.Equal(t, "one", string(msg.Payload))

	cancel()

	require.Eventually(t, func() bool {
		_, open := <-sub.Messages()
		return !open
	}, time.Second, 5*time.Millisecond, "message channel must close after context cancel")
}

func TestMemory_LockExpiresAndReleasesSafely(t *testing.T) {
	c := NewMemory()
	defer c.Close()
	ctx := context.Background()

	unlock, err := c.Lock(ctx, SchedulerLock, 20*time.Millisecond)
	require.NoError(t, err)

	var unlock2 Unlock
	require.Eventually(t, func() bool {
		u, err := c.Lock(ctx, SchedulerLock, time.Minute)
		if err != nil {
			return false
		}
		unlock2 = u
		return true
	}, time.Second, 5*time.Millisecond, "expired lock must become acquirable")

	// The stale holder must not release the new holder's lock.
	require.ErrorIs(t, unlock(ctx), ErrNotLocked)

	_, found, err := c.Get(ctx, SchedulerLock)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, unlock2(ctx))
}
