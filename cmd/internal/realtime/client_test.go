package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bazaar/cmd/internal/chat"
)

func waitSubDone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription goroutine did not exit")
	}
}

func TestClient_AttachKeepsLiveSubscription(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(quietLogger())
	defer b.Close()

	c := NewClient("s1", 4)
	sub, err := b.Subscribe("conv-1", newCollector().handle)
	require.NoError(t, err)

	assert.True(t, c.attach(sub, func() bool { return false }))
	got, ok := c.subscription("conv-1")
	require.True(t, ok)
	assert.Same(t, sub, got)

	c.Close()
	assert.Equal(t, 0, c.subCount())
	waitSubDone(t, sub)
}

func TestClient_AttachAfterCloseReleasesSubscription(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(quietLogger())
	defer b.Close()

	c := NewClient("s1", 4)
	sub, err := b.Subscribe("conv-1", newCollector().handle)
	require.NoError(t, err)

	// The session ends between Subscribe and attach.
	c.Close()

	assert.False(t, c.attach(sub, nil))
	assert.Equal(t, 0, c.subCount())
	assert.Equal(t, 0, b.Len("conv-1"))
	waitSubDone(t, sub)
}

func TestClient_AttachDropsEndedSubscription(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(quietLogger())
	defer b.Close()

	c := NewClient("s1", 4)
	sub, err := b.Subscribe("conv-1", newCollector().handle)
	require.NoError(t, err)

	assert.False(t, c.attach(sub, func() bool { return true }))
	_, ok := c.subscription("conv-1")
	assert.False(t, ok)
	assert.Equal(t, 0, b.Len("conv-1"))
	waitSubDone(t, sub)
}

func TestClient_AttachDropsEvictedSubscription(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(quietLogger(), WithQueueSize(1))
	defer b.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	first := true
	sub, err := b.Subscribe("conv-1", func(ev chat.Event) {
		if first {
			first = false
			close(started)
			<-release
		}
	})
	require.NoError(t, err)

	// Evicted before the join could record the subscription.
	b.Publish(msgEvent("conv-1", 1))
	<-started
	b.Publish(msgEvent("conv-1", 2))
	b.Publish(msgEvent("conv-1", 3))
	require.True(t, sub.Evicted())

	c := NewClient("s1", 4)
	assert.False(t, c.attach(sub, nil))
	assert.Equal(t, 0, c.subCount())

	close(release)
	waitSubDone(t, sub)
}
