package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bazaar/cmd/internal/cache"
	"bazaar/cmd/internal/chat"
)

func TestTracker_TouchOnlineCounterpart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, err := NewTracker(cache.NewMemory(), time.Minute)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	tr.now = func() time.Time { return at }

	st, err := tr.Online(ctx, "seller")
	require.NoError(t, err)
	assert.False(t, st.Online)

	require.NoError(t, tr.Touch(ctx, "seller"))

	conv := chat.Conversation{ID: "c1", BuyerID: "buyer", SellerID: "seller"}
	st, err = tr.CounterpartOnline(ctx, conv, "buyer")
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.True(t, st.LastSeen.Equal(at))

	st, err = tr.CounterpartOnline(ctx, conv, "seller")
	require.NoError(t, err)
	assert.False(t, st.Online, "buyer never touched")

	_, err = tr.CounterpartOnline(ctx, conv, "stranger")
	assert.ErrorIs(t, err, chat.ErrNotAParticipant)

	require.NoError(t, tr.Forget(ctx, "seller"))
	st, err = tr.Online(ctx, "seller")
	require.NoError(t, err)
	assert.False(t, st.Online)
}

func TestTracker_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewTracker(nil, time.Minute)
	assert.Error(t, err)

	tr, err := NewTracker(cache.NewMemory(), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, tr.ttl)
	assert.Error(t, tr.Touch(context.Background(), "  "))
}
