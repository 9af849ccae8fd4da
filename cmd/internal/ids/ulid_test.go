package ids

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULID_SortsInCreationOrderWithinMillisecond(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	got := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		id, err := NewULID(now)
		require.NoError(t, err)
		require.Len(t, id, 26)
		got = append(got, id)
	}

	assert.True(t, sort.StringsAreSorted(got), "ids minted in one millisecond must sort in order")
}

func TestValid(t *testing.T) {
	t.Parallel()

	assert.True(t, Valid(MustULID(time.Now())))
	assert.False(t, Valid(""))
	assert.False(t, Valid("not-a-ulid"))
}
