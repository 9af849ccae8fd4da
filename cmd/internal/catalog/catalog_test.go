package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bazaar/cmd/internal/cache"
	"bazaar/cmd/internal/chat"
)

var bike = chat.SubjectRef{Kind: chat.SubjectListing, ID: "bike-1"}

func newCatalogServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/listings/{id}", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer svc-token" {
			http.Error(w, "no", http.StatusUnauthorized)
			return
		}
		switch r.PathValue("id") {
		case "bike-1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"seller_id":"seller-7","title":"Road bike","price":120.5,"currency":"EUR"}`)
		case "broken":
			http.Error(w, "boom", http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestHTTPClient_Subject(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	ts := newCatalogServer(t, &hits)
	c, err := NewHTTPClient(ts.URL+"/", "svc-token", nil)
	require.NoError(t, err)
	ctx := context.Background()

	s, err := c.Subject(ctx, bike)
	require.NoError(t, err)
	assert.Equal(t, "seller-7", s.SellerID)
	assert.Equal(t, "Road bike", s.Title)
	require.NotNil(t, s.Price)
	assert.InDelta(t, 120.5, *s.Price, 0.0001)
	assert.Equal(t, "EUR", s.Currency)

	_, err = c.Subject(ctx, chat.SubjectRef{Kind: chat.SubjectListing, ID: "gone"})
	assert.ErrorIs(t, err, chat.ErrSubjectNotFound)

	_, err = c.Subject(ctx, chat.SubjectRef{Kind: chat.SubjectListing, ID: "broken"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, chat.ErrSubjectNotFound))

	_, err = c.Subject(ctx, chat.SubjectRef{Kind: "boat", ID: "x"})
	assert.ErrorIs(t, err, chat.ErrInvalidInput)
	assert.Equal(t, int32(3), hits.Load())
}

func TestNewHTTPClient_RequiresBaseURL(t *testing.T) {
	t.Parallel()
	_, err := NewHTTPClient("  ", "", nil)
	assert.Error(t, err)
}

type countingCatalog struct {
	calls atomic.Int32
	next  chat.Catalog
}

func (c *countingCatalog) Subject(ctx context.Context, ref chat.SubjectRef) (chat.Subject, error) {
	c.calls.Add(1)
	return c.next.Subject(ctx, ref)
}

func TestCached_ReadThrough(t *testing.T) {
	t.Parallel()

	static := NewStatic()
	price := 99.0
	static.Put(bike, chat.Subject{SellerID: "seller-7", Title: "Road bike", Price: &price})
	inner := &countingCatalog{next: static}

	c := NewCached(inner, cache.NewMemory(), time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s, err := c.Subject(ctx, bike)
		require.NoError(t, err)
		assert.Equal(t, "seller-7", s.SellerID)
		require.NotNil(t, s.Price)
		assert.Equal(t, 99.0, *s.Price)
	}
	assert.Equal(t, int32(1), inner.calls.Load())

	missing := chat.SubjectRef{Kind: chat.SubjectTrade, ID: "t-1"}
	for i := 0; i < 2; i++ {
		_, err := c.Subject(ctx, missing)
		assert.ErrorIs(t, err, chat.ErrSubjectNotFound)
	}
	assert.Equal(t, int32(3), inner.calls.Load(), "misses are not cached")
}

func TestParseStatic(t *testing.T) {
	t.Parallel()

	s, err := ParseStatic([]string{"listing:l1=alice:Blue sofa", " trade:t9=bob ", ""})
	require.NoError(t, err)

	got, err := s.Subject(context.Background(), chat.SubjectRef{Kind: chat.SubjectListing, ID: "l1"})
	require.NoError(t, err)
	assert.Equal(t, chat.Subject{SellerID: "alice", Title: "Blue sofa"}, got)

	got, err = s.Subject(context.Background(), chat.SubjectRef{Kind: chat.SubjectTrade, ID: "t9"})
	require.NoError(t, err)
	assert.Equal(t, "bob", got.SellerID)

	for _, bad := range []string{"listing:l1", "boat:x=alice", "listing:l1=", "l1=alice"} {
		_, err := ParseStatic([]string{bad})
		assert.Error(t, err, bad)
	}
}
