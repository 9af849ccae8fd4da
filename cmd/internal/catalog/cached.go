package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"bazaar/cmd/internal/cache"
	"bazaar/cmd/internal/chat"
)

// DefaultCacheTTL bounds how stale a label or seller id may be.
const DefaultCacheTTL = 5 * time.Minute

// Cached decorates a Catalog with a read-through cache. Cache failures fall
// back to the wrapped catalog; only successful lookups are stored.
type Cached struct {
	next  chat.Catalog
	cache cache.Cache
	ttl   time.Duration
	log   *slog.Logger
}

// NewCached wraps next.
func NewCached(next chat.Catalog, c cache.Cache, ttl time.Duration, log *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cached{next: next, cache: c, ttl: ttl, log: log}
}

var _ chat.Catalog = (*Cached)(nil)

func (c *Cached) Subject(ctx context.Context, ref chat.SubjectRef) (chat.Subject, error) {
	key := "catalog:" + ref.String()

	raw, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		var doc subjectDoc
		if jerr := json.Unmarshal([]byte(raw), &doc); jerr == nil {
			return doc.subject(), nil
		}
		c.log.Warn("catalog.cache.corrupt", "subject", ref.String())
	case !errors.Is(err, cache.ErrMiss):
		c.log.Warn("catalog.cache.get.fail", "subject", ref.String(), "err", err)
	}

	s, err := c.next.Subject(ctx, ref)
	if err != nil {
		return chat.Subject{}, err
	}

	if b, jerr := json.Marshal(docOf(s)); jerr == nil {
		if serr := c.cache.Set(ctx, key, string(b), c.ttl); serr != nil {
			c.log.Warn("catalog.cache.set.fail", "subject", ref.String(), "err", serr)
		}
	}
	return s, nil
}
