package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"bazaar/cmd/internal/chat"
)

// Static is an in-process catalog for development and tests.
type Static struct {
	mu       sync.RWMutex
	subjects map[chat.SubjectRef]chat.Subject
}

// NewStatic returns an empty Static catalog.
func NewStatic() *Static {
	return &Static{subjects: make(map[chat.SubjectRef]chat.Subject)}
}

var _ chat.Catalog = (*Static)(nil)

// Put registers or replaces a subject.
func (s *Static) Put(ref chat.SubjectRef, subj chat.Subject) {
	s.mu.Lock()
	s.subjects[ref] = subj
	s.mu.Unlock()
}

func (s *Static) Subject(_ context.Context, ref chat.SubjectRef) (chat.Subject, error) {
	s.mu.RLock()
	subj, ok := s.subjects[ref]
	s.mu.RUnlock()
	if !ok {
		return chat.Subject{}, fmt.Errorf("catalog: %s: %w", ref, chat.ErrSubjectNotFound)
	}
	return subj, nil
}

// ParseStatic reads entries of the form "listing:ID=SELLER[:Title]" separated
// by commas, as used by BAZAAR_CATALOG_STATIC.
func ParseStatic(entries []string) (*Static, error) {
	s := NewStatic()
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		refPart, subjPart, ok := strings.Cut(e, "=")
		if !ok {
			return nil, fmt.Errorf("catalog: bad static entry %q", e)
		}
		kind, id, ok := strings.Cut(strings.TrimSpace(refPart), ":")
		if !ok {
			return nil, fmt.Errorf("catalog: bad static subject %q", refPart)
		}
		ref := chat.SubjectRef{Kind: chat.SubjectKind(kind), ID: id}
		if err := ref.Validate(); err != nil {
			return nil, fmt.Errorf("catalog: static entry %q: %w", e, err)
		}
		seller, title, _ := strings.Cut(strings.TrimSpace(subjPart), ":")
		if seller == "" {
			return nil, fmt.Errorf("catalog: static entry %q has no seller", e)
		}
		s.Put(ref, chat.Subject{SellerID: seller, Title: title})
	}
	return s, nil
}
