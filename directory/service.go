package directory

import (
	"context"
	"fmt"
	"iter"
)

// Service exposes directory lookups.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Get returns a single directory entry.
func (s *Service) Get(ctx context.Context, id string) (Entry, error) {
	if id == "" {
		return Entry{}, fmt.Errorf("directory: missing id")
	}
	return s.repo.Get(ctx, id)
}

// Search yields matching entries best-rated first. Pages are fetched only as
// the caller keeps ranging, and each range starts a fresh query.
func (s *Service) Search(ctx context.Context, q Query) iter.Seq2[Entry, error] {
	q = q.normalized()
	return func(yield func(Entry, error) bool) {
		var after *Cursor
		for {
			page, err := s.repo.Page(ctx, q, after)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < q.PageSize {
				return
			}
			last := page[len(page)-1]
			after = &Cursor{Rating: last.Rating, ID: last.ID}
		}
	}
}

// Top collects at most n results of Search.
func (s *Service) Top(ctx context.Context, q Query, n int) ([]Entry, error) {
	out := make([]Entry, 0, n)
	if n <= 0 {
		return out, nil
	}
	for e, err := range s.Search(ctx, q) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if len(out) == n {
			break
		}
	}
	return out, nil
}
