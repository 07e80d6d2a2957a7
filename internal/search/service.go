package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexComponent indexes a component (fire-and-forget to Meilisearch).
func (s *Service) IndexComponent(c ComponentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexComponent(c); err != nil {
			log.Printf("search: index component %d: %v", c.ID, err)
		}
	}()
}

// IndexThread indexes a forum thread (fire-and-forget to Meilisearch).
func (s *Service) IndexThread(t ThreadRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexThread(t); err != nil {
			log.Printf("search: index thread %d: %v", t.ID, err)
		}
	}()
}

// DeleteThread removes a thread from the search index (fire-and-forget).
func (s *Service) DeleteThread(id int64) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteThread(id); err != nil {
			log.Printf("search: delete thread %d: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reads all searchable entities from PostgreSQL and pushes
// them to Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	components, threads, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexComponents(components); err != nil {
		log.Printf("search: reindex components: %v", err)
	}
	if err := s.meili.IndexThreads(threads); err != nil {
		log.Printf("search: reindex threads: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
