package search

import (
	"context"

	"codecollab/api/internal/logx"
	"pkt.systems/pslog"
)

type projectIndex interface {
	Searcher
	IndexProject(p ProjectRecord) error
	IndexProjects(projects []ProjectRecord) error
	DeleteProject(id string) error
}

// Service tries Meilisearch first and falls back to Postgres.
type Service struct {
	meili  projectIndex
	pgfts  *PgFTS
	logger pslog.Logger
}

// NewService builds the facade. meili may be nil when no Meilisearch URL is configured.
func NewService(m *Meili, pgfts *PgFTS, logger pslog.Logger) *Service {
	s := &Service{pgfts: pgfts, logger: logx.Component(logger, "search")}
	if m != nil {
		s.meili = m
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("search.meili.fallback", "err", err)
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.logger.Error("search.pgfts.failed", "err", err)
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Reindex reloads the given projects from Postgres and pushes them to
// Meilisearch in the background.
func (s *Service) Reindex(projectIDs ...string) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil || len(projectIDs) == 0 {
		return
	}
	go func() {
		ctx := context.Background()
		records, err := s.pgfts.LoadProjectRecords(ctx, projectIDs...)
		if err != nil {
			s.logger.Warn("search.reindex.load", "projects", projectIDs, "err", err)
			return
		}
		if err := s.meili.IndexProjects(records); err != nil {
			s.logger.Warn("search.reindex.push", "projects", projectIDs, "err", err)
		}
	}()
}

func (s *Service) IndexProject(p ProjectRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexProject(p); err != nil {
			s.logger.Warn("search.index.failed", "project_id", p.ID, "err", err)
		}
	}()
}

func (s *Service) DeleteProject(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteProject(id); err != nil {
			s.logger.Warn("search.delete.failed", "project_id", id, "err", err)
		}
	}()
}

// ReindexAll pushes every project to Meilisearch. Bootstrap calls it once
// the index is reachable.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadProjectRecords(ctx)
	if err != nil {
		s.logger.Warn("search.reindex_all.load", "err", err)
		return
	}
	if err := s.meili.IndexProjects(records); err != nil {
		s.logger.Warn("search.reindex_all.push", "err", err)
		return
	}
	s.logger.Info("search.reindex_all.done", "projects", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
