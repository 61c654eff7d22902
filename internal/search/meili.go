package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"codecollab/api/internal/logx"
	meili "github.com/meilisearch/meilisearch-go"
	"pkt.systems/pslog"
)

const idxProjects = "codecollab_projects"

type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	logger  pslog.Logger
}

// NewMeili connects to Meilisearch and starts a health monitor. The client is
// returned even when the first health check fails; Healthy reports false
// until the server becomes reachable.
func NewMeili(url, apiKey string, logger pslog.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		logger: logx.Component(logger, "search.meili"),
	}
	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("search.meili.unavailable", "url", url, "err", err)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}
	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxProjects, PrimaryKey: "id"}); err != nil {
		m.logger.Debug("search.meili.create_index", "index", idxProjects, "err", err)
	}
	index := m.client.Index(idxProjects)
	filterable := []interface{}{"memberIds", "language", "isPublic"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("search.meili.filterable", "index", idxProjects, "err", err)
	}
	searchable := []string{"name", "description", "code"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("search.meili.searchable", "index", idxProjects, "err", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("search.meili.recovered")
				m.configureIndexes()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{buildRequest(q)},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func buildRequest(q Query) *meili.SearchRequest {
	filters := []string{fmt.Sprintf("memberIds = %q", q.UserID)}
	if q.Language != "" {
		filters = append(filters, fmt.Sprintf("language = %q", q.Language))
	}
	return &meili.SearchRequest{
		IndexUID:              idxProjects,
		Query:                 q.Text,
		Limit:                 int64(normalizeLimit(q.Limit)),
		Offset:                int64(max(q.Offset, 0)),
		Filter:                filters,
		AttributesToHighlight: []string{"name", "description"},
		AttributesToCrop:      []string{"code"},
		CropLength:            30,
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:        decodeString(hit, "id"),
		Name:      firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name")),
		Snippet:   firstNonBlank(decodeFormattedString(hit, "description"), decodeFormattedString(hit, "code"), decodeString(hit, "description")),
		Language:  decodeString(hit, "language"),
		OwnerID:   decodeString(hit, "ownerId"),
		UpdatedAt: decodeString(hit, "updatedAt"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	value, _ := formatted[key].(string)
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexProject(p ProjectRecord) error {
	_, err := m.client.Index(idxProjects).AddDocuments([]ProjectRecord{p}, nil)
	return err
}

func (m *Meili) IndexProjects(projects []ProjectRecord) error {
	if len(projects) == 0 {
		return nil
	}
	_, err := m.client.Index(idxProjects).AddDocuments(projects, nil)
	return err
}

func (m *Meili) DeleteProject(id string) error {
	_, err := m.client.Index(idxProjects).DeleteDocument(id, nil)
	return err
}
