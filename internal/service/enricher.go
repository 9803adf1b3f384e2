package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/ai"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/dao"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

const maxDescriptionRunes = 1000

// keyword heuristics for the fallback path, checked in order
var fallbackCategories = []struct {
	category string
	keywords []string
}{
	{"Video", []string{"video", "movie", "film"}},
	{"Music", []string{"music", "audio", "mp3"}},
	{"Books", []string{"book", "ebook", "pdf", "novel"}},
	{"Courses", []string{"course", "tutorial", "lesson"}},
	{"Software", []string{"software", "app", "tool"}},
}

var tagStopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "www": {}, "http": {}, "https": {}, "com": {},
}

const enrichPrompt = `You complete metadata for a shared resource.
Name: %s
Link: %s
Known categories: %s
Answer with a single JSON object only: {"title": string, "description": string, "category": string, "tags": [string]}.
Use at most 5 short tags.`

type Enricher struct {
	*core.BaseComponent
	AI ai.Provider `infra:"dep:ai_provider"`

	cfg      config.EnrichConfig
	maxTitle int
}

func NewEnricher(cfg config.EnrichConfig, ingest config.IngestConfig) *Enricher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if ingest.MaxTitleLength <= 0 {
		ingest.MaxTitleLength = 120
	}
	return &Enricher{
		BaseComponent: core.NewBaseComponent(consts.COMP_SVC_ENRICHER, appconsts.COMPONENT_LOGGING),
		cfg:           cfg,
		maxTitle:      ingest.MaxTitleLength,
	}
}

// Enrich never fails: any AI problem yields the deterministic fallback.
func (e *Enricher) Enrich(ctx context.Context, item model.ResourceItem, cats *CategoryMap) *model.EnrichedResource {
	if e.AI != nil {
		actx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		out, err := e.enrichWithAI(actx, item, cats)
		cancel()
		if err == nil {
			return out
		}
		logging.Info(ctx, "enrichment fell back", zap.String("link", item.Link), zap.Error(err))
	}
	return e.Fallback(item, cats)
}

func (e *Enricher) enrichWithAI(ctx context.Context, item model.ResourceItem, cats *CategoryMap) (*model.EnrichedResource, error) {
	raw, err := e.AI.Complete(ctx, fmt.Sprintf(enrichPrompt, item.Name, item.Link, strings.Join(cats.Names(), ", ")))
	if err != nil {
		return nil, err
	}
	body := ai.StripCodeFence(raw)
	if !gjson.Valid(body) || !gjson.Parse(body).IsObject() {
		return nil, fmt.Errorf("malformed enrichment output")
	}
	doc := gjson.Parse(body)
	title := model.SanitizeName(doc.Get("title").String(), e.maxTitle)
	if title == "" {
		return nil, fmt.Errorf("enrichment output without title")
	}
	desc := model.SanitizeName(doc.Get("description").String(), maxDescriptionRunes)
	if desc == "" {
		desc = defaultDescription(item.Name)
	}
	var tags []string
	for _, t := range doc.Get("tags").Array() {
		tags = append(tags, model.SanitizeName(t.String(), 64))
	}
	return &model.EnrichedResource{
		Title:       title,
		Description: desc,
		Link:        item.Link,
		CategoryID:  cats.ID(doc.Get("category").String()),
		Tags:        dao.NormalizeTags(tags),
		Source:      consts.SourceAI,
	}, nil
}

// Fallback derives metadata from the name alone.
func (e *Enricher) Fallback(item model.ResourceItem, cats *CategoryMap) *model.EnrichedResource {
	title := model.SanitizeName(item.Name, e.maxTitle)
	if title == "" {
		title = nameFromLink(item.Link)
	}
	return &model.EnrichedResource{
		Title:       title,
		Description: defaultDescription(item.Name),
		Link:        item.Link,
		CategoryID:  guessCategory(item.Name, cats),
		Tags:        keywordTags(item.Name),
		Source:      consts.SourceFallback,
	}
}

func defaultDescription(name string) string {
	return `"` + name + `" shared via batch import.`
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// guessCategory picks the first category in table order whose keyword appears anywhere in name.
func guessCategory(name string, cats *CategoryMap) int64 {
	lower := strings.ToLower(name)
	for _, fc := range fallbackCategories {
		for _, kw := range fc.keywords {
			if strings.Contains(lower, kw) {
				return cats.ID(fc.category)
			}
		}
	}
	return cats.DefaultID()
}

func keywordTags(name string) []string {
	var tags []string
	for _, w := range words(name) {
		if len([]rune(w)) < 3 {
			continue
		}
		if _, stop := tagStopwords[w]; stop {
			continue
		}
		if strings.IndexFunc(w, unicode.IsLetter) < 0 {
			continue
		}
		tags = append(tags, w)
	}
	return dao.NormalizeTags(tags)
}
