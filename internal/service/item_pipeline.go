package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/dao"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/metrics"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

// ItemProcessor runs one resource item end to end.
type ItemProcessor interface {
	Process(ctx context.Context, task *model.MainTask, item model.ResourceItem, cats *CategoryMap) model.ItemResult
}

// ResourceEnricher completes metadata for an item.
type ResourceEnricher interface {
	Enrich(ctx context.Context, item model.ResourceItem, cats *CategoryMap) *model.EnrichedResource
}

// ItemPipeline: enrich -> insert -> tag -> hand to reviewer. Success needs the first three only.
type ItemPipeline struct {
	*core.BaseComponent
	Enricher    ResourceEnricher       `infra:"dep:enricher"`
	ResourceDao dao.ResourceDao        `infra:"dep:resource_dao"`
	Reviewer    ReviewSubmitter        `infra:"dep:reviewer"`
	Metrics     *metrics.IngestMetrics `infra:"dep:ingest_metrics?"`
}

func NewItemPipeline() *ItemPipeline {
	return &ItemPipeline{BaseComponent: core.NewBaseComponent(consts.COMP_SVC_ITEM_PIPELINE, appconsts.COMPONENT_LOGGING)}
}

func (p *ItemPipeline) Process(ctx context.Context, task *model.MainTask, item model.ResourceItem, cats *CategoryMap) model.ItemResult {
	start := time.Now()
	res := model.ItemResult{Name: item.Name, Link: item.Link}

	// 1. 元数据补全
	enriched := p.Enricher.Enrich(ctx, item, cats)
	res.Source = enriched.Source

	// 2. 入库
	r := &model.Resource{
		UUID:        uuid.NewString(),
		Title:       enriched.Title,
		Description: enriched.Description,
		Link:        enriched.Link,
		CategoryID:  enriched.CategoryID,
		OwnerID:     task.OwnerID,
		BatchUUID:   task.UUID,
		Status:      consts.ResourcePending,
		IsFree:      true,
		Credits:     0,
	}
	if err := p.ResourceDao.Insert(ctx, r); err != nil {
		return p.fail(ctx, res, start, "insert resource: "+err.Error())
	}

	// 3. 标签
	if _, err := p.ResourceDao.AttachTags(ctx, r.ID, enriched.Tags); err != nil {
		return p.fail(ctx, res, start, "attach tags: "+err.Error())
	}

	// 4. 异步审核，不等待
	p.Reviewer.Submit(model.ReviewJob{
		ResourceID:   r.ID,
		ResourceUUID: r.UUID,
		TaskUUID:     task.UUID,
		Title:        r.Title,
		Description:  r.Description,
		Link:         r.Link,
	})

	res.Success = true
	res.ResourceUUID = r.UUID
	p.Metrics.ObserveItem(true, res.Source, time.Since(start))
	return res
}

func (p *ItemPipeline) fail(ctx context.Context, res model.ItemResult, start time.Time, msg string) model.ItemResult {
	res.Success = false
	res.Error = msg
	p.Metrics.ObserveItem(false, res.Source, time.Since(start))
	logging.Warn(ctx, "batch item failed", zap.String("link", res.Link), zap.String("error", msg))
	return res
}
