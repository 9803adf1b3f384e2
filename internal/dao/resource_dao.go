package dao

import (
	"context"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

type ResourceDao interface {
	core.Component
	Insert(ctx context.Context, r *model.Resource) error
	AttachTags(ctx context.Context, resourceID int64, tags []string) ([]string, error)
	UpdateReview(ctx context.Context, resourceID int64, u ReviewUpdate) error
}

type ReviewUpdate struct {
	Score  int
	Reason string
	Status consts.ResourceStatus
}

type resourceDaoImpl struct {
	gormBase
}

func NewResourceDao(dsName string) ResourceDao {
	return &resourceDaoImpl{gormBase{
		BaseComponent: core.NewBaseComponent(consts.COMP_DAO_RESOURCE, appconsts.COMPONENT_LOGGING),
		dsName:        dsName,
	}}
}

func (d *resourceDaoImpl) Insert(ctx context.Context, r *model.Resource) error {
	if r.Status == "" {
		r.Status = consts.ResourcePending
	}
	return errors.Wrapf(d.db.WithContext(ctx).Create(r).Error, "insert resource %s", r.UUID)
}

// NormalizeTags trims, de-duplicates case-insensitively and caps at MaxTagsPerResource.
// The first spelling of a tag wins.
func NormalizeTags(tags []string) []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if rs := []rune(t); len(rs) > 64 {
			t = string(rs[:64])
		}
		if !seen.Add(strings.ToLower(t)) {
			continue
		}
		out = append(out, t)
		if len(out) == consts.MaxTagsPerResource {
			break
		}
	}
	return out
}

func (d *resourceDaoImpl) AttachTags(ctx context.Context, resourceID int64, tags []string) ([]string, error) {
	names := NormalizeTags(tags)
	if len(names) == 0 {
		return nil, nil
	}
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, name := range names {
			tag := model.Tag{Name: name}
			if err := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
				Create(&tag).Error; err != nil {
				return errors.Wrapf(err, "upsert tag %s", name)
			}
			if tag.ID == 0 {
				if err := tx.Where("name = ?", name).First(&tag).Error; err != nil {
					return errors.Wrapf(err, "load tag %s", name)
				}
			}
			link := model.ResourceTag{ResourceID: resourceID, TagID: tag.ID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
				return errors.Wrapf(err, "link tag %s", name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (d *resourceDaoImpl) UpdateReview(ctx context.Context, resourceID int64, u ReviewUpdate) error {
	now := time.Now()
	updates := map[string]any{
		"ai_risk_score":    u.Score,
		"ai_review_reason": u.Reason,
		"reviewed_at":      now,
		"updated_at":       now,
	}
	if u.Status != "" {
		updates["status"] = u.Status
	}
	res := d.db.WithContext(ctx).Model(&model.Resource{}).Where("id = ?", resourceID).Updates(updates)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update review %d", resourceID)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
