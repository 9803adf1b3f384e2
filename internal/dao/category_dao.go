package dao

import (
	"context"

	"github.com/pkg/errors"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

type CategoryDao interface {
	core.Component
	List(ctx context.Context) ([]*model.Category, error)
}

type categoryDaoImpl struct {
	gormBase
}

func NewCategoryDao(dsName string) CategoryDao {
	return &categoryDaoImpl{gormBase{
		BaseComponent: core.NewBaseComponent(consts.COMP_DAO_CATEGORY, appconsts.COMPONENT_LOGGING),
		dsName:        dsName,
	}}
}

func (d *categoryDaoImpl) List(ctx context.Context) ([]*model.Category, error) {
	var list []*model.Category
	err := d.db.WithContext(ctx).Order("sort_order ASC").Order("id ASC").Find(&list).Error
	return list, errors.Wrap(err, "list categories")
}
