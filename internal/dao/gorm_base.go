package dao

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/gormdb"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
)

// gormBase resolves the *gorm.DB for a named datasource at Start.
type gormBase struct {
	*core.BaseComponent
	GormComp *gormdb.GormComponent `infra:"dep:gorm_db"`
	dsName   string
	db       *gorm.DB
}

func (d *gormBase) Start(ctx context.Context) error {
	if err := d.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if d.db != nil {
		return nil
	}
	if d.GormComp == nil {
		return fmt.Errorf("%s requires gorm_db component", d.Name())
	}
	db, err := d.GormComp.GetDB(d.dsName)
	if err != nil {
		return fmt.Errorf("get gorm db %s failed: %w", d.dsName, err)
	}
	d.db = db
	return nil
}
