package dao

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

const deadLetterBucket = "review_dead_letters"

// DeadLetterDao is an append-only local log of reviews that could not complete.
type DeadLetterDao interface {
	core.Component
	Put(ctx context.Context, dl *model.ReviewDeadLetter) error
	List(ctx context.Context, limit int) ([]*model.ReviewDeadLetter, error)
	Count(ctx context.Context) (int, error)
}

type deadLetterDaoImpl struct {
	*core.BaseComponent
	path string
	db   *bbolt.DB
}

func NewDeadLetterDao(path string) DeadLetterDao {
	return &deadLetterDaoImpl{
		BaseComponent: core.NewBaseComponent(consts.COMP_DAO_DEAD_LETTER, appconsts.COMPONENT_LOGGING),
		path:          path,
	}
}

func (d *deadLetterDaoImpl) Start(ctx context.Context) error {
	if err := d.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if dir := filepath.Dir(d.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create dead letter dir %s", dir)
		}
	}
	db, err := bbolt.Open(d.path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return errors.Wrapf(err, "open dead letter db %s", d.path)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(deadLetterBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return errors.Wrap(err, "create dead letter bucket")
	}
	d.db = db
	logging.Infof(ctx, "[dead_letter] opened %s", d.path)
	return nil
}

func (d *deadLetterDaoImpl) Stop(ctx context.Context) error {
	defer func() { _ = d.BaseComponent.Stop(ctx) }()
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

func (d *deadLetterDaoImpl) Put(_ context.Context, dl *model.ReviewDeadLetter) error {
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now()
	}
	val, err := json.Marshal(dl)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrap(d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(deadLetterBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, val)
	}), "put dead letter")
}

// List returns the newest entries first.
func (d *deadLetterDaoImpl) List(_ context.Context, limit int) ([]*model.ReviewDeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*model.ReviewDeadLetter
	err := d.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(deadLetterBucket)).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var dl model.ReviewDeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				return err
			}
			out = append(out, &dl)
		}
		return nil
	})
	return out, errors.Wrap(err, "list dead letters")
}

func (d *deadLetterDaoImpl) Count(_ context.Context) (int, error) {
	n := 0
	err := d.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(deadLetterBucket)).Stats().KeyN
		return nil
	})
	return n, errors.Wrap(err, "count dead letters")
}
