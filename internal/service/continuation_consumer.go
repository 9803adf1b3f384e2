package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/apperr"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/dao"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
)

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ContinuationConsumer runs subtasks published in kafka chain mode. A per-task lock keeps one
// subtask of a task in flight even when partitions are rebalanced.
type ContinuationConsumer struct {
	*core.BaseComponent
	Executor  SubtaskRunner    `infra:"dep:subtask_executor"`
	TaskState dao.TaskStateDao `infra:"dep:task_state_dao"`

	cfg    config.KafkaConfig
	owner  string
	reader messageReader
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewContinuationConsumer(cfg config.KafkaConfig) *ContinuationConsumer {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &ContinuationConsumer{
		BaseComponent: core.NewBaseComponent(consts.COMP_SVC_CONSUMER, appconsts.COMPONENT_LOGGING),
		cfg:           cfg,
		owner:         uuid.NewString(),
	}
}

func (c *ContinuationConsumer) Start(ctx context.Context) error {
	if err := c.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if c.reader == nil {
		c.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        c.cfg.Brokers,
			Topic:          c.cfg.Topic,
			GroupID:        c.cfg.GroupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0, // manual commits
		})
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.loop(loopCtx)
	logging.Info(ctx, "continuation consumer started", zap.String("topic", c.cfg.Topic), zap.String("group", c.cfg.GroupID))
	return nil
}

func (c *ContinuationConsumer) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if c.reader != nil {
		if err := c.reader.Close(); err != nil {
			logging.Warn(ctx, "close kafka reader failed", zap.Error(err))
		}
	}
	return c.BaseComponent.Stop(ctx)
}

func (c *ContinuationConsumer) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn(ctx, "fetch continuation failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if c.Handle(ctx, m) {
			cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := c.reader.CommitMessages(cctx, m); err != nil {
				logging.Warn(ctx, "commit continuation failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Handle processes one record and reports whether it may be committed. A record whose task
// lock is held elsewhere is retried after a short pause.
func (c *ContinuationConsumer) Handle(ctx context.Context, m kafka.Message) bool {
	var msg ContinuationMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil || msg.SubtaskUUID == "" {
		logging.Warn(ctx, "dropping malformed continuation", zap.ByteString("value", m.Value))
		return true
	}
	if msg.TaskUUID == "" {
		msg.TaskUUID = string(m.Key)
	}
	for {
		locked, err := c.TaskState.AcquireTaskLock(ctx, msg.TaskUUID, c.owner, c.cfg.LockTTL)
		if err != nil {
			logging.Warn(ctx, "acquire task lock failed", zap.String("task", msg.TaskUUID), zap.Error(err))
		}
		if locked {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
	}
	defer func() {
		if err := c.TaskState.ReleaseTaskLock(context.Background(), msg.TaskUUID, c.owner); err != nil {
			logging.Warn(ctx, "release task lock failed", zap.String("task", msg.TaskUUID), zap.Error(err))
		}
	}()

	report, err := c.Executor.Execute(ctx, msg.SubtaskUUID)
	switch {
	case err == nil:
		logging.Debug(ctx, "continuation executed", zap.String("subtask", msg.SubtaskUUID), zap.String("status", string(report.Status)))
	case apperr.Is(err, apperr.KindNotFound), apperr.Is(err, apperr.KindOrchestrationStall):
		logging.Warn(ctx, "continuation skipped", zap.String("subtask", msg.SubtaskUUID), zap.Error(err))
	case errors.Is(err, context.Canceled):
		return false
	default:
		// left to the reconciler; redelivering would only repeat the failure
		logging.Error(ctx, "continuation failed", zap.String("subtask", msg.SubtaskUUID), zap.Error(err))
	}
	return true
}
