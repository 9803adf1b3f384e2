package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/apperr"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/http_client"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/metrics"
)

const internalClientName = "internal"

// ContinuationTrigger schedules the next subtask of a task.
type ContinuationTrigger interface {
	Trigger(ctx context.Context, taskUUID, subtaskUUID string) error
}

// ContinuationMessage is the body of both the internal run call and the kafka record.
type ContinuationMessage struct {
	TaskUUID    string `json:"task_uuid"`
	SubtaskUUID string `json:"subtask_uuid"`
}

type sendFunc func(ctx context.Context, msg ContinuationMessage) error

type Dispatcher struct {
	*core.BaseComponent
	HTTPClients *http_client.HTTPClientsComponent `infra:"dep:http_clients?"`
	Metrics     *metrics.IngestMetrics            `infra:"dep:ingest_metrics?"`

	cfg    config.ChainConfig
	client *http_client.InstrumentedClient
	writer *kafka.Writer
	send   sendFunc
}

func NewDispatcher(cfg config.ChainConfig) *Dispatcher {
	if cfg.Mode == "" {
		cfg.Mode = consts.ChainHTTP
	}
	if cfg.TriggerAttempts <= 0 {
		cfg.TriggerAttempts = 3
	}
	if cfg.TriggerBackoff <= 0 {
		cfg.TriggerBackoff = 200 * time.Millisecond
	}
	return &Dispatcher{
		BaseComponent: core.NewBaseComponent(consts.COMP_SVC_DISPATCHER, appconsts.COMPONENT_LOGGING),
		cfg:           cfg,
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if d.send != nil {
		return nil
	}
	switch d.cfg.Mode {
	case consts.ChainKafka:
		if len(d.cfg.Kafka.Brokers) == 0 || d.cfg.Kafka.Topic == "" {
			return fmt.Errorf("kafka chain mode requires brokers and topic")
		}
		d.writer = &kafka.Writer{
			Addr:         kafka.TCP(d.cfg.Kafka.Brokers...),
			Topic:        d.cfg.Kafka.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
		d.send = d.publish
	case consts.ChainHTTP:
		if d.HTTPClients != nil {
			if cli, err := d.HTTPClients.Client(internalClientName); err == nil {
				d.client = cli
			}
		}
		if d.client == nil {
			d.client = http_client.NewInstrumentedClient(internalClientName, &http_client.HTTPClientConfig{Timeout: 5 * time.Second})
		}
		d.send = d.post
	default:
		return fmt.Errorf("unknown chain mode %q", d.cfg.Mode)
	}
	logging.Info(ctx, "continuation dispatcher ready", zap.String("mode", string(d.cfg.Mode)))
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.writer != nil {
		if err := d.writer.Close(); err != nil {
			logging.Warn(ctx, "close kafka writer failed", zap.Error(err))
		}
	}
	return d.BaseComponent.Stop(ctx)
}

// Trigger retries the send with backoff; the final failure is an orchestration stall.
func (d *Dispatcher) Trigger(ctx context.Context, taskUUID, subtaskUUID string) error {
	msg := ContinuationMessage{TaskUUID: taskUUID, SubtaskUUID: subtaskUUID}
	err := retry.Do(func() error {
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return d.send(sctx, msg)
	},
		retry.Context(ctx),
		retry.Attempts(uint(d.cfg.TriggerAttempts)),
		retry.Delay(d.cfg.TriggerBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logging.Debug(ctx, "continuation trigger retry", zap.Uint("attempt", n+1), zap.String("subtask", subtaskUUID), zap.Error(err))
		}),
	)
	if err != nil {
		d.Metrics.TriggerFailed(d.cfg.Mode)
		return apperr.OrchestrationStall(err, "trigger subtask %s via %s", subtaskUUID, d.cfg.Mode)
	}
	logging.Debug(ctx, "continuation triggered", zap.String("task", taskUUID), zap.String("subtask", subtaskUUID))
	return nil
}

func (d *Dispatcher) post(ctx context.Context, msg ContinuationMessage) error {
	url := d.cfg.InternalBase + consts.InternalRunPath
	headers := map[string]string{consts.HeaderInternalToken: d.cfg.InternalToken}
	status, err := d.client.Do(ctx, http.MethodPost, url, nil, headers, msg, nil)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted && status != http.StatusOK {
		return fmt.Errorf("internal run answered %d", status)
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, msg ContinuationMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.TaskUUID),
		Value: b,
		Time:  time.Now(),
	})
}
