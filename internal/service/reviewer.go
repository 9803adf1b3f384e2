package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/ai"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/dao"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/metrics"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

const neutralRiskScore = 50

const reviewPrompt = `Rate the moderation risk of this shared resource from 0 (safe) to 100 (certainly harmful).
Title: %s
Description: %s
Link: %s
Answer with JSON only: {"score": number, "reason": string}.`

// ReviewSubmitter accepts review jobs without blocking.
type ReviewSubmitter interface {
	Submit(job model.ReviewJob) bool
}

// Reviewer scores inserted resources in the background. Its outcome never touches item results.
type Reviewer struct {
	*core.BaseComponent
	AI          ai.Provider            `infra:"dep:ai_provider"`
	ResourceDao dao.ResourceDao        `infra:"dep:resource_dao"`
	DeadLetters dao.DeadLetterDao      `infra:"dep:review_dead_letter_dao"`
	Metrics     *metrics.IngestMetrics `infra:"dep:ingest_metrics?"`

	cfg    config.ReviewConfig
	ch     chan model.ReviewJob
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewReviewer(cfg config.ReviewConfig) *Reviewer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.AutoApproveThreshold <= 0 {
		cfg.AutoApproveThreshold = 30
	}
	return &Reviewer{
		BaseComponent: core.NewBaseComponent(consts.COMP_SVC_REVIEWER, appconsts.COMPONENT_LOGGING),
		cfg:           cfg,
		ch:            make(chan model.ReviewJob, cfg.QueueSize),
	}
}

func (r *Reviewer) Start(ctx context.Context) error {
	if r.IsActive() {
		return nil
	}
	if err := r.BaseComponent.Start(ctx); err != nil {
		return err
	}
	// the lifecycle ctx is cancelled once Start returns
	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(loopCtx)
	}
	logging.Info(ctx, "reviewer started", zap.Int("workers", r.cfg.Workers), zap.Int("queue", r.cfg.QueueSize))
	return nil
}

// Stop lets workers drain the queue, then cancels anything still running.
func (r *Reviewer) Stop(ctx context.Context) error {
	if !r.IsActive() {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Warn(ctx, "reviewer stop timed out, cancelling in-flight reviews")
	}
	if r.cancel != nil {
		r.cancel()
	}
	<-done
	for job := range r.ch {
		r.deadLetter(context.Background(), job, "reviewer stopped", neutralRiskScore)
	}
	return r.BaseComponent.Stop(ctx)
}

func (r *Reviewer) Submit(job model.ReviewJob) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		go r.deadLetter(context.Background(), job, "reviewer stopped", neutralRiskScore)
		return false
	}
	select {
	case r.ch <- job:
		return true
	default:
		r.Metrics.Review("queue_full")
		go r.deadLetter(context.Background(), job, "review queue full", neutralRiskScore)
		return false
	}
}

func (r *Reviewer) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-r.ch:
			if !ok {
				return
			}
			r.Review(ctx, job)
		}
	}
}

// Review scores one job synchronously.
func (r *Reviewer) Review(ctx context.Context, job model.ReviewJob) {
	defer func() {
		if rec := recover(); rec != nil {
			r.failReview(ctx, job, fmt.Errorf("panic: %v", rec))
		}
	}()
	rctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	score, reason, err := r.score(rctx, job)
	if err != nil {
		r.failReview(ctx, job, err)
		return
	}
	status := consts.ResourcePending
	outcome := "held"
	if score < r.cfg.AutoApproveThreshold {
		status = consts.ResourceApproved
		outcome = "approved"
	}
	if err := r.ResourceDao.UpdateReview(ctx, job.ResourceID, dao.ReviewUpdate{Score: score, Reason: reason, Status: status}); err != nil {
		r.Metrics.Review("failed")
		r.deadLetter(ctx, job, "store review: "+err.Error(), score)
		return
	}
	r.Metrics.Review(outcome)
	logging.Debug(ctx, "resource reviewed", zap.String("resource", job.ResourceUUID), zap.Int("score", score), zap.String("status", string(status)))
}

func (r *Reviewer) score(ctx context.Context, job model.ReviewJob) (int, string, error) {
	if r.AI == nil {
		return 0, "", fmt.Errorf("no ai provider")
	}
	raw, err := r.AI.Complete(ctx, fmt.Sprintf(reviewPrompt, job.Title, job.Description, job.Link))
	if err != nil {
		return 0, "", err
	}
	body := ai.StripCodeFence(raw)
	res := gjson.Get(body, "score")
	if !gjson.Valid(body) || !res.Exists() {
		return 0, "", fmt.Errorf("malformed review output")
	}
	score := int(res.Int())
	if score < 0 || score > 100 {
		return 0, "", fmt.Errorf("review score %d out of range", score)
	}
	return score, truncate(gjson.Get(body, "reason").String(), 500), nil
}

// failReview leaves the resource pending with a neutral score and records a dead letter.
func (r *Reviewer) failReview(ctx context.Context, job model.ReviewJob, cause error) {
	r.Metrics.Review("failed")
	reason := truncate("review unavailable: "+cause.Error(), 500)
	if err := r.ResourceDao.UpdateReview(ctx, job.ResourceID, dao.ReviewUpdate{
		Score: neutralRiskScore, Reason: reason, Status: consts.ResourcePending,
	}); err != nil {
		logging.Warn(ctx, "store neutral review failed", zap.String("resource", job.ResourceUUID), zap.Error(err))
	}
	r.deadLetter(ctx, job, reason, neutralRiskScore)
}

func (r *Reviewer) deadLetter(ctx context.Context, job model.ReviewJob, reason string, score int) {
	logging.Warn(ctx, "review dead-lettered", zap.String("resource", job.ResourceUUID), zap.String("reason", reason))
	if r.DeadLetters == nil {
		return
	}
	if err := r.DeadLetters.Put(ctx, &model.ReviewDeadLetter{Job: job, Reason: reason, Score: score}); err != nil {
		logging.Error(ctx, "write dead letter failed", zap.String("resource", job.ResourceUUID), zap.Error(err))
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if rs := []rune(s); len(rs) > n {
		return string(rs[:n])
	}
	return s
}
