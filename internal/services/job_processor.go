package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"leadflow/internal/config"
	"leadflow/internal/metrics"
	"leadflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultBatchSize = 100

// PausedJobPolicy decides what happens to due jobs of a paused automation.
type PausedJobPolicy string

const (
	PausedExecute PausedJobPolicy = "execute"
	PausedSkip    PausedJobPolicy = "skip"
)

// ProcessResult 一次批处理的统计
type ProcessResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Enqueued  int `json:"enqueued"`
}

type jobOutcome int

const (
	outcomeSucceeded jobOutcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeNotClaimed
)

// JobProcessor executes due scheduled jobs and then runs the sweep evaluators.
type JobProcessor struct {
	db         *gorm.DB
	runner     *AutomationRunner
	evaluators *TriggerEvaluators
	logger     *logrus.Logger
	tracer     trace.Tracer
	now        func() time.Time

	batchSize    int
	pausedPolicy PausedJobPolicy
}

func NewJobProcessor(db *gorm.DB, runner *AutomationRunner, evaluators *TriggerEvaluators, cfg config.AutomationConfig, logger *logrus.Logger) *JobProcessor {
	if logger == nil {
		logger = logrus.New()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	policy := PausedJobPolicy(strings.ToLower(cfg.PausedJobPolicy))
	if policy != PausedSkip {
		policy = PausedExecute
	}
	return &JobProcessor{
		db:           db,
		runner:       runner,
		evaluators:   evaluators,
		logger:       logger,
		tracer:       otel.Tracer("leadflow.jobs"),
		now:          func() time.Time { return time.Now().UTC() },
		batchSize:    batch,
		pausedPolicy: policy,
	}
}

// ProcessDueJobs runs one tick. It is a no-op when nothing is due.
func (p *JobProcessor) ProcessDueJobs(ctx context.Context) (*ProcessResult, error) {
	started := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(started).Seconds()) }()

	ctx, span := p.tracer.Start(ctx, "jobs.process_due")
	defer span.End()

	now := p.now()
	var jobs []models.ScheduledJob
	if err := p.db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ?", models.JobPending, now).
		Order("scheduled_for ASC, id ASC").
		Limit(p.batchSize).
		Find(&jobs).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load due jobs: %w", err)
	}

	result := &ProcessResult{}
	for i := range jobs {
		switch p.processJob(ctx, &jobs[i], now, result) {
		case outcomeSucceeded:
			result.Processed++
			result.Succeeded++
			metrics.JobsProcessed.WithLabelValues("completed").Inc()
		case outcomeFailed:
			result.Processed++
			result.Failed++
			metrics.JobsProcessed.WithLabelValues("failed").Inc()
		case outcomeSkipped:
			result.Processed++
			result.Skipped++
			metrics.JobsProcessed.WithLabelValues("skipped").Inc()
		}
	}

	if p.evaluators != nil {
		n, err := p.evaluators.EvaluateAll(ctx)
		result.Enqueued += n
		if err != nil {
			span.RecordError(err)
			p.logger.Warnf("automation: trigger evaluation: %v", err)
		}
	}

	span.SetAttributes(
		attribute.Int("jobs.processed", result.Processed),
		attribute.Int("jobs.succeeded", result.Succeeded),
		attribute.Int("jobs.failed", result.Failed),
		attribute.Int("jobs.skipped", result.Skipped),
		attribute.Int("jobs.enqueued", result.Enqueued),
	)
	if result.Processed > 0 || result.Enqueued > 0 {
		p.logger.WithFields(logrus.Fields{
			"processed": result.Processed,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
			"skipped":   result.Skipped,
			"enqueued":  result.Enqueued,
		}).Info("automation: tick finished")
	}
	return result, nil
}

func (p *JobProcessor) processJob(ctx context.Context, job *models.ScheduledJob, now time.Time, result *ProcessResult) jobOutcome {
	ctx, span := p.tracer.Start(ctx, "jobs.process")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("job.id", int64(job.ID)),
		attribute.Int64("job.automation_id", int64(job.AutomationID)),
		attribute.Int("job.action_index", job.ActionIndex),
	)

	claimed, err := p.claim(ctx, job, now)
	if err != nil {
		p.logger.Errorf("automation: claim job %d failed: %v", job.ID, err)
		return outcomeNotClaimed
	}
	if !claimed {
		return outcomeNotClaimed
	}

	var automation models.Automation
	if err := p.db.WithContext(ctx).
		Preload("Actions", func(db *gorm.DB) *gorm.DB { return db.Order("order_index ASC") }).
		First(&automation, job.AutomationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = fmt.Errorf("%w: %d", ErrAutomationNotFound, job.AutomationID)
		}
		p.finish(ctx, job, now, err)
		return outcomeFailed
	}

	if automation.Status == models.AutomationPaused && p.pausedPolicy == PausedSkip {
		p.finish(ctx, job, now, ErrAutomationPaused)
		return outcomeSkipped
	}

	data, err := p.jobData(ctx, job)
	if err != nil {
		p.finish(ctx, job, now, err)
		return outcomeFailed
	}

	if job.StartsSequence {
		var run *RunResult
		run, err = p.runner.run(ctx, &automation, TriggerEvent{LeadID: job.LeadID, Data: data}, &job.ID)
		if err == nil {
			err = run.Err()
		}
	} else {
		err = p.executeAction(ctx, &automation, job, data)
	}

	if err != nil {
		span.RecordError(err)
		p.finish(ctx, job, now, err)
		return outcomeFailed
	}
	p.finish(ctx, job, now, nil)

	if job.IsRecurring {
		if p.reschedule(ctx, job, now) {
			result.Enqueued++
		}
	}
	return outcomeSucceeded
}

// claim 原子地将任务从 PENDING 切换到 PROCESSING
func (p *JobProcessor) claim(ctx context.Context, job *models.ScheduledJob, now time.Time) (bool, error) {
	res := p.db.WithContext(ctx).Model(&models.ScheduledJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobPending).
		Updates(map[string]interface{}{"status": models.JobProcessing, "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	job.Status = models.JobProcessing
	return true, nil
}

// jobData merges current lead data, the job payload and the lead's current status.
func (p *JobProcessor) jobData(ctx context.Context, job *models.ScheduledJob) (map[string]interface{}, error) {
	if job.LeadID == nil {
		return mergeData(job.Payload), nil
	}
	var lead models.Lead
	if err := p.db.WithContext(ctx).First(&lead, *job.LeadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrLeadNotFound, *job.LeadID)
		}
		return nil, fmt.Errorf("load lead: %w", err)
	}
	return mergeData(lead.Data, job.Payload, map[string]interface{}{"status": string(lead.Status)}), nil
}

func (p *JobProcessor) executeAction(ctx context.Context, automation *models.Automation, job *models.ScheduledJob, data map[string]interface{}) error {
	if job.ActionIndex < 0 || job.ActionIndex >= len(automation.Actions) {
		return fmt.Errorf("%w: %d of %d", ErrActionIndexOutOfRange, job.ActionIndex, len(automation.Actions))
	}
	action := &automation.Actions[job.ActionIndex]
	return p.runner.executor.Execute(ctx, action, &ActionContext{
		AutomationID: automation.ID,
		LeadID:       job.LeadID,
		Index:        job.ActionIndex,
		Data:         data,
	})
}

// finishAttempts bounds retries of the terminal-state write.
const finishAttempts = 2

// finish 写入终态与审计日志，失败时重试一次
func (p *JobProcessor) finish(ctx context.Context, job *models.ScheduledJob, now time.Time, jobErr error) {
	updates := map[string]interface{}{
		"status":        models.JobCompleted,
		"executed_at":   now,
		"error_message": "",
		"updated_at":    now,
	}
	entry := &models.AutomationLog{
		AutomationID: job.AutomationID,
		LeadID:       job.LeadID,
		JobID:        &job.ID,
		Event:        "JOB",
		Status:       "SUCCESS",
		Message:      fmt.Sprintf("job %d completed", job.ID),
		Details:      datatypes.JSONMap{"action_index": job.ActionIndex},
		CreatedAt:    now,
	}
	if jobErr != nil {
		updates["status"] = models.JobFailed
		updates["error_message"] = jobErr.Error()
		entry.Event = "ERROR"
		entry.Status = "FAILED"
		entry.Message = fmt.Sprintf("job %d failed: %v", job.ID, jobErr)
		p.logger.WithFields(logrus.Fields{
			"job_id":        job.ID,
			"automation_id": job.AutomationID,
		}).Warnf("automation: job failed: %v", jobErr)
	}

	var err error
	for attempt := 1; attempt <= finishAttempts; attempt++ {
		err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&models.ScheduledJob{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
				return err
			}
			row := *entry
			return tx.Create(&row).Error
		})
		if err == nil {
			break
		}
		p.logger.Warnf("automation: finish job %d attempt %d failed: %v", job.ID, attempt, err)
	}
	if err != nil {
		// 仍为 PROCESSING，需人工处理
		p.logger.Errorf("automation: job %d left in PROCESSING: %v", job.ID, err)
		return
	}
	job.Status = updates["status"].(models.JobStatus)
	job.ExecutedAt = &now
	job.ErrorMessage = updates["error_message"].(string)
}

// reschedule inserts the next occurrence of a completed recurring job.
func (p *JobProcessor) reschedule(ctx context.Context, job *models.ScheduledJob, now time.Time) bool {
	next, err := nextOccurrence(now, job.RecurringPattern)
	if err != nil {
		p.logger.Warnf("automation: job %d not rescheduled: %v", job.ID, err)
		return false
	}
	nextJob := &models.ScheduledJob{
		AutomationID:     job.AutomationID,
		LeadID:           job.LeadID,
		ActionIndex:      job.ActionIndex,
		StartsSequence:   job.StartsSequence,
		ScheduledFor:     next,
		Status:           models.JobPending,
		IsRecurring:      true,
		RecurringPattern: job.RecurringPattern,
		Payload:          job.Payload,
	}
	if err := p.db.WithContext(ctx).Create(nextJob).Error; err != nil {
		p.logger.Errorf("automation: reschedule job %d failed: %v", job.ID, err)
		return false
	}
	metrics.JobsEnqueued.WithLabelValues("recurrence").Inc()
	return true
}

// nextOccurrence computes the next run from `from`, never from the old schedule.
func nextOccurrence(from time.Time, pattern models.RecurringPattern) (time.Time, error) {
	switch pattern {
	case models.RecurringDaily:
		return from.AddDate(0, 0, 1), nil
	case models.RecurringWeekly:
		return from.AddDate(0, 0, 7), nil
	case models.RecurringMonthly:
		return from.AddDate(0, 1, 0), nil
	case models.RecurringYearly:
		return from.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidRecurringPattern, pattern)
	}
}

// RequeueJob creates a fresh PENDING copy of a failed job, due now.
func (p *JobProcessor) RequeueJob(ctx context.Context, id uint) (*models.ScheduledJob, error) {
	var job models.ScheduledJob
	if err := p.db.WithContext(ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
		}
		return nil, err
	}
	if job.Status != models.JobFailed {
		return nil, fmt.Errorf("%w: job %d is %s", ErrJobNotFailed, id, job.Status)
	}

	copyJob := &models.ScheduledJob{
		AutomationID:     job.AutomationID,
		LeadID:           job.LeadID,
		ActionIndex:      job.ActionIndex,
		StartsSequence:   job.StartsSequence,
		ScheduledFor:     p.now(),
		Status:           models.JobPending,
		IsRecurring:      job.IsRecurring,
		RecurringPattern: job.RecurringPattern,
		Payload:          job.Payload,
	}
	if err := p.db.WithContext(ctx).Create(copyJob).Error; err != nil {
		return nil, err
	}
	metrics.JobsEnqueued.WithLabelValues("requeue").Inc()
	p.logger.Infof("automation: job %d requeued as %d", job.ID, copyJob.ID)
	return copyJob, nil
}

// JobListRequest 任务列表查询
type JobListRequest struct {
	Status       models.JobStatus `form:"status"`
	AutomationID uint             `form:"automation_id"`
	LeadID       uint             `form:"lead_id"`
	Page         int              `form:"page"`
	PageSize     int              `form:"page_size"`
}

// ListJobs 分页查询计划任务
func (p *JobProcessor) ListJobs(ctx context.Context, req *JobListRequest) ([]models.ScheduledJob, int64, error) {
	page, size := normalizePage(req.Page, req.PageSize)
	q := p.db.WithContext(ctx).Model(&models.ScheduledJob{})
	if req.Status != "" {
		q = q.Where("status = ?", req.Status)
	}
	if req.AutomationID != 0 {
		q = q.Where("automation_id = ?", req.AutomationID)
	}
	if req.LeadID != 0 {
		q = q.Where("lead_id = ?", req.LeadID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var jobs []models.ScheduledJob
	if err := q.Order("scheduled_for DESC, id DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&jobs).Error; err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func normalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	return page, size
}
