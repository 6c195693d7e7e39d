package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"leadflow/internal/metrics"
	"leadflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TriggerEvent is the business event an automation reacts to.
type TriggerEvent struct {
	LeadID *uint
	Data   map[string]interface{}
}

// RunResult 一次触发的执行统计
type RunResult struct {
	Executed  int `json:"executed"`
	Scheduled int `json:"scheduled"`
	Failed    int `json:"failed"`

	errs []error
}

// Err joins the action failures of the run, nil when every action succeeded.
func (r *RunResult) Err() error {
	return errors.Join(r.errs...)
}

// AutomationRunner walks an automation's actions, running them now or deferring them as jobs.
type AutomationRunner struct {
	db       *gorm.DB
	executor *ActionExecutor
	logger   *logrus.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewAutomationRunner(db *gorm.DB, executor *ActionExecutor, logger *logrus.Logger) *AutomationRunner {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationRunner{
		db:       db,
		executor: executor,
		logger:   logger,
		tracer:   otel.Tracer("leadflow.automation"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunImmediateTrigger runs automation for one triggering event.
// Action failures are reported in the result; the returned error is
// reserved for storage failures.
func (r *AutomationRunner) RunImmediateTrigger(ctx context.Context, automation *models.Automation, evt TriggerEvent) (*RunResult, error) {
	return r.run(ctx, automation, evt, nil)
}

func (r *AutomationRunner) run(ctx context.Context, automation *models.Automation, evt TriggerEvent, jobID *uint) (*RunResult, error) {
	ctx, span := r.tracer.Start(ctx, "automation.run")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("automation.id", int64(automation.ID)),
		attribute.String("automation.trigger_type", string(automation.TriggerType)),
	)
	if evt.LeadID != nil {
		span.SetAttributes(attribute.Int64("automation.lead_id", int64(*evt.LeadID)))
	}

	actions, err := r.loadActions(ctx, automation)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := r.now()
	data := mergeData(evt.Data)
	result := &RunResult{}
	delay := 0 // 累计等待（分钟）

	for i := range actions {
		action := &actions[i]
		if action.Type == models.ActionWaitDelay {
			delay += r.waitMinutes(action.Config)
			continue
		}

		if delay == 0 {
			actx := &ActionContext{AutomationID: automation.ID, LeadID: evt.LeadID, Index: i, Data: data}
			if err := r.executor.Execute(ctx, action, actx); err != nil {
				r.logger.WithFields(logrus.Fields{
					"automation_id": automation.ID,
					"action_index":  i,
				}).Warnf("automation: %v", err)
				result.Failed++
				result.errs = append(result.errs, err)
				continue
			}
			result.Executed++
			continue
		}

		job := &models.ScheduledJob{
			AutomationID: automation.ID,
			LeadID:       evt.LeadID,
			ActionIndex:  i,
			ScheduledFor: now.Add(time.Duration(delay) * time.Minute),
			Status:       models.JobPending,
			Payload:      datatypes.JSONMap(mergeData(data)),
		}
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			err = fmt.Errorf("schedule action %d: %w", i, err)
			r.logger.Errorf("automation: %d %v", automation.ID, err)
			result.Failed++
			result.errs = append(result.errs, err)
			continue
		}
		metrics.JobsEnqueued.WithLabelValues("runner").Inc()
		result.Scheduled++
	}

	span.SetAttributes(
		attribute.Int("automation.actions.executed", result.Executed),
		attribute.Int("automation.actions.scheduled", result.Scheduled),
		attribute.Int("automation.actions.failed", result.Failed),
	)

	if err := r.recordRun(ctx, automation, evt.LeadID, jobID, result, now); err != nil {
		span.RecordError(err)
		return result, err
	}
	return result, nil
}

// loadActions returns the automation's actions ordered by their index.
func (r *AutomationRunner) loadActions(ctx context.Context, automation *models.Automation) ([]models.AutomationAction, error) {
	if automation.Actions == nil {
		var actions []models.AutomationAction
		if err := r.db.WithContext(ctx).
			Where("automation_id = ?", automation.ID).
			Order("order_index ASC").
			Find(&actions).Error; err != nil {
			return nil, fmt.Errorf("load actions: %w", err)
		}
		automation.Actions = actions
	}
	actions := make([]models.AutomationAction, len(automation.Actions))
	copy(actions, automation.Actions)
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Order < actions[j].Order })
	return actions, nil
}

// waitMinutes converts a WAIT_DELAY config (amount + unit) into whole minutes.
// Fractional amounts are rounded to the nearest minute.
func (r *AutomationRunner) waitMinutes(cfg map[string]interface{}) int {
	amount, ok, present := configFloat(cfg, "amount")
	if !ok {
		if present {
			r.logger.Warnf("automation: invalid wait amount %v, no delay applied", cfg["amount"])
		}
		return 0
	}
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0
	}
	var unitMinutes float64
	switch unit := strings.ToLower(configString(cfg, "unit")); unit {
	case "", "minute", "minutes":
		unitMinutes = 1
	case "hour", "hours":
		unitMinutes = 60
	case "day", "days":
		unitMinutes = 60 * 24
	case "week", "weeks":
		unitMinutes = 60 * 24 * 7
	default:
		r.logger.Warnf("automation: unknown wait unit %q, treating as minutes", unit)
		unitMinutes = 1
	}
	return int(math.Round(amount * unitMinutes))
}

// recordRun 更新运行计数并写入审计日志（同一事务）
func (r *AutomationRunner) recordRun(ctx context.Context, automation *models.Automation, leadID, jobID *uint, result *RunResult, now time.Time) error {
	status := "SUCCESS"
	switch {
	case result.Failed > 0 && result.Executed+result.Scheduled > 0:
		status = "PARTIAL"
	case result.Failed > 0:
		status = "FAILED"
	}
	details := datatypes.JSONMap{
		"executed":  result.Executed,
		"scheduled": result.Scheduled,
		"failed":    result.Failed,
	}
	if len(result.errs) > 0 {
		msgs := make([]string, 0, len(result.errs))
		for _, err := range result.errs {
			msgs = append(msgs, err.Error())
		}
		details["errors"] = msgs
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Automation{}).
			Where("id = ?", automation.ID).
			Updates(map[string]interface{}{
				"run_count":   gorm.Expr("run_count + ?", 1),
				"last_run_at": now,
			}).Error; err != nil {
			return err
		}
		return tx.Create(&models.AutomationLog{
			AutomationID: automation.ID,
			LeadID:       leadID,
			JobID:        jobID,
			Event:        "RUN",
			Status:       status,
			Message:      fmt.Sprintf("automation %q ran", automation.Name),
			Details:      details,
			CreatedAt:    now,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("record automation run: %w", err)
	}
	automation.RunCount++
	automation.LastRunAt = &now
	return nil
}
