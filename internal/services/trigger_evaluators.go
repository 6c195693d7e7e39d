package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
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

// lead metadata keys used as idempotency markers
const (
	inactivityMarkerKey = "automation_inactivity"
	dateFieldMarkerKey  = "date_field_processed"
)

var dateFieldLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"02.01.2006",
}

// TriggerEvaluators find entities matching time-based and status triggers
// and enqueue a job that starts the automation's action sequence.
type TriggerEvaluators struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewTriggerEvaluators(db *gorm.DB, logger *logrus.Logger) *TriggerEvaluators {
	if logger == nil {
		logger = logrus.New()
	}
	return &TriggerEvaluators{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("leadflow.triggers"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// EvaluateAll runs the sweep evaluators (INACTIVITY, DATE_FIELD, RECURRING).
// A failing evaluator does not stop the others.
func (e *TriggerEvaluators) EvaluateAll(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, eval := range []func(context.Context) (int, error){
		e.EvaluateInactivity,
		e.EvaluateDateField,
		e.EvaluateRecurring,
	} {
		n, err := eval(ctx)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// EvaluateInactivity enqueues open leads that have not been contacted for inactiveDays.
func (e *TriggerEvaluators) EvaluateInactivity(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "triggers.inactivity")
	defer span.End()

	automations, err := e.activeAutomations(ctx, models.TriggerInactivity)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	now := e.now()
	enqueued := 0
	for i := range automations {
		a := &automations[i]
		days, ok := configInt(a.TriggerConfig, "inactiveDays")
		if !ok || days <= 0 {
			e.logger.Warnf("automation: %d inactivity trigger without inactiveDays, skipped", a.ID)
			continue
		}
		cutoff := now.AddDate(0, 0, -days)

		var leads []models.Lead
		if err := e.scopedLeads(ctx, a).
			Where("status IN ?", models.OpenLeadStatuses).
			Find(&leads).Error; err != nil {
			return enqueued, fmt.Errorf("load leads for automation %d: %w", a.ID, err)
		}

		for j := range leads {
			lead := &leads[j]
			activity := lead.LastActivity()
			if !activity.Before(cutoff) {
				continue
			}
			if marked, ok := inactivityMarker(lead, a.ID); ok && marked.After(activity) {
				continue
			}

			ok, err := e.enqueueOnce(ctx, a, lead, now, func(md map[string]interface{}) {
				section := metadataSection(md, inactivityMarkerKey)
				section[idKey(a.ID)] = now.Format(time.RFC3339)
				md[inactivityMarkerKey] = section
			})
			if err != nil {
				e.logger.Errorf("automation: %d inactivity enqueue for lead %d failed: %v", a.ID, lead.ID, err)
				continue
			}
			if ok {
				enqueued++
			}
		}
	}
	span.SetAttributes(attribute.Int("triggers.enqueued", enqueued))
	return enqueued, nil
}

// EvaluateDateField enqueues leads whose date field matches today minus offsetDays
// (month and day only), at most once per calendar year.
func (e *TriggerEvaluators) EvaluateDateField(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "triggers.date_field")
	defer span.End()

	automations, err := e.activeAutomations(ctx, models.TriggerDateField)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	now := e.now()
	year := now.Year()
	enqueued := 0
	for i := range automations {
		a := &automations[i]
		field := configString(a.TriggerConfig, "field")
		if field == "" {
			e.logger.Warnf("automation: %d date field trigger without field, skipped", a.ID)
			continue
		}
		offset, _ := configInt(a.TriggerConfig, "offsetDays")
		target := now.AddDate(0, 0, -offset)

		var leads []models.Lead
		if err := e.scopedLeads(ctx, a).Find(&leads).Error; err != nil {
			return enqueued, fmt.Errorf("load leads for automation %d: %w", a.ID, err)
		}

		for j := range leads {
			lead := &leads[j]
			date, ok := parseDateValue(lead.Data[field])
			if !ok || date.Month() != target.Month() || date.Day() != target.Day() {
				continue
			}
			if containsYear(processedYears(lead, a.ID), year) {
				continue
			}

			ok, err := e.enqueueOnce(ctx, a, lead, now, func(md map[string]interface{}) {
				section := metadataSection(md, dateFieldMarkerKey)
				years := processedYearsFrom(section[idKey(a.ID)])
				section[idKey(a.ID)] = append(years, year)
				md[dateFieldMarkerKey] = section
			})
			if err != nil {
				e.logger.Errorf("automation: %d date field enqueue for lead %d failed: %v", a.ID, lead.ID, err)
				continue
			}
			if ok {
				enqueued++
			}
		}
	}
	span.SetAttributes(attribute.Int("triggers.enqueued", enqueued))
	return enqueued, nil
}

// EvaluateRecurring keeps exactly one pending background job per RECURRING automation.
func (e *TriggerEvaluators) EvaluateRecurring(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "triggers.recurring")
	defer span.End()

	automations, err := e.activeAutomations(ctx, models.TriggerRecurring)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	now := e.now()
	enqueued := 0
	for i := range automations {
		a := &automations[i]
		pattern := models.RecurringPattern(strings.ToLower(configString(a.TriggerConfig, "pattern")))
		if _, err := nextOccurrence(now, pattern); err != nil {
			e.logger.Warnf("automation: %d %v", a.ID, err)
			continue
		}

		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var pending int64
			if err := tx.Model(&models.ScheduledJob{}).
				Where("automation_id = ? AND lead_id IS NULL AND is_recurring = ? AND starts_sequence = ? AND status = ?",
					a.ID, true, true, models.JobPending).
				Count(&pending).Error; err != nil {
				return err
			}
			if pending > 0 {
				return nil
			}

			due, err := e.recurringDueAt(tx, a, pattern, now)
			if err != nil {
				return err
			}
			job := &models.ScheduledJob{
				AutomationID:     a.ID,
				ActionIndex:      0,
				StartsSequence:   true,
				ScheduledFor:     due,
				Status:           models.JobPending,
				IsRecurring:      true,
				RecurringPattern: pattern,
				Payload:          datatypes.JSONMap{},
			}
			if err := tx.Create(job).Error; err != nil {
				return err
			}
			enqueued++
			metrics.JobsEnqueued.WithLabelValues(string(models.TriggerRecurring)).Inc()
			return nil
		})
		if err != nil {
			e.logger.Errorf("automation: %d recurring enqueue failed: %v", a.ID, err)
		}
	}
	span.SetAttributes(attribute.Int("triggers.enqueued", enqueued))
	return enqueued, nil
}

// recurringDueAt picks the first due time: startAt for a fresh automation,
// otherwise one period after the last finished recurrence. Continuation jobs
// deferred by WAIT_DELAY inside the sequence are not recurrences.
func (e *TriggerEvaluators) recurringDueAt(tx *gorm.DB, a *models.Automation, pattern models.RecurringPattern, now time.Time) (time.Time, error) {
	var last models.ScheduledJob
	err := tx.Where("automation_id = ? AND lead_id IS NULL AND is_recurring = ? AND starts_sequence = ?", a.ID, true, true).
		Order("id DESC").
		Take(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if raw := configString(a.TriggerConfig, "startAt"); raw != "" {
			start, perr := time.Parse(time.RFC3339, raw)
			if perr != nil {
				e.logger.Warnf("automation: %d invalid startAt %q: %v", a.ID, raw, perr)
			} else if start.After(now) {
				return start.UTC(), nil
			}
		}
		return now, nil
	case err != nil:
		return time.Time{}, err
	}

	from := now
	if last.ExecutedAt != nil {
		from = last.ExecutedAt.UTC()
	}
	next, err := nextOccurrence(from, pattern)
	if err != nil {
		return time.Time{}, err
	}
	if next.Before(now) {
		return now, nil
	}
	return next, nil
}

// EvaluateStatusChange enqueues SUBMISSION_STATUS automations matching a lead's
// transition from previous to its current status.
func (e *TriggerEvaluators) EvaluateStatusChange(ctx context.Context, lead *models.Lead, previous models.LeadStatus) (int, error) {
	ctx, span := e.tracer.Start(ctx, "triggers.submission_status")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("triggers.lead_id", int64(lead.ID)),
		attribute.String("triggers.lead_status", string(lead.Status)),
	)

	automations, err := e.activeAutomations(ctx, models.TriggerSubmissionStatus)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	now := e.now()
	enqueued := 0
	for i := range automations {
		a := &automations[i]
		if !inScope(a, lead) {
			continue
		}
		to := models.LeadStatus(strings.ToUpper(configString(a.TriggerConfig, "toStatus")))
		if to != "" && to != lead.Status {
			continue
		}
		from := models.LeadStatus(strings.ToUpper(configString(a.TriggerConfig, "fromStatus")))
		if from != "" && from != previous {
			continue
		}

		ok, err := e.enqueueOnce(ctx, a, lead, now, nil)
		if err != nil {
			e.logger.Errorf("automation: %d status enqueue for lead %d failed: %v", a.ID, lead.ID, err)
			continue
		}
		if ok {
			enqueued++
		}
	}
	return enqueued, nil
}

// enqueueOnce 在事务内检查是否已有 PENDING 任务，创建任务并更新线索 metadata 标记
func (e *TriggerEvaluators) enqueueOnce(ctx context.Context, a *models.Automation, lead *models.Lead, now time.Time, mark func(map[string]interface{})) (bool, error) {
	created := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending int64
		if err := tx.Model(&models.ScheduledJob{}).
			Where("automation_id = ? AND lead_id = ? AND status = ?", a.ID, lead.ID, models.JobPending).
			Count(&pending).Error; err != nil {
			return err
		}
		if pending > 0 {
			return nil
		}

		leadID := lead.ID
		job := &models.ScheduledJob{
			AutomationID:   a.ID,
			LeadID:         &leadID,
			ActionIndex:    0,
			StartsSequence: true,
			ScheduledFor:   now,
			Status:         models.JobPending,
			Payload:        datatypes.JSONMap(mergeData(lead.Data)),
		}
		if err := tx.Create(job).Error; err != nil {
			return err
		}

		if mark != nil {
			md := mergeData(lead.Metadata)
			mark(md)
			if err := tx.Model(&models.Lead{}).
				Where("id = ?", lead.ID).
				Update("metadata", datatypes.JSONMap(md)).Error; err != nil {
				return err
			}
			lead.Metadata = md
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if created {
		metrics.JobsEnqueued.WithLabelValues(string(a.TriggerType)).Inc()
		e.logger.WithFields(logrus.Fields{
			"automation_id": a.ID,
			"lead_id":       lead.ID,
			"trigger":       a.TriggerType,
		}).Info("automation: job enqueued")
	}
	return created, nil
}

func (e *TriggerEvaluators) activeAutomations(ctx context.Context, trigger models.TriggerType) ([]models.Automation, error) {
	var automations []models.Automation
	if err := e.db.WithContext(ctx).
		Where("trigger_type = ? AND status = ?", trigger, models.AutomationActive).
		Order("id ASC").
		Find(&automations).Error; err != nil {
		return nil, fmt.Errorf("load %s automations: %w", trigger, err)
	}
	return automations, nil
}

func (e *TriggerEvaluators) scopedLeads(ctx context.Context, a *models.Automation) *gorm.DB {
	q := e.db.WithContext(ctx).Model(&models.Lead{}).Where("organization_id = ?", a.OrganizationID)
	if a.FormID != nil {
		q = q.Where("form_id = ?", *a.FormID)
	}
	return q
}

func inScope(a *models.Automation, lead *models.Lead) bool {
	if a.OrganizationID != lead.OrganizationID {
		return false
	}
	if a.FormID == nil {
		return true
	}
	return lead.FormID != nil && *lead.FormID == *a.FormID
}

func idKey(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// metadataSection returns a copy of the nested map stored under key.
func metadataSection(md map[string]interface{}, key string) map[string]interface{} {
	out := map[string]interface{}{}
	if existing, ok := md[key].(map[string]interface{}); ok {
		for k, v := range existing {
			out[k] = v
		}
	}
	return out
}

func inactivityMarker(lead *models.Lead, automationID uint) (time.Time, bool) {
	section, ok := lead.Metadata[inactivityMarkerKey].(map[string]interface{})
	if !ok {
		return time.Time{}, false
	}
	raw, ok := section[idKey(automationID)].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func processedYears(lead *models.Lead, automationID uint) []int {
	section, ok := lead.Metadata[dateFieldMarkerKey].(map[string]interface{})
	if !ok {
		return nil
	}
	return processedYearsFrom(section[idKey(automationID)])
}

// processedYearsFrom reads a year list; values come back as float64 after a JSON round trip.
func processedYearsFrom(v interface{}) []int {
	var years []int
	switch list := v.(type) {
	case []interface{}:
		for _, y := range list {
			switch n := y.(type) {
			case float64:
				years = append(years, int(n))
			case int:
				years = append(years, n)
			}
		}
	case []int:
		years = append(years, list...)
	}
	return years
}

func containsYear(years []int, year int) bool {
	for _, y := range years {
		if y == year {
			return true
		}
	}
	return false
}

func parseDateValue(v interface{}) (time.Time, bool) {
	if t, ok := v.(time.Time); ok {
		return t, true
	}
	raw := strings.TrimSpace(stringify(v))
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateFieldLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
