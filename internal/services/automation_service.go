package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"leadflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AutomationService is the event-facing entry point: it receives lead
// submissions and status changes and exposes automation queries.
type AutomationService struct {
	db         *gorm.DB
	runner     *AutomationRunner
	evaluators *TriggerEvaluators
	logger     *logrus.Logger
	now        func() time.Time
}

func NewAutomationService(db *gorm.DB, runner *AutomationRunner, evaluators *TriggerEvaluators, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		db:         db,
		runner:     runner,
		evaluators: evaluators,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// LeadCreateRequest 新线索（表单提交）
type LeadCreateRequest struct {
	OrganizationID uint                   `json:"organization_id" binding:"required"`
	FormID         *uint                  `json:"form_id"`
	Data           map[string]interface{} `json:"data" binding:"required"`
}

// CreateLead stores a submission and fires matching FORM_SUBMISSION / FIELD_VALUE automations.
func (s *AutomationService) CreateLead(ctx context.Context, req *LeadCreateRequest) (*models.Lead, int, error) {
	if req == nil {
		return nil, 0, fmt.Errorf("request required")
	}
	lead := &models.Lead{
		OrganizationID: req.OrganizationID,
		FormID:         req.FormID,
		Status:         models.LeadNew,
		Data:           datatypes.JSONMap(req.Data),
		Metadata:       datatypes.JSONMap{},
	}
	if err := s.db.WithContext(ctx).Create(lead).Error; err != nil {
		return nil, 0, err
	}
	triggered, err := s.HandleSubmission(ctx, lead)
	return lead, triggered, err
}

// HandleSubmission runs every ACTIVE instantaneous automation matching lead.
// Action failures are logged by the runner and never fail the submission.
func (s *AutomationService) HandleSubmission(ctx context.Context, lead *models.Lead) (int, error) {
	var automations []models.Automation
	if err := s.db.WithContext(ctx).
		Preload("Actions", func(db *gorm.DB) *gorm.DB { return db.Order("order_index ASC") }).
		Where("status = ? AND organization_id = ? AND trigger_type IN ?",
			models.AutomationActive, lead.OrganizationID,
			[]models.TriggerType{models.TriggerFormSubmission, models.TriggerFieldValue}).
		Order("id ASC").
		Find(&automations).Error; err != nil {
		return 0, fmt.Errorf("load automations: %w", err)
	}

	data := mergeData(lead.Data, map[string]interface{}{"status": string(lead.Status)})
	triggered := 0
	for i := range automations {
		a := &automations[i]
		if !inScope(a, lead) {
			continue
		}
		if a.TriggerType == models.TriggerFieldValue && !matchFieldValue(a.TriggerConfig, data) {
			continue
		}
		leadID := lead.ID
		if _, err := s.runner.RunImmediateTrigger(ctx, a, TriggerEvent{LeadID: &leadID, Data: data}); err != nil {
			s.logger.Warnf("automation: %d run for lead %d failed: %v", a.ID, lead.ID, err)
			continue
		}
		triggered++
	}
	return triggered, nil
}

// matchFieldValue evaluates a FIELD_VALUE trigger config against submission data.
func matchFieldValue(cfg map[string]interface{}, data map[string]interface{}) bool {
	field := configString(cfg, "field")
	if field == "" {
		return false
	}
	raw, present := data[field]
	actual := strings.TrimSpace(stringify(raw))
	expected := configString(cfg, "value")

	switch strings.ToLower(configString(cfg, "operator")) {
	case "", "equals":
		return present && strings.EqualFold(actual, expected)
	case "not_equals":
		return !strings.EqualFold(actual, expected)
	case "contains":
		return present && strings.Contains(strings.ToLower(actual), strings.ToLower(expected))
	case "exists":
		return present && actual != ""
	default:
		return false
	}
}

// UpdateLeadStatus changes a lead's status and enqueues matching SUBMISSION_STATUS automations.
func (s *AutomationService) UpdateLeadStatus(ctx context.Context, id uint, status models.LeadStatus) (*models.Lead, int, error) {
	status = models.LeadStatus(strings.ToUpper(string(status)))
	if !status.IsValid() {
		return nil, 0, fmt.Errorf("%w: %q", ErrInvalidLeadStatus, status)
	}

	var lead models.Lead
	if err := s.db.WithContext(ctx).First(&lead, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, fmt.Errorf("%w: %d", ErrLeadNotFound, id)
		}
		return nil, 0, err
	}
	previous := lead.Status
	if previous == status {
		return &lead, 0, nil
	}

	updates := map[string]interface{}{"status": status, "updated_at": s.now()}
	if status == models.LeadContacted {
		updates["last_contacted_at"] = s.now()
	}
	if err := s.db.WithContext(ctx).Model(&lead).Updates(updates).Error; err != nil {
		return nil, 0, err
	}
	lead.Status = status

	enqueued, err := s.evaluators.EvaluateStatusChange(ctx, &lead, previous)
	if err != nil {
		s.logger.Warnf("automation: status change evaluation for lead %d failed: %v", lead.ID, err)
	}
	return &lead, enqueued, nil
}

// AutomationListRequest 自动化列表查询
type AutomationListRequest struct {
	Status      models.AutomationStatus `form:"status"`
	TriggerType models.TriggerType      `form:"trigger_type"`
}

// ListAutomations 返回自动化及其动作
func (s *AutomationService) ListAutomations(ctx context.Context, req *AutomationListRequest) ([]models.Automation, error) {
	q := s.db.WithContext(ctx).
		Preload("Actions", func(db *gorm.DB) *gorm.DB { return db.Order("order_index ASC") })
	if req != nil && req.Status != "" {
		q = q.Where("status = ?", req.Status)
	}
	if req != nil && req.TriggerType != "" {
		q = q.Where("trigger_type = ?", req.TriggerType)
	}
	var automations []models.Automation
	if err := q.Order("id DESC").Find(&automations).Error; err != nil {
		return nil, err
	}
	return automations, nil
}

// RunAutomation triggers an automation manually, optionally for one lead.
// Request data overrides the lead's stored data.
func (s *AutomationService) RunAutomation(ctx context.Context, id uint, leadID *uint, data map[string]interface{}) (*RunResult, error) {
	var automation models.Automation
	if err := s.db.WithContext(ctx).
		Preload("Actions", func(db *gorm.DB) *gorm.DB { return db.Order("order_index ASC") }).
		First(&automation, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrAutomationNotFound, id)
		}
		return nil, err
	}

	evtData := mergeData(data)
	if leadID != nil {
		var lead models.Lead
		if err := s.db.WithContext(ctx).First(&lead, *leadID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: %d", ErrLeadNotFound, *leadID)
			}
			return nil, err
		}
		evtData = mergeData(lead.Data, map[string]interface{}{"status": string(lead.Status)}, data)
	}
	return s.runner.RunImmediateTrigger(ctx, &automation, TriggerEvent{LeadID: leadID, Data: evtData})
}

// LogListRequest 审计日志查询
type LogListRequest struct {
	AutomationID uint `form:"automation_id"`
	Page         int  `form:"page"`
	PageSize     int  `form:"page_size"`
}

// ListLogs 分页查询审计日志
func (s *AutomationService) ListLogs(ctx context.Context, req *LogListRequest) ([]models.AutomationLog, int64, error) {
	page, size := normalizePage(req.Page, req.PageSize)
	q := s.db.WithContext(ctx).Model(&models.AutomationLog{})
	if req.AutomationID != 0 {
		q = q.Where("automation_id = ?", req.AutomationID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var logs []models.AutomationLog
	if err := q.Order("id DESC").Offset((page - 1) * size).Limit(size).Find(&logs).Error; err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}
