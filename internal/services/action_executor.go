package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"leadflow/internal/metrics"
	"leadflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ActionContext carries everything one action needs to run.
type ActionContext struct {
	AutomationID uint
	LeadID       *uint
	Index        int
	// Data is the merged event/job data used for interpolation.
	Data map[string]interface{}
}

// actionHandler 每种动作类型的执行实现
type actionHandler interface {
	Execute(ctx context.Context, action *models.AutomationAction, actx *ActionContext) error
}

// ActionExecutor dispatches one action to the handler for its type.
type ActionExecutor struct {
	db       *gorm.DB
	sender   EmailSender
	logger   *logrus.Logger
	now      func() time.Time
	handlers map[models.ActionType]actionHandler
}

func NewActionExecutor(db *gorm.DB, sender EmailSender, logger *logrus.Logger) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	e := &ActionExecutor{
		db:     db,
		sender: sender,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	e.handlers = map[models.ActionType]actionHandler{
		models.ActionSendEmail:              sendEmailAction{e},
		models.ActionWaitDelay:              waitDelayAction{},
		models.ActionUpdateSubmissionStatus: updateStatusAction{e},
		models.ActionSendNotification:       sendNotificationAction{e},
		models.ActionCondition:              conditionAction{},
	}
	return e
}

// Execute runs action; the returned error is an *ActionError.
// Unknown action types are skipped with a warning.
func (e *ActionExecutor) Execute(ctx context.Context, action *models.AutomationAction, actx *ActionContext) error {
	h, ok := e.handlers[action.Type]
	if !ok {
		e.logger.WithFields(logrus.Fields{
			"automation_id": actx.AutomationID,
			"action_index":  actx.Index,
			"action_type":   action.Type,
		}).Warnf("automation: %v, skipping", ErrUnknownActionType)
		return nil
	}
	err := h.Execute(ctx, action, actx)
	metrics.ObserveAction(string(action.Type), err)
	return actionFailed(action, actx.Index, err)
}

type sendEmailAction struct{ e *ActionExecutor }

func (a sendEmailAction) Execute(ctx context.Context, action *models.AutomationAction, actx *ActionContext) error {
	to := resolveRecipient(action.Config, actx.Data)
	if to == "" {
		return ErrMissingRecipient
	}

	subject, body, err := a.e.resolveContent(ctx, action)
	if err != nil {
		return err
	}

	msg := &EmailMessage{
		To:      to,
		Subject: Interpolate(subject, actx.Data),
		HTML:    Interpolate(body, actx.Data),
		From:    configString(action.Config, "from"),
		ReplyTo: configString(action.Config, "replyTo"),
	}
	return a.e.deliver(ctx, msg, actx, action.EmailTemplateID)
}

// resolveRecipient 固定地址优先，其次从提交数据中读取
func resolveRecipient(cfg map[string]interface{}, data map[string]interface{}) string {
	if fixed := configString(cfg, "recipientEmail"); fixed != "" {
		return fixed
	}
	if configString(cfg, "recipientType") != "submitter" {
		return ""
	}
	field := configString(cfg, "recipientField")
	if field == "" {
		field = "email"
	}
	return strings.TrimSpace(stringify(data[field]))
}

func (e *ActionExecutor) resolveContent(ctx context.Context, action *models.AutomationAction) (string, string, error) {
	if action.EmailTemplateID != nil {
		var tmpl models.EmailTemplate
		err := e.db.WithContext(ctx).First(&tmpl, *action.EmailTemplateID).Error
		switch {
		case err == nil:
			return tmpl.Subject, tmpl.Body, nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			e.logger.Warnf("automation: email template %d not found, falling back to inline content", *action.EmailTemplateID)
		default:
			return "", "", fmt.Errorf("load email template: %w", err)
		}
	}
	subject := configString(action.Config, "subject")
	body := configString(action.Config, "body")
	if subject == "" && body == "" {
		return "", "", ErrNoEmailContent
	}
	return subject, body, nil
}

// deliver 发送邮件并写入 EmailLog（无论成功与否）
func (e *ActionExecutor) deliver(ctx context.Context, msg *EmailMessage, actx *ActionContext, templateID *uint) error {
	messageID, sendErr := e.sender.Send(ctx, msg)

	entry := &models.EmailLog{
		LeadID:     actx.LeadID,
		TemplateID: templateID,
		ToEmail:    msg.To,
		Subject:    msg.Subject,
		Status:     models.EmailSent,
		MessageID:  messageID,
		SentAt:     e.now(),
	}
	if actx.AutomationID != 0 {
		id := actx.AutomationID
		entry.AutomationID = &id
	}
	if sendErr != nil {
		entry.Status = models.EmailFailed
		entry.ErrorMessage = sendErr.Error()
	}
	metrics.EmailsSent.WithLabelValues(string(entry.Status)).Inc()

	if err := e.db.WithContext(ctx).Create(entry).Error; err != nil {
		e.logger.Warnf("automation: record email log failed: %v", err)
	}
	if sendErr != nil {
		return fmt.Errorf("send email to %s: %w", msg.To, sendErr)
	}
	return nil
}

// waitDelayAction is absorbed by the runner's scheduling and never runs as a step.
type waitDelayAction struct{}

func (waitDelayAction) Execute(context.Context, *models.AutomationAction, *ActionContext) error {
	return nil
}

type updateStatusAction struct{ e *ActionExecutor }

func (a updateStatusAction) Execute(ctx context.Context, action *models.AutomationAction, actx *ActionContext) error {
	if actx.LeadID == nil {
		a.e.logger.Debugf("automation: %d has no target lead, status update skipped", actx.AutomationID)
		return nil
	}
	status := models.LeadStatus(strings.ToUpper(configString(action.Config, "status")))
	if !status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidLeadStatus, status)
	}

	res := a.e.db.WithContext(ctx).Model(&models.Lead{}).
		Where("id = ?", *actx.LeadID).
		Updates(map[string]interface{}{"status": status, "updated_at": a.e.now()})
	if res.Error != nil {
		return fmt.Errorf("update lead status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrLeadNotFound, *actx.LeadID)
	}
	if actx.Data != nil {
		actx.Data["status"] = string(status)
	}
	return nil
}

type sendNotificationAction struct{ e *ActionExecutor }

func (a sendNotificationAction) Execute(ctx context.Context, action *models.AutomationAction, actx *ActionContext) error {
	if actx.LeadID == nil {
		return ErrMissingTarget
	}
	to := configString(action.Config, "email")
	if to == "" {
		to = configString(action.Config, "recipientEmail")
	}
	if to == "" {
		return ErrMissingRecipient
	}

	var lead models.Lead
	if err := a.e.db.WithContext(ctx).First(&lead, *actx.LeadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %d", ErrLeadNotFound, *actx.LeadID)
		}
		return fmt.Errorf("load lead: %w", err)
	}

	subject := configString(action.Config, "subject")
	if subject == "" {
		subject = fmt.Sprintf("Lead #%d update", lead.ID)
	}
	msg := &EmailMessage{
		To:      to,
		Subject: Interpolate(subject, actx.Data),
		HTML:    renderLeadSummary(&lead),
	}
	return a.e.deliver(ctx, msg, actx, nil)
}

// renderLeadSummary 将线索数据渲染为键值表格
func renderLeadSummary(lead *models.Lead) string {
	keys := make([]string, 0, len(lead.Data))
	for k := range lead.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "<h2>Lead #%d</h2>\n", lead.ID)
	fmt.Fprintf(&b, "<p>Status: %s</p>\n", html.EscapeString(string(lead.Status)))
	b.WriteString("<table>\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "<tr><th>%s</th><td>%s</td></tr>\n",
			html.EscapeString(k), html.EscapeString(stringify(lead.Data[k])))
	}
	b.WriteString("</table>\n")
	return b.String()
}

type conditionAction struct{}

func (conditionAction) Execute(context.Context, *models.AutomationAction, *ActionContext) error {
	// TODO: evaluate config and branch once condition operators and true/false targets are defined.
	return nil
}
