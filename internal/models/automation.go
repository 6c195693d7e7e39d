package models

import (
	"time"

	"gorm.io/datatypes"
)

// TriggerType 自动化触发类型
type TriggerType string

const (
	TriggerFormSubmission   TriggerType = "FORM_SUBMISSION"
	TriggerFieldValue       TriggerType = "FIELD_VALUE"
	TriggerSubmissionStatus TriggerType = "SUBMISSION_STATUS"
	TriggerDateField        TriggerType = "DATE_FIELD"
	TriggerInactivity       TriggerType = "INACTIVITY"
	TriggerRecurring        TriggerType = "RECURRING"
)

// AutomationStatus 自动化状态
type AutomationStatus string

const (
	AutomationDraft  AutomationStatus = "DRAFT"
	AutomationActive AutomationStatus = "ACTIVE"
	AutomationPaused AutomationStatus = "PAUSED"
)

// ActionType 动作类型
type ActionType string

const (
	ActionSendEmail              ActionType = "SEND_EMAIL"
	ActionWaitDelay              ActionType = "WAIT_DELAY"
	ActionUpdateSubmissionStatus ActionType = "UPDATE_SUBMISSION_STATUS"
	ActionSendNotification       ActionType = "SEND_NOTIFICATION"
	ActionCondition              ActionType = "CONDITION"
)

// JobStatus 计划任务状态
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// RecurringPattern 重复周期
type RecurringPattern string

const (
	RecurringDaily   RecurringPattern = "daily"
	RecurringWeekly  RecurringPattern = "weekly"
	RecurringMonthly RecurringPattern = "monthly"
	RecurringYearly  RecurringPattern = "yearly"
)

// Automation 自动化规则：触发器 + 有序动作列表
type Automation struct {
	ID             uint              `gorm:"primaryKey" json:"id"`
	OrganizationID uint              `gorm:"index;not null" json:"organization_id"`
	Name           string            `gorm:"not null" json:"name"`
	Description    string            `gorm:"type:text" json:"description"`
	TriggerType    TriggerType       `gorm:"index;not null" json:"trigger_type"`
	TriggerConfig  datatypes.JSONMap `json:"trigger_config"`
	FormID         *uint             `gorm:"index" json:"form_id"` // 可选：限定到某个表单
	Status         AutomationStatus  `gorm:"index;default:'DRAFT'" json:"status"`
	LastRunAt      *time.Time        `json:"last_run_at"`
	RunCount       int               `gorm:"default:0" json:"run_count"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`

	Actions []AutomationAction `gorm:"foreignKey:AutomationID" json:"actions,omitempty"`
}

// AutomationAction 自动化中的单个步骤
type AutomationAction struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	AutomationID    uint              `gorm:"index;not null" json:"automation_id"`
	Type            ActionType        `gorm:"not null" json:"type"`
	Order           int               `gorm:"column:order_index;not null" json:"order"`
	Config          datatypes.JSONMap `json:"config"`
	EmailTemplateID *uint             `gorm:"index" json:"email_template_id"`
	CreatedAt       time.Time         `json:"created_at"`
}

// ScheduledJob 延迟执行的动作（持久化的续体）
type ScheduledJob struct {
	ID               uint              `gorm:"primaryKey" json:"id"`
	AutomationID     uint              `gorm:"index;not null" json:"automation_id"`
	LeadID           *uint             `gorm:"index" json:"lead_id"`
	ActionIndex      int               `gorm:"not null" json:"action_index"`
	StartsSequence   bool              `gorm:"default:false" json:"starts_sequence"`
	ScheduledFor     time.Time         `gorm:"index;not null" json:"scheduled_for"`
	Status           JobStatus         `gorm:"index;default:'PENDING'" json:"status"`
	IsRecurring      bool              `gorm:"default:false" json:"is_recurring"`
	RecurringPattern RecurringPattern  `json:"recurring_pattern"`
	Payload          datatypes.JSONMap `json:"payload"`
	ErrorMessage     string            `gorm:"type:text" json:"error_message"`
	ExecutedAt       *time.Time        `json:"executed_at"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`

	Automation Automation `gorm:"foreignKey:AutomationID" json:"-"`
}

// EmailTemplate 邮件模板（只读引用）
type EmailTemplate struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"index" json:"organization_id"`
	Name           string    `gorm:"not null" json:"name"`
	Subject        string    `gorm:"not null" json:"subject"`
	Body           string    `gorm:"type:text;not null" json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EmailLogStatus 邮件发送结果
type EmailLogStatus string

const (
	EmailSent   EmailLogStatus = "SENT"
	EmailFailed EmailLogStatus = "FAILED"
)

// EmailLog 邮件发送记录
type EmailLog struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	AutomationID *uint          `gorm:"index" json:"automation_id"`
	LeadID       *uint          `gorm:"index" json:"lead_id"`
	TemplateID   *uint          `json:"template_id"`
	ToEmail      string         `gorm:"not null" json:"to_email"`
	Subject      string         `json:"subject"`
	Status       EmailLogStatus `gorm:"index" json:"status"`
	MessageID    string         `json:"message_id"`
	ErrorMessage string         `gorm:"type:text" json:"error_message"`
	SentAt       time.Time      `json:"sent_at"`
}

// AutomationLog 执行记录用于审计
type AutomationLog struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	AutomationID uint              `gorm:"index" json:"automation_id"`
	LeadID       *uint             `gorm:"index" json:"lead_id"`
	JobID        *uint             `gorm:"index" json:"job_id"`
	Event        string            `gorm:"index" json:"event"`  // RUN, JOB, TRIGGER, ERROR
	Status       string            `gorm:"index" json:"status"` // SUCCESS, PARTIAL, FAILED
	Message      string            `gorm:"type:text" json:"message"`
	Details      datatypes.JSONMap `json:"details"`
	CreatedAt    time.Time         `json:"created_at"`
}

// AllModels 返回需要迁移的全部模型
func AllModels() []interface{} {
	return []interface{}{
		&Lead{}, &EmailTemplate{}, &Automation{}, &AutomationAction{},
		&ScheduledJob{}, &EmailLog{}, &AutomationLog{},
	}
}
