package models

import (
	"time"

	"gorm.io/datatypes"
)

// LeadStatus 线索状态
type LeadStatus string

const (
	LeadNew       LeadStatus = "NEW"
	LeadContacted LeadStatus = "CONTACTED"
	LeadQualified LeadStatus = "QUALIFIED"
	LeadConverted LeadStatus = "CONVERTED"
	LeadLost      LeadStatus = "LOST"
	LeadSpam      LeadStatus = "SPAM"
)

// OpenLeadStatuses 尚未关闭的线索状态
var OpenLeadStatuses = []LeadStatus{LeadNew, LeadContacted, LeadQualified}

// IsValid reports whether s is one of the fixed lead statuses.
func (s LeadStatus) IsValid() bool {
	switch s {
	case LeadNew, LeadContacted, LeadQualified, LeadConverted, LeadLost, LeadSpam:
		return true
	default:
		return false
	}
}

// Lead 线索（表单提交），由其他子系统维护，引擎只读写状态与 metadata
type Lead struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	OrganizationID  uint              `gorm:"index;not null" json:"organization_id"`
	FormID          *uint             `gorm:"index" json:"form_id"`
	Status          LeadStatus        `gorm:"index;default:'NEW'" json:"status"`
	Data            datatypes.JSONMap `json:"data"`
	Metadata        datatypes.JSONMap `json:"metadata"`
	LastContactedAt *time.Time        `gorm:"index" json:"last_contacted_at"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// LastActivity returns the last contact time, or creation time when never contacted.
func (l *Lead) LastActivity() time.Time {
	if l.LastContactedAt != nil {
		return *l.LastContactedAt
	}
	return l.CreatedAt
}
