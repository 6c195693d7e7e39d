package services

import (
	"context"
	"testing"
	"time"

	"leadflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

var serviceT0 = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

func TestAutomationService_CreateLeadRunsSubmissionAutomations(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, serviceT0, "")
	form := uint(3)
	otherForm := uint(4)

	welcome := e.createAutomation(t, &models.Automation{
		TriggerType: models.TriggerFormSubmission,
		FormID:      &form,
		Actions: []models.AutomationAction{
			action(models.ActionSendEmail, map[string]interface{}{"recipientType": "submitter", "subject": "Welcome {{name}}"}),
		},
	})
	e.createAutomation(t, &models.Automation{
		TriggerType: models.TriggerFormSubmission,
		FormID:      &otherForm,
		Actions: []models.AutomationAction{
			action(models.ActionSendEmail, map[string]interface{}{"recipientEmail": "nobody@example.com", "subject": "wrong form"}),
		},
	})
	e.createAutomation(t, &models.Automation{
		TriggerType: models.TriggerFormSubmission,
		Status:      models.AutomationDraft,
		Actions: []models.AutomationAction{
			action(models.ActionSendEmail, map[string]interface{}{"recipientEmail": "draft@example.com", "subject": "draft"}),
		},
	})
	enterprise := e.createAutomation(t, &models.Automation{
		TriggerType:   models.TriggerFieldValue,
		TriggerConfig: datatypes.JSONMap{"field": "plan", "operator": "equals", "value": "enterprise"},
		Actions: []models.AutomationAction{
			action(models.ActionUpdateSubmissionStatus, map[string]interface{}{"status": "QUALIFIED"}),
		},
	})

	lead, triggered, err := e.service.CreateLead(ctx, &LeadCreateRequest{
		OrganizationID: 1,
		FormID:         &form,
		Data:           map[string]interface{}{"email": "x@y.no", "name": "Ola", "plan": "Enterprise"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, triggered)

	require.Equal(t, 1, e.sender.count())
	assert.Equal(t, "Welcome Ola", e.sender.sent[0].Subject)
	assert.Equal(t, models.LeadQualified, e.reloadLead(t, lead.ID).Status)

	for _, id := range []uint{welcome.ID, enterprise.ID} {
		var a models.Automation
		require.NoError(t, e.db.First(&a, id).Error)
		assert.Equal(t, 1, a.RunCount)
	}
}

func TestMatchFieldValue(t *testing.T) {
	data := map[string]interface{}{"plan": "Enterprise", "budget": float64(5000), "note": "", "consent": true}
	tests := []struct {
		name string
		cfg  map[string]interface{}
		want bool
	}{
		{"equals case insensitive", map[string]interface{}{"field": "plan", "operator": "equals", "value": "enterprise"}, true},
		{"default operator is equals", map[string]interface{}{"field": "budget", "value": "5000"}, true},
		{"bool equals", map[string]interface{}{"field": "consent", "value": "true"}, true},
		{"not equals", map[string]interface{}{"field": "plan", "operator": "not_equals", "value": "starter"}, true},
		{"not equals on missing field", map[string]interface{}{"field": "region", "operator": "not_equals", "value": "eu"}, true},
		{"contains", map[string]interface{}{"field": "plan", "operator": "contains", "value": "PRISE"}, true},
		{"exists", map[string]interface{}{"field": "plan", "operator": "exists"}, true},
		{"exists empty string", map[string]interface{}{"field": "note", "operator": "exists"}, false},
		{"missing field", map[string]interface{}{"field": "region", "value": "eu"}, false},
		{"no field configured", map[string]interface{}{"value": "x"}, false},
		{"unknown operator", map[string]interface{}{"field": "plan", "operator": "regex", "value": ".*"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchFieldValue(tt.cfg, data))
		})
	}
}

func TestAutomationService_UpdateLeadStatus(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, serviceT0, "")
	a := e.createAutomation(t, &models.Automation{
		TriggerType:   models.TriggerSubmissionStatus,
		TriggerConfig: datatypes.JSONMap{"toStatus": "CONTACTED"},
		Actions: []models.AutomationAction{
			action(models.ActionSendEmail, map[string]interface{}{"recipientType": "submitter", "subject": "We reached out"}),
		},
	})
	lead := e.createLead(t, &models.Lead{Data: datatypes.JSONMap{"email": "x@y.no"}})

	updated, enqueued, err := e.service.UpdateLeadStatus(ctx, lead.ID, "contacted")
	require.NoError(t, err)
	assert.Equal(t, models.LeadContacted, updated.Status)
	assert.Equal(t, 1, enqueued)

	stored := e.reloadLead(t, lead.ID)
	require.NotNil(t, stored.LastContactedAt)
	assert.True(t, stored.LastContactedAt.Equal(serviceT0))

	// 状态未变化时不触发
	_, enqueued, err = e.service.UpdateLeadStatus(ctx, lead.ID, models.LeadContacted)
	require.NoError(t, err)
	assert.Equal(t, 0, enqueued)

	res, err := e.processor.ProcessDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, e.sender.count())
	assert.Len(t, e.jobs(t, a.ID), 1)

	_, _, err = e.service.UpdateLeadStatus(ctx, lead.ID, "ARCHIVED")
	assert.ErrorIs(t, err, ErrInvalidLeadStatus)

	_, _, err = e.service.UpdateLeadStatus(ctx, 999, models.LeadLost)
	assert.ErrorIs(t, err, ErrLeadNotFound)
}

func TestAutomationService_RunAutomation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, serviceT0, "")
	a := e.createAutomation(t, &models.Automation{
		TriggerType: models.TriggerFormSubmission,
		Actions: []models.AutomationAction{
			action(models.ActionSendEmail, map[string]interface{}{"recipientType": "submitter", "subject": "Hi {{name}}"}),
		},
	})
	lead := e.createLead(t, &models.Lead{Data: datatypes.JSONMap{"email": "x@y.no", "name": "Ola"}})

	res, err := e.service.RunAutomation(ctx, a.ID, &lead.ID, map[string]interface{}{"name": "Kari"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, "x@y.no", e.sender.sent[0].To)
	assert.Equal(t, "Hi Kari", e.sender.sent[0].Subject)

	_, err = e.service.RunAutomation(ctx, 999, nil, nil)
	assert.ErrorIs(t, err, ErrAutomationNotFound)

	missing := uint(999)
	_, err = e.service.RunAutomation(ctx, a.ID, &missing, nil)
	assert.ErrorIs(t, err, ErrLeadNotFound)
}

func TestAutomationService_ListAutomationsAndLogs(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, serviceT0, "")
	first := e.createAutomation(t, &models.Automation{
		TriggerType: models.TriggerFormSubmission,
		Actions: []models.AutomationAction{
			action(models.ActionCondition, nil),
			wait(1, "days"),
		},
	})
	e.createAutomation(t, &models.Automation{TriggerType: models.TriggerInactivity, Status: models.AutomationPaused})

	all, err := e.service.ListAutomations(ctx, &AutomationListRequest{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := e.service.ListAutomations(ctx, &AutomationListRequest{Status: models.AutomationActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Len(t, active[0].Actions, 2)
	assert.Equal(t, models.ActionCondition, active[0].Actions[0].Type)

	_, err = e.service.RunAutomation(ctx, first.ID, nil, nil)
	require.NoError(t, err)
	_, err = e.service.RunAutomation(ctx, first.ID, nil, nil)
	require.NoError(t, err)

	logs, total, err := e.service.ListLogs(ctx, &LogListRequest{AutomationID: first.ID, PageSize: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, logs, 1)
}
