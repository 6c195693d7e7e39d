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

var runnerT0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestAutomationRunner_WelcomeSequenceScenario(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, runnerT0, "")

	tmpl := &models.EmailTemplate{OrganizationID: 1, Name: "A", Subject: "Welcome {{name}}", Body: "<p>Hi {{name}}</p>"}
	require.NoError(t, e.db.Create(tmpl).Error)

	sendEmail := action(models.ActionSendEmail, map[string]interface{}{"recipientType": "submitter"})
	sendEmail.EmailTemplateID = &tmpl.ID
	a := e.createAutomation(t, &models.Automation{
		TriggerType: models.TriggerFormSubmission,
		Actions: []models.AutomationAction{
			sendEmail,
			wait(1, "days"),
			action(models.ActionUpdateSubmissionStatus, map[string]interface{}{"status": "CONTACTED"}),
		},
	})
	lead := e.createLead(t, &models.Lead{Data: datatypes.JSONMap{"email": "x@y.no", "name": "Ola"}})

	res, err := e.runner.RunImmediateTrigger(ctx, a, TriggerEvent{LeadID: &lead.ID, Data: lead.Data})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 1, res.Scheduled)
	assert.Equal(t, 0, res.Failed)
	require.NoError(t, res.Err())

	require.Equal(t, 1, e.sender.count())
	assert.Equal(t, "x@y.no", e.sender.sent[0].To)
	assert.Equal(t, "Welcome Ola", e.sender.sent[0].Subject)

	logs := emailLogs(t, e)
	require.Len(t, logs, 1)
	assert.Equal(t, models.EmailSent, logs[0].Status)

	jobs := e.jobs(t, a.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].ActionIndex)
	assert.Equal(t, models.JobPending, jobs[0].Status)
	assert.False(t, jobs[0].StartsSequence)
	assert.True(t, jobs[0].ScheduledFor.Equal(runnerT0.Add(24*time.Hour)), "scheduled for %v", jobs[0].ScheduledFor)
	assert.Equal(t, "x@y.no", jobs[0].Payload["email"])

	var stored models.Automation
	require.NoError(t, e.db.First(&stored, a.ID).Error)
	assert.Equal(t, 1, stored.RunCount)
	require.NotNil(t, stored.LastRunAt)
	assert.True(t, stored.LastRunAt.Equal(runnerT0))

	var runLogs []models.AutomationLog
	require.NoError(t, e.db.Where("automation_id = ? AND event = ?", a.ID, "RUN").Find(&runLogs).Error)
	require.Len(t, runLogs, 1)
	assert.Equal(t, "SUCCESS", runLogs[0].Status)

	// T0+25h: 处理到期任务
	e.clock.Advance(25 * time.Hour)
	pr, err := e.processor.ProcessDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pr.Processed)
	assert.Equal(t, 1, pr.Succeeded)
	assert.Equal(t, 0, pr.Failed)

	assert.Equal(t, models.LeadContacted, e.reloadLead(t, lead.ID).Status)
	jobs = e.jobs(t, a.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobCompleted, jobs[0].Status)
	require.NotNil(t, jobs[0].ExecutedAt)
	assert.True(t, jobs[0].ExecutedAt.Equal(runnerT0.Add(25*time.Hour)))

	require.NoError(t, e.db.First(&stored, a.ID).Error)
	assert.Equal(t, 1, stored.RunCount, "deferred actions do not count as new runs")
}

func TestAutomationRunner_CumulativeDelays(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, runnerT0, "")

	a := e.createAutomation(t, &models.Automation{
		TriggerType: models.TriggerFormSubmission,
		Actions: []models.AutomationAction{
			action(models.ActionSendEmail, map[string]interface{}{"recipientEmail": "a@example.com", "subject": "1"}),
			wait(2, "hours"),
			action(models.ActionSendEmail, map[string]interface{}{"recipientEmail": "a@example.com", "subject": "2"}),
			action(models.ActionCondition, nil),
			wait(1, "days"),
			action(models.ActionUpdateSubmissionStatus, map[string]interface{}{"status": "LOST"}),
		},
	})

	res, err := e.runner.RunImmediateTrigger(ctx, a, TriggerEvent{Data: map[string]interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 3, res.Scheduled)

	jobs := e.jobs(t, a.ID)
	require.Len(t, jobs, 3, "one job per action after the first wait")
	wantIndex := []int{2, 3, 5}
	wantAt := []time.Time{runnerT0.Add(2 * time.Hour), runnerT0.Add(2 * time.Hour), runnerT0.Add(26 * time.Hour)}
	for i, job := range jobs {
		assert.Equal(t, wantIndex[i], job.ActionIndex)
		assert.True(t, job.ScheduledFor.Equal(wantAt[i]), "job %d at %v", i, job.ScheduledFor)
		assert.Nil(t, job.LeadID)
		if i > 0 {
			assert.False(t, job.ScheduledFor.Before(jobs[i-1].ScheduledFor))
		}
	}
}

func TestAutomationRunner_FailureDoesNotAbortSequence(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, runnerT0, "")
	lead := e.createLead(t, &models.Lead{Data: datatypes.JSONMap{}})

	a := e.createAutomation(t, &models.Automation{
		TriggerType: models.TriggerFormSubmission,
		Actions: []models.AutomationAction{
			action(models.ActionSendEmail, map[string]interface{}{"recipientType": "submitter", "subject": "x"}),
			action(models.ActionUpdateSubmissionStatus, map[string]interface{}{"status": "QUALIFIED"}),
		},
	})

	res, err := e.runner.RunImmediateTrigger(ctx, a, TriggerEvent{LeadID: &lead.ID, Data: map[string]interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 1, res.Failed)
	assert.ErrorIs(t, res.Err(), ErrMissingRecipient)
	assert.Equal(t, models.LeadQualified, e.reloadLead(t, lead.ID).Status)

	var runLog models.AutomationLog
	require.NoError(t, e.db.Where("automation_id = ? AND event = ?", a.ID, "RUN").First(&runLog).Error)
	assert.Equal(t, "PARTIAL", runLog.Status)
	assert.NotEmpty(t, runLog.Details["errors"])
}

func TestAutomationRunner_LoadsActionsWhenMissing(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, runnerT0, "")
	created := e.createAutomation(t, &models.Automation{
		TriggerType: models.TriggerFormSubmission,
		Actions: []models.AutomationAction{
			wait(30, ""),
			action(models.ActionCondition, nil),
		},
	})

	bare := models.Automation{ID: created.ID, Name: created.Name}
	res, err := e.runner.RunImmediateTrigger(ctx, &bare, TriggerEvent{Data: map[string]interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scheduled)

	jobs := e.jobs(t, created.ID)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].ScheduledFor.Equal(runnerT0.Add(30*time.Minute)))
}

func TestAutomationRunner_FractionalDelaysDeferActions(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, runnerT0, "")

	a := e.createAutomation(t, &models.Automation{
		TriggerType: models.TriggerFormSubmission,
		Actions: []models.AutomationAction{
			action(models.ActionWaitDelay, map[string]interface{}{"amount": 0.5, "unit": "days"}),
			action(models.ActionSendEmail, map[string]interface{}{"recipientEmail": "a@example.com", "subject": "1"}),
			action(models.ActionWaitDelay, map[string]interface{}{"amount": "1.5", "unit": "hours"}),
			action(models.ActionSendEmail, map[string]interface{}{"recipientEmail": "a@example.com", "subject": "2"}),
		},
	})

	res, err := e.runner.RunImmediateTrigger(ctx, a, TriggerEvent{Data: map[string]interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Executed)
	assert.Equal(t, 2, res.Scheduled)
	assert.Equal(t, 0, e.sender.count())

	jobs := e.jobs(t, a.ID)
	require.Len(t, jobs, 2)
	assert.Equal(t, 1, jobs[0].ActionIndex)
	assert.True(t, jobs[0].ScheduledFor.Equal(runnerT0.Add(12*time.Hour)), "got %v", jobs[0].ScheduledFor)
	assert.Equal(t, 3, jobs[1].ActionIndex)
	assert.True(t, jobs[1].ScheduledFor.Equal(runnerT0.Add(13*time.Hour+30*time.Minute)), "got %v", jobs[1].ScheduledFor)
}

func TestAutomationRunner_WaitMinutes(t *testing.T) {
	r := NewAutomationRunner(nil, nil, nil)
	tests := []struct {
		name string
		cfg  map[string]interface{}
		want int
	}{
		{"minutes", map[string]interface{}{"amount": 15, "unit": "minutes"}, 15},
		{"hours", map[string]interface{}{"amount": 2, "unit": "hours"}, 120},
		{"days json number", map[string]interface{}{"amount": float64(1), "unit": "days"}, 1440},
		{"weeks", map[string]interface{}{"amount": 1, "unit": "WEEKS"}, 10080},
		{"string amount", map[string]interface{}{"amount": "3", "unit": "hour"}, 180},
		{"unknown unit defaults to minutes", map[string]interface{}{"amount": 5, "unit": "fortnights"}, 5},
		{"missing amount", map[string]interface{}{"unit": "days"}, 0},
		{"negative amount", map[string]interface{}{"amount": -1, "unit": "days"}, 0},
		{"fractional days", map[string]interface{}{"amount": 0.5, "unit": "days"}, 720},
		{"fractional string hours", map[string]interface{}{"amount": "1.5", "unit": "hours"}, 90},
		{"rounds to nearest minute", map[string]interface{}{"amount": 0.75, "unit": "minutes"}, 1},
		{"unparseable amount", map[string]interface{}{"amount": "soon", "unit": "days"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.waitMinutes(tt.cfg))
		})
	}
}
