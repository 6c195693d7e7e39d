package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"leadflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

var executorT0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func emailLogs(t *testing.T, e *testEngine) []models.EmailLog {
	t.Helper()
	var logs []models.EmailLog
	require.NoError(t, e.db.Order("id ASC").Find(&logs).Error)
	return logs
}

func TestActionExecutor_SendEmail(t *testing.T) {
	ctx := context.Background()

	t.Run("fixed recipient wins over submitter", func(t *testing.T) {
		e := newTestEngine(t, executorT0, "")
		act := action(models.ActionSendEmail, map[string]interface{}{
			"recipientEmail": "sales@acme.test",
			"recipientType":  "submitter",
			"subject":        "New lead {{name}}",
			"body":           "<p>{{name}} wrote in</p>",
		})
		err := e.executor.Execute(ctx, &act, &ActionContext{AutomationID: 7, Data: map[string]interface{}{
			"name": "Ola", "email": "ola@example.com",
		}})
		require.NoError(t, err)
		require.Equal(t, 1, e.sender.count())
		assert.Equal(t, "sales@acme.test", e.sender.sent[0].To)
		assert.Equal(t, "New lead Ola", e.sender.sent[0].Subject)
		assert.Equal(t, "<p>Ola wrote in</p>", e.sender.sent[0].HTML)

		logs := emailLogs(t, e)
		require.Len(t, logs, 1)
		assert.Equal(t, models.EmailSent, logs[0].Status)
		assert.Equal(t, "msg-1", logs[0].MessageID)
		require.NotNil(t, logs[0].AutomationID)
		assert.Equal(t, uint(7), *logs[0].AutomationID)
	})

	t.Run("submitter custom field", func(t *testing.T) {
		e := newTestEngine(t, executorT0, "")
		act := action(models.ActionSendEmail, map[string]interface{}{
			"recipientType":  "submitter",
			"recipientField": "contact_email",
			"subject":        "Thanks",
		})
		err := e.executor.Execute(ctx, &act, &ActionContext{Data: map[string]interface{}{"contact_email": " kari@example.com "}})
		require.NoError(t, err)
		assert.Equal(t, "kari@example.com", e.sender.sent[0].To)
	})

	t.Run("missing recipient", func(t *testing.T) {
		e := newTestEngine(t, executorT0, "")
		act := action(models.ActionSendEmail, map[string]interface{}{"recipientType": "submitter", "subject": "x"})
		err := e.executor.Execute(ctx, &act, &ActionContext{Index: 3, Data: map[string]interface{}{}})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMissingRecipient)

		var actionErr *ActionError
		require.True(t, errors.As(err, &actionErr))
		assert.Equal(t, models.ActionSendEmail, actionErr.Type)
		assert.Equal(t, 3, actionErr.Index)
		assert.Empty(t, emailLogs(t, e), "no send attempt, no email log")
	})

	t.Run("no content", func(t *testing.T) {
		e := newTestEngine(t, executorT0, "")
		act := action(models.ActionSendEmail, map[string]interface{}{"recipientEmail": "a@example.com"})
		err := e.executor.Execute(ctx, &act, &ActionContext{Data: map[string]interface{}{}})
		assert.ErrorIs(t, err, ErrNoEmailContent)
		assert.Zero(t, e.sender.count())
	})

	t.Run("template content", func(t *testing.T) {
		e := newTestEngine(t, executorT0, "")
		tmpl := &models.EmailTemplate{OrganizationID: 1, Name: "welcome", Subject: "Welcome {{name}}", Body: "<h1>Hei {{name}}</h1>"}
		require.NoError(t, e.db.Create(tmpl).Error)

		act := action(models.ActionSendEmail, map[string]interface{}{"recipientEmail": "a@example.com", "subject": "inline"})
		act.EmailTemplateID = &tmpl.ID
		require.NoError(t, e.executor.Execute(ctx, &act, &ActionContext{Data: map[string]interface{}{"name": "Ola"}}))
		assert.Equal(t, "Welcome Ola", e.sender.sent[0].Subject)
		assert.Equal(t, "<h1>Hei Ola</h1>", e.sender.sent[0].HTML)

		logs := emailLogs(t, e)
		require.Len(t, logs, 1)
		require.NotNil(t, logs[0].TemplateID)
		assert.Equal(t, tmpl.ID, *logs[0].TemplateID)
	})

	t.Run("missing template without inline content", func(t *testing.T) {
		e := newTestEngine(t, executorT0, "")
		missing := uint(404)
		act := action(models.ActionSendEmail, map[string]interface{}{"recipientEmail": "a@example.com"})
		act.EmailTemplateID = &missing
		err := e.executor.Execute(ctx, &act, &ActionContext{Data: map[string]interface{}{}})
		assert.ErrorIs(t, err, ErrNoEmailContent)
	})

	t.Run("provider failure is logged", func(t *testing.T) {
		e := newTestEngine(t, executorT0, "")
		e.sender.err = errors.New("smtp 421 try later")
		act := action(models.ActionSendEmail, map[string]interface{}{"recipientEmail": "a@example.com", "subject": "x"})
		err := e.executor.Execute(ctx, &act, &ActionContext{Data: map[string]interface{}{}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "smtp 421")

		logs := emailLogs(t, e)
		require.Len(t, logs, 1)
		assert.Equal(t, models.EmailFailed, logs[0].Status)
		assert.Equal(t, "smtp 421 try later", logs[0].ErrorMessage)
	})
}

func TestActionExecutor_UpdateSubmissionStatus(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, executorT0, "")
	lead := e.createLead(t, &models.Lead{Data: datatypes.JSONMap{"email": "x@y.no"}})

	act := action(models.ActionUpdateSubmissionStatus, map[string]interface{}{"status": "qualified"})
	data := map[string]interface{}{}
	require.NoError(t, e.executor.Execute(ctx, &act, &ActionContext{LeadID: &lead.ID, Data: data}))
	assert.Equal(t, models.LeadQualified, e.reloadLead(t, lead.ID).Status)
	assert.Equal(t, "QUALIFIED", data["status"])

	// 无目标线索时为空操作
	require.NoError(t, e.executor.Execute(ctx, &act, &ActionContext{Data: map[string]interface{}{}}))

	bad := action(models.ActionUpdateSubmissionStatus, map[string]interface{}{"status": "ARCHIVED"})
	err := e.executor.Execute(ctx, &bad, &ActionContext{LeadID: &lead.ID, Data: map[string]interface{}{}})
	assert.ErrorIs(t, err, ErrInvalidLeadStatus)

	missing := uint(999)
	err = e.executor.Execute(ctx, &act, &ActionContext{LeadID: &missing, Data: map[string]interface{}{}})
	assert.ErrorIs(t, err, ErrLeadNotFound)
}

func TestActionExecutor_SendNotification(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, executorT0, "")
	lead := e.createLead(t, &models.Lead{Data: datatypes.JSONMap{"name": "Ola <admin>", "company": "Acme", "email": "x@y.no"}})

	act := action(models.ActionSendNotification, map[string]interface{}{"email": "team@acme.test", "subject": "New lead {{name}}"})
	err := e.executor.Execute(ctx, &act, &ActionContext{Data: map[string]interface{}{}})
	assert.ErrorIs(t, err, ErrMissingTarget)

	require.NoError(t, e.executor.Execute(ctx, &act, &ActionContext{LeadID: &lead.ID, Data: map[string]interface{}{"name": "Ola"}}))
	require.Equal(t, 1, e.sender.count())
	msg := e.sender.sent[0]
	assert.Equal(t, "team@acme.test", msg.To)
	assert.Equal(t, "New lead Ola", msg.Subject)
	assert.Contains(t, msg.HTML, "Ola &lt;admin&gt;")

	company := strings.Index(msg.HTML, "<th>company</th>")
	email := strings.Index(msg.HTML, "<th>email</th>")
	name := strings.Index(msg.HTML, "<th>name</th>")
	assert.True(t, company < email && email < name, "keys rendered in sorted order")

	noRecipient := action(models.ActionSendNotification, map[string]interface{}{})
	err = e.executor.Execute(ctx, &noRecipient, &ActionContext{LeadID: &lead.ID, Data: map[string]interface{}{}})
	assert.ErrorIs(t, err, ErrMissingRecipient)
}

func TestActionExecutor_InertActions(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, executorT0, "")

	for _, typ := range []models.ActionType{models.ActionCondition, models.ActionWaitDelay, models.ActionType("SEND_SMS")} {
		t.Run(string(typ), func(t *testing.T) {
			act := action(typ, map[string]interface{}{"anything": true})
			assert.NoError(t, e.executor.Execute(ctx, &act, &ActionContext{Data: map[string]interface{}{}}))
		})
	}
	assert.Zero(t, e.sender.count())
}
