package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"leadflow/internal/config"
	"leadflow/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newAutomationTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:automation_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

type fakeSender struct {
	mu   sync.Mutex
	sent []*EmailMessage
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg *EmailMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type testEngine struct {
	db         *gorm.DB
	sender     *fakeSender
	clock      *testClock
	executor   *ActionExecutor
	runner     *AutomationRunner
	evaluators *TriggerEvaluators
	processor  *JobProcessor
	service    *AutomationService
}

func newTestEngine(t *testing.T, start time.Time, policy string) *testEngine {
	t.Helper()
	db := newAutomationTestDB(t)
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	clock := &testClock{t: start}
	sender := &fakeSender{}
	executor := NewActionExecutor(db, sender, log)
	runner := NewAutomationRunner(db, executor, log)
	evaluators := NewTriggerEvaluators(db, log)
	processor := NewJobProcessor(db, runner, evaluators, config.AutomationConfig{BatchSize: 100, PausedJobPolicy: policy}, log)
	service := NewAutomationService(db, runner, evaluators, log)

	executor.now = clock.Now
	runner.now = clock.Now
	evaluators.now = clock.Now
	processor.now = clock.Now
	service.now = clock.Now

	return &testEngine{
		db: db, sender: sender, clock: clock,
		executor: executor, runner: runner, evaluators: evaluators,
		processor: processor, service: service,
	}
}

func (e *testEngine) createLead(t *testing.T, lead *models.Lead) *models.Lead {
	t.Helper()
	if lead.OrganizationID == 0 {
		lead.OrganizationID = 1
	}
	if lead.Status == "" {
		lead.Status = models.LeadNew
	}
	if lead.Metadata == nil {
		lead.Metadata = datatypes.JSONMap{}
	}
	require.NoError(t, e.db.Create(lead).Error)
	return lead
}

func (e *testEngine) createAutomation(t *testing.T, a *models.Automation) *models.Automation {
	t.Helper()
	if a.OrganizationID == 0 {
		a.OrganizationID = 1
	}
	if a.Status == "" {
		a.Status = models.AutomationActive
	}
	if a.Name == "" {
		a.Name = string(a.TriggerType) + " automation"
	}
	for i := range a.Actions {
		a.Actions[i].Order = i
	}
	require.NoError(t, e.db.Create(a).Error)
	return a
}

func (e *testEngine) jobs(t *testing.T, automationID uint) []models.ScheduledJob {
	t.Helper()
	var jobs []models.ScheduledJob
	require.NoError(t, e.db.Where("automation_id = ?", automationID).Order("id ASC").Find(&jobs).Error)
	return jobs
}

func (e *testEngine) reloadLead(t *testing.T, id uint) models.Lead {
	t.Helper()
	var lead models.Lead
	require.NoError(t, e.db.First(&lead, id).Error)
	return lead
}

func action(typ models.ActionType, cfg map[string]interface{}) models.AutomationAction {
	return models.AutomationAction{Type: typ, Config: datatypes.JSONMap(cfg)}
}

func wait(amount int, unit string) models.AutomationAction {
	return action(models.ActionWaitDelay, map[string]interface{}{"amount": amount, "unit": unit})
}
