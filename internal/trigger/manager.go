// Package trigger implements the cooperative-side event sources that
// create runs: the webhook ingress server, the cron scheduler, and the
// Trigger Manager/Executor that bridge both into the State Manager and
// Dispatcher.
package trigger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cronflow/cronflow/internal/models"
)

// ErrInvalidTrigger is returned for duplicate webhook paths, unknown
// cron expressions, and inbound requests that match no registered
// trigger (wrong path or method).
type ErrInvalidTrigger struct {
	Reason string
}

func (e *ErrInvalidTrigger) Error() string { return "invalid trigger: " + e.Reason }

// webhookEntry is a registered webhook trigger bound to a workflow.
type webhookEntry struct {
	workflowID string
	method     string
	validation *models.ValidationConfig
}

// scheduleEntry is a registered cron trigger bound to a workflow.
type scheduleEntry struct {
	workflowID string
	schedule   cron.Schedule
	location   *time.Location
	lastRun    time.Time
	enabled    bool
}

// Manager holds the registry of webhook and schedule triggers. All
// registration and lookup operations are serialized behind a short-held
// mutex, per the cooperative-side resource discipline.
type Manager struct {
	mu        sync.Mutex
	webhooks  map[string]*webhookEntry  // path -> entry
	schedules map[string]*scheduleEntry // trigger id -> entry
	parser    cron.Parser
}

// NewManager constructs an empty Trigger Manager.
func NewManager() *Manager {
	return &Manager{
		webhooks:  make(map[string]*webhookEntry),
		schedules: make(map[string]*scheduleEntry),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// RegisterWebhook binds a webhook trigger to workflowID at path. Rejects
// a path already registered to a different trigger.
func (m *Manager) RegisterWebhook(workflowID, path, method string, validation *models.ValidationConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.webhooks[path]; exists {
		return &ErrInvalidTrigger{Reason: fmt.Sprintf("webhook path %q is already registered", path)}
	}
	if method == "" {
		method = "POST"
	}
	m.webhooks[path] = &webhookEntry{
		workflowID: workflowID,
		method:     strings.ToUpper(method),
		validation: validation,
	}
	return nil
}

// UnregisterWebhook removes a webhook path's binding.
func (m *Manager) UnregisterWebhook(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.webhooks, path)
}

// MatchWebhook looks up the trigger bound to path. Method mismatch and
// unknown path are both reported as ErrInvalidTrigger, distinguishable
// by the caller via errors.As plus an explicit not-found check.
func (m *Manager) MatchWebhook(path, method string) (workflowID string, validation *models.ValidationConfig, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.webhooks[path]
	if !ok {
		return "", nil, &ErrInvalidTrigger{Reason: fmt.Sprintf("no webhook registered at %q", path)}
	}
	if entry.method != strings.ToUpper(method) {
		return "", nil, &ErrInvalidTrigger{Reason: fmt.Sprintf("method %s not allowed at %q", method, path)}
	}
	return entry.workflowID, entry.validation, nil
}

// WebhookExists reports whether path is registered, regardless of method,
// so the HTTP handler can distinguish 404 from 405.
func (m *Manager) WebhookExists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.webhooks[path]
	return ok
}

// RegisterSchedule binds a cron-triggered schedule to workflowID under
// triggerID. cronExpr is a standard 5-field expression; tz, if non-empty,
// must be a valid IANA timezone name.
func (m *Manager) RegisterSchedule(triggerID, workflowID, cronExpr, tz string) error {
	schedule, err := m.parser.Parse(cronExpr)
	if err != nil {
		return &ErrInvalidTrigger{Reason: fmt.Sprintf("invalid cron expression %q: %v", cronExpr, err)}
	}

	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return &ErrInvalidTrigger{Reason: fmt.Sprintf("invalid timezone %q: %v", tz, err)}
		}
		loc = l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[triggerID] = &scheduleEntry{
		workflowID: workflowID,
		schedule:   schedule,
		location:   loc,
		enabled:    true,
	}
	return nil
}

// UnregisterSchedule removes a schedule binding.
func (m *Manager) UnregisterSchedule(triggerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, triggerID)
}

// DueSchedule is one schedule observed ready to fire on a given tick.
type DueSchedule struct {
	TriggerID   string
	WorkflowID  string
	ScheduledAt time.Time
}

// dueWindow is the tolerance around a schedule's next fire instant
// within which a tick is considered "on time" for it, per spec.
const dueWindow = 60 * time.Second

// CollectDue returns every enabled schedule whose should_run() holds at
// now, and marks each returned schedule's last_run as now.
func (m *Manager) CollectDue(now time.Time) []DueSchedule {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []DueSchedule
	for id, entry := range m.schedules {
		if !entry.enabled {
			continue
		}
		localNow := now.In(entry.location)
		next := entry.schedule.Next(localNow.Add(-dueWindow))
		if shouldRun(localNow, next, entry.lastRun) {
			entry.lastRun = now
			due = append(due, DueSchedule{TriggerID: id, WorkflowID: entry.workflowID, ScheduledAt: now})
		}
	}
	return due
}

// shouldRun implements should_run(): the tick is within dueWindow of the
// computed next fire instant, and this schedule has not already fired
// for that same window (guarded by lastRun).
func shouldRun(now, next, lastRun time.Time) bool {
	if !lastRun.IsZero() && now.Sub(lastRun) < dueWindow {
		return false
	}
	diff := now.Sub(next)
	if diff < 0 {
		diff = -diff
	}
	return diff <= dueWindow
}

// RegisterWorkflowTriggers binds every TriggerDefinition on def to this
// manager. On any failure it unwinds triggers it already registered for
// this workflow, so a partially invalid workflow leaves no bindings.
func (m *Manager) RegisterWorkflowTriggers(def *models.WorkflowDefinition) error {
	registeredWebhooks := make([]string, 0)
	registeredSchedules := make([]string, 0)

	for i, t := range def.Triggers {
		switch t.Kind {
		case models.TriggerWebhook:
			if err := m.RegisterWebhook(def.ID, t.Path, t.Method, t.Validation); err != nil {
				m.rollback(registeredWebhooks, registeredSchedules)
				return err
			}
			registeredWebhooks = append(registeredWebhooks, t.Path)
		case models.TriggerSchedule:
			triggerID := fmt.Sprintf("%s:%d", def.ID, i)
			if err := m.RegisterSchedule(triggerID, def.ID, t.Cron, t.Timezone); err != nil {
				m.rollback(registeredWebhooks, registeredSchedules)
				return err
			}
			registeredSchedules = append(registeredSchedules, triggerID)
		case models.TriggerManual:
			// No registry entry: manual triggers are invoked directly
			// against the Trigger Executor by workflow id.
		}
	}
	return nil
}

func (m *Manager) rollback(webhooks, schedules []string) {
	for _, p := range webhooks {
		m.UnregisterWebhook(p)
	}
	for _, id := range schedules {
		m.UnregisterSchedule(id)
	}
}

// UnregisterWorkflowTriggers removes every trigger bound to workflowID,
// across both registries.
func (m *Manager) UnregisterWorkflowTriggers(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for path, entry := range m.webhooks {
		if entry.workflowID == workflowID {
			delete(m.webhooks, path)
		}
	}
	for id, entry := range m.schedules {
		if entry.workflowID == workflowID {
			delete(m.schedules, id)
		}
	}
}
