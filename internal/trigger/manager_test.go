package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cronflow/cronflow/internal/models"
)

func sampleWorkflowWithTriggers(id string) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:   id,
		Name: "sample",
		Steps: []models.StepDefinition{
			{ID: "a", Name: "step a", Action: "noop"},
		},
		Triggers: []models.TriggerDefinition{
			{Kind: models.TriggerWebhook, Path: "/hooks/first", Method: "POST"},
			{Kind: models.TriggerWebhook, Path: "/hooks/second", Method: "POST"},
		},
	}
}

func TestRegisterWebhookRejectsDuplicatePath(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.RegisterWebhook("wf-1", "/hooks/x", "POST", nil))
	err := m.RegisterWebhook("wf-2", "/hooks/x", "POST", nil)
	require.Error(t, err)
}

func TestMatchWebhookCaseInsensitiveMethod(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.RegisterWebhook("wf-1", "/hooks/x", "post", nil))

	wfID, _, err := m.MatchWebhook("/hooks/x", "POST")
	require.NoError(t, err)
	require.Equal(t, "wf-1", wfID)

	_, _, err = m.MatchWebhook("/hooks/x", "GET")
	require.Error(t, err)
}

func TestMatchWebhookUnknownPath(t *testing.T) {
	m := NewManager()
	_, _, err := m.MatchWebhook("/nope", "POST")
	require.Error(t, err)
}

func TestRegisterScheduleRejectsInvalidCron(t *testing.T) {
	m := NewManager()
	err := m.RegisterSchedule("t1", "wf-1", "not a cron", "")
	require.Error(t, err)
}

func TestCollectDueFiresWithinWindow(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.RegisterSchedule("t1", "wf-1", "* * * * *", ""))

	now := time.Date(2026, 7, 30, 12, 1, 0, 0, time.UTC)
	due := m.CollectDue(now)
	require.Len(t, due, 1)
	require.Equal(t, "wf-1", due[0].WorkflowID)

	// A second tick moments later, still within the same minute window,
	// must not fire again.
	due2 := m.CollectDue(now.Add(5 * time.Second))
	require.Len(t, due2, 0)
}

func TestRegisterWorkflowTriggersRollsBackOnFailure(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.RegisterWebhook("other", "/hooks/taken", "POST", nil))

	def := sampleWorkflowWithTriggers("wf-x")
	def.Triggers[1].Path = "/hooks/taken" // force a collision on the 2nd trigger

	err := m.RegisterWorkflowTriggers(def)
	require.Error(t, err)

	// The first trigger registered before the failure must be rolled back.
	require.False(t, m.WebhookExists("/hooks/first"))
}
