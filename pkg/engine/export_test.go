package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/meshflow/pkg/models"
)

func TestExportImportRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	wf := h.deploy(t, taskStep("s1", 1, "s2"), taskStep("s2", 2, ""))
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, wf.ID, StartOptions{
		UserID:      "alice",
		BusinessKey: "bk-42",
		Input:       models.JSONMap{"order": "o-1"},
	})
	require.NoError(t, err)
	require.NoError(t, h.engine.SetVariable(ctx, inst.ID, models.ScopeInstance, "total", "", 99.5))

	data, err := h.engine.ExportInstance(ctx, inst.ID)
	require.NoError(t, err)

	var envelope ExportEnvelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, exportVersion, envelope.Version)
	assert.Equal(t, wf.ID, envelope.Workflow.ID)
	assert.Len(t, envelope.History, 2)
	assert.Len(t, envelope.Variables, 1)

	imported, err := h.engine.ImportInstance(ctx, data)
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID, imported.ID, "import must mint a fresh id")
	assert.Equal(t, inst.Status, imported.Status)
	assert.Equal(t, "bk-42", imported.BusinessKey)
	assert.Equal(t, "o-1", imported.Context.GetString("order"))

	history, err := h.engine.GetHistory(ctx, imported.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	for _, entry := range history {
		assert.Equal(t, imported.ID, entry.InstanceID)
	}

	value, err := h.engine.GetVariable(ctx, imported.ID, "total", "")
	require.NoError(t, err)
	assert.Equal(t, 99.5, value)
}

func TestExportImportCarriesUserTasks(t *testing.T) {
	h := newHarness(t, Config{})
	_, inst := parkOnUserTask(t, h)
	ctx := context.Background()

	data, err := h.engine.ExportInstance(ctx, inst.ID)
	require.NoError(t, err)

	var envelope ExportEnvelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	require.Len(t, envelope.UserTasks, 1)
	assert.Equal(t, "bob", envelope.UserTasks[0].Assignee)
	originalTaskID := envelope.UserTasks[0].ID

	imported, err := h.engine.ImportInstance(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusWaiting, imported.Status)

	tasks, err := h.repo.UserTasks().ListByInstance(ctx, imported.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.NotEqual(t, originalTaskID, tasks[0].ID, "import must mint fresh task ids")
	assert.Equal(t, imported.ID, tasks[0].InstanceID)
	assert.Equal(t, "bob", tasks[0].Assignee)

	// The imported copy is live: completing its task drives it to the end.
	done, err := h.engine.CompleteUserTask(ctx, tasks[0].ID, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, done.Status)
}

func TestImportRejectsMalformedDocument(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.engine.ImportInstance(ctx, []byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, models.ErrKindData, models.KindOf(err))

	_, err = h.engine.ImportInstance(ctx, []byte(`{"version": 1}`))
	require.Error(t, err)
	assert.Equal(t, models.ErrKindData, models.KindOf(err))

	_, err = h.engine.ImportInstance(ctx, []byte(`{"version": 99,
		"workflow": {"id": "w", "name": "w", "steps": [{}]},
		"instance": {"id": "x", "workflow_id": "w", "status": "running"}}`))
	require.Error(t, err)
}

func TestVariableScopeShadowing(t *testing.T) {
	h := newHarness(t, Config{})
	_, inst := parkOnUserTask(t, h)
	ctx := context.Background()

	require.NoError(t, h.engine.SetVariable(ctx, inst.ID, models.ScopeGlobal, "rate", "", 1))
	require.NoError(t, h.engine.SetVariable(ctx, inst.ID, models.ScopeInstance, "rate", "", 2))
	require.NoError(t, h.engine.SetVariable(ctx, inst.ID, models.ScopeStep, "rate", "approve", 3))

	// Step scope shadows instance, which shadows global.
	v, err := h.engine.GetVariable(ctx, inst.ID, "rate", "approve")
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = h.engine.GetVariable(ctx, inst.ID, "rate", "")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	require.NoError(t, h.engine.DeleteVariable(ctx, inst.ID, models.ScopeInstance, "rate", ""))
	v, err = h.engine.GetVariable(ctx, inst.ID, "rate", "")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestVariableEncodingRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	_, inst := parkOnUserTask(t, h)
	ctx := context.Background()

	when := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cases := map[string]interface{}{
		"s": "text",
		"i": 42,
		"f": 3.25,
		"b": true,
		"t": when,
		"m": map[string]interface{}{"k": "v"},
	}
	for name, value := range cases {
		require.NoError(t, h.engine.SetVariable(ctx, inst.ID, models.ScopeInstance, name, "", value))
	}

	for name, want := range cases {
		got, err := h.engine.GetVariable(ctx, inst.ID, name, "")
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	vars, err := h.engine.ListVariables(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, vars, len(cases))
}

func TestSchedulerRunsDueJobs(t *testing.T) {
	s := newScheduler(2, nil)
	defer s.stop()

	done := make(chan int, 3)
	s.schedule(30*time.Millisecond, func() { done <- 3 })
	s.schedule(10*time.Millisecond, func() { done <- 1 })
	s.schedule(20*time.Millisecond, func() { done <- 2 })

	var order []int
	for i := 0; i < 3; i++ {
		select {
		case n := <-done:
			order = append(order, n)
		case <-time.After(2 * time.Second):
			t.Fatal("scheduled job never ran")
		}
	}
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestSchedulerDropsJobsAfterStop(t *testing.T) {
	s := newScheduler(1, nil)
	s.stop()

	ran := make(chan struct{}, 1)
	s.schedule(time.Millisecond, func() { ran <- struct{}{} })
	select {
	case <-ran:
		t.Fatal("job ran after stop")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, s.pending())
}
