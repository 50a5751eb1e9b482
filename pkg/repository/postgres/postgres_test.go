package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/meshflow/pkg/models"
	"github.com/S-Corkum/meshflow/pkg/observability"
	"github.com/S-Corkum/meshflow/pkg/repository/interfaces"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Logf("Failed to close mock db: %v", closeErr)
		}
	})
	// "postgres" so named queries rebind to $N placeholders.
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestDefinitionGet(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "name", "version", "description", "status", "steps", "config",
		"created_by", "created_at", "updated_at",
	}).AddRow(
		"order-flow", "order-flow", 1, "", "active",
		[]byte(`[{"id":"s1","name":"s1","type":"task","order":1}]`),
		[]byte(`{}`), "alice", now, now,
	)
	mock.ExpectQuery(`SELECT id, name, version, description, status, steps, config`).
		WithArgs("order-flow").
		WillReturnRows(rows)

	wf, err := repo.Definitions().Get(context.Background(), "order-flow")
	require.NoError(t, err)
	assert.Equal(t, "order-flow", wf.ID)
	assert.Equal(t, models.WorkflowStatusActive, wf.Status)
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, "s1", wf.Steps[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDefinitionGetNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT id, name, version`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Definitions().Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDefinitionSaveUpserts(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()
	wf := &models.Workflow{
		ID:      "order-flow",
		Name:    "order-flow",
		Version: 2,
		Status:  models.WorkflowStatusDraft,
		Steps: models.WorkflowSteps{
			{ID: "s1", Name: "s1", Type: models.StepTypeTask, Order: 1},
		},
		Config:    models.JSONMap{},
		CreatedBy: "alice",
		CreatedAt: now,
		UpdatedAt: now,
	}

	mock.ExpectExec(`INSERT INTO workflow_definitions`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Definitions().Save(context.Background(), wf))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDefinitionUpdateStatusNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE workflow_definitions SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Definitions().UpdateStatus(context.Background(), "ghost", models.WorkflowStatusActive)
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func instanceRows(inst *models.Instance) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "workflow_id", "name", "business_key", "priority", "status",
		"current_step_id", "current_step_order", "start_user_id", "current_user_id",
		"context", "config", "create_time", "update_time", "start_time", "end_time",
		"error_message", "error_stack",
	}).AddRow(
		inst.ID, inst.WorkflowID, inst.Name, inst.BusinessKey, inst.Priority,
		inst.Status, inst.CurrentStepID, inst.CurrentStepOrder, inst.StartUserID,
		inst.CurrentUserID, []byte(`{"order":"o-1"}`), []byte(`{}`),
		inst.CreateTime, inst.UpdateTime, inst.StartTime, inst.EndTime,
		inst.ErrorMessage, inst.ErrorStack,
	)
}

func TestInstanceGet(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()
	now := time.Now().UTC()
	inst := &models.Instance{
		ID: id, WorkflowID: "order-flow", Name: "order-flow",
		Status: models.InstanceStatusRunning, CurrentStepID: "s2",
		StartUserID: "alice", CreateTime: now, UpdateTime: now,
	}

	mock.ExpectQuery(`SELECT (.+) FROM workflow_instances WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(instanceRows(inst))

	got, err := repo.Instances().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, models.InstanceStatusRunning, got.Status)
	assert.Equal(t, "o-1", got.Context.GetString("order"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstanceListWithFilter(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := time.Now().UTC().Add(-time.Hour)
	inst := &models.Instance{
		ID: uuid.New(), WorkflowID: "order-flow",
		Status: models.InstanceStatusCompleted, StartUserID: "alice",
		CreateTime: cutoff.Add(-2 * time.Hour), UpdateTime: cutoff,
	}

	mock.ExpectQuery(`SELECT (.+) FROM workflow_instances WHERE workflow_id = \$1 AND status = ANY\(\$2\) AND end_time < \$3 (.+) LIMIT \$4`).
		WithArgs("order-flow",
			pq.StringArray{"completed", "failed"},
			cutoff, 10).
		WillReturnRows(instanceRows(inst))

	out, err := repo.Instances().ListWithFilter(context.Background(), interfaces.InstanceFilter{
		WorkflowID: "order-flow",
		Statuses: []models.InstanceStatus{
			models.InstanceStatusCompleted,
			models.InstanceStatusFailed,
		},
		EndedBefore: &cutoff,
		Limit:       10,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, inst.ID, out[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstanceUpdateNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	inst := &models.Instance{ID: uuid.New(), Status: models.InstanceStatusRunning}

	mock.ExpectExec(`UPDATE workflow_instances SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Instances().Update(context.Background(), inst)
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstanceDeleteCascade(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM workflow_history WHERE instance_id`).
		WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE FROM user_tasks WHERE instance_id`).
		WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM workflow_variables WHERE instance_id`).
		WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM workflow_instances WHERE id`).
		WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Instances().DeleteCascade(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstanceDeleteCascadeRollsBackOnError(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM workflow_history WHERE instance_id`).
		WithArgs(id).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	require.Error(t, repo.Instances().DeleteCascade(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryAppendAndList(t *testing.T) {
	repo, mock := newMockRepo(t)
	instanceID := uuid.New()
	now := time.Now().UTC()
	entry := &models.HistoryEntry{
		ID:            uuid.New(),
		InstanceID:    instanceID,
		StepID:        "s1",
		StepName:      "reserve",
		StepType:      models.StepTypeTask,
		Status:        models.HistoryStatusSuccess,
		StartedTime:   now,
		CompletedTime: now,
	}

	mock.ExpectExec(`INSERT INTO workflow_history`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.History().AppendEntry(context.Background(), entry))

	rows := sqlmock.NewRows([]string{
		"id", "instance_id", "step_id", "step_name", "step_type", "status",
		"executor_name", "input_data", "output_data", "error_message",
		"started_time", "completed_time", "execution_time_ms", "retry_count",
	}).AddRow(
		entry.ID, instanceID, "s1", "reserve", "task", "success",
		"", []byte(`{}`), []byte(`{"ok":true}`), "", now, now, int64(12), 0,
	)
	mock.ExpectQuery(`SELECT (.+) FROM workflow_history WHERE instance_id = \$1`).
		WithArgs(instanceID).
		WillReturnRows(rows)

	out, err := repo.History().ListByInstance(context.Background(), instanceID)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, models.HistoryStatusSuccess, out[0].Status)
	assert.Equal(t, true, out[0].OutputData["ok"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryDeleteEntries(t *testing.T) {
	repo, mock := newMockRepo(t)
	ids := []uuid.UUID{uuid.New(), uuid.New()}

	mock.ExpectExec(`DELETE FROM workflow_history WHERE id = ANY\(\$1\)`).
		WithArgs(pq.StringArray{ids[0].String(), ids[1].String()}).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.History().DeleteEntries(context.Background(), ids))

	// Empty slice is a no-op with no database round trip.
	require.NoError(t, repo.History().DeleteEntries(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func userTaskRows(tasks ...*models.UserTask) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "instance_id", "step_id", "name", "description", "form_key",
		"form_data", "assignee", "candidate_users", "candidate_groups",
		"priority", "status", "due_date", "create_time", "created_by",
		"completed_by", "completed_time", "delegated_by", "delegated_time",
		"delegation_reason", "reclaimed_by", "reclaimed_time",
	})
	for _, task := range tasks {
		rows.AddRow(
			task.ID, task.InstanceID, task.StepID, task.Name, task.Description,
			task.FormKey, []byte(`{}`), task.Assignee, task.CandidateUsers,
			task.CandidateGroups, task.Priority, task.Status, task.DueDate,
			task.CreateTime, task.CreatedBy, task.CompletedBy, task.CompletedTime,
			task.DelegatedBy, task.DelegatedTime, task.DelegationReason,
			task.ReclaimedBy, task.ReclaimedTime,
		)
	}
	return rows
}

func TestUserTaskListPendingForUser(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()
	mine := &models.UserTask{
		ID: uuid.New(), InstanceID: uuid.New(), StepID: "approve",
		Name: "approve", Assignee: "alice", Priority: 80,
		Status: models.UserTaskStatusAssigned, CreateTime: now,
	}
	groupTask := &models.UserTask{
		ID: uuid.New(), InstanceID: uuid.New(), StepID: "review",
		Name: "review", CandidateGroups: pq.StringArray{"finance"}, Priority: 50,
		Status: models.UserTaskStatusCreated, CreateTime: now,
	}
	someoneElses := &models.UserTask{
		ID: uuid.New(), InstanceID: uuid.New(), StepID: "ship",
		Name: "ship", Assignee: "bob", Priority: 90,
		Status: models.UserTaskStatusAssigned, CreateTime: now,
	}

	mock.ExpectQuery(`SELECT (.+) FROM user_tasks\s+WHERE status = ANY\(\$1\)`).
		WillReturnRows(userTaskRows(someoneElses, mine, groupTask))

	inFinance := func(userID, group string) bool {
		return userID == "alice" && group == "finance"
	}
	out, err := repo.UserTasks().ListPendingForUser(context.Background(), "alice", inFinance, 0, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, mine.ID, out[0].ID)
	assert.Equal(t, groupTask.ID, out[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserTaskCountPendingForAssignee(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM user_tasks WHERE assignee = \$1`).
		WithArgs("bob", pendingStatuses).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	count, err := repo.UserTasks().CountPendingForAssignee(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserTaskSaveAndGetNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	task := &models.UserTask{
		ID: uuid.New(), InstanceID: uuid.New(), StepID: "approve",
		Name: "approve", Status: models.UserTaskStatusCreated,
		FormData: models.JSONMap{}, CreateTime: time.Now().UTC(),
	}

	mock.ExpectExec(`INSERT INTO user_tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UserTasks().Save(context.Background(), task))

	missing := uuid.New()
	mock.ExpectQuery(`SELECT (.+) FROM user_tasks WHERE id = \$1`).
		WithArgs(missing).
		WillReturnRows(userTaskRows())

	_, err := repo.UserTasks().Get(context.Background(), missing)
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVariableUpsert(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()
	v := &models.Variable{
		ID:         uuid.New(),
		InstanceID: uuid.New(),
		Name:       "total",
		Type:       models.VarTypeDouble,
		Value:      "99.5",
		Scope:      models.ScopeInstance,
		CreateTime: now,
		UpdateTime: now,
	}

	mock.ExpectExec(`INSERT INTO workflow_variables`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Variables().Upsert(context.Background(), v))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVariableUpsertRejectsInvalid(t *testing.T) {
	repo, mock := newMockRepo(t)

	err := repo.Variables().Upsert(context.Background(), &models.Variable{
		InstanceID: uuid.New(),
		Scope:      models.ScopeInstance,
	})
	require.Error(t, err, "nameless variable must be rejected before hitting the database")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVariableLookup(t *testing.T) {
	repo, mock := newMockRepo(t)
	instanceID := uuid.New()
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "instance_id", "name", "type", "value", "scope", "step_id",
		"create_time", "update_time",
	}).AddRow(uuid.New(), instanceID, "total", "double", "99.5", "instance", "", now, now)

	mock.ExpectQuery(regexp.QuoteMeta(
		`WHERE instance_id = $1 AND scope = $2 AND name = $3 AND step_id = $4`)).
		WithArgs(instanceID, models.ScopeInstance, "total", "").
		WillReturnRows(rows)

	v, err := repo.Variables().Lookup(context.Background(), instanceID, models.ScopeInstance, "total", "")
	require.NoError(t, err)
	assert.Equal(t, "99.5", v.Value)
	assert.Equal(t, models.VarTypeDouble, v.Type)

	mock.ExpectQuery(`SELECT (.+) FROM workflow_variables`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = repo.Variables().Lookup(context.Background(), instanceID, models.ScopeInstance, "missing", "")
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesPendingMigrations(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS _migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM _migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS workflow_definitions`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO _migrations`).
		WithArgs("0001_init.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Migrate(context.Background(), observability.NewNoopLogger()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateSkipsAppliedMigrations(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS _migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM _migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001_init.sql"))

	require.NoError(t, repo.Migrate(context.Background(), observability.NewNoopLogger()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
