// Package postgres provides the production Repository implementation over
// postgres via sqlx.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/S-Corkum/meshflow/pkg/models"
	"github.com/S-Corkum/meshflow/pkg/repository/interfaces"
)

// Repository implements interfaces.Repository over postgres.
type Repository struct {
	db *sqlx.DB
}

var _ interfaces.Repository = (*Repository)(nil)

// New wraps an open connection pool.
func New(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Connect opens and pings a postgres pool with the given settings.
func Connect(dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*Repository, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connMaxLifetime)
	return New(db), nil
}

// DB exposes the underlying pool, for task handlers that run SQL.
func (r *Repository) DB() *sqlx.DB { return r.db }

// Close closes the pool.
func (r *Repository) Close() error { return r.db.Close() }

// Definitions returns the definition port.
func (r *Repository) Definitions() interfaces.DefinitionRepository { return (*definitionRepo)(r) }

// Instances returns the instance port.
func (r *Repository) Instances() interfaces.InstanceRepository { return (*instanceRepo)(r) }

// History returns the history port.
func (r *Repository) History() interfaces.HistoryRepository { return (*historyRepo)(r) }

// UserTasks returns the user-task port.
func (r *Repository) UserTasks() interfaces.UserTaskRepository { return (*userTaskRepo)(r) }

// Variables returns the variable port.
func (r *Repository) Variables() interfaces.VariableRepository { return (*variableRepo)(r) }

func notFoundIfNoRows(err error, entity, id string) error {
	if err == sql.ErrNoRows {
		return models.NewNotFoundError(entity, id)
	}
	return errors.Wrapf(err, "query failed for %s %s", entity, id)
}

// definitions

type definitionRepo Repository

func (r *definitionRepo) Get(ctx context.Context, id string) (*models.Workflow, error) {
	var wf models.Workflow
	err := r.db.GetContext(ctx, &wf, `
		SELECT id, name, version, description, status, steps, config, created_by, created_at, updated_at
		FROM workflow_definitions WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundIfNoRows(err, "workflow", id)
	}
	return &wf, nil
}

func (r *definitionRepo) ListByName(ctx context.Context, name string) ([]*models.Workflow, error) {
	var out []*models.Workflow
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, name, version, description, status, steps, config, created_by, created_at, updated_at
		FROM workflow_definitions WHERE name = $1 ORDER BY version`, name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list workflows named %s", name)
	}
	return out, nil
}

func (r *definitionRepo) Save(ctx context.Context, wf *models.Workflow) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, name, version, description, status, steps, config, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, version = EXCLUDED.version, description = EXCLUDED.description,
			status = EXCLUDED.status, steps = EXCLUDED.steps, config = EXCLUDED.config,
			updated_at = EXCLUDED.updated_at`,
		wf.ID, wf.Name, wf.Version, wf.Description, wf.Status, wf.Steps, wf.Config,
		wf.CreatedBy, wf.CreatedAt, wf.UpdatedAt)
	return errors.Wrapf(err, "failed to save workflow %s", wf.ID)
}

func (r *definitionRepo) UpdateStatus(ctx context.Context, id string, status models.WorkflowStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE workflow_definitions SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update workflow %s status", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewNotFoundError("workflow", id)
	}
	return nil
}

// instances

type instanceRepo Repository

const instanceColumns = `id, workflow_id, name, business_key, priority, status, current_step_id,
	current_step_order, start_user_id, current_user_id, context, config,
	create_time, update_time, start_time, end_time, error_message, error_stack`

func (r *instanceRepo) Get(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	var inst models.Instance
	err := r.db.GetContext(ctx, &inst,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundIfNoRows(err, "instance", id.String())
	}
	return &inst, nil
}

func (r *instanceRepo) ListByBusinessKey(ctx context.Context, businessKey string) ([]*models.Instance, error) {
	var out []*models.Instance
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE business_key = $1 ORDER BY create_time`,
		businessKey)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list instances for business key %s", businessKey)
	}
	return out, nil
}

func (r *instanceRepo) ListWithFilter(ctx context.Context, filter interfaces.InstanceFilter) ([]*models.Instance, error) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.WorkflowID != "" {
		conds = append(conds, "workflow_id = "+arg(filter.WorkflowID))
	}
	if filter.StartUserID != "" {
		conds = append(conds, "start_user_id = "+arg(filter.StartUserID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		conds = append(conds, "status = ANY("+arg(pq.StringArray(statuses))+")")
	}
	if filter.EndedBefore != nil {
		conds = append(conds, "end_time < "+arg(*filter.EndedBefore))
	}
	if filter.CreatedAfter != nil {
		conds = append(conds, "create_time > "+arg(*filter.CreatedAfter))
	}
	if filter.CreatedBefore != nil {
		conds = append(conds, "create_time < "+arg(*filter.CreatedBefore))
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY create_time"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	var out []*models.Instance
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list instances")
	}
	return out, nil
}

func (r *instanceRepo) Save(ctx context.Context, inst *models.Instance) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO workflow_instances
			(id, workflow_id, name, business_key, priority, status, current_step_id,
			 current_step_order, start_user_id, current_user_id, context, config,
			 create_time, update_time, start_time, end_time, error_message, error_stack)
		VALUES
			(:id, :workflow_id, :name, :business_key, :priority, :status, :current_step_id,
			 :current_step_order, :start_user_id, :current_user_id, :context, :config,
			 :create_time, :update_time, :start_time, :end_time, :error_message, :error_stack)`,
		inst)
	return errors.Wrapf(err, "failed to save instance %s", inst.ID)
}

func (r *instanceRepo) Update(ctx context.Context, inst *models.Instance) error {
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE workflow_instances SET
			status = :status, current_step_id = :current_step_id,
			current_step_order = :current_step_order, current_user_id = :current_user_id,
			context = :context, update_time = :update_time, start_time = :start_time,
			end_time = :end_time, error_message = :error_message, error_stack = :error_stack
		WHERE id = :id`, inst)
	if err != nil {
		return errors.Wrapf(err, "failed to update instance %s", inst.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewNotFoundError("instance", inst.ID.String())
	}
	return nil
}

func (r *instanceRepo) DeleteCascade(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin delete transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"workflow_history", "user_tasks", "workflow_variables"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE instance_id = $1`, id); err != nil {
			return errors.Wrapf(err, "failed to delete %s for instance %s", table, id)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_instances WHERE id = $1`, id); err != nil {
		return errors.Wrapf(err, "failed to delete instance %s", id)
	}
	return errors.Wrap(tx.Commit(), "failed to commit instance delete")
}

// history

type historyRepo Repository

func (r *historyRepo) AppendEntry(ctx context.Context, entry *models.HistoryEntry) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO workflow_history
			(id, instance_id, step_id, step_name, step_type, status, executor_name,
			 input_data, output_data, error_message, started_time, completed_time,
			 execution_time_ms, retry_count)
		VALUES
			(:id, :instance_id, :step_id, :step_name, :step_type, :status, :executor_name,
			 :input_data, :output_data, :error_message, :started_time, :completed_time,
			 :execution_time_ms, :retry_count)`, entry)
	return errors.Wrapf(err, "failed to append history for instance %s", entry.InstanceID)
}

func (r *historyRepo) ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]*models.HistoryEntry, error) {
	var out []*models.HistoryEntry
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, instance_id, step_id, step_name, step_type, status, executor_name,
		       input_data, output_data, error_message, started_time, completed_time,
		       execution_time_ms, retry_count
		FROM workflow_history WHERE instance_id = $1 ORDER BY started_time, id`, instanceID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list history for instance %s", instanceID)
	}
	return out, nil
}

func (r *historyRepo) DeleteByInstance(ctx context.Context, instanceID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM workflow_history WHERE instance_id = $1`, instanceID)
	return errors.Wrapf(err, "failed to delete history for instance %s", instanceID)
}

func (r *historyRepo) DeleteEntries(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM workflow_history WHERE id = ANY($1)`, pq.StringArray(strIDs))
	return errors.Wrap(err, "failed to delete history entries")
}

// user tasks

type userTaskRepo Repository

const userTaskColumns = `id, instance_id, step_id, name, description, form_key, form_data,
	assignee, candidate_users, candidate_groups, priority, status, due_date,
	create_time, created_by, completed_by, completed_time, delegated_by,
	delegated_time, delegation_reason, reclaimed_by, reclaimed_time`

func (r *userTaskRepo) Save(ctx context.Context, task *models.UserTask) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO user_tasks
			(id, instance_id, step_id, name, description, form_key, form_data,
			 assignee, candidate_users, candidate_groups, priority, status, due_date,
			 create_time, created_by, completed_by, completed_time, delegated_by,
			 delegated_time, delegation_reason, reclaimed_by, reclaimed_time)
		VALUES
			(:id, :instance_id, :step_id, :name, :description, :form_key, :form_data,
			 :assignee, :candidate_users, :candidate_groups, :priority, :status, :due_date,
			 :create_time, :created_by, :completed_by, :completed_time, :delegated_by,
			 :delegated_time, :delegation_reason, :reclaimed_by, :reclaimed_time)`, task)
	return errors.Wrapf(err, "failed to save user task %s", task.ID)
}

func (r *userTaskRepo) Get(ctx context.Context, id uuid.UUID) (*models.UserTask, error) {
	var task models.UserTask
	err := r.db.GetContext(ctx, &task,
		`SELECT `+userTaskColumns+` FROM user_tasks WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundIfNoRows(err, "user task", id.String())
	}
	return &task, nil
}

func (r *userTaskRepo) ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]*models.UserTask, error) {
	var out []*models.UserTask
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+userTaskColumns+` FROM user_tasks WHERE instance_id = $1 ORDER BY create_time`, instanceID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list tasks for instance %s", instanceID)
	}
	return out, nil
}

// pendingStatuses are the user task statuses that still await completion.
var pendingStatuses = pq.StringArray{
	string(models.UserTaskStatusCreated),
	string(models.UserTaskStatusAssigned),
	string(models.UserTaskStatusInProgress),
	string(models.UserTaskStatusDelegated),
	string(models.UserTaskStatusReclaimed),
}

// ListPendingForUser fetches by assignment and candidate-user match in SQL
// and applies the group predicate in memory, since group membership lives
// outside the database.
func (r *userTaskRepo) ListPendingForUser(ctx context.Context, userID string, inGroup models.GroupLookup, limit, offset int) ([]*models.UserTask, error) {
	var rows []*models.UserTask
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+userTaskColumns+` FROM user_tasks
		WHERE status = ANY($1)
		ORDER BY priority DESC, create_time`, pendingStatuses)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list pending tasks for %s", userID)
	}

	var out []*models.UserTask
	for _, t := range rows {
		if t.CanAct(userID, inGroup) {
			out = append(out, t)
		}
	}
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *userTaskRepo) CountPendingForAssignee(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM user_tasks WHERE assignee = $1 AND status = ANY($2)`,
		userID, pendingStatuses)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count pending tasks for %s", userID)
	}
	return count, nil
}

func (r *userTaskRepo) Update(ctx context.Context, task *models.UserTask) error {
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE user_tasks SET
			assignee = :assignee, status = :status, form_data = :form_data,
			completed_by = :completed_by, completed_time = :completed_time,
			delegated_by = :delegated_by, delegated_time = :delegated_time,
			delegation_reason = :delegation_reason, reclaimed_by = :reclaimed_by,
			reclaimed_time = :reclaimed_time
		WHERE id = :id`, task)
	if err != nil {
		return errors.Wrapf(err, "failed to update user task %s", task.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewNotFoundError("user task", task.ID.String())
	}
	return nil
}

func (r *userTaskRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM user_tasks WHERE id = $1`, id)
	return errors.Wrapf(err, "failed to delete user task %s", id)
}

// variables

type variableRepo Repository

func (r *variableRepo) Upsert(ctx context.Context, v *models.Variable) error {
	if err := v.Validate(); err != nil {
		return err
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO workflow_variables
			(id, instance_id, name, type, value, scope, step_id, create_time, update_time)
		VALUES
			(:id, :instance_id, :name, :type, :value, :scope, :step_id, :create_time, :update_time)
		ON CONFLICT (instance_id, scope, name, step_id) DO UPDATE SET
			type = EXCLUDED.type, value = EXCLUDED.value, update_time = EXCLUDED.update_time`, v)
	return errors.Wrapf(err, "failed to upsert variable %s", v.Name)
}

func (r *variableRepo) Lookup(ctx context.Context, instanceID uuid.UUID, scope models.VariableScope, name, stepID string) (*models.Variable, error) {
	var v models.Variable
	err := r.db.GetContext(ctx, &v, `
		SELECT id, instance_id, name, type, value, scope, step_id, create_time, update_time
		FROM workflow_variables
		WHERE instance_id = $1 AND scope = $2 AND name = $3 AND step_id = $4`,
		instanceID, scope, name, stepID)
	if err != nil {
		return nil, notFoundIfNoRows(err, "variable", name)
	}
	return &v, nil
}

func (r *variableRepo) Delete(ctx context.Context, instanceID uuid.UUID, scope models.VariableScope, name, stepID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM workflow_variables
		WHERE instance_id = $1 AND scope = $2 AND name = $3 AND step_id = $4`,
		instanceID, scope, name, stepID)
	return errors.Wrapf(err, "failed to delete variable %s", name)
}

func (r *variableRepo) ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]*models.Variable, error) {
	var out []*models.Variable
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, instance_id, name, type, value, scope, step_id, create_time, update_time
		FROM workflow_variables WHERE instance_id = $1 ORDER BY name`, instanceID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list variables for instance %s", instanceID)
	}
	return out, nil
}
