package executors

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/S-Corkum/meshflow/pkg/models"
	"github.com/S-Corkum/meshflow/pkg/observability"
)

// TaskResult is what a task handler returns; the executor lifts it to a
// step execution result.
type TaskResult struct {
	Status models.ResultStatus
	Output models.JSONMap
}

// TaskHandler performs the work for one task type.
type TaskHandler interface {
	Name() string
	// Validate rejects configs missing the handler's required keys.
	Validate(config models.JSONMap) error
	Handle(ctx context.Context, step *models.Step, ec *models.StepExecutionContext) (*TaskResult, error)
}

// TaskExecutor dispatches task-family steps to pluggable handlers selected
// by config.taskType.
type TaskExecutor struct {
	BaseExecutor
	logger observability.Logger

	hmu      sync.Mutex
	handlers atomic.Value // map[string]TaskHandler
}

// taskTypeDefaults maps a step type to the handler used when the config
// names none.
var taskTypeDefaults = map[models.StepType]string{
	models.StepTypeTask:        "default",
	models.StepTypeServiceCall: "http",
	models.StepTypeScript:      "script",
	models.StepTypeEmail:       "email",
}

// NewTaskExecutor creates a task executor with the built-in handlers
// registered: default, script, http, database, file, email.
func NewTaskExecutor(logger observability.Logger, predicates *PredicateRegistry, db *sqlx.DB, notifiers *NotifierRegistry) *TaskExecutor {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	e := &TaskExecutor{
		BaseExecutor: NewBaseExecutor("task-executor", predicates,
			models.StepTypeTask, models.StepTypeServiceCall, models.StepTypeScript, models.StepTypeEmail),
		logger: logger,
	}
	e.handlers.Store(map[string]TaskHandler{})
	e.RegisterHandler(&DefaultTaskHandler{})
	e.RegisterHandler(NewScriptTaskHandler())
	e.RegisterHandler(NewHTTPTaskHandler(nil))
	e.RegisterHandler(NewDatabaseTaskHandler(db))
	e.RegisterHandler(&FileTaskHandler{})
	e.RegisterHandler(NewEmailTaskHandler(notifiers, logger))
	return e
}

// RegisterHandler publishes a handler, replacing any previous one with the
// same name.
func (e *TaskExecutor) RegisterHandler(h TaskHandler) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	old := e.handlers.Load().(map[string]TaskHandler)
	next := make(map[string]TaskHandler, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[h.Name()] = h
	e.handlers.Store(next)
}

func (e *TaskExecutor) handlerFor(step *models.Step) (TaskHandler, error) {
	taskType := step.Config.GetString("taskType")
	if taskType == "" {
		taskType = taskTypeDefaults[step.Type]
	}
	if taskType == "" {
		taskType = "default"
	}
	h, ok := e.handlers.Load().(map[string]TaskHandler)[taskType]
	if !ok {
		return nil, models.NewWorkflowError(models.ErrKindConfiguration,
			fmt.Sprintf("no task handler registered for type %q", taskType)).WithStep(step.ID)
	}
	return h, nil
}

// ValidateConfig delegates to the selected handler's validation.
func (e *TaskExecutor) ValidateConfig(step *models.Step) error {
	h, err := e.handlerFor(step)
	if err != nil {
		return err
	}
	return h.Validate(step.Config)
}

// Execute dispatches to the handler and lifts its result.
func (e *TaskExecutor) Execute(ctx context.Context, step *models.Step, ec *models.StepExecutionContext) (*models.StepExecutionResult, error) {
	h, err := e.handlerFor(step)
	if err != nil {
		return nil, err
	}

	res, err := h.Handle(ctx, step, ec)
	if err != nil {
		return nil, err
	}

	switch res.Status {
	case models.ResultSuccess:
		return models.NewSuccessResult(res.Output), nil
	case models.ResultWaiting:
		return models.NewWaitingResult(res.Output), nil
	case models.ResultRetry:
		return &models.StepExecutionResult{Status: models.ResultRetry, OutputData: res.Output, NeedRetry: true}, nil
	default:
		return &models.StepExecutionResult{Status: models.ResultFailed, OutputData: res.Output,
			ErrorMessage: fmt.Sprintf("task handler %s reported failure", h.Name())}, nil
	}
}

// DefaultTaskHandler echoes its inputs; it is the no-op work unit used by
// tests and by workflows whose steps only move data.
type DefaultTaskHandler struct{}

// Name returns "default".
func (*DefaultTaskHandler) Name() string { return "default" }

// Validate accepts any config.
func (*DefaultTaskHandler) Validate(models.JSONMap) error { return nil }

// Handle copies the caller inputs into the output.
func (*DefaultTaskHandler) Handle(_ context.Context, step *models.Step, ec *models.StepExecutionContext) (*TaskResult, error) {
	out := models.JSONMap{}
	if ec.InputParameters != nil {
		out.Merge(ec.InputParameters)
	}
	if data := step.Config.GetMap("output"); data != nil {
		out.Merge(data)
	}
	return &TaskResult{Status: models.ResultSuccess, Output: out}, nil
}

// ScriptTaskHandler evaluates a JavaScript snippet against the execution
// context. The script sees the instance context and caller inputs as
// globals; its completion value becomes the step output under "result".
type ScriptTaskHandler struct{}

// NewScriptTaskHandler creates the script handler.
func NewScriptTaskHandler() *ScriptTaskHandler { return &ScriptTaskHandler{} }

// Name returns "script".
func (*ScriptTaskHandler) Name() string { return "script" }

// Validate requires the script source.
func (*ScriptTaskHandler) Validate(config models.JSONMap) error {
	if config.GetString("script") == "" {
		return models.NewValidationError("config.script", "required for script tasks")
	}
	return nil
}

// Handle runs the script in a fresh VM.
func (*ScriptTaskHandler) Handle(ctx context.Context, step *models.Step, ec *models.StepExecutionContext) (*TaskResult, error) {
	script := step.Config.GetString("script")

	vm := goja.New()
	for k, v := range ec.InstanceContext {
		if err := vm.Set(k, v); err != nil {
			return nil, errors.Wrapf(err, "failed to bind context variable %s", k)
		}
	}
	for k, v := range ec.InputParameters {
		if err := vm.Set(k, v); err != nil {
			return nil, errors.Wrapf(err, "failed to bind input parameter %s", k)
		}
	}

	// Interrupt the VM when the step deadline fires.
	if deadline, ok := ctx.Deadline(); ok {
		timer := time.AfterFunc(time.Until(deadline), func() {
			vm.Interrupt("step timeout")
		})
		defer timer.Stop()
	}

	value, err := vm.RunString(script)
	if err != nil {
		return nil, models.NewExecutionError("script evaluation failed", err).WithStep(step.ID)
	}

	out := models.JSONMap{}
	if value != nil {
		exported := value.Export()
		if m, ok := exported.(map[string]interface{}); ok {
			out.Merge(m)
		} else if exported != nil {
			out["result"] = exported
		}
	}
	return &TaskResult{Status: models.ResultSuccess, Output: out}, nil
}

// HTTPTaskHandler calls an upstream endpoint. Outbound calls go through a
// circuit breaker so a flapping upstream fails fast instead of tying up
// worker threads.
type HTTPTaskHandler struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPTaskHandler creates the http handler; a nil client uses a default
// with a 30 s timeout.
func NewHTTPTaskHandler(client *http.Client) *HTTPTaskHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "http_task_handler",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &HTTPTaskHandler{client: client, breaker: cb}
}

// Name returns "http".
func (*HTTPTaskHandler) Name() string { return "http" }

// Validate requires the target url.
func (*HTTPTaskHandler) Validate(config models.JSONMap) error {
	if config.GetString("url") == "" {
		return models.NewValidationError("config.url", "required for http tasks")
	}
	return nil
}

// Handle performs the request and returns status code and body.
func (h *HTTPTaskHandler) Handle(ctx context.Context, step *models.Step, ec *models.StepExecutionContext) (*TaskResult, error) {
	url := step.Config.GetString("url")
	method := strings.ToUpper(step.Config.GetString("method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if payload := step.Config.GetString("body"); payload != "" {
		body = strings.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, models.NewWorkflowError(models.ErrKindConfiguration, "invalid http task request").WithCause(err).WithStep(step.ID)
	}
	for k, v := range step.Config.GetMap("headers") {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}

	resp, err := h.breaker.Execute(func() (interface{}, error) {
		return h.client.Do(req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, models.NewWorkflowError(models.ErrKindResource, "http task circuit open").WithCause(err).WithStep(step.ID)
		}
		return nil, models.NewWorkflowError(models.ErrKindNetwork, "http task request failed").WithCause(err).WithStep(step.ID)
	}

	httpResp := resp.(*http.Response)
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, models.NewWorkflowError(models.ErrKindNetwork, "failed to read http task response").WithCause(err).WithStep(step.ID)
	}

	out := models.JSONMap{
		"statusCode": httpResp.StatusCode,
		"body":       string(data),
	}
	if httpResp.StatusCode >= 500 {
		return &TaskResult{Status: models.ResultRetry, Output: out}, nil
	}
	if httpResp.StatusCode >= 400 {
		return &TaskResult{Status: models.ResultFailed, Output: out}, nil
	}
	return &TaskResult{Status: models.ResultSuccess, Output: out}, nil
}

// DatabaseTaskHandler runs a SQL statement against the configured database.
type DatabaseTaskHandler struct {
	db *sqlx.DB
}

// NewDatabaseTaskHandler creates the database handler; db may be nil when
// the deployment has no database, in which case execution fails with a
// resource error.
func NewDatabaseTaskHandler(db *sqlx.DB) *DatabaseTaskHandler {
	return &DatabaseTaskHandler{db: db}
}

// Name returns "database".
func (*DatabaseTaskHandler) Name() string { return "database" }

// Validate requires the sql statement.
func (*DatabaseTaskHandler) Validate(config models.JSONMap) error {
	if config.GetString("sql") == "" {
		return models.NewValidationError("config.sql", "required for database tasks")
	}
	return nil
}

// Handle executes the statement. Queries return rows under "rows";
// statements return the affected count under "rowsAffected".
func (h *DatabaseTaskHandler) Handle(ctx context.Context, step *models.Step, _ *models.StepExecutionContext) (*TaskResult, error) {
	if h.db == nil {
		return nil, models.NewWorkflowError(models.ErrKindResource, "database task handler has no database").WithStep(step.ID)
	}
	query := step.Config.GetString("sql")

	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(query)), "select") {
		rows, err := h.db.QueryxContext(ctx, query)
		if err != nil {
			return nil, models.NewExecutionError("database query failed", err).WithStep(step.ID)
		}
		defer func() { _ = rows.Close() }()

		var results []map[string]interface{}
		for rows.Next() {
			row := map[string]interface{}{}
			if err := rows.MapScan(row); err != nil {
				return nil, models.NewExecutionError("database row scan failed", err).WithStep(step.ID)
			}
			results = append(results, row)
		}
		if err := rows.Err(); err != nil {
			return nil, models.NewExecutionError("database iteration failed", err).WithStep(step.ID)
		}
		return &TaskResult{Status: models.ResultSuccess, Output: models.JSONMap{"rows": results, "rowCount": len(results)}}, nil
	}

	res, err := h.db.ExecContext(ctx, query)
	if err != nil {
		return nil, models.NewExecutionError("database statement failed", err).WithStep(step.ID)
	}
	affected, _ := res.RowsAffected()
	return &TaskResult{Status: models.ResultSuccess, Output: models.JSONMap{"rowsAffected": affected}}, nil
}

// FileTaskHandler performs basic filesystem operations.
type FileTaskHandler struct{}

// Name returns "file".
func (*FileTaskHandler) Name() string { return "file" }

// Validate requires path and operation.
func (*FileTaskHandler) Validate(config models.JSONMap) error {
	if config.GetString("path") == "" {
		return models.NewValidationError("config.path", "required for file tasks")
	}
	switch op := config.GetString("operation"); op {
	case "read", "write", "delete", "exists":
		return nil
	default:
		return models.NewValidationError("config.operation", fmt.Sprintf("unknown file operation %q", op))
	}
}

// Handle performs the requested operation.
func (*FileTaskHandler) Handle(_ context.Context, step *models.Step, _ *models.StepExecutionContext) (*TaskResult, error) {
	path := step.Config.GetString("path")
	switch step.Config.GetString("operation") {
	case "read":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, models.NewExecutionError("file read failed", err).WithStep(step.ID)
		}
		return &TaskResult{Status: models.ResultSuccess, Output: models.JSONMap{"content": string(data), "size": len(data)}}, nil
	case "write":
		content := step.Config.GetString("content")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, models.NewExecutionError("file write failed", err).WithStep(step.ID)
		}
		return &TaskResult{Status: models.ResultSuccess, Output: models.JSONMap{"written": len(content)}}, nil
	case "delete":
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, models.NewExecutionError("file delete failed", err).WithStep(step.ID)
		}
		return &TaskResult{Status: models.ResultSuccess, Output: models.JSONMap{"deleted": true}}, nil
	case "exists":
		_, err := os.Stat(path)
		return &TaskResult{Status: models.ResultSuccess, Output: models.JSONMap{"exists": err == nil}}, nil
	default:
		return nil, models.NewValidationError("config.operation", "unknown file operation")
	}
}

// EmailTaskHandler sends a message through the email notifier channel.
type EmailTaskHandler struct {
	notifiers *NotifierRegistry
	logger    observability.Logger
}

// NewEmailTaskHandler creates the email handler.
func NewEmailTaskHandler(notifiers *NotifierRegistry, logger observability.Logger) *EmailTaskHandler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &EmailTaskHandler{notifiers: notifiers, logger: logger}
}

// Name returns "email".
func (*EmailTaskHandler) Name() string { return "email" }

// Validate requires a recipient.
func (*EmailTaskHandler) Validate(config models.JSONMap) error {
	if config.GetString("to") == "" {
		return models.NewValidationError("config.to", "required for email tasks")
	}
	return nil
}

// Handle delivers the message via the registered email notifier.
func (h *EmailTaskHandler) Handle(ctx context.Context, step *models.Step, ec *models.StepExecutionContext) (*TaskResult, error) {
	if h.notifiers == nil {
		return nil, models.NewWorkflowError(models.ErrKindResource, "email task handler has no notifiers").WithStep(step.ID)
	}
	notifier, ok := h.notifiers.Get("email")
	if !ok {
		return nil, models.NewWorkflowError(models.ErrKindConfiguration, "no email notifier registered").WithStep(step.ID)
	}
	err := notifier.Notify(ctx, &Notification{
		Type:       "email",
		Recipient:  step.Config.GetString("to"),
		Subject:    step.Config.GetString("subject"),
		Body:       step.Config.GetString("body"),
		InstanceID: ec.InstanceID.String(),
	})
	if err != nil {
		return nil, models.NewWorkflowError(models.ErrKindNetwork, "email delivery failed").WithCause(err).WithStep(step.ID)
	}
	return &TaskResult{Status: models.ResultSuccess, Output: models.JSONMap{"sent": true}}, nil
}
