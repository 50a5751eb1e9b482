package executors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/meshflow/pkg/models"
	"github.com/S-Corkum/meshflow/pkg/observability"
)

func newTestTaskExecutor() *TaskExecutor {
	return NewTaskExecutor(observability.NewNoopLogger(), NewPredicateRegistry(), nil, NewNotifierRegistry())
}

func TestDefaultHandlerEchoesInputs(t *testing.T) {
	exec := newTestTaskExecutor()
	step := &models.Step{ID: "s1", Type: models.StepTypeTask, Config: models.JSONMap{}}
	ec := &models.StepExecutionContext{
		InstanceID:      uuid.New(),
		InputParameters: models.JSONMap{"order": "ord-1"},
	}

	result, err := exec.Execute(context.Background(), step, ec)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
	assert.Equal(t, "ord-1", result.OutputData.GetString("order"))
}

func TestTaskExecutorUnknownHandler(t *testing.T) {
	exec := newTestTaskExecutor()
	step := &models.Step{ID: "s1", Type: models.StepTypeTask, Config: models.JSONMap{"taskType": "nope"}}

	_, err := exec.Execute(context.Background(), step, &models.StepExecutionContext{})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindConfiguration, models.KindOf(err))
}

func TestTaskTypeDefaultsByStepType(t *testing.T) {
	exec := newTestTaskExecutor()

	// A script step with no explicit taskType must resolve to the script
	// handler, whose validation demands a script body.
	step := &models.Step{ID: "s1", Type: models.StepTypeScript, Config: models.JSONMap{}}
	err := exec.ValidateConfig(step)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.script")
}

func TestScriptHandlerEvaluatesContext(t *testing.T) {
	exec := newTestTaskExecutor()
	step := &models.Step{
		ID:   "calc",
		Type: models.StepTypeScript,
		Config: models.JSONMap{
			"script": `({ total: price * quantity })`,
		},
	}
	ec := &models.StepExecutionContext{
		InstanceContext: models.JSONMap{"price": 4},
		InputParameters: models.JSONMap{"quantity": 3},
	}

	result, err := exec.Execute(context.Background(), step, ec)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
	assert.Equal(t, 12, result.OutputData.GetInt("total"))
}

func TestScriptHandlerScalarResult(t *testing.T) {
	exec := newTestTaskExecutor()
	step := &models.Step{
		ID:     "calc",
		Type:   models.StepTypeScript,
		Config: models.JSONMap{"script": `1 + 2`},
	}

	result, err := exec.Execute(context.Background(), step, &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.OutputData.GetInt("result"))
}

func TestScriptHandlerSyntaxError(t *testing.T) {
	exec := newTestTaskExecutor()
	step := &models.Step{
		ID:     "bad",
		Type:   models.StepTypeScript,
		Config: models.JSONMap{"script": `this is not javascript`},
	}

	_, err := exec.Execute(context.Background(), step, &models.StepExecutionContext{})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindExecution, models.KindOf(err))
}

func TestHTTPHandlerSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	exec := newTestTaskExecutor()
	step := &models.Step{
		ID:   "call",
		Type: models.StepTypeServiceCall,
		Config: models.JSONMap{
			"url":     server.URL,
			"headers": map[string]interface{}{"Content-Type": "application/json"},
		},
	}

	result, err := exec.Execute(context.Background(), step, &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
	assert.Equal(t, 200, result.OutputData.GetInt("statusCode"))
	assert.Contains(t, result.OutputData.GetString("body"), "ok")
}

func TestHTTPHandlerClientErrorFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	exec := newTestTaskExecutor()
	step := &models.Step{
		ID:     "call",
		Type:   models.StepTypeServiceCall,
		Config: models.JSONMap{"url": server.URL},
	}

	result, err := exec.Execute(context.Background(), step, &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailed, result.Status)
	assert.Equal(t, 404, result.OutputData.GetInt("statusCode"))
}

func TestHTTPHandlerServerErrorRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	exec := newTestTaskExecutor()
	step := &models.Step{
		ID:     "call",
		Type:   models.StepTypeServiceCall,
		Config: models.JSONMap{"url": server.URL},
	}

	result, err := exec.Execute(context.Background(), step, &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultRetry, result.Status)
	assert.True(t, result.NeedRetry)
}

func TestHTTPHandlerValidation(t *testing.T) {
	exec := newTestTaskExecutor()
	step := &models.Step{ID: "call", Type: models.StepTypeServiceCall, Config: models.JSONMap{}}

	err := exec.ValidateConfig(step)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.url")
}

func TestFileHandlerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.txt")

	exec := newTestTaskExecutor()
	write := &models.Step{
		ID:   "w",
		Type: models.StepTypeTask,
		Config: models.JSONMap{
			"taskType":  "file",
			"operation": "write",
			"path":      path,
			"content":   "hello",
		},
	}
	result, err := exec.Execute(context.Background(), write, &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)

	read := &models.Step{
		ID:   "r",
		Type: models.StepTypeTask,
		Config: models.JSONMap{
			"taskType":  "file",
			"operation": "read",
			"path":      path,
		},
	}
	result, err = exec.Execute(context.Background(), read, &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.OutputData.GetString("content"))

	del := &models.Step{
		ID:   "d",
		Type: models.StepTypeTask,
		Config: models.JSONMap{
			"taskType":  "file",
			"operation": "delete",
			"path":      path,
		},
	}
	_, err = exec.Execute(context.Background(), del, &models.StepExecutionContext{})
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFileHandlerRejectsUnknownOperation(t *testing.T) {
	exec := newTestTaskExecutor()
	step := &models.Step{
		ID:   "x",
		Type: models.StepTypeTask,
		Config: models.JSONMap{
			"taskType":  "file",
			"operation": "truncate",
			"path":      "/tmp/x",
		},
	}

	err := exec.ValidateConfig(step)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.operation")
}

func TestEmailHandlerUsesNotifier(t *testing.T) {
	notifiers := NewNotifierRegistry()
	captured := &capturingNotifier{name: "email"}
	notifiers.Register(captured)

	exec := NewTaskExecutor(observability.NewNoopLogger(), NewPredicateRegistry(), nil, notifiers)
	step := &models.Step{
		ID:   "mail",
		Type: models.StepTypeEmail,
		Config: models.JSONMap{
			"to":      "ops@example.com",
			"subject": "done",
			"body":    "the batch finished",
		},
	}

	result, err := exec.Execute(context.Background(), step, &models.StepExecutionContext{InstanceID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
	require.Len(t, captured.sent, 1)
	assert.Equal(t, "ops@example.com", captured.sent[0].Recipient)
	assert.Equal(t, "done", captured.sent[0].Subject)
}

// capturingNotifier records notifications for assertions.
type capturingNotifier struct {
	name string
	sent []*Notification
}

func (n *capturingNotifier) Name() string { return n.name }

func (n *capturingNotifier) Notify(_ context.Context, msg *Notification) error {
	n.sent = append(n.sent, msg)
	return nil
}
