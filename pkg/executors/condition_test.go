package executors

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/meshflow/pkg/models"
	"github.com/S-Corkum/meshflow/pkg/observability"
)

func newTestConditionExecutor() (*ConditionExecutor, *PredicateRegistry) {
	preds := NewPredicateRegistry()
	return NewConditionExecutor(observability.NewNoopLogger(), preds), preds
}

func TestConditionRoutesToBranch(t *testing.T) {
	exec, preds := newTestConditionExecutor()
	preds.RegisterRouter("amount-gate", func(ec *models.StepExecutionContext) (string, error) {
		if ec.InstanceContext.GetInt("amount") > 1000 {
			return "manual-review", nil
		}
		return "auto-approve", nil
	})

	step := &models.Step{ID: "gate", Type: models.StepTypeCondition, Config: models.JSONMap{"router": "amount-gate"}}

	result, err := exec.Execute(context.Background(), step, &models.StepExecutionContext{
		InstanceContext: models.JSONMap{"amount": 5000},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
	assert.Equal(t, "manual-review", result.OutputData.GetString("nextStepId"))

	result, err = exec.Execute(context.Background(), step, &models.StepExecutionContext{
		InstanceContext: models.JSONMap{"amount": 100},
	})
	require.NoError(t, err)
	assert.Equal(t, "auto-approve", result.OutputData.GetString("nextStepId"))
}

func TestConditionNoMatchUsesDefault(t *testing.T) {
	exec, preds := newTestConditionExecutor()
	preds.RegisterRouter("never-matches", func(*models.StepExecutionContext) (string, error) {
		return "", nil
	})

	step := &models.Step{ID: "gate", Type: models.StepTypeCondition, Config: models.JSONMap{
		"router":        "never-matches",
		"defaultStepId": "fallback",
	}}
	result, err := exec.Execute(context.Background(), step, &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
	assert.Equal(t, "fallback", result.OutputData.GetString("nextStepId"))
}

func TestConditionNoMatchNoDefault(t *testing.T) {
	exec, preds := newTestConditionExecutor()
	preds.RegisterRouter("never-matches", func(*models.StepExecutionContext) (string, error) {
		return "", nil
	})

	step := &models.Step{ID: "gate", Type: models.StepTypeCondition, Config: models.JSONMap{"router": "never-matches"}}
	result, err := exec.Execute(context.Background(), step, &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultConditionNotMet, result.Status)
}

func TestConditionValidateUnknownRouter(t *testing.T) {
	exec, _ := newTestConditionExecutor()
	step := &models.Step{ID: "gate", Type: models.StepTypeCondition, Config: models.JSONMap{"router": "ghost"}}

	err := exec.ValidateConfig(step)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown router")
}

func TestTimerWaitsOutDelay(t *testing.T) {
	exec := NewTimerExecutor(observability.NewNoopLogger(), NewPredicateRegistry())
	step := &models.Step{ID: "wait", Type: models.StepTypeTimer, Config: models.JSONMap{"delaySeconds": 1}}

	started := time.Now()
	result, err := exec.Execute(context.Background(), step, &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
	assert.GreaterOrEqual(t, time.Since(started), time.Second)
}

func TestTimerCancellation(t *testing.T) {
	exec := NewTimerExecutor(observability.NewNoopLogger(), NewPredicateRegistry())
	step := &models.Step{ID: "wait", Type: models.StepTypeTimer, Config: models.JSONMap{"delaySeconds": 60}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	result, err := exec.Execute(ctx, step, &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultCancelled, result.Status)
}

func TestTimerValidation(t *testing.T) {
	exec := NewTimerExecutor(observability.NewNoopLogger(), NewPredicateRegistry())
	err := exec.ValidateConfig(&models.Step{ID: "wait", Type: models.StepTypeTimer, Config: models.JSONMap{}})
	require.Error(t, err)
}

func TestSystemNotifierPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "meshflow:notifications")
	defer func() { _ = sub.Close() }()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	notifier := NewSystemNotifier(client, "", observability.NewNoopLogger())
	require.NoError(t, notifier.Notify(ctx, &Notification{
		Type:      "system",
		Recipient: "alice",
		Subject:   "task assigned",
		TaskID:    "t-1",
	}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var got Notification
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "alice", got.Recipient)
	assert.Equal(t, "t-1", got.TaskID)
}

func TestSystemNotifierWithoutClient(t *testing.T) {
	notifier := NewSystemNotifier(nil, "", observability.NewNoopLogger())
	err := notifier.Notify(context.Background(), &Notification{})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindResource, models.KindOf(err))
}
