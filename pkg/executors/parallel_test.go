package executors

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/meshflow/pkg/models"
	"github.com/S-Corkum/meshflow/pkg/observability"
)

// parallelHarness wires a parallel executor over a stub branch executor.
type parallelHarness struct {
	parallel *ParallelExecutor
	branch   *stubExecutor
}

func newParallelHarness() *parallelHarness {
	preds := NewPredicateRegistry()
	registry := NewRegistry()
	runner := newTestRunner()
	branch := newStubExecutor(preds, models.StepTypeTask)
	registry.Register(branch, models.StepTypeTask)
	return &parallelHarness{
		parallel: NewParallelExecutor(observability.NewNoopLogger(), preds, registry, runner),
		branch:   branch,
	}
}

func branches(ids ...string) []interface{} {
	out := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]interface{}{"id": id, "type": "task"})
	}
	return out
}

func parallelStep(config models.JSONMap) *models.Step {
	return &models.Step{ID: "gw", Name: "fan out", Type: models.StepTypeParallelGateway, Config: config}
}

func TestParallelAllBranchesSucceed(t *testing.T) {
	h := newParallelHarness()
	var runs int32
	h.branch.execute = func(context.Context, *models.Step, *models.StepExecutionContext) (*models.StepExecutionResult, error) {
		atomic.AddInt32(&runs, 1)
		return models.NewSuccessResult(models.JSONMap{"done": true}), nil
	}

	result, err := h.parallel.Execute(context.Background(), parallelStep(models.JSONMap{
		"branches": branches("b1", "b2", "b3"),
	}), &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&runs))

	results, ok := result.OutputData["branchResults"].([]models.JSONMap)
	require.True(t, ok)
	assert.Len(t, results, 3)
	join, ok := result.OutputData["joinResult"].(models.JSONMap)
	require.True(t, ok)
	assert.Equal(t, true, join["success"])
	assert.Equal(t, "and", join["strategy"])
}

func TestParallelAndJoinFailsOnRequiredFailure(t *testing.T) {
	h := newParallelHarness()
	h.branch.execute = func(_ context.Context, step *models.Step, _ *models.StepExecutionContext) (*models.StepExecutionResult, error) {
		if step.ID == "b2" {
			return nil, models.NewExecutionError("branch down", nil)
		}
		return models.NewSuccessResult(nil), nil
	}

	result, err := h.parallel.Execute(context.Background(), parallelStep(models.JSONMap{
		"branches": branches("b1", "b2"),
	}), &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailed, result.Status)
}

func TestParallelOptionalFailureStillJoins(t *testing.T) {
	h := newParallelHarness()
	h.branch.execute = func(_ context.Context, step *models.Step, _ *models.StepExecutionContext) (*models.StepExecutionResult, error) {
		if step.ID == "opt" {
			return nil, models.NewExecutionError("best effort failed", nil)
		}
		return models.NewSuccessResult(nil), nil
	}

	result, err := h.parallel.Execute(context.Background(), parallelStep(models.JSONMap{
		"branches": []interface{}{
			map[string]interface{}{"id": "b1", "type": "task"},
			map[string]interface{}{"id": "opt", "type": "task", "optional": true},
		},
	}), &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
}

func TestParallelOrJoin(t *testing.T) {
	h := newParallelHarness()
	h.branch.execute = func(_ context.Context, step *models.Step, _ *models.StepExecutionContext) (*models.StepExecutionResult, error) {
		if step.ID == "b1" {
			return models.NewSuccessResult(nil), nil
		}
		return nil, models.NewExecutionError("down", nil)
	}

	result, err := h.parallel.Execute(context.Background(), parallelStep(models.JSONMap{
		"branches": branches("b1", "b2", "b3"),
		"join":     map[string]interface{}{"strategy": "or"},
	}), &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
}

func TestParallelMajorityJoin(t *testing.T) {
	h := newParallelHarness()
	h.branch.execute = func(_ context.Context, step *models.Step, _ *models.StepExecutionContext) (*models.StepExecutionResult, error) {
		if step.ID == "b3" {
			return nil, models.NewExecutionError("down", nil)
		}
		return models.NewSuccessResult(nil), nil
	}

	result, err := h.parallel.Execute(context.Background(), parallelStep(models.JSONMap{
		"branches": branches("b1", "b2", "b3"),
		"join":     map[string]interface{}{"strategy": "majority"},
	}), &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status, "2 of 3 is a majority")
}

func TestParallelAndJoinNamesFailedBranches(t *testing.T) {
	h := newParallelHarness()
	h.branch.execute = func(_ context.Context, step *models.Step, _ *models.StepExecutionContext) (*models.StepExecutionResult, error) {
		if step.ID == "b1" {
			return models.NewSuccessResult(nil), nil
		}
		return nil, models.NewExecutionError("down", nil)
	}

	result, err := h.parallel.Execute(context.Background(), parallelStep(models.JSONMap{
		"branches": branches("b1", "b2", "b3"),
	}), &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "b2")
	assert.Contains(t, result.ErrorMessage, "b3")
	assert.NotContains(t, result.ErrorMessage, "b1,")
}

func TestParallelFirstJoinTakesFirstFinisher(t *testing.T) {
	h := newParallelHarness()
	h.branch.execute = func(_ context.Context, step *models.Step, _ *models.StepExecutionContext) (*models.StepExecutionResult, error) {
		if step.ID == "slow" {
			time.Sleep(150 * time.Millisecond)
		}
		return models.NewSuccessResult(models.JSONMap{"source": step.ID}), nil
	}

	// slow is declared first; the winner must still be the branch that
	// finished first.
	result, err := h.parallel.Execute(context.Background(), parallelStep(models.JSONMap{
		"branches": branches("slow", "fast"),
		"join":     map[string]interface{}{"strategy": "first"},
	}), &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
	assert.Equal(t, "fast", result.OutputData.GetString("source"),
		"only the winner's output is merged")

	join, ok := result.OutputData["joinResult"].(models.JSONMap)
	require.True(t, ok)
	assert.Contains(t, join.GetString("message"), "fast")
	merged, ok := join["mergedData"].(models.JSONMap)
	require.True(t, ok)
	assert.Equal(t, "fast", merged.GetString("source"))
}

func TestParallelFirstJoinIgnoresFasterFailures(t *testing.T) {
	h := newParallelHarness()
	h.branch.execute = func(_ context.Context, step *models.Step, _ *models.StepExecutionContext) (*models.StepExecutionResult, error) {
		if step.ID == "crash" {
			return nil, models.NewExecutionError("down", nil)
		}
		time.Sleep(50 * time.Millisecond)
		return models.NewSuccessResult(models.JSONMap{"source": step.ID}), nil
	}

	result, err := h.parallel.Execute(context.Background(), parallelStep(models.JSONMap{
		"branches": branches("crash", "steady"),
		"join":     map[string]interface{}{"strategy": "first"},
	}), &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
	assert.Equal(t, "steady", result.OutputData.GetString("source"))
}

func TestParallelCustomJoin(t *testing.T) {
	h := newParallelHarness()
	h.parallel.predicates.Register("b1-must-pass", func(ec *models.StepExecutionContext) bool {
		b1, _ := ec.InstanceContext["b1"].(map[string]interface{})
		ok, _ := b1["success"].(bool)
		return ok
	})
	h.branch.execute = func(_ context.Context, step *models.Step, _ *models.StepExecutionContext) (*models.StepExecutionResult, error) {
		if step.ID == "b2" {
			return nil, models.NewExecutionError("down", nil)
		}
		return models.NewSuccessResult(nil), nil
	}

	result, err := h.parallel.Execute(context.Background(), parallelStep(models.JSONMap{
		"branches": branches("b1", "b2"),
		"join":     map[string]interface{}{"strategy": "custom", "predicate": "b1-must-pass"},
	}), &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
}

func TestParallelSequentialStopsOnFailFast(t *testing.T) {
	h := newParallelHarness()
	var order []string
	h.branch.execute = func(_ context.Context, step *models.Step, _ *models.StepExecutionContext) (*models.StepExecutionResult, error) {
		order = append(order, step.ID)
		if step.ID == "b1" {
			return nil, models.NewExecutionError("down", nil)
		}
		return models.NewSuccessResult(nil), nil
	}

	result, err := h.parallel.Execute(context.Background(), parallelStep(models.JSONMap{
		"executionMode": "sequential",
		"branches": []interface{}{
			map[string]interface{}{"id": "b1", "type": "task", "failFast": true},
			map[string]interface{}{"id": "b2", "type": "task"},
		},
	}), &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailed, result.Status)
	assert.Equal(t, []string{"b1"}, order, "fail-fast must stop the sequence")
}

func TestParallelBatchMode(t *testing.T) {
	h := newParallelHarness()
	var runs int32
	h.branch.execute = func(context.Context, *models.Step, *models.StepExecutionContext) (*models.StepExecutionResult, error) {
		atomic.AddInt32(&runs, 1)
		return models.NewSuccessResult(nil), nil
	}

	result, err := h.parallel.Execute(context.Background(), parallelStep(models.JSONMap{
		"executionMode": "batch",
		"batchSize":     2,
		"branches":      branches("b1", "b2", "b3", "b4", "b5"),
	}), &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
	assert.Equal(t, int32(5), atomic.LoadInt32(&runs))
}

func TestParallelDataSharing(t *testing.T) {
	h := newParallelHarness()
	h.branch.execute = func(_ context.Context, step *models.Step, _ *models.StepExecutionContext) (*models.StepExecutionResult, error) {
		return models.NewSuccessResult(models.JSONMap{step.ID: "done"}), nil
	}

	result, err := h.parallel.Execute(context.Background(), parallelStep(models.JSONMap{
		"executionMode": "sequential",
		"branches":      branches("b1", "b2"),
	}), &models.StepExecutionContext{InstanceContext: models.JSONMap{"seed": "s"}})
	require.NoError(t, err)
	assert.Equal(t, "done", result.OutputData.GetString("b1"))
	assert.Equal(t, "done", result.OutputData.GetString("b2"))
	assert.Equal(t, "s", result.OutputData.GetString("seed"))
}

func TestParallelBranchTimeout(t *testing.T) {
	h := newParallelHarness()
	h.branch.execute = func(ctx context.Context, _ *models.Step, _ *models.StepExecutionContext) (*models.StepExecutionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	started := time.Now()
	result, err := h.parallel.Execute(context.Background(), parallelStep(models.JSONMap{
		"branches":        branches("slow"),
		"branchTimeoutMs": 50,
	}), &models.StepExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailed, result.Status)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestParallelValidation(t *testing.T) {
	h := newParallelHarness()

	err := h.parallel.ValidateConfig(parallelStep(models.JSONMap{}))
	require.Error(t, err, "no branches")

	err = h.parallel.ValidateConfig(parallelStep(models.JSONMap{
		"branches": []interface{}{
			map[string]interface{}{"id": "b1", "type": "task"},
			map[string]interface{}{"id": "b1", "type": "task"},
		},
	}))
	require.Error(t, err, "duplicate branch ids")

	err = h.parallel.ValidateConfig(parallelStep(models.JSONMap{
		"branches":      branches("b1"),
		"executionMode": "warp",
	}))
	require.Error(t, err, "unknown mode")

	err = h.parallel.ValidateConfig(parallelStep(models.JSONMap{
		"branches": branches("b1"),
		"join":     map[string]interface{}{"strategy": "quorum-of-one"},
	}))
	require.Error(t, err, "unknown join strategy")
}
