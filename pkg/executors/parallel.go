package executors

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/S-Corkum/meshflow/pkg/models"
	"github.com/S-Corkum/meshflow/pkg/observability"
)

const (
	defaultParallelTimeout = 30 * time.Second
	defaultBranchTimeout   = 10 * time.Second
)

// branchSpec is one branch of a parallel gateway, decoded from the step
// config.
type branchSpec struct {
	ID          string
	Name        string
	Type        models.StepType
	Config      models.JSONMap
	DataSharing bool
	FailFast    bool
	Optional    bool
}

// branchOutcome is the recorded result of one branch run. Finished is the
// 1-based completion rank across the whole gateway, which the first join
// strategy uses to pick its winner.
type branchOutcome struct {
	BranchID string
	Success  bool
	Optional bool
	Output   models.JSONMap
	Error    string
	Elapsed  time.Duration
	Finished int
}

// ParallelExecutor fans a step out into branches, runs them in the
// configured mode, and folds the outcomes through a join strategy.
type ParallelExecutor struct {
	BaseExecutor
	logger     observability.Logger
	registry   *Registry
	runner     *Runner
	predicates *PredicateRegistry
}

// NewParallelExecutor creates the parallel gateway executor. Branches are
// dispatched through the executor registry like top-level steps.
func NewParallelExecutor(logger observability.Logger, predicates *PredicateRegistry, registry *Registry, runner *Runner) *ParallelExecutor {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &ParallelExecutor{
		BaseExecutor: NewBaseExecutor("parallel-executor", predicates, models.StepTypeParallelGateway),
		logger:       logger,
		registry:     registry,
		runner:       runner,
		predicates:   predicates,
	}
}

// ValidateConfig requires at least one branch with an id and a known
// execution mode and join strategy.
func (e *ParallelExecutor) ValidateConfig(step *models.Step) error {
	branches, err := decodeBranches(step.Config)
	if err != nil {
		return err
	}
	if len(branches) == 0 {
		return models.NewValidationError("config.branches", "parallel gateway needs at least one branch")
	}
	switch mode := executionMode(step.Config); mode {
	case "parallel", "sequential", "batch":
	default:
		return models.NewValidationError("config.executionMode", fmt.Sprintf("unknown mode %q", mode))
	}
	switch strategy := joinStrategy(step.Config); strategy {
	case "and", "or", "majority", "first", "custom":
	default:
		return models.NewValidationError("config.joinStrategy", fmt.Sprintf("unknown strategy %q", strategy))
	}
	return nil
}

func executionMode(config models.JSONMap) string {
	if mode := config.GetString("executionMode"); mode != "" {
		return mode
	}
	return "parallel"
}

func joinStrategy(config models.JSONMap) string {
	join := config.GetMap("join")
	if join != nil {
		if s := join.GetString("strategy"); s != "" {
			return s
		}
	}
	return "and"
}

func decodeBranches(config models.JSONMap) ([]branchSpec, error) {
	raw, ok := config["branches"].([]interface{})
	if !ok {
		return nil, nil
	}
	branches := make([]branchSpec, 0, len(raw))
	seen := map[string]bool{}
	for i, item := range raw {
		bm, ok := item.(map[string]interface{})
		if !ok {
			return nil, models.NewValidationError("config.branches", fmt.Sprintf("branch %d is not an object", i))
		}
		b := models.JSONMap(bm)
		spec := branchSpec{
			ID:          b.GetString("id"),
			Name:        b.GetString("name"),
			Type:        models.StepType(b.GetString("type")),
			Config:      b.GetMap("config"),
			DataSharing: true,
			FailFast:    b.GetBool("failFast"),
			Optional:    b.GetBool("optional"),
		}
		if v, ok := b["dataSharing"].(bool); ok {
			spec.DataSharing = v
		}
		if spec.ID == "" {
			return nil, models.NewValidationError("config.branches", fmt.Sprintf("branch %d has no id", i))
		}
		if seen[spec.ID] {
			return nil, models.NewValidationError("config.branches", fmt.Sprintf("duplicate branch id %q", spec.ID))
		}
		seen[spec.ID] = true
		if spec.Type == "" {
			spec.Type = models.StepTypeTask
		}
		branches = append(branches, spec)
	}
	return branches, nil
}

// Execute runs the branches and joins the outcomes.
func (e *ParallelExecutor) Execute(ctx context.Context, step *models.Step, ec *models.StepExecutionContext) (*models.StepExecutionResult, error) {
	branches, err := decodeBranches(step.Config)
	if err != nil {
		return nil, err
	}

	overall := defaultParallelTimeout
	if ms := step.Config.GetInt("timeoutMs"); ms > 0 {
		overall = time.Duration(ms) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, overall)
	defer cancel()

	branchTimeout := defaultBranchTimeout
	if ms := step.Config.GetInt("branchTimeoutMs"); ms > 0 {
		branchTimeout = time.Duration(ms) * time.Millisecond
	}

	shared := newSharedData(ec.InstanceContext)

	var outcomes []branchOutcome
	switch executionMode(step.Config) {
	case "sequential":
		outcomes = e.runSequential(ctx, branches, ec, shared, branchTimeout)
	case "batch":
		size := step.Config.GetInt("batchSize")
		if size <= 0 {
			size = (len(branches) + 1) / 2
		}
		outcomes = e.runBatches(ctx, branches, ec, shared, branchTimeout, size)
	default:
		outcomes = e.runConcurrent(ctx, branches, ec, shared, branchTimeout, cancel)
	}

	return e.join(step, outcomes, shared)
}

// runConcurrent runs every branch at once. A fail-fast branch failure
// cancels the rest.
func (e *ParallelExecutor) runConcurrent(ctx context.Context, branches []branchSpec, ec *models.StepExecutionContext, shared *sharedData, branchTimeout time.Duration, cancel context.CancelFunc) []branchOutcome {
	outcomes := make([]branchOutcome, len(branches))
	var finished int32
	var wg sync.WaitGroup
	for i, branch := range branches {
		wg.Add(1)
		go func(i int, branch branchSpec) {
			defer wg.Done()
			outcomes[i] = e.runBranch(ctx, branch, ec, shared, branchTimeout)
			outcomes[i].Finished = int(atomic.AddInt32(&finished, 1))
			if !outcomes[i].Success && branch.FailFast && !branch.Optional {
				cancel()
			}
		}(i, branch)
	}
	wg.Wait()
	return outcomes
}

// runSequential runs branches in declared order, stopping on a fail-fast
// failure.
func (e *ParallelExecutor) runSequential(ctx context.Context, branches []branchSpec, ec *models.StepExecutionContext, shared *sharedData, branchTimeout time.Duration) []branchOutcome {
	var outcomes []branchOutcome
	for _, branch := range branches {
		outcome := e.runBranch(ctx, branch, ec, shared, branchTimeout)
		outcome.Finished = len(outcomes) + 1
		outcomes = append(outcomes, outcome)
		if !outcome.Success && branch.FailFast && !branch.Optional {
			break
		}
	}
	return outcomes
}

// runBatches runs branches in fixed-size concurrent groups, each group
// completing before the next starts.
func (e *ParallelExecutor) runBatches(ctx context.Context, branches []branchSpec, ec *models.StepExecutionContext, shared *sharedData, branchTimeout time.Duration, size int) []branchOutcome {
	var outcomes []branchOutcome
	var finished int32
	for start := 0; start < len(branches); start += size {
		end := start + size
		if end > len(branches) {
			end = len(branches)
		}
		batch := branches[start:end]
		batchOutcomes := make([]branchOutcome, len(batch))
		var wg sync.WaitGroup
		for i, branch := range batch {
			wg.Add(1)
			go func(i int, branch branchSpec) {
				defer wg.Done()
				batchOutcomes[i] = e.runBranch(ctx, branch, ec, shared, branchTimeout)
				batchOutcomes[i].Finished = int(atomic.AddInt32(&finished, 1))
			}(i, branch)
		}
		wg.Wait()
		outcomes = append(outcomes, batchOutcomes...)
	}
	return outcomes
}

// runBranch dispatches one branch as a synthetic step through the registry
// and runner.
func (e *ParallelExecutor) runBranch(ctx context.Context, branch branchSpec, ec *models.StepExecutionContext, shared *sharedData, branchTimeout time.Duration) branchOutcome {
	started := time.Now()

	exec, ok := e.registry.Get(branch.Type)
	if !ok {
		return branchOutcome{
			BranchID: branch.ID,
			Optional: branch.Optional,
			Error:    fmt.Sprintf("no executor registered for branch type %s", branch.Type),
			Elapsed:  time.Since(started),
		}
	}

	branchStep := &models.Step{
		ID:     branch.ID,
		Name:   branch.Name,
		Type:   branch.Type,
		Config: branch.Config,
	}

	ctx, cancel := context.WithTimeout(ctx, branchTimeout)
	defer cancel()

	branchEC := &models.StepExecutionContext{
		InstanceID:      ec.InstanceID,
		WorkflowID:      ec.WorkflowID,
		UserID:          ec.UserID,
		InputParameters: ec.InputParameters.Clone(),
		InstanceContext: shared.snapshot(),
		StartTime:       time.Now().UTC(),
		Timeout:         branchTimeout,
		Priority:        ec.Priority,
	}

	result := e.runner.Run(ctx, exec, branchStep, branchEC)

	outcome := branchOutcome{
		BranchID: branch.ID,
		Optional: branch.Optional,
		Success:  result.Success(),
		Output:   result.OutputData,
		Error:    result.ErrorMessage,
		Elapsed:  time.Since(started),
	}
	if outcome.Success && branch.DataSharing && result.OutputData != nil {
		shared.merge(result.OutputData)
	}
	return outcome
}

// join folds the branch outcomes through the step's join strategy.
func (e *ParallelExecutor) join(step *models.Step, outcomes []branchOutcome, shared *sharedData) (*models.StepExecutionResult, error) {
	required := 0
	succeeded := 0
	requiredSucceeded := 0
	for _, o := range outcomes {
		if o.Success {
			succeeded++
		}
		if !o.Optional {
			required++
			if o.Success {
				requiredSucceeded++
			}
		}
	}

	var ok bool
	var message string
	var winner *branchOutcome
	strategy := joinStrategy(step.Config)
	switch strategy {
	case "or":
		ok = succeeded > 0
		message = fmt.Sprintf("%d of %d branches succeeded", succeeded, len(outcomes))
	case "majority":
		ok = succeeded*2 > len(outcomes)
		message = fmt.Sprintf("%d of %d branches succeeded", succeeded, len(outcomes))
	case "first":
		// The winner is the branch that finished successfully first, by
		// completion rank, not declaration order.
		for i := range outcomes {
			o := &outcomes[i]
			if !o.Success {
				continue
			}
			if winner == nil || o.Finished < winner.Finished {
				winner = o
			}
		}
		ok = winner != nil
		if ok {
			message = fmt.Sprintf("branch %s finished first", winner.BranchID)
		} else {
			message = fmt.Sprintf("0 of %d branches succeeded", len(outcomes))
		}
	case "custom":
		name := ""
		if join := step.Config.GetMap("join"); join != nil {
			name = join.GetString("predicate")
		}
		pred, found := e.predicates.Get(name)
		if !found {
			return nil, models.NewWorkflowError(models.ErrKindConfiguration,
				fmt.Sprintf("unknown join predicate %q", name)).WithStep(step.ID)
		}
		ok = pred(&models.StepExecutionContext{InstanceContext: e.outcomeContext(outcomes)})
		message = fmt.Sprintf("custom join %q evaluated to %t", name, ok)
	default: // and
		ok = requiredSucceeded == required
		message = fmt.Sprintf("%d of %d required branches succeeded", requiredSucceeded, required)
		if !ok {
			var failed []string
			for _, o := range outcomes {
				if !o.Optional && !o.Success {
					failed = append(failed, o.BranchID)
				}
			}
			message += " (failed: " + strings.Join(failed, ", ") + ")"
		}
	}

	// A first join merges only the winner's output; every other strategy
	// merges the shared data of all data-sharing branches.
	merged := shared.snapshot()
	if strategy == "first" && winner != nil {
		merged = winner.Output.Clone()
	}
	out := models.JSONMap{
		"branchResults": e.branchResults(outcomes),
		"joinResult": models.JSONMap{
			"strategy":   strategy,
			"success":    ok,
			"message":    message,
			"mergedData": merged,
		},
	}
	out.Merge(merged)

	if !ok {
		return &models.StepExecutionResult{
			Status:       models.ResultFailed,
			OutputData:   out,
			ErrorMessage: "parallel join failed: " + message,
		}, nil
	}
	return models.NewSuccessResult(out), nil
}

func (e *ParallelExecutor) branchResults(outcomes []branchOutcome) []models.JSONMap {
	results := make([]models.JSONMap, 0, len(outcomes))
	for _, o := range outcomes {
		results = append(results, models.JSONMap{
			"branchId":  o.BranchID,
			"success":   o.Success,
			"optional":  o.Optional,
			"output":    o.Output,
			"error":     o.Error,
			"elapsedMs": o.Elapsed.Milliseconds(),
		})
	}
	return results
}

func (e *ParallelExecutor) outcomeContext(outcomes []branchOutcome) models.JSONMap {
	ctx := models.JSONMap{}
	for _, o := range outcomes {
		ctx[o.BranchID] = map[string]interface{}{
			"success": o.Success,
			"output":  map[string]interface{}(o.Output),
			"error":   o.Error,
		}
	}
	return ctx
}

// sharedData is the branch-visible context: branches with data sharing on
// see each other's successful outputs.
type sharedData struct {
	mu   sync.Mutex
	data models.JSONMap
}

func newSharedData(base models.JSONMap) *sharedData {
	return &sharedData{data: base.Clone()}
}

func (s *sharedData) merge(m models.JSONMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = models.JSONMap{}
	}
	s.data.Merge(m)
}

func (s *sharedData) snapshot() models.JSONMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Clone()
}
