package executors

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/S-Corkum/meshflow/pkg/models"
	"github.com/S-Corkum/meshflow/pkg/observability"
	"github.com/S-Corkum/meshflow/pkg/repository/interfaces"
)

// defaultTaskPriority applies when the step config names none.
const defaultTaskPriority = 50

// AssignmentStrategy picks the assignee for a new user task from the step's
// candidates. An empty assignee leaves the task for candidates to claim.
type AssignmentStrategy interface {
	Name() string
	Assign(ctx context.Context, task *models.UserTask, candidates []string) (string, error)
}

// DirectAssignment assigns the explicitly configured assignee.
type DirectAssignment struct{}

// Name returns "direct".
func (DirectAssignment) Name() string { return "direct" }

// Assign keeps whatever assignee the step configured.
func (DirectAssignment) Assign(_ context.Context, task *models.UserTask, _ []string) (string, error) {
	return task.Assignee, nil
}

// RoundRobinAssignment rotates over the candidate list. The rotation index
// is kept per step so distinct steps rotate independently.
type RoundRobinAssignment struct {
	mu      sync.Mutex
	cursors map[string]int
}

// NewRoundRobinAssignment creates the round-robin strategy.
func NewRoundRobinAssignment() *RoundRobinAssignment {
	return &RoundRobinAssignment{cursors: map[string]int{}}
}

// Name returns "round_robin".
func (*RoundRobinAssignment) Name() string { return "round_robin" }

// Assign picks the next candidate in rotation for the task's step.
func (s *RoundRobinAssignment) Assign(_ context.Context, task *models.UserTask, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.cursors[task.StepID] % len(candidates)
	s.cursors[task.StepID] = idx + 1
	return candidates[idx], nil
}

// LoadBalanceAssignment picks the candidate with the fewest pending tasks.
type LoadBalanceAssignment struct {
	tasks interfaces.UserTaskRepository
}

// NewLoadBalanceAssignment creates the load-balancing strategy.
func NewLoadBalanceAssignment(tasks interfaces.UserTaskRepository) *LoadBalanceAssignment {
	return &LoadBalanceAssignment{tasks: tasks}
}

// Name returns "load_balance".
func (*LoadBalanceAssignment) Name() string { return "load_balance" }

// Assign counts each candidate's pending assignments and picks the lightest.
// Ties go to the earlier candidate in the list.
func (s *LoadBalanceAssignment) Assign(ctx context.Context, _ *models.UserTask, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", nil
	}
	best := ""
	bestCount := -1
	for _, c := range candidates {
		count, err := s.tasks.CountPendingForAssignee(ctx, c)
		if err != nil {
			return "", models.NewWorkflowError(models.ErrKindResource, "failed to count pending tasks").WithCause(err)
		}
		if bestCount < 0 || count < bestCount {
			best = c
			bestCount = count
		}
	}
	return best, nil
}

// RandomAssignment picks a uniformly random candidate.
type RandomAssignment struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomAssignment creates the random strategy.
func NewRandomAssignment() *RandomAssignment {
	return &RandomAssignment{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Name returns "random".
func (*RandomAssignment) Name() string { return "random" }

// Assign picks a random candidate.
func (s *RandomAssignment) Assign(_ context.Context, _ *models.UserTask, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return candidates[s.rng.Intn(len(candidates))], nil
}

// UserTaskExecutor creates a human task for the step, assigns it through the
// configured strategy, fires notifications, and parks the instance until an
// authorized user completes the task.
type UserTaskExecutor struct {
	BaseExecutor
	logger     observability.Logger
	tasks      interfaces.UserTaskRepository
	notifiers  *NotifierRegistry
	strategies map[string]AssignmentStrategy
	dueHours   int
}

// NewUserTaskExecutor creates the user task executor with the built-in
// assignment strategies. dueHours is the default due window when a step
// declares none; zero disables default due dates.
func NewUserTaskExecutor(logger observability.Logger, predicates *PredicateRegistry, tasks interfaces.UserTaskRepository, notifiers *NotifierRegistry, dueHours int) *UserTaskExecutor {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	e := &UserTaskExecutor{
		BaseExecutor: NewBaseExecutor("user-task-executor", predicates, models.StepTypeUserTask),
		logger:       logger,
		tasks:        tasks,
		notifiers:    notifiers,
		dueHours:     dueHours,
		strategies:   map[string]AssignmentStrategy{},
	}
	e.RegisterStrategy(DirectAssignment{})
	e.RegisterStrategy(NewRoundRobinAssignment())
	e.RegisterStrategy(NewLoadBalanceAssignment(tasks))
	e.RegisterStrategy(NewRandomAssignment())
	return e
}

// RegisterStrategy adds an assignment strategy. Must be called before the
// executor takes work.
func (e *UserTaskExecutor) RegisterStrategy(s AssignmentStrategy) {
	e.strategies[s.Name()] = s
}

// ValidateConfig requires at least one assignment target.
func (e *UserTaskExecutor) ValidateConfig(step *models.Step) error {
	if step.Config.GetString("assignee") == "" &&
		len(step.Config.GetStringSlice("candidateUsers")) == 0 &&
		len(step.Config.GetStringSlice("candidateGroups")) == 0 {
		return models.NewValidationError("config",
			"user task step needs an assignee, candidateUsers, or candidateGroups")
	}
	if name := step.Config.GetString("assignmentStrategy"); name != "" {
		if _, ok := e.strategies[name]; !ok {
			return models.NewValidationError("config.assignmentStrategy",
				fmt.Sprintf("unknown strategy %q", name))
		}
	}
	return nil
}

// Execute creates and persists the task, then returns a waiting result so
// the engine parks the instance.
func (e *UserTaskExecutor) Execute(ctx context.Context, step *models.Step, ec *models.StepExecutionContext) (*models.StepExecutionResult, error) {
	task := e.buildTask(step, ec)

	strategyName := step.Config.GetString("assignmentStrategy")
	if strategyName == "" {
		if task.Assignee != "" {
			strategyName = "direct"
		} else {
			strategyName = "round_robin"
		}
	}
	strategy, ok := e.strategies[strategyName]
	if !ok {
		return nil, models.NewWorkflowError(models.ErrKindConfiguration,
			fmt.Sprintf("unknown assignment strategy %q", strategyName)).WithStep(step.ID)
	}

	assignee, err := strategy.Assign(ctx, task, task.CandidateUsers)
	if err != nil {
		return nil, err
	}
	if assignee != "" {
		task.Assignee = assignee
		task.Status = models.UserTaskStatusAssigned
	}

	if err := e.tasks.Save(ctx, task); err != nil {
		return nil, models.NewWorkflowError(models.ErrKindResource, "failed to persist user task").
			WithCause(err).WithStep(step.ID).WithInstance(ec.InstanceID.String())
	}

	e.notify(ctx, step, task)

	out := models.JSONMap{
		"taskId":          task.ID.String(),
		"assignee":        task.Assignee,
		"candidateUsers":  []string(task.CandidateUsers),
		"candidateGroups": []string(task.CandidateGroups),
		"formKey":         task.FormKey,
		"priority":        task.Priority,
	}
	if task.DueDate != nil {
		out["dueDate"] = task.DueDate.UTC().Format(time.RFC3339)
	}
	return models.NewWaitingResult(out), nil
}

// buildTask materializes the user task from the step config and context.
func (e *UserTaskExecutor) buildTask(step *models.Step, ec *models.StepExecutionContext) *models.UserTask {
	now := time.Now().UTC()
	task := &models.UserTask{
		ID:              uuid.New(),
		InstanceID:      ec.InstanceID,
		StepID:          step.ID,
		Name:            step.Name,
		Description:     step.Description,
		FormKey:         step.Config.GetString("formKey"),
		Assignee:        step.Config.GetString("assignee"),
		CandidateUsers:  step.Config.GetStringSlice("candidateUsers"),
		CandidateGroups: step.Config.GetStringSlice("candidateGroups"),
		Priority:        defaultTaskPriority,
		Status:          models.UserTaskStatusCreated,
		CreateTime:      now,
		CreatedBy:       ec.UserID,
	}
	if p := step.Config.GetInt("priority"); p > 0 {
		task.Priority = p
	}
	if form := step.Config.GetMap("formData"); form != nil {
		task.FormData = form.Clone()
	}

	dueHours := step.Config.GetInt("dueHours")
	if dueHours == 0 {
		dueHours = e.dueHours
	}
	if dueHours > 0 {
		due := now.Add(time.Duration(dueHours) * time.Hour)
		task.DueDate = &due
	}
	return task
}

// notify fires the configured notification channels. Delivery failures are
// logged, never fatal: the task exists regardless.
func (e *UserTaskExecutor) notify(ctx context.Context, step *models.Step, task *models.UserTask) {
	if e.notifiers == nil {
		return
	}
	notifConfig := step.Config.GetMap("notification")
	if notifConfig == nil {
		return
	}
	types := notifConfig.GetStringSlice("types")
	recipients := e.recipients(task)
	for _, channel := range types {
		notifier, ok := e.notifiers.Get(channel)
		if !ok {
			e.logger.Warn("no notifier for channel", map[string]interface{}{
				"channel": channel,
				"step_id": step.ID,
			})
			continue
		}
		for _, recipient := range recipients {
			err := notifier.Notify(ctx, &Notification{
				Type:       channel,
				Recipient:  recipient,
				Subject:    fmt.Sprintf("Task assigned: %s", task.Name),
				Body:       notifConfig.GetString("message"),
				TaskID:     task.ID.String(),
				InstanceID: task.InstanceID.String(),
			})
			if err != nil {
				e.logger.Warn("task notification failed", map[string]interface{}{
					"channel":   channel,
					"recipient": recipient,
					"task_id":   task.ID.String(),
					"error":     err.Error(),
				})
			}
		}
	}
}

func (e *UserTaskExecutor) recipients(task *models.UserTask) []string {
	if task.Assignee != "" {
		return []string{task.Assignee}
	}
	return task.CandidateUsers
}

// CompleteTask marks the task done on behalf of userID and returns the form
// output to merge into the instance context. The caller reenters the engine
// loop afterwards.
func (e *UserTaskExecutor) CompleteTask(ctx context.Context, taskID uuid.UUID, userID string, output models.JSONMap, inGroup models.GroupLookup) (*models.UserTask, error) {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.IsPending() {
		return nil, models.NewStateError(task.InstanceID.String(), string(task.Status), string(models.UserTaskStatusCompleted))
	}
	if !task.CanAct(userID, inGroup) {
		return nil, models.NewPermissionError(userID, "complete task "+taskID.String())
	}

	now := time.Now().UTC()
	task.Status = models.UserTaskStatusCompleted
	task.CompletedBy = userID
	task.CompletedTime = &now
	if output != nil {
		if task.FormData == nil {
			task.FormData = models.JSONMap{}
		}
		task.FormData.Merge(output)
	}
	if err := e.tasks.Update(ctx, task); err != nil {
		return nil, models.NewWorkflowError(models.ErrKindResource, "failed to update user task").WithCause(err)
	}
	return task, nil
}

// DelegateTask hands the task from its assignee to another user.
func (e *UserTaskExecutor) DelegateTask(ctx context.Context, taskID uuid.UUID, fromUserID, toUserID, reason string) (*models.UserTask, error) {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.IsPending() {
		return nil, models.NewStateError(task.InstanceID.String(), string(task.Status), string(models.UserTaskStatusDelegated))
	}
	if !task.CanDelegate(fromUserID) {
		return nil, models.NewPermissionError(fromUserID, "delegate task "+taskID.String())
	}

	now := time.Now().UTC()
	task.Assignee = toUserID
	task.Status = models.UserTaskStatusDelegated
	task.DelegatedBy = fromUserID
	task.DelegatedTime = &now
	task.DelegationReason = reason
	if err := e.tasks.Update(ctx, task); err != nil {
		return nil, models.NewWorkflowError(models.ErrKindResource, "failed to update user task").WithCause(err)
	}
	return task, nil
}

// ReclaimTask takes a delegated task back: the delegator or a candidate user
// becomes the assignee again.
func (e *UserTaskExecutor) ReclaimTask(ctx context.Context, taskID uuid.UUID, userID string) (*models.UserTask, error) {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.IsPending() {
		return nil, models.NewStateError(task.InstanceID.String(), string(task.Status), string(models.UserTaskStatusReclaimed))
	}
	if !task.CanReclaim(userID) {
		return nil, models.NewPermissionError(userID, "reclaim task "+taskID.String())
	}

	now := time.Now().UTC()
	task.Assignee = userID
	task.Status = models.UserTaskStatusReclaimed
	task.ReclaimedBy = userID
	task.ReclaimedTime = &now
	if err := e.tasks.Update(ctx, task); err != nil {
		return nil, models.NewWorkflowError(models.ErrKindResource, "failed to update user task").WithCause(err)
	}
	return task, nil
}
