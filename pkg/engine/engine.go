// Package engine contains the workflow engine: instance lifecycle
// operations, the execution loop, retry scheduling, rollback, cleanup, and
// export/import. The engine exclusively owns instance mutation; every
// operation takes the per-instance lock before touching state.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
	"golang.org/x/time/rate"

	"github.com/S-Corkum/meshflow/pkg/executors"
	"github.com/S-Corkum/meshflow/pkg/models"
	"github.com/S-Corkum/meshflow/pkg/observability"
	"github.com/S-Corkum/meshflow/pkg/repository/interfaces"
)

// Config carries the engine tunables. Zero values fall back to the listed
// defaults.
type Config struct {
	AsyncPoolSize       int           // default 10
	SchedulerPoolSize   int           // default 5
	CleanupInterval     time.Duration // default 1h; 0 keeps the default, negative disables
	InstanceRetention   time.Duration // default 30 days
	BaseRetryDelay      time.Duration // default 1s
	MaxRetryDelay       time.Duration // default 5m
	StepDefaultTimeout  time.Duration // default 5m
	UserTaskDueHours    int           // default 24
	DefinitionCacheSize int           // default 256
	StartRatePerSecond  float64       // default 100
	StartBurst          int           // default 200
	AdminUsers          []string
}

func (c Config) withDefaults() Config {
	if c.AsyncPoolSize <= 0 {
		c.AsyncPoolSize = 10
	}
	if c.SchedulerPoolSize <= 0 {
		c.SchedulerPoolSize = 5
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Hour
	}
	if c.InstanceRetention <= 0 {
		c.InstanceRetention = 30 * 24 * time.Hour
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 5 * time.Minute
	}
	if c.StepDefaultTimeout <= 0 {
		c.StepDefaultTimeout = 5 * time.Minute
	}
	if c.UserTaskDueHours <= 0 {
		c.UserTaskDueHours = 24
	}
	if c.DefinitionCacheSize <= 0 {
		c.DefinitionCacheSize = 256
	}
	if c.StartRatePerSecond <= 0 {
		c.StartRatePerSecond = 100
	}
	if c.StartBurst <= 0 {
		c.StartBurst = 200
	}
	return c
}

// Engine drives workflow instances through their step sequences.
type Engine struct {
	config     Config
	logger     observability.Logger
	metrics    observability.MetricsClient
	startSpan  observability.StartSpanFunc
	repo       interfaces.Repository
	registry   *executors.Registry
	predicates *executors.PredicateRegistry
	runner     *executors.Runner
	userTasks  *executors.UserTaskExecutor
	inGroup    models.GroupLookup

	defCache *lru.Cache[string, *models.Workflow]
	limiter  *rate.Limiter

	// locks serializes all mutation per instance id.
	locks sync.Map // uuid.UUID -> *sync.Mutex

	asyncQueue chan func()
	scheduler  *scheduler

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// Options wires the engine's collaborators. Repo is required; nil
// observability collaborators fall back to no-ops.
type Options struct {
	Logger      observability.Logger
	Metrics     observability.MetricsClient
	StartSpan   observability.StartSpanFunc
	Repo        interfaces.Repository
	Registry    *executors.Registry
	Predicates  *executors.PredicateRegistry
	Notifiers   *executors.NotifierRegistry
	GroupLookup models.GroupLookup

	// TaskDB backs database task steps. Optional; nil disables them.
	TaskDB *sqlx.DB
}

// New creates and starts an engine: executor registry populated with the
// built-in executors, worker pools running, cleanup ticking.
func New(cfg Config, opts Options) (*Engine, error) {
	cfg = cfg.withDefaults()
	if opts.Repo == nil {
		return nil, models.NewWorkflowError(models.ErrKindConfiguration, "engine requires a repository")
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNoopMetricsClient()
	}
	if opts.StartSpan == nil {
		opts.StartSpan = observability.NoopStartSpan
	}
	if opts.Predicates == nil {
		opts.Predicates = executors.NewPredicateRegistry()
	}
	if opts.Registry == nil {
		opts.Registry = executors.NewRegistry()
	}
	if opts.Notifiers == nil {
		opts.Notifiers = executors.NewNotifierRegistry()
		opts.Notifiers.Register(executors.NewLogNotifier("email", opts.Logger))
		opts.Notifiers.Register(executors.NewLogNotifier("sms", opts.Logger))
	}

	defCache, err := lru.New[string, *models.Workflow](cfg.DefinitionCacheSize)
	if err != nil {
		return nil, models.NewWorkflowError(models.ErrKindConfiguration, "bad definition cache size").WithCause(err)
	}

	e := &Engine{
		config:     cfg,
		logger:     opts.Logger.WithPrefix("engine"),
		metrics:    opts.Metrics,
		startSpan:  opts.StartSpan,
		repo:       opts.Repo,
		registry:   opts.Registry,
		predicates: opts.Predicates,
		inGroup:    opts.GroupLookup,
		defCache:   defCache,
		limiter:    rate.NewLimiter(rate.Limit(cfg.StartRatePerSecond), cfg.StartBurst),
		asyncQueue: make(chan func(), cfg.AsyncPoolSize*4),
		stopCh:     make(chan struct{}),
	}
	e.runner = executors.NewRunner(opts.Logger, opts.Metrics, cfg.StepDefaultTimeout)
	e.registerBuiltins(opts)
	e.scheduler = newScheduler(cfg.SchedulerPoolSize, opts.Logger)

	for i := 0; i < cfg.AsyncPoolSize; i++ {
		e.wg.Add(1)
		go e.asyncWorker()
	}
	if cfg.CleanupInterval > 0 {
		e.wg.Add(1)
		go e.cleanupLoop()
	}
	return e, nil
}

// registerBuiltins wires the built-in executors for every step type that
// demands one. Callers may replace any of them through the registry before
// taking traffic.
func (e *Engine) registerBuiltins(opts Options) {
	task := executors.NewTaskExecutor(opts.Logger, opts.Predicates, opts.TaskDB, opts.Notifiers)
	e.registry.Register(task,
		models.StepTypeTask, models.StepTypeServiceCall, models.StepTypeScript, models.StepTypeEmail)

	e.userTasks = executors.NewUserTaskExecutor(opts.Logger, opts.Predicates,
		e.repo.UserTasks(), opts.Notifiers, e.config.UserTaskDueHours)
	e.registry.Register(e.userTasks, models.StepTypeUserTask)

	e.registry.Register(executors.NewConditionExecutor(opts.Logger, opts.Predicates), models.StepTypeCondition)
	e.registry.Register(executors.NewTimerExecutor(opts.Logger, opts.Predicates), models.StepTypeTimer)
	e.registry.Register(executors.NewParallelExecutor(opts.Logger, opts.Predicates, e.registry, e.runner),
		models.StepTypeParallelGateway)
}

// Registry exposes the executor registry for custom registrations.
func (e *Engine) Registry() *executors.Registry { return e.registry }

// Predicates exposes the predicate/router registry.
func (e *Engine) Predicates() *executors.PredicateRegistry { return e.predicates }

// Stop drains the engine: no new work is accepted, the scheduler and async
// pool finish in-flight jobs, bounded by the context deadline.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	close(e.stopCh)
	e.mu.Unlock()

	e.scheduler.stop()
	close(e.asyncQueue)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine stopped", nil)
		return nil
	case <-ctx.Done():
		e.logger.Warn("engine stop timed out with workers still running", nil)
		return models.NewTimeoutError("engine shutdown")
	}
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *Engine) asyncWorker() {
	defer e.wg.Done()
	for job := range e.asyncQueue {
		job()
	}
}

// submitAsync queues a job on the async pool. A full queue hands the job to
// the scheduler instead of running it inline: callers hold the instance lock
// and the job re-acquires it, so inline execution would deadlock.
func (e *Engine) submitAsync(job func()) {
	if e.isStopped() {
		return
	}
	select {
	case e.asyncQueue <- job:
	default:
		e.scheduler.schedule(0, job)
	}
}

// lockInstance takes the per-instance mutex.
func (e *Engine) lockInstance(id uuid.UUID) func() {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// definition returns the workflow definition, via the LRU cache. Definitions
// are immutable once active, so cached copies never go stale.
func (e *Engine) definition(ctx context.Context, workflowID string) (*models.Workflow, error) {
	if wf, ok := e.defCache.Get(workflowID); ok {
		return wf, nil
	}
	wf, err := e.repo.Definitions().Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != models.WorkflowStatusDraft {
		e.defCache.Add(workflowID, wf)
	}
	return wf, nil
}

// isAdmin reports whether the user is in the configured admin list.
func (e *Engine) isAdmin(userID string) bool {
	for _, admin := range e.config.AdminUsers {
		if strings.EqualFold(admin, userID) {
			return true
		}
	}
	return false
}

// DeployWorkflow validates and persists a definition.
func (e *Engine) DeployWorkflow(ctx context.Context, wf *models.Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}
	wf.UpdatedAt = time.Now().UTC()
	if err := e.repo.Definitions().Save(ctx, wf); err != nil {
		return err
	}
	e.defCache.Remove(wf.ID)
	return nil
}

// ActivateWorkflow moves a draft definition to active so it may spawn
// instances.
func (e *Engine) ActivateWorkflow(ctx context.Context, workflowID string) error {
	wf, err := e.repo.Definitions().Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status == models.WorkflowStatusActive {
		return nil
	}
	if wf.Status != models.WorkflowStatusDraft && wf.Status != models.WorkflowStatusSuspended {
		return models.NewStateError(workflowID, string(wf.Status), string(models.WorkflowStatusActive))
	}
	if err := e.repo.Definitions().UpdateStatus(ctx, workflowID, models.WorkflowStatusActive); err != nil {
		return err
	}
	e.defCache.Remove(workflowID)
	return nil
}

// GetInstance returns a snapshot of the instance.
func (e *Engine) GetInstance(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	inst, err := e.repo.Instances().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return inst.Snapshot(), nil
}

// GetHistory returns the instance's execution history in append order.
func (e *Engine) GetHistory(ctx context.Context, id uuid.UUID) ([]*models.HistoryEntry, error) {
	return e.repo.History().ListByInstance(ctx, id)
}
