package executors

import (
	"sync"
	"sync/atomic"

	"github.com/S-Corkum/meshflow/pkg/models"
)

// Registry maps step types to executors. Registrations happen at startup or
// through an admin operation; lookups are lock-free reads of a published
// copy-on-write map.
type Registry struct {
	mu sync.Mutex
	m  atomic.Value // map[models.StepType]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.m.Store(map[models.StepType]Executor{})
	return r
}

// Register publishes an executor for every step type it supports under the
// given types. Later registrations replace earlier ones.
func (r *Registry) Register(exec Executor, types ...models.StepType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.m.Load().(map[models.StepType]Executor)
	next := make(map[models.StepType]Executor, len(old)+len(types))
	for k, v := range old {
		next[k] = v
	}
	for _, t := range types {
		next[t] = exec
	}
	r.m.Store(next)
}

// Get returns the executor registered for the step type.
func (r *Registry) Get(stepType models.StepType) (Executor, bool) {
	exec, ok := r.m.Load().(map[models.StepType]Executor)[stepType]
	return exec, ok
}

// Predicate is the pluggable hook for step preconditions and custom join
// decisions: a pure function of the execution context.
type Predicate func(ec *models.StepExecutionContext) bool

// Router decides the next step for a condition step. It returns the id of
// the step to route to; empty means fall through to the step's declared
// next step.
type Router func(ec *models.StepExecutionContext) (string, error)

// PredicateRegistry holds named predicates and routers, published
// copy-on-write like the executor registry.
type PredicateRegistry struct {
	mu      sync.Mutex
	preds   atomic.Value // map[string]Predicate
	routers atomic.Value // map[string]Router
}

// NewPredicateRegistry creates an empty predicate registry.
func NewPredicateRegistry() *PredicateRegistry {
	r := &PredicateRegistry{}
	r.preds.Store(map[string]Predicate{})
	r.routers.Store(map[string]Router{})
	return r
}

// Register publishes a named predicate.
func (r *PredicateRegistry) Register(name string, pred Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.preds.Load().(map[string]Predicate)
	next := make(map[string]Predicate, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[name] = pred
	r.preds.Store(next)
}

// Get returns the named predicate.
func (r *PredicateRegistry) Get(name string) (Predicate, bool) {
	pred, ok := r.preds.Load().(map[string]Predicate)[name]
	return pred, ok
}

// RegisterRouter publishes a named condition router.
func (r *PredicateRegistry) RegisterRouter(name string, router Router) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.routers.Load().(map[string]Router)
	next := make(map[string]Router, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[name] = router
	r.routers.Store(next)
}

// GetRouter returns the named condition router.
func (r *PredicateRegistry) GetRouter(name string) (Router, bool) {
	router, ok := r.routers.Load().(map[string]Router)[name]
	return router, ok
}
