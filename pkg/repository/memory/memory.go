// Package memory provides an in-memory Repository implementation. It backs
// unit tests and embedded single-process deployments; the postgres package
// is the production implementation.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/S-Corkum/meshflow/pkg/models"
	"github.com/S-Corkum/meshflow/pkg/repository/interfaces"
)

const shardCount = 16

// shard holds per-instance child rows. Sharding by instance id keeps hot
// instances from contending on one lock.
type shard struct {
	mu        sync.RWMutex
	tasks     map[uuid.UUID]map[uuid.UUID]*models.UserTask // instanceID -> taskID -> task
	variables map[uuid.UUID]map[string]*models.Variable    // instanceID -> identity -> variable
	history   map[uuid.UUID][]*models.HistoryEntry         // instanceID -> ordered entries
}

// Repository is an in-memory implementation of interfaces.Repository.
type Repository struct {
	defMu       sync.RWMutex
	definitions map[string]*models.Workflow

	instMu    sync.RWMutex
	instances map[uuid.UUID]*models.Instance

	shards [shardCount]*shard
}

// New creates an empty in-memory repository.
func New() *Repository {
	r := &Repository{
		definitions: make(map[string]*models.Workflow),
		instances:   make(map[uuid.UUID]*models.Instance),
	}
	for i := range r.shards {
		r.shards[i] = &shard{
			tasks:     make(map[uuid.UUID]map[uuid.UUID]*models.UserTask),
			variables: make(map[uuid.UUID]map[string]*models.Variable),
			history:   make(map[uuid.UUID][]*models.HistoryEntry),
		}
	}
	return r
}

func (r *Repository) shardFor(instanceID uuid.UUID) *shard {
	return r.shards[int(instanceID[0])%shardCount]
}

func variableIdentity(scope models.VariableScope, name, stepID string) string {
	return string(scope) + "\x00" + name + "\x00" + stepID
}

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

// definitions

type definitionRepo Repository

func (r *definitionRepo) Get(_ context.Context, id string) (*models.Workflow, error) {
	r.defMu.RLock()
	defer r.defMu.RUnlock()
	wf, ok := r.definitions[id]
	if !ok {
		return nil, models.NewNotFoundError("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (r *definitionRepo) ListByName(_ context.Context, name string) ([]*models.Workflow, error) {
	r.defMu.RLock()
	defer r.defMu.RUnlock()
	var out []*models.Workflow
	for _, wf := range r.definitions {
		if wf.Name == name {
			cp := *wf
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (r *definitionRepo) Save(_ context.Context, workflow *models.Workflow) error {
	r.defMu.Lock()
	defer r.defMu.Unlock()
	cp := *workflow
	r.definitions[workflow.ID] = &cp
	return nil
}

func (r *definitionRepo) UpdateStatus(_ context.Context, id string, status models.WorkflowStatus) error {
	r.defMu.Lock()
	defer r.defMu.Unlock()
	wf, ok := r.definitions[id]
	if !ok {
		return models.NewNotFoundError("workflow", id)
	}
	wf.Status = status
	return nil
}

// instances

type instanceRepo Repository

func (r *instanceRepo) Get(_ context.Context, id uuid.UUID) (*models.Instance, error) {
	r.instMu.RLock()
	defer r.instMu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, models.NewNotFoundError("instance", id.String())
	}
	return inst.Snapshot(), nil
}

func (r *instanceRepo) ListByBusinessKey(_ context.Context, businessKey string) ([]*models.Instance, error) {
	r.instMu.RLock()
	defer r.instMu.RUnlock()
	var out []*models.Instance
	for _, inst := range r.instances {
		if inst.BusinessKey == businessKey {
			out = append(out, inst.Snapshot())
		}
	}
	sortInstances(out)
	return out, nil
}

func (r *instanceRepo) ListWithFilter(_ context.Context, filter interfaces.InstanceFilter) ([]*models.Instance, error) {
	r.instMu.RLock()
	defer r.instMu.RUnlock()
	var out []*models.Instance
	for _, inst := range r.instances {
		if !matchesFilter(inst, filter) {
			continue
		}
		out = append(out, inst.Snapshot())
	}
	sortInstances(out)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(inst *models.Instance, filter interfaces.InstanceFilter) bool {
	if filter.WorkflowID != "" && inst.WorkflowID != filter.WorkflowID {
		return false
	}
	if filter.StartUserID != "" && inst.StartUserID != filter.StartUserID {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, s := range filter.Statuses {
			if inst.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.EndedBefore != nil {
		if inst.EndTime == nil || !inst.EndTime.Before(*filter.EndedBefore) {
			return false
		}
	}
	if filter.CreatedAfter != nil && !inst.CreateTime.After(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && !inst.CreateTime.Before(*filter.CreatedBefore) {
		return false
	}
	return true
}

func sortInstances(out []*models.Instance) {
	sort.Slice(out, func(i, j int) bool { return out[i].CreateTime.Before(out[j].CreateTime) })
}

func (r *instanceRepo) Save(_ context.Context, instance *models.Instance) error {
	r.instMu.Lock()
	defer r.instMu.Unlock()
	r.instances[instance.ID] = instance.Snapshot()
	return nil
}

func (r *instanceRepo) Update(_ context.Context, instance *models.Instance) error {
	r.instMu.Lock()
	defer r.instMu.Unlock()
	if _, ok := r.instances[instance.ID]; !ok {
		return models.NewNotFoundError("instance", instance.ID.String())
	}
	r.instances[instance.ID] = instance.Snapshot()
	return nil
}

func (r *instanceRepo) DeleteCascade(_ context.Context, id uuid.UUID) error {
	r.instMu.Lock()
	delete(r.instances, id)
	r.instMu.Unlock()

	s := (*Repository)(r).shardFor(id)
	s.mu.Lock()
	delete(s.tasks, id)
	delete(s.variables, id)
	delete(s.history, id)
	s.mu.Unlock()
	return nil
}

// history

type historyRepo Repository

func (r *historyRepo) AppendEntry(_ context.Context, entry *models.HistoryEntry) error {
	s := (*Repository)(r).shardFor(entry.InstanceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.history[entry.InstanceID] = append(s.history[entry.InstanceID], &cp)
	return nil
}

func (r *historyRepo) ListByInstance(_ context.Context, instanceID uuid.UUID) ([]*models.HistoryEntry, error) {
	s := (*Repository)(r).shardFor(instanceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.history[instanceID]
	out := make([]*models.HistoryEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (r *historyRepo) DeleteByInstance(_ context.Context, instanceID uuid.UUID) error {
	s := (*Repository)(r).shardFor(instanceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, instanceID)
	return nil
}

func (r *historyRepo) DeleteEntries(_ context.Context, ids []uuid.UUID) error {
	drop := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	for _, s := range (*Repository)(r).shards {
		s.mu.Lock()
		for instID, entries := range s.history {
			kept := entries[:0]
			for _, e := range entries {
				if !drop[e.ID] {
					kept = append(kept, e)
				}
			}
			s.history[instID] = kept
		}
		s.mu.Unlock()
	}
	return nil
}

// user tasks

type userTaskRepo Repository

func (r *userTaskRepo) Save(_ context.Context, task *models.UserTask) error {
	s := (*Repository)(r).shardFor(task.InstanceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.tasks[task.InstanceID]
	if !ok {
		byID = make(map[uuid.UUID]*models.UserTask)
		s.tasks[task.InstanceID] = byID
	}
	cp := *task
	byID[task.ID] = &cp
	return nil
}

func (r *userTaskRepo) Get(_ context.Context, id uuid.UUID) (*models.UserTask, error) {
	for _, s := range (*Repository)(r).shards {
		s.mu.RLock()
		for _, byID := range s.tasks {
			if t, ok := byID[id]; ok {
				cp := *t
				s.mu.RUnlock()
				return &cp, nil
			}
		}
		s.mu.RUnlock()
	}
	return nil, models.NewNotFoundError("user task", id.String())
}

func (r *userTaskRepo) ListByInstance(_ context.Context, instanceID uuid.UUID) ([]*models.UserTask, error) {
	s := (*Repository)(r).shardFor(instanceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.UserTask
	for _, t := range s.tasks[instanceID] {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateTime.Before(out[j].CreateTime) })
	return out, nil
}

func (r *userTaskRepo) ListPendingForUser(_ context.Context, userID string, inGroup models.GroupLookup, limit, offset int) ([]*models.UserTask, error) {
	var out []*models.UserTask
	for _, s := range (*Repository)(r).shards {
		s.mu.RLock()
		for _, byID := range s.tasks {
			for _, t := range byID {
				if t.Status.IsPending() && t.CanAct(userID, inGroup) {
					cp := *t
					out = append(out, &cp)
				}
			}
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreateTime.Before(out[j].CreateTime)
	})
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

func (r *userTaskRepo) CountPendingForAssignee(_ context.Context, userID string) (int, error) {
	count := 0
	for _, s := range (*Repository)(r).shards {
		s.mu.RLock()
		for _, byID := range s.tasks {
			for _, t := range byID {
				if t.Status.IsPending() && t.Assignee == userID {
					count++
				}
			}
		}
		s.mu.RUnlock()
	}
	return count, nil
}

func (r *userTaskRepo) Update(_ context.Context, task *models.UserTask) error {
	s := (*Repository)(r).shardFor(task.InstanceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.tasks[task.InstanceID]
	if !ok {
		return models.NewNotFoundError("user task", task.ID.String())
	}
	if _, ok := byID[task.ID]; !ok {
		return models.NewNotFoundError("user task", task.ID.String())
	}
	cp := *task
	byID[task.ID] = &cp
	return nil
}

func (r *userTaskRepo) Delete(_ context.Context, id uuid.UUID) error {
	for _, s := range (*Repository)(r).shards {
		s.mu.Lock()
		for _, byID := range s.tasks {
			if _, ok := byID[id]; ok {
				delete(byID, id)
				s.mu.Unlock()
				return nil
			}
		}
		s.mu.Unlock()
	}
	return nil
}

// variables

type variableRepo Repository

func (r *variableRepo) Upsert(_ context.Context, variable *models.Variable) error {
	if err := variable.Validate(); err != nil {
		return err
	}
	s := (*Repository)(r).shardFor(variable.InstanceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.variables[variable.InstanceID]
	if !ok {
		byKey = make(map[string]*models.Variable)
		s.variables[variable.InstanceID] = byKey
	}
	key := variableIdentity(variable.Scope, variable.Name, variable.StepID)
	if existing, ok := byKey[key]; ok {
		variable.ID = existing.ID
		variable.CreateTime = existing.CreateTime
	}
	cp := *variable
	byKey[key] = &cp
	return nil
}

func (r *variableRepo) Lookup(_ context.Context, instanceID uuid.UUID, scope models.VariableScope, name, stepID string) (*models.Variable, error) {
	s := (*Repository)(r).shardFor(instanceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if byKey, ok := s.variables[instanceID]; ok {
		if v, ok := byKey[variableIdentity(scope, name, stepID)]; ok {
			cp := *v
			return &cp, nil
		}
	}
	return nil, models.NewNotFoundError("variable", name)
}

func (r *variableRepo) Delete(_ context.Context, instanceID uuid.UUID, scope models.VariableScope, name, stepID string) error {
	s := (*Repository)(r).shardFor(instanceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if byKey, ok := s.variables[instanceID]; ok {
		delete(byKey, variableIdentity(scope, name, stepID))
	}
	return nil
}

func (r *variableRepo) ListByInstance(_ context.Context, instanceID uuid.UUID) ([]*models.Variable, error) {
	s := (*Repository)(r).shardFor(instanceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Variable
	for _, v := range s.variables[instanceID] {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
