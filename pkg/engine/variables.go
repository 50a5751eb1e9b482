package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/S-Corkum/meshflow/pkg/models"
)

// SetVariable writes a scoped variable, encoding the value into canonical
// string form at the persistence boundary.
func (e *Engine) SetVariable(ctx context.Context, instanceID uuid.UUID, scope models.VariableScope, name, stepID string, value interface{}) error {
	encoded, varType, err := models.EncodeVariableValue(value)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	v := &models.Variable{
		ID:         uuid.New(),
		InstanceID: instanceID,
		Name:       name,
		Type:       varType,
		Value:      encoded,
		Scope:      scope,
		StepID:     stepID,
		CreateTime: now,
		UpdateTime: now,
	}
	if err := v.Validate(); err != nil {
		return err
	}
	return e.repo.Variables().Upsert(ctx, v)
}

// GetVariable reads a variable and decodes it back to a native value.
// Step-scoped lookups fall back to instance scope, which falls back to
// global, mirroring lexical shadowing.
func (e *Engine) GetVariable(ctx context.Context, instanceID uuid.UUID, name, stepID string) (interface{}, error) {
	if stepID != "" {
		v, err := e.repo.Variables().Lookup(ctx, instanceID, models.ScopeStep, name, stepID)
		if err == nil {
			return models.DecodeVariableValue(v)
		}
		if !models.IsNotFound(err) {
			return nil, err
		}
	}
	v, err := e.repo.Variables().Lookup(ctx, instanceID, models.ScopeInstance, name, "")
	if err == nil {
		return models.DecodeVariableValue(v)
	}
	if !models.IsNotFound(err) {
		return nil, err
	}
	v, err = e.repo.Variables().Lookup(ctx, instanceID, models.ScopeGlobal, name, "")
	if err != nil {
		return nil, err
	}
	return models.DecodeVariableValue(v)
}

// DeleteVariable removes one variable.
func (e *Engine) DeleteVariable(ctx context.Context, instanceID uuid.UUID, scope models.VariableScope, name, stepID string) error {
	return e.repo.Variables().Delete(ctx, instanceID, scope, name, stepID)
}

// ListVariables returns every variable of the instance.
func (e *Engine) ListVariables(ctx context.Context, instanceID uuid.UUID) ([]*models.Variable, error) {
	return e.repo.Variables().ListByInstance(ctx, instanceID)
}
