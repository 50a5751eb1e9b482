package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/S-Corkum/meshflow/pkg/models"
)

// exportVersion is the envelope format version.
const exportVersion = 1

// ExportEnvelope is the portable form of one instance: its definition,
// state, history, user tasks, and variables.
type ExportEnvelope struct {
	Version    int                    `json:"version"`
	ExportedAt time.Time              `json:"exported_at"`
	Workflow   *models.Workflow       `json:"workflow"`
	Instance   *models.Instance       `json:"instance"`
	History    []*models.HistoryEntry `json:"history"`
	UserTasks  []*models.UserTask     `json:"user_tasks,omitempty"`
	Variables  []*models.Variable     `json:"variables,omitempty"`
}

// envelopeSchema is the structural contract imports are validated against
// before any decoding into model types.
const envelopeSchema = `{
  "type": "object",
  "required": ["version", "workflow", "instance"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "exported_at": {"type": "string"},
    "workflow": {
      "type": "object",
      "required": ["id", "name", "steps"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string", "minLength": 1},
        "steps": {"type": "array", "minItems": 1}
      }
    },
    "instance": {
      "type": "object",
      "required": ["id", "workflow_id", "status"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "workflow_id": {"type": "string", "minLength": 1},
        "status": {"type": "string", "minLength": 1}
      }
    },
    "history": {"type": "array"},
    "user_tasks": {"type": "array"},
    "variables": {"type": "array"}
  }
}`

// ExportInstance renders the instance with its definition, history, and
// variables as a portable JSON document.
func (e *Engine) ExportInstance(ctx context.Context, instanceID uuid.UUID) ([]byte, error) {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.repo.Instances().Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	wf, err := e.definition(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}
	history, err := e.repo.History().ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.repo.UserTasks().ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	variables, err := e.repo.Variables().ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	envelope := ExportEnvelope{
		Version:    exportVersion,
		ExportedAt: time.Now().UTC(),
		Workflow:   wf,
		Instance:   inst.Snapshot(),
		History:    history,
		UserTasks:  tasks,
		Variables:  variables,
	}
	return json.MarshalIndent(envelope, "", "  ")
}

// ImportInstance validates and loads an exported document, assigning a
// fresh instance id so the import never collides with the exported
// original. The imported instance is persisted as-is and not resumed.
func (e *Engine) ImportInstance(ctx context.Context, data []byte) (*models.Instance, error) {
	schema := gojsonschema.NewStringLoader(envelopeSchema)
	document := gojsonschema.NewBytesLoader(data)
	validation, err := gojsonschema.Validate(schema, document)
	if err != nil {
		return nil, models.NewWorkflowError(models.ErrKindData, "import document is not valid json").WithCause(err)
	}
	if !validation.Valid() {
		msg := "import document failed validation"
		if errs := validation.Errors(); len(errs) > 0 {
			msg = msg + ": " + errs[0].String()
		}
		return nil, models.NewWorkflowError(models.ErrKindData, msg)
	}

	var envelope ExportEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, models.NewWorkflowError(models.ErrKindData, "failed to decode import document").WithCause(err)
	}
	if envelope.Version > exportVersion {
		return nil, models.NewWorkflowError(models.ErrKindData, "import document version is newer than supported")
	}
	if err := envelope.Workflow.Validate(); err != nil {
		return nil, err
	}

	// The definition may already exist; save is an upsert.
	if err := e.repo.Definitions().Save(ctx, envelope.Workflow); err != nil {
		return nil, err
	}
	e.defCache.Remove(envelope.Workflow.ID)

	inst := envelope.Instance
	newID := uuid.New()
	now := time.Now().UTC()
	inst.ID = newID
	inst.CreateTime = now
	inst.UpdateTime = now
	if err := e.repo.Instances().Save(ctx, inst); err != nil {
		return nil, err
	}

	for _, entry := range envelope.History {
		entry.ID = uuid.New()
		entry.InstanceID = newID
		if err := e.repo.History().AppendEntry(ctx, entry); err != nil {
			return nil, err
		}
	}
	for _, task := range envelope.UserTasks {
		task.ID = uuid.New()
		task.InstanceID = newID
		if err := e.repo.UserTasks().Save(ctx, task); err != nil {
			return nil, err
		}
	}
	for _, v := range envelope.Variables {
		v.ID = uuid.New()
		v.InstanceID = newID
		if err := e.repo.Variables().Upsert(ctx, v); err != nil {
			return nil, err
		}
	}

	e.logger.Info("instance imported", map[string]interface{}{
		"instance_id": newID.String(),
		"workflow_id": inst.WorkflowID,
	})
	return inst.Snapshot(), nil
}
