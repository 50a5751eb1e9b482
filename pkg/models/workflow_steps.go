package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// WorkflowSteps is an ordered array of steps with proper database
// serialization. Order is significant: steps[i].Order == i+1.
type WorkflowSteps []Step

// Value implements driver.Valuer for database serialization
func (s WorkflowSteps) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner for database deserialization
func (s *WorkflowSteps) Scan(value interface{}) error {
	if value == nil {
		*s = WorkflowSteps{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into WorkflowSteps", value)
	}

	if len(data) == 0 || string(data) == "[]" {
		*s = WorkflowSteps{}
		return nil
	}

	var steps []Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return fmt.Errorf("failed to unmarshal WorkflowSteps: %w", err)
	}
	*s = steps
	return nil
}

// GetByID returns a step by its ID
func (s WorkflowSteps) GetByID(id string) (*Step, bool) {
	for i := range s {
		if s[i].ID == id {
			return &s[i], true
		}
	}
	return nil, false
}
