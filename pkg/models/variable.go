package models

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// VariableScope controls where a variable is visible
type VariableScope string

const (
	ScopeInstance VariableScope = "instance"
	ScopeStep     VariableScope = "step"
	ScopeGlobal   VariableScope = "global"
)

// VariableType is the declared type of a variable's canonical string value
type VariableType string

const (
	VarTypeString   VariableType = "string"
	VarTypeInt      VariableType = "int"
	VarTypeLong     VariableType = "long"
	VarTypeDouble   VariableType = "double"
	VarTypeBool     VariableType = "bool"
	VarTypeDate     VariableType = "date"
	VarTypeDatetime VariableType = "datetime"
	VarTypeJSON     VariableType = "json"
	VarTypeArray    VariableType = "array"
	VarTypeObject   VariableType = "object"
)

const (
	dateLayout = "2006-01-02"
)

// Variable is a scoped, typed value attached to an instance. Values are
// stored as canonical strings; the typed accessors parse on read. The triple
// (instanceID, scope, name, stepID?) is unique, and stepID is set iff the
// scope is step.
type Variable struct {
	ID         uuid.UUID     `json:"id" db:"id"`
	InstanceID uuid.UUID     `json:"instance_id" db:"instance_id"`
	Name       string        `json:"name" db:"name"`
	Type       VariableType  `json:"type" db:"type"`
	Value      string        `json:"value" db:"value"`
	Scope      VariableScope `json:"scope" db:"scope"`
	StepID     string        `json:"step_id,omitempty" db:"step_id"`
	CreateTime time.Time     `json:"create_time" db:"create_time"`
	UpdateTime time.Time     `json:"update_time" db:"update_time"`
}

// Validate checks scope/stepID consistency.
func (v *Variable) Validate() error {
	if v.Name == "" {
		return NewValidationError("name", "required")
	}
	if v.Scope == ScopeStep && v.StepID == "" {
		return NewValidationError("step_id", "required for step-scoped variables")
	}
	if v.Scope != ScopeStep && v.StepID != "" {
		return NewValidationError("step_id", "only allowed for step-scoped variables")
	}
	return nil
}

// AsString returns the raw canonical value.
func (v *Variable) AsString() string { return v.Value }

// AsInt parses the value as an int.
func (v *Variable) AsInt() (int, error) {
	n, err := strconv.Atoi(v.Value)
	if err != nil {
		return 0, errors.Wrapf(err, "variable %s is not an int", v.Name)
	}
	return n, nil
}

// AsInt64 parses the value as a 64-bit integer.
func (v *Variable) AsInt64() (int64, error) {
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "variable %s is not a long", v.Name)
	}
	return n, nil
}

// AsFloat64 parses the value as a double.
func (v *Variable) AsFloat64() (float64, error) {
	f, err := strconv.ParseFloat(v.Value, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "variable %s is not a double", v.Name)
	}
	return f, nil
}

// AsBool parses the value as a bool.
func (v *Variable) AsBool() (bool, error) {
	b, err := strconv.ParseBool(v.Value)
	if err != nil {
		return false, errors.Wrapf(err, "variable %s is not a bool", v.Name)
	}
	return b, nil
}

// AsDate parses the value as a calendar date (2006-01-02).
func (v *Variable) AsDate() (time.Time, error) {
	t, err := time.Parse(dateLayout, v.Value)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "variable %s is not a date", v.Name)
	}
	return t, nil
}

// AsDatetime parses the value as an RFC 3339 timestamp.
func (v *Variable) AsDatetime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v.Value)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "variable %s is not a datetime", v.Name)
	}
	return t, nil
}

// AsJSON unmarshals the value into out. Used for the json, array and object
// variable types.
func (v *Variable) AsJSON(out interface{}) error {
	if err := json.Unmarshal([]byte(v.Value), out); err != nil {
		return errors.Wrapf(err, "variable %s is not valid json", v.Name)
	}
	return nil
}

// EncodeVariableValue renders a Go value into the canonical string form and
// infers the variable type. Encoding happens only at the persistence
// boundary; in-memory contexts carry native values.
func EncodeVariableValue(value interface{}) (string, VariableType, error) {
	switch v := value.(type) {
	case nil:
		return "", VarTypeString, nil
	case string:
		return v, VarTypeString, nil
	case bool:
		return strconv.FormatBool(v), VarTypeBool, nil
	case int:
		return strconv.Itoa(v), VarTypeInt, nil
	case int64:
		return strconv.FormatInt(v, 10), VarTypeLong, nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), VarTypeDouble, nil
	case time.Time:
		return v.UTC().Format(time.RFC3339), VarTypeDatetime, nil
	case []interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			return "", "", errors.Wrap(err, "failed to encode array variable")
		}
		return string(data), VarTypeArray, nil
	case map[string]interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			return "", "", errors.Wrap(err, "failed to encode object variable")
		}
		return string(data), VarTypeObject, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", "", errors.Wrapf(err, "failed to encode variable of type %T", value)
		}
		return string(data), VarTypeJSON, nil
	}
}

// DecodeVariableValue parses a canonical string back into a native Go value
// according to the declared type.
func DecodeVariableValue(v *Variable) (interface{}, error) {
	switch v.Type {
	case VarTypeString, "":
		return v.Value, nil
	case VarTypeInt:
		return v.AsInt()
	case VarTypeLong:
		return v.AsInt64()
	case VarTypeDouble:
		return v.AsFloat64()
	case VarTypeBool:
		return v.AsBool()
	case VarTypeDate:
		return v.AsDate()
	case VarTypeDatetime:
		return v.AsDatetime()
	case VarTypeJSON, VarTypeArray, VarTypeObject:
		var out interface{}
		if err := v.AsJSON(&out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, errors.Errorf("unknown variable type %q", v.Type)
	}
}
