package backend

import (
	"strings"
)

// StatusInput is the body of status create and update calls. Nil fields are omitted.
type StatusInput struct {
	Name      *string `json:"name,omitempty"`
	Code      *string `json:"code,omitempty"`
	Color     *string `json:"color,omitempty"`
	Order     *int    `json:"order,omitempty"`
	IsActive  *bool   `json:"is_active,omitempty"`
	IsDefault *bool   `json:"is_default,omitempty"`
	IsFinal   *bool   `json:"is_final,omitempty"`
}

// Validate requires name and code on create
func (in *StatusInput) Validate(create bool) error {
	if err := requireName(in.Name, create); err != nil {
		return err
	}
	if create && (in.Code == nil || strings.TrimSpace(*in.Code) == "") {
		return &ValidationError{Field: "code", Message: "code is required"}
	}
	return nil
}

// PriorityInput is the body of priority create and update calls
type PriorityInput struct {
	Name      *string `json:"name,omitempty"`
	Color     *string `json:"color,omitempty"`
	Order     *int    `json:"order,omitempty"`
	IsActive  *bool   `json:"is_active,omitempty"`
	IsDefault *bool   `json:"is_default,omitempty"`
}

// Validate requires a name on create
func (in *PriorityInput) Validate(create bool) error {
	return requireName(in.Name, create)
}

// DurationInput is the body of duration create and update calls
type DurationInput struct {
	Name      *string       `json:"name,omitempty"`
	Type      *DurationType `json:"type,omitempty"`
	Value     *int          `json:"value,omitempty"`
	IsActive  *bool         `json:"is_active,omitempty"`
	IsDefault *bool         `json:"is_default,omitempty"`
}

// Validate requires name, type and a positive value on create, and checks
// any type or value that is present
func (in *DurationInput) Validate(create bool) error {
	if err := requireName(in.Name, create); err != nil {
		return err
	}
	if in.Type == nil {
		if create {
			return &ValidationError{Field: "type", Message: "type is required"}
		}
	} else if !in.Type.Valid() {
		return &ValidationError{Field: "type", Message: "must be one of days, weeks, months, years"}
	}
	if in.Value == nil {
		if create {
			return &ValidationError{Field: "value", Message: "value is required"}
		}
	} else if *in.Value <= 0 {
		return &ValidationError{Field: "value", Message: "value must be positive"}
	}
	return nil
}

// TaskTypeInput is the body of task type create and update calls
type TaskTypeInput struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Color       *string `json:"color,omitempty"`
	Order       *int    `json:"order,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
	IsDefault   *bool   `json:"is_default,omitempty"`
}

// Validate requires a name on create
func (in *TaskTypeInput) Validate(create bool) error {
	return requireName(in.Name, create)
}

func requireName(name *string, create bool) error {
	if create && (name == nil || strings.TrimSpace(*name) == "") {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if !create && name != nil && strings.TrimSpace(*name) == "" {
		return &ValidationError{Field: "name", Message: "name cannot be empty"}
	}
	return nil
}

// DurationTypes lists the accepted duration units
func DurationTypes() []string {
	return []string{string(DurationDays), string(DurationWeeks), string(DurationMonths), string(DurationYears)}
}

// Timezone is one entry of the /timezones list
type Timezone struct {
	Value string `json:"value"`
	Label string `json:"label"`
	Group string `json:"group"`
}

// FindStatus returns the status whose name or code matches, case-insensitively
func (s *Settings) FindStatus(name string) (*Status, bool) {
	for i := range s.Statuses {
		st := &s.Statuses[i]
		if strings.EqualFold(st.Name, name) || (st.Code != "" && strings.EqualFold(st.Code, name)) {
			return st, true
		}
	}
	return nil, false
}

// FindPriority returns the priority with the given name
func (s *Settings) FindPriority(name string) (*Priority, bool) {
	for i := range s.Priorities {
		if strings.EqualFold(s.Priorities[i].Name, name) {
			return &s.Priorities[i], true
		}
	}
	return nil, false
}

// FindDuration returns the duration with the given name
func (s *Settings) FindDuration(name string) (*Duration, bool) {
	for i := range s.Durations {
		if strings.EqualFold(s.Durations[i].Name, name) {
			return &s.Durations[i], true
		}
	}
	return nil, false
}

// FindTaskType returns the task type with the given name
func (s *Settings) FindTaskType(name string) (*TaskType, bool) {
	for i := range s.TaskTypes {
		if strings.EqualFold(s.TaskTypes[i].Name, name) {
			return &s.TaskTypes[i], true
		}
	}
	return nil, false
}

// Int returns a pointer to v
func Int(v int) *int { return &v }
