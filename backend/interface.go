package backend

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DurationType is the unit of a Duration setting
type DurationType string

const (
	DurationDays   DurationType = "days"
	DurationWeeks  DurationType = "weeks"
	DurationMonths DurationType = "months"
	DurationYears  DurationType = "years"
)

// Valid reports whether d is one of the units the API accepts
func (d DurationType) Valid() bool {
	switch d {
	case DurationDays, DurationWeeks, DurationMonths, DurationYears:
		return true
	}
	return false
}

// Status is a user-defined task status
type Status struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Code      string `json:"code,omitempty"`
	Color     string `json:"color,omitempty"`
	Order     int    `json:"order"`
	IsActive  bool   `json:"is_active"`
	IsDefault bool   `json:"is_default"`
	IsFinal   bool   `json:"is_final"`
}

// Priority is a user-defined task priority
type Priority struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
	Order     int    `json:"order"`
	IsActive  bool   `json:"is_active"`
	IsDefault bool   `json:"is_default"`
}

// Duration is a named offset used by the API to derive task deadlines
type Duration struct {
	ID        int64        `json:"id"`
	Name      string       `json:"name"`
	Type      DurationType `json:"type"`
	Value     int          `json:"value"`
	IsActive  bool         `json:"is_active"`
	IsDefault bool         `json:"is_default"`
}

// TaskType is a user-defined task category
type TaskType struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
	Order       int    `json:"order"`
	IsActive    bool   `json:"is_active"`
	IsDefault   bool   `json:"is_default"`
}

// Settings is the classification reference data returned by /settings/
type Settings struct {
	Statuses   []Status   `json:"statuses"`
	Priorities []Priority `json:"priorities"`
	Durations  []Duration `json:"durations"`
	TaskTypes  []TaskType `json:"task_types,omitempty"`
}

// Task represents a task as returned by the API
type Task struct {
	ID           int64          `json:"id"`
	Title        string         `json:"title"`
	Description  *string        `json:"description"`
	Type         *TaskType      `json:"type"`
	Status       *Status        `json:"status"`
	Priority     *Priority      `json:"priority"`
	Duration     *Duration      `json:"duration"`
	Deadline     *time.Time     `json:"deadline"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at"`
	Completed    *bool          `json:"completed,omitempty"`
	IsOverdue    bool           `json:"is_overdue"`
	Reminders    []string       `json:"reminders,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
}

// IsCompleted reports whether the task is done.
// A present status is authoritative through its IsFinal flag; without a status the
// explicit completed flag wins, then the presence of a completion timestamp.
func (t *Task) IsCompleted() bool {
	if t.Status != nil {
		return t.Status.IsFinal
	}
	if t.Completed != nil {
		return *t.Completed
	}
	return t.CompletedAt != nil
}

// TaskInput is the body of task create and update calls. Nil fields are omitted.
type TaskInput struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	StatusID    *int64     `json:"status_id,omitempty"`
	PriorityID  *int64     `json:"priority_id,omitempty"`
	DurationID  *int64     `json:"duration_id,omitempty"`
	TypeID      *int64     `json:"type_id,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// Validate checks the input before it is sent. Title is required on create.
func (in *TaskInput) Validate(create bool) error {
	if create && (in.Title == nil || strings.TrimSpace(*in.Title) == "") {
		return &ValidationError{Field: "title", Message: "title is required"}
	}
	if !create && in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return &ValidationError{Field: "title", Message: "title cannot be empty"}
	}
	return nil
}

// Filters narrows a task query. Nil fields are not sent as query parameters;
// in the preference document a nil IsCompleted is kept as null, meaning "all tasks".
type Filters struct {
	StatusID     *int64     `json:"status_id,omitempty"`
	PriorityID   *int64     `json:"priority_id,omitempty"`
	TypeID       *int64     `json:"type_id,omitempty"`
	DurationID   *int64     `json:"duration_id,omitempty"`
	DeadlineFrom *time.Time `json:"deadline_from,omitempty"`
	DeadlineTo   *time.Time `json:"deadline_to,omitempty"`
	IsCompleted  *bool      `json:"is_completed"`
}

// DefaultFilters returns the filters used when nothing else is known
func DefaultFilters() Filters {
	completed := false
	return Filters{IsCompleted: &completed}
}

// Clone returns a deep copy so callers cannot alias pointer fields
func (f Filters) Clone() Filters {
	out := Filters{}
	if f.StatusID != nil {
		out.StatusID = Int64(*f.StatusID)
	}
	if f.PriorityID != nil {
		out.PriorityID = Int64(*f.PriorityID)
	}
	if f.TypeID != nil {
		out.TypeID = Int64(*f.TypeID)
	}
	if f.DurationID != nil {
		out.DurationID = Int64(*f.DurationID)
	}
	if f.DeadlineFrom != nil {
		t := *f.DeadlineFrom
		out.DeadlineFrom = &t
	}
	if f.DeadlineTo != nil {
		t := *f.DeadlineTo
		out.DeadlineTo = &t
	}
	if f.IsCompleted != nil {
		b := *f.IsCompleted
		out.IsCompleted = &b
	}
	return out
}

// Sort orders
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// DefaultSortField is the sort used when no preference exists
const DefaultSortField = "deadline"

// Preferences is the persisted subset of a task query
type Preferences struct {
	Filters   Filters `json:"filters"`
	SortBy    string  `json:"sort_by"`
	SortOrder string  `json:"sort_order"`
}

// DefaultPreferences returns the documented fallback preferences
func DefaultPreferences() Preferences {
	return Preferences{
		Filters:   DefaultFilters(),
		SortBy:    DefaultSortField,
		SortOrder: SortAsc,
	}
}

// PageRequest is a paginated, filtered, sorted task query
type PageRequest struct {
	Filters   Filters
	SortBy    string
	SortOrder string
	Search    string
	Page      int
	PageSize  int
}

// TaskPage is one page of query results
type TaskPage struct {
	Items       []Task `json:"items"`
	CurrentPage int    `json:"current_page"`
	PageSize    int    `json:"page_size"`
	TotalItems  int    `json:"total_items"`
	TotalPages  int    `json:"total_pages"`
}

// LoginResult is the response of a password login
type LoginResult struct {
	User    string `json:"user"`
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// ValidationError is raised before a request is dispatched
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// TaskService defines the task and settings operations of the remote API
type TaskService interface {
	// Task operations
	ListTasks(ctx context.Context, filters Filters) ([]Task, error)
	ListTasksPage(ctx context.Context, req PageRequest) (*TaskPage, error)
	SearchTasks(ctx context.Context, req PageRequest) (*TaskPage, error)
	GetTask(ctx context.Context, id int64) (*Task, error)
	CreateTask(ctx context.Context, in TaskInput) (*Task, error)
	UpdateTask(ctx context.Context, id int64, in TaskInput) (*Task, error)
	DeleteTask(ctx context.Context, id int64) error

	// Reference data
	GetSettings(ctx context.Context) (*Settings, error)
	ListTaskTypes(ctx context.Context) ([]TaskType, error)
}

// PreferenceStore reads and writes the raw preference document
type PreferenceStore interface {
	GetPreferences(ctx context.Context) ([]byte, error)
	SavePreferences(ctx context.Context, p Preferences) error
}

// Int64 returns a pointer to v
func Int64(v int64) *int64 { return &v }

// Bool returns a pointer to v
func Bool(v bool) *bool { return &v }

// String returns a pointer to v
func String(v string) *string { return &v }
