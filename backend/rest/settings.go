package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"planner/backend"
)

// Settings resources under /settings/
const (
	ResourceStatus   = "status"
	ResourcePriority = "priority"
	ResourceDuration = "duration"
	ResourceTaskType = "task-type"
)

// GetSettings returns statuses, priorities and durations.
// Task types come from a separate endpoint, see ListTaskTypes.
func (c *Client) GetSettings(ctx context.Context) (*backend.Settings, error) {
	var settings backend.Settings
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/settings/"}, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// ListTaskTypes returns the user's task types
func (c *Client) ListTaskTypes(ctx context.Context) ([]backend.TaskType, error) {
	var types []backend.TaskType
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/settings/task-type/"}, &types); err != nil {
		return nil, err
	}
	return types, nil
}

func (c *Client) createSetting(ctx context.Context, resource string, in, out interface{}) error {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: "/settings/" + resource + "/", Body: in}, out)
}

func (c *Client) updateSetting(ctx context.Context, resource string, id int64, in, out interface{}) error {
	return c.Do(ctx, Request{Method: http.MethodPut, Path: settingPath(resource, id), Body: in}, out)
}

// DeleteSetting deletes one status, priority, duration or task type
func (c *Client) DeleteSetting(ctx context.Context, resource string, id int64) error {
	switch resource {
	case ResourceStatus, ResourcePriority, ResourceDuration, ResourceTaskType:
	default:
		return &backend.ValidationError{Field: "resource", Message: fmt.Sprintf("unknown settings resource %q", resource)}
	}
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: settingPath(resource, id)}, nil)
}

func settingPath(resource string, id int64) string {
	return fmt.Sprintf("/settings/%s/%d", resource, id)
}

// CreateStatus creates a status
func (c *Client) CreateStatus(ctx context.Context, in backend.StatusInput) (*backend.Status, error) {
	if err := in.Validate(true); err != nil {
		return nil, err
	}
	var out backend.Status
	if err := c.createSetting(ctx, ResourceStatus, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateStatus updates a status
func (c *Client) UpdateStatus(ctx context.Context, id int64, in backend.StatusInput) (*backend.Status, error) {
	if err := in.Validate(false); err != nil {
		return nil, err
	}
	var out backend.Status
	if err := c.updateSetting(ctx, ResourceStatus, id, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreatePriority creates a priority
func (c *Client) CreatePriority(ctx context.Context, in backend.PriorityInput) (*backend.Priority, error) {
	if err := in.Validate(true); err != nil {
		return nil, err
	}
	var out backend.Priority
	if err := c.createSetting(ctx, ResourcePriority, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdatePriority updates a priority
func (c *Client) UpdatePriority(ctx context.Context, id int64, in backend.PriorityInput) (*backend.Priority, error) {
	if err := in.Validate(false); err != nil {
		return nil, err
	}
	var out backend.Priority
	if err := c.updateSetting(ctx, ResourcePriority, id, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateDuration creates a duration
func (c *Client) CreateDuration(ctx context.Context, in backend.DurationInput) (*backend.Duration, error) {
	if err := in.Validate(true); err != nil {
		return nil, err
	}
	var out backend.Duration
	if err := c.createSetting(ctx, ResourceDuration, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateDuration updates a duration
func (c *Client) UpdateDuration(ctx context.Context, id int64, in backend.DurationInput) (*backend.Duration, error) {
	if err := in.Validate(false); err != nil {
		return nil, err
	}
	var out backend.Duration
	if err := c.updateSetting(ctx, ResourceDuration, id, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTaskType creates a task type
func (c *Client) CreateTaskType(ctx context.Context, in backend.TaskTypeInput) (*backend.TaskType, error) {
	if err := in.Validate(true); err != nil {
		return nil, err
	}
	var out backend.TaskType
	if err := c.createSetting(ctx, ResourceTaskType, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTaskType updates a task type
func (c *Client) UpdateTaskType(ctx context.Context, id int64, in backend.TaskTypeInput) (*backend.TaskType, error) {
	if err := in.Validate(false); err != nil {
		return nil, err
	}
	var out backend.TaskType
	if err := c.updateSetting(ctx, ResourceTaskType, id, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CalculateDeadline asks the API for the deadline a duration yields,
// counted from from (or from now when from is nil)
func (c *Client) CalculateDeadline(ctx context.Context, durationID int64, from *time.Time) (time.Time, error) {
	q := url.Values{}
	if from != nil {
		q.Set("from_date", from.Format(time.RFC3339))
	}

	var result struct {
		Deadline time.Time `json:"deadline"`
	}
	path := fmt.Sprintf("/settings/duration/%d/calculate-deadline", durationID)
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: q}, &result); err != nil {
		return time.Time{}, err
	}
	if result.Deadline.IsZero() {
		return time.Time{}, fmt.Errorf("API returned no deadline for duration %d", durationID)
	}
	return result.Deadline, nil
}
