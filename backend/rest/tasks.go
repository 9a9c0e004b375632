package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"planner/backend"
)

// deadlineLayout is the date format of deadline filters
const deadlineLayout = "2006-01-02"

// FilterQuery serializes filters into query parameters. Nil fields are omitted.
func FilterQuery(f backend.Filters) url.Values {
	q := url.Values{}
	setID := func(key string, v *int64) {
		if v != nil {
			q.Set(key, strconv.FormatInt(*v, 10))
		}
	}
	setID("status_id", f.StatusID)
	setID("priority_id", f.PriorityID)
	setID("type_id", f.TypeID)
	setID("duration_id", f.DurationID)

	if f.DeadlineFrom != nil {
		q.Set("deadline_from", f.DeadlineFrom.Format(deadlineLayout))
	}
	if f.DeadlineTo != nil {
		q.Set("deadline_to", f.DeadlineTo.Format(deadlineLayout))
	}
	if f.IsCompleted != nil {
		q.Set("is_completed", strconv.FormatBool(*f.IsCompleted))
	}
	return q
}

// PageQuery serializes a paginated query. Search text is not included.
func PageQuery(req backend.PageRequest) url.Values {
	q := FilterQuery(req.Filters)

	page := req.Page
	if page < 1 {
		page = 1
	}
	q.Set("page", strconv.Itoa(page))
	if req.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(req.PageSize))
	}
	if req.SortBy != "" {
		q.Set("sort_by", req.SortBy)
		order := req.SortOrder
		if order == "" {
			order = backend.SortAsc
		}
		q.Set("sort_order", order)
	}
	return q
}

// ListTasks returns every task matching filters
func (c *Client) ListTasks(ctx context.Context, filters backend.Filters) ([]backend.Task, error) {
	var result struct {
		Tasks []backend.Task `json:"tasks"`
	}
	err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/tasks/", Query: FilterQuery(filters)}, &result)
	if err != nil {
		return nil, err
	}
	return result.Tasks, nil
}

// ListTasksPage returns one page of tasks
func (c *Client) ListTasksPage(ctx context.Context, req backend.PageRequest) (*backend.TaskPage, error) {
	var page backend.TaskPage
	err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/tasks/paginated", Query: PageQuery(req)}, &page)
	if err != nil {
		return nil, err
	}
	return normalizePage(&page, req), nil
}

// SearchTasks returns one page of tasks matching req.Search
func (c *Client) SearchTasks(ctx context.Context, req backend.PageRequest) (*backend.TaskPage, error) {
	text := strings.TrimSpace(req.Search)
	if text == "" {
		return nil, &backend.ValidationError{Field: "search", Message: "search text is required"}
	}

	q := PageQuery(req)
	q.Set("q", text)

	var page backend.TaskPage
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/tasks/search", Query: q}, &page); err != nil {
		return nil, err
	}
	return normalizePage(&page, req), nil
}

// normalizePage fills paging fields the server left out
func normalizePage(page *backend.TaskPage, req backend.PageRequest) *backend.TaskPage {
	if page.Items == nil {
		page.Items = []backend.Task{}
	}
	if page.CurrentPage < 1 {
		page.CurrentPage = max(req.Page, 1)
	}
	if page.PageSize < 1 {
		page.PageSize = req.PageSize
	}
	if page.TotalPages < 1 && page.PageSize > 0 && page.TotalItems > 0 {
		page.TotalPages = (page.TotalItems + page.PageSize - 1) / page.PageSize
	}
	return page
}

// GetTask returns a single task
func (c *Client) GetTask(ctx context.Context, id int64) (*backend.Task, error) {
	var task backend.Task
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: taskPath(id)}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateTask creates a task. Title is required.
func (c *Client) CreateTask(ctx context.Context, in backend.TaskInput) (*backend.Task, error) {
	if err := in.Validate(true); err != nil {
		return nil, err
	}
	var task backend.Task
	if err := c.Do(ctx, Request{Method: http.MethodPost, Path: "/tasks/", Body: in}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask sends the non-nil fields of in
func (c *Client) UpdateTask(ctx context.Context, id int64, in backend.TaskInput) (*backend.Task, error) {
	if err := in.Validate(false); err != nil {
		return nil, err
	}
	var task backend.Task
	if err := c.Do(ctx, Request{Method: http.MethodPut, Path: taskPath(id), Body: in}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTask deletes a task
func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: taskPath(id)}, nil)
}

func taskPath(id int64) string {
	return fmt.Sprintf("/tasks/%d", id)
}
