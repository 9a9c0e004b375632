package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"planner/backend"
	"planner/internal/credentials"
	"planner/internal/gateway"
	"planner/internal/testutil"
)

// newTestClient returns a client signed in as alice against a fresh mock API
func newTestClient(t *testing.T) (*Client, *testutil.MockAPI) {
	t.Helper()
	api := testutil.NewMockAPI(t)
	access, refresh := api.IssueTokens("alice")

	store := credentials.New()
	store.Set(credentials.Update{
		AccessToken:  credentials.Str(access),
		RefreshToken: credentials.Str(refresh),
		UserID:       credentials.Str("alice"),
	})
	return New(api.URL(), gateway.New(store)), api
}

func TestFilterQuery(t *testing.T) {
	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	f := backend.Filters{
		StatusID:     backend.Int64(3),
		DurationID:   backend.Int64(5),
		DeadlineFrom: &from,
		IsCompleted:  backend.Bool(false),
	}

	got := FilterQuery(f).Encode()
	want := "deadline_from=2026-02-01&duration_id=5&is_completed=false&status_id=3"
	if got != want {
		t.Errorf("FilterQuery() = %q, want %q", got, want)
	}

	if q := FilterQuery(backend.Filters{}); len(q) != 0 {
		t.Errorf("empty filters should produce no params, got %v", q)
	}
}

func TestPageQuery(t *testing.T) {
	q := PageQuery(backend.PageRequest{Page: 0, PageSize: 10, SortBy: "title"})
	if q.Get("page") != "1" {
		t.Errorf("page = %q, want 1", q.Get("page"))
	}
	if q.Get("sort_order") != "asc" {
		t.Errorf("sort_order should default to asc, got %q", q.Get("sort_order"))
	}

	q = PageQuery(backend.PageRequest{Page: 2})
	if q.Has("sort_by") || q.Has("sort_order") || q.Has("page_size") {
		t.Errorf("unset sort and size should be omitted, got %v", q)
	}
}

func TestTaskCRUD(t *testing.T) {
	ctx := context.Background()
	c, api := newTestClient(t)

	created, err := c.CreateTask(ctx, backend.TaskInput{
		Title:      backend.String("Write report"),
		StatusID:   backend.Int64(1),
		PriorityID: backend.Int64(2),
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if created.ID == 0 || created.Status == nil || created.Status.Name != "New" {
		t.Errorf("unexpected created task: %+v", created)
	}

	updated, err := c.UpdateTask(ctx, created.ID, backend.TaskInput{StatusID: backend.Int64(3)})
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if !updated.IsCompleted() {
		t.Error("task moved to a final status should be completed")
	}
	if updated.Title != "Write report" {
		t.Errorf("partial update changed title to %q", updated.Title)
	}

	got, err := c.GetTask(ctx, created.ID)
	if err != nil || got.ID != created.ID {
		t.Fatalf("GetTask = %+v, %v", got, err)
	}

	if err := c.DeleteTask(ctx, created.ID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if _, err := c.GetTask(ctx, created.ID); !IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}

	log := api.GetRequestLog()
	if log[0] != "POST /api/tasks/" {
		t.Errorf("first request = %q", log[0])
	}
}

func TestCreateTaskValidatesBeforeDispatch(t *testing.T) {
	c, api := newTestClient(t)

	_, err := c.CreateTask(context.Background(), backend.TaskInput{Title: backend.String("  ")})
	var vErr *backend.ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "title" {
		t.Fatalf("expected title validation error, got %v", err)
	}
	if n := len(api.GetRequestLog()); n != 0 {
		t.Errorf("validation failure should not hit the API, saw %d requests", n)
	}
}

func TestListTasksAndPagination(t *testing.T) {
	ctx := context.Background()
	c, api := newTestClient(t)
	settings := api.Settings()

	for _, title := range []string{"charlie", "alpha", "bravo"} {
		api.AddTask(backend.Task{Title: title, Status: &settings.Statuses[0]})
	}
	api.AddTask(backend.Task{Title: "done", Status: &settings.Statuses[2]})

	open, err := c.ListTasks(ctx, backend.DefaultFilters())
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(open) != 3 {
		t.Errorf("expected 3 open tasks, got %d", len(open))
	}

	page, err := c.ListTasksPage(ctx, backend.PageRequest{
		Filters:   backend.DefaultFilters(),
		SortBy:    "title",
		SortOrder: backend.SortDesc,
		Page:      1,
		PageSize:  2,
	})
	if err != nil {
		t.Fatalf("ListTasksPage failed: %v", err)
	}
	if page.TotalItems != 3 || page.TotalPages != 2 || len(page.Items) != 2 {
		t.Errorf("unexpected page: %+v", page)
	}
	if page.Items[0].Title != "charlie" {
		t.Errorf("first item = %q, want charlie", page.Items[0].Title)
	}
}

func TestSearchTasks(t *testing.T) {
	ctx := context.Background()
	c, api := newTestClient(t)
	api.AddTask(backend.Task{Title: "Buy milk"})
	api.AddTask(backend.Task{Title: "Call bob"})

	page, err := c.SearchTasks(ctx, backend.PageRequest{Search: "milk", Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("SearchTasks failed: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Title != "Buy milk" {
		t.Errorf("unexpected search result: %+v", page.Items)
	}

	if _, err := c.SearchTasks(ctx, backend.PageRequest{Search: " "}); err == nil {
		t.Error("empty search text should be rejected")
	}
	if api.CountRequests("GET /api/tasks/search") != 1 {
		t.Errorf("expected a single search request, log: %v", api.GetRequestLog())
	}
}

func TestSettingsCRUD(t *testing.T) {
	ctx := context.Background()
	c, api := newTestClient(t)

	settings, err := c.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings failed: %v", err)
	}
	if len(settings.Statuses) != 3 || len(settings.Durations) != 2 {
		t.Errorf("unexpected settings: %+v", settings)
	}

	types, err := c.ListTaskTypes(ctx)
	if err != nil || len(types) != 2 {
		t.Fatalf("ListTaskTypes = %v, %v", types, err)
	}

	st, err := c.CreateStatus(ctx, backend.StatusInput{Name: backend.String("Blocked"), Code: backend.String("blocked")})
	if err != nil {
		t.Fatalf("CreateStatus failed: %v", err)
	}
	st, err = c.UpdateStatus(ctx, st.ID, backend.StatusInput{Color: backend.String("#ff0000")})
	if err != nil || st.Color != "#ff0000" || st.Name != "Blocked" {
		t.Fatalf("UpdateStatus = %+v, %v", st, err)
	}

	unit := backend.DurationMonths
	d, err := c.CreateDuration(ctx, backend.DurationInput{Name: backend.String("Quarter"), Type: &unit, Value: backend.Int(3)})
	if err != nil || d.Type != backend.DurationMonths {
		t.Fatalf("CreateDuration = %+v, %v", d, err)
	}

	tt, err := c.CreateTaskType(ctx, backend.TaskTypeInput{Name: backend.String("Errand")})
	if err != nil {
		t.Fatalf("CreateTaskType failed: %v", err)
	}
	if _, err := c.UpdateTaskType(ctx, tt.ID, backend.TaskTypeInput{Description: backend.String("outside")}); err != nil {
		t.Fatalf("UpdateTaskType failed: %v", err)
	}

	p, err := c.CreatePriority(ctx, backend.PriorityInput{Name: backend.String("Urgent")})
	if err != nil {
		t.Fatalf("CreatePriority failed: %v", err)
	}
	if _, err := c.UpdatePriority(ctx, p.ID, backend.PriorityInput{Order: backend.Int(9)}); err != nil {
		t.Fatalf("UpdatePriority failed: %v", err)
	}

	if err := c.DeleteSetting(ctx, ResourceTaskType, tt.ID); err != nil {
		t.Fatalf("DeleteSetting failed: %v", err)
	}
	if api.CountRequests("DELETE /api/settings/task-type/"+itoa(tt.ID)) != 1 {
		t.Errorf("expected task type delete request, log: %v", api.GetRequestLog())
	}
	if err := c.DeleteSetting(ctx, "colour", 1); err == nil {
		t.Error("unknown resource should be rejected")
	}
}

func TestSettingValidation(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	bad := backend.DurationType("fortnights")
	tests := []struct {
		name string
		call func() error
		want string
	}{
		{"status without code", func() error {
			_, err := c.CreateStatus(ctx, backend.StatusInput{Name: backend.String("x")})
			return err
		}, "code"},
		{"duration bad type", func() error {
			_, err := c.CreateDuration(ctx, backend.DurationInput{Name: backend.String("x"), Type: &bad, Value: backend.Int(1)})
			return err
		}, "type"},
		{"duration zero value", func() error {
			_, err := c.UpdateDuration(ctx, 1, backend.DurationInput{Value: backend.Int(0)})
			return err
		}, "value"},
		{"priority empty name", func() error {
			_, err := c.UpdatePriority(ctx, 1, backend.PriorityInput{Name: backend.String("")})
			return err
		}, "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var vErr *backend.ValidationError
			if err := tt.call(); !errors.As(err, &vErr) || vErr.Field != tt.want {
				t.Errorf("expected validation error on %s, got %v", tt.want, err)
			}
		})
	}
}

func TestCalculateDeadline(t *testing.T) {
	c, _ := newTestClient(t)
	from := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	deadline, err := c.CalculateDeadline(context.Background(), 1, &from)
	if err != nil {
		t.Fatalf("CalculateDeadline failed: %v", err)
	}
	if want := from.AddDate(0, 0, 7); !deadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", deadline, want)
	}

	if _, err := c.CalculateDeadline(context.Background(), 999, nil); !IsNotFound(err) {
		t.Errorf("unknown duration should be 404, got %v", err)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, api := newTestClient(t)

	raw, err := c.GetPreferences(ctx)
	if err != nil {
		t.Fatalf("GetPreferences failed: %v", err)
	}
	if !strings.Contains(string(raw), `"sort_by":"deadline"`) {
		t.Errorf("default document = %s", raw)
	}

	prefs := backend.Preferences{Filters: backend.Filters{StatusID: backend.Int64(2)}, SortBy: "title", SortOrder: "desc"}
	if err := c.SavePreferences(ctx, prefs); err != nil {
		t.Fatalf("SavePreferences failed: %v", err)
	}

	var stored map[string]interface{}
	if err := json.Unmarshal(api.PreferencesRaw(), &stored); err != nil {
		t.Fatalf("stored document is not JSON: %v", err)
	}
	if stored["sort_by"] != "title" || stored["sort_order"] != "desc" {
		t.Errorf("stored document = %v", stored)
	}
}

func TestUserLanguageTimezone(t *testing.T) {
	ctx := context.Background()
	c, api := newTestClient(t)

	if err := c.SetLanguage(ctx, "ru"); err != nil {
		t.Fatalf("SetLanguage failed: %v", err)
	}
	if lang, err := c.GetLanguage(ctx); err != nil || lang != "ru" {
		t.Errorf("GetLanguage = %q, %v", lang, err)
	}

	if err := c.SetTimezone(ctx, "Europe/Moscow"); err != nil {
		t.Fatalf("SetTimezone failed: %v", err)
	}
	if tz, err := c.GetTimezone(ctx); err != nil || tz != "Europe/Moscow" {
		t.Errorf("GetTimezone = %q, %v", tz, err)
	}
	if api.UserField("timezone") != "Europe/Moscow" {
		t.Error("timezone not stored")
	}

	zones, err := c.ListTimezones(ctx)
	if err != nil || len(zones) != 2 || zones[1].Group != "Europe" {
		t.Errorf("ListTimezones = %+v, %v", zones, err)
	}

	if err := c.SetLanguage(ctx, ""); err == nil {
		t.Error("empty language should be rejected")
	}
}

func TestAuthEndpoints(t *testing.T) {
	ctx := context.Background()
	api := testutil.NewMockAPI(t)
	c := New(api.URL(), gateway.New(credentials.New()))

	res, err := c.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if res.User != "alice" || res.Access == "" || res.Refresh == "" {
		t.Errorf("unexpected login result: %+v", res)
	}

	if _, err := c.Login(ctx, "alice", "wrong"); !IsUnauthorized(err) {
		t.Errorf("bad password should be 401, got %v", err)
	}

	refreshed, err := c.Refresh(ctx, res.Refresh)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if refreshed.Access == "" || refreshed.Access == res.Access {
		t.Errorf("expected a new access token, got %+v", refreshed)
	}

	if err := c.Logout(ctx, "alice"); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if err := c.Health(ctx); err != nil {
		t.Errorf("Health failed: %v", err)
	}
}

func TestTelegramLoginURL(t *testing.T) {
	c := New("http://localhost:5000/api/", nil)
	got := c.TelegramLoginURL("http://127.0.0.1:8976/auth/callback")
	want := "http://localhost:5000/api/auth/telegram/login?redirect_url=http%3A%2F%2F127.0.0.1%3A8976%2Fauth%2Fcallback"
	if got != want {
		t.Errorf("TelegramLoginURL() = %q, want %q", got, want)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/limited":
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"slow down"}`))
		case "/plain":
			http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())

	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/limited"}, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != 429 || apiErr.Message != "slow down" {
		t.Errorf("unexpected APIError: %+v", apiErr)
	}
	if apiErr.RetryAfter == nil || *apiErr.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v", apiErr.RetryAfter)
	}

	err = c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/plain"}, nil)
	if !errors.As(err, &apiErr) || apiErr.Message != "gateway timeout" {
		t.Errorf("plain text error = %v", err)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
