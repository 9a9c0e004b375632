package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"planner/backend"
	"planner/internal/metrics"
)

type result struct {
	page *backend.TaskPage
	err  error
}

type call struct {
	req    backend.PageRequest
	search bool
	reply  chan result
}

func (c *call) respond(title string) {
	c.reply <- result{page: pageOf(title, c.req.Page)}
}

func (c *call) fail(err error) {
	c.reply <- result{err: err}
}

// fakeTasks hands every fetch to the test, which answers in any order
type fakeTasks struct {
	calls       chan *call
	settings    *backend.Settings
	taskTypes   []backend.TaskType
	settingsErr error
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{
		calls: make(chan *call, 32),
		settings: &backend.Settings{
			Statuses:   []backend.Status{{ID: 1, Name: "New"}, {ID: 3, Name: "Done", IsFinal: true}},
			Priorities: []backend.Priority{{ID: 1, Name: "Low"}},
		},
		taskTypes: []backend.TaskType{{ID: 1, Name: "Work"}},
	}
}

func (f *fakeTasks) fetch(ctx context.Context, req backend.PageRequest, search bool) (*backend.TaskPage, error) {
	c := &call{req: req, search: search, reply: make(chan result, 1)}
	f.calls <- c
	select {
	case r := <-c.reply:
		return r.page, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTasks) ListTasksPage(ctx context.Context, req backend.PageRequest) (*backend.TaskPage, error) {
	return f.fetch(ctx, req, false)
}

func (f *fakeTasks) SearchTasks(ctx context.Context, req backend.PageRequest) (*backend.TaskPage, error) {
	return f.fetch(ctx, req, true)
}

func (f *fakeTasks) GetSettings(ctx context.Context) (*backend.Settings, error) {
	if f.settingsErr != nil {
		return nil, f.settingsErr
	}
	return f.settings, nil
}

func (f *fakeTasks) ListTaskTypes(ctx context.Context) ([]backend.TaskType, error) {
	return f.taskTypes, nil
}

func (f *fakeTasks) next(t *testing.T) *call {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a task fetch")
		return nil
	}
}

func (f *fakeTasks) assertNoCall(t *testing.T) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("unexpected fetch %+v", c.req)
	default:
	}
}

type fakePrefs struct {
	mu    sync.Mutex
	load  backend.Preferences
	saves []backend.Preferences
}

func (p *fakePrefs) Load(ctx context.Context) backend.Preferences {
	return p.load
}

func (p *fakePrefs) Save(prefs backend.Preferences) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves = append(p.saves, prefs)
	return nil
}

func (p *fakePrefs) saved() []backend.Preferences {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]backend.Preferences(nil), p.saves...)
}

func pageOf(title string, page int) *backend.TaskPage {
	return &backend.TaskPage{
		Items:       []backend.Task{{ID: 1, Title: title}},
		CurrentPage: page,
		PageSize:    DefaultPageSize,
		TotalItems:  60,
		TotalPages:  3,
	}
}

// started returns a controller whose initial fetch has completed
func started(t *testing.T, opts ...Option) (*Controller, *fakeTasks, *fakePrefs) {
	t.Helper()
	tasks := newFakeTasks()
	prefs := &fakePrefs{load: backend.DefaultPreferences()}
	c := New(tasks, prefs, opts...)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	tasks.next(t).respond("initial")
	c.Wait()
	return c, tasks, prefs
}

func firstTitle(s Snapshot) string {
	if s.Page == nil || len(s.Page.Items) == 0 {
		return ""
	}
	return s.Page.Items[0].Title
}

func TestInitialFetchUsesDefaults(t *testing.T) {
	tasks := newFakeTasks()
	prefs := &fakePrefs{load: backend.DefaultPreferences()}
	c := New(tasks, prefs)

	if got := c.Snapshot().State; got != Uninitialized {
		t.Fatalf("state before Start = %v", got)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := c.Snapshot().State; got != LoadingInitial {
		t.Errorf("state during first fetch = %v, want loading", got)
	}

	first := tasks.next(t)
	req := first.req
	if first.search {
		t.Error("initial fetch should use the paginated endpoint")
	}
	if req.Page != 1 || req.PageSize != DefaultPageSize {
		t.Errorf("page = %d size = %d", req.Page, req.PageSize)
	}
	if req.SortBy != "deadline" || req.SortOrder != "asc" {
		t.Errorf("sort = %s %s, want deadline asc", req.SortBy, req.SortOrder)
	}
	if req.Filters.IsCompleted == nil || *req.Filters.IsCompleted {
		t.Error("initial fetch should filter is_completed=false")
	}

	first.respond("initial")
	c.Wait()

	snap := c.Snapshot()
	if snap.State != Ready || firstTitle(snap) != "initial" {
		t.Errorf("after first fetch: state=%v title=%q", snap.State, firstTitle(snap))
	}
	if len(prefs.saved()) != 0 {
		t.Error("the initial fetch must not save preferences")
	}
}

func TestStartAppliesLoadedPreferences(t *testing.T) {
	tasks := newFakeTasks()
	prefs := &fakePrefs{load: backend.Preferences{
		Filters:   backend.Filters{StatusID: backend.Int64(3)},
		SortBy:    "priority",
		SortOrder: "desc",
	}}
	c := New(tasks, prefs, WithPageSize(50))
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	req := tasks.next(t).req
	if req.Filters.StatusID == nil || *req.Filters.StatusID != 3 {
		t.Errorf("status filter not applied: %+v", req.Filters)
	}
	if req.Filters.IsCompleted != nil {
		t.Error("preferences without is_completed should fetch all tasks")
	}
	if req.SortBy != "priority" || req.SortOrder != "desc" || req.PageSize != 50 {
		t.Errorf("req = %+v", req)
	}

	snap := c.Snapshot()
	if len(snap.Reference.Settings.Statuses) != 2 || len(snap.Reference.TaskTypes) != 1 {
		t.Errorf("reference data not loaded: %+v", snap.Reference)
	}
}

func TestReferenceFailureDoesNotBlockTasks(t *testing.T) {
	tasks := newFakeTasks()
	tasks.settingsErr = errors.New("settings down")
	c := New(tasks, &fakePrefs{load: backend.DefaultPreferences()})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	tasks.next(t).respond("initial")
	c.Wait()

	if got := c.Snapshot().State; got != Ready {
		t.Errorf("state = %v, want ready", got)
	}
}

func TestInitialQueryOverridesWithoutExtraFetch(t *testing.T) {
	tasks := newFakeTasks()
	prefs := &fakePrefs{load: backend.DefaultPreferences()}
	var seen Reference
	c := New(tasks, prefs, WithPageSize(5), WithInitialQuery(func(q Query, ref Reference) (Query, error) {
		seen = ref
		q.SearchText = "report"
		q.SortField = "title"
		q.Page = 3
		q.PageSize = 100
		return q, nil
	}))
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	first := tasks.next(t)
	if !first.search || first.req.Search != "report" || first.req.SortBy != "title" || first.req.Page != 3 {
		t.Errorf("first fetch = %+v search=%v", first.req, first.search)
	}
	if first.req.PageSize != 5 {
		t.Errorf("page size = %d, want the fixed 5", first.req.PageSize)
	}
	first.respond("report")
	c.Wait()
	tasks.assertNoCall(t)

	if len(seen.Settings.Statuses) != 2 || len(seen.TaskTypes) != 1 {
		t.Errorf("reference data not passed to the initial query: %+v", seen)
	}
	if snap := c.Snapshot(); snap.Origin != OriginInitial || snap.State != Ready {
		t.Errorf("origin = %v state = %v", snap.Origin, snap.State)
	}
	if len(prefs.saved()) != 0 {
		t.Error("initial overrides must not save preferences")
	}
}

func TestInitialQueryErrorFailsStart(t *testing.T) {
	tasks := newFakeTasks()
	bad := errors.New("unknown status")
	c := New(tasks, &fakePrefs{load: backend.DefaultPreferences()}, WithInitialQuery(func(q Query, _ Reference) (Query, error) {
		return q, bad
	}))

	if err := c.Start(context.Background()); !errors.Is(err, bad) {
		t.Fatalf("Start() = %v, want %v", err, bad)
	}
	tasks.assertNoCall(t)
	if snap := c.Snapshot(); snap.State != Error || !errors.Is(snap.Err, bad) {
		t.Errorf("state = %v err = %v", snap.State, snap.Err)
	}
	if err := c.Refresh(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Refresh() after failed Start = %v", err)
	}
}

func TestStartTwice(t *testing.T) {
	c, _, _ := started(t)
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v", err)
	}
}

func TestTransitionsBeforeStart(t *testing.T) {
	c := New(newFakeTasks(), &fakePrefs{})
	for name, fn := range map[string]func() error{
		"SetPage":      func() error { return c.SetPage(2) },
		"ApplyFilters": func() error { return c.ApplyFilters(backend.Filters{}) },
		"ApplySort":    func() error { return c.ApplySort("title", "asc") },
		"Search":       func() error { return c.Search("x") },
		"Refresh":      c.Refresh,
		"ClearFilters": c.ClearFilters,
	} {
		if err := fn(); !errors.Is(err, ErrNotStarted) {
			t.Errorf("%s before Start = %v, want ErrNotStarted", name, err)
		}
	}
}

// Every completion order of three overlapping filter changes must leave the
// page of the last one on screen.
func TestLastIssuedQueryWins(t *testing.T) {
	orders := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}

	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			m := metrics.New()
			c, tasks, _ := started(t, WithMetrics(m))

			var calls []*call
			for i := 0; i < 3; i++ {
				if err := c.ApplyFilters(backend.Filters{StatusID: backend.Int64(int64(i + 1))}); err != nil {
					t.Fatal(err)
				}
				calls = append(calls, tasks.next(t))
			}
			if got := c.Snapshot().State; got != LoadingSubsequent {
				t.Errorf("state while loading = %v", got)
			}

			for _, i := range order {
				calls[i].respond(fmt.Sprintf("query-%d", i))
			}
			c.Wait()

			snap := c.Snapshot()
			if firstTitle(snap) != "query-2" {
				t.Errorf("displayed %q, want query-2", firstTitle(snap))
			}
			if snap.State != Ready {
				t.Errorf("state = %v", snap.State)
			}
			if got := promtest.ToFloat64(m.StaleResponses); got != 2 {
				t.Errorf("stale responses = %v, want 2", got)
			}
		})
	}
}

func TestStaleErrorIsIgnored(t *testing.T) {
	c, tasks, _ := started(t)

	_ = c.SetPage(2)
	old := tasks.next(t)
	_ = c.SetPage(3)
	latest := tasks.next(t)

	latest.respond("page-3")
	old.fail(errors.New("slow failure"))
	c.Wait()

	snap := c.Snapshot()
	if snap.State != Ready || snap.Err != nil || firstTitle(snap) != "page-3" {
		t.Errorf("state=%v err=%v title=%q", snap.State, snap.Err, firstTitle(snap))
	}
}

func TestApplySortSavesOnceAndPagingDoesNot(t *testing.T) {
	c, tasks, prefs := started(t)

	if err := c.ApplySort("title", "desc"); err != nil {
		t.Fatal(err)
	}
	req := tasks.next(t).req
	if req.SortBy != "title" || req.SortOrder != "desc" || req.Page != 1 {
		t.Errorf("sort request = %+v", req)
	}

	saves := prefs.saved()
	if len(saves) != 1 {
		t.Fatalf("saves = %d, want 1", len(saves))
	}
	if saves[0].SortBy != "title" || saves[0].SortOrder != "desc" {
		t.Errorf("saved %+v", saves[0])
	}
	if saves[0].Filters.IsCompleted == nil || *saves[0].Filters.IsCompleted {
		t.Errorf("saved filters should be the current ones: %+v", saves[0].Filters)
	}

	if err := c.SetPage(2); err != nil {
		t.Fatal(err)
	}
	req = tasks.next(t).req
	if req.Page != 2 || req.SortBy != "title" {
		t.Errorf("page request = %+v", req)
	}
	if err := c.Refresh(); err != nil {
		t.Fatal(err)
	}
	tasks.next(t)
	if len(prefs.saved()) != 1 {
		t.Errorf("paging and refresh must not save, saves = %d", len(prefs.saved()))
	}
}

func TestApplySortRejectsBadDirection(t *testing.T) {
	c, tasks, prefs := started(t)
	if err := c.ApplySort("title", "sideways"); err == nil {
		t.Fatal("expected an error")
	}
	tasks.assertNoCall(t)
	if len(prefs.saved()) != 0 {
		t.Error("invalid sort must not save")
	}
}

func TestApplyFiltersResetsPage(t *testing.T) {
	c, tasks, prefs := started(t)
	_ = c.SetPage(3)
	tasks.next(t)

	if err := c.ApplyFilters(backend.Filters{PriorityID: backend.Int64(1)}); err != nil {
		t.Fatal(err)
	}
	req := tasks.next(t).req
	if req.Page != 1 || req.Filters.PriorityID == nil {
		t.Errorf("filters request = %+v", req)
	}
	if len(prefs.saved()) != 1 {
		t.Errorf("saves = %d, want 1", len(prefs.saved()))
	}
}

func TestClearFiltersResetsEverything(t *testing.T) {
	c, tasks, prefs := started(t)

	_ = c.ApplyFilters(backend.Filters{StatusID: backend.Int64(2)})
	tasks.next(t)
	_ = c.Search("milk")
	tasks.next(t)
	_ = c.SetPage(3)
	tasks.next(t)

	if err := c.ClearFilters(); err != nil {
		t.Fatal(err)
	}
	last := tasks.next(t)
	if last.search {
		t.Error("cleared query should use the paginated endpoint")
	}

	q := c.Snapshot().Query
	if q.Page != 1 || q.SearchText != "" || q.SortField != "" || q.SortDirection != "" {
		t.Errorf("query after clear = %+v", q)
	}
	if q.Filters.StatusID != nil || q.Filters.IsCompleted == nil || *q.Filters.IsCompleted {
		t.Errorf("filters after clear = %+v", q.Filters)
	}

	saves := prefs.saved()
	if len(saves) != 2 {
		t.Fatalf("saves = %d, want 2 (filters, clear)", len(saves))
	}
	cleared := saves[1]
	if cleared.SortBy != "" || cleared.Filters.StatusID != nil || cleared.Filters.IsCompleted == nil {
		t.Errorf("cleared preferences = %+v", cleared)
	}
}

func TestSearchRouting(t *testing.T) {
	c, tasks, prefs := started(t)

	_ = c.SetPage(2)
	tasks.next(t)

	if err := c.Search("  milk "); err != nil {
		t.Fatal(err)
	}
	searched := tasks.next(t)
	if !searched.search || searched.req.Search != "milk" || searched.req.Page != 1 {
		t.Errorf("search call = %+v search=%v", searched.req, searched.search)
	}

	_ = c.Search("")
	if tasks.next(t).search {
		t.Error("empty search should go back to the paginated list")
	}
	if len(prefs.saved()) != 0 {
		t.Error("search must not save preferences")
	}
}

func TestFetchErrorKeepsPreviousPage(t *testing.T) {
	c, tasks, _ := started(t)

	_ = c.Refresh()
	tasks.next(t).fail(errors.New("502 bad gateway"))
	c.Wait()

	snap := c.Snapshot()
	if snap.State != Error || snap.Message() != "502 bad gateway" {
		t.Errorf("state=%v message=%q", snap.State, snap.Message())
	}
	if firstTitle(snap) != "initial" {
		t.Error("a failed fetch should keep the previous page")
	}

	_ = c.Refresh()
	if got := c.Snapshot().State; got != LoadingSubsequent {
		t.Errorf("retry from error state = %v", got)
	}
	tasks.next(t).respond("recovered")
	c.Wait()
	if snap := c.Snapshot(); snap.State != Ready || snap.Err != nil {
		t.Errorf("after recovery state=%v err=%v", snap.State, snap.Err)
	}
}

func TestClearOnError(t *testing.T) {
	c, tasks, _ := started(t, WithClearOnError())

	_ = c.TaskChanged()
	tasks.next(t).fail(errors.New("boom"))
	c.Wait()

	if c.Snapshot().Page != nil {
		t.Error("WithClearOnError should drop the page on failure")
	}
}

func TestSetPageValidation(t *testing.T) {
	c, tasks, _ := started(t)
	var verr *backend.ValidationError
	if err := c.SetPage(0); !errors.As(err, &verr) {
		t.Errorf("SetPage(0) = %v", err)
	}
	tasks.assertNoCall(t)
}

func TestNextAndPrevPage(t *testing.T) {
	c, tasks, _ := started(t)

	_ = c.PrevPage()
	tasks.assertNoCall(t)

	_ = c.NextPage()
	next := tasks.next(t)
	if next.req.Page != 2 {
		t.Errorf("NextPage requested page %d", next.req.Page)
	}
	next.respond("p2")
	c.Wait()

	_ = c.SetPage(3)
	tasks.next(t).respond("p3")
	c.Wait()

	_ = c.NextPage()
	tasks.assertNoCall(t)
}

func TestSubscribe(t *testing.T) {
	tasks := newFakeTasks()
	c := New(tasks, &fakePrefs{load: backend.DefaultPreferences()})

	var (
		mu     sync.Mutex
		states []State
	)
	unsubscribe := c.Subscribe(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	_ = c.Start(context.Background())
	tasks.next(t).respond("initial")
	c.Wait()

	mu.Lock()
	got := append([]State(nil), states...)
	mu.Unlock()
	if len(got) < 2 || got[0] != LoadingInitial || got[len(got)-1] != Ready {
		t.Errorf("observed states %v", got)
	}

	unsubscribe()
	_ = c.Refresh()
	tasks.next(t).respond("again")
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(states) != len(got) {
		t.Errorf("received %d notifications after unsubscribe", len(states)-len(got))
	}
}
