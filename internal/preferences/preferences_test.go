package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"planner/backend"
)

type fakeStore struct {
	mu      sync.Mutex
	raw     []byte
	getErr  error
	saveErr error
	saves   []backend.Preferences
	block   chan struct{}
}

func (f *fakeStore) GetPreferences(ctx context.Context) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.raw, nil
}

func (f *fakeStore) SavePreferences(ctx context.Context, p backend.Preferences) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, p)
	return f.saveErr
}

func (f *fakeStore) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeStore) last() backend.Preferences {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves[len(f.saves)-1]
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	tests := []struct {
		name  string
		store *fakeStore
	}{
		{"fetch error", &fakeStore{getErr: errors.New("boom")}},
		{"empty body", &fakeStore{raw: []byte("")}},
		{"not json", &fakeStore{raw: []byte("<html>")}},
		{"json null", &fakeStore{raw: []byte("null")}},
		{"array", &fakeStore{raw: []byte("[1,2]")}},
		{"filters not an object", &fakeStore{raw: []byte(`{"filters":"all"}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.store)
			got := s.Load(context.Background())
			assertPrefs(t, got, Default())
			if !s.Loaded() {
				t.Error("Load should mark the synchronizer loaded even on failure")
			}
		})
	}
}

func TestParseNormalizesFields(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
		want backend.Preferences
	}{
		{
			name: "server default document",
			raw:  `{"filters":{},"sort_by":"deadline","sort_order":"asc"}`,
			want: Default(),
		},
		{
			name: "numeric string ids",
			raw:  `{"filters":{"status_id":"3","priority_id":"7"}}`,
			want: withFilters(func(f *backend.Filters) {
				f.StatusID = backend.Int64(3)
				f.PriorityID = backend.Int64(7)
			}),
		},
		{
			name: "float ids",
			raw:  `{"filters":{"type_id":3.0,"duration_id":2}}`,
			want: withFilters(func(f *backend.Filters) {
				f.TypeID = backend.Int64(3)
				f.DurationID = backend.Int64(2)
			}),
		},
		{
			name: "unparseable ids are dropped",
			raw:  `{"filters":{"status_id":"abc","priority_id":2.5,"type_id":true,"duration_id":""}}`,
			want: Default(),
		},
		{
			name: "camelCase aliases",
			raw:  `{"filters":{"statusId":4,"isCompleted":"true"},"sortBy":"title","sortOrder":"DESC"}`,
			want: backend.Preferences{
				Filters:   backend.Filters{StatusID: backend.Int64(4), IsCompleted: backend.Bool(true)},
				SortBy:    "title",
				SortOrder: "desc",
			},
		},
		{
			name: "is_completed string forms",
			raw:  `{"filters":{"is_completed":"1"}}`,
			want: withFilters(func(f *backend.Filters) { f.IsCompleted = backend.Bool(true) }),
		},
		{
			name: "is_completed false string",
			raw:  `{"filters":{"is_completed":"false"}}`,
			want: Default(),
		},
		{
			name: "is_completed null means all tasks",
			raw:  `{"filters":{"is_completed":null}}`,
			want: withFilters(func(f *backend.Filters) { f.IsCompleted = nil }),
		},
		{
			name: "deadline range",
			raw:  `{"filters":{"deadline_from":"2026-03-01","deadline_to":"not a date"}}`,
			want: withFilters(func(f *backend.Filters) { f.DeadlineFrom = &deadline }),
		},
		{
			name: "invalid sort order keeps default",
			raw:  `{"sort_by":"priority","sort_order":"sideways"}`,
			want: backend.Preferences{Filters: backend.DefaultFilters(), SortBy: "priority", SortOrder: "asc"},
		},
		{
			name: "blank sort_by keeps default",
			raw:  `{"sort_by":"  "}`,
			want: Default(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			assertPrefs(t, got, tt.want)
		})
	}
}

func TestSaveBeforeLoadIsRefused(t *testing.T) {
	store := &fakeStore{}
	s := New(store)

	if err := s.Save(Default()); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("Save() error = %v, want ErrNotLoaded", err)
	}
	s.Wait()

	if store.savedCount() != 0 {
		t.Errorf("store received %d saves, want 0", store.savedCount())
	}
	select {
	case err := <-s.Errors():
		if !errors.Is(err, ErrNotLoaded) {
			t.Errorf("Errors() delivered %v", err)
		}
	default:
		t.Error("expected ErrNotLoaded on the error channel")
	}
}

func TestSaveSendsPreferences(t *testing.T) {
	store := &fakeStore{raw: []byte(`{}`)}
	s := New(store)
	s.Load(context.Background())

	p := Default()
	p.SortBy = "title"
	p.Filters.StatusID = backend.Int64(2)
	if err := s.Save(p); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	// Mutating the caller's copy must not leak into the queued save.
	*p.Filters.StatusID = 99
	s.Wait()

	if store.savedCount() != 1 {
		t.Fatalf("saves = %d, want 1", store.savedCount())
	}
	got := store.last()
	if got.SortBy != "title" || got.Filters.StatusID == nil || *got.Filters.StatusID != 2 {
		t.Errorf("saved %+v", got)
	}
}

func TestSavesCoalesceToLatest(t *testing.T) {
	store := &fakeStore{raw: []byte(`{}`), block: make(chan struct{})}
	s := New(store)
	s.Load(context.Background())

	for _, field := range []string{"a", "b", "c", "d"} {
		p := Default()
		p.SortBy = field
		if err := s.Save(p); err != nil {
			t.Fatal(err)
		}
	}
	close(store.block)
	s.Wait()

	n := store.savedCount()
	if n < 1 || n > 4 {
		t.Fatalf("saves = %d", n)
	}
	if got := store.last().SortBy; got != "d" {
		t.Errorf("last saved sort_by = %q, want d", got)
	}
}

func TestSaveFailureIsReported(t *testing.T) {
	store := &fakeStore{raw: []byte(`{}`), saveErr: errors.New("server down")}
	s := New(store, WithSaveTimeout(time.Second))
	s.Load(context.Background())

	if err := s.Save(Default()); err != nil {
		t.Fatalf("Save() should not return background errors, got %v", err)
	}
	s.Wait()

	select {
	case err := <-s.Errors():
		if err == nil {
			t.Error("expected a save error")
		}
	case <-time.After(time.Second):
		t.Error("no error delivered")
	}
}

func TestPreferencesRoundTripThroughJSON(t *testing.T) {
	p := Default()
	p.Filters.IsCompleted = nil
	p.Filters.TypeID = backend.Int64(5)

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	assertPrefs(t, got, p)
}

func withFilters(mutate func(f *backend.Filters)) backend.Preferences {
	p := Default()
	mutate(&p.Filters)
	return p
}

func assertPrefs(t *testing.T, got, want backend.Preferences) {
	t.Helper()
	if got.SortBy != want.SortBy || got.SortOrder != want.SortOrder {
		t.Errorf("sort = %s %s, want %s %s", got.SortBy, got.SortOrder, want.SortBy, want.SortOrder)
	}
	g, w := got.Filters, want.Filters
	checkID(t, "status_id", g.StatusID, w.StatusID)
	checkID(t, "priority_id", g.PriorityID, w.PriorityID)
	checkID(t, "type_id", g.TypeID, w.TypeID)
	checkID(t, "duration_id", g.DurationID, w.DurationID)
	if (g.IsCompleted == nil) != (w.IsCompleted == nil) || (g.IsCompleted != nil && *g.IsCompleted != *w.IsCompleted) {
		t.Errorf("is_completed = %v, want %v", fmtBool(g.IsCompleted), fmtBool(w.IsCompleted))
	}
	checkTime(t, "deadline_from", g.DeadlineFrom, w.DeadlineFrom)
	checkTime(t, "deadline_to", g.DeadlineTo, w.DeadlineTo)
}

func checkID(t *testing.T, name string, got, want *int64) {
	t.Helper()
	if (got == nil) != (want == nil) || (got != nil && *got != *want) {
		t.Errorf("%s = %v, want %v", name, fmtID(got), fmtID(want))
	}
}

func checkTime(t *testing.T, name string, got, want *time.Time) {
	t.Helper()
	if (got == nil) != (want == nil) || (got != nil && !got.Equal(*want)) {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func fmtID(v *int64) interface{} {
	if v == nil {
		return "nil"
	}
	return *v
}

func fmtBool(v *bool) interface{} {
	if v == nil {
		return "nil"
	}
	return *v
}
