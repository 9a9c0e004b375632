package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"planner/backend"
)

// MockAPI is an in-memory planner API for tests.
// Every route that is not under /auth/ or /health needs a valid access token.
type MockAPI struct {
	server *httptest.Server

	mu            sync.Mutex
	users         map[string]string // username -> password
	access        map[string]string // access token -> username
	refresh       map[string]string // refresh token -> username
	tokenSeq      int
	rotate        bool
	rejectRefresh bool
	failures      map[string]int // "METHOD /path" -> status

	tasks      map[int64]*backend.Task
	nextTaskID int64
	settings   backend.Settings
	nextSetID  int64

	preferences []byte
	language    string
	timezone    string

	requestLog []string
	bodies     map[string][]string
}

// NewMockAPI starts a mock API with one user (alice/secret) and default settings.
// The server is closed when the test ends.
func NewMockAPI(t *testing.T) *MockAPI {
	t.Helper()

	m := &MockAPI{
		users:      map[string]string{"alice": "secret"},
		access:     make(map[string]string),
		refresh:    make(map[string]string),
		failures:   make(map[string]int),
		tasks:      make(map[int64]*backend.Task),
		nextTaskID: 1,
		nextSetID:  100,
		language:   "en",
		timezone:   "UTC",
		bodies:     make(map[string][]string),
		settings: backend.Settings{
			Statuses: []backend.Status{
				{ID: 1, Name: "New", Code: "new", Order: 1, IsActive: true, IsDefault: true},
				{ID: 2, Name: "In progress", Code: "in_progress", Order: 2, IsActive: true},
				{ID: 3, Name: "Done", Code: "done", Order: 3, IsActive: true, IsFinal: true},
			},
			Priorities: []backend.Priority{
				{ID: 1, Name: "Low", Order: 1, IsActive: true},
				{ID: 2, Name: "High", Order: 2, IsActive: true, IsDefault: true},
			},
			Durations: []backend.Duration{
				{ID: 1, Name: "Week", Type: backend.DurationWeeks, Value: 1, IsActive: true, IsDefault: true},
				{ID: 2, Name: "Two days", Type: backend.DurationDays, Value: 2, IsActive: true},
			},
			TaskTypes: []backend.TaskType{
				{ID: 1, Name: "Work", Order: 1, IsActive: true, IsDefault: true},
				{ID: 2, Name: "Home", Order: 2, IsActive: true},
			},
		},
	}

	m.server = httptest.NewServer(m.routes())
	t.Cleanup(m.server.Close)
	return m
}

// URL returns the API base URL (ending in /api)
func (m *MockAPI) URL() string {
	return m.server.URL + "/api"
}

func (m *MockAPI) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(m.logRequest)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Post("/auth/login/", m.handleLogin)
		r.Post("/auth/refresh/", m.handleRefresh)
		r.Post("/auth/logout/", m.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(m.requireAuth)

			r.Get("/tasks/", m.handleListTasks)
			r.Post("/tasks/", m.handleCreateTask)
			r.Get("/tasks/paginated", m.handlePage)
			r.Get("/tasks/search", m.handlePage)
			r.Get("/tasks/{id}", m.handleGetTask)
			r.Put("/tasks/{id}", m.handleUpdateTask)
			r.Delete("/tasks/{id}", m.handleDeleteTask)

			r.Get("/settings/", m.handleSettings)
			r.Get("/settings/task-type/", m.handleListTaskTypes)
			r.Get("/settings/duration/{id}/calculate-deadline", m.handleCalculateDeadline)
			r.Post("/settings/{resource}/", m.handleCreateSetting)
			r.Put("/settings/{resource}/{id}", m.handleUpdateSetting)
			r.Delete("/settings/{resource}/{id}", m.handleDeleteSetting)

			r.Get("/user-preferences/", m.handleGetPreferences)
			r.Post("/user-preferences/", m.handleSavePreferences)
			r.Get("/user/language", m.handleGetUserField("language"))
			r.Post("/user/language", m.handleSetUserField("language"))
			r.Get("/user/timezone", m.handleGetUserField("timezone"))
			r.Post("/user/timezone", m.handleSetUserField("timezone"))
			r.Get("/timezones", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, []backend.Timezone{
					{Value: "UTC", Label: "UTC", Group: "Etc"},
					{Value: "Europe/Moscow", Label: "Moscow", Group: "Europe"},
				})
			})
		})
	})
	return r
}

// =============================================================================
// Test controls
// =============================================================================

// AddUser registers a user that can log in
func (m *MockAPI) AddUser(username, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[username] = password
}

// IssueTokens creates a session for username without a login call
func (m *MockAPI) IssueTokens(username string) (access, refresh string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issueLocked(username)
}

func (m *MockAPI) issueLocked(username string) (string, string) {
	m.tokenSeq++
	access := fmt.Sprintf("access-%d", m.tokenSeq)
	refresh := fmt.Sprintf("refresh-%d", m.tokenSeq)
	m.access[access] = username
	m.refresh[refresh] = username
	return access, refresh
}

// ExpireAccessTokens invalidates every issued access token
func (m *MockAPI) ExpireAccessTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access = make(map[string]string)
}

// RejectRefresh makes the refresh endpoint answer 401
func (m *MockAPI) RejectRefresh(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectRefresh = reject
}

// RotateRefreshTokens makes refresh responses carry a new refresh token
func (m *MockAPI) RotateRefreshTokens(rotate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotate = rotate
}

// Fail makes "METHOD /api/path" answer status until cleared with status 0
func (m *MockAPI) Fail(methodAndPath string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == 0 {
		delete(m.failures, methodAndPath)
		return
	}
	m.failures[methodAndPath] = status
}

// AddTask stores a task and returns it with its ID
func (m *MockAPI) AddTask(task backend.Task) backend.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.ID = m.nextTaskID
	m.nextTaskID++
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(task.ID) * time.Hour)
	}
	stored := task
	m.tasks[task.ID] = &stored
	return task
}

// Task returns a stored task
func (m *MockAPI) Task(id int64) (backend.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return backend.Task{}, false
	}
	return *t, true
}

// Settings returns the stored reference data
func (m *MockAPI) Settings() backend.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// SetPreferencesRaw replaces the stored preference document. nil means none.
func (m *MockAPI) SetPreferencesRaw(doc []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preferences = doc
}

// PreferencesRaw returns the stored preference document
func (m *MockAPI) PreferencesRaw() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.preferences...)
}

// UserField returns the stored language or timezone
func (m *MockAPI) UserField(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "language" {
		return m.language
	}
	return m.timezone
}

// GetRequestLog returns "METHOD /path" for every request received
func (m *MockAPI) GetRequestLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.requestLog...)
}

// CountRequests returns how many requests matched "METHOD /path"
func (m *MockAPI) CountRequests(methodAndPath string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, entry := range m.requestLog {
		if entry == methodAndPath {
			n++
		}
	}
	return n
}

// Bodies returns the request bodies received for "METHOD /path"
func (m *MockAPI) Bodies(methodAndPath string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.bodies[methodAndPath]...)
}

// ResetRequestLog clears the request log and recorded bodies
func (m *MockAPI) ResetRequestLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestLog = nil
	m.bodies = make(map[string][]string)
}

// =============================================================================
// Middleware
// =============================================================================

func (m *MockAPI) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		m.mu.Lock()
		m.requestLog = append(m.requestLog, key)
		if len(body) > 0 {
			m.bodies[key] = append(m.bodies[key], string(body))
		}
		status, fail := m.failures[key]
		m.mu.Unlock()

		if fail {
			writeJSON(w, status, map[string]string{"error": "injected failure"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *MockAPI) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		m.mu.Lock()
		_, ok := m.access[token]
		m.mu.Unlock()

		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "Token has expired"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Auth
// =============================================================================

func (m *MockAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if pw, ok := m.users[body.Username]; !ok || pw != body.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	access, refresh := m.issueLocked(body.Username)
	writeJSON(w, http.StatusOK, backend.LoginResult{User: body.Username, Access: access, Refresh: refresh})
}

func (m *MockAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Refresh string `json:"refresh"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	headerToken := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.refresh[headerToken]
	if !ok || m.rejectRefresh || body.Refresh != headerToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "invalid refresh token"})
		return
	}

	m.tokenSeq++
	access := fmt.Sprintf("access-%d", m.tokenSeq)
	m.access[access] = user
	resp := map[string]string{"user": user, "access": access}
	if m.rotate {
		delete(m.refresh, headerToken)
		rotated := fmt.Sprintf("refresh-%d", m.tokenSeq)
		m.refresh[rotated] = user
		resp["refresh"] = rotated
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *MockAPI) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		User string `json:"user"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	m.mu.Lock()
	for tok, user := range m.access {
		if user == body.User {
			delete(m.access, tok)
		}
	}
	m.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Tasks
// =============================================================================

func (m *MockAPI) handleListTasks(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	items := m.filterLocked(r)
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": items})
}

func (m *MockAPI) handlePage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	m.mu.Lock()
	items := m.filterLocked(r)
	m.mu.Unlock()

	if search := strings.ToLower(q.Get("q")); strings.HasSuffix(r.URL.Path, "/search") {
		if search == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
			return
		}
		matched := items[:0]
		for _, t := range items {
			desc := ""
			if t.Description != nil {
				desc = *t.Description
			}
			if strings.Contains(strings.ToLower(t.Title), search) || strings.Contains(strings.ToLower(desc), search) {
				matched = append(matched, t)
			}
		}
		items = matched
	}

	sortTasks(items, q.Get("sort_by"), q.Get("sort_order"))

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(q.Get("page_size"))
	if size < 1 {
		size = 20
	}
	total := len(items)
	start := min((page-1)*size, total)
	end := min(start+size, total)

	writeJSON(w, http.StatusOK, backend.TaskPage{
		Items:       items[start:end],
		CurrentPage: page,
		PageSize:    size,
		TotalItems:  total,
		TotalPages:  (total + size - 1) / size,
	})
}

// filterLocked applies query filters to the stored tasks. Caller holds mu.
func (m *MockAPI) filterLocked(r *http.Request) []backend.Task {
	q := r.URL.Query()
	matchID := func(key string, v interface{ GetID() int64 }) bool {
		want := q.Get(key)
		if want == "" {
			return true
		}
		if v == nil {
			return false
		}
		return want == strconv.FormatInt(v.GetID(), 10)
	}

	items := []backend.Task{}
	for _, t := range m.tasks {
		if !matchID("status_id", optStatus(t.Status)) ||
			!matchID("priority_id", optPriority(t.Priority)) ||
			!matchID("type_id", optType(t.Type)) ||
			!matchID("duration_id", optDuration(t.Duration)) {
			continue
		}
		if v := q.Get("is_completed"); v != "" && strconv.FormatBool(t.IsCompleted()) != v {
			continue
		}
		if v := q.Get("deadline_from"); v != "" {
			from, _ := time.Parse("2006-01-02", v)
			if t.Deadline == nil || t.Deadline.Before(from) {
				continue
			}
		}
		if v := q.Get("deadline_to"); v != "" {
			to, _ := time.Parse("2006-01-02", v)
			if t.Deadline == nil || t.Deadline.After(to.Add(24*time.Hour-time.Nanosecond)) {
				continue
			}
		}
		items = append(items, *t)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func sortTasks(items []backend.Task, field, order string) {
	less := func(a, b backend.Task) bool { return a.ID < b.ID }
	switch field {
	case "title":
		less = func(a, b backend.Task) bool { return a.Title < b.Title }
	case "created_at":
		less = func(a, b backend.Task) bool { return a.CreatedAt.Before(b.CreatedAt) }
	case "deadline":
		less = func(a, b backend.Task) bool {
			if a.Deadline == nil || b.Deadline == nil {
				return a.Deadline != nil
			}
			return a.Deadline.Before(*b.Deadline)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if order == "desc" {
			return less(items[j], items[i])
		}
		return less(items[i], items[j])
	})
}

func (m *MockAPI) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	m.mu.Lock()
	t, ok := m.tasks[id]
	var out backend.Task
	if ok {
		out = *t
	}
	m.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Task not found"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (m *MockAPI) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in backend.TaskInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Title == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title is required"})
		return
	}

	m.mu.Lock()
	task := backend.Task{
		ID:          m.nextTaskID,
		Title:       *in.Title,
		Description: in.Description,
		Deadline:    in.Deadline,
		CreatedAt:   time.Now().UTC(),
	}
	m.nextTaskID++
	m.applyInputLocked(&task, in)
	m.tasks[task.ID] = &task
	out := task
	m.mu.Unlock()

	writeJSON(w, http.StatusCreated, out)
}

func (m *MockAPI) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	var in backend.TaskInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Task not found"})
		return
	}
	if in.Title != nil {
		t.Title = *in.Title
	}
	if in.Description != nil {
		t.Description = in.Description
	}
	if in.Deadline != nil {
		t.Deadline = in.Deadline
	}
	m.applyInputLocked(t, in)
	out := *t
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (m *MockAPI) applyInputLocked(t *backend.Task, in backend.TaskInput) {
	if in.StatusID != nil {
		for i := range m.settings.Statuses {
			if m.settings.Statuses[i].ID == *in.StatusID {
				st := m.settings.Statuses[i]
				t.Status = &st
				if st.IsFinal && t.CompletedAt == nil {
					now := time.Now().UTC()
					t.CompletedAt = &now
				}
			}
		}
	}
	if in.PriorityID != nil {
		for i := range m.settings.Priorities {
			if m.settings.Priorities[i].ID == *in.PriorityID {
				p := m.settings.Priorities[i]
				t.Priority = &p
			}
		}
	}
	if in.TypeID != nil {
		for i := range m.settings.TaskTypes {
			if m.settings.TaskTypes[i].ID == *in.TypeID {
				tt := m.settings.TaskTypes[i]
				t.Type = &tt
			}
		}
	}
	if in.DurationID != nil {
		for i := range m.settings.Durations {
			if m.settings.Durations[i].ID == *in.DurationID {
				d := m.settings.Durations[i]
				t.Duration = &d
			}
		}
	}
}

func (m *MockAPI) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	m.mu.Lock()
	_, ok := m.tasks[id]
	delete(m.tasks, id)
	m.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Task not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Settings
// =============================================================================

func (m *MockAPI) handleSettings(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	out := backend.Settings{
		Statuses:   m.settings.Statuses,
		Priorities: m.settings.Priorities,
		Durations:  m.settings.Durations,
	}
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (m *MockAPI) handleListTaskTypes(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	out := append([]backend.TaskType{}, m.settings.TaskTypes...)
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (m *MockAPI) handleCalculateDeadline(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if v := r.URL.Query().Get("from_date"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid from_date"})
			return
		}
		from = parsed
	}

	m.mu.Lock()
	var found *backend.Duration
	for i := range m.settings.Durations {
		if m.settings.Durations[i].ID == id {
			d := m.settings.Durations[i]
			found = &d
		}
	}
	m.mu.Unlock()

	if found == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Duration not found"})
		return
	}

	var deadline time.Time
	switch found.Type {
	case backend.DurationDays:
		deadline = from.AddDate(0, 0, found.Value)
	case backend.DurationWeeks:
		deadline = from.AddDate(0, 0, 7*found.Value)
	case backend.DurationMonths:
		deadline = from.AddDate(0, found.Value, 0)
	case backend.DurationYears:
		deadline = from.AddDate(found.Value, 0, 0)
	}
	writeJSON(w, http.StatusOK, map[string]time.Time{"deadline": deadline})
}

func (m *MockAPI) handleCreateSetting(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	var fields map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSetID++
	fields["id"] = m.nextSetID
	if _, ok := fields["is_active"]; !ok {
		fields["is_active"] = true
	}

	raw, _ := json.Marshal(fields)
	var out interface{}
	switch resource {
	case "status":
		var s backend.Status
		_ = json.Unmarshal(raw, &s)
		m.settings.Statuses = append(m.settings.Statuses, s)
		out = s
	case "priority":
		var p backend.Priority
		_ = json.Unmarshal(raw, &p)
		m.settings.Priorities = append(m.settings.Priorities, p)
		out = p
	case "duration":
		var d backend.Duration
		_ = json.Unmarshal(raw, &d)
		m.settings.Durations = append(m.settings.Durations, d)
		out = d
	case "task-type":
		var tt backend.TaskType
		_ = json.Unmarshal(raw, &tt)
		m.settings.TaskTypes = append(m.settings.TaskTypes, tt)
		out = tt
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown resource"})
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (m *MockAPI) handleUpdateSetting(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	patch, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	defer m.mu.Unlock()

	// Merge the JSON patch over the stored entry by round-tripping it.
	merge := func(entry interface{}) bool {
		return json.Unmarshal(patch, entry) == nil
	}

	var out interface{}
	switch resource {
	case "status":
		for i := range m.settings.Statuses {
			if m.settings.Statuses[i].ID == id && merge(&m.settings.Statuses[i]) {
				out = m.settings.Statuses[i]
			}
		}
	case "priority":
		for i := range m.settings.Priorities {
			if m.settings.Priorities[i].ID == id && merge(&m.settings.Priorities[i]) {
				out = m.settings.Priorities[i]
			}
		}
	case "duration":
		for i := range m.settings.Durations {
			if m.settings.Durations[i].ID == id && merge(&m.settings.Durations[i]) {
				out = m.settings.Durations[i]
			}
		}
	case "task-type":
		for i := range m.settings.TaskTypes {
			if m.settings.TaskTypes[i].ID == id && merge(&m.settings.TaskTypes[i]) {
				out = m.settings.TaskTypes[i]
			}
		}
	}
	if out == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (m *MockAPI) handleDeleteSetting(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)

	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	switch resource {
	case "status":
		m.settings.Statuses, found = removeByID(m.settings.Statuses, id, func(s backend.Status) int64 { return s.ID })
	case "priority":
		m.settings.Priorities, found = removeByID(m.settings.Priorities, id, func(p backend.Priority) int64 { return p.ID })
	case "duration":
		m.settings.Durations, found = removeByID(m.settings.Durations, id, func(d backend.Duration) int64 { return d.ID })
	case "task-type":
		m.settings.TaskTypes, found = removeByID(m.settings.TaskTypes, id, func(tt backend.TaskType) int64 { return tt.ID })
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func removeByID[T any](items []T, id int64, getID func(T) int64) ([]T, bool) {
	for i, item := range items {
		if getID(item) == id {
			return append(items[:i:i], items[i+1:]...), true
		}
	}
	return items, false
}

// =============================================================================
// User
// =============================================================================

func (m *MockAPI) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	doc := m.preferences
	m.mu.Unlock()

	if doc == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"filters":    map[string]interface{}{},
			"sort_by":    "deadline",
			"sort_order": "asc",
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}

func (m *MockAPI) handleSavePreferences(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	m.mu.Lock()
	m.preferences = body
	m.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (m *MockAPI) handleGetUserField(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{name: m.UserField(name)})
	}
}

func (m *MockAPI) handleSetUserField(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body[name] == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": name + " is required"})
			return
		}
		m.mu.Lock()
		if name == "language" {
			m.language = body[name]
		} else {
			m.timezone = body[name]
		}
		m.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{name: body[name]})
	}
}

// =============================================================================
// Helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type idGetter struct{ id int64 }

func (g idGetter) GetID() int64 { return g.id }

func optStatus(s *backend.Status) interface{ GetID() int64 } {
	if s == nil {
		return nil
	}
	return idGetter{s.ID}
}

func optPriority(p *backend.Priority) interface{ GetID() int64 } {
	if p == nil {
		return nil
	}
	return idGetter{p.ID}
}

func optType(t *backend.TaskType) interface{ GetID() int64 } {
	if t == nil {
		return nil
	}
	return idGetter{t.ID}
}

func optDuration(d *backend.Duration) interface{ GetID() int64 } {
	if d == nil {
		return nil
	}
	return idGetter{d.ID}
}
