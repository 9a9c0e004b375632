// Package query drives the task list: it owns the current filters, sort,
// search text and page, issues fetches and keeps the newest result.
//
// The controller is a small state machine:
//
//	Uninitialized -> LoadingInitial -> Ready <-> LoadingSubsequent
//	                                     |              |
//	                                     +---> Error <--+
//
// Each fetch carries a sequence number. Only the response to the most
// recently issued fetch may change the visible state; older responses are
// dropped no matter when they arrive.
package query

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"planner/backend"
	"planner/internal/metrics"
	"planner/internal/utils"
)

// State is the lifecycle state of a controller
type State int

const (
	Uninitialized State = iota
	LoadingInitial
	Ready
	LoadingSubsequent
	Error
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case LoadingInitial:
		return "loading"
	case Ready:
		return "ready"
	case LoadingSubsequent:
		return "reloading"
	case Error:
		return "error"
	}
	return "unknown"
}

// Origin records what triggered a fetch
type Origin int

const (
	OriginInitial Origin = iota
	OriginPage
	OriginFilters
	OriginSort
	OriginSearch
	OriginRefresh
	OriginClear
)

var originNames = map[Origin]string{
	OriginInitial: "initial",
	OriginPage:    "page",
	OriginFilters: "filters",
	OriginSort:    "sort",
	OriginSearch:  "search",
	OriginRefresh: "refresh",
	OriginClear:   "clear",
}

func (o Origin) String() string {
	if name, ok := originNames[o]; ok {
		return name
	}
	return "unknown"
}

// userInitiated reports whether a fetch of this origin persists preferences
func (o Origin) userInitiated() bool {
	return o == OriginFilters || o == OriginSort || o == OriginClear
}

// DefaultPageSize is used when no page size option is given
const DefaultPageSize = 20

var (
	// ErrAlreadyStarted is returned by a second call to Start
	ErrAlreadyStarted = errors.New("query controller already started")
	// ErrNotStarted is returned by transitions issued before Start finished loading
	ErrNotStarted = errors.New("query controller not started")
)

// Query is the full description of the task list being requested
type Query struct {
	Filters       backend.Filters
	SortField     string
	SortDirection string
	SearchText    string
	Page          int
	PageSize      int
}

// Request converts q to the request sent to the task service
func (q Query) Request() backend.PageRequest {
	return backend.PageRequest{
		Filters:   q.Filters.Clone(),
		SortBy:    q.SortField,
		SortOrder: q.SortDirection,
		Search:    q.SearchText,
		Page:      q.Page,
		PageSize:  q.PageSize,
	}
}

// Preferences returns the persisted part of q
func (q Query) Preferences() backend.Preferences {
	return backend.Preferences{
		Filters:   q.Filters.Clone(),
		SortBy:    q.SortField,
		SortOrder: q.SortDirection,
	}
}

func (q Query) clone() Query {
	q.Filters = q.Filters.Clone()
	return q
}

// Reference is the classification data used to label and filter tasks
type Reference struct {
	Settings  backend.Settings
	TaskTypes []backend.TaskType
}

// Snapshot is a consistent copy of the controller's observable state
type Snapshot struct {
	State     State
	Origin    Origin
	Query     Query
	Page      *backend.TaskPage
	Reference Reference
	Err       error
	Seq       uint64
}

// Message returns the user-visible error message, if any
func (s Snapshot) Message() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

// TaskSource fetches task pages
type TaskSource interface {
	ListTasksPage(ctx context.Context, req backend.PageRequest) (*backend.TaskPage, error)
	SearchTasks(ctx context.Context, req backend.PageRequest) (*backend.TaskPage, error)
}

// ReferenceSource fetches classification data
type ReferenceSource interface {
	GetSettings(ctx context.Context) (*backend.Settings, error)
	ListTaskTypes(ctx context.Context) ([]backend.TaskType, error)
}

// PreferenceSync loads and saves the persisted preferences
type PreferenceSync interface {
	Load(ctx context.Context) backend.Preferences
	Save(p backend.Preferences) error
}

// Option configures a Controller
type Option func(*Controller)

// WithPageSize fixes the page size for the lifetime of the controller
func WithPageSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.query.PageSize = n
		}
	}
}

// WithClearOnError makes a failed fetch drop the previously shown page
func WithClearOnError() Option {
	return func(c *Controller) { c.clearOnError = true }
}

// WithReferenceSource loads reference data from r instead of the task source
func WithReferenceSource(r ReferenceSource) Option {
	return func(c *Controller) { c.ref = r }
}

// WithMetrics counts dropped stale responses
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithInitialQuery lets fn adjust the first query once reference data and
// preferences are loaded, so one-off overrides cost no extra fetch.
// An error from fn fails Start and nothing is fetched. The page size stays fixed.
func WithInitialQuery(fn func(q Query, ref Reference) (Query, error)) Option {
	return func(c *Controller) { c.initial = fn }
}

// Controller is the task list state machine. It is safe for concurrent use.
type Controller struct {
	tasks        TaskSource
	ref          ReferenceSource
	prefs        PreferenceSync
	metrics      *metrics.Metrics
	clearOnError bool
	initial      func(Query, Reference) (Query, error)
	log          *zap.Logger

	mu        sync.Mutex
	ctx       context.Context
	state     State
	origin    Origin
	query     Query
	page      *backend.TaskPage
	reference Reference
	err       error
	seq       uint64
	started   bool
	ready     bool

	// notifyMu keeps observers seeing snapshots in the order they were taken
	notifyMu sync.Mutex
	subs     map[int]func(Snapshot)
	nextSub  int

	wg sync.WaitGroup
}

// New creates a controller. Reference data comes from tasks when it also
// implements ReferenceSource, unless WithReferenceSource is given.
func New(tasks TaskSource, prefs PreferenceSync, opts ...Option) *Controller {
	c := &Controller{
		tasks: tasks,
		prefs: prefs,
		query: defaultQuery(DefaultPageSize),
		subs:  make(map[int]func(Snapshot)),
		log:   utils.GetLogger().With(zap.String("component", "query")),
	}
	if r, ok := tasks.(ReferenceSource); ok {
		c.ref = r
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultQuery(pageSize int) Query {
	return Query{
		Filters:       backend.DefaultFilters(),
		SortField:     backend.DefaultSortField,
		SortDirection: backend.SortAsc,
		Page:          1,
		PageSize:      pageSize,
	}
}

// Start loads reference data and preferences concurrently, applies the
// preferences and issues the first fetch. The first fetch never saves
// preferences. Start may be called once; ctx bounds every later fetch.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.ctx = ctx
	c.state = LoadingInitial
	c.origin = OriginInitial
	c.publishLocked()

	var (
		settings  *backend.Settings
		taskTypes []backend.TaskType
		prefs     backend.Preferences
	)
	g, gctx := errgroup.WithContext(ctx)
	if c.ref != nil {
		g.Go(func() error {
			s, err := c.ref.GetSettings(gctx)
			if err != nil {
				return err
			}
			settings = s
			return nil
		})
		g.Go(func() error {
			t, err := c.ref.ListTaskTypes(gctx)
			if err != nil {
				return err
			}
			taskTypes = t
			return nil
		})
	}
	g.Go(func() error {
		// Preferences are loaded on their own context so a reference data
		// failure cannot turn them into defaults.
		prefs = c.prefs.Load(ctx)
		return nil
	})
	refErr := g.Wait()
	if refErr != nil {
		c.log.Warn("failed to load reference data", zap.Error(refErr))
	}

	c.mu.Lock()
	if settings != nil {
		c.reference.Settings = *settings
	}
	if taskTypes != nil {
		c.reference.TaskTypes = taskTypes
	} else {
		c.reference.TaskTypes = c.reference.Settings.TaskTypes
	}
	c.query = applyPreferences(defaultQuery(c.query.PageSize), prefs)
	if c.initial != nil {
		q, err := c.initial(c.query.clone(), c.reference)
		if err != nil {
			c.state = Error
			c.err = err
			c.publishLocked()
			return err
		}
		q.PageSize = c.query.PageSize
		q.Page = max(q.Page, 1)
		c.query = q.clone()
	}
	c.ready = true
	c.issueLocked(OriginInitial)
	return nil
}

// applyPreferences overrides q with the fields present in p
func applyPreferences(q Query, p backend.Preferences) Query {
	q.Filters = p.Filters.Clone()
	if p.SortBy != "" {
		q.SortField = p.SortBy
	}
	if order, err := utils.NormalizeSortOrder(p.SortOrder); err == nil && p.SortOrder != "" {
		q.SortDirection = order
	}
	q.Page = 1
	return q
}

// SetPage moves to page n. It does not save preferences.
func (c *Controller) SetPage(n int) error {
	if n < 1 {
		return &backend.ValidationError{Field: "page", Message: "page must be at least 1"}
	}
	return c.transition(OriginPage, func(q *Query) error {
		q.Page = n
		return nil
	})
}

// NextPage moves forward one page when there is one
func (c *Controller) NextPage() error {
	snap := c.Snapshot()
	if snap.Page != nil && snap.Page.TotalPages > 0 && snap.Query.Page >= snap.Page.TotalPages {
		return nil
	}
	return c.SetPage(snap.Query.Page + 1)
}

// PrevPage moves back one page when not on the first
func (c *Controller) PrevPage() error {
	snap := c.Snapshot()
	if snap.Query.Page <= 1 {
		return nil
	}
	return c.SetPage(snap.Query.Page - 1)
}

// ApplyFilters replaces the filters, returns to page 1 and saves preferences
func (c *Controller) ApplyFilters(f backend.Filters) error {
	return c.transition(OriginFilters, func(q *Query) error {
		q.Filters = f.Clone()
		q.Page = 1
		return nil
	})
}

// ApplySort sets the sort field and direction, returns to page 1 and saves
// preferences. An empty direction means ascending.
func (c *Controller) ApplySort(field, direction string) error {
	order, err := utils.NormalizeSortOrder(direction)
	if err != nil {
		return err
	}
	field = strings.TrimSpace(field)
	return c.transition(OriginSort, func(q *Query) error {
		q.SortField = field
		q.SortDirection = order
		if field == "" {
			q.SortDirection = ""
		}
		q.Page = 1
		return nil
	})
}

// Search sets the search text and returns to page 1. Empty text goes back to
// the plain paginated list.
func (c *Controller) Search(text string) error {
	return c.transition(OriginSearch, func(q *Query) error {
		q.SearchText = strings.TrimSpace(text)
		q.Page = 1
		return nil
	})
}

// ClearFilters resets filters, search text and sort, returns to page 1 and
// saves the cleared preferences
func (c *Controller) ClearFilters() error {
	return c.transition(OriginClear, func(q *Query) error {
		q.Filters = backend.DefaultFilters()
		q.SearchText = ""
		q.SortField = ""
		q.SortDirection = ""
		q.Page = 1
		return nil
	})
}

// Refresh re-issues the current query
func (c *Controller) Refresh() error {
	return c.transition(OriginRefresh, func(*Query) error { return nil })
}

// TaskChanged signals that a task was created, edited or deleted elsewhere
func (c *Controller) TaskChanged() error {
	return c.Refresh()
}

// transition mutates the query and issues a fetch
func (c *Controller) transition(origin Origin, mutate func(q *Query) error) error {
	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return ErrNotStarted
	}
	q := c.query.clone()
	if err := mutate(&q); err != nil {
		c.mu.Unlock()
		return err
	}
	c.query = q
	c.issueLocked(origin)

	if origin.userInitiated() {
		if err := c.prefs.Save(q.Preferences()); err != nil {
			c.log.Warn("preferences not saved", zap.Error(err))
		}
	}
	return nil
}

// issueLocked starts a fetch for the current query and releases c.mu
func (c *Controller) issueLocked(origin Origin) {
	c.seq++
	seq := c.seq
	q := c.query.clone()
	c.origin = origin
	if c.state != LoadingInitial {
		c.state = LoadingSubsequent
	}
	c.wg.Add(1)
	c.publishLocked()

	c.log.Debug("fetching tasks",
		zap.Uint64("seq", seq),
		zap.Stringer("origin", origin),
		zap.Int("page", q.Page),
		zap.String("search", q.SearchText),
	)
	go c.fetch(seq, q)
}

func (c *Controller) fetch(seq uint64, q Query) {
	defer c.wg.Done()

	req := q.Request()
	var (
		page *backend.TaskPage
		err  error
	)
	if q.SearchText != "" {
		page, err = c.tasks.SearchTasks(c.ctx, req)
	} else {
		page, err = c.tasks.ListTasksPage(c.ctx, req)
	}

	c.mu.Lock()
	if seq != c.seq {
		latest := c.seq
		c.mu.Unlock()
		c.log.Debug("dropping stale response", zap.Uint64("seq", seq), zap.Uint64("latest", latest))
		if c.metrics != nil {
			c.metrics.StaleResponses.Inc()
		}
		return
	}

	if err != nil {
		c.log.Warn("task fetch failed", zap.Uint64("seq", seq), zap.Error(err))
		c.state = Error
		c.err = err
		if c.clearOnError {
			c.page = nil
		}
	} else {
		c.state = Ready
		c.err = nil
		c.page = page
	}
	c.publishLocked()
}

// publishLocked snapshots the state, releases c.mu and notifies observers
func (c *Controller) publishLocked() {
	snap := c.snapshotLocked()
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	for _, fn := range c.subs {
		fn(snap)
	}
}

// Subscribe registers fn to receive every state change. fn runs on the
// goroutine that caused the change and must not call back into the
// controller. The returned function removes the subscription.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.notifyMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.notifyMu.Unlock()

	return func() {
		c.notifyMu.Lock()
		delete(c.subs, id)
		c.notifyMu.Unlock()
	}
}

// Snapshot returns the current state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:  c.state,
		Origin: c.origin,
		Query:  c.query.clone(),
		Err:    c.err,
		Seq:    c.seq,
		Reference: Reference{
			Settings:  c.reference.Settings,
			TaskTypes: c.reference.TaskTypes,
		},
	}
	if c.page != nil {
		p := *c.page
		p.Items = append([]backend.Task(nil), c.page.Items...)
		snap.Page = &p
	}
	return snap
}

// Wait blocks until every issued fetch has completed
func (c *Controller) Wait() {
	c.wg.Wait()
}
