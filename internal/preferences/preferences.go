// Package preferences loads and saves the user's task list filters and sort.
package preferences

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"planner/backend"
	"planner/internal/utils"
)

// ErrNotLoaded is returned by Save when Load has not completed yet
var ErrNotLoaded = errors.New("preferences not loaded yet")

// DefaultSaveTimeout bounds a background save
const DefaultSaveTimeout = 15 * time.Second

// Default returns the preferences used when the server has none or they are unreadable
func Default() backend.Preferences {
	return backend.DefaultPreferences()
}

// Synchronizer reads the preference document once and writes it back on user changes
type Synchronizer struct {
	store   backend.PreferenceStore
	timeout time.Duration
	errs    chan error
	log     *zap.Logger

	mu      sync.Mutex
	loaded  bool
	pending *backend.Preferences
	running bool
	wg      sync.WaitGroup
}

// Option configures a Synchronizer
type Option func(*Synchronizer)

// WithSaveTimeout sets the timeout of each background save
func WithSaveTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New creates a synchronizer over store
func New(store backend.PreferenceStore, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:   store,
		timeout: DefaultSaveTimeout,
		errs:    make(chan error, 8),
		log:     utils.GetLogger().With(zap.String("component", "preferences")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load fetches the preference document. It never fails: on any error the
// defaults are returned and a warning is logged.
func (s *Synchronizer) Load(ctx context.Context) backend.Preferences {
	defer func() {
		s.mu.Lock()
		s.loaded = true
		s.mu.Unlock()
	}()

	raw, err := s.store.GetPreferences(ctx)
	if err != nil {
		s.log.Warn("failed to fetch preferences, using defaults", zap.Error(err))
		return Default()
	}

	p, err := Parse(raw)
	if err != nil {
		s.log.Warn("malformed preferences, using defaults", zap.Error(err))
		return Default()
	}
	return p
}

// Loaded reports whether Load has completed
func (s *Synchronizer) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Save sends p in the background. Failures are logged and published on Errors.
// Consecutive saves are coalesced so the server ends up with the latest one.
// Save refuses to run before Load so start-up defaults never overwrite the
// stored document.
func (s *Synchronizer) Save(p backend.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		s.log.Warn("refusing to save preferences before they were loaded")
		s.publish(ErrNotLoaded)
		return ErrNotLoaded
	}

	p.Filters = p.Filters.Clone()
	s.pending = &p
	if !s.running {
		s.running = true
		s.wg.Add(1)
		go s.drain()
	}
	return nil
}

// drain sends pending preferences until none are left
func (s *Synchronizer) drain() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		p := s.pending
		s.pending = nil
		if p == nil {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.store.SavePreferences(ctx, *p)
		cancel()

		if err != nil {
			s.log.Error("failed to save preferences", zap.Error(err))
			s.publish(fmt.Errorf("save preferences: %w", err))
			continue
		}
		s.log.Debug("preferences saved",
			zap.String("sort_by", p.SortBy),
			zap.String("sort_order", p.SortOrder),
		)
	}
}

// publish sends err on the error channel without blocking
func (s *Synchronizer) publish(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Errors delivers save failures. Unread errors are dropped once the buffer fills.
func (s *Synchronizer) Errors() <-chan error {
	return s.errs
}

// Wait blocks until every pending save has been sent
func (s *Synchronizer) Wait() {
	s.wg.Wait()
}

// Parse decodes a preference document leniently.
// Present fields override the defaults one by one. Identifiers may arrive as
// numbers, numeric strings or integral floats; anything else is dropped.
func Parse(raw []byte) (backend.Preferences, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return backend.Preferences{}, errors.New("empty document")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return backend.Preferences{}, fmt.Errorf("invalid preference document: %w", err)
	}
	if doc == nil {
		return backend.Preferences{}, errors.New("preference document is null")
	}

	p := Default()

	if v, ok := lookup(doc, "filters"); ok && v != nil {
		fields, isObject := v.(map[string]interface{})
		if !isObject {
			return backend.Preferences{}, fmt.Errorf("filters is %T, not an object", v)
		}
		p.Filters = parseFilters(fields, p.Filters)
	}

	if v, ok := lookup(doc, "sort_by", "sortBy"); ok {
		if s, isString := v.(string); isString && strings.TrimSpace(s) != "" {
			p.SortBy = strings.TrimSpace(s)
		}
	}
	if v, ok := lookup(doc, "sort_order", "sortOrder"); ok {
		if s, isString := v.(string); isString {
			if order, err := utils.NormalizeSortOrder(s); err == nil {
				p.SortOrder = order
			}
		}
	}
	return p, nil
}

func parseFilters(fields map[string]interface{}, f backend.Filters) backend.Filters {
	ids := []struct {
		dst  **int64
		keys []string
	}{
		{&f.StatusID, []string{"status_id", "statusId"}},
		{&f.PriorityID, []string{"priority_id", "priorityId"}},
		{&f.TypeID, []string{"type_id", "typeId"}},
		{&f.DurationID, []string{"duration_id", "durationId"}},
	}
	for _, id := range ids {
		if v, ok := lookup(fields, id.keys...); ok {
			*id.dst = normalizeID(v)
		}
	}

	if v, ok := lookup(fields, "is_completed", "isCompleted"); ok {
		f.IsCompleted = normalizeBool(v)
	}
	if v, ok := lookup(fields, "deadline_from", "deadlineFrom"); ok {
		f.DeadlineFrom = normalizeDate(v)
	}
	if v, ok := lookup(fields, "deadline_to", "deadlineTo"); ok {
		f.DeadlineTo = normalizeDate(v)
	}
	return f
}

// lookup returns the first present key
func lookup(m map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// normalizeID converts a JSON value to an identifier, or nil
func normalizeID(v interface{}) *int64 {
	switch x := v.(type) {
	case json.Number:
		return numberToID(x.String())
	case string:
		return numberToID(strings.TrimSpace(x))
	case float64:
		return floatToID(x)
	}
	return nil
}

func numberToID(s string) *int64 {
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return &n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return floatToID(f)
	}
	return nil
}

func floatToID(f float64) *int64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return nil
	}
	n := int64(f)
	return &n
}

// normalizeBool accepts booleans and "true"/"false"/"1"/"0"; null clears the filter
func normalizeBool(v interface{}) *bool {
	switch x := v.(type) {
	case bool:
		return &x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1":
			return backend.Bool(true)
		case "false", "0":
			return backend.Bool(false)
		}
	case json.Number:
		switch x.String() {
		case "1":
			return backend.Bool(true)
		case "0":
			return backend.Bool(false)
		}
	}
	return nil
}

// normalizeDate accepts YYYY-MM-DD or RFC 3339 strings
func normalizeDate(v interface{}) *time.Time {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return nil
	}
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
