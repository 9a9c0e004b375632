// Package tui provides a terminal user interface for the task list.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"planner/backend"
	"planner/internal/query"
)

// TaskEditor performs task mutations
type TaskEditor interface {
	CreateTask(ctx context.Context, in backend.TaskInput) (*backend.Task, error)
	UpdateTask(ctx context.Context, id int64, in backend.TaskInput) (*backend.Task, error)
	DeleteTask(ctx context.Context, id int64) error
}

// Controller is the task list state machine the model drives
type Controller interface {
	Start(ctx context.Context) error
	Snapshot() query.Snapshot
	Subscribe(fn func(query.Snapshot)) func()
	ApplyFilters(f backend.Filters) error
	ApplySort(field, direction string) error
	Search(text string) error
	NextPage() error
	PrevPage() error
	Refresh() error
	ClearFilters() error
	TaskChanged() error
}

// Focus indicates which pane has focus
type Focus int

const (
	FocusStatuses Focus = iota
	FocusTasks
)

// Mode indicates the current input mode
type Mode int

const (
	ModeNormal Mode = iota
	ModeAdd
	ModeEdit
	ModeSearch
	ModeHelp
	ModeConfirmDelete
)

// SortFields are cycled by the sort key
var SortFields = []string{"deadline", "title", "priority", "created_at"}

// SessionExpiredMsg tells the model the session ended and the user must log in again
type SessionExpiredMsg struct{}

// Model represents the TUI state
type Model struct {
	ctrl   Controller
	editor TaskEditor
	ctx    context.Context

	snap        query.Snapshot
	updates     chan query.Snapshot
	unsubscribe func()

	// Selection. Cursor 0 in the status pane means "any status".
	statusCursor int
	taskCursor   int
	focus        Focus

	// Mode and input
	mode      Mode
	textInput textinput.Model
	notice    string
	expired   bool

	// UI dimensions
	width  int
	height int

	// Styles
	statusPaneStyle lipgloss.Style
	taskPaneStyle   lipgloss.Style
	selectedStyle   lipgloss.Style
	completedStyle  lipgloss.Style
	overdueStyle    lipgloss.Style
	helpStyle       lipgloss.Style
	errorStyle      lipgloss.Style
	dialogStyle     lipgloss.Style
	statusBarStyle  lipgloss.Style
}

// Message types
type snapshotMsg struct {
	snap query.Snapshot
}

type taskSavedMsg struct {
	notice string
}

type errMsg struct {
	err error
}

// New creates a new TUI model
func New(ctx context.Context, ctrl Controller, editor TaskEditor) *Model {
	ti := textinput.New()
	ti.Placeholder = "Enter text..."
	ti.CharLimit = 256

	m := &Model{
		ctrl:      ctrl,
		editor:    editor,
		ctx:       ctx,
		updates:   make(chan query.Snapshot, 1),
		textInput: ti,
		focus:     FocusTasks,
		mode:      ModeNormal,
		statusPaneStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		taskPaneStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		selectedStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")),
		completedStyle: lipgloss.NewStyle().
			Strikethrough(true).
			Foreground(lipgloss.Color("240")),
		overdueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")),
		helpStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),
		dialogStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2),
		statusBarStyle: lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1),
	}
	m.unsubscribe = ctrl.Subscribe(m.deliver)
	m.snap = ctrl.Snapshot()
	return m
}

// deliver keeps only the newest snapshot for the event loop. It never blocks.
func (m *Model) deliver(s query.Snapshot) {
	select {
	case <-m.updates:
	default:
	}
	select {
	case m.updates <- s:
	default:
	}
}

// Expired reports whether the model quit because the session ended
func (m *Model) Expired() bool {
	return m.expired
}

// Close stops receiving controller updates
func (m *Model) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// Init starts the controller and waits for its first update
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.start(), m.waitForSnapshot())
}

func (m *Model) start() tea.Cmd {
	return func() tea.Msg {
		if err := m.ctrl.Start(m.ctx); err != nil && !errors.Is(err, query.ErrAlreadyStarted) {
			return errMsg{err}
		}
		return nil
	}
}

func (m *Model) waitForSnapshot() tea.Cmd {
	return func() tea.Msg {
		select {
		case s := <-m.updates:
			return snapshotMsg{s}
		case <-m.ctx.Done():
			return nil
		}
	}
}

// do runs a controller transition and reports its error
func do(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

// saved reloads the list after a write and reports notice
func (m *Model) saved(notice string) tea.Msg {
	if err := m.ctrl.TaskChanged(); err != nil {
		return errMsg{fmt.Errorf("%s, not reloaded: %w", notice, err)}
	}
	return taskSavedMsg{notice}
}

func (m *Model) createTask(title string) tea.Cmd {
	return func() tea.Msg {
		task, err := m.editor.CreateTask(m.ctx, backend.TaskInput{Title: backend.String(title)})
		if err != nil {
			return errMsg{err}
		}
		return m.saved(fmt.Sprintf("Created task %d", task.ID))
	}
}

func (m *Model) updateTask(id int64, in backend.TaskInput, notice string) tea.Cmd {
	return func() tea.Msg {
		if _, err := m.editor.UpdateTask(m.ctx, id, in); err != nil {
			return errMsg{err}
		}
		return m.saved(notice)
	}
}

func (m *Model) deleteTask(id int64) tea.Cmd {
	return func() tea.Msg {
		if err := m.editor.DeleteTask(m.ctx, id); err != nil {
			return errMsg{err}
		}
		return m.saved(fmt.Sprintf("Deleted task %d", id))
	}
}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case snapshotMsg:
		m.snap = msg.snap
		if n := len(m.tasks()); m.taskCursor >= n {
			m.taskCursor = max(n-1, 0)
		}
		return m, m.waitForSnapshot()

	case taskSavedMsg:
		m.notice = msg.notice
		return m, nil

	case errMsg:
		m.notice = "Error: " + msg.err.Error()
		return m, nil

	case SessionExpiredMsg:
		m.expired = true
		return m, tea.Quit

	case tea.KeyMsg:
		switch m.mode {
		case ModeAdd, ModeEdit, ModeSearch:
			return m.handleInputMode(msg)
		case ModeHelp:
			return m.handleHelpMode(msg)
		case ModeConfirmDelete:
			return m.handleConfirmDeleteMode(msg)
		}
		return m.handleNormalMode(msg)
	}

	if m.mode == ModeAdd || m.mode == ModeEdit || m.mode == ModeSearch {
		m.textInput, cmd = m.textInput.Update(msg)
	}
	return m, cmd
}

func (m *Model) handleNormalMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "tab":
		if m.focus == FocusStatuses {
			m.focus = FocusTasks
		} else {
			m.focus = FocusStatuses
		}
		return m, nil

	case "up", "k":
		if m.focus == FocusStatuses {
			if m.statusCursor > 0 {
				m.statusCursor--
			}
		} else if m.taskCursor > 0 {
			m.taskCursor--
		}
		return m, nil

	case "down", "j":
		if m.focus == FocusStatuses {
			if m.statusCursor < len(m.snap.Reference.Settings.Statuses) {
				m.statusCursor++
			}
		} else if m.taskCursor < len(m.tasks())-1 {
			m.taskCursor++
		}
		return m, nil

	case "enter":
		if m.focus == FocusStatuses {
			return m, m.applyStatusFilter()
		}
		return m, nil

	case "right", "l", "n":
		return m, do(m.ctrl.NextPage)

	case "left", "h", "p":
		return m, do(m.ctrl.PrevPage)

	case "s":
		field := nextSortField(m.snap.Query.SortField)
		dir := m.snap.Query.SortDirection
		return m, do(func() error { return m.ctrl.ApplySort(field, dir) })

	case "S":
		field := m.snap.Query.SortField
		if field == "" {
			field = SortFields[0]
		}
		dir := backend.SortDesc
		if m.snap.Query.SortDirection == backend.SortDesc {
			dir = backend.SortAsc
		}
		return m, do(func() error { return m.ctrl.ApplySort(field, dir) })

	case "x":
		f := m.snap.Query.Filters.Clone()
		f.IsCompleted = nextCompletion(f.IsCompleted)
		return m, do(func() error { return m.ctrl.ApplyFilters(f) })

	case "C":
		m.statusCursor = 0
		return m, do(m.ctrl.ClearFilters)

	case "r":
		return m, do(m.ctrl.Refresh)

	case "a":
		return m, m.openInput(ModeAdd, "New task title...", "")

	case "e":
		if task, ok := m.selectedTask(); ok {
			return m, m.openInput(ModeEdit, "Task title...", task.Title)
		}
		return m, nil

	case "/":
		return m, m.openInput(ModeSearch, "Search...", m.snap.Query.SearchText)

	case "c":
		if task, ok := m.selectedTask(); ok {
			return m, m.toggleCompletion(task)
		}
		return m, nil

	case "d":
		if _, ok := m.selectedTask(); ok {
			m.mode = ModeConfirmDelete
		}
		return m, nil

	case "?":
		m.mode = ModeHelp
		return m, nil
	}
	return m, nil
}

func (m *Model) openInput(mode Mode, placeholder, value string) tea.Cmd {
	m.mode = mode
	m.textInput.Reset()
	m.textInput.Placeholder = placeholder
	m.textInput.SetValue(value)
	m.textInput.Focus()
	return textinput.Blink
}

func (m *Model) handleInputMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg.Type {
	case tea.KeyEnter:
		value := strings.TrimSpace(m.textInput.Value())
		mode := m.mode
		m.mode = ModeNormal
		m.textInput.Blur()

		switch mode {
		case ModeAdd:
			if value != "" {
				return m, m.createTask(value)
			}
		case ModeEdit:
			if task, ok := m.selectedTask(); ok && value != "" && value != task.Title {
				return m, m.updateTask(task.ID, backend.TaskInput{Title: backend.String(value)}, "Renamed task")
			}
		case ModeSearch:
			return m, do(func() error { return m.ctrl.Search(value) })
		}
		return m, nil

	case tea.KeyEsc:
		m.mode = ModeNormal
		m.textInput.Blur()
		return m, nil
	}

	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m *Model) handleHelpMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc, tea.KeyEnter:
		m.mode = ModeNormal
		return m, nil
	}
	if msg.String() == "q" || msg.String() == "?" {
		m.mode = ModeNormal
	}
	return m, nil
}

func (m *Model) handleConfirmDeleteMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "Y":
		m.mode = ModeNormal
		if task, ok := m.selectedTask(); ok {
			return m, m.deleteTask(task.ID)
		}
		return m, nil
	case "n", "N", "esc":
		m.mode = ModeNormal
	}
	return m, nil
}

// applyStatusFilter filters by the status under the cursor
func (m *Model) applyStatusFilter() tea.Cmd {
	f := m.snap.Query.Filters.Clone()
	f.StatusID = nil
	if statuses := m.snap.Reference.Settings.Statuses; m.statusCursor > 0 && m.statusCursor <= len(statuses) {
		f.StatusID = backend.Int64(statuses[m.statusCursor-1].ID)
	}
	return do(func() error { return m.ctrl.ApplyFilters(f) })
}

// toggleCompletion moves the task to the final status, or back to the
// default open status when it is already completed
func (m *Model) toggleCompletion(task backend.Task) tea.Cmd {
	done := task.IsCompleted()
	var target *backend.Status
	for i, s := range m.snap.Reference.Settings.Statuses {
		if s.IsFinal == done {
			continue
		}
		if target == nil || (s.IsDefault && !target.IsDefault) {
			target = &m.snap.Reference.Settings.Statuses[i]
		}
	}
	if target == nil {
		return func() tea.Msg { return errMsg{fmt.Errorf("no status to move task %d to", task.ID)} }
	}
	return m.updateTask(task.ID, backend.TaskInput{StatusID: backend.Int64(target.ID)}, "Status: "+target.Name)
}

func (m *Model) tasks() []backend.Task {
	if m.snap.Page == nil {
		return nil
	}
	return m.snap.Page.Items
}

func (m *Model) selectedTask() (backend.Task, bool) {
	tasks := m.tasks()
	if m.taskCursor < 0 || m.taskCursor >= len(tasks) {
		return backend.Task{}, false
	}
	return tasks[m.taskCursor], true
}

func nextSortField(current string) string {
	for i, f := range SortFields {
		if f == current {
			return SortFields[(i+1)%len(SortFields)]
		}
	}
	return SortFields[0]
}

// nextCompletion cycles open -> done -> all
func nextCompletion(v *bool) *bool {
	switch {
	case v == nil:
		return backend.Bool(false)
	case !*v:
		return backend.Bool(true)
	}
	return nil
}

// View renders the TUI
func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		m.width = 80
		m.height = 24
	}

	switch m.mode {
	case ModeAdd:
		return m.renderInputDialog("Add New Task", "Enter: confirm  Esc: cancel")
	case ModeEdit:
		title := "Edit Task"
		if task, ok := m.selectedTask(); ok {
			title = "Edit: " + task.Title
		}
		return m.renderInputDialog(title, "Enter: confirm  Esc: cancel")
	case ModeSearch:
		return m.renderInputDialog("Search Tasks", "Enter: search (empty clears)  Esc: cancel")
	case ModeHelp:
		return m.centerDialog(m.dialogStyle.Render(helpText))
	case ModeConfirmDelete:
		return m.centerDialog(m.dialogStyle.Render(
			"Delete selected task?\n\n" + m.helpStyle.Render("y: yes  n: no"),
		))
	}

	statusWidth := m.width / 4
	taskWidth := m.width - statusWidth - 4

	statusPane := m.statusPaneStyle.Width(statusWidth).Height(m.height - 4).Render(m.renderStatusPane(statusWidth - 4))
	taskPane := m.taskPaneStyle.Width(taskWidth).Height(m.height - 4).Render(m.renderTaskPane(taskWidth - 4))

	var b strings.Builder
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, statusPane, taskPane))
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m *Model) renderStatusPane(width int) string {
	var b strings.Builder
	b.WriteString("Statuses\n")
	b.WriteString(strings.Repeat("─", max(width, 1)))
	b.WriteString("\n")

	names := []string{"All"}
	for _, s := range m.snap.Reference.Settings.Statuses {
		names = append(names, s.Name)
	}
	active := 0
	if id := m.snap.Query.Filters.StatusID; id != nil {
		for i, s := range m.snap.Reference.Settings.Statuses {
			if s.ID == *id {
				active = i + 1
			}
		}
	}

	for i, name := range names {
		cursor := " "
		if i == m.statusCursor && m.focus == FocusStatuses {
			cursor = ">"
			name = m.selectedStyle.Render(name)
		}
		if i == active {
			name += " *"
		}
		b.WriteString(cursor + " " + name + "\n")
	}
	return b.String()
}

func (m *Model) renderTaskPane(width int) string {
	var b strings.Builder
	b.WriteString("Tasks\n")
	b.WriteString(strings.Repeat("─", max(width, 1)))
	b.WriteString("\n")

	switch {
	case m.snap.State == query.Uninitialized || (m.snap.State == query.LoadingInitial && m.snap.Page == nil):
		b.WriteString("Loading...\n")
		return b.String()
	case len(m.tasks()) == 0:
		b.WriteString("No tasks\n")
		return b.String()
	}

	for i, task := range m.tasks() {
		cursor := " "
		selected := i == m.taskCursor && m.focus == FocusTasks
		if selected {
			cursor = ">"
		}

		mark := "[ ]"
		if task.IsCompleted() {
			mark = "[✓]"
		}

		title := task.Title
		switch {
		case task.IsCompleted():
			title = m.completedStyle.Render(title)
		case selected:
			title = m.selectedStyle.Render(title)
		}

		line := cursor + " " + mark + " " + title + m.renderTaskMeta(task)
		b.WriteString(line + "\n")
	}
	return b.String()
}

func (m *Model) renderTaskMeta(task backend.Task) string {
	var parts []string
	if task.Status != nil {
		parts = append(parts, task.Status.Name)
	}
	if task.Priority != nil {
		parts = append(parts, task.Priority.Name)
	}
	if task.Deadline != nil {
		due := task.Deadline.Format("2006-01-02")
		if task.IsOverdue && !task.IsCompleted() {
			due = m.overdueStyle.Render(due + " !")
		}
		parts = append(parts, due)
	}
	if len(parts) == 0 {
		return ""
	}
	return m.helpStyle.Render("  " + strings.Join(parts, " · "))
}

func (m *Model) renderStatusBar() string {
	q := m.snap.Query
	left := ""
	switch m.snap.State {
	case query.LoadingInitial, query.LoadingSubsequent:
		left = "Loading... "
	case query.Error:
		left = m.errorStyle.Render("! "+m.snap.Message()) + " "
	}

	if page := m.snap.Page; page != nil {
		left += fmt.Sprintf("Page %d/%d (%d tasks)", q.Page, max(page.TotalPages, 1), page.TotalItems)
	}
	if q.SortField != "" {
		left += fmt.Sprintf("  Sort: %s %s", q.SortField, q.SortDirection)
	}
	switch {
	case q.Filters.IsCompleted == nil:
		left += "  Show: all"
	case *q.Filters.IsCompleted:
		left += "  Show: done"
	}
	if q.SearchText != "" {
		left += "  Search: " + q.SearchText
	}
	if m.notice != "" {
		left += "  " + m.notice
	}

	right := "q:quit  ?:help"
	padding := m.width - lipgloss.Width(left) - len(right) - 2
	if padding < 1 {
		padding = 1
	}
	return m.statusBarStyle.Width(m.width).Render(left + strings.Repeat(" ", padding) + right)
}

func (m *Model) renderInputDialog(title, help string) string {
	dialog := m.dialogStyle.Render(
		title + "\n\n" +
			m.textInput.View() + "\n\n" +
			m.helpStyle.Render(help),
	)
	return m.centerDialog(dialog)
}

const helpText = `Help - Key Bindings

Navigation:
  j/↓ k/↑  Move down / up
  Tab      Switch focus between statuses/tasks
  n/→ p/←  Next / previous page
  Enter    Filter by the selected status

Query:
  /        Search (empty text clears)
  s        Cycle sort field
  S        Toggle sort direction
  x        Cycle open / done / all tasks
  C        Clear filters, search and sort
  r        Refresh

Tasks:
  a        Add new task
  e        Edit selected task
  c        Toggle completion
  d        Delete task (with confirm)

General:
  ?        Show this help
  q        Quit

Press Esc to close`

func (m *Model) centerDialog(dialog string) string {
	lines := strings.Split(dialog, "\n")
	dialogWidth := 0
	for _, line := range lines {
		dialogWidth = max(dialogWidth, lipgloss.Width(line))
	}

	topPad := max((m.height-len(lines))/2, 0)
	leftPad := max((m.width-dialogWidth)/2, 0)

	var b strings.Builder
	b.WriteString(strings.Repeat("\n", topPad))
	for _, line := range lines {
		b.WriteString(strings.Repeat(" ", leftPad))
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
