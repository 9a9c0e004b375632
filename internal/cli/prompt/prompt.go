// Package prompt handles interactive prompts with no-prompt mode support:
// choosing a task from a search result and collecting fields for a new task.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"planner/backend"
	"planner/internal/utils"
)

// Sentinel errors for prompt operations.
var (
	ErrSelectionCancelled = errors.New("selection cancelled")
	ErrNoPromptMode       = errors.New("interactive prompts disabled (--no-prompt / -y)")
	ErrNoTasks            = errors.New("no tasks available")
	ErrNoMatches          = errors.New("no tasks match the filter")
)

// TaskSelector picks one task out of several candidates.
type TaskSelector struct {
	Tasks    []backend.Task
	Prompt   string
	Reader   io.Reader
	Writer   io.Writer
	NoPrompt bool
}

// Run executes the task selection prompt.
// A single candidate is selected without asking. With several candidates and
// NoPrompt set, ErrNoPromptMode is returned.
func (s *TaskSelector) Run() (*backend.Task, error) {
	if len(s.Tasks) == 0 {
		return nil, ErrNoTasks
	}
	if len(s.Tasks) == 1 {
		return &s.Tasks[0], nil
	}
	if s.NoPrompt {
		return nil, ErrNoPromptMode
	}

	writer := s.Writer
	if writer == nil {
		writer = io.Discard
	}
	scanner := bufio.NewScanner(s.Reader)

	_, _ = fmt.Fprintf(writer, "%s\nFilter (or press Enter to show all): ", s.Prompt)
	if !scanner.Scan() {
		return nil, ErrSelectionCancelled
	}
	filter := strings.ToLower(strings.TrimSpace(scanner.Text()))

	filtered := s.Tasks
	if filter != "" {
		filtered = nil
		for _, t := range s.Tasks {
			if strings.Contains(strings.ToLower(t.Title), filter) {
				filtered = append(filtered, t)
			}
		}
	}
	if len(filtered) == 0 {
		return nil, ErrNoMatches
	}
	if len(filtered) == 1 {
		_, _ = fmt.Fprintf(writer, "Auto-selected: %s\n", filtered[0].Title)
		return &filtered[0], nil
	}

	for i, t := range filtered {
		_, _ = fmt.Fprintf(writer, "  %d) %s\n", i+1, FormatTaskLine(t))
	}
	_, _ = fmt.Fprintf(writer, "Select (0 to cancel): ")
	if !scanner.Scan() {
		return nil, ErrSelectionCancelled
	}

	input := strings.TrimSpace(scanner.Text())
	num, err := strconv.Atoi(input)
	if err != nil {
		return nil, fmt.Errorf("invalid selection: %s", input)
	}
	if num == 0 {
		return nil, ErrSelectionCancelled
	}
	if num < 1 || num > len(filtered) {
		return nil, fmt.Errorf("selection out of range: %d", num)
	}
	return &filtered[num-1], nil
}

// FormatTaskLine formats a task with its id, status, priority and deadline.
func FormatTaskLine(t backend.Task) string {
	var meta []string
	if t.Status != nil {
		meta = append(meta, t.Status.Name)
	} else if t.IsCompleted() {
		meta = append(meta, "done")
	}
	if t.Priority != nil {
		meta = append(meta, t.Priority.Name)
	}
	if t.Type != nil {
		meta = append(meta, t.Type.Name)
	}
	if t.Deadline != nil {
		due := "due: " + t.Deadline.Format("2006-01-02")
		if t.IsOverdue && !t.IsCompleted() {
			due += " (overdue)"
		}
		meta = append(meta, due)
	}

	line := fmt.Sprintf("#%d %s", t.ID, t.Title)
	if len(meta) > 0 {
		line += " [" + strings.Join(meta, ", ") + "]"
	}
	return line
}

// InteractiveAdder asks for the fields of a new task one by one.
// Status, priority, type and duration are entered by name and resolved
// against Settings.
type InteractiveAdder struct {
	Settings backend.Settings
	Reader   io.Reader
	Writer   io.Writer
	NoPrompt bool
}

// Run prompts for title (required), description, status, priority, type,
// duration and deadline. Invalid answers are asked again.
func (a *InteractiveAdder) Run() (*backend.TaskInput, error) {
	if a.NoPrompt {
		return nil, ErrNoPromptMode
	}

	writer := a.Writer
	if writer == nil {
		writer = io.Discard
	}
	scanner := bufio.NewScanner(a.Reader)
	in := &backend.TaskInput{}

	for {
		_, _ = fmt.Fprint(writer, "Title (required): ")
		if !scanner.Scan() {
			return nil, errors.New("no input for title")
		}
		if title := strings.TrimSpace(scanner.Text()); title != "" {
			in.Title = backend.String(title)
			break
		}
		_, _ = fmt.Fprintln(writer, "Title cannot be empty.")
	}

	_, _ = fmt.Fprint(writer, "Description (optional): ")
	if scanner.Scan() {
		if d := strings.TrimSpace(scanner.Text()); d != "" {
			in.Description = backend.String(d)
		}
	}

	lookups := []struct {
		label string
		dst   **int64
		find  func(string) (int64, bool)
		names []string
	}{
		{"Status", &in.StatusID, func(n string) (int64, bool) {
			if v, ok := a.Settings.FindStatus(n); ok {
				return v.ID, true
			}
			return 0, false
		}, statusNames(a.Settings)},
		{"Priority", &in.PriorityID, func(n string) (int64, bool) {
			if v, ok := a.Settings.FindPriority(n); ok {
				return v.ID, true
			}
			return 0, false
		}, priorityNames(a.Settings)},
		{"Type", &in.TypeID, func(n string) (int64, bool) {
			if v, ok := a.Settings.FindTaskType(n); ok {
				return v.ID, true
			}
			return 0, false
		}, typeNames(a.Settings)},
		{"Duration", &in.DurationID, func(n string) (int64, bool) {
			if v, ok := a.Settings.FindDuration(n); ok {
				return v.ID, true
			}
			return 0, false
		}, durationNames(a.Settings)},
	}

	for _, l := range lookups {
		if len(l.names) == 0 {
			continue
		}
		for {
			_, _ = fmt.Fprintf(writer, "%s (%s, optional): ", l.label, strings.Join(l.names, "/"))
			if !scanner.Scan() {
				break
			}
			input := strings.TrimSpace(scanner.Text())
			if input == "" {
				break
			}
			if id, ok := l.find(input); ok {
				*l.dst = backend.Int64(id)
				break
			}
			_, _ = fmt.Fprintf(writer, "Unknown %s: %s\n", strings.ToLower(l.label), input)
		}
	}

	for {
		_, _ = fmt.Fprint(writer, "Deadline (YYYY-MM-DD, today, tomorrow, +Nd, optional): ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			break
		}
		deadline, err := utils.ParseDateFlag(input)
		if err != nil {
			_, _ = fmt.Fprintf(writer, "Invalid date: %s. Use YYYY-MM-DD, today, tomorrow, +Nd, +Nw, +Nm\n", input)
			continue
		}
		in.Deadline = deadline
		break
	}

	return in, nil
}

func statusNames(s backend.Settings) []string {
	var names []string
	for _, v := range s.Statuses {
		names = append(names, v.Name)
	}
	return names
}

func priorityNames(s backend.Settings) []string {
	var names []string
	for _, v := range s.Priorities {
		names = append(names, v.Name)
	}
	return names
}

func typeNames(s backend.Settings) []string {
	var names []string
	for _, v := range s.TaskTypes {
		names = append(names, v.Name)
	}
	return names
}

func durationNames(s backend.Settings) []string {
	var names []string
	for _, v := range s.Durations {
		names = append(names, v.Name)
	}
	return names
}
