package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"planner/backend"
	"planner/backend/rest"
	"planner/internal/cli/prompt"
	"planner/internal/config"
	"planner/internal/query"
	"planner/internal/utils"
)

type taskJSON struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Status      string  `json:"status,omitempty"`
	Priority    string  `json:"priority,omitempty"`
	Type        string  `json:"type,omitempty"`
	Duration    string  `json:"duration,omitempty"`
	Deadline    *string `json:"deadline,omitempty"`
	Completed   bool    `json:"completed"`
	Overdue     bool    `json:"overdue"`
}

type listTasksResponse struct {
	Tasks      []taskJSON `json:"tasks"`
	Page       int        `json:"page"`
	TotalPages int        `json:"total_pages"`
	TotalItems int        `json:"total_items"`
	Result     string     `json:"result"`
}

type actionResponse struct {
	Action string   `json:"action"`
	Task   taskJSON `json:"task"`
	Result string   `json:"result"`
}

func taskToJSON(t *backend.Task) taskJSON {
	out := taskJSON{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Completed:   t.IsCompleted(),
		Overdue:     t.IsOverdue,
	}
	if t.Status != nil {
		out.Status = t.Status.Name
	}
	if t.Priority != nil {
		out.Priority = t.Priority.Name
	}
	if t.Type != nil {
		out.Type = t.Type.Name
	}
	if t.Duration != nil {
		out.Duration = t.Duration.Name
	}
	if t.Deadline != nil {
		s := t.Deadline.Format("2006-01-02")
		out.Deadline = &s
	}
	return out
}

func outputActionJSON(action string, task *backend.Task, stdout io.Writer) error {
	return writeJSON(stdout, actionResponse{
		Action: action,
		Task:   taskToJSON(task),
		Result: ResultActionCompleted,
	})
}

// readOnlyPrefs applies stored preferences without ever writing them back.
// One-shot listings with flags are not a change of the user's saved view.
type readOnlyPrefs struct {
	sync query.PreferenceSync
}

func (p readOnlyPrefs) Load(ctx context.Context) backend.Preferences {
	return p.sync.Load(ctx)
}

func (readOnlyPrefs) Save(backend.Preferences) error {
	return nil
}

// listFlags are the filters, sort and paging flags of 'planner tasks'
type listFlags struct {
	status, priority, taskType, duration string
	from, to                             string
	completed, open, all                 bool
	sortBy, order, search                string
	page, pageSize                       int
}

func newTasksCmd(stdout io.Writer, opts *Options) *cobra.Command {
	f := &listFlags{}
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Long: "List one page of tasks. Without flags the saved filters and sort order are used;\n" +
			"flags override them for this listing only.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return doTasks(a, f, stdout)
		},
	}

	f.register(cmd)
	cmd.Flags().StringVarP(&f.search, "search", "q", "", "Search text in title and description")
	cmd.Flags().IntVar(&f.page, "page", 1, "Page number")
	cmd.Flags().IntVar(&f.pageSize, "page-size", 0, "Tasks per page (default from config)")
	return cmd
}

// register adds the filter and sort flags shared by 'tasks' and 'prefs set'
func (f *listFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.status, "status", "s", "", "Filter by status name or id")
	cmd.Flags().StringVarP(&f.priority, "priority", "p", "", "Filter by priority name or id")
	cmd.Flags().StringVarP(&f.taskType, "type", "t", "", "Filter by task type name or id")
	cmd.Flags().StringVar(&f.duration, "duration", "", "Filter by duration name or id")
	cmd.Flags().StringVar(&f.from, "from", "", "Deadline on or after (YYYY-MM-DD, today, +7d)")
	cmd.Flags().StringVar(&f.to, "to", "", "Deadline on or before (YYYY-MM-DD, today, +7d)")
	cmd.Flags().BoolVar(&f.completed, "completed", false, "Only completed tasks")
	cmd.Flags().BoolVar(&f.open, "open", false, "Only open tasks")
	cmd.Flags().BoolVarP(&f.all, "all", "a", false, "Open and completed tasks")
	cmd.Flags().StringVar(&f.sortBy, "sort", "", "Sort field (deadline, title, priority, created_at)")
	cmd.Flags().StringVar(&f.order, "order", "", "Sort order (asc, desc)")
	cmd.MarkFlagsMutuallyExclusive("completed", "open", "all")
}

// filters overlays the flags onto base. changed reports whether any filter flag was given.
func (f *listFlags) filters(base backend.Filters, s *backend.Settings) (out backend.Filters, changed bool, err error) {
	out = base.Clone()
	set := func(dst **int64, kind, value string, find func(string) (int64, bool)) {
		if err != nil || value == "" {
			return
		}
		var id *int64
		if id, err = resolveSetting(kind, value, find); err == nil {
			*dst = id
			changed = true
		}
	}
	set(&out.StatusID, "status", f.status, statusFinder(s))
	set(&out.PriorityID, "priority", f.priority, priorityFinder(s))
	set(&out.TypeID, "type", f.taskType, typeFinder(s))
	set(&out.DurationID, "duration", f.duration, durationFinder(s))
	if err != nil {
		return out, false, err
	}

	if f.from != "" {
		if out.DeadlineFrom, err = utils.ParseDateFlag(f.from); err != nil {
			return out, false, err
		}
		changed = true
	}
	if f.to != "" {
		if out.DeadlineTo, err = utils.ParseDateFlag(f.to); err != nil {
			return out, false, err
		}
		changed = true
	}
	if err := utils.ValidateDeadlineRange(out.DeadlineFrom, out.DeadlineTo); err != nil {
		return out, false, err
	}

	switch {
	case f.completed:
		out.IsCompleted = backend.Bool(true)
		changed = true
	case f.open:
		out.IsCompleted = backend.Bool(false)
		changed = true
	case f.all:
		out.IsCompleted = nil
		changed = true
	}
	return out, changed, nil
}

func doTasks(a *app, f *listFlags, stdout io.Writer) error {
	if err := a.requireLogin(); err != nil {
		return err
	}
	if f.page < 1 {
		return &backend.ValidationError{Field: "page", Message: "must be 1 or greater"}
	}
	pageSize := a.cfg.GetPageSize()
	if f.pageSize > 0 {
		pageSize = min(f.pageSize, config.MaxPageSize)
	}

	ctrl := query.New(a.client, readOnlyPrefs{a.prefs},
		query.WithReferenceSource(a.references()),
		query.WithPageSize(pageSize),
		query.WithMetrics(a.metrics),
		query.WithInitialQuery(f.overlay),
	)
	if err := ctrl.Start(a.Context()); err != nil {
		return err
	}
	ctrl.Wait()

	snap := ctrl.Snapshot()
	if snap.State == query.Error {
		return a.wrap(snap.Err)
	}
	return printTaskPage(snap.Page, a.opts.JSON, stdout)
}

// overlay applies the flags to the query built from saved preferences
func (f *listFlags) overlay(q query.Query, ref query.Reference) (query.Query, error) {
	settings := ref.Settings
	settings.TaskTypes = ref.TaskTypes

	filters, changed, err := f.filters(q.Filters, &settings)
	if err != nil {
		return q, err
	}
	if changed {
		q.Filters = filters
	}
	if f.sortBy != "" || f.order != "" {
		order, err := utils.NormalizeSortOrder(f.order)
		if err != nil {
			return q, err
		}
		if f.sortBy != "" {
			q.SortField = strings.TrimSpace(f.sortBy)
		}
		q.SortDirection = order
		if q.SortField == "" {
			q.SortDirection = ""
		}
	}
	q.SearchText = strings.TrimSpace(f.search)
	q.Page = f.page
	return q, nil
}

func printTaskPage(page *backend.TaskPage, jsonOutput bool, stdout io.Writer) error {
	if page == nil {
		page = &backend.TaskPage{}
	}
	if jsonOutput {
		tasks := make([]taskJSON, 0, len(page.Items))
		for i := range page.Items {
			tasks = append(tasks, taskToJSON(&page.Items[i]))
		}
		return writeJSON(stdout, listTasksResponse{
			Tasks:      tasks,
			Page:       page.CurrentPage,
			TotalPages: page.TotalPages,
			TotalItems: page.TotalItems,
			Result:     ResultInfoOnly,
		})
	}

	if len(page.Items) == 0 {
		_, _ = fmt.Fprintln(stdout, "No tasks found")
		return nil
	}
	for _, t := range page.Items {
		mark := "[ ]"
		if t.IsCompleted() {
			mark = "[x]"
		}
		_, _ = fmt.Fprintf(stdout, "%s %s\n", mark, prompt.FormatTaskLine(t))
	}
	_, _ = fmt.Fprintf(stdout, "Page %d/%d (%d tasks)\n", page.CurrentPage, max(page.TotalPages, 1), page.TotalItems)
	return nil
}

func newTaskCmd(stdout io.Writer, opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, show, edit and delete single tasks",
		Long:  "Tasks are referenced by id, or by part of their title. When several tasks match, you are asked to pick one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newTaskAddCmd(stdout, opts))
	cmd.AddCommand(newTaskGetCmd(stdout, opts))
	cmd.AddCommand(newTaskUpdateCmd(stdout, opts))
	cmd.AddCommand(newTaskDoneCmd(stdout, opts, true))
	cmd.AddCommand(newTaskDoneCmd(stdout, opts, false))
	cmd.AddCommand(newTaskDeleteCmd(stdout, opts))
	return cmd
}

// addTaskFlags registers the flags shared by add and update
func addTaskFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("description", "d", "", "Task description")
	cmd.Flags().StringP("status", "s", "", "Status name or id")
	cmd.Flags().StringP("priority", "p", "", "Priority name or id")
	cmd.Flags().StringP("type", "t", "", "Task type name or id")
	cmd.Flags().String("duration", "", "Duration name or id; sets the deadline unless --deadline is given")
	cmd.Flags().String("deadline", "", "Deadline (YYYY-MM-DD, today, tomorrow, +Nd, +Nw, +Nm)")
}

// taskInputFromFlags builds the create or update body from the flags that were set.
// Settings are fetched only when a name has to be resolved.
func taskInputFromFlags(a *app, cmd *cobra.Command) (backend.TaskInput, error) {
	var in backend.TaskInput
	if cmd.Flags().Changed("title") {
		title, _ := cmd.Flags().GetString("title")
		in.Title = backend.String(title)
	}
	if cmd.Flags().Changed("description") {
		d, _ := cmd.Flags().GetString("description")
		in.Description = backend.String(d)
	}

	var settings *backend.Settings
	lookup := func(dst **int64, flag, kind string, finder func(*backend.Settings) func(string) (int64, bool)) error {
		value, _ := cmd.Flags().GetString(flag)
		if value == "" {
			return nil
		}
		if settings == nil {
			if _, err := strconv.ParseInt(value, 10, 64); err != nil {
				s, err := a.settings(a.Context())
				if err != nil {
					return err
				}
				settings = s
			} else {
				settings = &backend.Settings{}
			}
		}
		id, err := resolveSetting(kind, value, finder(settings))
		if err != nil {
			return err
		}
		*dst = id
		return nil
	}
	if err := lookup(&in.StatusID, "status", "status", statusFinder); err != nil {
		return in, err
	}
	if err := lookup(&in.PriorityID, "priority", "priority", priorityFinder); err != nil {
		return in, err
	}
	if err := lookup(&in.TypeID, "type", "type", typeFinder); err != nil {
		return in, err
	}
	if err := lookup(&in.DurationID, "duration", "duration", durationFinder); err != nil {
		return in, err
	}

	if value, _ := cmd.Flags().GetString("deadline"); value != "" {
		deadline, err := utils.ParseDateFlag(value)
		if err != nil {
			return in, err
		}
		in.Deadline = deadline
	}
	return in, nil
}

// fillDeadline asks the API for the deadline of the chosen duration
func fillDeadline(a *app, in *backend.TaskInput) error {
	if in.DurationID == nil || in.Deadline != nil {
		return nil
	}
	deadline, err := a.client.CalculateDeadline(a.Context(), *in.DurationID, nil)
	if err != nil {
		return a.wrap(err)
	}
	in.Deadline = &deadline
	return nil
}

func newTaskAddCmd(stdout io.Writer, opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add [title...]",
		Short: "Create a task",
		Long:  "Create a task. Without a title the fields are asked for one by one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireLogin(); err != nil {
				return err
			}

			var in backend.TaskInput
			title := strings.TrimSpace(strings.Join(args, " "))
			if title == "" {
				settings, err := a.settings(a.Context())
				if err != nil {
					return err
				}
				adder := &prompt.InteractiveAdder{
					Settings: *settings,
					Reader:   a.opts.input(),
					Writer:   stdout,
					NoPrompt: a.opts.NoPrompt,
				}
				collected, err := adder.Run()
				if errors.Is(err, prompt.ErrNoPromptMode) {
					return &backend.ValidationError{Field: "title", Message: "title is required"}
				}
				if err != nil {
					return err
				}
				in = *collected
			} else {
				if in, err = taskInputFromFlags(a, cmd); err != nil {
					return err
				}
				in.Title = backend.String(title)
			}

			if err := in.Validate(true); err != nil {
				return err
			}
			if err := fillDeadline(a, &in); err != nil {
				return err
			}
			task, err := a.client.CreateTask(a.Context(), in)
			if err != nil {
				return a.wrap(err)
			}

			if a.opts.JSON {
				return outputActionJSON("add", task, stdout)
			}
			_, _ = fmt.Fprintf(stdout, "Created task #%d: %s\n", task.ID, task.Title)
			return nil
		},
	}
	addTaskFlags(cmd)
	return cmd
}

// findTask resolves a numeric id or a title fragment to one task
func findTask(a *app, ref string, stdout io.Writer) (*backend.Task, error) {
	ctx := a.Context()
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		task, err := a.client.GetTask(ctx, id)
		if rest.IsNotFound(err) {
			return nil, utils.ErrTaskNotFound(id)
		}
		if err != nil {
			return nil, a.wrap(err)
		}
		return task, nil
	}

	page, err := a.client.SearchTasks(ctx, backend.PageRequest{
		Search:   ref,
		Page:     1,
		PageSize: config.MaxPageSize,
	})
	if err != nil {
		return nil, a.wrap(err)
	}

	selector := &prompt.TaskSelector{
		Tasks:    page.Items,
		Prompt:   fmt.Sprintf("Several tasks match %q:", ref),
		Reader:   a.opts.input(),
		Writer:   stdout,
		NoPrompt: a.opts.NoPrompt,
	}
	task, err := selector.Run()
	switch {
	case errors.Is(err, prompt.ErrNoTasks):
		return nil, utils.WrapWithSuggestion(fmt.Errorf("no task matches %q", ref), "Use 'planner tasks --all' to see task IDs")
	case errors.Is(err, prompt.ErrNoPromptMode):
		return nil, utils.WrapWithSuggestion(fmt.Errorf("%d tasks match %q", len(page.Items), ref), "Use the task ID instead")
	case err != nil:
		return nil, err
	}
	return task, nil
}

func newTaskGetCmd(stdout io.Writer, opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id|title>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireLogin(); err != nil {
				return err
			}

			task, err := findTask(a, args[0], stdout)
			if err != nil {
				return err
			}
			if a.opts.JSON {
				return writeJSON(stdout, taskToJSON(task))
			}
			printTaskDetails(task, stdout)
			return nil
		},
	}
}

func printTaskDetails(t *backend.Task, stdout io.Writer) {
	_, _ = fmt.Fprintf(stdout, "#%d %s\n", t.ID, t.Title)
	row := func(label, value string) {
		if value != "" {
			_, _ = fmt.Fprintf(stdout, "  %-10s %s\n", label+":", value)
		}
	}
	if t.Status != nil {
		row("Status", t.Status.Name)
	} else if t.IsCompleted() {
		row("Status", "done")
	}
	if t.Priority != nil {
		row("Priority", t.Priority.Name)
	}
	if t.Type != nil {
		row("Type", t.Type.Name)
	}
	if t.Duration != nil {
		row("Duration", t.Duration.Name)
	}
	if t.Deadline != nil {
		due := t.Deadline.Format("2006-01-02")
		if t.IsOverdue && !t.IsCompleted() {
			due += " (overdue)"
		}
		row("Deadline", due)
	}
	if !t.CreatedAt.IsZero() {
		row("Created", t.CreatedAt.Local().Format(time.DateTime))
	}
	if t.CompletedAt != nil {
		row("Completed", t.CompletedAt.Local().Format(time.DateTime))
	}
	if len(t.Tags) > 0 {
		row("Tags", strings.Join(t.Tags, ", "))
	}
	if t.Description != nil && *t.Description != "" {
		_, _ = fmt.Fprintf(stdout, "\n%s\n", *t.Description)
	}
}

func newTaskUpdateCmd(stdout io.Writer, opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <id|title>",
		Short: "Edit a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireLogin(); err != nil {
				return err
			}

			in, err := taskInputFromFlags(a, cmd)
			if err != nil {
				return err
			}
			if in == (backend.TaskInput{}) {
				return fmt.Errorf("nothing to update: pass --title, --description, --status, --priority, --type, --duration or --deadline")
			}
			if err := in.Validate(false); err != nil {
				return err
			}

			task, err := findTask(a, args[0], stdout)
			if err != nil {
				return err
			}
			if err := fillDeadline(a, &in); err != nil {
				return err
			}
			updated, err := a.client.UpdateTask(a.Context(), task.ID, in)
			if err != nil {
				return a.wrap(err)
			}

			if a.opts.JSON {
				return outputActionJSON("update", updated, stdout)
			}
			_, _ = fmt.Fprintf(stdout, "Updated task #%d: %s\n", updated.ID, updated.Title)
			return nil
		},
	}
	cmd.Flags().String("title", "", "New title")
	addTaskFlags(cmd)
	return cmd
}

// newTaskDoneCmd builds 'done' (move to a final status) or 'reopen' (back to an open one)
func newTaskDoneCmd(stdout io.Writer, opts *Options, done bool) *cobra.Command {
	use, short, action := "done <id|title>", "Mark a task as completed", "complete"
	if !done {
		use, short, action = "reopen <id|title>", "Mark a completed task as open", "reopen"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireLogin(); err != nil {
				return err
			}

			task, err := findTask(a, args[0], stdout)
			if err != nil {
				return err
			}
			settings, err := a.settings(a.Context())
			if err != nil {
				return err
			}
			status := completionStatus(settings, done)
			if status == nil {
				return utils.WrapWithSuggestion(
					fmt.Errorf("no status to %s tasks with", action),
					"Create one with 'planner settings status add'")
			}

			updated, err := a.client.UpdateTask(a.Context(), task.ID, backend.TaskInput{StatusID: backend.Int64(status.ID)})
			if err != nil {
				return a.wrap(err)
			}
			if a.opts.JSON {
				return outputActionJSON(action, updated, stdout)
			}
			_, _ = fmt.Fprintf(stdout, "Task #%d is now %s\n", updated.ID, status.Name)
			return nil
		},
	}
}

// completionStatus picks the status a task moves to: a final one to complete,
// an open one to reopen. The default status wins within each group.
func completionStatus(s *backend.Settings, final bool) *backend.Status {
	var pick *backend.Status
	for i := range s.Statuses {
		st := &s.Statuses[i]
		if st.IsFinal != final {
			continue
		}
		if pick == nil || (st.IsDefault && !pick.IsDefault) {
			pick = st
		}
	}
	return pick
}

func newTaskDeleteCmd(stdout io.Writer, opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|title>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireLogin(); err != nil {
				return err
			}

			task, err := findTask(a, args[0], stdout)
			if err != nil {
				return err
			}
			if !a.opts.NoPrompt {
				question := fmt.Sprintf("Delete task #%d %q?", task.ID, task.Title)
				if !utils.PromptYesNoWithReader(question, a.opts.input(), stdout) {
					_, _ = fmt.Fprintln(stdout, "Cancelled")
					return nil
				}
			}
			if err := a.client.DeleteTask(a.Context(), task.ID); err != nil {
				return a.wrap(err)
			}

			if a.opts.JSON {
				return outputActionJSON("delete", task, stdout)
			}
			_, _ = fmt.Fprintf(stdout, "Deleted task #%d\n", task.ID)
			return nil
		},
	}
}
