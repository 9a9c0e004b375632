package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"planner/backend"
	"planner/backend/rest"
	"planner/internal/utils"
)

// settingRow is one status, priority, duration or task type as printed
type settingRow struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Details   string `json:"details,omitempty"`
	IsActive  bool   `json:"is_active"`
	IsDefault bool   `json:"is_default"`
}

// settingKind adapts one settings resource to the generic list/add/update/delete commands
type settingKind struct {
	use      string
	plural   string
	resource string
	rows     func(s *backend.Settings) []settingRow
	find     func(s *backend.Settings) func(string) (int64, bool)
	flags    func(cmd *cobra.Command)
	create   func(ctx context.Context, c *rest.Client, cmd *cobra.Command) (settingRow, error)
	update   func(ctx context.Context, c *rest.Client, id int64, cmd *cobra.Command) (settingRow, error)
}

func stringFlag(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}

func intFlag(cmd *cobra.Command, name string) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetInt(name)
	return &v
}

func boolFlag(cmd *cobra.Command, name string) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetBool(name)
	return &v
}

func commonSettingFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "Name")
	cmd.Flags().String("color", "", "Color (e.g. #ff8800)")
	cmd.Flags().Int("order", 0, "Sort position")
	cmd.Flags().Bool("active", true, "Whether the entry can be chosen")
	cmd.Flags().Bool("default", false, "Use as the default for new tasks")
}

func flagList(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}

func statusRow(s backend.Status) settingRow {
	var code, final string
	if s.Code != "" {
		code = "code=" + s.Code
	}
	if s.IsFinal {
		final = "final"
	}
	return settingRow{
		ID: s.ID, Name: s.Name, IsActive: s.IsActive, IsDefault: s.IsDefault,
		Details: flagList(code, final),
	}
}

func priorityRow(p backend.Priority) settingRow {
	return settingRow{ID: p.ID, Name: p.Name, IsActive: p.IsActive, IsDefault: p.IsDefault}
}

func durationRow(d backend.Duration) settingRow {
	return settingRow{
		ID: d.ID, Name: d.Name, IsActive: d.IsActive, IsDefault: d.IsDefault,
		Details: fmt.Sprintf("%d %s", d.Value, d.Type),
	}
}

func taskTypeRow(t backend.TaskType) settingRow {
	return settingRow{ID: t.ID, Name: t.Name, IsActive: t.IsActive, IsDefault: t.IsDefault, Details: t.Description}
}

func durationType(cmd *cobra.Command) (*backend.DurationType, error) {
	v := stringFlag(cmd, "unit")
	if v == nil {
		return nil, nil
	}
	dt := backend.DurationType(strings.ToLower(*v))
	if !dt.Valid() {
		return nil, utils.ErrInvalidDurationType(*v, backend.DurationTypes())
	}
	return &dt, nil
}

var settingKinds = []settingKind{
	{
		use: "status", plural: "statuses", resource: rest.ResourceStatus,
		rows: func(s *backend.Settings) []settingRow {
			rows := make([]settingRow, 0, len(s.Statuses))
			for _, v := range s.Statuses {
				rows = append(rows, statusRow(v))
			}
			return rows
		},
		find: statusFinder,
		flags: func(cmd *cobra.Command) {
			cmd.Flags().String("code", "", "Short code (required on add)")
			cmd.Flags().Bool("final", false, "Tasks in this status count as completed")
		},
		create: func(ctx context.Context, c *rest.Client, cmd *cobra.Command) (settingRow, error) {
			out, err := c.CreateStatus(ctx, backend.StatusInput{
				Name: stringFlag(cmd, "name"), Code: stringFlag(cmd, "code"), Color: stringFlag(cmd, "color"),
				Order: intFlag(cmd, "order"), IsActive: boolFlag(cmd, "active"),
				IsDefault: boolFlag(cmd, "default"), IsFinal: boolFlag(cmd, "final"),
			})
			if err != nil {
				return settingRow{}, err
			}
			return statusRow(*out), nil
		},
		update: func(ctx context.Context, c *rest.Client, id int64, cmd *cobra.Command) (settingRow, error) {
			out, err := c.UpdateStatus(ctx, id, backend.StatusInput{
				Name: stringFlag(cmd, "name"), Code: stringFlag(cmd, "code"), Color: stringFlag(cmd, "color"),
				Order: intFlag(cmd, "order"), IsActive: boolFlag(cmd, "active"),
				IsDefault: boolFlag(cmd, "default"), IsFinal: boolFlag(cmd, "final"),
			})
			if err != nil {
				return settingRow{}, err
			}
			return statusRow(*out), nil
		},
	},
	{
		use: "priority", plural: "priorities", resource: rest.ResourcePriority,
		rows: func(s *backend.Settings) []settingRow {
			rows := make([]settingRow, 0, len(s.Priorities))
			for _, v := range s.Priorities {
				rows = append(rows, priorityRow(v))
			}
			return rows
		},
		find:  priorityFinder,
		flags: func(*cobra.Command) {},
		create: func(ctx context.Context, c *rest.Client, cmd *cobra.Command) (settingRow, error) {
			out, err := c.CreatePriority(ctx, backend.PriorityInput{
				Name: stringFlag(cmd, "name"), Color: stringFlag(cmd, "color"), Order: intFlag(cmd, "order"),
				IsActive: boolFlag(cmd, "active"), IsDefault: boolFlag(cmd, "default"),
			})
			if err != nil {
				return settingRow{}, err
			}
			return priorityRow(*out), nil
		},
		update: func(ctx context.Context, c *rest.Client, id int64, cmd *cobra.Command) (settingRow, error) {
			out, err := c.UpdatePriority(ctx, id, backend.PriorityInput{
				Name: stringFlag(cmd, "name"), Color: stringFlag(cmd, "color"), Order: intFlag(cmd, "order"),
				IsActive: boolFlag(cmd, "active"), IsDefault: boolFlag(cmd, "default"),
			})
			if err != nil {
				return settingRow{}, err
			}
			return priorityRow(*out), nil
		},
	},
	{
		use: "duration", plural: "durations", resource: rest.ResourceDuration,
		rows: func(s *backend.Settings) []settingRow {
			rows := make([]settingRow, 0, len(s.Durations))
			for _, v := range s.Durations {
				rows = append(rows, durationRow(v))
			}
			return rows
		},
		find: durationFinder,
		flags: func(cmd *cobra.Command) {
			cmd.Flags().String("unit", "", "Unit: days, weeks, months or years (required on add)")
			cmd.Flags().Int("value", 0, "Number of units (required on add)")
		},
		create: func(ctx context.Context, c *rest.Client, cmd *cobra.Command) (settingRow, error) {
			unit, err := durationType(cmd)
			if err != nil {
				return settingRow{}, err
			}
			out, err := c.CreateDuration(ctx, backend.DurationInput{
				Name: stringFlag(cmd, "name"), Type: unit, Value: intFlag(cmd, "value"),
				IsActive: boolFlag(cmd, "active"), IsDefault: boolFlag(cmd, "default"),
			})
			if err != nil {
				return settingRow{}, err
			}
			return durationRow(*out), nil
		},
		update: func(ctx context.Context, c *rest.Client, id int64, cmd *cobra.Command) (settingRow, error) {
			unit, err := durationType(cmd)
			if err != nil {
				return settingRow{}, err
			}
			out, err := c.UpdateDuration(ctx, id, backend.DurationInput{
				Name: stringFlag(cmd, "name"), Type: unit, Value: intFlag(cmd, "value"),
				IsActive: boolFlag(cmd, "active"), IsDefault: boolFlag(cmd, "default"),
			})
			if err != nil {
				return settingRow{}, err
			}
			return durationRow(*out), nil
		},
	},
	{
		use: "type", plural: "task types", resource: rest.ResourceTaskType,
		rows: func(s *backend.Settings) []settingRow {
			rows := make([]settingRow, 0, len(s.TaskTypes))
			for _, v := range s.TaskTypes {
				rows = append(rows, taskTypeRow(v))
			}
			return rows
		},
		find: typeFinder,
		flags: func(cmd *cobra.Command) {
			cmd.Flags().String("description", "", "Description")
		},
		create: func(ctx context.Context, c *rest.Client, cmd *cobra.Command) (settingRow, error) {
			out, err := c.CreateTaskType(ctx, backend.TaskTypeInput{
				Name: stringFlag(cmd, "name"), Description: stringFlag(cmd, "description"),
				Color: stringFlag(cmd, "color"), Order: intFlag(cmd, "order"),
				IsActive: boolFlag(cmd, "active"), IsDefault: boolFlag(cmd, "default"),
			})
			if err != nil {
				return settingRow{}, err
			}
			return taskTypeRow(*out), nil
		},
		update: func(ctx context.Context, c *rest.Client, id int64, cmd *cobra.Command) (settingRow, error) {
			out, err := c.UpdateTaskType(ctx, id, backend.TaskTypeInput{
				Name: stringFlag(cmd, "name"), Description: stringFlag(cmd, "description"),
				Color: stringFlag(cmd, "color"), Order: intFlag(cmd, "order"),
				IsActive: boolFlag(cmd, "active"), IsDefault: boolFlag(cmd, "default"),
			})
			if err != nil {
				return settingRow{}, err
			}
			return taskTypeRow(*out), nil
		},
	},
}

func kindByUse(use string) settingKind {
	for _, k := range settingKinds {
		if k.use == use {
			return k
		}
	}
	panic("unknown setting kind " + use)
}

func newSettingsCmd(stdout io.Writer, opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage statuses, priorities, durations and task types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	for _, kind := range settingKinds {
		cmd.AddCommand(newSettingKindCmd(kind, stdout, opts))
	}
	return cmd
}

func newSettingKindCmd(kind settingKind, stdout io.Writer, opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   kind.use,
		Short: "Manage " + kind.plural,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List " + kind.plural,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireLogin(); err != nil {
				return err
			}

			settings, err := a.settings(a.Context())
			if err != nil {
				return err
			}
			rows := kind.rows(settings)
			if a.opts.JSON {
				return writeJSON(stdout, map[string]interface{}{kind.resource: rows, "result": ResultInfoOnly})
			}
			if len(rows) == 0 {
				_, _ = fmt.Fprintf(stdout, "No %s defined\n", kind.plural)
				return nil
			}
			for _, r := range rows {
				printSettingRow(r, stdout)
			}
			return nil
		},
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Create a " + kind.use,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireLogin(); err != nil {
				return err
			}

			row, err := kind.create(a.Context(), a.client, cmd)
			if err != nil {
				return a.wrap(err)
			}
			a.invalidate(a.Context())
			return printSettingResult("add", kind, row, a.opts.JSON, stdout)
		},
	}
	commonSettingFlags(add)
	kind.flags(add)

	update := &cobra.Command{
		Use:   "update <id|name>",
		Short: "Edit a " + kind.use,
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

			id, err := resolveSettingArg(a, kind, args[0])
			if err != nil {
				return err
			}
			row, err := kind.update(a.Context(), a.client, id, cmd)
			if err != nil {
				return a.wrap(err)
			}
			a.invalidate(a.Context())
			return printSettingResult("update", kind, row, a.opts.JSON, stdout)
		},
	}
	commonSettingFlags(update)
	kind.flags(update)

	del := &cobra.Command{
		Use:   "delete <id|name>",
		Short: "Delete a " + kind.use,
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

			id, err := resolveSettingArg(a, kind, args[0])
			if err != nil {
				return err
			}
			if !a.opts.NoPrompt {
				question := fmt.Sprintf("Delete %s %s?", kind.use, args[0])
				if !utils.PromptYesNoWithReader(question, a.opts.input(), stdout) {
					_, _ = fmt.Fprintln(stdout, "Cancelled")
					return nil
				}
			}
			if err := a.client.DeleteSetting(a.Context(), kind.resource, id); err != nil {
				return a.wrap(err)
			}
			a.invalidate(a.Context())

			if a.opts.JSON {
				return writeJSON(stdout, map[string]interface{}{"action": "delete", "id": id, "result": ResultActionCompleted})
			}
			_, _ = fmt.Fprintf(stdout, "Deleted %s %d\n", kind.use, id)
			return nil
		},
	}

	cmd.AddCommand(list, add, update, del)
	return cmd
}

// resolveSettingArg maps a command argument to an id. Numeric arguments are used as is.
func resolveSettingArg(a *app, kind settingKind, arg string) (int64, error) {
	settings := &backend.Settings{}
	if _, err := strconv.ParseInt(arg, 10, 64); err != nil {
		s, err := a.settings(a.Context())
		if err != nil {
			return 0, err
		}
		settings = s
	}
	id, err := resolveSetting(kind.use, arg, kind.find(settings))
	if err != nil {
		return 0, err
	}
	return *id, nil
}

func printSettingRow(r settingRow, stdout io.Writer) {
	var marks []string
	if r.IsDefault {
		marks = append(marks, "default")
	}
	if !r.IsActive {
		marks = append(marks, "inactive")
	}
	line := fmt.Sprintf("%-4d %-20s", r.ID, r.Name)
	if details := flagList(append([]string{r.Details}, marks...)...); details != "" {
		line += " " + details
	}
	_, _ = fmt.Fprintln(stdout, strings.TrimRight(line, " "))
}

func printSettingResult(action string, kind settingKind, row settingRow, jsonOutput bool, stdout io.Writer) error {
	if jsonOutput {
		return writeJSON(stdout, map[string]interface{}{"action": action, kind.use: row, "result": ResultActionCompleted})
	}
	verb := "Created"
	if action == "update" {
		verb = "Updated"
	}
	_, _ = fmt.Fprintf(stdout, "%s %s %d: %s\n", verb, kind.use, row.ID, row.Name)
	return nil
}

func newDeadlineCmd(stdout io.Writer, opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadline <duration>",
		Short: "Show the deadline a duration yields",
		Long:  "Ask the API which deadline a duration (by name or id) gives, counted from today or from --from.",
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

			fromFlag, _ := cmd.Flags().GetString("from")
			from, err := utils.ParseDateFlag(fromFlag)
			if err != nil {
				return err
			}
			id, err := resolveSettingArg(a, kindByUse("duration"), args[0])
			if err != nil {
				return err
			}
			deadline, err := a.client.CalculateDeadline(a.Context(), id, from)
			if err != nil {
				return a.wrap(err)
			}

			if a.opts.JSON {
				return writeJSON(stdout, map[string]string{"deadline": deadline.Format(time.RFC3339), "result": ResultInfoOnly})
			}
			_, _ = fmt.Fprintf(stdout, "Deadline: %s\n", deadline.Format("2006-01-02"))
			return nil
		},
	}
	cmd.Flags().String("from", "", "Start date (default: now)")
	return cmd
}
