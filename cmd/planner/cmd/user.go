package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"planner/backend"
	"planner/internal/preferences"
	"planner/internal/utils"
)

func newPrefsCmd(stdout io.Writer, opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show or change the saved task filters and sort order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the saved preferences",
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

			p := a.prefs.Load(a.Context())
			if a.opts.JSON {
				return writeJSON(stdout, map[string]interface{}{"preferences": p, "result": ResultInfoOnly})
			}
			settings, err := a.settings(a.Context())
			if err != nil {
				utils.Debugf("Showing ids, reference data unavailable: %v", err)
				settings = &backend.Settings{}
			}
			printPreferences(p, settings, stdout)
			return nil
		},
	}

	f := &listFlags{}
	set := &cobra.Command{
		Use:   "set",
		Short: "Change the saved filters and sort order",
		Long:  "Flags override the saved preferences field by field; fields without a flag are kept.",
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

			current := a.prefs.Load(a.Context())
			settings, err := a.settings(a.Context())
			if err != nil {
				return err
			}
			filters, changed, err := f.filters(current.Filters, settings)
			if err != nil {
				return err
			}
			next := backend.Preferences{Filters: filters, SortBy: current.SortBy, SortOrder: current.SortOrder}
			if f.sortBy != "" {
				next.SortBy = f.sortBy
				changed = true
			}
			if f.order != "" {
				order, err := utils.NormalizeSortOrder(f.order)
				if err != nil {
					return err
				}
				next.SortOrder = order
				changed = true
			}
			if !changed {
				return fmt.Errorf("nothing to change: pass a filter or --sort/--order")
			}
			return savePreferences(a, next, stdout)
		},
	}
	f.register(set)

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Restore the default preferences",
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

			a.prefs.Load(a.Context())
			return savePreferences(a, preferences.Default(), stdout)
		},
	}

	cmd.AddCommand(show, set, reset)
	return cmd
}

// savePreferences saves p and waits for the background write to finish
func savePreferences(a *app, p backend.Preferences, stdout io.Writer) error {
	if err := a.prefs.Save(p); err != nil {
		return err
	}
	a.prefs.Wait()
	select {
	case err := <-a.prefs.Errors():
		return a.wrap(err)
	default:
	}

	if a.opts.JSON {
		return writeJSON(stdout, map[string]interface{}{"preferences": p, "result": ResultActionCompleted})
	}
	_, _ = fmt.Fprintln(stdout, "Preferences saved")
	return nil
}

func printPreferences(p backend.Preferences, s *backend.Settings, stdout io.Writer) {
	name := func(id *int64, lookup func(int64) string) string {
		if id == nil {
			return "any"
		}
		if n := lookup(*id); n != "" {
			return n
		}
		return fmt.Sprintf("#%d", *id)
	}
	statusName := func(id int64) string {
		for _, v := range s.Statuses {
			if v.ID == id {
				return v.Name
			}
		}
		return ""
	}
	priorityName := func(id int64) string {
		for _, v := range s.Priorities {
			if v.ID == id {
				return v.Name
			}
		}
		return ""
	}
	typeName := func(id int64) string {
		for _, v := range s.TaskTypes {
			if v.ID == id {
				return v.Name
			}
		}
		return ""
	}
	durationName := func(id int64) string {
		for _, v := range s.Durations {
			if v.ID == id {
				return v.Name
			}
		}
		return ""
	}

	show := "all"
	if c := p.Filters.IsCompleted; c != nil {
		show = "open"
		if *c {
			show = "completed"
		}
	}
	deadline := "any"
	if from, to := p.Filters.DeadlineFrom, p.Filters.DeadlineTo; from != nil || to != nil {
		var parts []string
		if from != nil {
			parts = append(parts, "from "+from.Format("2006-01-02"))
		}
		if to != nil {
			parts = append(parts, "to "+to.Format("2006-01-02"))
		}
		deadline = strings.Join(parts, " ")
	}
	sortBy := p.SortBy
	if sortBy == "" {
		sortBy = "none"
	}

	_, _ = fmt.Fprintf(stdout, "Status:   %s\n", name(p.Filters.StatusID, statusName))
	_, _ = fmt.Fprintf(stdout, "Priority: %s\n", name(p.Filters.PriorityID, priorityName))
	_, _ = fmt.Fprintf(stdout, "Type:     %s\n", name(p.Filters.TypeID, typeName))
	_, _ = fmt.Fprintf(stdout, "Duration: %s\n", name(p.Filters.DurationID, durationName))
	_, _ = fmt.Fprintf(stdout, "Deadline: %s\n", deadline)
	_, _ = fmt.Fprintf(stdout, "Show:     %s\n", show)
	_, _ = fmt.Fprintf(stdout, "Sort:     %s %s\n", sortBy, p.SortOrder)
}

func newLanguageCmd(stdout io.Writer, opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "language [code]",
		Short: "Show or set the interface language",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireLogin(); err != nil {
				return err
			}

			if len(args) == 1 {
				if err := a.client.SetLanguage(a.Context(), args[0]); err != nil {
					return a.wrap(err)
				}
				_, _ = fmt.Fprintf(stdout, "Language set to %s\n", args[0])
				return nil
			}
			lang, err := a.client.GetLanguage(a.Context())
			if err != nil {
				return a.wrap(err)
			}
			if a.opts.JSON {
				return writeJSON(stdout, map[string]string{"language": lang, "result": ResultInfoOnly})
			}
			_, _ = fmt.Fprintln(stdout, lang)
			return nil
		},
	}
}

func newTimezoneCmd(stdout io.Writer, opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "timezone [name]",
		Short: "Show or set your timezone",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireLogin(); err != nil {
				return err
			}

			if len(args) == 1 {
				if err := a.client.SetTimezone(a.Context(), args[0]); err != nil {
					return a.wrap(err)
				}
				_, _ = fmt.Fprintf(stdout, "Timezone set to %s\n", args[0])
				return nil
			}
			tz, err := a.client.GetTimezone(a.Context())
			if err != nil {
				return a.wrap(err)
			}
			if a.opts.JSON {
				return writeJSON(stdout, map[string]string{"timezone": tz, "result": ResultInfoOnly})
			}
			_, _ = fmt.Fprintln(stdout, tz)
			return nil
		},
	}
}

func newTimezonesCmd(stdout io.Writer, opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timezones",
		Short: "List the timezones the API accepts",
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

			zones, err := a.client.ListTimezones(a.Context())
			if err != nil {
				return a.wrap(err)
			}
			filter, _ := cmd.Flags().GetString("filter")
			filter = strings.ToLower(filter)
			matched := zones[:0]
			for _, z := range zones {
				if filter == "" || strings.Contains(strings.ToLower(z.Value+" "+z.Label), filter) {
					matched = append(matched, z)
				}
			}

			if a.opts.JSON {
				return writeJSON(stdout, map[string]interface{}{"timezones": matched, "result": ResultInfoOnly})
			}
			for _, z := range matched {
				_, _ = fmt.Fprintf(stdout, "%-32s %s\n", z.Value, z.Label)
			}
			return nil
		},
	}
	cmd.Flags().String("filter", "", "Only show timezones containing this text")
	return cmd
}
