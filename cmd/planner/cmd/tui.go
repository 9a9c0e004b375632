package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"planner/internal/query"
	"planner/internal/tui"
	"planner/internal/utils"
)

func newTUICmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Browse and edit tasks in a terminal UI",
		Long: "Open the interactive task browser. Filter and sort changes made here are saved\n" +
			"as your preferences; paging, searching and refreshing are not.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireLogin(); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(a.Context())
			defer cancel()

			if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
				go func() {
					if err := a.metrics.Serve(ctx, addr); err != nil {
						utils.Warnf("Metrics endpoint stopped: %v", err)
					}
				}()
			}

			ctrl := query.New(a.client, a.prefs,
				query.WithReferenceSource(a.references()),
				query.WithPageSize(a.cfg.GetPageSize()),
				query.WithMetrics(a.metrics),
			)
			model := tui.New(ctx, ctrl, a.client)
			defer model.Close()

			p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx),
				tea.WithInput(cmd.InOrStdin()), tea.WithOutput(cmd.OutOrStdout()))
			var expiredCause atomic.Value
			a.gateway.OnSessionExpired(func(cause error) {
				expiredCause.Store(cause)
				// Send waits for the event loop; the hook runs on a request goroutine.
				go p.Send(tui.SessionExpiredMsg{})
			})

			final, err := p.Run()
			ctrl.Wait()
			if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("terminal UI: %w", err)
			}
			if m, ok := final.(*tui.Model); ok && m.Expired() {
				cause, _ := expiredCause.Load().(error)
				if cause == nil {
					cause = errors.New("refresh token rejected")
				}
				return utils.ErrSessionExpired(cause)
			}
			return nil
		},
	}
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while the UI runs (e.g. 127.0.0.1:9464)")
	return cmd
}
