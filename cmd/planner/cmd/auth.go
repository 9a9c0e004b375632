package cmd

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"planner/internal/session"
	"planner/internal/utils"
)

// telegramLoginTimeout bounds the wait for the browser redirect
const telegramLoginTimeout = 5 * time.Minute

func newLoginCmd(stdout, stderr io.Writer, opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the planner API",
		Long: "Sign in with a username and password, or with --telegram through the browser.\n" +
			"Missing username or password are asked for interactively.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			telegram, _ := cmd.Flags().GetBool("telegram")
			if telegram {
				noBrowser, _ := cmd.Flags().GetBool("no-browser")
				return doTelegramLogin(a, stdout, stderr, noBrowser)
			}

			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			return doLogin(a, username, password, stdout)
		},
	}

	cmd.Flags().StringP("username", "u", "", "Username")
	cmd.Flags().StringP("password", "p", "", "Password (prompted for when omitted)")
	cmd.Flags().Bool("telegram", false, "Sign in with Telegram in the browser")
	cmd.Flags().Bool("no-browser", false, "Print the Telegram login URL instead of opening a browser")
	return cmd
}

func doLogin(a *app, username, password string, stdout io.Writer) error {
	var err error
	if username == "" {
		if a.opts.NoPrompt {
			return fmt.Errorf("--username is required with --no-prompt")
		}
		if username, err = utils.PromptLine("Username: ", a.opts.input(), stdout); err != nil {
			return err
		}
	}
	if password == "" {
		if a.opts.NoPrompt {
			return fmt.Errorf("--password is required with --no-prompt")
		}
		if password, err = utils.PromptSecret("Password: ", a.opts.secretInput(), stdout); err != nil {
			return err
		}
	}

	if err := a.auth.Login(a.Context(), username, password); err != nil {
		return a.wrap(err)
	}
	user := a.store.Get().UserID
	if a.opts.JSON {
		return writeJSON(stdout, map[string]string{"user": user, "result": ResultActionCompleted})
	}
	_, _ = fmt.Fprintf(stdout, "Logged in as %s\n", user)
	return nil
}

func doTelegramLogin(a *app, stdout, stderr io.Writer, noBrowser bool) error {
	cb, err := session.NewCallbackServer(a.cfg.GetCallbackAddr())
	if err != nil {
		return err
	}
	defer func() { _ = cb.Close() }()

	ctx, cancel := context.WithTimeout(a.Context(), telegramLoginTimeout)
	defer cancel()

	err = a.auth.LoginWithTelegram(ctx, cb, func(loginURL string) error {
		_, _ = fmt.Fprintf(stderr, "Open this URL to sign in with Telegram:\n  %s\n", loginURL)
		if noBrowser {
			return nil
		}
		if err := openBrowser(loginURL); err != nil {
			utils.Debugf("Could not open browser: %v", err)
		}
		return nil
	})
	if err != nil {
		return a.wrap(err)
	}
	_, _ = fmt.Fprintf(stdout, "Logged in as %s\n", a.store.Get().UserID)
	return nil
}

// openBrowser starts the platform URL handler without waiting for it
func openBrowser(u string) error {
	var c *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		c = exec.Command("open", u)
	case "windows":
		c = exec.Command("rundll32", "url.dll,FileProtocolHandler", u)
	default:
		c = exec.Command("xdg-open", u)
	}
	return c.Start()
}

func newLogoutCmd(stdout io.Writer, opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.store.IsAuthenticated() && a.store.Get().RefreshToken == "" {
				_, _ = fmt.Fprintln(stdout, "Not logged in")
				return nil
			}
			// The local session is gone even when the server call fails.
			if err := a.auth.Logout(a.Context()); err != nil {
				utils.Warnf("Server did not confirm logout: %v", err)
			}
			if a.opts.JSON {
				return writeJSON(stdout, map[string]string{"result": ResultActionCompleted})
			}
			_, _ = fmt.Fprintln(stdout, "Logged out")
			return nil
		},
	}
}

type statusResponse struct {
	Authenticated   bool   `json:"authenticated"`
	User            string `json:"user,omitempty"`
	BaseURL         string `json:"base_url"`
	CredentialStore string `json:"credential_store"`
	Result          string `json:"result"`
}

func newStatusCmd(stdout io.Writer, opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			creds := a.store.Get()
			resp := statusResponse{
				Authenticated:   a.store.IsAuthenticated(),
				User:            creds.UserID,
				BaseURL:         a.cfg.GetBaseURL(),
				CredentialStore: a.cfg.GetCredentialStore(),
				Result:          ResultInfoOnly,
			}
			if a.opts.JSON {
				return writeJSON(stdout, resp)
			}

			if resp.Authenticated {
				_, _ = fmt.Fprintf(stdout, "Logged in as %s\n", resp.User)
			} else {
				_, _ = fmt.Fprintln(stdout, "Not logged in")
			}
			_, _ = fmt.Fprintf(stdout, "API: %s\nCredentials: %s\n", resp.BaseURL, resp.CredentialStore)
			return nil
		},
	}
}

func newHealthCmd(stdout io.Writer, opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the API is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.client.Health(a.Context()); err != nil {
				return a.wrap(err)
			}
			if a.opts.JSON {
				return writeJSON(stdout, map[string]string{"status": "ok", "result": ResultInfoOnly})
			}
			_, _ = fmt.Fprintf(stdout, "API at %s is healthy\n", a.cfg.GetBaseURL())
			return nil
		},
	}
}
