// Package cmd implements the planner command line.
package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Version and Commit are set at build time
var (
	Version = "dev"
	Commit  = "none"
)

// Result codes printed in JSON output
const (
	ResultActionCompleted = "ACTION_COMPLETED"
	ResultInfoOnly        = "INFO_ONLY"
	ResultError           = "ERROR"
)

// Options carries what the caller injects into a run
type Options struct {
	NoPrompt   bool
	Verbose    bool
	JSON       bool
	ConfigPath string
	// Stdin feeds interactive prompts. Defaults to os.Stdin.
	Stdin io.Reader

	lines *lineReader
}

// input returns Stdin wrapped so consecutive prompts can share it
func (o *Options) input() io.Reader {
	if o.lines == nil {
		o.lines = &lineReader{r: bufio.NewReader(o.Stdin)}
	}
	return o.lines
}

// secretInput returns the raw terminal when there is one, so passwords are read
// without echo. A terminal in canonical mode delivers one line per read, so
// nothing is left behind in the line reader's buffer.
func (o *Options) secretInput() io.Reader {
	if f, ok := o.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return f
	}
	return o.input()
}

// lineReader hands out at most one line per Read. Every prompt builds its own
// scanner, and this keeps one scanner from swallowing the next prompt's answer.
type lineReader struct {
	r       *bufio.Reader
	pending []byte
}

func (l *lineReader) Read(p []byte) (int, error) {
	if len(l.pending) == 0 {
		line, err := l.r.ReadBytes('\n')
		if len(line) == 0 {
			return 0, err
		}
		l.pending = line
	}
	n := copy(p, l.pending)
	l.pending = l.pending[n:]
	return n, nil
}

// Execute runs the CLI with the given arguments and IO writers and returns the exit code
func Execute(args []string, stdout, stderr io.Writer, opts *Options) int {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}

	rootCmd := NewPlanner(stdout, stderr, opts)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetIn(opts.Stdin)

	if err := rootCmd.Execute(); err != nil {
		if opts.JSON || containsJSONFlag(args) {
			outputErrorJSON(err, stdout)
		} else {
			_, _ = fmt.Fprintln(stderr, "Error:", err)
		}
		return 1
	}
	return 0
}

func containsJSONFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--json" {
			return true
		}
	}
	return false
}

// NewPlanner creates the root command with injectable IO
func NewPlanner(stdout, stderr io.Writer, opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "planner",
		Short:   "A terminal client for the planner task API",
		Long:    "planner lists, creates and edits tasks on a planner server, from the command line or a terminal UI.",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("no-prompt"); v {
				opts.NoPrompt = true
			}
			if v, _ := cmd.Flags().GetBool("verbose"); v {
				opts.Verbose = true
			}
			if v, _ := cmd.Flags().GetBool("json"); v {
				opts.JSON = true
			}
			if v, _ := cmd.Flags().GetString("config"); v != "" {
				opts.ConfigPath = v
			}
		},
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("no-prompt", "y", false, "Disable interactive prompts")
	cmd.PersistentFlags().BoolP("verbose", "V", false, "Enable verbose/debug output")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/planner/config.yaml)")
	// Registered up front so command lookup knows --help takes no value.
	cmd.InitDefaultHelpFlag()

	cmd.AddCommand(newVersionCmd(stdout, opts))
	cmd.AddCommand(newLoginCmd(stdout, stderr, opts))
	cmd.AddCommand(newLogoutCmd(stdout, opts))
	cmd.AddCommand(newStatusCmd(stdout, opts))
	cmd.AddCommand(newHealthCmd(stdout, opts))
	cmd.AddCommand(newTasksCmd(stdout, opts))
	cmd.AddCommand(newTaskCmd(stdout, opts))
	cmd.AddCommand(newSettingsCmd(stdout, opts))
	cmd.AddCommand(newDeadlineCmd(stdout, opts))
	cmd.AddCommand(newPrefsCmd(stdout, opts))
	cmd.AddCommand(newLanguageCmd(stdout, opts))
	cmd.AddCommand(newTimezoneCmd(stdout, opts))
	cmd.AddCommand(newTimezonesCmd(stdout, opts))
	cmd.AddCommand(newTUICmd(opts))

	return cmd
}

func newVersionCmd(stdout io.Writer, opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.JSON {
				return writeJSON(stdout, map[string]string{
					"version": Version,
					"commit":  Commit,
					"result":  ResultInfoOnly,
				})
			}
			_, _ = fmt.Fprintf(stdout, "planner\n  Version: %s\n  Commit:  %s\n", Version, Commit)
			return nil
		},
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   int    `json:"code"`
	Result string `json:"result"`
}

// outputErrorJSON outputs error in JSON format
func outputErrorJSON(err error, stdout io.Writer) {
	_ = writeJSON(stdout, errorResponse{
		Error:  err.Error(),
		Code:   1,
		Result: ResultError,
	})
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, string(data))
	return nil
}
