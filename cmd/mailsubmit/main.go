// mailsubmit submits mails described in TOML files to a submission server
// over one persistent session.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alexisbouchez/mailsubmit/internal/config"
	"github.com/alexisbouchez/mailsubmit/mailenc"
	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errExit is returned by RunE functions to signal a non-zero exit. The
// command has already written its own error to stderr.
var errExit = errors.New("exit")

var (
	configFlag  string
	verboseFlag bool
)

// run executes the CLI with args and returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	configFlag, verboseFlag = "mailsubmit.toml", false
	root := &cobra.Command{
		Use:           "mailsubmit",
		Short:         "Submit mails over a persistent SMTP session",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			fmt.Fprintf(stderr, "mailsubmit: unknown command %q\n", args[0]) //nolint:errcheck // best-effort stderr
			return errExit
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", configFlag, "path to the config file")
	root.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "log session activity")
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		newSendCmd(stdout, stderr),
		newBatchCmd(stdout, stderr),
		newValidateCmd(stdout, stderr),
		newVersionCmd(stdout),
	)
	return root
}

func newLogger(stderr io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verboseFlag {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads the config file and returns it with the directory it
// lives in.
func loadConfig(path string) (*config.Config, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", err
	}
	dir := filepath.Dir(abs)
	cfg, err := config.Load(os.DirFS(dir), filepath.Base(abs))
	if err != nil {
		return nil, "", err
	}
	return cfg, dir, nil
}

// labeled is a mail with the position it was read from.
type labeled struct {
	label string
	msg   *mailenc.Message
}

func loadMails(files []string) ([]labeled, error) {
	var out []labeled
	for _, name := range files {
		abs, err := filepath.Abs(name)
		if err != nil {
			return nil, err
		}
		msgs, err := mailenc.Load(os.DirFS(filepath.Dir(abs)), filepath.Base(abs))
		if err != nil {
			return nil, err
		}
		for i, m := range msgs {
			out = append(out, labeled{label: fmt.Sprintf("%s#%d", name, i+1), msg: m})
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no mails to send")
	}
	return out, nil
}
