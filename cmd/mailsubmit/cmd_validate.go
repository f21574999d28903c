package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alexisbouchez/mailsubmit"
	"github.com/spf13/cobra"
)

func newValidateCmd(stdout, stderr io.Writer) *cobra.Command {
	var resources string
	cmd := &cobra.Command{
		Use:   "validate <mails.toml>...",
		Short: "Derive envelopes and encode mails without sending them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdValidate(args, resources, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&resources, "resources", "", "directory attachments are read from (default: next to each mail file)")
	return cmd
}

func cmdValidate(files []string, resources string, stdout, stderr io.Writer) int {
	code := 0
	for _, name := range files {
		mails, err := loadMails([]string{name})
		if err != nil {
			fmt.Fprintf(stderr, "mailsubmit validate: %v\n", err) //nolint:errcheck // best-effort stderr
			code = 1
			continue
		}
		dir := resources
		if dir == "" {
			dir = filepath.Dir(name)
		}
		rc := &mailsubmit.RenderContext{Resources: os.DirFS(dir)}
		for _, m := range mails {
			if err := validate(m, rc, stdout); err != nil {
				fmt.Fprintf(stdout, "fail %s: %s: %v\n", m.label, mailsubmit.KindOf(err), err) //nolint:errcheck // best-effort stdout
				code = 1
			}
		}
	}
	return code
}

// countWriter counts the bytes written to it.
type countWriter int

func (c *countWriter) Write(p []byte) (int, error) {
	*c += countWriter(len(p))
	return len(p), nil
}

func validate(m labeled, rc *mailsubmit.RenderContext, stdout io.Writer) error {
	req, err := m.msg.Request()
	if err != nil {
		return mailsubmit.NewError(mailsubmit.KindEnvelope, err)
	}
	env, err := req.ResolveEnvelope()
	if err != nil {
		return mailsubmit.NewError(mailsubmit.KindEnvelope, err)
	}
	enc, err := req.Mail.Render(rc)
	if err != nil {
		return mailsubmit.NewError(mailsubmit.KindComposition, err)
	}
	var n countWriter
	if err := enc.Encode(&n, env.MailType()); err != nil {
		return mailsubmit.NewError(mailsubmit.KindEncoding, err)
	}
	fmt.Fprintf(stdout, "ok %s %s -> %d recipient(s), %d bytes, %s\n", //nolint:errcheck // best-effort stdout
		m.label, env.From, len(env.To), int(n), env.MailType())
	return nil
}
