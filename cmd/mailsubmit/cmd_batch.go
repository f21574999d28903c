package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/alexisbouchez/mailsubmit"
	"github.com/alexisbouchez/mailsubmit/internal/config"
	"github.com/alexisbouchez/mailsubmit/submission"
	"github.com/spf13/cobra"
)

func newBatchCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "batch <mails.toml>...",
		Short: "Encode all mails, then send them in order over one session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdBatch(args, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
}

func cmdBatch(files []string, stdout, stderr io.Writer) int {
	cfg, dir, err := loadConfig(configFlag)
	if err != nil {
		fmt.Fprintf(stderr, "mailsubmit batch: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	mails, err := loadMails(files)
	if err != nil {
		fmt.Fprintf(stderr, "mailsubmit batch: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	logger := newLogger(stderr)
	connector, err := cfg.Connector(context.Background(), os.Getenv, logger)
	if err != nil {
		fmt.Fprintf(stderr, "mailsubmit batch: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	return doBatch(ctx, cfg, connector, cfg.RenderContext(dir), mails, logger, stdout, stderr)
}

func doBatch(ctx context.Context, cfg *config.Config, connector mailsubmit.Connector, rc *mailsubmit.RenderContext,
	mails []labeled, logger *slog.Logger, stdout, stderr io.Writer,
) int {
	results := make([]error, len(mails))
	acks := make([]mailsubmit.Ack, len(mails))

	var (
		reqs []*mailsubmit.MailRequest
		idx  []int
	)
	for i, m := range mails {
		req, err := m.msg.Request()
		if err != nil {
			results[i] = mailsubmit.NewError(mailsubmit.KindEnvelope, err)
			continue
		}
		reqs = append(reqs, req)
		idx = append(idx, i)
	}

	var batchErr error
	if len(reqs) > 0 {
		var out []submission.Result
		out, batchErr = submission.SendBatch(ctx, connector, rc, reqs, cfg.Options(logger)...)
		for j, r := range out {
			acks[idx[j]], results[idx[j]] = r.Ack, r.Err
		}
	}

	code := report(mails, acks, results, stdout)
	if batchErr != nil {
		fmt.Fprintf(stderr, "mailsubmit batch: %v\n", batchErr) //nolint:errcheck // best-effort stderr
		code = 1
	}
	return code
}
