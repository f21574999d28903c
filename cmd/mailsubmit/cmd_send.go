package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"github.com/alexisbouchez/mailsubmit"
	"github.com/alexisbouchez/mailsubmit/internal/config"
	"github.com/alexisbouchez/mailsubmit/submission"
	"github.com/spf13/cobra"
)

func newSendCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "send <mails.toml>...",
		Short: "Send mails through the persistent submission service",
		Long: `Send every [[mail]] of the given files over one session, submitting
them concurrently. An interrupt stops accepting mails and lets the queued
ones finish.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdSend(args, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
}

func cmdSend(files []string, stdout, stderr io.Writer) int {
	cfg, dir, err := loadConfig(configFlag)
	if err != nil {
		fmt.Fprintf(stderr, "mailsubmit send: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	mails, err := loadMails(files)
	if err != nil {
		fmt.Fprintf(stderr, "mailsubmit send: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	logger := newLogger(stderr)
	connector, err := cfg.Connector(context.Background(), os.Getenv, logger)
	if err != nil {
		fmt.Fprintf(stderr, "mailsubmit send: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	return doSend(ctx, cfg, connector, cfg.RenderContext(dir), mails, logger, stdout, stderr)
}

// doSend submits mails through a service and prints one line per mail in
// input order. Ending ctx stops the service gracefully.
func doSend(ctx context.Context, cfg *config.Config, connector mailsubmit.Connector, rc *mailsubmit.RenderContext,
	mails []labeled, logger *slog.Logger, stdout, stderr io.Writer,
) int {
	svc, h := submission.New(cfg.Setup(connector, rc), cfg.Options(logger)...)
	done := svc.Start(context.Background())
	stop := context.AfterFunc(ctx, svc.StopFlag().Stop)
	defer stop()

	results := make([]error, len(mails))
	acks := make([]mailsubmit.Ack, len(mails))
	var wg sync.WaitGroup
	for i, m := range mails {
		req, err := m.msg.Request()
		if err != nil {
			results[i] = mailsubmit.NewError(mailsubmit.KindEnvelope, err)
			continue
		}
		ph := h.Clone()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer ph.Close()
			acks[i], results[i] = ph.SendAndWait(context.Background(), req)
		}()
	}
	h.Close()
	wg.Wait()

	code := report(mails, acks, results, stdout)
	if err := <-done; err != nil {
		fmt.Fprintf(stderr, "mailsubmit send: %v\n", err) //nolint:errcheck // best-effort stderr
		code = 1
	}
	return code
}

func report(mails []labeled, acks []mailsubmit.Ack, results []error, stdout io.Writer) int {
	code := 0
	for i, m := range mails {
		if err := results[i]; err != nil {
			fmt.Fprintf(stdout, "fail %s: %s: %v\n", m.label, mailsubmit.KindOf(err), err) //nolint:errcheck // best-effort stdout
			code = 1
			continue
		}
		fmt.Fprintf(stdout, "ok %s %s\n", m.label, acks[i].Response) //nolint:errcheck // best-effort stdout
	}
	return code
}
